// SPDX-FileCopyrightText: © 2025 The Mixpay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mixpay/mixpay/pay"
)

func TestPayRequestFraming(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	req := &PayRequest{
		AccountRequest: true,
		CC: &pay.CostConfirmation{
			AccountID:        9,
			TransferredBytes: 4096,
			PriceCertHashes:  []pay.PriceCertHash{{Position: 0, HopID: "mix-a"}},
			CascadeID:        "c",
		},
	}
	b, err := req.ToBytes()
	require.NoError(err)
	require.Equal(byte(payRequest), b[0])
	require.Equal(byte(0), b[1])

	m, err := FromBytes(b)
	require.NoError(err)
	got, ok := m.(*PayRequest)
	require.True(ok)
	require.True(got.AccountRequest)
	require.Equal(int64(4096), got.CC.TransferredBytes)
	require.Equal(req.CC.Fingerprint(), got.CC.Fingerprint())

	b, err = (&PayRequest{}).ToBytes()
	require.NoError(err)
	m, err = FromBytes(b)
	require.NoError(err)
	require.Nil(m.(*PayRequest).CC)
}

func TestErrorMessage(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	b, err := (&ErrorMessage{Code: pay.CodeAccountEmpty, Message: "empty"}).ToBytes()
	require.NoError(err)
	m, err := FromBytes(b)
	require.NoError(err)
	em := m.(*ErrorMessage)
	require.ErrorIs(em.Err(), pay.ErrAccountEmpty)
}

func TestInvalidFrames(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	b, err := (&Challenge{Nonce: []byte("nonce"), PrepaidBytes: 10}).ToBytes()
	require.NoError(err)

	_, err = FromBytes(b[:3])
	require.ErrorIs(err, pay.ErrProtocolViolation)

	reserved := append([]byte(nil), b...)
	reserved[1] = 1
	_, err = FromBytes(reserved)
	require.ErrorIs(err, pay.ErrProtocolViolation)

	unknown := append([]byte(nil), b...)
	unknown[0] = 0x7f
	_, err = FromBytes(unknown)
	require.ErrorIs(err, pay.ErrProtocolViolation)

	_, err = FromBytes(b[:len(b)-1])
	require.ErrorIs(err, pay.ErrProtocolViolation)

	_, err = (&CostConfirmation{}).ToBytes()
	require.Error(err)
}
