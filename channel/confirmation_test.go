// SPDX-FileCopyrightText: © 2025 The Mixpay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package channel

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mixpay/mixpay/cascade"
	"github.com/mixpay/mixpay/pay"
	"github.com/mixpay/mixpay/pay/wire"
)

func request(accountID, bytes int64) *wire.PayRequest {
	return &wire.PayRequest{CC: &pay.CostConfirmation{AccountID: accountID, TransferredBytes: bytes}}
}

func TestCoSign(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e := newTestEnv(t, 5000, nil)
	e.counter.Add(1000)

	e.ch.Process(request(1, 6000))
	cc := e.tr.lastCC(t)
	require.Equal(int64(6000), cc.TransferredBytes)
	require.Equal(cascade.Fingerprint(e.pricing), cc.Fingerprint())
	require.Equal("cascade-1", cc.CascadeID)
	require.Equal("bi-1", cc.PaymentInstanceID)
	require.GreaterOrEqual(cc.TransferredBytes, e.acc.UnconfirmedBytes())
	require.True(cc.Verify(e.acc.PublicKey()))
	require.Equal(cc, e.acc.CostConfirmation(cc.Fingerprint()))
	require.Equal(int64(6000), e.acc.MySpent())

	// Any change of the signed payload breaks the signature.
	forged := cc.Copy()
	forged.TransferredBytes++
	require.False(forged.Verify(e.acc.PublicKey()))
	forged = cc.Copy()
	forged.PriceCertHashes[1].Hash[0] ^= 0xff
	require.False(forged.Verify(e.acc.PublicKey()))
	forged = cc.Copy()
	forged.CascadeID = "cascade-2"
	require.False(forged.Verify(e.acc.PublicKey()))

	// More traffic, larger confirmation.
	e.counter.Add(2500)
	e.ch.Process(request(1, 8500))
	cc = e.tr.lastCC(t)
	require.Equal(int64(8500), cc.TransferredBytes)
	require.GreaterOrEqual(cc.TransferredBytes, e.acc.UnconfirmedBytes())
	require.Equal(int64(8500), e.acc.MySpent())
	require.False(e.svc.abandoned.Load())
}

func TestCoSignResendsPrior(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e := newTestEnv(t, 5000, nil)
	prior := e.signedCC(t, 10000)
	_, err := e.acc.AddCostConfirmation(prior)
	require.NoError(err)
	require.NoError(e.acc.UpdateUnconfirmedBytes(1000))

	e.ch.Process(request(1, 500))
	cc := e.tr.lastCC(t)
	require.Equal(prior, cc)
	require.GreaterOrEqual(cc.TransferredBytes, e.acc.UnconfirmedBytes())
	require.Equal(int64(10000), e.acc.CostConfirmation(prior.Fingerprint()).TransferredBytes)
	require.False(e.svc.abandoned.Load())
}

func TestCoSignCreditsPrepaidWithoutBaseline(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e := newTestEnv(t, 5000, nil)
	_, err := e.acc.AddCostConfirmation(e.signedCC(t, 2000))
	require.NoError(err)

	e.ch.Process(&wire.Challenge{Nonce: []byte("n"), PrepaidBytes: 3000})
	require.Equal(int64(-3000), e.acc.UnconfirmedBytes())

	// The cascade did not return the last confirmation, so the grant is
	// taken back once.
	e.ch.Process(request(1, 5000))
	require.Zero(e.acc.UnconfirmedBytes())
	require.Equal(int64(5000), e.tr.lastCC(t).TransferredBytes)

	e.ch.Process(request(1, 5000))
	require.Zero(e.acc.UnconfirmedBytes())
}

func TestCoSignNegativeSpentIsReset(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e := newTestEnv(t, 5000, nil)
	e.ch.Process(&wire.Challenge{Nonce: []byte("n"), PrepaidBytes: 8000})
	require.Equal(int64(-8000), e.acc.UnconfirmedBytes())

	e.ch.Process(request(1, 5000))
	require.Zero(e.acc.UnconfirmedBytes())
	cc := e.tr.lastCC(t)
	require.Equal(int64(5000), cc.TransferredBytes)
	require.True(cc.Verify(e.acc.PublicKey()))
}

func TestCoSignZeroConfirmation(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e := newTestEnv(t, 5000, nil)
	e.ch.Process(&wire.Challenge{Nonce: []byte("n"), PrepaidBytes: 5000})

	e.ch.Process(request(1, 0))
	cc := e.tr.lastCC(t)
	require.Zero(cc.TransferredBytes)
	require.True(cc.Verify(e.acc.PublicKey()))
	require.NotNil(e.acc.CostConfirmation(cascade.Fingerprint(e.pricing)))
}

func TestCoSignAccountMismatch(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e := newTestEnv(t, 5000, nil)
	e.ch.Process(request(99, 5000))
	require.Empty(e.tr.messages())
	require.True(e.svc.abandoned.Load())
	require.Equal([]pay.ErrorCode{pay.CodeWrongData}, e.recorder.codes())
	require.Empty(e.acc.CostConfirmations())
}

func TestInitialCC(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e := newTestEnv(t, 5000, nil)
	last := e.signedCC(t, 20000)

	e.ch.Process(&wire.CostConfirmation{CC: last})
	require.Equal(int64(20000), e.acc.UnconfirmedBytes())

	cc := e.tr.lastCC(t)
	require.Equal(int64(25000), cc.TransferredBytes)
	require.True(cc.Verify(e.acc.PublicKey()))
	require.Equal(int64(25000), e.acc.CostConfirmation(last.Fingerprint()).TransferredBytes)
	require.NotNil(e.ch.baseline)
	require.Equal(int64(20000), e.ch.baseline.TransferredBytes)

	// A second initial confirmation is applied relative to the first.
	e.ch.Process(&wire.CostConfirmation{CC: e.signedCC(t, 21000)})
	require.Equal(int64(21000), e.acc.UnconfirmedBytes())
	require.Equal(int64(26000), e.tr.lastCC(t).TransferredBytes)
	require.False(e.svc.abandoned.Load())

	// Co-signing pays ahead of the rebased counter.
	e.counter.Add(1000)
	e.ch.Process(request(1, 27000))
	require.Equal(int64(27000), e.tr.lastCC(t).TransferredBytes)
	require.Equal(int64(27000), e.acc.CostConfirmation(last.Fingerprint()).TransferredBytes)
}

func TestInitialCCAlreadyPaidAhead(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e := newTestEnv(t, 5000, nil)
	e.ch.Process(&wire.Challenge{Nonce: []byte("n"), PrepaidBytes: 6000})
	last := e.signedCC(t, 10000)

	// Spent is 4000 after the grant, less than confirmed by more than
	// the interval: nothing to pay, the confirmation is acknowledged.
	e.ch.Process(&wire.CostConfirmation{CC: last})
	require.Equal(int64(4000), e.acc.UnconfirmedBytes())
	cc := e.tr.lastCC(t)
	require.Equal(int64(10000), cc.TransferredBytes)
	require.True(cc.Verify(e.acc.PublicKey()))
}

func TestInitialCCPriceCertMismatch(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e := newTestEnv(t, 5000, nil)
	sk, err := e.acc.PrivateKey()
	require.NoError(err)

	last := e.signedCC(t, 20000)
	last.PriceCertHashes[1].Hash[5] ^= 0x01
	require.NoError(last.Sign(sk))

	err = e.ch.processInitialCC(last)
	require.ErrorIs(err, pay.ErrInvalidPriceCertificates)
	require.Empty(e.acc.CostConfirmations())
	require.Zero(e.acc.UnconfirmedBytes())
	require.Nil(e.ch.baseline)

	e.ch.Process(&wire.CostConfirmation{CC: last})
	require.Empty(e.tr.messages())
	require.Empty(e.acc.CostConfirmations())
	require.True(e.svc.abandoned.Load())
	require.Equal([]pay.ErrorCode{pay.CodeInvalidPriceCerts}, e.recorder.codes())
}

func TestInitialCCMissingHop(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e := newTestEnv(t, 5000, nil)
	sk, err := e.acc.PrivateKey()
	require.NoError(err)

	last := e.signedCC(t, 20000)
	last.PriceCertHashes[2].Position = 7
	require.NoError(last.Sign(sk))
	require.ErrorIs(e.ch.processInitialCC(last), pay.ErrInvalidPriceCertificates)

	last.PriceCertHashes = last.PriceCertHashes[:2]
	require.NoError(last.Sign(sk))
	require.ErrorIs(e.ch.processInitialCC(last), pay.ErrInvalidPriceCertificates)
	require.Empty(e.acc.CostConfirmations())
}

func TestInitialCCBadSignature(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e := newTestEnv(t, 5000, nil)
	last := e.signedCC(t, 20000)
	last.TransferredBytes = 100

	e.ch.Process(&wire.CostConfirmation{CC: last})
	require.Empty(e.tr.messages())
	require.Empty(e.acc.CostConfirmations())
	require.True(e.svc.abandoned.Load())
	require.Equal([]pay.ErrorCode{pay.CodeWrongData}, e.recorder.codes())
}
