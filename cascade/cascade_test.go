// SPDX-FileCopyrightText: © 2025 The Mixpay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package cascade

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/hpqc/sign/ed25519"

	"github.com/mixpay/mixpay/pay"
)

func TestPrepaidIntervalBounds(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	hops := []Hop{{ID: "mix-a"}}
	_, err := New("c", "bi", MinPrepaidInterval-1, hops)
	require.ErrorIs(err, ErrInvalidPrepaidInterval)
	_, err = New("c", "bi", MaxPrepaidInterval+1, hops)
	require.ErrorIs(err, ErrInvalidPrepaidInterval)
	_, err = New("c", "bi", MinPrepaidInterval, nil)
	require.Error(err)

	c, err := New("c", "bi", MaxPrepaidInterval, hops)
	require.NoError(err)
	require.Equal(int64(MaxPrepaidInterval), c.PrepaidIntervalBytes())
}

func TestContextHashes(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	biPub, biKey, err := ed25519.Scheme().GenerateKey()
	require.NoError(err)
	pa, err := pay.NewPriceCertificate(biKey, biPub, "bi", "mix-a", 1)
	require.NoError(err)
	pc, err := pay.NewPriceCertificate(biKey, biPub, "bi", "mix-c", 3)
	require.NoError(err)

	c, err := New("c", "bi", 5000, []Hop{
		{ID: "mix-a", PriceCert: pa},
		{ID: "mix-b"},
		{ID: "mix-c", PriceCert: pc},
	})
	require.NoError(err)

	require.Equal([]string{"mix-a", "mix-b", "mix-c"}, c.HopIDs())
	require.Len(c.PriceCertificates(), 2)

	hashes := c.PriceCertificateHashes()
	require.Len(hashes, 2)
	require.Equal(0, hashes[0].Position)
	require.Equal(2, hashes[1].Position)
	require.Equal(pc.Hash(), hashes[1].Hash)
	require.Equal(pay.FingerprintOf(hashes), Fingerprint(c))
}
