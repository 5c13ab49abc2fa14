// SPDX-FileCopyrightText: © 2025 The Mixpay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package cert

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/hpqc/sign/ed25519"
)

func TestExpiredCertificate(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	scheme := ed25519.Scheme()
	pk, sk, err := scheme.GenerateKey()
	assert.NoError(err)

	past := time.Now().Add(-time.Hour).Unix()
	certificate, err := Sign(sk, pk, "price", []byte("hello"), past)
	assert.ErrorIs(err, ErrCertificateExpired)
	assert.Nil(certificate)
}

func TestCertificate(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	scheme := ed25519.Scheme()
	pk, sk, err := scheme.GenerateKey()
	require.NoError(err)

	data := []byte("price certificate body")
	future := time.Now().Add(time.Hour).Unix()
	certificate, err := Sign(sk, pk, "price", data, future)
	require.NoError(err)

	certified, err := Verify(pk, "price", certificate)
	require.NoError(err)
	require.Equal(data, certified)

	certified, err = GetCertified(certificate, "price")
	require.NoError(err)
	require.Equal(data, certified)

	_, err = Verify(pk, "account", certificate)
	require.ErrorIs(err, ErrKindMismatch)
}

func TestBadCertificate(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	scheme := ed25519.Scheme()
	pk, sk, err := scheme.GenerateKey()
	require.NoError(err)
	otherPk, _, err := scheme.GenerateKey()
	require.NoError(err)

	certificate, err := Sign(sk, pk, "balance", []byte("deposit=100"), NoExpiration)
	require.NoError(err)

	_, err = Verify(otherPk, "balance", certificate)
	require.ErrorIs(err, ErrIdentitySignatureNotFound)

	// Signed by sk but claiming to be from otherPk.
	forged, err := Sign(sk, otherPk, "balance", []byte("deposit=100"), NoExpiration)
	require.NoError(err)
	_, err = Verify(otherPk, "balance", forged)
	require.ErrorIs(err, ErrBadSignature)

	_, err = Verify(pk, "balance", []byte{0xff, 0x00})
	require.ErrorIs(err, ErrImpossibleDecode)
}
