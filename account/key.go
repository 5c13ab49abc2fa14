// SPDX-FileCopyrightText: © 2025 The Mixpay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package account

import (
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign"

	"github.com/mixpay/mixpay/pay"
)

const (
	saltSize = 16

	argonTime    = 3
	argonMemory  = 32 * 1024
	argonThreads = 4
)

// PassphraseFunc returns the passphrase protecting an account key.
type PassphraseFunc func(accountID int64) ([]byte, error)

// SealedKey is an account private key encrypted with a passphrase.
type SealedKey struct {
	Salt       []byte
	Nonce      []byte
	Ciphertext []byte
}

func stretchKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
}

func accountAD(accountID int64) []byte {
	var ad [8]byte
	binary.BigEndian.PutUint64(ad[:], uint64(accountID))
	return ad[:]
}

func sealKey(accountID int64, sk sign.PrivateKey, passphrase []byte) (*SealedKey, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("account: empty passphrase")
	}
	plaintext, err := sk.MarshalBinary()
	if err != nil {
		return nil, err
	}
	s := &SealedKey{
		Salt:  make([]byte, saltSize),
		Nonce: make([]byte, chacha20poly1305.NonceSizeX),
	}
	if _, err := io.ReadFull(rand.Reader, s.Salt); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(rand.Reader, s.Nonce); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(stretchKey(passphrase, s.Salt))
	if err != nil {
		return nil, err
	}
	s.Ciphertext = aead.Seal(nil, s.Nonce, plaintext, accountAD(accountID))
	return s, nil
}

func (s *SealedKey) open(accountID int64, scheme sign.Scheme, passphrase []byte) (sign.PrivateKey, error) {
	aead, err := chacha20poly1305.NewX(stretchKey(passphrase, s.Salt))
	if err != nil {
		return nil, err
	}
	if len(s.Nonce) != aead.NonceSize() {
		return nil, pay.ErrDecryptionFailed
	}
	plaintext, err := aead.Open(nil, s.Nonce, s.Ciphertext, accountAD(accountID))
	if err != nil {
		return nil, pay.ErrDecryptionFailed
	}
	return scheme.UnmarshalBinaryPrivateKey(plaintext)
}
