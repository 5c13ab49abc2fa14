// SPDX-FileCopyrightText: © 2025 The Mixpay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package cert provides the signed certificate envelope used for the
// documents a billing instance issues: account certificates, price
// certificates and balance certificates.
package cert

import (
	"bytes"
	"crypto/hmac"
	"encoding/binary"
	"errors"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/sign"
)

const (
	// CertVersion is the certificate format version.
	CertVersion = 0

	// NoExpiration marks a certificate that never expires.
	NoExpiration = int64(0)
)

var (
	// ErrImpossibleDecode is an impossible decoding error.
	ErrImpossibleDecode = errors.New("cert: impossible to decode")

	// ErrImpossibleEncode is an impossible encoding error.
	ErrImpossibleEncode = errors.New("cert: impossible to encode")

	// ErrBadSignature indicates that the given signature does not sign the certificate.
	ErrBadSignature = errors.New("cert: signature does not sign certificate")

	// ErrInvalidCertified indicates that the certified field is invalid.
	ErrInvalidCertified = errors.New("cert: invalid certified field of certificate")

	// ErrKindMismatch indicates that the certificate certifies a different
	// kind of document than the caller expected.
	ErrKindMismatch = errors.New("cert: certificate kind mismatch")

	// ErrVersionMismatch indicates that the given certificate is the wrong format version.
	ErrVersionMismatch = errors.New("cert: certificate version mismatch")

	// ErrCertificateExpired indicates that the given certificate has expired.
	ErrCertificateExpired = errors.New("cert: certificate expired")

	// ErrIdentitySignatureNotFound indicates that for the given signer identity
	// there was no signature present in the certificate.
	ErrIdentitySignatureNotFound = errors.New("cert: no signature for the given identity")

	ccbor cbor.EncMode
)

// Signature is a cryptographic signature which has an associated signer ID.
type Signature struct {
	// PublicKeySum256 is the 256 bit hash of the signer's public key.
	PublicKeySum256 [32]byte

	// Payload is the actual signature value.
	Payload []byte
}

// Certificate is the serialized certificate structure.
type Certificate struct {
	// Version is the certificate format version.
	Version uint32

	// Kind names the certified document type (eg: "price").
	Kind string

	// KeyType is the signature scheme name of the signer.
	KeyType string

	// Expiration is the unix time at which the certificate stops being
	// valid, or NoExpiration.
	Expiration int64

	// Certified is the data that is certified by this certificate.
	Certified []byte

	// Signatures maps PublicKeySum256 to the signature over message().
	Signatures map[[32]byte]Signature
}

func (c *Certificate) message() []byte {
	message := new(bytes.Buffer)
	var tmp [8]byte
	binary.BigEndian.PutUint32(tmp[:4], c.Version)
	message.Write(tmp[:4])
	binary.BigEndian.PutUint64(tmp[:], uint64(c.Expiration))
	message.Write(tmp[:])
	binary.BigEndian.PutUint32(tmp[:4], uint32(len(c.Kind)))
	message.Write(tmp[:4])
	message.WriteString(c.Kind)
	message.WriteString(c.KeyType)
	message.Write(c.Certified)
	return message.Bytes()
}

func (c *Certificate) sanityCheck(now time.Time) error {
	if c.Version != CertVersion {
		return ErrVersionMismatch
	}
	if c.Expiration != NoExpiration && now.Unix() >= c.Expiration {
		return ErrCertificateExpired
	}
	if len(c.Certified) == 0 {
		return ErrInvalidCertified
	}
	if c.Signatures == nil {
		c.Signatures = make(map[[32]byte]Signature)
	}
	return nil
}

func decode(rawCert []byte, kind string) (*Certificate, error) {
	c := new(Certificate)
	if err := cbor.Unmarshal(rawCert, c); err != nil {
		return nil, ErrImpossibleDecode
	}
	if c.Kind != kind {
		return nil, ErrKindMismatch
	}
	if err := c.sanityCheck(time.Now()); err != nil {
		return nil, err
	}
	return c, nil
}

// Sign certifies data of the given kind with signer, returning the
// serialized certificate.
func Sign(signer sign.PrivateKey, verifier sign.PublicKey, kind string, data []byte, expiration int64) ([]byte, error) {
	c := &Certificate{
		Version:    CertVersion,
		Kind:       kind,
		KeyType:    signer.Scheme().Name(),
		Expiration: expiration,
		Certified:  data,
	}
	if err := c.sanityCheck(time.Now()); err != nil {
		return nil, err
	}
	id := hash.Sum256From(verifier)
	c.Signatures[id] = Signature{
		PublicKeySum256: id,
		Payload:         signer.Scheme().Sign(signer, c.message(), nil),
	}
	out, err := ccbor.Marshal(c)
	if err != nil {
		return nil, ErrImpossibleEncode
	}
	return out, nil
}

// GetCertified returns the certified data without checking any signature.
func GetCertified(rawCert []byte, kind string) ([]byte, error) {
	c, err := decode(rawCert, kind)
	if err != nil {
		return nil, err
	}
	return c.Certified, nil
}

// Verify checks the signature made by verifier and returns the certified
// data if it is valid.
func Verify(verifier sign.PublicKey, kind string, rawCert []byte) ([]byte, error) {
	c, err := decode(rawCert, kind)
	if err != nil {
		return nil, err
	}
	id := hash.Sum256From(verifier)
	for _, sig := range c.Signatures {
		if !hmac.Equal(id[:], sig.PublicKeySum256[:]) {
			continue
		}
		if verifier.Scheme().Verify(verifier, c.message(), sig.Payload, nil) {
			return c.Certified, nil
		}
		return nil, ErrBadSignature
	}
	return nil, ErrIdentitySignatureNotFound
}

func init() {
	var err error
	opts := cbor.CanonicalEncOptions()
	ccbor, err = opts.EncMode()
	if err != nil {
		panic(err)
	}
}
