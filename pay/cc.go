// SPDX-FileCopyrightText: © 2025 The Mixpay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package pay

import (
	"encoding/hex"
	"errors"
	"sort"
	"strings"

	"github.com/katzenpost/hpqc/sign"
)

// PriceCertHash binds the hash of a hop's price certificate to its position
// in the cascade.
type PriceCertHash struct {
	Position int
	HopID    string
	Hash     [32]byte
}

// Fingerprint identifies the pricing of a cascade: the hex encoded price
// certificate hashes concatenated in hop order.
type Fingerprint string

// FingerprintOf computes the fingerprint of the given hashes.
func FingerprintOf(hashes []PriceCertHash) Fingerprint {
	sorted := make([]PriceCertHash, len(hashes))
	copy(sorted, hashes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Position < sorted[j].Position
	})
	var b strings.Builder
	for _, h := range sorted {
		b.WriteString(hex.EncodeToString(h.Hash[:]))
	}
	return Fingerprint(b.String())
}

// CostConfirmation is a signed claim of the cumulative number of bytes an
// account transferred through a cascade with a given pricing.
type CostConfirmation struct {
	AccountID         int64
	TransferredBytes  int64
	PriceCertHashes   []PriceCertHash
	CascadeID         string
	PaymentInstanceID string
	Signature         []byte `cbor:",omitempty"`
}

type unsignedCC struct {
	AccountID         int64
	TransferredBytes  int64
	PriceCertHashes   []PriceCertHash
	CascadeID         string
	PaymentInstanceID string
}

// Fingerprint returns the pricing fingerprint the confirmation applies to.
func (cc *CostConfirmation) Fingerprint() Fingerprint {
	return FingerprintOf(cc.PriceCertHashes)
}

// Hash returns the price certificate hash recorded for position, if any.
func (cc *CostConfirmation) Hash(position int) ([32]byte, bool) {
	for _, h := range cc.PriceCertHashes {
		if h.Position == position {
			return h.Hash, true
		}
	}
	return [32]byte{}, false
}

func (cc *CostConfirmation) message() ([]byte, error) {
	return ccbor.Marshal(&unsignedCC{
		AccountID:         cc.AccountID,
		TransferredBytes:  cc.TransferredBytes,
		PriceCertHashes:   cc.PriceCertHashes,
		CascadeID:         cc.CascadeID,
		PaymentInstanceID: cc.PaymentInstanceID,
	})
}

// Sign replaces the signature with one made by sk.
func (cc *CostConfirmation) Sign(sk sign.PrivateKey) error {
	if sk == nil {
		return ErrAccountLocked
	}
	msg, err := cc.message()
	if err != nil {
		return err
	}
	cc.Signature = sk.Scheme().Sign(sk, msg, nil)
	return nil
}

// Verify returns true iff the signature was made by the owner of pk.
func (cc *CostConfirmation) Verify(pk sign.PublicKey) bool {
	if pk == nil || len(cc.Signature) == 0 {
		return false
	}
	msg, err := cc.message()
	if err != nil {
		return false
	}
	return pk.Scheme().Verify(pk, msg, cc.Signature, nil)
}

// Copy returns a deep copy.
func (cc *CostConfirmation) Copy() *CostConfirmation {
	if cc == nil {
		return nil
	}
	n := *cc
	n.PriceCertHashes = append([]PriceCertHash(nil), cc.PriceCertHashes...)
	n.Signature = append([]byte(nil), cc.Signature...)
	return &n
}

// Marshal serializes the confirmation including its signature.
func (cc *CostConfirmation) Marshal() ([]byte, error) {
	return ccbor.Marshal(cc)
}

// UnmarshalCostConfirmation parses a serialized confirmation.
func UnmarshalCostConfirmation(b []byte) (*CostConfirmation, error) {
	cc := new(CostConfirmation)
	if err := decMode.Unmarshal(b, cc); err != nil {
		return nil, err
	}
	if cc.TransferredBytes < 0 {
		return nil, errors.New("pay: negative transferred bytes in cost confirmation")
	}
	return cc, nil
}
