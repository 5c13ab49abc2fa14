// SPDX-FileCopyrightText: © 2025 The Mixpay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package pay

import (
	"errors"
	"fmt"
	"time"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/sign"
	"github.com/katzenpost/hpqc/sign/schemes"

	"github.com/mixpay/mixpay/core/cert"
)

// Certificate kinds issued by a billing instance.
const (
	KindPrice   = "price"
	KindAccount = "account"
	KindBalance = "balance"
)

// MaxKBytesCountingAsEmpty is the remaining credit, in kilobytes, below
// which an account is considered empty.
const MaxKBytesCountingAsEmpty = 5000

// PaymentInstance is a billing instance trusted to issue certificates.
type PaymentInstance struct {
	ID   string
	Name string
	Key  sign.PublicKey
}

type paymentInstanceRecord struct {
	ID        string
	Name      string
	KeyScheme string
	Key       []byte
}

// Marshal serializes the payment instance.
func (pi *PaymentInstance) Marshal() ([]byte, error) {
	key, err := pi.Key.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return ccbor.Marshal(&paymentInstanceRecord{
		ID:        pi.ID,
		Name:      pi.Name,
		KeyScheme: pi.Key.Scheme().Name(),
		Key:       key,
	})
}

// UnmarshalPaymentInstance parses a serialized payment instance.
func UnmarshalPaymentInstance(b []byte) (*PaymentInstance, error) {
	r := new(paymentInstanceRecord)
	if err := decMode.Unmarshal(b, r); err != nil {
		return nil, err
	}
	pk, err := UnmarshalPublicKey(r.KeyScheme, r.Key)
	if err != nil {
		return nil, err
	}
	return &PaymentInstance{ID: r.ID, Name: r.Name, Key: pk}, nil
}

// UnmarshalPublicKey decodes a public key of the named signature scheme.
func UnmarshalPublicKey(scheme string, b []byte) (sign.PublicKey, error) {
	s := schemes.ByName(scheme)
	if s == nil {
		return nil, fmt.Errorf("pay: unknown signature scheme '%s'", scheme)
	}
	return s.UnmarshalBinaryPublicKey(b)
}

// PriceCertificate is a billing instance's statement of the rate charged
// by one mix.
type PriceCertificate struct {
	Raw []byte `cbor:"-"`

	SubjectKeyIdentifier string
	Rate                 int64
	PaymentInstanceID    string
	SignatureTime        int64
}

// NewPriceCertificate issues a price certificate for the mix with the given
// subject key identifier.
func NewPriceCertificate(biKey sign.PrivateKey, biPub sign.PublicKey, biID, ski string, rate int64) (*PriceCertificate, error) {
	p := &PriceCertificate{
		SubjectKeyIdentifier: ski,
		Rate:                 rate,
		PaymentInstanceID:    biID,
		SignatureTime:        time.Now().Unix(),
	}
	body, err := ccbor.Marshal(p)
	if err != nil {
		return nil, err
	}
	p.Raw, err = cert.Sign(biKey, biPub, KindPrice, body, cert.NoExpiration)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ParsePriceCertificate decodes a price certificate without verifying it.
func ParsePriceCertificate(raw []byte) (*PriceCertificate, error) {
	body, err := cert.GetCertified(raw, KindPrice)
	if err != nil {
		return nil, err
	}
	p := new(PriceCertificate)
	if err := decMode.Unmarshal(body, p); err != nil {
		return nil, err
	}
	p.Raw = raw
	return p, nil
}

// Hash returns the hash that cost confirmations refer to.
func (p *PriceCertificate) Hash() [32]byte {
	return hash.Sum256(p.Raw)
}

// Verify checks that pi issued the certificate.
func (p *PriceCertificate) Verify(pi *PaymentInstance) error {
	if pi == nil || pi.Key == nil {
		return errors.New("pay: no billing instance key")
	}
	body, err := cert.Verify(pi.Key, KindPrice, p.Raw)
	if err != nil {
		return err
	}
	signed := new(PriceCertificate)
	if err := decMode.Unmarshal(body, signed); err != nil {
		return err
	}
	if signed.SubjectKeyIdentifier != p.SubjectKeyIdentifier || signed.Rate != p.Rate ||
		signed.PaymentInstanceID != p.PaymentInstanceID || signed.SignatureTime != p.SignatureTime {
		return cert.ErrBadSignature
	}
	if signed.PaymentInstanceID != pi.ID {
		return fmt.Errorf("pay: price certificate issued by '%s', not '%s'", signed.PaymentInstanceID, pi.ID)
	}
	return nil
}

// AccountCertificate binds an account number to the account's public key.
type AccountCertificate struct {
	Raw []byte

	AccountID         int64
	PublicKey         sign.PublicKey
	PaymentInstanceID string
	CreationTime      time.Time
}

type accountBody struct {
	AccountID         int64
	KeyScheme         string
	PublicKey         []byte
	PaymentInstanceID string
	CreationTime      time.Time
}

// NewAccountCertificate issues an account certificate for pk.
func NewAccountCertificate(biKey sign.PrivateKey, biPub sign.PublicKey, biID string, accountID int64, pk sign.PublicKey, created time.Time) (*AccountCertificate, error) {
	key, err := pk.MarshalBinary()
	if err != nil {
		return nil, err
	}
	body, err := ccbor.Marshal(&accountBody{
		AccountID:         accountID,
		KeyScheme:         pk.Scheme().Name(),
		PublicKey:         key,
		PaymentInstanceID: biID,
		CreationTime:      created,
	})
	if err != nil {
		return nil, err
	}
	raw, err := cert.Sign(biKey, biPub, KindAccount, body, cert.NoExpiration)
	if err != nil {
		return nil, err
	}
	return ParseAccountCertificate(raw)
}

// ParseAccountCertificate decodes an account certificate without verifying it.
func ParseAccountCertificate(raw []byte) (*AccountCertificate, error) {
	body, err := cert.GetCertified(raw, KindAccount)
	if err != nil {
		return nil, err
	}
	b := new(accountBody)
	if err := decMode.Unmarshal(body, b); err != nil {
		return nil, err
	}
	pk, err := UnmarshalPublicKey(b.KeyScheme, b.PublicKey)
	if err != nil {
		return nil, err
	}
	return &AccountCertificate{
		Raw:               raw,
		AccountID:         b.AccountID,
		PublicKey:         pk,
		PaymentInstanceID: b.PaymentInstanceID,
		CreationTime:      b.CreationTime,
	}, nil
}

// Verify checks that pi issued the certificate.
func (a *AccountCertificate) Verify(pi *PaymentInstance) error {
	if pi == nil || pi.Key == nil {
		return errors.New("pay: no billing instance key")
	}
	if a.PaymentInstanceID != pi.ID {
		return fmt.Errorf("pay: account certificate issued by '%s', not '%s'", a.PaymentInstanceID, pi.ID)
	}
	_, err := cert.Verify(pi.Key, KindAccount, a.Raw)
	return err
}

// Message is a notice the billing instance attaches to a balance.
type Message struct {
	Short string
	Body  string
	Link  string
}

// Balance is a billing instance statement about an account.
type Balance struct {
	AccountID       int64
	Timestamp       time.Time
	ValidTime       time.Time
	Deposit         int64
	Spent           int64
	Credit          int64
	FlatEnd         time.Time
	VolumeBytesLeft int64
	Message         *Message `cbor:",omitempty"`
}

// IsCharged returns true if the balance grants credit that is usable at t.
func (b *Balance) IsCharged(t time.Time) bool {
	if b == nil {
		return false
	}
	return b.Credit > 0 && b.FlatEnd.After(t)
}

// SignBalance issues a balance certificate.
func SignBalance(biKey sign.PrivateKey, biPub sign.PublicKey, b *Balance) ([]byte, error) {
	body, err := ccbor.Marshal(b)
	if err != nil {
		return nil, err
	}
	return cert.Sign(biKey, biPub, KindBalance, body, cert.NoExpiration)
}

// VerifyBalance checks a balance certificate issued by pi and returns the
// balance it certifies.
func VerifyBalance(pi *PaymentInstance, raw []byte) (*Balance, error) {
	body, err := cert.Verify(pi.Key, KindBalance, raw)
	if err != nil {
		return nil, err
	}
	b := new(Balance)
	if err := decMode.Unmarshal(body, b); err != nil {
		return nil, err
	}
	return b, nil
}

// AccountInfo is what the billing instance returns when asked about an
// account: the current balance and the latest cost confirmations it holds.
// A fetched statement carries the balance as BalanceCert; Balance is only
// trusted once Verify succeeded.
type AccountInfo struct {
	Balance     *Balance `cbor:",omitempty"`
	BalanceCert []byte   `cbor:",omitempty"`
	CCs         []*CostConfirmation
}

// Verify checks the balance certificate against the billing instance pi
// and replaces Balance with the certified statement.
func (i *AccountInfo) Verify(pi *PaymentInstance) error {
	if len(i.BalanceCert) == 0 {
		return NewError(ErrWrongData, "account info without a balance certificate")
	}
	b, err := VerifyBalance(pi, i.BalanceCert)
	if err != nil {
		return NewError(ErrWrongData, "balance certificate of %s: %v", pi.ID, err)
	}
	i.Balance = b
	return nil
}
