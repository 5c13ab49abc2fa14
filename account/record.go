// SPDX-FileCopyrightText: © 2025 The Mixpay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package account

import (
	"errors"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/mixpay/mixpay/core/log"
	"github.com/mixpay/mixpay/pay"
)

var ccbor cbor.EncMode

// Record is the persistent form of a ledger.
type Record struct {
	Certificate []byte
	PrivateKey  []byte                  `cbor:",omitempty" codec:",omitempty"`
	SealedKey   *SealedKey              `cbor:",omitempty" codec:",omitempty"`
	Balance     *pay.Balance            `cbor:",omitempty" codec:",omitempty"`
	CCs         []*pay.CostConfirmation `cbor:",omitempty" codec:",omitempty"`
	MySpent     int64
	BackupTime  time.Time
}

// Record returns the persistent form of the ledger. A non-empty passphrase
// seals the private key; otherwise an existing sealed key is kept and an
// unsealed key is stored in the clear.
func (l *Ledger) Record(passphrase []byte) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := &Record{
		Certificate: l.cert.Raw,
		CCs:         l.sortedCCsLocked(),
		MySpent:     l.mySpent,
		BackupTime:  l.backupTime,
	}
	if l.balance != nil {
		b := *l.balance
		r.Balance = &b
	}
	switch {
	case len(passphrase) > 0:
		if l.sk == nil {
			return nil, pay.NewError(pay.ErrAccountLocked, "account %d cannot be resealed while locked", l.id)
		}
		sealed, err := sealKey(l.id, l.sk, passphrase)
		if err != nil {
			return nil, err
		}
		r.SealedKey = sealed
	case l.sealed != nil:
		r.SealedKey = l.sealed
	case l.sk != nil:
		b, err := l.sk.MarshalBinary()
		if err != nil {
			return nil, err
		}
		r.PrivateKey = b
	}
	return r, nil
}

// FromRecord rebuilds a ledger. An account with a sealed key comes back
// locked.
func FromRecord(r *Record, logBackend *log.Backend) (*Ledger, error) {
	c, err := pay.ParseAccountCertificate(r.Certificate)
	if err != nil {
		return nil, err
	}
	l := New(c, nil, logBackend)
	switch {
	case r.PrivateKey != nil:
		sk, err := c.PublicKey.Scheme().UnmarshalBinaryPrivateKey(r.PrivateKey)
		if err != nil {
			return nil, err
		}
		l.sk = sk
	case r.SealedKey != nil:
		l.sealed = r.SealedKey
	default:
		return nil, errors.New("account: record without a key")
	}
	if r.Balance != nil {
		b := *r.Balance
		l.balance = &b
	}
	for _, cc := range r.CCs {
		if cc.AccountID != l.id {
			return nil, pay.NewError(pay.ErrAccountMismatch, "record for %d holds a confirmation of %d", l.id, cc.AccountID)
		}
		l.ccs[cc.Fingerprint()] = cc.Copy()
	}
	l.mySpent = r.MySpent
	l.backupTime = r.BackupTime
	return l, nil
}

// Marshal serializes the ledger, see Record.
func (l *Ledger) Marshal(passphrase []byte) ([]byte, error) {
	r, err := l.Record(passphrase)
	if err != nil {
		return nil, err
	}
	return ccbor.Marshal(r)
}

// Unmarshal parses a ledger serialized by Marshal.
func Unmarshal(b []byte, logBackend *log.Backend) (*Ledger, error) {
	r := new(Record)
	if err := cbor.Unmarshal(b, r); err != nil {
		return nil, err
	}
	return FromRecord(r, logBackend)
}

func init() {
	var err error
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	ccbor, err = opts.EncMode()
	if err != nil {
		panic(err)
	}
}
