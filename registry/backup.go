// SPDX-FileCopyrightText: © 2025 The Mixpay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package registry

import (
	"errors"
	"fmt"
	"io"

	"github.com/ugorji/go/codec"

	"github.com/mixpay/mixpay/account"
	"github.com/mixpay/mixpay/pay"
)

const backupVersion = 1

var jsonHandle = &codec.JsonHandle{}

type backupFile struct {
	Version   int
	Instances [][]byte
	Accounts  []*account.Record
}

// Export writes the given accounts, all of them if ids is empty, as a JSON
// backup. A non-empty passphrase seals the private keys of unlocked
// accounts; locked accounts keep their sealed key.
func (r *Registry) Export(w io.Writer, passphrase []byte, ids ...int64) error {
	var ledgers []*account.Ledger
	if len(ids) == 0 {
		ledgers = r.Accounts()
	} else {
		for _, id := range ids {
			l := r.Account(id)
			if l == nil {
				return fmt.Errorf("%w: %d", ErrNoSuchAccount, id)
			}
			ledgers = append(ledgers, l)
		}
	}

	f := &backupFile{Version: backupVersion}
	seen := make(map[string]bool)
	for _, l := range ledgers {
		rec, err := l.Record(passphrase)
		if errors.Is(err, pay.ErrAccountLocked) {
			rec, err = l.Record(nil)
		}
		if err != nil {
			return err
		}
		f.Accounts = append(f.Accounts, rec)

		piid := l.PaymentInstanceID()
		if pi := r.PaymentInstance(piid); pi != nil && !seen[piid] {
			seen[piid] = true
			b, err := pi.Marshal()
			if err != nil {
				return err
			}
			f.Instances = append(f.Instances, b)
		}
	}

	if err := codec.NewEncoder(w, jsonHandle).Encode(f); err != nil {
		return err
	}
	now := r.now()
	for _, l := range ledgers {
		l.MarkBackedUp(now)
	}
	r.log.Noticef("Exported %d accounts.", len(ledgers))
	return nil
}

// Import reads a backup written by Export and adds the accounts that are
// not known yet. It returns the number of accounts added.
func (r *Registry) Import(rd io.Reader) (int, error) {
	f := new(backupFile)
	if err := codec.NewDecoder(rd, jsonHandle).Decode(f); err != nil {
		return 0, err
	}
	if f.Version != backupVersion {
		return 0, fmt.Errorf("registry: unsupported backup version %d", f.Version)
	}

	for _, b := range f.Instances {
		pi, err := pay.UnmarshalPaymentInstance(b)
		if err != nil {
			return 0, err
		}
		if r.PaymentInstance(pi.ID) == nil {
			if err := r.AddPaymentInstance(pi); err != nil {
				return 0, err
			}
		}
	}

	added := 0
	for _, rec := range f.Accounts {
		l, err := account.FromRecord(rec, r.logBackend)
		if err != nil {
			return added, err
		}
		switch err := r.AddAccount(l); {
		case errors.Is(err, ErrAccountExists):
			r.log.Infof("Skipping known account %d.", l.ID())
		case err != nil:
			return added, err
		default:
			added++
		}
	}
	return added, nil
}
