// SPDX-FileCopyrightText: © 2025 The Mixpay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package registry

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/mixpay/mixpay/account"
	"github.com/mixpay/mixpay/core/log"
	"github.com/mixpay/mixpay/pay"
)

const (
	metadataBucket  = "metadata"
	accountsBucket  = "accounts"
	instancesBucket = "instances"

	versionKey = "version"
	activeKey  = "active"

	storeVersion = 0
)

// Store persists accounts in a bolt database.
type Store struct {
	db *bolt.DB
}

// OpenStore opens or creates the database in the file f.
func OpenStore(f string) (*Store, error) {
	db, err := bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}

	if err = db.Update(func(tx *bolt.Tx) error {
		// Ensure that all the buckets exists, and grab the metadata bucket.
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(accountsBucket)); err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(instancesBucket)); err != nil {
			return err
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != storeVersion {
				return fmt.Errorf("registry: incompatible version: %d", uint(b[0]))
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{storeVersion})
	}); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func idKey(id int64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(id))
	return k[:]
}

// PutAccount writes the ledger, keeping a sealed key sealed.
func (s *Store) PutAccount(l *account.Ledger) error {
	b, err := l.Marshal(nil)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(accountsBucket)).Put(idKey(l.ID()), b)
	})
}

// DeleteAccount removes the ledger with the given number.
func (s *Store) DeleteAccount(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(accountsBucket))
		if bkt.Get(idKey(id)) == nil {
			return ErrNoSuchAccount
		}
		return bkt.Delete(idKey(id))
	})
}

// LoadAccounts returns all stored ledgers ordered by account number.
func (s *Store) LoadAccounts(logBackend *log.Backend) ([]*account.Ledger, error) {
	var out []*account.Ledger
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(accountsBucket)).ForEach(func(k, v []byte) error {
			l, err := account.Unmarshal(v, logBackend)
			if err != nil {
				return fmt.Errorf("registry: account %x: %w", k, err)
			}
			out = append(out, l)
			return nil
		})
	})
	return out, err
}

// SetActiveAccount records the active account number, zero for none.
func (s *Store) SetActiveAccount(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(metadataBucket))
		if id == 0 {
			return bkt.Delete([]byte(activeKey))
		}
		return bkt.Put([]byte(activeKey), idKey(id))
	})
}

// ActiveAccount returns the recorded active account number.
func (s *Store) ActiveAccount() (int64, bool, error) {
	var (
		id int64
		ok bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(metadataBucket)).Get([]byte(activeKey))
		if b == nil {
			return nil
		}
		if len(b) != 8 {
			return fmt.Errorf("registry: corrupted active account: %x", b)
		}
		id, ok = int64(binary.BigEndian.Uint64(b)), true
		return nil
	})
	return id, ok, err
}

// PutPaymentInstance writes a trusted billing instance.
func (s *Store) PutPaymentInstance(pi *pay.PaymentInstance) error {
	b, err := pi.Marshal()
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(instancesBucket)).Put([]byte(pi.ID), b)
	})
}

// LoadPaymentInstances returns all stored billing instances.
func (s *Store) LoadPaymentInstances() ([]*pay.PaymentInstance, error) {
	var out []*pay.PaymentInstance
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(instancesBucket)).ForEach(func(k, v []byte) error {
			pi, err := pay.UnmarshalPaymentInstance(v)
			if err != nil {
				return fmt.Errorf("registry: payment instance %s: %w", k, err)
			}
			out = append(out, pi)
			return nil
		})
	})
	return out, err
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	if err := s.db.Sync(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}
