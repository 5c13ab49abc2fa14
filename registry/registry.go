// SPDX-FileCopyrightText: © 2025 The Mixpay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package registry holds the accounts of a client, designates the active
// one and relays payment errors to the user interface.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/mixpay/mixpay/account"
	"github.com/mixpay/mixpay/cascade"
	"github.com/mixpay/mixpay/core/log"
	"github.com/mixpay/mixpay/pay"
)

var (
	// ErrNoSuchAccount is returned for an unknown account number.
	ErrNoSuchAccount = errors.New("registry: no such account")

	// ErrAccountExists is returned when adding a known account number.
	ErrAccountExists = errors.New("registry: account already exists")
)

// PaymentListener receives the account level signals of payment channels.
type PaymentListener interface {
	// AccountError is called for errors that need the user's attention.
	AccountError(e *pay.Error)

	// AccountRequest is called before the account certificate is sent to
	// a cascade. Returning false vetoes the login.
	AccountRequest(c cascade.Pricing) bool
}

// Registry is the set of accounts known to the client.
type Registry struct {
	sync.RWMutex

	log        *logging.Logger
	logBackend *log.Backend
	store      *Store
	now        func() time.Time

	accounts  map[int64]*account.Ledger
	active    *account.Ledger
	instances map[string]*pay.PaymentInstance

	lmu       sync.Mutex
	listeners []PaymentListener
}

// New creates a registry. If store is not nil, accounts, payment
// instances and the active account are loaded from it and every later
// change is written back.
func New(logBackend *log.Backend, store *Store) (*Registry, error) {
	if logBackend == nil {
		logBackend = log.NewDiscard()
	}
	r := &Registry{
		log:        logBackend.GetLogger("pay/registry"),
		logBackend: logBackend,
		store:      store,
		now:        time.Now,
		accounts:   make(map[int64]*account.Ledger),
		instances:  make(map[string]*pay.PaymentInstance),
	}
	if store == nil {
		return r, nil
	}

	instances, err := store.LoadPaymentInstances()
	if err != nil {
		return nil, err
	}
	for _, pi := range instances {
		r.instances[pi.ID] = pi
	}
	ledgers, err := store.LoadAccounts(logBackend)
	if err != nil {
		return nil, err
	}
	for _, l := range ledgers {
		r.accounts[l.ID()] = l
		l.AddListener(r)
	}
	activeID, ok, err := store.ActiveAccount()
	if err != nil {
		return nil, err
	}
	if ok {
		r.active = r.accounts[activeID]
	}
	r.log.Noticef("Loaded %d accounts.", len(ledgers))
	return r, nil
}

// AccountChanged implements account.ChangeListener by persisting l.
func (r *Registry) AccountChanged(l *account.Ledger) {
	if r.store == nil {
		return
	}
	r.RLock()
	_, known := r.accounts[l.ID()]
	r.RUnlock()
	if !known {
		return
	}
	if err := r.store.PutAccount(l); err != nil {
		r.log.Errorf("Failed to save account %d: %v", l.ID(), err)
	}
}

// AddPaymentListener registers a listener for payment signals.
func (r *Registry) AddPaymentListener(pl PaymentListener) {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	r.listeners = append(r.listeners, pl)
}

func (r *Registry) paymentListeners() []PaymentListener {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	return append([]PaymentListener(nil), r.listeners...)
}

// AddPaymentInstance registers a trusted billing instance.
func (r *Registry) AddPaymentInstance(pi *pay.PaymentInstance) error {
	if r.store != nil {
		if err := r.store.PutPaymentInstance(pi); err != nil {
			return err
		}
	}
	r.Lock()
	defer r.Unlock()
	r.instances[pi.ID] = pi
	return nil
}

// PaymentInstance returns the billing instance with the given id, or nil.
func (r *Registry) PaymentInstance(id string) *pay.PaymentInstance {
	r.RLock()
	defer r.RUnlock()
	return r.instances[id]
}

// AddAccount adds a ledger. The account certificate must be issued by a
// known billing instance.
func (r *Registry) AddAccount(l *account.Ledger) error {
	pi := r.PaymentInstance(l.PaymentInstanceID())
	if pi == nil {
		return fmt.Errorf("registry: unknown payment instance '%s'", l.PaymentInstanceID())
	}
	if err := l.Certificate().Verify(pi); err != nil {
		return fmt.Errorf("registry: account %d: %w", l.ID(), err)
	}

	r.Lock()
	if _, ok := r.accounts[l.ID()]; ok {
		r.Unlock()
		return ErrAccountExists
	}
	r.accounts[l.ID()] = l
	r.Unlock()

	if r.store != nil {
		if err := r.store.PutAccount(l); err != nil {
			r.Lock()
			delete(r.accounts, l.ID())
			r.Unlock()
			return err
		}
	}
	l.AddListener(r)
	r.log.Noticef("Added account %d.", l.ID())
	return nil
}

// RemoveAccount deletes an account. Removing the active account leaves no
// account active.
func (r *Registry) RemoveAccount(id int64) error {
	r.Lock()
	l, ok := r.accounts[id]
	if !ok {
		r.Unlock()
		return ErrNoSuchAccount
	}
	delete(r.accounts, id)
	wasActive := r.active == l
	if wasActive {
		r.active = nil
	}
	r.Unlock()

	if r.store != nil {
		if err := r.store.DeleteAccount(id); err != nil {
			return err
		}
		if wasActive {
			if err := r.store.SetActiveAccount(0); err != nil {
				return err
			}
		}
	}
	r.log.Noticef("Removed account %d.", id)
	return nil
}

// Account returns the ledger with the given number, or nil.
func (r *Registry) Account(id int64) *account.Ledger {
	r.RLock()
	defer r.RUnlock()
	return r.accounts[id]
}

// Accounts returns all ledgers ordered by account number.
func (r *Registry) Accounts() []*account.Ledger {
	r.RLock()
	defer r.RUnlock()
	return r.sortedLocked("")
}

// AccountsFor returns the ledgers of one payment instance ordered by
// account number.
func (r *Registry) AccountsFor(paymentInstanceID string) []*account.Ledger {
	r.RLock()
	defer r.RUnlock()
	return r.sortedLocked(paymentInstanceID)
}

func (r *Registry) sortedLocked(paymentInstanceID string) []*account.Ledger {
	out := make([]*account.Ledger, 0, len(r.accounts))
	for _, l := range r.accounts {
		if paymentInstanceID == "" || l.PaymentInstanceID() == paymentInstanceID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID() < out[j].ID()
	})
	return out
}

// ActiveAccount returns the active ledger, or nil.
func (r *Registry) ActiveAccount() *account.Ledger {
	r.RLock()
	defer r.RUnlock()
	return r.active
}

// SetActiveAccount makes the account with the given number active. Zero
// deactivates all accounts.
func (r *Registry) SetActiveAccount(id int64) error {
	r.Lock()
	var l *account.Ledger
	if id != 0 {
		var ok bool
		if l, ok = r.accounts[id]; !ok {
			r.Unlock()
			return ErrNoSuchAccount
		}
	}
	changed := r.active != l
	r.active = l
	r.Unlock()

	if !changed {
		return nil
	}
	if r.store != nil {
		if err := r.store.SetActiveAccount(id); err != nil {
			return err
		}
	}
	r.log.Noticef("Active account is now %d.", id)
	return nil
}

// AlternativeNonEmptyAccount returns the first charged account of the
// payment instance that is not the active one, or nil.
func (r *Registry) AlternativeNonEmptyAccount(paymentInstanceID string) *account.Ledger {
	now := r.now()
	active := r.ActiveAccount()
	for _, l := range r.AccountsFor(paymentInstanceID) {
		if l != active && l.IsCharged(now) {
			return l
		}
	}
	return nil
}

// SignalAccountError forwards e to the payment listeners.
func (r *Registry) SignalAccountError(e *pay.Error) {
	r.log.Warningf("Account error: %v", e)
	for _, pl := range r.paymentListeners() {
		pl.AccountError(e)
	}
}

// SignalAccountRequest asks the payment listeners whether the account
// certificate may be sent to c.
func (r *Registry) SignalAccountRequest(c cascade.Pricing) bool {
	for _, pl := range r.paymentListeners() {
		if !pl.AccountRequest(c) {
			r.log.Noticef("Login to cascade %s vetoed.", c.ID())
			return false
		}
	}
	return true
}

// Close closes the backing store.
func (r *Registry) Close() error {
	if r.store == nil {
		return nil
	}
	return r.store.Close()
}
