// SPDX-FileCopyrightText: © 2025 The Mixpay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package account implements the per-account ledger: keys, balance,
// unconfirmed traffic and the latest cost confirmation per cascade pricing.
package account

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/sign"

	"github.com/mixpay/mixpay/core/log"
	"github.com/mixpay/mixpay/pay"
)

// ChangeListener is notified after a persistent field of the ledger
// changed: balance, cost confirmations, key state or backup time.
type ChangeListener interface {
	AccountChanged(l *Ledger)
}

// MessageListener is notified when the billing instance attaches or
// withdraws a message.
type MessageListener interface {
	MessageReceived(l *Ledger, m *pay.Message)
	MessageRemoved(l *Ledger, m *pay.Message)
}

// Counter drains the payable bytes observed by the transport.
type Counter interface {
	TakeAndResetPayableBytes() int64
}

// Ledger is the state of one account.
type Ledger struct {
	id   int64
	cert *pay.AccountCertificate
	log  *logging.Logger

	mu                sync.Mutex
	sk                sign.PrivateKey
	sealed            *SealedKey
	balance           *pay.Balance
	unconfirmed       int64
	prepaidSubtracted bool
	ccs               map[pay.Fingerprint]*pay.CostConfirmation
	mySpent           int64
	backupTime        time.Time

	lmu          sync.Mutex
	listeners    []ChangeListener
	msgListeners []MessageListener
}

// New creates a ledger for the certified account.
func New(c *pay.AccountCertificate, sk sign.PrivateKey, logBackend *log.Backend) *Ledger {
	l := &Ledger{
		id:   c.AccountID,
		cert: c,
		sk:   sk,
		ccs:  make(map[pay.Fingerprint]*pay.CostConfirmation),
	}
	if logBackend == nil {
		logBackend = log.NewDiscard()
	}
	l.log = logBackend.GetLogger(fmt.Sprintf("account/%d", c.AccountID))
	return l
}

// ID returns the account number.
func (l *Ledger) ID() int64 {
	return l.id
}

// Certificate returns the account certificate.
func (l *Ledger) Certificate() *pay.AccountCertificate {
	return l.cert
}

// PublicKey returns the account public key.
func (l *Ledger) PublicKey() sign.PublicKey {
	return l.cert.PublicKey
}

// PaymentInstanceID returns the billing instance the account belongs to.
func (l *Ledger) PaymentInstanceID() string {
	return l.cert.PaymentInstanceID
}

// AddListener registers a change listener.
func (l *Ledger) AddListener(cl ChangeListener) {
	l.lmu.Lock()
	defer l.lmu.Unlock()
	l.listeners = append(l.listeners, cl)
}

// AddMessageListener registers a message listener.
func (l *Ledger) AddMessageListener(ml MessageListener) {
	l.lmu.Lock()
	defer l.lmu.Unlock()
	l.msgListeners = append(l.msgListeners, ml)
}

// notifyChanged must be called without l.mu held.
func (l *Ledger) notifyChanged() {
	l.lmu.Lock()
	listeners := append([]ChangeListener(nil), l.listeners...)
	l.lmu.Unlock()
	for _, cl := range listeners {
		cl.AccountChanged(l)
	}
}

type messageEvent struct {
	removed bool
	message *pay.Message
}

func (l *Ledger) notifyMessages(events []messageEvent) {
	if len(events) == 0 {
		return
	}
	l.lmu.Lock()
	listeners := append([]MessageListener(nil), l.msgListeners...)
	l.lmu.Unlock()
	for _, ev := range events {
		for _, ml := range listeners {
			if ev.removed {
				ml.MessageRemoved(l, ev.message)
			} else {
				ml.MessageReceived(l, ev.message)
			}
		}
	}
}

// UpdateUnconfirmedBytes adds newly transferred bytes to the counter. The
// counter is session state: changes to it are not reported to listeners.
func (l *Ledger) UpdateUnconfirmedBytes(delta int64) error {
	if delta < 0 {
		return pay.NewError(pay.ErrNegativeByteDelta, "account %d: delta %d", l.id, delta)
	}
	l.mu.Lock()
	l.unconfirmed += delta
	l.mu.Unlock()
	return nil
}

// UpdateFromCounter drains c into the counter and returns the new value.
func (l *Ledger) UpdateFromCounter(c Counter) (int64, error) {
	delta := c.TakeAndResetPayableBytes()
	if delta < 0 {
		return 0, pay.NewError(pay.ErrNegativeByteDelta, "account %d: counter returned %d", l.id, delta)
	}
	l.mu.Lock()
	l.unconfirmed += delta
	n := l.unconfirmed
	l.mu.Unlock()
	return n, nil
}

// SubtractPrepaid deducts a prepaid grant from the counter. Only the first
// grant after a reset is applied; it returns false for any other.
func (l *Ledger) SubtractPrepaid(n int64) bool {
	if n <= 0 {
		return false
	}
	l.mu.Lock()
	if l.prepaidSubtracted {
		l.mu.Unlock()
		return false
	}
	l.prepaidSubtracted = true
	l.unconfirmed -= n
	l.mu.Unlock()
	return true
}

// ReconcileUnconfirmedBytes applies a signed correction to the counter, for
// rebasing on a cost confirmation held by the cascade.
func (l *Ledger) ReconcileUnconfirmedBytes(delta int64) int64 {
	l.mu.Lock()
	l.unconfirmed += delta
	n := l.unconfirmed
	l.mu.Unlock()
	return n
}

// ResetUnconfirmedBytes zeroes the counter at the start of a session.
func (l *Ledger) ResetUnconfirmedBytes() {
	l.mu.Lock()
	l.unconfirmed = 0
	l.prepaidSubtracted = false
	l.mu.Unlock()
}

// UnconfirmedBytes returns the counter.
func (l *Ledger) UnconfirmedBytes() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unconfirmed
}

// AddCostConfirmation stores cc if it confirms more bytes than the stored
// confirmation for the same pricing. It returns the number of newly
// confirmed bytes, 0 for a stale or duplicate confirmation.
func (l *Ledger) AddCostConfirmation(cc *pay.CostConfirmation) (int64, error) {
	if cc == nil {
		return 0, pay.NewError(pay.ErrWrongData, "nil cost confirmation")
	}
	if cc.AccountID != l.id {
		return 0, pay.NewError(pay.ErrAccountMismatch, "cost confirmation for %d added to %d", cc.AccountID, l.id)
	}
	fp := cc.Fingerprint()

	l.mu.Lock()
	delta := cc.TransferredBytes
	if prior, ok := l.ccs[fp]; ok {
		if cc.TransferredBytes <= prior.TransferredBytes {
			l.mu.Unlock()
			return 0, nil
		}
		delta -= prior.TransferredBytes
	}
	l.ccs[fp] = cc.Copy()
	l.mySpent += delta
	l.mu.Unlock()

	l.notifyChanged()
	return delta, nil
}

// CostConfirmation returns the stored confirmation for fp, or nil.
func (l *Ledger) CostConfirmation(fp pay.Fingerprint) *pay.CostConfirmation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ccs[fp].Copy()
}

// CostConfirmations returns all stored confirmations ordered by fingerprint.
func (l *Ledger) CostConfirmations() []*pay.CostConfirmation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sortedCCsLocked()
}

func (l *Ledger) sortedCCsLocked() []*pay.CostConfirmation {
	out := make([]*pay.CostConfirmation, 0, len(l.ccs))
	for _, cc := range l.ccs {
		out = append(out, cc.Copy())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Fingerprint() < out[j].Fingerprint()
	})
	return out
}

// Balance returns a copy of the balance snapshot, or nil if none was fetched.
func (l *Ledger) Balance() *pay.Balance {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balance == nil {
		return nil
	}
	b := *l.balance
	return &b
}

// IsCharged returns true if the balance snapshot grants credit at t.
func (l *Ledger) IsCharged(t time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance.IsCharged(t)
}

// IsFlatrateActive returns true if a flat rate with volume left runs at t.
func (l *Ledger) IsFlatrateActive(t time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flatrateActiveLocked(t)
}

func (l *Ledger) flatrateActiveLocked(t time.Time) bool {
	b := l.balance
	return b != nil && b.FlatEnd.After(t) && b.VolumeBytesLeft > 0
}

// IsEmpty returns true if the account has no usable volume left at t.
func (l *Ledger) IsEmpty(t time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.flatrateActiveLocked(t) {
		return true
	}
	return l.balance.VolumeBytesLeft < pay.MaxKBytesCountingAsEmpty*1000
}

// Spent returns the spending reported by the billing instance.
func (l *Ledger) Spent() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balance == nil {
		return 0
	}
	return l.balance.Spent
}

// MySpent returns the bytes confirmed by this client.
func (l *Ledger) MySpent() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mySpent
}

// CurrentCredit returns the deposit minus the locally confirmed spending.
func (l *Ledger) CurrentCredit() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balance == nil {
		return 0
	}
	return l.balance.Deposit - l.mySpent
}

// BackupTime returns when the account was last exported, or the zero time.
func (l *Ledger) BackupTime() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.backupTime
}

// MarkBackedUp records a successful export.
func (l *Ledger) MarkBackedUp(t time.Time) {
	l.mu.Lock()
	l.backupTime = t
	l.mu.Unlock()
	l.notifyChanged()
}

// SetAccountInfo merges a statement fetched from the billing instance. The
// cost confirmations of the first statement are adopted as they are.
func (l *Ledger) SetAccountInfo(info *pay.AccountInfo) error {
	if info == nil || info.Balance == nil {
		return pay.NewError(pay.ErrWrongData, "account %d: empty account info", l.id)
	}
	if info.Balance.AccountID != l.id {
		return pay.NewError(pay.ErrAccountMismatch, "balance for %d set on %d", info.Balance.AccountID, l.id)
	}

	var events []messageEvent
	var newer []*pay.CostConfirmation

	l.mu.Lock()
	first := l.balance == nil
	changed := false
	if first || info.Balance.Timestamp.After(l.balance.Timestamp) {
		old := l.balance
		nb := *info.Balance
		l.balance = &nb
		changed = true
		events = messageChanges(old, &nb)
	}
	for _, cc := range info.CCs {
		if cc == nil || cc.AccountID != l.id {
			continue
		}
		// The first statement brings the whole history; later ones only
		// advance confirmations we already hold.
		mine, ok := l.ccs[cc.Fingerprint()]
		if (!ok && first) || (ok && cc.TransferredBytes > mine.TransferredBytes) {
			newer = append(newer, cc)
		}
	}
	l.mu.Unlock()

	for _, cc := range newer {
		if !cc.Verify(l.cert.PublicKey) {
			return pay.NewError(pay.ErrWrongData, "account %d: billing instance returned a forged cost confirmation", l.id)
		}
	}
	for _, cc := range newer {
		if _, err := l.AddCostConfirmation(cc); err != nil {
			return err
		}
	}

	if changed && len(newer) == 0 {
		l.notifyChanged()
	}
	l.notifyMessages(events)
	return nil
}

func messageChanges(old, nb *pay.Balance) []messageEvent {
	var oldMsg *pay.Message
	if old != nil && old.Message != nil && old.Message.Short != "" {
		oldMsg = old.Message
	}
	newMsg := nb.Message
	if newMsg != nil && newMsg.Short == "" {
		newMsg = nil
	}
	switch {
	case newMsg == nil && oldMsg == nil:
		return nil
	case newMsg == nil:
		return []messageEvent{{removed: true, message: oldMsg}}
	case oldMsg == nil:
		return []messageEvent{{message: newMsg}}
	case *newMsg == *oldMsg:
		return nil
	default:
		return []messageEvent{{removed: true, message: oldMsg}, {message: newMsg}}
	}
}

// Locked returns true if the private key is unavailable.
func (l *Ledger) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sk == nil
}

// PrivateKey returns the account private key, or pay.ErrAccountLocked.
func (l *Ledger) PrivateKey() (sign.PrivateKey, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sk == nil {
		return nil, pay.NewError(pay.ErrAccountLocked, "account %d is locked", l.id)
	}
	return l.sk, nil
}

// Lock encrypts the private key with passphrase and forgets the plaintext.
func (l *Ledger) Lock(passphrase []byte) error {
	l.mu.Lock()
	if l.sk == nil {
		l.mu.Unlock()
		return nil
	}
	sealed, err := sealKey(l.id, l.sk, passphrase)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	l.sealed = sealed
	l.sk = nil
	l.mu.Unlock()
	l.notifyChanged()
	return nil
}

// Unlock decrypts the private key with the passphrase returned by fn. It
// is a no-op for an unlocked account.
func (l *Ledger) Unlock(fn PassphraseFunc) error {
	l.mu.Lock()
	if l.sk != nil {
		l.mu.Unlock()
		return nil
	}
	sealed := l.sealed
	l.mu.Unlock()
	if sealed == nil {
		return pay.NewError(pay.ErrAccountLocked, "account %d has no key", l.id)
	}

	passphrase, err := fn(l.id)
	if err != nil {
		return err
	}
	sk, err := sealed.open(l.id, l.cert.PublicKey.Scheme(), passphrase)
	if err != nil {
		l.log.Warningf("Failed to unlock account: %v", err)
		return pay.NewError(pay.ErrDecryptionFailed, "account %d", l.id)
	}

	l.mu.Lock()
	l.sk = sk
	l.mu.Unlock()
	l.log.Noticef("Account unlocked.")
	l.notifyChanged()
	return nil
}
