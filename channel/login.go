// SPDX-FileCopyrightText: © 2025 The Mixpay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package channel

import (
	"context"
	"sync"
	"time"

	"github.com/mixpay/mixpay/account"
	"github.com/mixpay/mixpay/balance"
	"github.com/mixpay/mixpay/internal/instrument"
	"github.com/mixpay/mixpay/pay"
	"github.com/mixpay/mixpay/pay/wire"
)

// Outcome is the result of a login handshake.
type Outcome int

const (
	// Pending means no outcome was decided yet.
	Pending Outcome = iota

	// Accepted means the accounting instance confirmed the login.
	Accepted

	// Rejected means the accounting instance refused the login.
	Rejected

	// TimedOut means no confirmation arrived in time.
	TimedOut

	// Cancelled means the session was torn down or the caller gave up.
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case TimedOut:
		return "timeout"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// loginAttempt is resolved exactly once, by whoever comes first.
type loginAttempt struct {
	once    sync.Once
	outcome Outcome
	done    chan struct{}
}

func newLoginAttempt() *loginAttempt {
	return &loginAttempt{done: make(chan struct{})}
}

func (a *loginAttempt) resolve(o Outcome) {
	a.once.Do(func() {
		a.outcome = o
		close(a.done)
	})
}

type loginState struct {
	sync.Mutex

	synchronized bool
	closed       bool
	attempt      *loginAttempt
}

// SetSynchronizedLogin records whether the first mix of the cascade
// confirms logins. Without confirmation the login is assumed to succeed.
func (c *Channel) SetSynchronizedLogin(synchronized bool) {
	c.login.Lock()
	defer c.login.Unlock()
	c.login.synchronized = synchronized
}

// SessionClosed must be called when the cascade connection is torn down.
// It wakes a pending login.
func (c *Channel) SessionClosed() {
	c.login.Lock()
	c.login.closed = true
	a := c.login.attempt
	c.login.Unlock()

	c.log.Debug("Session closed.")
	if a != nil {
		a.resolve(Cancelled)
	}
}

// armLogin registers a new attempt before the certificate is sent, so an
// early confirmation is not lost. It returns a nil attempt for asynchronous
// logins and false once the session is closed.
func (c *Channel) armLogin() (*loginAttempt, bool) {
	c.login.Lock()
	defer c.login.Unlock()
	if c.login.closed {
		return nil, false
	}
	if !c.login.synchronized {
		return nil, true
	}
	a := newLoginAttempt()
	c.login.attempt = a
	return a, true
}

func (c *Channel) disarmLogin(a *loginAttempt) {
	if a == nil {
		return
	}
	c.login.Lock()
	if c.login.attempt == a {
		c.login.attempt = nil
	}
	c.login.Unlock()
	a.resolve(Cancelled)
}

func (c *Channel) onLoginConfirmation(msg *wire.AiLoginConfirmation) {
	c.login.Lock()
	a := c.login.attempt
	c.login.Unlock()

	if a == nil {
		c.log.Debugf("Ignoring login confirmation without pending login: %v", msg.Code)
		return
	}
	if msg.Code == pay.CodeOK {
		c.log.Info("Login confirmed.")
		a.resolve(Accepted)
		return
	}
	c.log.Warningf("Login refused: %v %s", msg.Code, msg.Message)
	a.resolve(Rejected)
}

func (c *Channel) awaitLogin(ctx context.Context, a *loginAttempt) Outcome {
	t := time.NewTimer(c.cfg.LoginTimeout)
	defer t.Stop()

	select {
	case <-a.done:
	case <-t.C:
		a.resolve(TimedOut)
	case <-ctx.Done():
		a.resolve(Cancelled)
	}
	<-a.done

	c.login.Lock()
	if c.login.attempt == a {
		c.login.attempt = nil
	}
	c.login.Unlock()
	return a.outcome
}

// SendAccountCertificate selects the account to pay with, sends its
// certificate and waits for the accounting instance to confirm the login.
// It returns false if the login was refused, timed out or the session was
// closed first. Cascades without synchronized login are assumed to accept.
func (c *Channel) SendAccountCertificate(ctx context.Context) (bool, error) {
	a, open := c.armLogin()
	if !open {
		c.log.Notice("Session closed, not logging in.")
		instrument.Login(Cancelled.String())
		return false, nil
	}
	ok, err := c.sendAccountCert()
	if err != nil || !ok {
		c.disarmLogin(a)
		return false, err
	}
	if a == nil {
		c.log.Warning("Cascade does not confirm logins, continuing without confirmation.")
		instrument.Login("unsynchronized")
		return true, nil
	}

	c.log.Info("Waiting for login confirmation.")
	o := c.awaitLogin(ctx, a)
	c.log.Infof("Login %v.", o)
	instrument.Login(o.String())
	return o == Accepted, nil
}

// sendAccountCert makes sure a usable account is active, checks the price
// certificates of the cascade and sends the account certificate. It returns
// false without error if the login was vetoed.
func (c *Channel) sendAccountCert() (bool, error) {
	now := c.now()
	piid := c.cfg.Pricing.PaymentInstanceID()
	reg := c.cfg.Registry

	active := reg.ActiveAccount()
	if active == nil || !active.IsCharged(now) || active.PaymentInstanceID() != piid || reg.PaymentInstance(piid) == nil {
		c.selectAccount(active, piid, now)
	}

	if !reg.SignalAccountRequest(c.cfg.Pricing) {
		c.log.Notice("Login vetoed.")
		return false, nil
	}
	active = reg.ActiveAccount()
	if active == nil {
		return false, pay.NewError(pay.ErrNoActiveAccount, "no account for billing instance %s", piid)
	}
	if err := c.verifyPriceCertificates(active); err != nil {
		c.fail(err)
		return false, err
	}

	active.ResetUnconfirmedBytes()
	if err := c.send(&wire.AccountCertificate{Raw: active.Certificate().Raw}); err != nil {
		return false, err
	}
	c.log.Debugf("Sent certificate of account %d.", active.ID())
	return true, nil
}

// selectAccount activates a charged account of the billing instance,
// or else one that was never used. If none is charged, outdated balances
// are fetched and the first account found charged is activated.
func (c *Channel) selectAccount(active *account.Ledger, piid string, now time.Time) {
	reg := c.cfg.Registry
	accounts := reg.AccountsFor(piid)

	var charged, unused *account.Ledger
	if active != nil && active.PaymentInstanceID() == piid && active.Spent() == 0 {
		unused = active
	}
	for _, l := range accounts {
		if l.IsCharged(now) {
			charged = l
			break
		}
		if unused == nil && l.Spent() == 0 {
			unused = l
		}
	}
	switch {
	case charged != nil:
		c.activate(charged)
	case unused != nil:
		c.activate(unused)
	}

	cur := reg.ActiveAccount()
	if (cur != nil && cur.IsCharged(now)) || len(accounts) == 0 || c.cfg.Refresher == nil {
		return
	}
	c.log.Warning("No charged account available, updating balances.")
	for _, l := range accounts {
		if !balance.IsStale(l, now, c.cfg.NoChargedAccountUpdate) {
			continue
		}
		c.cfg.Refresher.Update(l, true)
		if l.IsCharged(now) {
			c.activate(l)
			return
		}
	}
}

func (c *Channel) activate(l *account.Ledger) {
	if err := c.cfg.Registry.SetActiveAccount(l.ID()); err != nil {
		c.log.Errorf("Failed to activate account %d: %v", l.ID(), err)
	}
}

// verifyPriceCertificates checks that every hop has a price certificate
// issued by the account's billing instance for that hop.
func (c *Channel) verifyPriceCertificates(active *account.Ledger) error {
	p := c.cfg.Pricing
	certs := p.PriceCertificates()
	hops := p.HopIDs()
	if len(certs) != len(hops) {
		return pay.NewError(pay.ErrInvalidPriceCertificates,
			"not all mixes of cascade %s have price certificates: %d/%d", p.ID(), len(certs), len(hops))
	}
	pi := c.cfg.Registry.PaymentInstance(active.PaymentInstanceID())
	if pi == nil {
		return pay.NewError(pay.ErrInvalidPriceCertificates,
			"unknown billing instance %s", active.PaymentInstanceID())
	}
	for i, pc := range certs {
		if err := pc.Verify(pi); err != nil {
			return pay.NewError(pay.ErrInvalidPriceCertificates,
				"price certificate of cascade %s for mix %s cannot be verified: %v", p.ID(), hops[i], err)
		}
		if pc.SubjectKeyIdentifier != hops[i] {
			return pay.NewError(pay.ErrInvalidPriceCertificates,
				"price certificate of cascade %s is for %s instead of mix %s", p.ID(), pc.SubjectKeyIdentifier, hops[i])
		}
	}
	return nil
}
