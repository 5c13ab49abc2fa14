// SPDX-FileCopyrightText: © 2025 The Mixpay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package channel implements the payment control channel spoken with the
// accounting instance of a mix cascade.
package channel

import (
	"errors"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/mixpay/mixpay/account"
	"github.com/mixpay/mixpay/balance"
	"github.com/mixpay/mixpay/cascade"
	"github.com/mixpay/mixpay/config"
	"github.com/mixpay/mixpay/core/log"
	"github.com/mixpay/mixpay/internal/instrument"
	"github.com/mixpay/mixpay/pay"
	"github.com/mixpay/mixpay/pay/wire"
)

const (
	// AILoginTimeout bounds the wait for the login confirmation.
	AILoginTimeout = 120000 * time.Millisecond

	// NoChargedAccountUpdate is the age after which balances are fetched
	// again when no charged account is available.
	NoChargedAccountUpdate = 5 * time.Minute
)

var (
	errNoRegistry  = errors.New("channel: no account registry")
	errNoPricing   = errors.New("channel: no cascade pricing")
	errNoCounter   = errors.New("channel: no traffic counter")
	errNoTransport = errors.New("channel: no transport")
)

// Registry is the account registry as seen by the payment channel.
type Registry interface {
	ActiveAccount() *account.Ledger
	SetActiveAccount(id int64) error
	AccountsFor(paymentInstanceID string) []*account.Ledger
	AlternativeNonEmptyAccount(paymentInstanceID string) *account.Ledger
	PaymentInstance(id string) *pay.PaymentInstance
	SignalAccountError(e *pay.Error)
	SignalAccountRequest(c cascade.Pricing) bool
}

// Transport sends control messages to the accounting instance.
type Transport interface {
	Send(m wire.Message) error
}

// ServiceContainer decides whether the client stays on the current cascade.
type ServiceContainer interface {
	KeepCurrentService(keep bool)
}

type keepService struct{}

func (keepService) KeepCurrentService(bool) {}

// Config is the payment channel configuration.
type Config struct {
	Registry  Registry
	Pricing   cascade.Pricing
	Counter   account.Counter
	Transport Transport

	// Service is told to abandon the cascade on terminal errors. Optional.
	Service ServiceContainer

	// Refresher fetches balances from the billing instance. Optional.
	Refresher *balance.Refresher

	// LoginTimeout defaults to AILoginTimeout.
	LoginTimeout time.Duration

	// AsynchronousLogin is set for cascades whose first mix does not
	// confirm the login.
	AsynchronousLogin bool

	// NoChargedAccountUpdate defaults to NoChargedAccountUpdate.
	NoChargedAccountUpdate time.Duration

	LogBackend *log.Backend
}

// ApplySettings copies the payment settings of the configuration file.
func (cfg *Config) ApplySettings(p *config.Payment) {
	cfg.LoginTimeout = time.Duration(p.LoginTimeout) * time.Millisecond
	cfg.AsynchronousLogin = !p.SynchronizedLogin
	cfg.NoChargedAccountUpdate = time.Duration(p.NoChargedAccountUpdate) * time.Second
}

func (cfg *Config) validate() error {
	switch {
	case cfg.Registry == nil:
		return errNoRegistry
	case cfg.Pricing == nil:
		return errNoPricing
	case cfg.Counter == nil:
		return errNoCounter
	case cfg.Transport == nil:
		return errNoTransport
	}
	return nil
}

// Channel is the payment control channel of one cascade session. Inbound
// messages are handled one at a time, the login may run concurrently on
// the caller's go routine.
type Channel struct {
	log *logging.Logger
	cfg Config
	now func() time.Time

	// Session state, guarded by mu.
	mu              sync.Mutex
	prepaidReceived bool
	prepaidBytes    int64
	prepaidCredited bool
	baseline        *pay.CostConfirmation

	login loginState
}

// New creates a payment channel for a cascade session.
func New(cfg Config) (*Channel, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Service == nil {
		cfg.Service = keepService{}
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = AILoginTimeout
	}
	if cfg.NoChargedAccountUpdate <= 0 {
		cfg.NoChargedAccountUpdate = NoChargedAccountUpdate
	}
	if cfg.LogBackend == nil {
		cfg.LogBackend = log.NewDiscard()
	}
	c := &Channel{
		log: cfg.LogBackend.GetLogger("pay/channel"),
		cfg: cfg,
		now: time.Now,
	}
	c.login.synchronized = !cfg.AsynchronousLogin
	return c, nil
}

// HandleMessage decodes and processes a control message. Malformed
// messages are logged and dropped.
func (c *Channel) HandleMessage(b []byte) {
	m, err := wire.FromBytes(b)
	if err != nil {
		c.log.Warningf("Dropping malformed payment control message: %v", err)
		instrument.ProtocolViolation()
		return
	}
	c.Process(m)
}

// Process handles an inbound control message.
func (c *Channel) Process(m wire.Message) {
	var err error
	switch msg := m.(type) {
	case *wire.PayRequest:
		err = c.processPayRequest(msg)
	case *wire.AiLoginConfirmation:
		c.onLoginConfirmation(msg)
	case *wire.ErrorMessage:
		c.processErrorMessage(msg)
	case *wire.Challenge:
		err = c.processChallenge(msg)
	case *wire.CostConfirmation:
		err = c.processInitialCC(msg.CC)
	default:
		c.log.Warningf("Received unknown payment control message: %T", m)
		instrument.ProtocolViolation()
	}
	if err != nil {
		c.fail(err)
	}
}

// fail abandons the cascade and reports err to the registry.
func (c *Channel) fail(err error) {
	e := pay.AsError(err)
	if e.Kind == pay.ErrRemote {
		e = pay.NewError(pay.ErrProtocolViolation, "%v", err)
	}
	c.log.Errorf("Payment failure: %v", e)
	c.cfg.Service.KeepCurrentService(false)
	c.cfg.Registry.SignalAccountError(e)
	instrument.PaymentError(e.Code)
}

func (c *Channel) processErrorMessage(msg *wire.ErrorMessage) {
	e := msg.Err()
	c.log.Errorf("Accounting instance reported: %v", e)
	if errors.Is(e, pay.ErrAccountEmpty) {
		if c.cfg.Refresher != nil {
			c.cfg.Refresher.Update(c.cfg.Registry.ActiveAccount(), false)
		}
		if alt := c.cfg.Registry.AlternativeNonEmptyAccount(c.cfg.Pricing.PaymentInstanceID()); alt != nil {
			c.log.Noticef("Switching to account %d.", alt.ID())
			err := c.cfg.Registry.SetActiveAccount(alt.ID())
			if err == nil {
				return
			}
			c.log.Errorf("Failed to activate account %d: %v", alt.ID(), err)
		}
	}
	c.cfg.Service.KeepCurrentService(false)
	c.cfg.Registry.SignalAccountError(e)
	instrument.PaymentError(e.Code)
}

func (c *Channel) send(m wire.Message) error {
	return c.cfg.Transport.Send(m)
}
