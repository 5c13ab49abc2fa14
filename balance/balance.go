// SPDX-FileCopyrightText: © 2025 The Mixpay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package balance refreshes account balances from the billing instance.
package balance

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/mixpay/mixpay/account"
	"github.com/mixpay/mixpay/config"
	"github.com/mixpay/mixpay/core/log"
	"github.com/mixpay/mixpay/core/retry"
	"github.com/mixpay/mixpay/core/worker"
	"github.com/mixpay/mixpay/pay"
)

// DefaultFetchTimeout bounds a single balance fetch.
const DefaultFetchTimeout = 30 * time.Second

// Fetcher retrieves the statement of an account from its billing instance.
type Fetcher interface {
	FetchAccountInfo(ctx context.Context, l *account.Ledger) (*pay.AccountInfo, error)
}

// Instances looks up the trusted billing instances.
type Instances interface {
	PaymentInstance(id string) *pay.PaymentInstance
}

// Refresher updates ledgers with fetched statements, either on the
// caller's go routine or in the background.
type Refresher struct {
	worker.Worker

	log        *logging.Logger
	fetcher    Fetcher
	instances  Instances
	autoUpdate bool
	timeout    time.Duration
	retry      retry.Policy
}

// New creates a Refresher. Fetched balances are verified against the
// billing instance found in instances. If autoUpdate is false only forced
// fetches reach the billing instance.
func New(fetcher Fetcher, instances Instances, autoUpdate bool, timeout time.Duration, logBackend *log.Backend) *Refresher {
	if logBackend == nil {
		logBackend = log.NewDiscard()
	}
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	return &Refresher{
		log:        logBackend.GetLogger("pay/balance"),
		fetcher:    fetcher,
		instances:  instances,
		autoUpdate: autoUpdate,
		timeout:    timeout,
		retry:      retry.Default,
	}
}

// NewFromSettings creates a Refresher from the payment configuration.
func NewFromSettings(fetcher Fetcher, instances Instances, p *config.Payment, logBackend *log.Backend) *Refresher {
	return New(fetcher, instances, p.BalanceAutoUpdate, time.Duration(p.BalanceFetchTimeout)*time.Second, logBackend)
}

// Fetch retrieves, verifies and merges the statement of l. Transient
// network errors are retried within the fetch timeout.
func (r *Refresher) Fetch(ctx context.Context, l *account.Ledger, force bool) error {
	if !force && !r.autoUpdate {
		r.log.Debugf("Automatic balance update disabled, not fetching account %d.", l.ID())
		return nil
	}
	if l.Locked() {
		return pay.NewError(pay.ErrAccountLocked, "account %d is locked", l.ID())
	}

	ctx, cancel := r.Context(ctx)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, r.timeout)
	defer cancelTimeout()

	var info *pay.AccountInfo
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		if info, err = r.fetcher.FetchAccountInfo(ctx, l); err != nil && retry.IsTransientError(err) {
			r.log.Infof("Balance fetch of account %d failed, retrying: %v", l.ID(), err)
		}
		return err
	})
	if err != nil {
		return err
	}

	pi := r.instances.PaymentInstance(l.PaymentInstanceID())
	if pi == nil {
		return fmt.Errorf("balance: unknown payment instance '%s'", l.PaymentInstanceID())
	}
	if err := info.Verify(pi); err != nil {
		r.log.Errorf("Rejecting statement of account %d: %v", l.ID(), err)
		return err
	}
	return l.SetAccountInfo(info)
}

// Update fetches the statement of l. If synchronous is false the fetch
// runs in the background and Update returns immediately. Errors are logged.
func (r *Refresher) Update(l *account.Ledger, synchronous bool) {
	if l == nil {
		return
	}
	run := func() {
		if err := r.Fetch(context.Background(), l, false); err != nil {
			r.log.Debugf("Balance update of account %d failed: %v", l.ID(), err)
		}
	}
	if synchronous {
		r.log.Debugf("Fetching new balance of account %d.", l.ID())
		run()
		return
	}
	r.log.Debugf("Fetching new balance of account %d asynchronously.", l.ID())
	r.Go(run)
}

// IsStale returns true if l has no balance or one older than maxAge at now.
func IsStale(l *account.Ledger, now time.Time, maxAge time.Duration) bool {
	b := l.Balance()
	return b == nil || b.Timestamp.Before(now.Add(-maxAge))
}
