// SPDX-FileCopyrightText: © 2025 The Mixpay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package paytest provides billing instance, account and cascade fixtures
// for tests.
package paytest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/hpqc/sign"
	"github.com/katzenpost/hpqc/sign/ed25519"

	"github.com/mixpay/mixpay/account"
	"github.com/mixpay/mixpay/cascade"
	"github.com/mixpay/mixpay/core/log"
	"github.com/mixpay/mixpay/pay"
)

// BillingInstance issues certificates signed with its own key.
type BillingInstance struct {
	PI  *pay.PaymentInstance
	Key sign.PrivateKey
}

// NewBillingInstance creates a billing instance with a fresh key.
func NewBillingInstance(t testing.TB, id string) *BillingInstance {
	pk, sk, err := ed25519.Scheme().GenerateKey()
	require.NoError(t, err)
	return &BillingInstance{
		PI:  &pay.PaymentInstance{ID: id, Name: "Billing " + id, Key: pk},
		Key: sk,
	}
}

// NewLedger creates an unlocked account certified by the billing instance.
func (b *BillingInstance) NewLedger(t testing.TB, id int64, logBackend *log.Backend) *account.Ledger {
	pk, sk, err := ed25519.Scheme().GenerateKey()
	require.NoError(t, err)
	c, err := pay.NewAccountCertificate(b.Key, b.PI.Key, b.PI.ID, id, pk, time.Now())
	require.NoError(t, err)
	return account.New(c, sk, logBackend)
}

// Balance returns a balance statement for the account.
func (b *BillingInstance) Balance(id, credit int64, at time.Time) *pay.Balance {
	return &pay.Balance{
		AccountID:       id,
		Timestamp:       at,
		Deposit:         credit,
		Credit:          credit,
		FlatEnd:         at.Add(30 * 24 * time.Hour),
		VolumeBytesLeft: credit * 1000,
	}
}

// AccountInfo returns the statement a billing instance serves for the
// account, with the balance certified by its key.
func (b *BillingInstance) AccountInfo(id, credit int64, at time.Time) (*pay.AccountInfo, error) {
	raw, err := pay.SignBalance(b.Key, b.PI.Key, b.Balance(id, credit, at))
	if err != nil {
		return nil, err
	}
	return &pay.AccountInfo{BalanceCert: raw}, nil
}

// Charge gives the account credit as of at.
func (b *BillingInstance) Charge(t testing.TB, l *account.Ledger, credit int64, at time.Time) {
	require.NoError(t, l.SetAccountInfo(&pay.AccountInfo{Balance: b.Balance(l.ID(), credit, at)}))
}

// NewCascade creates a cascade whose hops all carry a valid price
// certificate of the billing instance.
func (b *BillingInstance) NewCascade(t testing.TB, id string, interval int64, hopIDs ...string) *cascade.Context {
	hops := make([]cascade.Hop, 0, len(hopIDs))
	for _, h := range hopIDs {
		pc, err := pay.NewPriceCertificate(b.Key, b.PI.Key, b.PI.ID, h, 100)
		require.NoError(t, err)
		hops = append(hops, cascade.Hop{ID: h, PriceCert: pc})
	}
	c, err := cascade.New(id, b.PI.ID, interval, hops)
	require.NoError(t, err)
	return c
}
