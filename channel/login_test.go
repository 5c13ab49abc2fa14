// SPDX-FileCopyrightText: © 2025 The Mixpay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mixpay/mixpay/balance"
	"github.com/mixpay/mixpay/cascade"
	"github.com/mixpay/mixpay/internal/paytest"
	"github.com/mixpay/mixpay/pay"
	"github.com/mixpay/mixpay/pay/wire"
)

func confirmOnCertificate(e *testEnv, code pay.ErrorCode) {
	e.tr.onSend = func(m wire.Message) {
		if _, ok := m.(*wire.AccountCertificate); ok {
			e.ch.Process(&wire.AiLoginConfirmation{Code: code})
		}
	}
}

func TestLoginAccepted(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e := newTestEnv(t, 5000, nil)
	require.NoError(e.acc.UpdateUnconfirmedBytes(777))
	confirmOnCertificate(e, pay.CodeOK)

	ok, err := e.ch.SendAccountCertificate(context.Background())
	require.NoError(err)
	require.True(ok)

	cert, isCert := e.tr.last(t).(*wire.AccountCertificate)
	require.True(isCert)
	require.Equal(e.acc.Certificate().Raw, cert.Raw)
	require.Zero(e.acc.UnconfirmedBytes())
	require.Nil(e.ch.login.attempt)
}

func TestLoginRejected(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e := newTestEnv(t, 5000, func(cfg *Config) { cfg.LoginTimeout = time.Hour })
	confirmOnCertificate(e, pay.CodeMultipleLogin)

	start := time.Now()
	ok, err := e.ch.SendAccountCertificate(context.Background())
	require.NoError(err)
	require.False(ok)
	require.Less(time.Since(start), 10*time.Second)
}

func TestLoginSessionClosed(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e := newTestEnv(t, 5000, func(cfg *Config) { cfg.LoginTimeout = time.Hour })
	e.tr.onSend = func(m wire.Message) {
		if _, ok := m.(*wire.AccountCertificate); ok {
			go e.ch.SessionClosed()
		}
	}

	start := time.Now()
	ok, err := e.ch.SendAccountCertificate(context.Background())
	require.NoError(err)
	require.False(ok)
	require.Less(time.Since(start), 10*time.Second)

	// A late confirmation has nobody to wake.
	e.ch.Process(&wire.AiLoginConfirmation{Code: pay.CodeOK})

	// Logging in after teardown fails without an error or a certificate.
	n := len(e.tr.messages())
	ok, err = e.ch.SendAccountCertificate(context.Background())
	require.NoError(err)
	require.False(ok)
	require.Len(e.tr.messages(), n)
}

func TestLoginAfterTeardown(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e := newTestEnv(t, 5000, nil)
	e.ch.SessionClosed()

	ok, err := e.ch.SendAccountCertificate(context.Background())
	require.NoError(err)
	require.False(ok)
	require.Empty(e.tr.messages())
	require.False(e.svc.abandoned.Load())
}

func TestLoginTimeout(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e := newTestEnv(t, 5000, func(cfg *Config) { cfg.LoginTimeout = 50 * time.Millisecond })
	ok, err := e.ch.SendAccountCertificate(context.Background())
	require.NoError(err)
	require.False(ok)
	require.Len(e.tr.messages(), 1)
}

func TestLoginContextCancelled(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e := newTestEnv(t, 5000, func(cfg *Config) { cfg.LoginTimeout = time.Hour })
	ctx, cancel := context.WithCancel(context.Background())
	e.tr.onSend = func(wire.Message) { cancel() }

	ok, err := e.ch.SendAccountCertificate(ctx)
	require.NoError(err)
	require.False(ok)
}

func TestLoginUnsynchronized(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e := newTestEnv(t, 5000, func(cfg *Config) { cfg.LoginTimeout = time.Hour })
	e.ch.SetSynchronizedLogin(false)

	ok, err := e.ch.SendAccountCertificate(context.Background())
	require.NoError(err)
	require.True(ok)
	require.Nil(e.ch.login.attempt)
}

func TestLoginVetoed(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e := newTestEnv(t, 5000, nil)
	e.recorder.veto = true

	ok, err := e.ch.SendAccountCertificate(context.Background())
	require.NoError(err)
	require.False(ok)
	require.Empty(e.tr.messages())
}

func TestLoginSelectsAccount(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e := newTestEnv(t, 5000, nil)
	e.ch.SetSynchronizedLogin(false)

	// The active account is of another billing instance.
	other := paytest.NewBillingInstance(t, "bi-2")
	require.NoError(e.reg.AddPaymentInstance(other.PI))
	stranger := other.NewLedger(t, 7, nil)
	require.NoError(e.reg.AddAccount(stranger))
	other.Charge(t, stranger, 100, time.Now())
	require.NoError(e.reg.SetActiveAccount(7))

	ok, err := e.ch.SendAccountCertificate(context.Background())
	require.NoError(err)
	require.True(ok)
	require.Equal(int64(1), e.reg.ActiveAccount().ID())

	// Without any charged account an unused one is chosen.
	require.NoError(e.reg.SetActiveAccount(7))
	unused := e.bi.NewLedger(t, 3, nil)
	require.NoError(e.reg.AddAccount(unused))
	require.NoError(e.reg.RemoveAccount(1))
	ok, err = e.ch.SendAccountCertificate(context.Background())
	require.NoError(err)
	require.True(ok)
	require.Equal(int64(3), e.reg.ActiveAccount().ID())
}

func TestLoginFetchesStaleBalances(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	// Two months later the flat rate of the account has ended and its
	// statement is outdated.
	later := time.Now().Add(60 * 24 * time.Hour)
	e := newTestEnv(t, 5000, nil)
	f := &balanceFetcher{bi: e.bi, at: later}
	e.ch.cfg.Refresher = balance.New(f, e.reg, true, time.Second, nil)
	defer e.ch.cfg.Refresher.Halt()
	e.ch.SetSynchronizedLogin(false)
	e.ch.now = func() time.Time { return later }
	require.False(e.acc.IsCharged(later))

	ok, err := e.ch.SendAccountCertificate(context.Background())
	require.NoError(err)
	require.True(ok)
	require.Equal(int32(1), f.calls.Load())
	require.True(e.acc.IsCharged(later))
	require.Equal(int64(1), e.reg.ActiveAccount().ID())
}

func TestLoginInvalidPriceCertificates(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name string
		hops func(t *testing.T, e *testEnv) []cascade.Hop
	}{
		{
			name: "forged",
			hops: func(t *testing.T, e *testEnv) []cascade.Hop {
				forger := paytest.NewBillingInstance(t, e.bi.PI.ID)
				pc, err := pay.NewPriceCertificate(forger.Key, forger.PI.Key, forger.PI.ID, "mix-b", 100)
				require.NoError(t, err)
				hops := hopsOf(e.pricing)
				hops[1].PriceCert = pc
				return hops
			},
		},
		{
			name: "wrong mix",
			hops: func(t *testing.T, e *testEnv) []cascade.Hop {
				hops := hopsOf(e.pricing)
				hops[2].ID = "mix-z"
				return hops
			},
		},
		{
			name: "missing",
			hops: func(t *testing.T, e *testEnv) []cascade.Hop {
				hops := hopsOf(e.pricing)
				hops[0].PriceCert = nil
				return hops
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require := require.New(t)

			e := newTestEnv(t, 5000, nil)
			p, err := cascade.New("cascade-1", e.bi.PI.ID, 5000, tc.hops(t, e))
			require.NoError(err)
			e.ch.cfg.Pricing = p

			ok, err := e.ch.SendAccountCertificate(context.Background())
			require.ErrorIs(err, pay.ErrInvalidPriceCertificates)
			require.False(ok)
			require.Empty(e.tr.messages())
			require.True(e.svc.abandoned.Load())
			require.Equal([]pay.ErrorCode{pay.CodeInvalidPriceCerts}, e.recorder.codes())
		})
	}
}

func TestPayRequestAccountCertificate(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e := newTestEnv(t, 5000, func(cfg *Config) { cfg.LoginTimeout = time.Hour })
	e.ch.Process(&wire.PayRequest{AccountRequest: true})

	_, ok := e.tr.last(t).(*wire.AccountCertificate)
	require.True(ok)
	require.False(e.svc.abandoned.Load())
}

func hopsOf(p *cascade.Context) []cascade.Hop {
	ids := p.HopIDs()
	certs := p.PriceCertificates()
	hops := make([]cascade.Hop, len(ids))
	for i := range ids {
		hops[i] = cascade.Hop{ID: ids[i], PriceCert: certs[i]}
	}
	return hops
}
