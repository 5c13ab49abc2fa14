// SPDX-FileCopyrightText: © 2025 The Mixpay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package channel

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mixpay/mixpay/account"
	"github.com/mixpay/mixpay/balance"
	"github.com/mixpay/mixpay/cascade"
	"github.com/mixpay/mixpay/config"
	"github.com/mixpay/mixpay/internal/paytest"
	"github.com/mixpay/mixpay/pay"
	"github.com/mixpay/mixpay/pay/wire"
	"github.com/mixpay/mixpay/registry"
)

type fakeTransport struct {
	sync.Mutex

	sent   []wire.Message
	onSend func(wire.Message)
}

func (f *fakeTransport) Send(m wire.Message) error {
	f.Lock()
	f.sent = append(f.sent, m)
	cb := f.onSend
	f.Unlock()
	if cb != nil {
		cb(m)
	}
	return nil
}

func (f *fakeTransport) messages() []wire.Message {
	f.Lock()
	defer f.Unlock()
	return append([]wire.Message(nil), f.sent...)
}

func (f *fakeTransport) last(t *testing.T) wire.Message {
	msgs := f.messages()
	require.NotEmpty(t, msgs)
	return msgs[len(msgs)-1]
}

func (f *fakeTransport) lastCC(t *testing.T) *pay.CostConfirmation {
	m, ok := f.last(t).(*wire.CostConfirmation)
	require.True(t, ok, "last message is %T", f.last(t))
	return m.CC
}

type fakeService struct {
	abandoned atomic.Bool
}

func (f *fakeService) KeepCurrentService(keep bool) {
	if !keep {
		f.abandoned.Store(true)
	}
}

type paymentRecorder struct {
	sync.Mutex

	errors []*pay.Error
	veto   bool
}

func (r *paymentRecorder) AccountError(e *pay.Error) {
	r.Lock()
	defer r.Unlock()
	r.errors = append(r.errors, e)
}

func (r *paymentRecorder) AccountRequest(cascade.Pricing) bool {
	return !r.veto
}

func (r *paymentRecorder) codes() []pay.ErrorCode {
	r.Lock()
	defer r.Unlock()
	var codes []pay.ErrorCode
	for _, e := range r.errors {
		codes = append(codes, e.Code)
	}
	return codes
}

type balanceFetcher struct {
	bi    *paytest.BillingInstance
	at    time.Time
	calls atomic.Int32
}

func (f *balanceFetcher) FetchAccountInfo(_ context.Context, l *account.Ledger) (*pay.AccountInfo, error) {
	f.calls.Add(1)
	at := f.at
	if at.IsZero() {
		at = time.Now()
	}
	return f.bi.AccountInfo(l.ID(), 500, at)
}

type testEnv struct {
	bi       *paytest.BillingInstance
	reg      *registry.Registry
	acc      *account.Ledger
	pricing  *cascade.Context
	counter  *ByteCounter
	tr       *fakeTransport
	svc      *fakeService
	recorder *paymentRecorder
	ch       *Channel
}

func newTestEnv(t *testing.T, interval int64, mutate func(*Config)) *testEnv {
	t.Helper()
	require := require.New(t)

	e := &testEnv{
		bi:       paytest.NewBillingInstance(t, "bi-1"),
		counter:  new(ByteCounter),
		tr:       new(fakeTransport),
		svc:      new(fakeService),
		recorder: new(paymentRecorder),
	}
	reg, err := registry.New(nil, nil)
	require.NoError(err)
	e.reg = reg
	require.NoError(reg.AddPaymentInstance(e.bi.PI))
	reg.AddPaymentListener(e.recorder)

	e.acc = e.bi.NewLedger(t, 1, nil)
	require.NoError(reg.AddAccount(e.acc))
	e.bi.Charge(t, e.acc, 1000, time.Now())
	require.NoError(reg.SetActiveAccount(1))

	e.pricing = e.bi.NewCascade(t, "cascade-1", interval, "mix-a", "mix-b", "mix-c")
	cfg := Config{
		Registry:  reg,
		Pricing:   e.pricing,
		Counter:   e.counter,
		Transport: e.tr,
		Service:   e.svc,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	e.ch, err = New(cfg)
	require.NoError(err)
	return e
}

// signedCC returns a confirmation of the account for the cascade pricing.
func (e *testEnv) signedCC(t *testing.T, bytes int64) *pay.CostConfirmation {
	sk, err := e.acc.PrivateKey()
	require.NoError(t, err)
	cc := &pay.CostConfirmation{
		AccountID:         e.acc.ID(),
		TransferredBytes:  bytes,
		PriceCertHashes:   e.pricing.PriceCertificateHashes(),
		CascadeID:         e.pricing.ID(),
		PaymentInstanceID: e.bi.PI.ID,
	}
	require.NoError(t, cc.Sign(sk))
	return cc
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.ErrorIs(t, err, errNoRegistry)

	e := newTestEnv(t, 5000, nil)
	require.Equal(t, AILoginTimeout, e.ch.cfg.LoginTimeout)
	require.Equal(t, 2*time.Minute, AILoginTimeout)
	require.Equal(t, NoChargedAccountUpdate, e.ch.cfg.NoChargedAccountUpdate)
	require.True(t, e.ch.login.synchronized)
}

func TestApplySettings(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cfg := config.Default()
	cfg.Payment.LoginTimeout = 1500
	cfg.Payment.SynchronizedLogin = false
	var c Config
	c.ApplySettings(cfg.Payment)
	require.Equal(1500*time.Millisecond, c.LoginTimeout)
	require.True(c.AsynchronousLogin)
	require.Equal(5*time.Minute, c.NoChargedAccountUpdate)
}

func TestHandleMessage(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e := newTestEnv(t, 5000, nil)

	// Garbage is dropped, the session goes on.
	e.ch.HandleMessage([]byte{0xff, 0x00, 0x00})
	require.Empty(e.tr.messages())
	require.False(e.svc.abandoned.Load())
	require.Empty(e.recorder.codes())

	b, err := (&wire.Challenge{Nonce: []byte("nonce")}).ToBytes()
	require.NoError(err)
	e.ch.HandleMessage(b)
	_, ok := e.tr.last(t).(*wire.Response)
	require.True(ok)
}

func TestChallengePrepaidOnce(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e := newTestEnv(t, 5000, nil)
	nonce := []byte("challenge nonce")

	e.ch.Process(&wire.Challenge{Nonce: nonce, PrepaidBytes: 3000})
	require.Equal(int64(-3000), e.acc.UnconfirmedBytes())

	resp, ok := e.tr.last(t).(*wire.Response)
	require.True(ok)
	pk := e.acc.PublicKey()
	require.True(pk.Scheme().Verify(pk, nonce, resp.Signature, nil))

	e.ch.Process(&wire.Challenge{Nonce: nonce, PrepaidBytes: 3000})
	require.Equal(int64(-3000), e.acc.UnconfirmedBytes())
	require.Len(e.tr.messages(), 2)
	require.False(e.svc.abandoned.Load())
}

func TestChallengeWithoutActiveAccount(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e := newTestEnv(t, 5000, nil)
	require.NoError(e.reg.SetActiveAccount(0))

	e.ch.Process(&wire.Challenge{Nonce: []byte("x")})
	require.Empty(e.tr.messages())
	require.True(e.svc.abandoned.Load())
	require.Equal([]pay.ErrorCode{pay.CodeNoAccountCert}, e.recorder.codes())
}

func TestChallengeLockedAccount(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e := newTestEnv(t, 5000, nil)
	require.NoError(e.acc.Lock([]byte("pw")))

	e.ch.Process(&wire.Challenge{Nonce: []byte("x")})
	require.Empty(e.tr.messages())
	require.Equal([]pay.ErrorCode{pay.CodeKeyNotFound}, e.recorder.codes())
}

func TestErrorMessageAccountEmpty(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e := newTestEnv(t, 5000, nil)
	f := &balanceFetcher{bi: e.bi}
	e.ch.cfg.Refresher = balance.New(f, e.reg, true, time.Second, nil)
	defer e.ch.cfg.Refresher.Halt()

	other := e.bi.NewLedger(t, 2, nil)
	require.NoError(e.reg.AddAccount(other))
	e.bi.Charge(t, other, 100, time.Now())

	e.ch.Process(&wire.ErrorMessage{Code: pay.CodeAccountEmpty, Message: "empty"})
	require.Equal(int64(2), e.reg.ActiveAccount().ID())
	require.False(e.svc.abandoned.Load())
	require.Empty(e.recorder.codes())
	require.Eventually(func() bool { return f.calls.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestErrorMessageAccountEmptyNoAlternative(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e := newTestEnv(t, 5000, nil)
	e.ch.Process(&wire.ErrorMessage{Code: pay.CodeAccountEmpty})
	require.Equal(int64(1), e.reg.ActiveAccount().ID())
	require.True(e.svc.abandoned.Load())
	require.Equal([]pay.ErrorCode{pay.CodeAccountEmpty}, e.recorder.codes())
}

func TestErrorMessageOther(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e := newTestEnv(t, 5000, nil)
	e.ch.Process(&wire.ErrorMessage{Code: pay.CodeBlocked, Message: "blocked"})
	require.True(e.svc.abandoned.Load())
	require.Equal([]pay.ErrorCode{pay.CodeBlocked}, e.recorder.codes())
}

func TestByteCounter(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	var c ByteCounter
	c.Add(100)
	c.Add(-5)
	c.Add(0)
	c.Add(23)
	require.Equal(int64(123), c.TakeAndResetPayableBytes())
	require.Zero(c.TakeAndResetPayableBytes())
}
