// SPDX-FileCopyrightText: © 2025 The Mixpay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exports the payment channel metrics to prometheus.
package instrument

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/op/go-logging.v1"

	"github.com/mixpay/mixpay/pay"
)

var (
	ccsSigned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mixpay_cost_confirmations_signed_total",
			Help: "Number of cost confirmations signed",
		},
	)
	ccsStale = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mixpay_cost_confirmations_stale_total",
			Help: "Number of cost confirmations that did not exceed the stored one",
		},
	)
	ccsResent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mixpay_cost_confirmations_resent_total",
			Help: "Number of stored cost confirmations sent again",
		},
	)
	zeroCCs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mixpay_zero_cost_confirmations_total",
			Help: "Number of zero valued cost confirmations sent",
		},
	)
	logins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mixpay_logins_total",
			Help: "Number of cascade logins by outcome",
		},
		[]string{"outcome"},
	)
	paymentErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mixpay_payment_errors_total",
			Help: "Number of payment errors by code",
		},
		[]string{"code"},
	)
	protocolViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mixpay_protocol_violations_total",
			Help: "Number of unknown or malformed control messages",
		},
	)
	accountCredit = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mixpay_account_credit",
			Help: "Credit left on an account according to its last balance",
		},
		[]string{"account"},
	)
	accountUnconfirmedBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mixpay_account_unconfirmed_bytes",
			Help: "Bytes transferred but not yet confirmed by an account",
		},
		[]string{"account"},
	)

	registerOnce sync.Once
)

// Init registers the metrics with the default registry.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(ccsSigned)
		prometheus.MustRegister(ccsStale)
		prometheus.MustRegister(ccsResent)
		prometheus.MustRegister(zeroCCs)
		prometheus.MustRegister(logins)
		prometheus.MustRegister(paymentErrors)
		prometheus.MustRegister(protocolViolations)
		prometheus.MustRegister(accountCredit)
		prometheus.MustRegister(accountUnconfirmedBytes)
	})
}

// Handler returns the HTTP handler exposing the registered metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartListener registers the metrics and serves them on addr at /metrics.
func StartListener(addr string, log *logging.Logger) *http.Server {
	Init()
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("Metrics listener failed: %v", err)
		}
	}()
	log.Noticef("Serving metrics on %s.", addr)
	return srv
}

// CCSigned increments the counter of signed cost confirmations.
func CCSigned() {
	ccsSigned.Inc()
}

// CCStale increments the counter of stale cost confirmations.
func CCStale() {
	ccsStale.Inc()
}

// CCResent increments the counter of resent cost confirmations.
func CCResent() {
	ccsResent.Inc()
}

// ZeroCC increments the counter of zero cost confirmations.
func ZeroCC() {
	zeroCCs.Inc()
}

// Login counts a login by outcome.
func Login(outcome string) {
	logins.WithLabelValues(outcome).Inc()
}

// PaymentError counts an error signaled to the account registry.
func PaymentError(code pay.ErrorCode) {
	paymentErrors.WithLabelValues(strconv.Itoa(int(code))).Inc()
}

// ProtocolViolation counts an unknown or malformed message.
func ProtocolViolation() {
	protocolViolations.Inc()
}

// AccountState exports the credit and unconfirmed bytes of an account.
func AccountState(id, credit, unconfirmed int64) {
	label := strconv.FormatInt(id, 10)
	accountCredit.WithLabelValues(label).Set(float64(credit))
	accountUnconfirmedBytes.WithLabelValues(label).Set(float64(unconfirmed))
}
