// SPDX-FileCopyrightText: © 2025 The Mixpay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package cascade describes the pricing of a mix cascade.
package cascade

import (
	"errors"
	"fmt"

	"github.com/mixpay/mixpay/pay"
)

const (
	// MinPrepaidInterval is the smallest prepaid interval a cascade may ask for.
	MinPrepaidInterval = 5000

	// MaxPrepaidInterval is the largest prepaid interval a cascade may ask for.
	MaxPrepaidInterval = 3000000
)

// ErrInvalidPrepaidInterval is returned for an interval out of bounds.
var ErrInvalidPrepaidInterval = errors.New("cascade: invalid prepaid interval")

// Pricing is the view of a connected cascade used by the payment channel.
type Pricing interface {
	// ID returns the cascade identifier.
	ID() string

	// PaymentInstanceID returns the billing instance the cascade charges for.
	PaymentInstanceID() string

	// PrepaidIntervalBytes returns how far ahead of the consumed traffic
	// the client has to stay paid.
	PrepaidIntervalBytes() int64

	// PriceCertificateHashes returns the hash of each hop's price
	// certificate, by position.
	PriceCertificateHashes() []pay.PriceCertHash

	// PriceCertificates returns the price certificates in hop order. Hops
	// without a certificate are skipped.
	PriceCertificates() []*pay.PriceCertificate

	// HopIDs returns the mix identifiers in hop order.
	HopIDs() []string
}

// Hop is one mix of a cascade.
type Hop struct {
	ID        string
	PriceCert *pay.PriceCertificate
}

// Context is a Pricing built from the cascade's advertised hops.
type Context struct {
	id       string
	piid     string
	interval int64
	hops     []Hop
}

// New returns the pricing context for a cascade.
func New(id, paymentInstanceID string, prepaidInterval int64, hops []Hop) (*Context, error) {
	if prepaidInterval < MinPrepaidInterval || prepaidInterval > MaxPrepaidInterval {
		return nil, fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidPrepaidInterval,
			prepaidInterval, MinPrepaidInterval, MaxPrepaidInterval)
	}
	if len(hops) == 0 {
		return nil, errors.New("cascade: no hops")
	}
	return &Context{
		id:       id,
		piid:     paymentInstanceID,
		interval: prepaidInterval,
		hops:     append([]Hop(nil), hops...),
	}, nil
}

// ID implements Pricing.
func (c *Context) ID() string {
	return c.id
}

// PaymentInstanceID implements Pricing.
func (c *Context) PaymentInstanceID() string {
	return c.piid
}

// PrepaidIntervalBytes implements Pricing.
func (c *Context) PrepaidIntervalBytes() int64 {
	return c.interval
}

// PriceCertificateHashes implements Pricing.
func (c *Context) PriceCertificateHashes() []pay.PriceCertHash {
	out := make([]pay.PriceCertHash, 0, len(c.hops))
	for i, h := range c.hops {
		if h.PriceCert == nil {
			continue
		}
		out = append(out, pay.PriceCertHash{
			Position: i,
			HopID:    h.ID,
			Hash:     h.PriceCert.Hash(),
		})
	}
	return out
}

// PriceCertificates implements Pricing.
func (c *Context) PriceCertificates() []*pay.PriceCertificate {
	out := make([]*pay.PriceCertificate, 0, len(c.hops))
	for _, h := range c.hops {
		if h.PriceCert != nil {
			out = append(out, h.PriceCert)
		}
	}
	return out
}

// HopIDs implements Pricing.
func (c *Context) HopIDs() []string {
	out := make([]string, 0, len(c.hops))
	for _, h := range c.hops {
		out = append(out, h.ID)
	}
	return out
}

// Fingerprint returns the pricing fingerprint of the cascade.
func Fingerprint(p Pricing) pay.Fingerprint {
	return pay.FingerprintOf(p.PriceCertificateHashes())
}
