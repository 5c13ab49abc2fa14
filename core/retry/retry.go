// SPDX-FileCopyrightText: © 2025 The Mixpay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package retry repeats operations that failed with transient network
// errors, backing off exponentially.
package retry

import (
	"context"
	"errors"
	"math"
	"net"
	"strings"
	"time"

	"github.com/katzenpost/hpqc/rand"
)

const (
	// DefaultMaxAttempts is the default number of attempts of Do.
	DefaultMaxAttempts = 4

	// DefaultBaseDelay is the delay after the first failed attempt.
	DefaultBaseDelay = 500 * time.Millisecond

	// DefaultMaxDelay caps the delay between attempts.
	DefaultMaxDelay = 8 * time.Second

	// DefaultJitter is the relative jitter applied to each delay.
	DefaultJitter = 0.2
)

// Policy describes how often and how fast to retry.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

// Default is the policy used for billing instance requests.
var Default = Policy{
	MaxAttempts: DefaultMaxAttempts,
	BaseDelay:   DefaultBaseDelay,
	MaxDelay:    DefaultMaxDelay,
	Jitter:      DefaultJitter,
}

// Delay returns the backoff before the given zero based retry attempt.
func Delay(baseDelay, maxDelay time.Duration, jitter float64, attempt int) time.Duration {
	delay := float64(baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	if jitter > 0 {
		r := rand.NewMath()
		delay *= 1 - jitter + r.Float64()*2*jitter
	}
	return time.Duration(delay)
}

var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"connection timed out",
	"temporary failure",
	"no route to host",
	"network is unreachable",
	"i/o timeout",
	"broken pipe",
	"unexpected eof",
}

// IsTransientError returns true for errors worth another attempt. Context
// errors are never transient.
func IsTransientError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	s := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}

// Do calls fn until it succeeds, fails permanently, the attempts are used
// up or ctx is done. The last error of fn is returned.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx); !IsTransientError(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		t := time.NewTimer(Delay(p.BaseDelay, p.MaxDelay, p.Jitter, attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
	return err
}
