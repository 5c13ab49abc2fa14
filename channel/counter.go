// SPDX-FileCopyrightText: © 2025 The Mixpay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package channel

import "sync/atomic"

// ByteCounter counts the payable bytes relayed by a cascade session. The
// transport adds to it, the payment channel drains it when co-signing.
type ByteCounter struct {
	n atomic.Int64
}

// Add counts n payable bytes. Non positive values are ignored.
func (b *ByteCounter) Add(n int) {
	if n > 0 {
		b.n.Add(int64(n))
	}
}

// TakeAndResetPayableBytes returns the bytes counted since the last call.
func (b *ByteCounter) TakeAndResetPayableBytes() int64 {
	return b.n.Swap(0)
}
