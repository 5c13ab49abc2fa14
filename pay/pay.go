// SPDX-FileCopyrightText: © 2025 The Mixpay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package pay contains the value objects exchanged between a client, the
// accounting instance of a cascade and the billing instance: cost
// confirmations, price, account and balance certificates, and the payment
// error taxonomy.
package pay

import (
	"github.com/fxamacker/cbor/v2"
)

var (
	ccbor   cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	ccbor, err = opts.EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}
