// SPDX-FileCopyrightText: © 2025 The Mixpay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package channel

import (
	"github.com/mixpay/mixpay/account"
	"github.com/mixpay/mixpay/cascade"
	"github.com/mixpay/mixpay/internal/instrument"
	"github.com/mixpay/mixpay/pay"
	"github.com/mixpay/mixpay/pay/wire"
)

func (c *Channel) activeAccount() (*account.Ledger, error) {
	l := c.cfg.Registry.ActiveAccount()
	if l == nil {
		return nil, pay.NewError(pay.ErrNoActiveAccount, "no active account")
	}
	return l, nil
}

// processChallenge proves possession of the account key. The prepaid bytes
// granted with the first challenge of the session are deducted from the
// unconfirmed bytes.
func (c *Channel) processChallenge(msg *wire.Challenge) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	acc, err := c.activeAccount()
	if err != nil {
		return err
	}
	c.log.Noticef("Received %d prepaid bytes.", msg.PrepaidBytes)
	if !c.prepaidReceived && msg.PrepaidBytes > 0 {
		c.prepaidReceived = true
		c.prepaidBytes = msg.PrepaidBytes
		if !acc.SubtractPrepaid(msg.PrepaidBytes) {
			c.log.Debugf("Account %d already had prepaid bytes deducted.", acc.ID())
		}
	}

	sk, err := acc.PrivateKey()
	if err != nil {
		return err
	}
	sig := sk.Scheme().Sign(sk, msg.Nonce, nil)
	return c.send(&wire.Response{Signature: sig})
}

// processPayRequest sends the account certificate and co-signs the cost
// confirmation as requested.
func (c *Channel) processPayRequest(msg *wire.PayRequest) error {
	if msg.AccountRequest {
		if ok, err := c.sendAccountCert(); !ok {
			c.log.Errorf("Could not send account certificate: %v", err)
		}
	}
	if msg.CC == nil {
		return nil
	}
	return c.processCCToSign(msg.CC)
}

// sign fills in the cascade's pricing and signs cc with the account key.
func (c *Channel) sign(acc *account.Ledger, cc *pay.CostConfirmation) error {
	sk, err := acc.PrivateKey()
	if err != nil {
		return err
	}
	cc.PriceCertHashes = c.cfg.Pricing.PriceCertificateHashes()
	cc.CascadeID = c.cfg.Pricing.ID()
	cc.PaymentInstanceID = acc.PaymentInstanceID()
	return cc.Sign(sk)
}

// processCCToSign answers a cost confirmation request. The returned
// confirmation covers the bytes spent plus the prepaid interval, and never
// less than what was confirmed before for this cascade.
func (c *Channel) processCCToSign(req *pay.CostConfirmation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	acc, err := c.activeAccount()
	if err != nil {
		return err
	}
	if acc.ID() != req.AccountID {
		return pay.NewError(pay.ErrAccountMismatch, "cost confirmation requested for account %d, active is %d", req.AccountID, acc.ID())
	}
	if _, err := acc.UpdateFromCounter(c.cfg.Counter); err != nil {
		return err
	}

	interval := c.cfg.Pricing.PrepaidIntervalBytes()
	prior := acc.CostConfirmation(cascade.Fingerprint(c.cfg.Pricing))
	var confirmed int64
	if prior != nil {
		confirmed = prior.TransferredBytes
		if c.baseline == nil && c.prepaidBytes > 0 && !c.prepaidCredited {
			c.log.Warning("No initial cost confirmation, the cascade might have lost it.")
			acc.ReconcileUnconfirmedBytes(c.prepaidBytes)
			c.prepaidCredited = true
		}
	}

	spent := acc.UnconfirmedBytes()
	if overshoot := req.TransferredBytes - spent - interval; overshoot > 0 {
		c.log.Warningf("Illegal number of prepaid bytes for signing. Difference/Spent/CC/PrevCC: %d/%d/%d/%d",
			overshoot, spent, req.TransferredBytes, confirmed)
		if spent < 0 {
			c.log.Warning("The cascade might have lost a cost confirmation, resetting spent bytes to zero.")
			spent = acc.ReconcileUnconfirmedBytes(-spent)
		} else if req.TransferredBytes < confirmed {
			c.log.Warning("Requested less than confirmed before, a cost confirmation might have been lost.")
		}
	}

	out := &pay.CostConfirmation{
		AccountID:        acc.ID(),
		TransferredBytes: spent + interval,
	}
	switch {
	case out.TransferredBytes > confirmed:
		if err := c.sign(acc, out); err != nil {
			return err
		}
		delta, err := acc.AddCostConfirmation(out)
		if err != nil {
			return err
		}
		if delta <= 0 {
			c.log.Warning("Added old cost confirmation.")
			instrument.CCStale()
		}
		instrument.CCSigned()
	case prior != nil:
		c.log.Debugf("Resending cost confirmation for %d bytes.", prior.TransferredBytes)
		out = prior
		instrument.CCResent()
	default:
		c.log.Critical("Creating zero cost confirmation.")
		out.TransferredBytes = 0
		if err := c.sign(acc, out); err != nil {
			return err
		}
		if _, err := acc.AddCostConfirmation(out); err != nil {
			return err
		}
		instrument.ZeroCC()
	}

	if c.baseline == nil {
		c.log.Debug("Setting initial cost confirmation to current one.")
		c.baseline = out.Copy()
	}
	return c.send(&wire.CostConfirmation{CC: out})
}

// processInitialCC rebases the account on the last confirmation held by the
// accounting instance and pays ahead by the prepaid interval.
func (c *Channel) processInitialCC(last *pay.CostConfirmation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	acc, err := c.activeAccount()
	if err != nil {
		return err
	}
	if last == nil || last.AccountID != acc.ID() || !last.Verify(acc.PublicKey()) {
		return pay.NewError(pay.ErrWrongData, "accounting instance sent an invalid last cost confirmation")
	}
	if err := c.checkPriceCertHashes(last); err != nil {
		return err
	}
	c.log.Debug("Accounting instance sent a valid last cost confirmation.")

	if c.baseline == nil {
		acc.ReconcileUnconfirmedBytes(last.TransferredBytes)
		c.baseline = last.Copy()
	} else {
		diff := last.TransferredBytes - c.baseline.TransferredBytes
		c.log.Warningf("Updated initial cost confirmation, difference: %d", diff)
		acc.ReconcileUnconfirmedBytes(diff)
	}

	confirmed := last.TransferredBytes
	if delta, err := acc.AddCostConfirmation(last); err != nil {
		return err
	} else if delta == 0 {
		c.log.Debugf("Last cost confirmation for %d bytes was already known.", confirmed)
	}

	toPay := c.cfg.Pricing.PrepaidIntervalBytes() - (confirmed - acc.UnconfirmedBytes())
	next := last.Copy()
	next.TransferredBytes = confirmed
	if toPay > 0 {
		next.TransferredBytes += toPay
	}
	sk, err := acc.PrivateKey()
	if err != nil {
		return err
	}
	if err := next.Sign(sk); err != nil {
		return err
	}
	if toPay > 0 {
		delta, err := acc.AddCostConfirmation(next)
		if err != nil {
			return err
		}
		if delta <= 0 {
			c.log.Warningf("Sending old cost confirmation, to pay/old/new: %d/%d/%d", toPay, confirmed, next.TransferredBytes)
			instrument.CCStale()
		}
		instrument.CCSigned()
	}

	// Always answered, so the accounting instance knows it was received.
	return c.send(&wire.CostConfirmation{CC: next})
}

// checkPriceCertHashes compares the hashes in cc hop by hop with the ones
// the cascade advertises.
func (c *Channel) checkPriceCertHashes(cc *pay.CostConfirmation) error {
	want := c.cfg.Pricing.PriceCertificateHashes()
	if len(cc.PriceCertHashes) != len(want) {
		return pay.NewError(pay.ErrInvalidPriceCertificates,
			"cost confirmation has %d price certificates, cascade has %d", len(cc.PriceCertHashes), len(want))
	}
	for i, h := range want {
		got, ok := cc.Hash(h.Position)
		if !ok {
			return pay.NewError(pay.ErrInvalidPriceCertificates,
				"price certificate of mix %d (%d) not found in cost confirmation", h.Position+1, i+1)
		}
		if got != h.Hash {
			return pay.NewError(pay.ErrInvalidPriceCertificates,
				"illegal price certificate hash for mix %d (%d)", h.Position+1, i+1)
		}
	}
	return nil
}
