package domain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Intent marks which side of an approval must be fully filled before the
// approval closes.
type Intent string

const (
	IntentBuyAll  Intent = "buyAll"
	IntentSellAll Intent = "sellAll"
)

// ApprovalStatus tracks the approval lifecycle. Closed and canceled are
// terminal; a terminal approval is immutable.
type ApprovalStatus string

const (
	ApprovalStatusOpen     ApprovalStatus = "open"
	ApprovalStatusClosed   ApprovalStatus = "closed"
	ApprovalStatusCanceled ApprovalStatus = "canceled"
)

// Approval is a client-signed intent to trade: buy Buy.Amount of
// Buy.Asset against at most Sell.Amount of Sell.Asset in a given round.
// FilledBuy and FilledSell increase monotonically as fills are applied.
type Approval struct {
	ID         string
	Round      uint64
	Buy        AssetAmount
	Sell       AssetAmount
	Intent     Intent
	Owner      common.Address
	InstanceID common.Address
	Signature  []byte

	FilledBuy  decimal.Decimal
	FilledSell decimal.Decimal
	Status     ApprovalStatus
}

// Validate checks the immutable fields of a freshly submitted approval.
// Fee approvals are a degenerate case with a forced zero buy amount.
func (a Approval) Validate(fee bool) error {
	if a.ID == "" {
		return fmt.Errorf("approval: empty id: %w", ErrNotFound)
	}
	if fee {
		if !a.Buy.Amount.IsZero() {
			return fmt.Errorf("approval %s: fee buy amount must be zero: %w", a.ID, ErrInvalidAmount)
		}
	} else if a.Buy.Amount.Sign() <= 0 {
		return fmt.Errorf("approval %s: buy amount: %w", a.ID, ErrInvalidAmount)
	}
	if a.Sell.Amount.Sign() <= 0 {
		return fmt.Errorf("approval %s: sell amount: %w", a.ID, ErrInvalidAmount)
	}
	if a.Intent != IntentBuyAll && a.Intent != IntentSellAll {
		return fmt.Errorf("approval %s: unknown intent %q", a.ID, a.Intent)
	}
	return nil
}

// RemainingSell returns the still-locked portion of the sell leg.
func (a Approval) RemainingSell() decimal.Decimal {
	return a.Sell.Amount.Sub(a.FilledSell)
}

// TargetReached reports whether the intent side has been filled to its
// target amount.
func (a Approval) TargetReached() bool {
	if a.Intent == IntentBuyAll {
		return a.FilledBuy.GreaterThanOrEqual(a.Buy.Amount)
	}
	return a.FilledSell.GreaterThanOrEqual(a.Sell.Amount)
}

// ApplyFill records a fill against the approval, advancing the filled
// totals and closing the approval once the intent target is reached.
// Terminal approvals reject further fills.
func (a *Approval) ApplyFill(f Fill) error {
	if a.Status != ApprovalStatusOpen {
		return fmt.Errorf("approval %s is %s: %w", a.ID, a.Status, ErrOrderClosed)
	}
	a.FilledBuy = a.FilledBuy.Add(f.BuyAmount)
	a.FilledSell = a.FilledSell.Add(f.SellAmount)
	if a.TargetReached() {
		a.Status = ApprovalStatusClosed
	}
	return nil
}

// Cancel transitions an open approval to canceled.
func (a *Approval) Cancel() error {
	if a.Status != ApprovalStatusOpen {
		return fmt.Errorf("approval %s is %s: %w", a.ID, a.Status, ErrOrderClosed)
	}
	a.Status = ApprovalStatusCanceled
	return nil
}
