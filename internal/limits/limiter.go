// Package limits implements pre-trade risk limits for paper portfolios.
//
// A buy is checked against the portfolio's available balance twice: once for
// the cash needed to pay for it (notional plus commission) and once for its
// size relative to the balance, so no single purchase can concentrate more
// than a fixed fraction of the account in one order.
package limits

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrBelowMinNotional is returned when quantity × price is smaller than
	// the minimum order value.
	ErrBelowMinNotional = errors.New("limits: order notional below minimum")

	// ErrInsufficientFunds is returned when the balance cannot cover the
	// notional plus commission.
	ErrInsufficientFunds = errors.New("limits: insufficient funds")

	// ErrPositionSizeExceeded is returned when a buy's notional is larger
	// than the allowed fraction of the current balance.
	ErrPositionSizeExceeded = errors.New("limits: position size exceeded")
)

// Commission computes the fee charged on an execution: a proportional rate
// with a floor.
type Commission struct {
	Rate    decimal.Decimal
	Minimum decimal.Decimal
}

// For returns max(notional × Rate, Minimum).
func (c Commission) For(notional decimal.Decimal) decimal.Decimal {
	fee := notional.Mul(c.Rate)
	if fee.LessThan(c.Minimum) {
		return c.Minimum
	}
	return fee
}

// PositionLimiter enforces order size limits.
type PositionLimiter struct {
	// MinNotional is the smallest accepted quantity × price.
	MinNotional decimal.Decimal

	// Commission prices the fee included in the funds check.
	Commission Commission
}

// NewPositionLimiter creates a limiter with the given minimum notional and
// commission schedule.
func NewPositionLimiter(minNotional decimal.Decimal, commission Commission) *PositionLimiter {
	if minNotional.IsNegative() {
		minNotional = decimal.Zero
	}
	return &PositionLimiter{
		MinNotional: minNotional,
		Commission:  commission,
	}
}

// CheckNotional validates the minimum order value.
func (l *PositionLimiter) CheckNotional(notional decimal.Decimal) error {
	if notional.LessThan(l.MinNotional) {
		return ErrBelowMinNotional
	}
	return nil
}

// CheckBuy validates whether a buy respects balance and sizing limits.
//
// Parameters:
//   - notional: quantity × reference price of the buy
//   - balance: the portfolio's current cash balance
//   - maxFraction: largest share of balance one buy may use (0.10 = 10%)
//
// Returns nil if the buy is within limits, or an error describing the
// first violation.
func (l *PositionLimiter) CheckBuy(notional, balance, maxFraction decimal.Decimal) error {
	if err := l.CheckNotional(notional); err != nil {
		return err
	}

	// 1. Funds: notional + commission must be covered.
	required := notional.Add(l.Commission.For(notional))
	if required.GreaterThan(balance) {
		return ErrInsufficientFunds
	}

	// 2. Position size relative to the current balance.
	if maxFraction.IsPositive() && notional.GreaterThan(balance.Mul(maxFraction)) {
		return ErrPositionSizeExceeded
	}

	return nil
}
