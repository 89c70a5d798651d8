// Package risk implements the pre-trade guard layer: portfolio risk cap,
// per-outcome position cap, rolling daily spend cap, and the oversell
// guard. Each guard is independent and pure — all inputs are passed in,
// so tests can exercise extreme limits deterministically.
package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrRiskCapExceeded is returned when a buy would push total invested
	// capital past the platform-wide portfolio risk percentage.
	ErrRiskCapExceeded = errors.New("risk: portfolio risk cap exceeded")

	// ErrPositionCapExceeded is returned when a buy would push the user's
	// net shares in one outcome past the market's max position.
	ErrPositionCapExceeded = errors.New("risk: position cap exceeded")

	// ErrDailySpendExceeded is returned when a buy would push the user's
	// trailing-24h spend in one market past the market's daily cap.
	ErrDailySpendExceeded = errors.New("risk: daily spend cap exceeded")

	// ErrOversell is returned when a sell exceeds the user's current
	// holdings. Short positions are not a product feature.
	ErrOversell = errors.New("risk: sell exceeds current holdings")
)

// Limits carries the platform-wide risk constants. Passed explicitly into
// the Checker so nothing reads ambient global state.
type Limits struct {
	// RiskPct is the fraction of total portfolio value (balance +
	// invested) a user may have at risk at once, e.g. 0.5.
	RiskPct decimal.Decimal

	// DefaultMaxPosition applies when a market has no position cap set.
	DefaultMaxPosition decimal.Decimal

	// DefaultMaxDailySpend applies when a market has no daily cap set.
	DefaultMaxDailySpend decimal.Decimal
}

// Checker evaluates the guards. A trade is admitted only if every guard
// passes; there is no partial admission.
type Checker struct {
	limits Limits
}

// NewChecker creates a guard checker with the given limits.
func NewChecker(limits Limits) *Checker {
	return &Checker{limits: limits}
}

// Limits returns the configured limits.
func (c *Checker) Limits() Limits {
	return c.limits
}

// CheckRiskCap enforces the portfolio risk cap on buys.
//
// Invested capital after the trade (current invested + positive cost) must
// not exceed RiskPct of the total portfolio (balance + current invested).
// Sells never increase risk, so non-positive costs always pass.
func (c *Checker) CheckRiskCap(balance, totalInvested, cost decimal.Decimal) error {
	if cost.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	portfolio := balance.Add(totalInvested)
	if portfolio.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: portfolio value %s is not positive",
			ErrRiskCapExceeded, portfolio)
	}

	newInvested := totalInvested.Add(cost)
	limit := portfolio.Mul(c.limits.RiskPct)
	if newInvested.GreaterThan(limit) {
		return fmt.Errorf("%w: investing %s of %s portfolio exceeds %s%% limit",
			ErrRiskCapExceeded, newInvested, portfolio,
			c.limits.RiskPct.Mul(decimal.NewFromInt(100)))
	}
	return nil
}

// CheckPositionCap enforces the per-outcome position cap on buys.
// Sells can never breach it.
func (c *Checker) CheckPositionCap(currentShares, shares, maxPosition decimal.Decimal) error {
	if shares.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	if maxPosition.LessThanOrEqual(decimal.Zero) {
		maxPosition = c.limits.DefaultMaxPosition
	}

	newShares := currentShares.Add(shares)
	if newShares.GreaterThan(maxPosition) {
		return fmt.Errorf("%w: position %s exceeds max %s",
			ErrPositionCapExceeded, newShares, maxPosition)
	}
	return nil
}

// CheckDailySpend enforces the trailing-24h spend cap on buys.
// spentToday is the sum of positive-cost trades in this market.
func (c *Checker) CheckDailySpend(spentToday, cost, maxDailySpend decimal.Decimal) error {
	if cost.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	if maxDailySpend.LessThanOrEqual(decimal.Zero) {
		maxDailySpend = c.limits.DefaultMaxDailySpend
	}

	newSpend := spentToday.Add(cost)
	if newSpend.GreaterThan(maxDailySpend) {
		return fmt.Errorf("%w: spend %s exceeds daily limit %s",
			ErrDailySpendExceeded, newSpend, maxDailySpend)
	}
	return nil
}

// CheckSellBounds rejects sells larger than the user's current holdings.
// shares is the signed trade quantity; buys pass trivially.
func (c *Checker) CheckSellBounds(currentShares, shares decimal.Decimal) error {
	if shares.GreaterThanOrEqual(decimal.Zero) {
		return nil
	}
	if shares.Neg().GreaterThan(currentShares) {
		return fmt.Errorf("%w: selling %s with only %s held",
			ErrOversell, shares.Neg(), currentShares)
	}
	return nil
}
