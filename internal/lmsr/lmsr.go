// Package lmsr implements the Logarithmic Market Scoring Rule (LMSR)
// automated market maker over n-outcome classroom prediction markets.
//
// The LMSR was proposed by Robin Hanson and provides:
//   - Bounded loss for the market maker (capped at b * ln(n))
//   - Continuous pricing with infinite liquidity
//   - Path-independent cost function
//
// All monetary values use shopspring/decimal — never float64 for money.
// Internal transcendental math uses the log-sum-exp trick for numerical
// stability, with results immediately converted to decimal.
//
// Reference: Hanson, R. (2003) "Combinatorial Information Market Design"
package lmsr

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidLiquidity is returned when b <= 0.
	ErrInvalidLiquidity = errors.New("lmsr: liquidity parameter b must be positive")

	// ErrEmptyVector is returned when the outcome-share vector is empty.
	ErrEmptyVector = errors.New("lmsr: outcome vector q must be non-empty")

	// ErrOutcomeIndex is returned when a trade targets an index outside
	// [0, len(q)).
	ErrOutcomeIndex = errors.New("lmsr: outcome index out of range")

	// ErrNonFinite is returned when a quantity is too large for the
	// float64 stage of the computation (q_i/b overflows to ±Inf).
	ErrNonFinite = errors.New("lmsr: quantity out of numeric range")
)

// PriceScale is the number of decimal places for price rounding.
var PriceScale int32 = 8

// CostScale is the number of decimal places for cost rounding. Finer than
// PriceScale so buy/sell round trips cancel exactly at the ledger level.
var CostScale int32 = 12

// MarketMaker implements the LMSR cost function for n-outcome markets.
// It is stateless and reentrant — market quantities are passed as
// arguments, not stored, so a single instance may be shared across
// goroutines without synchronization.
type MarketMaker struct {
	b  decimal.Decimal
	bf float64
}

// NewMarketMaker creates an LMSR market maker with the given liquidity
// parameter b. Higher b → more liquidity, lower price impact per trade.
// Maximum market-maker loss is bounded by b * ln(n) for n outcomes.
func NewMarketMaker(b decimal.Decimal) (*MarketMaker, error) {
	if b.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidLiquidity
	}
	return &MarketMaker{b: b, bf: b.InexactFloat64()}, nil
}

// B returns the liquidity parameter.
func (m *MarketMaker) B() decimal.Decimal {
	return m.b
}

// logSumExp computes ln(Σ exp(x_i)) using the log-sum-exp trick to prevent
// floating-point overflow. Without this trick, exp(x) overflows float64
// when x > ~709.
//
// Algorithm: LSE(x) = max(x) + ln(Σ exp(x_i - max(x)))
// Since (x_i - max(x)) <= 0, all exp arguments are in [0, 1].
func logSumExp(xs []float64) float64 {
	if len(xs) == 0 {
		return math.Inf(-1)
	}

	maxVal := xs[0]
	for _, x := range xs[1:] {
		if x > maxVal {
			maxVal = x
		}
	}

	if math.IsInf(maxVal, -1) {
		return math.Inf(-1)
	}

	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - maxVal)
	}
	return maxVal + math.Log(sum)
}

// scaled converts a decimal q-vector to q_i/b in float64. Decimals hold
// magnitudes far beyond float64 range, so any entry that lands on ±Inf
// or NaN is rejected here before it can reach exp/log.
func (m *MarketMaker) scaled(q []decimal.Decimal) ([]float64, error) {
	xs := make([]float64, len(q))
	for i, qi := range q {
		x := qi.InexactFloat64() / m.bf
		if math.IsInf(x, 0) || math.IsNaN(x) {
			return nil, fmt.Errorf("%w: q[%d]/b does not fit in float64", ErrNonFinite, i)
		}
		xs[i] = x
	}
	return xs, nil
}

// Cost computes the LMSR cost function:
//
//	C(q) = b * ln(Σ exp(q_i / b))
//
// Uses logSumExp internally so |q_i/b| in the hundreds of thousands does
// not overflow.
func (m *MarketMaker) Cost(q []decimal.Decimal) (decimal.Decimal, error) {
	if len(q) == 0 {
		return decimal.Zero, ErrEmptyVector
	}
	xs, err := m.scaled(q)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromFloat(m.bf * logSumExp(xs)).Round(CostScale), nil
}

// Prices computes the instantaneous price (probability) vector:
//
//	p_i = exp(q_i/b) / Σ_j exp(q_j/b)
//
// This is the softmax function, computed with max-subtraction and
// re-normalized so the result sums to one despite floating-point drift.
func (m *MarketMaker) Prices(q []decimal.Decimal) ([]decimal.Decimal, error) {
	if len(q) == 0 {
		return nil, ErrEmptyVector
	}

	xs, err := m.scaled(q)
	if err != nil {
		return nil, err
	}
	maxVal := xs[0]
	for _, x := range xs[1:] {
		if x > maxVal {
			maxVal = x
		}
	}

	exps := make([]float64, len(xs))
	var sum float64
	for i, x := range xs {
		exps[i] = math.Exp(x - maxVal)
		sum += exps[i]
	}

	prices := make([]decimal.Decimal, len(exps))
	for i, e := range exps {
		prices[i] = decimal.NewFromFloat(e / sum).Round(PriceScale)
	}
	return prices, nil
}

// Quote is a read-only preview of one trade against the q-vector.
type Quote struct {
	// Cost is the signed trade cost: positive = trader pays,
	// negative = trader is paid.
	Cost decimal.Decimal

	// NewQ is the post-trade q-vector.
	NewQ []decimal.Decimal

	// NewPrices is the post-trade price vector.
	NewPrices []decimal.Decimal
}

// QuoteTrade prices a change of `shares` (signed) to outcome `idx`:
//
//	cost = C(q + shares·e_idx) - C(q)
//
// It performs no mutation; callers decide whether to apply NewQ.
func (m *MarketMaker) QuoteTrade(q []decimal.Decimal, idx int, shares decimal.Decimal) (*Quote, error) {
	if len(q) == 0 {
		return nil, ErrEmptyVector
	}
	if idx < 0 || idx >= len(q) {
		return nil, fmt.Errorf("%w: index %d not in [0, %d)", ErrOutcomeIndex, idx, len(q))
	}

	newQ := make([]decimal.Decimal, len(q))
	copy(newQ, q)
	newQ[idx] = newQ[idx].Add(shares)

	costBefore, err := m.Cost(q)
	if err != nil {
		return nil, err
	}
	costAfter, err := m.Cost(newQ)
	if err != nil {
		return nil, err
	}

	newPrices, err := m.Prices(newQ)
	if err != nil {
		return nil, err
	}

	return &Quote{
		Cost:      costAfter.Sub(costBefore),
		NewQ:      newQ,
		NewPrices: newPrices,
	}, nil
}

// Execution is a quote bundled with full before/after snapshots for the
// immutable trade record. Like QuoteTrade it performs no mutation; all
// state changes happen in the trade-execution transaction.
type Execution struct {
	Cost         decimal.Decimal
	BeforeQ      []decimal.Decimal
	AfterQ       []decimal.Decimal
	BeforePrices []decimal.Decimal
	AfterPrices  []decimal.Decimal
}

// Execute computes the audit bundle for one trade against outcome `idx`.
func (m *MarketMaker) Execute(q []decimal.Decimal, idx int, shares decimal.Decimal) (*Execution, error) {
	beforePrices, err := m.Prices(q)
	if err != nil {
		return nil, err
	}

	quote, err := m.QuoteTrade(q, idx, shares)
	if err != nil {
		return nil, err
	}

	beforeQ := make([]decimal.Decimal, len(q))
	copy(beforeQ, q)

	return &Execution{
		Cost:         quote.Cost,
		BeforeQ:      beforeQ,
		AfterQ:       quote.NewQ,
		BeforePrices: beforePrices,
		AfterPrices:  quote.NewPrices,
	}, nil
}

// MaxLoss returns the maximum possible loss for the market maker:
// b * ln(n) for n outcomes.
func (m *MarketMaker) MaxLoss(numOutcomes int) decimal.Decimal {
	loss := m.bf * math.Log(float64(numOutcomes))
	return decimal.NewFromFloat(loss).Round(CostScale)
}
