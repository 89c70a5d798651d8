package risk

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestChecker() *Checker {
	return NewChecker(Limits{
		RiskPct:              d(0.5),
		DefaultMaxPosition:   d(500),
		DefaultMaxDailySpend: d(200),
	})
}

// --- Risk cap ---

func TestCheckRiskCap_WithinLimit(t *testing.T) {
	c := newTestChecker()
	// balance 900, invested 100 → portfolio 1000, cap 500.
	if err := c.CheckRiskCap(d(900), d(100), d(300)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestCheckRiskCap_Exceeded(t *testing.T) {
	c := newTestChecker()
	// invested 100 + cost 450 = 550 > 500 cap.
	err := c.CheckRiskCap(d(900), d(100), d(450))
	if !errors.Is(err, ErrRiskCapExceeded) {
		t.Errorf("expected ErrRiskCapExceeded, got %v", err)
	}
}

func TestCheckRiskCap_SellsAlwaysPass(t *testing.T) {
	c := newTestChecker()
	// Fully invested already; a sell (negative cost) must still pass.
	if err := c.CheckRiskCap(d(0), d(1000), d(-50)); err != nil {
		t.Errorf("sell should never trip risk cap: %v", err)
	}
	if err := c.CheckRiskCap(d(0), d(1000), d(0)); err != nil {
		t.Errorf("zero cost should pass: %v", err)
	}
}

func TestCheckRiskCap_EmptyPortfolio(t *testing.T) {
	c := newTestChecker()
	err := c.CheckRiskCap(d(0), d(0), d(10))
	if !errors.Is(err, ErrRiskCapExceeded) {
		t.Errorf("expected ErrRiskCapExceeded for empty portfolio, got %v", err)
	}
}

func TestCheckRiskCap_ExtremeLimits(t *testing.T) {
	// RiskPct 1.0 admits everything up to the full portfolio.
	permissive := NewChecker(Limits{RiskPct: d(1.0)})
	if err := permissive.CheckRiskCap(d(100), d(0), d(100)); err != nil {
		t.Errorf("100%% risk pct should admit full-balance buy: %v", err)
	}

	// RiskPct 0 rejects any buy.
	strict := NewChecker(Limits{RiskPct: d(0)})
	if err := strict.CheckRiskCap(d(1000), d(0), d(0.01)); !errors.Is(err, ErrRiskCapExceeded) {
		t.Errorf("0%% risk pct should reject any buy, got %v", err)
	}
}

// --- Position cap ---

func TestCheckPositionCap_WithinLimit(t *testing.T) {
	c := newTestChecker()
	if err := c.CheckPositionCap(d(100), d(50), d(200)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestCheckPositionCap_Exceeded(t *testing.T) {
	c := newTestChecker()
	err := c.CheckPositionCap(d(180), d(50), d(200))
	if !errors.Is(err, ErrPositionCapExceeded) {
		t.Errorf("expected ErrPositionCapExceeded, got %v", err)
	}
}

func TestCheckPositionCap_SellsNeverBreach(t *testing.T) {
	c := newTestChecker()
	// Already over the cap; a sell must still pass.
	if err := c.CheckPositionCap(d(1000), d(-100), d(200)); err != nil {
		t.Errorf("sell should never trip position cap: %v", err)
	}
}

func TestCheckPositionCap_DefaultLimit(t *testing.T) {
	c := newTestChecker()
	// Market cap unset (zero) → default 500 applies.
	if err := c.CheckPositionCap(d(450), d(60), d(0)); !errors.Is(err, ErrPositionCapExceeded) {
		t.Errorf("expected default cap to apply, got %v", err)
	}
	if err := c.CheckPositionCap(d(450), d(40), d(0)); err != nil {
		t.Errorf("within default cap: %v", err)
	}
}

// --- Daily spend cap ---

func TestCheckDailySpend_WithinLimit(t *testing.T) {
	c := newTestChecker()
	if err := c.CheckDailySpend(d(100), d(50), d(200)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestCheckDailySpend_Exceeded(t *testing.T) {
	c := newTestChecker()
	err := c.CheckDailySpend(d(180), d(50), d(200))
	if !errors.Is(err, ErrDailySpendExceeded) {
		t.Errorf("expected ErrDailySpendExceeded, got %v", err)
	}
}

func TestCheckDailySpend_SellsIgnored(t *testing.T) {
	c := newTestChecker()
	if err := c.CheckDailySpend(d(200), d(-10), d(200)); err != nil {
		t.Errorf("sell should never trip daily spend cap: %v", err)
	}
}

// --- Oversell guard ---

func TestCheckSellBounds_WithinHoldings(t *testing.T) {
	c := newTestChecker()
	if err := c.CheckSellBounds(d(100), d(-100)); err != nil {
		t.Errorf("selling exactly current holdings should pass: %v", err)
	}
	if err := c.CheckSellBounds(d(100), d(-50)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestCheckSellBounds_Oversell(t *testing.T) {
	c := newTestChecker()
	err := c.CheckSellBounds(d(100), d(-101))
	if !errors.Is(err, ErrOversell) {
		t.Errorf("expected ErrOversell, got %v", err)
	}
	err = c.CheckSellBounds(d(0), d(-1))
	if !errors.Is(err, ErrOversell) {
		t.Errorf("expected ErrOversell with zero holdings, got %v", err)
	}
}

func TestCheckSellBounds_BuysPass(t *testing.T) {
	c := newTestChecker()
	if err := c.CheckSellBounds(d(0), d(50)); err != nil {
		t.Errorf("buys should pass trivially: %v", err)
	}
}
