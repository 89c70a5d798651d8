// Package trade executes trades against the LMSR market maker: quoting,
// balance and risk validation, and the atomic ledger write. Execution is
// serialized per market so concurrent trades see a consistent q-vector.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/classcoin/market-engine/internal/lmsr"
	"github.com/classcoin/market-engine/internal/metrics"
	"github.com/classcoin/market-engine/internal/model"
	"github.com/classcoin/market-engine/internal/risk"
	"github.com/classcoin/market-engine/internal/store"
)

var (
	ErrMarketNotLive = errors.New("market not open for trading")
	ErrInvalidShares = errors.New("share quantity must be non-zero")
)

// DefaultLockWait bounds how long a trade waits for the market lock.
const DefaultLockWait = 3 * time.Second

// Service executes and reports trades.
type Service struct {
	store    store.Store
	risk     *risk.Checker
	logger   *slog.Logger
	locks    *marketLocks
	lockWait time.Duration
}

// NewService creates a trade service. lockWait <= 0 uses DefaultLockWait.
func NewService(st store.Store, rc *risk.Checker, logger *slog.Logger, lockWait time.Duration) *Service {
	if lockWait <= 0 {
		lockWait = DefaultLockWait
	}
	return &Service{
		store:    st,
		risk:     rc,
		logger:   logger,
		locks:    newMarketLocks(),
		lockWait: lockWait,
	}
}

// QuoteResult is a read-only trade preview. Nothing is persisted.
type QuoteResult struct {
	MarketID      string                     `json:"market_id"`
	OutcomeID     string                     `json:"outcome_id"`
	Shares        decimal.Decimal            `json:"shares"`
	Cost          decimal.Decimal            `json:"cost"`
	PricePerShare decimal.Decimal            `json:"price_per_share"`
	CurrentPrices map[string]decimal.Decimal `json:"current_prices"`
	NewPrices     map[string]decimal.Decimal `json:"new_prices"`
}

// Quote prices a prospective trade without executing it.
func (s *Service) Quote(ctx context.Context, marketID, outcomeID string, shares decimal.Decimal) (*QuoteResult, error) {
	if shares.IsZero() {
		return nil, ErrInvalidShares
	}

	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if m.Status != model.StatusLive {
		return nil, fmt.Errorf("%w: market %s is %s", ErrMarketNotLive, m.ID, m.Status)
	}
	idx := m.OutcomeIndex(outcomeID)
	if idx < 0 {
		return nil, fmt.Errorf("%w: outcome %s not in market %s", store.ErrNotFound, outcomeID, m.ID)
	}

	mm, err := lmsr.NewMarketMaker(m.B)
	if err != nil {
		return nil, err
	}
	current, err := mm.Prices(m.QVector())
	if err != nil {
		return nil, err
	}
	q, err := mm.QuoteTrade(m.QVector(), idx, shares)
	if err != nil {
		return nil, err
	}

	perShare := decimal.Zero
	if !shares.IsZero() {
		perShare = q.Cost.Div(shares).Round(lmsr.PriceScale)
	}

	return &QuoteResult{
		MarketID:      m.ID,
		OutcomeID:     outcomeID,
		Shares:        shares,
		Cost:          q.Cost,
		PricePerShare: perShare,
		CurrentPrices: byOutcome(m, current),
		NewPrices:     byOutcome(m, q.NewPrices),
	}, nil
}

// ExecuteParams describes one trade request. Shares is signed: positive
// buys, negative sells.
type ExecuteParams struct {
	UserID    string
	MarketID  string
	OutcomeID string
	Shares    decimal.Decimal
}

// Execute runs the full trade transaction: market lock, quote, balance
// check, risk checks, then the atomic ledger write. On any failure no
// state changes.
func (s *Service) Execute(ctx context.Context, p ExecuteParams) (*model.Trade, error) {
	if p.Shares.IsZero() {
		return nil, ErrInvalidShares
	}

	start := time.Now()
	direction := "buy"
	if p.Shares.IsNegative() {
		direction = "sell"
	}

	if err := s.locks.acquire(ctx, p.MarketID, s.lockWait); err != nil {
		return nil, err
	}
	defer s.locks.release(p.MarketID)

	m, err := s.store.GetMarket(ctx, p.MarketID)
	if err != nil {
		return nil, err
	}
	if m.Status != model.StatusLive {
		return nil, fmt.Errorf("%w: market %s is %s", ErrMarketNotLive, m.ID, m.Status)
	}
	idx := m.OutcomeIndex(p.OutcomeID)
	if idx < 0 {
		return nil, fmt.Errorf("%w: outcome %s not in market %s", store.ErrNotFound, p.OutcomeID, m.ID)
	}

	mm, err := lmsr.NewMarketMaker(m.B)
	if err != nil {
		return nil, err
	}
	exec, err := mm.Execute(m.QVector(), idx, p.Shares)
	if err != nil {
		return nil, err
	}

	user, err := s.store.GetUser(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	// Funds before risk: the trader learns the cheapest-to-fix problem
	// first. The store re-verifies under its own row lock.
	if exec.Cost.IsPositive() && user.Balance.LessThan(exec.Cost) {
		return nil, fmt.Errorf("%w: balance %s, need %s (short %s)",
			store.ErrInsufficientFunds, user.Balance, exec.Cost,
			exec.Cost.Sub(user.Balance))
	}

	position, err := s.currentPosition(ctx, p)
	if err != nil {
		return nil, err
	}

	if err := s.runRiskChecks(ctx, p, m, user, position, exec.Cost); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	trade := &model.Trade{
		ID:           uuid.NewString(),
		MarketID:     m.ID,
		UserID:       p.UserID,
		OutcomeID:    p.OutcomeID,
		Shares:       p.Shares,
		Cost:         exec.Cost,
		BeforeQ:      byOutcome(m, exec.BeforeQ),
		AfterQ:       byOutcome(m, exec.AfterQ),
		BeforePrices: byOutcome(m, exec.BeforePrices),
		AfterPrices:  byOutcome(m, exec.AfterPrices),
		CreatedAt:    now,
	}

	app := &store.TradeApplication{
		Trade:    trade,
		NewQ:     byOutcome(m, exec.AfterQ),
		Position: nextPosition(position, p, exec.Cost, now),
	}
	if err := s.store.ApplyTrade(ctx, app); err != nil {
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues(direction).Inc()
	metrics.TradeLatency.WithLabelValues(direction).Observe(time.Since(start).Seconds())
	metrics.MarketVolume.WithLabelValues(m.ID, direction).Add(p.Shares.Abs().InexactFloat64())

	s.logger.Info("trade executed",
		"trade_id", trade.ID,
		"market_id", m.ID,
		"user_id", p.UserID,
		"outcome_id", p.OutcomeID,
		"shares", p.Shares.String(),
		"cost", exec.Cost.String(),
		"direction", direction)

	return trade, nil
}

// currentPosition loads the user's holdings in the target outcome, or a
// zero position if they have never traded it.
func (s *Service) currentPosition(ctx context.Context, p ExecuteParams) (*model.Position, error) {
	position, err := s.store.GetPosition(ctx, p.UserID, p.MarketID, p.OutcomeID)
	if errors.Is(err, store.ErrNotFound) {
		return &model.Position{
			UserID:    p.UserID,
			MarketID:  p.MarketID,
			OutcomeID: p.OutcomeID,
			Shares:    decimal.Zero,
		}, nil
	}
	return position, err
}

func (s *Service) runRiskChecks(ctx context.Context, p ExecuteParams, m *model.Market, user *model.User, position *model.Position, cost decimal.Decimal) error {
	if p.Shares.IsNegative() {
		if err := s.risk.CheckSellBounds(position.Shares, p.Shares); err != nil {
			metrics.RiskRejections.WithLabelValues("oversell").Inc()
			return err
		}
		return nil
	}

	open, err := s.store.ListOpenPositions(ctx, p.UserID)
	if err != nil {
		return err
	}
	totalInvested := decimal.Zero
	for i := range open {
		totalInvested = totalInvested.Add(open[i].Invested())
	}

	if err := s.risk.CheckRiskCap(user.Balance, totalInvested, cost); err != nil {
		metrics.RiskRejections.WithLabelValues("risk_cap").Inc()
		return err
	}
	if err := s.risk.CheckPositionCap(position.Shares, p.Shares, m.MaxPosition); err != nil {
		metrics.RiskRejections.WithLabelValues("position_cap").Inc()
		return err
	}

	since := time.Now().UTC().Add(-24 * time.Hour)
	spentToday, err := s.store.SumDailySpend(ctx, p.UserID, p.MarketID, since)
	if err != nil {
		return err
	}
	if err := s.risk.CheckDailySpend(spentToday, cost, m.MaxDailySpend); err != nil {
		metrics.RiskRejections.WithLabelValues("daily_spend").Inc()
		return err
	}
	return nil
}

// nextPosition computes the post-trade position. Buys blend the average
// cost per share (VWAP); sells keep it and reduce shares, clamping at 0.
func nextPosition(cur *model.Position, p ExecuteParams, cost decimal.Decimal, now time.Time) *model.Position {
	next := &model.Position{
		ID:              cur.ID,
		UserID:          p.UserID,
		MarketID:        p.MarketID,
		OutcomeID:       p.OutcomeID,
		AvgCostPerShare: cur.AvgCostPerShare,
		UpdatedAt:       now,
	}
	if next.ID == "" {
		next.ID = uuid.NewString()
	}

	if p.Shares.IsPositive() {
		newShares := cur.Shares.Add(p.Shares)
		totalCost := cur.Invested().Add(cost)
		next.Shares = newShares
		if newShares.IsPositive() {
			next.AvgCostPerShare = totalCost.Div(newShares).Round(lmsr.CostScale)
		}
		return next
	}

	next.Shares = cur.Shares.Add(p.Shares)
	if next.Shares.IsNegative() {
		next.Shares = decimal.Zero
	}
	if next.Shares.IsZero() {
		next.AvgCostPerShare = decimal.Zero
	}
	return next
}

func byOutcome(m *model.Market, values []decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(values))
	for i, o := range m.Outcomes {
		out[o.ID] = values[i]
	}
	return out
}

// Portfolio summarizes a user's balance against capital at risk in open
// markets.
func (s *Service) Portfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	open, err := s.store.ListOpenPositions(ctx, userID)
	if err != nil {
		return nil, err
	}

	totalInvested := decimal.Zero
	for i := range open {
		totalInvested = totalInvested.Add(open[i].Invested())
	}

	total := user.Balance.Add(totalInvested)
	riskPct := decimal.Zero
	if total.IsPositive() {
		riskPct = totalInvested.Div(total).Mul(decimal.NewFromInt(100)).Round(2)
	}

	return &model.Portfolio{
		UserID:        userID,
		Balance:       user.Balance,
		TotalInvested: totalInvested,
		TotalValue:    total,
		RiskPct:       riskPct,
	}, nil
}

// Positions returns the user's holdings joined with market context and a
// mark-to-market valuation.
func (s *Service) Positions(ctx context.Context, userID string) ([]model.PositionView, error) {
	positions, err := s.store.ListPositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	views := make([]model.PositionView, 0, len(positions))
	for _, p := range positions {
		m, err := s.store.GetMarket(ctx, p.MarketID)
		if err != nil {
			return nil, err
		}

		view := model.PositionView{Position: p, MarketStatus: m.Status, MarketTitle: m.Title}
		if i := m.OutcomeIndex(p.OutcomeID); i >= 0 {
			view.OutcomeLabel = m.Outcomes[i].Label
		}

		switch m.Status {
		case model.StatusResolved, model.StatusSettled:
			if m.ResolvedOutcomeID == p.OutcomeID {
				view.State = "won"
				view.CurrentPrice = decimal.NewFromInt(1)
			} else {
				view.State = "lost"
				view.CurrentPrice = decimal.Zero
			}
		default:
			view.State = "open"
			mm, err := lmsr.NewMarketMaker(m.B)
			if err != nil {
				return nil, err
			}
			prices, err := mm.Prices(m.QVector())
			if err != nil {
				return nil, err
			}
			if i := m.OutcomeIndex(p.OutcomeID); i >= 0 {
				view.CurrentPrice = prices[i]
			}
		}

		value := p.Shares.Mul(view.CurrentPrice)
		view.PnL = value.Sub(p.Invested()).Round(lmsr.PriceScale)
		views = append(views, view)
	}
	return views, nil
}

// RecentTrades returns the user's latest trades, newest first.
func (s *Service) RecentTrades(ctx context.Context, userID string, limit int) ([]model.Trade, error) {
	return s.store.ListTradesByUser(ctx, userID, limit)
}

// MarketTrades returns every trade in a market in chronological order.
func (s *Service) MarketTrades(ctx context.Context, marketID string) ([]model.Trade, error) {
	if _, err := s.store.GetMarket(ctx, marketID); err != nil {
		return nil, err
	}
	return s.store.ListTradesByMarket(ctx, marketID)
}
