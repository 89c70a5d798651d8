// Package market manages the market lifecycle: creation, the status state
// machine, settings changes, and derived read views (sentiment, price
// history). Every mutation appends an audit entry in the same store
// transaction as the change.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/classcoin/market-engine/internal/lmsr"
	"github.com/classcoin/market-engine/internal/metrics"
	"github.com/classcoin/market-engine/internal/model"
	"github.com/classcoin/market-engine/internal/store"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidParameter  = errors.New("invalid parameter")
	ErrSettingsLocked    = errors.New("settings locked after go-live")
	ErrOutcomesLocked    = errors.New("outcomes locked after go-live")
)

// transitions is the allowed status state machine. Settled is terminal
// and is only entered through settlement.
var transitions = map[model.Status][]model.Status{
	model.StatusDraft:    {model.StatusPending, model.StatusLive},
	model.StatusPending:  {model.StatusLive},
	model.StatusLive:     {model.StatusPending, model.StatusResolved},
	model.StatusResolved: {model.StatusSettled},
	model.StatusSettled:  {},
}

func canTransition(from, to model.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func validType(t string) bool {
	switch t {
	case model.TypeConcept, model.TypeDeadline, model.TypeWellbeing:
		return true
	}
	return false
}

// Service owns market lifecycle operations.
type Service struct {
	store  store.Store
	logger *slog.Logger
}

// NewService creates a market service.
func NewService(st store.Store, logger *slog.Logger) *Service {
	return &Service{store: st, logger: logger}
}

// CreateParams describes a new market. Outcomes may be empty at creation
// and added while the market is still draft or pending.
type CreateParams struct {
	Title         string
	Description   string
	Type          string
	B             decimal.Decimal
	MaxPosition   decimal.Decimal
	MaxDailySpend decimal.Decimal
	OutcomeLabels []string
	ActorID       string
}

// Create makes a new market in draft status.
func (s *Service) Create(ctx context.Context, p CreateParams) (*model.Market, error) {
	if p.Title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidParameter)
	}
	if !validType(p.Type) {
		return nil, fmt.Errorf("%w: unknown market type %q", ErrInvalidParameter, p.Type)
	}
	if !p.B.IsPositive() {
		return nil, fmt.Errorf("%w: liquidity parameter must be positive, got %s", ErrInvalidParameter, p.B)
	}

	m := &model.Market{
		ID:            uuid.NewString(),
		Title:         p.Title,
		Description:   p.Description,
		Type:          p.Type,
		Status:        model.StatusDraft,
		B:             p.B,
		MaxPosition:   p.MaxPosition,
		MaxDailySpend: p.MaxDailySpend,
		CreatedAt:     time.Now().UTC(),
	}
	for i, label := range p.OutcomeLabels {
		m.Outcomes = append(m.Outcomes, model.Outcome{
			ID:           uuid.NewString(),
			MarketID:     m.ID,
			Label:        label,
			Q:            decimal.Zero,
			DisplayOrder: i,
		})
	}

	audit := newAudit(m.ID, "create", p.ActorID, nil, m)
	if err := s.store.CreateMarket(ctx, m, audit); err != nil {
		return nil, err
	}

	s.logger.Info("market created",
		"market_id", m.ID, "type", m.Type, "b", m.B.String(), "outcomes", len(m.Outcomes))
	return m, nil
}

// AddOutcome appends an outcome to a market that has not gone live yet.
func (s *Service) AddOutcome(ctx context.Context, marketID, label, actorID string) (*model.Outcome, error) {
	if label == "" {
		return nil, fmt.Errorf("%w: outcome label is required", ErrInvalidParameter)
	}

	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if m.Status != model.StatusDraft && m.Status != model.StatusPending {
		return nil, fmt.Errorf("%w: market %s is %s", ErrOutcomesLocked, m.ID, m.Status)
	}

	o := &model.Outcome{
		ID:           uuid.NewString(),
		MarketID:     m.ID,
		Label:        label,
		Q:            decimal.Zero,
		DisplayOrder: len(m.Outcomes),
	}

	audit := newAudit(m.ID, "add_outcome", actorID, nil, o)
	if err := s.store.AddOutcome(ctx, o, audit); err != nil {
		return nil, err
	}
	return o, nil
}

// SettingsParams are the mutable market settings. Nil fields are left
// unchanged.
type SettingsParams struct {
	B             *decimal.Decimal
	MaxPosition   *decimal.Decimal
	MaxDailySpend *decimal.Decimal
	ActorID       string
}

// UpdateSettings changes market parameters. Only allowed before go-live;
// changing b on a live market would reprice all open positions.
func (s *Service) UpdateSettings(ctx context.Context, marketID string, p SettingsParams) (*model.Market, error) {
	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if m.Status != model.StatusDraft && m.Status != model.StatusPending {
		return nil, fmt.Errorf("%w: market %s is %s", ErrSettingsLocked, m.ID, m.Status)
	}

	old := snapshotSettings(m)
	if p.B != nil {
		if !p.B.IsPositive() {
			return nil, fmt.Errorf("%w: liquidity parameter must be positive, got %s", ErrInvalidParameter, p.B)
		}
		m.B = *p.B
	}
	if p.MaxPosition != nil {
		m.MaxPosition = *p.MaxPosition
	}
	if p.MaxDailySpend != nil {
		m.MaxDailySpend = *p.MaxDailySpend
	}

	audit := newAudit(m.ID, "update_settings", p.ActorID, old, snapshotSettings(m))
	if err := s.store.UpdateMarket(ctx, m, audit); err != nil {
		return nil, err
	}
	return m, nil
}

// Get returns a market with its outcomes.
func (s *Service) Get(ctx context.Context, id string) (*model.Market, error) {
	return s.store.GetMarket(ctx, id)
}

// List returns markets matching the filter.
func (s *Service) List(ctx context.Context, f store.MarketFilter) ([]model.Market, error) {
	return s.store.ListMarkets(ctx, f)
}

// AuditTrail returns the audit entries recorded against a market.
func (s *Service) AuditTrail(ctx context.Context, marketID string) ([]model.AuditLog, error) {
	if _, err := s.store.GetMarket(ctx, marketID); err != nil {
		return nil, err
	}
	return s.store.ListAuditLog(ctx, marketID)
}

// Submit moves a draft market to pending review.
func (s *Service) Submit(ctx context.Context, marketID, actorID string) (*model.Market, error) {
	return s.transition(ctx, marketID, model.StatusPending, "submit", actorID, nil)
}

// Approve takes a draft or pending market live. A market needs at least
// two outcomes to price; going live freezes its outcome set and settings.
func (s *Service) Approve(ctx context.Context, marketID, actorID string) (*model.Market, error) {
	return s.transition(ctx, marketID, model.StatusLive, "approve", actorID, func(m *model.Market) error {
		if len(m.Outcomes) < 2 {
			return fmt.Errorf("%w: market needs at least 2 outcomes to go live, has %d",
				ErrInvalidParameter, len(m.Outcomes))
		}
		now := time.Now().UTC()
		m.LiveAt = &now
		return nil
	})
}

// Pause suspends trading on a live market. Positions and the q-vector
// are untouched; the market can go live again via Approve.
func (s *Service) Pause(ctx context.Context, marketID, actorID string) (*model.Market, error) {
	return s.transition(ctx, marketID, model.StatusPending, "pause", actorID, nil)
}

// Resolve fixes the winning outcome on a live market. Settlement is a
// separate step so payouts can be reviewed before coins move.
func (s *Service) Resolve(ctx context.Context, marketID, outcomeID, actorID string) (*model.Market, error) {
	return s.transition(ctx, marketID, model.StatusResolved, "resolve", actorID, func(m *model.Market) error {
		if m.OutcomeIndex(outcomeID) < 0 {
			return fmt.Errorf("%w: outcome %s not in market %s", store.ErrNotFound, outcomeID, m.ID)
		}
		now := time.Now().UTC()
		m.ResolvedOutcomeID = outcomeID
		m.ResolvedAt = &now
		return nil
	})
}

// transition applies the state machine with an optional mutation hook
// that runs after the transition is validated but before persistence.
func (s *Service) transition(ctx context.Context, marketID string, to model.Status, action, actorID string, mutate func(*model.Market) error) (*model.Market, error) {
	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if !canTransition(m.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, to)
	}

	from := m.Status
	m.Status = to
	if mutate != nil {
		if err := mutate(m); err != nil {
			return nil, err
		}
	}

	audit := newAudit(m.ID, action, actorID,
		map[string]string{"status": string(from)},
		map[string]string{"status": string(to)})
	if err := s.store.UpdateMarket(ctx, m, audit); err != nil {
		return nil, err
	}

	if to == model.StatusLive && from != model.StatusLive {
		metrics.LiveMarkets.Inc()
	}
	if from == model.StatusLive && to != model.StatusLive {
		metrics.LiveMarkets.Dec()
	}

	s.logger.Info("market transition",
		"market_id", m.ID, "from", from, "to", to, "actor", actorID)
	return m, nil
}

// OutcomeSentiment is one outcome's current price and share interest.
type OutcomeSentiment struct {
	OutcomeID string          `json:"outcome_id"`
	Label     string          `json:"label"`
	Price     decimal.Decimal `json:"price"`
	Shares    decimal.Decimal `json:"shares"`
}

// Sentiment returns the current price vector, which the LMSR interprets
// as the market's probability estimate per outcome.
func (s *Service) Sentiment(ctx context.Context, marketID string) ([]OutcomeSentiment, error) {
	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}

	mm, err := lmsr.NewMarketMaker(m.B)
	if err != nil {
		return nil, err
	}
	prices, err := mm.Prices(m.QVector())
	if err != nil {
		return nil, err
	}

	out := make([]OutcomeSentiment, len(m.Outcomes))
	for i, o := range m.Outcomes {
		out[i] = OutcomeSentiment{
			OutcomeID: o.ID,
			Label:     o.Label,
			Price:     prices[i],
			Shares:    o.Q,
		}
	}
	return out, nil
}

// PricePoint is one sample of the post-trade price vector.
type PricePoint struct {
	TradeID string                     `json:"trade_id"`
	At      time.Time                  `json:"at"`
	Prices  map[string]decimal.Decimal `json:"prices"`
}

// PriceHistory replays the trade ledger's post-trade price snapshots in
// chronological order.
func (s *Service) PriceHistory(ctx context.Context, marketID string) ([]PricePoint, error) {
	if _, err := s.store.GetMarket(ctx, marketID); err != nil {
		return nil, err
	}

	trades, err := s.store.ListTradesByMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}

	points := make([]PricePoint, len(trades))
	for i, t := range trades {
		points[i] = PricePoint{TradeID: t.ID, At: t.CreatedAt, Prices: t.AfterPrices}
	}
	return points, nil
}

func snapshotSettings(m *model.Market) map[string]string {
	return map[string]string{
		"b":               m.B.String(),
		"max_position":    m.MaxPosition.String(),
		"max_daily_spend": m.MaxDailySpend.String(),
	}
}

func newAudit(marketID, action, actorID string, oldData, newData interface{}) *model.AuditLog {
	a := &model.AuditLog{
		ID:         uuid.NewString(),
		EntityType: "market",
		EntityID:   marketID,
		Action:     action,
		ActorID:    actorID,
		CreatedAt:  time.Now().UTC(),
	}
	if oldData != nil {
		if data, err := json.Marshal(oldData); err == nil {
			a.OldData = string(data)
		}
	}
	if newData != nil {
		if data, err := json.Marshal(newData); err == nil {
			a.NewData = string(data)
		}
	}
	return a
}
