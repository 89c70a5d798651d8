// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is a market's lifecycle state. Transitions are governed by the
// market package; no other code assigns Status directly.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusPending  Status = "pending"
	StatusLive     Status = "live"
	StatusResolved Status = "resolved"
	StatusSettled  Status = "settled"
)

// Supported market types.
const (
	TypeConcept   = "concept"
	TypeDeadline  = "deadline"
	TypeWellbeing = "wellbeing"
)

// Market is one tradable instrument backed by the LMSR market maker.
// Outcomes is order-significant (sorted by DisplayOrder) and fixed once
// the market goes live.
type Market struct {
	ID                string          `json:"id" db:"id"`
	Title             string          `json:"title" db:"title"`
	Description       string          `json:"description,omitempty" db:"description"`
	Type              string          `json:"type" db:"type"` // concept | deadline | wellbeing
	Status            Status          `json:"status" db:"status"`
	B                 decimal.Decimal `json:"b" db:"b"` // LMSR liquidity parameter
	MaxPosition       decimal.Decimal `json:"max_position" db:"max_position"`
	MaxDailySpend     decimal.Decimal `json:"max_daily_spend" db:"max_daily_spend"`
	ResolvedOutcomeID string          `json:"resolved_outcome_id,omitempty" db:"resolved_outcome_id"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	LiveAt            *time.Time      `json:"live_at,omitempty" db:"live_at"`
	ResolvedAt        *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`

	// Outcomes are loaded alongside the market, sorted by DisplayOrder.
	Outcomes []Outcome `json:"outcomes,omitempty" db:"-"`
}

// QVector returns the outstanding-share vector in display order.
func (m *Market) QVector() []decimal.Decimal {
	q := make([]decimal.Decimal, len(m.Outcomes))
	for i, o := range m.Outcomes {
		q[i] = o.Q
	}
	return q
}

// OutcomeIndex returns the display-order index of an outcome id, or -1.
func (m *Market) OutcomeIndex(outcomeID string) int {
	for i, o := range m.Outcomes {
		if o.ID == outcomeID {
			return i
		}
	}
	return -1
}

// Outcome is one leg of a market. Q is the net quantity of shares the
// market maker has issued against it; only the trade transaction mutates it.
type Outcome struct {
	ID           string          `json:"id" db:"id"`
	MarketID     string          `json:"market_id" db:"market_id"`
	Label        string          `json:"label" db:"label"`
	Q            decimal.Decimal `json:"q" db:"q"`
	DisplayOrder int             `json:"display_order" db:"display_order"`
}

// Trade is an immutable record of one executed trade. Once created, these
// are never modified or deleted. The before/after maps snapshot the full
// q-vector and price vector keyed by outcome id.
type Trade struct {
	ID           string                     `json:"id" db:"id"`
	MarketID     string                     `json:"market_id" db:"market_id"`
	UserID       string                     `json:"user_id" db:"user_id"`
	OutcomeID    string                     `json:"outcome_id" db:"outcome_id"`
	Shares       decimal.Decimal            `json:"shares" db:"shares"` // signed: +buy, -sell
	Cost         decimal.Decimal            `json:"cost" db:"cost"`     // signed: +payment, -payout
	BeforeQ      map[string]decimal.Decimal `json:"before_q" db:"before_q"`
	AfterQ       map[string]decimal.Decimal `json:"after_q" db:"after_q"`
	BeforePrices map[string]decimal.Decimal `json:"before_prices" db:"before_prices"`
	AfterPrices  map[string]decimal.Decimal `json:"after_prices" db:"after_prices"`
	CreatedAt    time.Time                  `json:"created_at" db:"created_at"`
}

// Position is the materialized per-(user, market, outcome) holdings summary.
// Derived from the trade ledger; exists for read efficiency, not truth.
// Shares never go negative.
type Position struct {
	ID              string          `json:"id" db:"id"`
	UserID          string          `json:"user_id" db:"user_id"`
	MarketID        string          `json:"market_id" db:"market_id"`
	OutcomeID       string          `json:"outcome_id" db:"outcome_id"`
	Shares          decimal.Decimal `json:"shares" db:"shares"`
	AvgCostPerShare decimal.Decimal `json:"avg_cost_per_share" db:"avg_cost_per_share"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// Invested returns the capital tied up in this position.
func (p *Position) Invested() decimal.Decimal {
	return p.Shares.Mul(p.AvgCostPerShare)
}

// User holds the coin balance debited by trades and credited by payouts.
type User struct {
	ID          string          `json:"id" db:"id"`
	DisplayName string          `json:"display_name" db:"display_name"`
	Balance     decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// AuditLog is an immutable record of a lifecycle transition or settings
// change. Appended in the same store transaction as the change itself.
type AuditLog struct {
	ID         string    `json:"id" db:"id"`
	EntityType string    `json:"entity_type" db:"entity_type"` // "market", "user"
	EntityID   string    `json:"entity_id" db:"entity_id"`
	Action     string    `json:"action" db:"action"`
	ActorID    string    `json:"actor_id" db:"actor_id"`
	OldData    string    `json:"old_data,omitempty" db:"old_data"` // JSON payload
	NewData    string    `json:"new_data,omitempty" db:"new_data"` // JSON payload
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Payout is one settlement credit: 1 coin per winning share.
type Payout struct {
	UserID string          `json:"user_id"`
	Shares decimal.Decimal `json:"shares"`
	Amount decimal.Decimal `json:"amount"`
}

// Portfolio summarizes a user's balance against capital at risk.
type Portfolio struct {
	UserID        string          `json:"user_id"`
	Balance       decimal.Decimal `json:"balance"`
	TotalInvested decimal.Decimal `json:"total_invested"`
	TotalValue    decimal.Decimal `json:"total_value"`
	RiskPct       decimal.Decimal `json:"risk_pct"` // invested / total value, percent
}

// PositionView is a position joined with market context and mark-to-market
// valuation for portfolio queries.
type PositionView struct {
	Position
	MarketTitle  string          `json:"market_title"`
	MarketStatus Status          `json:"market_status"`
	OutcomeLabel string          `json:"outcome_label"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	PnL          decimal.Decimal `json:"pnl"`
	State        string          `json:"state"` // open | won | lost
}
