// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/classcoin/market-engine/internal/model"
)

var (
	// ErrNotFound is returned when a market, outcome, user, or position
	// does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when a unique constraint is violated.
	ErrDuplicate = errors.New("store: already exists")

	// ErrInsufficientFunds is returned by ApplyTrade when the balance
	// re-verification under the user row lock fails.
	ErrInsufficientFunds = errors.New("store: insufficient funds")

	// ErrInvalidState is returned by SettleMarket when the market is not
	// in resolved status at commit time.
	ErrInvalidState = errors.New("store: market not in expected status")
)

// TradeApplication is the full set of writes for one executed trade.
// Implementations apply it as a single atomic unit: any failure leaves no
// partial effect.
type TradeApplication struct {
	// Trade is the immutable record, including before/after snapshots.
	Trade *model.Trade

	// NewQ is the full post-trade q-vector keyed by outcome id. Every
	// outcome of the market is rewritten so stored state always matches
	// the trade's AfterQ snapshot byte for byte.
	NewQ map[string]decimal.Decimal

	// Position is the post-trade materialized position for
	// (user, market, outcome), computed by the trade service.
	Position *model.Position
}

// MarketFilter narrows ListMarkets results. Zero values match everything.
type MarketFilter struct {
	Status model.Status
	Type   string
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
//
// Methods that take an audit entry persist it in the same transaction as
// the change it describes — a transition is never durable without its
// audit record.
type Store interface {
	// --- Users ---

	// CreateUser persists a new user with an opening balance.
	CreateUser(ctx context.Context, u *model.User) error

	// GetUser retrieves a user by id.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// CreditUser atomically adds amount to a user's balance.
	CreditUser(ctx context.Context, userID string, amount decimal.Decimal, audit *model.AuditLog) error

	// --- Markets ---

	// CreateMarket persists a market together with its outcomes.
	CreateMarket(ctx context.Context, m *model.Market, audit *model.AuditLog) error

	// GetMarket retrieves a market with outcomes sorted by display order.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns markets matching the filter, newest first.
	ListMarkets(ctx context.Context, f MarketFilter) ([]model.Market, error)

	// UpdateMarket persists status/settings changes to a market.
	UpdateMarket(ctx context.Context, m *model.Market, audit *model.AuditLog) error

	// AddOutcome appends an outcome to a draft/pending market.
	AddOutcome(ctx context.Context, o *model.Outcome, audit *model.AuditLog) error

	// --- Audit trail ---

	// ListAuditLog returns audit entries for an entity, oldest first.
	ListAuditLog(ctx context.Context, entityID string) ([]model.AuditLog, error)

	// --- Immutable trade ledger ---

	// ListTradesByMarket returns all trades for a market, oldest first.
	ListTradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error)

	// ListTradesByUser returns a user's trades, newest first.
	ListTradesByUser(ctx context.Context, userID string, limit int) ([]model.Trade, error)

	// SumDailySpend sums positive-cost trades by a user in a market
	// since the given time.
	SumDailySpend(ctx context.Context, userID, marketID string, since time.Time) (decimal.Decimal, error)

	// --- Positions ---

	// GetPosition fetches one (user, market, outcome) position.
	// Returns ErrNotFound when the user has never traded the outcome.
	GetPosition(ctx context.Context, userID, marketID, outcomeID string) (*model.Position, error)

	// ListOpenPositions returns a user's shares>0 positions in live
	// markets (the risk-cap base).
	ListOpenPositions(ctx context.Context, userID string) ([]model.Position, error)

	// ListPositionsByUser returns all of a user's shares>0 positions
	// regardless of market status.
	ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error)

	// ListWinningPositions returns shares>0 positions on one outcome of
	// one market (the settlement set).
	ListWinningPositions(ctx context.Context, marketID, outcomeID string) ([]model.Position, error)

	// --- Atomic multi-row operations ---

	// ApplyTrade commits one trade: balance debit (re-verified under the
	// user row lock), q-vector rewrite, trade insert, position upsert.
	// The market must still be live at commit time; a trade racing a
	// resolve fails with ErrInvalidState. All-or-nothing.
	ApplyTrade(ctx context.Context, app *TradeApplication) error

	// SettleMarket credits every payout and moves the market from
	// resolved to settled in one transaction. Fails with ErrInvalidState
	// if the market is not resolved at commit time.
	SettleMarket(ctx context.Context, marketID string, payouts []model.Payout, audit *model.AuditLog) error
}
