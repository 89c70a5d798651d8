package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/classcoin/market-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// trade snapshots are stored as JSONB.
//
// ApplyTrade and SettleMarket run inside a single transaction and take a
// FOR UPDATE lock on the user/market row, so concurrent writers serialize
// and a failed trade rolls back completely.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func notFoundOr(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return err
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, display_name, balance, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4)`,
		u.ID, u.DisplayName, u.Balance.String(), u.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	var balance string

	err := s.pool.QueryRow(ctx,
		`SELECT id, display_name, balance::TEXT, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.DisplayName, &balance, &u.CreatedAt)
	if err != nil {
		return nil, notFoundOr(err, "user "+id)
	}

	u.Balance, _ = decimal.NewFromString(balance)
	return &u, nil
}

func (s *PostgresStore) CreditUser(ctx context.Context, userID string, amount decimal.Decimal, audit *model.AuditLog) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE users SET balance = balance + $2::NUMERIC WHERE id = $1`,
		userID, amount.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	if err := insertAudit(ctx, tx, audit); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// --- Markets ---

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market, audit *model.AuditLog) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO markets (id, title, description, type, status, b, max_position, max_daily_spend, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
		m.ID, m.Title, m.Description, m.Type, m.Status,
		m.B.String(), m.MaxPosition.String(), m.MaxDailySpend.String(),
		m.CreatedAt,
	)
	if err != nil {
		return err
	}

	for _, o := range m.Outcomes {
		_, err = tx.Exec(ctx,
			`INSERT INTO outcomes (id, market_id, label, q, display_order)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5)`,
			o.ID, o.MarketID, o.Label, o.Q.String(), o.DisplayOrder,
		)
		if err != nil {
			return err
		}
	}

	if err := insertAudit(ctx, tx, audit); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const marketColumns = `id, title, COALESCE(description, ''), type, status,
       b::TEXT, max_position::TEXT, max_daily_spend::TEXT,
       COALESCE(resolved_outcome_id, ''), created_at, live_at, resolved_at`

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var b, maxPos, maxDaily string

	err := row.Scan(&m.ID, &m.Title, &m.Description, &m.Type, &m.Status,
		&b, &maxPos, &maxDaily,
		&m.ResolvedOutcomeID, &m.CreatedAt, &m.LiveAt, &m.ResolvedAt)
	if err != nil {
		return nil, err
	}

	m.B, _ = decimal.NewFromString(b)
	m.MaxPosition, _ = decimal.NewFromString(maxPos)
	m.MaxDailySpend, _ = decimal.NewFromString(maxDaily)
	return &m, nil
}

func (s *PostgresStore) loadOutcomes(ctx context.Context, marketID string) ([]model.Outcome, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_id, label, q::TEXT, display_order
		 FROM outcomes WHERE market_id = $1 ORDER BY display_order`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []model.Outcome
	for rows.Next() {
		var o model.Outcome
		var q string
		if err := rows.Scan(&o.ID, &o.MarketID, &o.Label, &q, &o.DisplayOrder); err != nil {
			return nil, err
		}
		o.Q, _ = decimal.NewFromString(q)
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "market "+id)
	}

	m.Outcomes, err = s.loadOutcomes(ctx, id)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context, f MarketFilter) ([]model.Market, error) {
	query := `SELECT ` + marketColumns + ` FROM markets WHERE 1=1`
	args := []interface{}{}
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Type != "" {
		args = append(args, f.Type)
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range markets {
		markets[i].Outcomes, err = s.loadOutcomes(ctx, markets[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return markets, nil
}

func (s *PostgresStore) UpdateMarket(ctx context.Context, m *model.Market, audit *model.AuditLog) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE markets
		 SET status = $2, b = $3::NUMERIC, max_position = $4::NUMERIC,
		     max_daily_spend = $5::NUMERIC,
		     resolved_outcome_id = NULLIF($6, ''),
		     live_at = $7, resolved_at = $8
		 WHERE id = $1`,
		m.ID, m.Status, m.B.String(), m.MaxPosition.String(),
		m.MaxDailySpend.String(), m.ResolvedOutcomeID, m.LiveAt, m.ResolvedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: market %s", ErrNotFound, m.ID)
	}
	if err := insertAudit(ctx, tx, audit); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) AddOutcome(ctx context.Context, o *model.Outcome, audit *model.AuditLog) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO outcomes (id, market_id, label, q, display_order)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)`,
		o.ID, o.MarketID, o.Label, o.Q.String(), o.DisplayOrder,
	)
	if err != nil {
		return err
	}
	if err := insertAudit(ctx, tx, audit); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// --- Audit trail ---

func insertAudit(ctx context.Context, tx pgx.Tx, a *model.AuditLog) error {
	if a == nil {
		return nil
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO audit_log (id, entity_type, entity_id, action, actor_id, old_data, new_data, created_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, '')::JSONB, NULLIF($7, '')::JSONB, $8)`,
		a.ID, a.EntityType, a.EntityID, a.Action, a.ActorID, a.OldData, a.NewData, a.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListAuditLog(ctx context.Context, entityID string) ([]model.AuditLog, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, entity_type, entity_id, action, actor_id,
		        COALESCE(old_data::TEXT, ''), COALESCE(new_data::TEXT, ''), created_at
		 FROM audit_log WHERE entity_id = $1 ORDER BY created_at`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.AuditLog
	for rows.Next() {
		var a model.AuditLog
		if err := rows.Scan(&a.ID, &a.EntityType, &a.EntityID, &a.Action,
			&a.ActorID, &a.OldData, &a.NewData, &a.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, a)
	}
	return entries, rows.Err()
}

// --- Trade ledger ---

func marshalSnapshot(m map[string]decimal.Decimal) string {
	data, _ := json.Marshal(m)
	return string(data)
}

func unmarshalSnapshot(data string) map[string]decimal.Decimal {
	m := make(map[string]decimal.Decimal)
	_ = json.Unmarshal([]byte(data), &m)
	return m
}

const tradeColumns = `id, market_id, user_id, outcome_id,
       shares::TEXT, cost::TEXT,
       before_q::TEXT, after_q::TEXT, before_prices::TEXT, after_prices::TEXT,
       created_at`

func scanTrades(rows pgx.Rows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var shares, cost, beforeQ, afterQ, beforePrices, afterPrices string

		if err := rows.Scan(&t.ID, &t.MarketID, &t.UserID, &t.OutcomeID,
			&shares, &cost, &beforeQ, &afterQ, &beforePrices, &afterPrices,
			&t.CreatedAt); err != nil {
			return nil, err
		}

		t.Shares, _ = decimal.NewFromString(shares)
		t.Cost, _ = decimal.NewFromString(cost)
		t.BeforeQ = unmarshalSnapshot(beforeQ)
		t.AfterQ = unmarshalSnapshot(afterQ)
		t.BeforePrices = unmarshalSnapshot(beforePrices)
		t.AfterPrices = unmarshalSnapshot(afterPrices)

		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) ListTradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE market_id = $1 ORDER BY created_at`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) ListTradesByUser(ctx context.Context, userID string, limit int) ([]model.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) SumDailySpend(ctx context.Context, userID, marketID string, since time.Time) (decimal.Decimal, error) {
	var total string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(cost), 0)::TEXT
		 FROM trades
		 WHERE user_id = $1 AND market_id = $2 AND created_at >= $3 AND cost > 0`,
		userID, marketID, since).Scan(&total)
	if err != nil {
		return decimal.Zero, err
	}
	spend, _ := decimal.NewFromString(total)
	return spend, nil
}

// --- Positions ---

const positionColumns = `id, user_id, market_id, outcome_id,
       shares::TEXT, avg_cost_per_share::TEXT, updated_at`

func scanPositions(rows pgx.Rows) ([]model.Position, error) {
	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var shares, avgCost string

		if err := rows.Scan(&p.ID, &p.UserID, &p.MarketID, &p.OutcomeID,
			&shares, &avgCost, &p.UpdatedAt); err != nil {
			return nil, err
		}

		p.Shares, _ = decimal.NewFromString(shares)
		p.AvgCostPerShare, _ = decimal.NewFromString(avgCost)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) GetPosition(ctx context.Context, userID, marketID, outcomeID string) (*model.Position, error) {
	var p model.Position
	var shares, avgCost string

	err := s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+`
		 FROM positions WHERE user_id = $1 AND market_id = $2 AND outcome_id = $3`,
		userID, marketID, outcomeID).
		Scan(&p.ID, &p.UserID, &p.MarketID, &p.OutcomeID, &shares, &avgCost, &p.UpdatedAt)
	if err != nil {
		return nil, notFoundOr(err, "position")
	}

	p.Shares, _ = decimal.NewFromString(shares)
	p.AvgCostPerShare, _ = decimal.NewFromString(avgCost)
	return &p, nil
}

func (s *PostgresStore) ListOpenPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT p.id, p.user_id, p.market_id, p.outcome_id,
		        p.shares::TEXT, p.avg_cost_per_share::TEXT, p.updated_at
		 FROM positions p
		 JOIN markets m ON m.id = p.market_id
		 WHERE p.user_id = $1 AND p.shares > 0 AND m.status = 'live'`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (s *PostgresStore) ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+`
		 FROM positions WHERE user_id = $1 AND shares > 0 ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (s *PostgresStore) ListWinningPositions(ctx context.Context, marketID, outcomeID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+`
		 FROM positions WHERE market_id = $1 AND outcome_id = $2 AND shares > 0`,
		marketID, outcomeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

// --- Atomic operations ---

func (s *PostgresStore) ApplyTrade(ctx context.Context, app *TradeApplication) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	t := app.Trade

	// Lock the market row and re-verify it is still live; a resolve
	// racing this trade must not let the trade commit afterwards.
	var status string
	err = tx.QueryRow(ctx,
		`SELECT status FROM markets WHERE id = $1 FOR UPDATE`, t.MarketID).
		Scan(&status)
	if err != nil {
		return notFoundOr(err, "market "+t.MarketID)
	}
	if status != string(model.StatusLive) {
		return fmt.Errorf("%w: market %s is %s", ErrInvalidState, t.MarketID, status)
	}

	// Exclusive lock on the user's balance row; balance is shared with
	// trades on other markets, so re-verify under the lock.
	var balanceS string
	err = tx.QueryRow(ctx,
		`SELECT balance::TEXT FROM users WHERE id = $1 FOR UPDATE`, t.UserID).
		Scan(&balanceS)
	if err != nil {
		return notFoundOr(err, "user "+t.UserID)
	}
	balance, _ := decimal.NewFromString(balanceS)
	if t.Cost.IsPositive() && balance.LessThan(t.Cost) {
		return fmt.Errorf("%w: balance %s, need %s", ErrInsufficientFunds, balance, t.Cost)
	}

	// 1. Debit (or credit, for sells) the balance.
	_, err = tx.Exec(ctx,
		`UPDATE users SET balance = balance - $2::NUMERIC WHERE id = $1`,
		t.UserID, t.Cost.String())
	if err != nil {
		return err
	}

	// 2. Rewrite the full q-vector.
	for outcomeID, q := range app.NewQ {
		tag, err := tx.Exec(ctx,
			`UPDATE outcomes SET q = $2::NUMERIC WHERE id = $1`,
			outcomeID, q.String())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: outcome %s", ErrNotFound, outcomeID)
		}
	}

	// 3. Append the immutable trade record.
	_, err = tx.Exec(ctx,
		`INSERT INTO trades (id, market_id, user_id, outcome_id, shares, cost,
		                     before_q, after_q, before_prices, after_prices, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::JSONB, $8::JSONB, $9::JSONB, $10::JSONB, $11)`,
		t.ID, t.MarketID, t.UserID, t.OutcomeID,
		t.Shares.String(), t.Cost.String(),
		marshalSnapshot(t.BeforeQ), marshalSnapshot(t.AfterQ),
		marshalSnapshot(t.BeforePrices), marshalSnapshot(t.AfterPrices),
		t.CreatedAt,
	)
	if err != nil {
		return err
	}

	// 4. Upsert the materialized position.
	p := app.Position
	_, err = tx.Exec(ctx,
		`INSERT INTO positions (id, user_id, market_id, outcome_id, shares, avg_cost_per_share, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7)
		 ON CONFLICT (user_id, market_id, outcome_id)
		 DO UPDATE SET shares = EXCLUDED.shares,
		               avg_cost_per_share = EXCLUDED.avg_cost_per_share,
		               updated_at = EXCLUDED.updated_at`,
		p.ID, p.UserID, p.MarketID, p.OutcomeID,
		p.Shares.String(), p.AvgCostPerShare.String(), p.UpdatedAt,
	)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) SettleMarket(ctx context.Context, marketID string, payouts []model.Payout, audit *model.AuditLog) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx,
		`SELECT status FROM markets WHERE id = $1 FOR UPDATE`, marketID).
		Scan(&status)
	if err != nil {
		return notFoundOr(err, "market "+marketID)
	}
	if model.Status(status) != model.StatusResolved {
		return fmt.Errorf("%w: market %s is %s", ErrInvalidState, marketID, status)
	}

	for _, p := range payouts {
		tag, err := tx.Exec(ctx,
			`UPDATE users SET balance = balance + $2::NUMERIC WHERE id = $1`,
			p.UserID, p.Amount.String())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: user %s", ErrNotFound, p.UserID)
		}
	}

	_, err = tx.Exec(ctx,
		`UPDATE markets SET status = $2 WHERE id = $1`, marketID, model.StatusSettled)
	if err != nil {
		return err
	}

	if err := insertAudit(ctx, tx, audit); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
