package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/classcoin/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	// Cache miss: read from primary.
	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	data, err := s.rdb.Get(ctx, userKey(id)).Bytes()
	if err == nil {
		var u model.User
		if json.Unmarshal(data, &u) == nil {
			return &u, nil
		}
	}

	u, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(u); err == nil {
		s.rdb.Set(ctx, userKey(id), data, s.ttl)
	}
	return u, nil
}

func (s *CachedStore) ListOpenPositions(ctx context.Context, userID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(userID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListOpenPositions(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(userID), data, s.ttl)
	}
	return positions, nil
}

// --- Writes (write to primary, invalidate cache) ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	return s.primary.CreateUser(ctx, u)
}

func (s *CachedStore) CreditUser(ctx context.Context, userID string, amount decimal.Decimal, audit *model.AuditLog) error {
	if err := s.primary.CreditUser(ctx, userID, amount, audit); err != nil {
		return err
	}
	s.rdb.Del(ctx, userKey(userID))
	return nil
}

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market, audit *model.AuditLog) error {
	if err := s.primary.CreateMarket(ctx, m, audit); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) UpdateMarket(ctx context.Context, m *model.Market, audit *model.AuditLog) error {
	if err := s.primary.UpdateMarket(ctx, m, audit); err != nil {
		return err
	}
	// Invalidate cache; next read will re-populate.
	s.rdb.Del(ctx, marketKey(m.ID))
	return nil
}

func (s *CachedStore) AddOutcome(ctx context.Context, o *model.Outcome, audit *model.AuditLog) error {
	if err := s.primary.AddOutcome(ctx, o, audit); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(o.MarketID))
	return nil
}

func (s *CachedStore) ApplyTrade(ctx context.Context, app *TradeApplication) error {
	if err := s.primary.ApplyTrade(ctx, app); err != nil {
		return err
	}
	// The trade touched the market's q-vector, the user's balance, and
	// the user's positions.
	s.rdb.Del(ctx, marketKey(app.Trade.MarketID),
		userKey(app.Trade.UserID),
		positionsKey(app.Trade.UserID))
	return nil
}

func (s *CachedStore) SettleMarket(ctx context.Context, marketID string, payouts []model.Payout, audit *model.AuditLog) error {
	if err := s.primary.SettleMarket(ctx, marketID, payouts, audit); err != nil {
		return err
	}
	keys := []string{marketKey(marketID)}
	for _, p := range payouts {
		keys = append(keys, userKey(p.UserID), positionsKey(p.UserID))
	}
	s.rdb.Del(ctx, keys...)
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context, f MarketFilter) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx, f)
}

func (s *CachedStore) ListAuditLog(ctx context.Context, entityID string) ([]model.AuditLog, error) {
	return s.primary.ListAuditLog(ctx, entityID)
}

func (s *CachedStore) ListTradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error) {
	return s.primary.ListTradesByMarket(ctx, marketID)
}

func (s *CachedStore) ListTradesByUser(ctx context.Context, userID string, limit int) ([]model.Trade, error) {
	return s.primary.ListTradesByUser(ctx, userID, limit)
}

func (s *CachedStore) SumDailySpend(ctx context.Context, userID, marketID string, since time.Time) (decimal.Decimal, error) {
	return s.primary.SumDailySpend(ctx, userID, marketID, since)
}

func (s *CachedStore) GetPosition(ctx context.Context, userID, marketID, outcomeID string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, userID, marketID, outcomeID)
}

func (s *CachedStore) ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	return s.primary.ListPositionsByUser(ctx, userID)
}

func (s *CachedStore) ListWinningPositions(ctx context.Context, marketID, outcomeID string) ([]model.Position, error) {
	return s.primary.ListWinningPositions(ctx, marketID, outcomeID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func marketKey(id string) string     { return fmt.Sprintf("market:%s", id) }
func userKey(id string) string       { return fmt.Sprintf("user:%s", id) }
func positionsKey(uid string) string { return fmt.Sprintf("positions:%s", uid) }
