package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/classcoin/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// A single mutex guards all state; ApplyTrade and SettleMarket validate
// every precondition before the first mutation so a failure leaves no
// partial effect.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]*model.User
	markets   map[string]*model.Market
	trades    []model.Trade
	positions map[string]*model.Position // key: user|market|outcome
	audits    []model.AuditLog
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*model.User),
		markets:   make(map[string]*model.Market),
		positions: make(map[string]*model.Position),
	}
}

func positionKey(userID, marketID, outcomeID string) string {
	return userID + "|" + marketID + "|" + outcomeID
}

func copyMarket(m *model.Market) *model.Market {
	cp := *m
	cp.Outcomes = make([]model.Outcome, len(m.Outcomes))
	copy(cp.Outcomes, m.Outcomes)
	return &cp
}

// --- Users ---

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("%w: user %s", ErrDuplicate, u.ID)
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) CreditUser(_ context.Context, userID string, amount decimal.Decimal, audit *model.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	u.Balance = u.Balance.Add(amount)
	if audit != nil {
		s.audits = append(s.audits, *audit)
	}
	return nil
}

// --- Markets ---

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market, audit *model.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("%w: market %s", ErrDuplicate, m.ID)
	}
	s.markets[m.ID] = copyMarket(m)
	if audit != nil {
		s.audits = append(s.audits, *audit)
	}
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: market %s", ErrNotFound, id)
	}
	return copyMarket(m), nil
}

func (s *MemoryStore) ListMarkets(_ context.Context, f MarketFilter) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		if f.Status != "" && m.Status != f.Status {
			continue
		}
		if f.Type != "" && m.Type != f.Type {
			continue
		}
		markets = append(markets, *copyMarket(m))
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

func (s *MemoryStore) UpdateMarket(_ context.Context, m *model.Market, audit *model.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; !ok {
		return fmt.Errorf("%w: market %s", ErrNotFound, m.ID)
	}
	s.markets[m.ID] = copyMarket(m)
	if audit != nil {
		s.audits = append(s.audits, *audit)
	}
	return nil
}

func (s *MemoryStore) AddOutcome(_ context.Context, o *model.Outcome, audit *model.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[o.MarketID]
	if !ok {
		return fmt.Errorf("%w: market %s", ErrNotFound, o.MarketID)
	}
	m.Outcomes = append(m.Outcomes, *o)
	sort.Slice(m.Outcomes, func(i, j int) bool {
		return m.Outcomes[i].DisplayOrder < m.Outcomes[j].DisplayOrder
	})
	if audit != nil {
		s.audits = append(s.audits, *audit)
	}
	return nil
}

// --- Audit trail ---

func (s *MemoryStore) ListAuditLog(_ context.Context, entityID string) ([]model.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.AuditLog
	for _, a := range s.audits {
		if a.EntityID == entityID {
			result = append(result, a)
		}
	}
	return result, nil
}

// --- Trade ledger ---

func (s *MemoryStore) ListTradesByMarket(_ context.Context, marketID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.MarketID == marketID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListTradesByUser(_ context.Context, userID string, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for i := len(s.trades) - 1; i >= 0; i-- {
		if s.trades[i].UserID != userID {
			continue
		}
		result = append(result, s.trades[i])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) SumDailySpend(_ context.Context, userID, marketID string, since time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	for _, t := range s.trades {
		if t.UserID != userID || t.MarketID != marketID {
			continue
		}
		if t.CreatedAt.Before(since) || !t.Cost.IsPositive() {
			continue
		}
		total = total.Add(t.Cost)
	}
	return total, nil
}

// --- Positions ---

func (s *MemoryStore) GetPosition(_ context.Context, userID, marketID, outcomeID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[positionKey(userID, marketID, outcomeID)]
	if !ok {
		return nil, fmt.Errorf("%w: position", ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListOpenPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.UserID != userID || !p.Shares.IsPositive() {
			continue
		}
		m, ok := s.markets[p.MarketID]
		if !ok || m.Status != model.StatusLive {
			continue
		}
		result = append(result, *p)
	}
	return result, nil
}

func (s *MemoryStore) ListPositionsByUser(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.UserID == userID && p.Shares.IsPositive() {
			result = append(result, *p)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListWinningPositions(_ context.Context, marketID, outcomeID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.MarketID == marketID && p.OutcomeID == outcomeID && p.Shares.IsPositive() {
			result = append(result, *p)
		}
	}
	return result, nil
}

// --- Atomic operations ---

// ApplyTrade validates everything before the first write, so a rejected
// trade leaves balance, q-vector, ledger, and positions untouched.
func (s *MemoryStore) ApplyTrade(_ context.Context, app *TradeApplication) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := app.Trade

	u, ok := s.users[t.UserID]
	if !ok {
		return fmt.Errorf("%w: user %s", ErrNotFound, t.UserID)
	}
	m, ok := s.markets[t.MarketID]
	if !ok {
		return fmt.Errorf("%w: market %s", ErrNotFound, t.MarketID)
	}
	if m.Status != model.StatusLive {
		return fmt.Errorf("%w: market %s is %s", ErrInvalidState, t.MarketID, m.Status)
	}
	for outcomeID := range app.NewQ {
		if m.OutcomeIndex(outcomeID) < 0 {
			return fmt.Errorf("%w: outcome %s", ErrNotFound, outcomeID)
		}
	}
	if t.Cost.IsPositive() && u.Balance.LessThan(t.Cost) {
		return fmt.Errorf("%w: balance %s, need %s", ErrInsufficientFunds, u.Balance, t.Cost)
	}

	// All checks passed; mutate.
	u.Balance = u.Balance.Sub(t.Cost)
	for i := range m.Outcomes {
		if q, ok := app.NewQ[m.Outcomes[i].ID]; ok {
			m.Outcomes[i].Q = q
		}
	}
	s.trades = append(s.trades, *t)

	cp := *app.Position
	s.positions[positionKey(cp.UserID, cp.MarketID, cp.OutcomeID)] = &cp
	return nil
}

func (s *MemoryStore) SettleMarket(_ context.Context, marketID string, payouts []model.Payout, audit *model.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[marketID]
	if !ok {
		return fmt.Errorf("%w: market %s", ErrNotFound, marketID)
	}
	if m.Status != model.StatusResolved {
		return fmt.Errorf("%w: market %s is %s", ErrInvalidState, marketID, m.Status)
	}
	for _, p := range payouts {
		if _, ok := s.users[p.UserID]; !ok {
			return fmt.Errorf("%w: user %s", ErrNotFound, p.UserID)
		}
	}

	for _, p := range payouts {
		u := s.users[p.UserID]
		u.Balance = u.Balance.Add(p.Amount)
	}
	m.Status = model.StatusSettled
	if audit != nil {
		s.audits = append(s.audits, *audit)
	}
	return nil
}
