package settle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/classcoin/market-engine/internal/model"
	"github.com/classcoin/market-engine/internal/store"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func newUser(t *testing.T, st *store.MemoryStore, balance float64) *model.User {
	t.Helper()
	u := &model.User{ID: uuid.NewString(), Balance: d(balance), CreatedAt: time.Now().UTC()}
	if err := st.CreateUser(context.Background(), u); err != nil {
		t.Fatal(err)
	}
	return u
}

func newLiveMarket(t *testing.T, st *store.MemoryStore) *model.Market {
	t.Helper()
	now := time.Now().UTC()
	m := &model.Market{
		ID:        uuid.NewString(),
		Title:     "Which prototype gets funded?",
		Type:      model.TypeConcept,
		Status:    model.StatusLive,
		B:         d(100),
		CreatedAt: now,
		LiveAt:    &now,
	}
	for i, label := range []string{"alpha", "beta"} {
		m.Outcomes = append(m.Outcomes, model.Outcome{
			ID: uuid.NewString(), MarketID: m.ID, Label: label, DisplayOrder: i,
		})
	}
	if err := st.CreateMarket(context.Background(), m, nil); err != nil {
		t.Fatal(err)
	}
	return m
}

// resolve marks the first outcome as the winner. Positions have to be
// seeded before this; the store rejects trades once the market leaves
// live.
func resolve(t *testing.T, st *store.MemoryStore, m *model.Market) {
	t.Helper()
	now := time.Now().UTC()
	m.Status = model.StatusResolved
	m.ResolvedOutcomeID = m.Outcomes[0].ID
	m.ResolvedAt = &now
	if err := st.UpdateMarket(context.Background(), m, nil); err != nil {
		t.Fatal(err)
	}
}

func holdShares(t *testing.T, st *store.MemoryStore, u *model.User, m *model.Market, outcomeIdx int, shares float64) {
	t.Helper()
	app := &store.TradeApplication{
		Trade: &model.Trade{
			ID:        uuid.NewString(),
			MarketID:  m.ID,
			UserID:    u.ID,
			OutcomeID: m.Outcomes[outcomeIdx].ID,
			Shares:    d(shares),
			Cost:      decimal.Zero,
			CreatedAt: time.Now().UTC(),
		},
		NewQ: map[string]decimal.Decimal{},
		Position: &model.Position{
			ID:        uuid.NewString(),
			UserID:    u.ID,
			MarketID:  m.ID,
			OutcomeID: m.Outcomes[outcomeIdx].ID,
			Shares:    d(shares),
			UpdatedAt: time.Now().UTC(),
		},
	}
	if err := st.ApplyTrade(context.Background(), app); err != nil {
		t.Fatal(err)
	}
}

func newTestService(st *store.MemoryStore) *Service {
	return NewService(st, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSettlePaysOneCoinPerWinningShare(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	m := newLiveMarket(t, st)

	winner := newUser(t, st, 100)
	loser := newUser(t, st, 100)
	holdShares(t, st, winner, m, 0, 37.5)
	holdShares(t, st, loser, m, 1, 50)
	resolve(t, st, m)

	s := newTestService(st)
	payouts, err := s.Settle(ctx, m.ID, "admin-1")
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}

	if len(payouts) != 1 {
		t.Fatalf("payouts = %d, want 1", len(payouts))
	}
	if payouts[0].UserID != winner.ID || !payouts[0].Amount.Equal(d(37.5)) {
		t.Errorf("payout = %+v, want 37.5 to winner", payouts[0])
	}

	w, _ := st.GetUser(ctx, winner.ID)
	if !w.Balance.Equal(d(137.5)) {
		t.Errorf("winner balance = %s, want 137.5", w.Balance)
	}
	l, _ := st.GetUser(ctx, loser.ID)
	if !l.Balance.Equal(d(100)) {
		t.Errorf("loser balance = %s, want unchanged 100", l.Balance)
	}

	got, _ := st.GetMarket(ctx, m.ID)
	if got.Status != model.StatusSettled {
		t.Errorf("status = %s, want settled", got.Status)
	}
}

func TestSettleTwiceFails(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	m := newLiveMarket(t, st)
	winner := newUser(t, st, 100)
	holdShares(t, st, winner, m, 0, 10)
	resolve(t, st, m)

	s := newTestService(st)
	if _, err := s.Settle(ctx, m.ID, "admin-1"); err != nil {
		t.Fatalf("first settle: %v", err)
	}

	_, err := s.Settle(ctx, m.ID, "admin-1")
	if !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("second settle: got %v, want ErrAlreadySettled", err)
	}

	// The double settle must not pay twice.
	w, _ := st.GetUser(ctx, winner.ID)
	if !w.Balance.Equal(d(110)) {
		t.Errorf("winner balance = %s, want 110", w.Balance)
	}
}

func TestSettleRequiresResolved(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	m := newLiveMarket(t, st)

	s := newTestService(st)
	_, err := s.Settle(ctx, m.ID, "admin-1")
	if !errors.Is(err, ErrNotResolved) {
		t.Errorf("got %v, want ErrNotResolved", err)
	}
}

func TestSettleNoWinners(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	m := newLiveMarket(t, st)
	resolve(t, st, m)

	s := newTestService(st)
	payouts, err := s.Settle(ctx, m.ID, "admin-1")
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if len(payouts) != 0 {
		t.Errorf("payouts = %d, want 0", len(payouts))
	}

	got, _ := st.GetMarket(ctx, m.ID)
	if got.Status != model.StatusSettled {
		t.Errorf("status = %s, want settled", got.Status)
	}

	entries, _ := st.ListAuditLog(ctx, m.ID)
	if len(entries) != 1 || entries[0].Action != "settle" {
		t.Errorf("audit entries = %+v, want one settle entry", entries)
	}
}
