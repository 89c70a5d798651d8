package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/classcoin/market-engine/internal/model"
)

func seedTradingState(t *testing.T, st *MemoryStore, status model.Status) (*model.User, *model.Market) {
	t.Helper()
	ctx := context.Background()

	u := &model.User{ID: uuid.NewString(), Balance: decimal.NewFromInt(1000), CreatedAt: time.Now().UTC()}
	if err := st.CreateUser(ctx, u); err != nil {
		t.Fatal(err)
	}

	m := &model.Market{
		ID:        uuid.NewString(),
		Title:     "Does the beta survive the semester?",
		Type:      model.TypeConcept,
		Status:    status,
		B:         decimal.NewFromInt(100),
		CreatedAt: time.Now().UTC(),
	}
	for i, label := range []string{"yes", "no"} {
		m.Outcomes = append(m.Outcomes, model.Outcome{
			ID: uuid.NewString(), MarketID: m.ID, Label: label, DisplayOrder: i,
		})
	}
	if err := st.CreateMarket(ctx, m, nil); err != nil {
		t.Fatal(err)
	}
	return u, m
}

func tradeApp(u *model.User, m *model.Market, shares, cost int64) *TradeApplication {
	outcomeID := m.Outcomes[0].ID
	return &TradeApplication{
		Trade: &model.Trade{
			ID:        uuid.NewString(),
			MarketID:  m.ID,
			UserID:    u.ID,
			OutcomeID: outcomeID,
			Shares:    decimal.NewFromInt(shares),
			Cost:      decimal.NewFromInt(cost),
			CreatedAt: time.Now().UTC(),
		},
		NewQ: map[string]decimal.Decimal{outcomeID: decimal.NewFromInt(shares)},
		Position: &model.Position{
			ID:              uuid.NewString(),
			UserID:          u.ID,
			MarketID:        m.ID,
			OutcomeID:       outcomeID,
			Shares:          decimal.NewFromInt(shares),
			AvgCostPerShare: decimal.NewFromInt(1),
			UpdatedAt:       time.Now().UTC(),
		},
	}
}

func TestApplyTradeLiveMarket(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	u, m := seedTradingState(t, st, model.StatusLive)

	if err := st.ApplyTrade(ctx, tradeApp(u, m, 5, 3)); err != nil {
		t.Fatalf("ApplyTrade on live market: %v", err)
	}

	got, _ := st.GetUser(ctx, u.ID)
	if !got.Balance.Equal(decimal.NewFromInt(997)) {
		t.Errorf("balance = %s, want 997", got.Balance)
	}
}

// A trade that races a resolve can reach the store after the market
// has left live; the store itself has to refuse it.
func TestApplyTradeRejectsNonLiveMarket(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	for _, status := range []model.Status{model.StatusPending, model.StatusResolved, model.StatusSettled} {
		t.Run(string(status), func(t *testing.T) {
			u, m := seedTradingState(t, st, status)
			err := st.ApplyTrade(ctx, tradeApp(u, m, 5, 3))
			if !errors.Is(err, ErrInvalidState) {
				t.Fatalf("got %v, want ErrInvalidState", err)
			}

			// The rejected trade must leave no partial effect.
			got, _ := st.GetUser(ctx, u.ID)
			if !got.Balance.Equal(decimal.NewFromInt(1000)) {
				t.Errorf("balance = %s, want untouched 1000", got.Balance)
			}
			trades, _ := st.ListTradesByUser(ctx, u.ID, 10)
			if len(trades) != 0 {
				t.Errorf("trades = %d, want 0", len(trades))
			}
		})
	}
}
