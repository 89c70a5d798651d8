package market

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/classcoin/market-engine/internal/metrics"
	"github.com/classcoin/market-engine/internal/model"
	"github.com/classcoin/market-engine/internal/store"
)

func newTestService() *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(store.NewMemoryStore(), logger)
}

func createDraft(t *testing.T, s *Service, labels ...string) *model.Market {
	t.Helper()
	m, err := s.Create(context.Background(), CreateParams{
		Title:         "Will the rollout ship this quarter?",
		Type:          model.TypeConcept,
		B:             decimal.NewFromInt(100),
		OutcomeLabels: labels,
		ActorID:       "admin-1",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return m
}

func TestCreateValidation(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	cases := []struct {
		name   string
		params CreateParams
	}{
		{"missing title", CreateParams{Type: model.TypeConcept, B: decimal.NewFromInt(100)}},
		{"bad type", CreateParams{Title: "t", Type: "sports", B: decimal.NewFromInt(100)}},
		{"zero liquidity", CreateParams{Title: "t", Type: model.TypeConcept, B: decimal.Zero}},
		{"negative liquidity", CreateParams{Title: "t", Type: model.TypeConcept, B: decimal.NewFromInt(-5)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.Create(ctx, tc.params); !errors.Is(err, ErrInvalidParameter) {
				t.Errorf("got %v, want ErrInvalidParameter", err)
			}
		})
	}
}

func TestCreateStartsDraft(t *testing.T) {
	s := newTestService()
	m := createDraft(t, s, "yes", "no")

	if m.Status != model.StatusDraft {
		t.Errorf("status = %s, want draft", m.Status)
	}
	if len(m.Outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(m.Outcomes))
	}
	for i, o := range m.Outcomes {
		if !o.Q.IsZero() {
			t.Errorf("outcome %d starts with q = %s, want 0", i, o.Q)
		}
		if o.DisplayOrder != i {
			t.Errorf("outcome %d display order = %d", i, o.DisplayOrder)
		}
	}
}

func TestLifecycleHappyPath(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	m := createDraft(t, s, "yes", "no")

	m, err := s.Submit(ctx, m.ID, "admin-1")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if m.Status != model.StatusPending {
		t.Fatalf("after submit status = %s, want pending", m.Status)
	}

	m, err = s.Approve(ctx, m.ID, "admin-1")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if m.Status != model.StatusLive {
		t.Fatalf("after approve status = %s, want live", m.Status)
	}
	if m.LiveAt == nil {
		t.Error("LiveAt not set on go-live")
	}

	m, err = s.Resolve(ctx, m.ID, m.Outcomes[0].ID, "admin-1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if m.Status != model.StatusResolved {
		t.Fatalf("after resolve status = %s, want resolved", m.Status)
	}
	if m.ResolvedOutcomeID != m.Outcomes[0].ID {
		t.Errorf("resolved outcome = %s, want %s", m.ResolvedOutcomeID, m.Outcomes[0].ID)
	}
	if m.ResolvedAt == nil {
		t.Error("ResolvedAt not set on resolve")
	}
}

func TestDraftCanGoLiveDirectly(t *testing.T) {
	s := newTestService()
	m := createDraft(t, s, "yes", "no")

	m, err := s.Approve(context.Background(), m.ID, "admin-1")
	if err != nil {
		t.Fatalf("Approve from draft: %v", err)
	}
	if m.Status != model.StatusLive {
		t.Errorf("status = %s, want live", m.Status)
	}
}

func TestPauseAndRelist(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	m := createDraft(t, s, "yes", "no")

	if _, err := s.Approve(ctx, m.ID, "admin-1"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	paused, err := s.Pause(ctx, m.ID, "admin-1")
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if paused.Status != model.StatusPending {
		t.Fatalf("after pause status = %s, want pending", paused.Status)
	}
	relisted, err := s.Approve(ctx, m.ID, "admin-1")
	if err != nil {
		t.Fatalf("re-Approve: %v", err)
	}
	if relisted.Status != model.StatusLive {
		t.Errorf("after re-approve status = %s, want live", relisted.Status)
	}
}

func TestInvalidTransitions(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	t.Run("resolve a draft", func(t *testing.T) {
		m := createDraft(t, s, "yes", "no")
		_, err := s.Resolve(ctx, m.ID, m.Outcomes[0].ID, "admin-1")
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("got %v, want ErrInvalidTransition", err)
		}
	})

	t.Run("pause a resolved market", func(t *testing.T) {
		m := createDraft(t, s, "yes", "no")
		if _, err := s.Approve(ctx, m.ID, "admin-1"); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Resolve(ctx, m.ID, m.Outcomes[0].ID, "admin-1"); err != nil {
			t.Fatal(err)
		}
		_, err := s.Pause(ctx, m.ID, "admin-1")
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("got %v, want ErrInvalidTransition", err)
		}
	})

	t.Run("approve a resolved market", func(t *testing.T) {
		m := createDraft(t, s, "yes", "no")
		if _, err := s.Approve(ctx, m.ID, "admin-1"); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Resolve(ctx, m.ID, m.Outcomes[0].ID, "admin-1"); err != nil {
			t.Fatal(err)
		}
		_, err := s.Approve(ctx, m.ID, "admin-1")
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("approve resolved: got %v, want ErrInvalidTransition", err)
		}
	})
}

func TestApproveNeedsTwoOutcomes(t *testing.T) {
	s := newTestService()
	m := createDraft(t, s, "only one")

	_, err := s.Approve(context.Background(), m.ID, "admin-1")
	if !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("got %v, want ErrInvalidParameter", err)
	}
}

func TestResolveUnknownOutcome(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	m := createDraft(t, s, "yes", "no")
	if _, err := s.Approve(ctx, m.ID, "admin-1"); err != nil {
		t.Fatal(err)
	}

	_, err := s.Resolve(ctx, m.ID, "not-an-outcome", "admin-1")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}

	// The failed resolve must not have moved the market.
	got, err := s.Get(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusLive {
		t.Errorf("status after failed resolve = %s, want live", got.Status)
	}
}

func TestAddOutcomeLockedAfterLive(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	m := createDraft(t, s, "yes", "no")

	if _, err := s.AddOutcome(ctx, m.ID, "maybe", "admin-1"); err != nil {
		t.Fatalf("AddOutcome on draft: %v", err)
	}

	if _, err := s.Approve(ctx, m.ID, "admin-1"); err != nil {
		t.Fatal(err)
	}
	_, err := s.AddOutcome(ctx, m.ID, "late", "admin-1")
	if !errors.Is(err, ErrOutcomesLocked) {
		t.Errorf("got %v, want ErrOutcomesLocked", err)
	}
}

func TestUpdateSettingsLockedAfterLive(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	m := createDraft(t, s, "yes", "no")

	b := decimal.NewFromInt(250)
	updated, err := s.UpdateSettings(ctx, m.ID, SettingsParams{B: &b, ActorID: "admin-1"})
	if err != nil {
		t.Fatalf("UpdateSettings on draft: %v", err)
	}
	if !updated.B.Equal(b) {
		t.Errorf("b = %s, want 250", updated.B)
	}

	if _, err := s.Approve(ctx, m.ID, "admin-1"); err != nil {
		t.Fatal(err)
	}
	_, err = s.UpdateSettings(ctx, m.ID, SettingsParams{B: &b, ActorID: "admin-1"})
	if !errors.Is(err, ErrSettingsLocked) {
		t.Errorf("got %v, want ErrSettingsLocked", err)
	}
}

func TestAuditTrailRecordsTransitions(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	m := createDraft(t, s, "yes", "no")

	if _, err := s.Submit(ctx, m.ID, "admin-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Approve(ctx, m.ID, "admin-2"); err != nil {
		t.Fatal(err)
	}

	entries, err := s.AuditTrail(ctx, m.ID)
	if err != nil {
		t.Fatalf("AuditTrail: %v", err)
	}
	// create, submit, approve
	if len(entries) != 3 {
		t.Fatalf("audit entries = %d, want 3", len(entries))
	}
	if entries[1].Action != "submit" || entries[2].Action != "approve" {
		t.Errorf("actions = %s, %s; want submit, approve", entries[1].Action, entries[2].Action)
	}
	if entries[2].ActorID != "admin-2" {
		t.Errorf("approve actor = %s, want admin-2", entries[2].ActorID)
	}
}

func TestSentimentFreshMarket(t *testing.T) {
	s := newTestService()
	m := createDraft(t, s, "yes", "no")

	sentiment, err := s.Sentiment(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("Sentiment: %v", err)
	}
	if len(sentiment) != 2 {
		t.Fatalf("sentiment entries = %d, want 2", len(sentiment))
	}
	half := decimal.RequireFromString("0.5")
	for _, os := range sentiment {
		if !os.Price.Equal(half) {
			t.Errorf("fresh market price for %s = %s, want 0.5", os.Label, os.Price)
		}
	}
}

func TestLiveMarketsGaugeTracksLifecycle(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	// The gauge is package-global, so assert on deltas.
	base := testutil.ToFloat64(metrics.LiveMarkets)

	m := createDraft(t, s, "yes", "no")
	if _, err := s.Approve(ctx, m.ID, "admin-1"); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(metrics.LiveMarkets); got != base+1 {
		t.Errorf("after approve gauge = %v, want %v", got, base+1)
	}

	if _, err := s.Pause(ctx, m.ID, "admin-1"); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(metrics.LiveMarkets); got != base {
		t.Errorf("after pause gauge = %v, want %v", got, base)
	}

	if _, err := s.Approve(ctx, m.ID, "admin-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Resolve(ctx, m.ID, m.Outcomes[0].ID, "admin-1"); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(metrics.LiveMarkets); got != base {
		t.Errorf("after resolve gauge = %v, want %v", got, base)
	}
}

func TestPriceHistoryEmptyMarket(t *testing.T) {
	s := newTestService()
	m := createDraft(t, s, "yes", "no")

	points, err := s.PriceHistory(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("PriceHistory: %v", err)
	}
	if len(points) != 0 {
		t.Errorf("points = %d, want 0", len(points))
	}
}
