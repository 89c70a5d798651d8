// Package settle pays out resolved markets. Each winning share redeems
// for exactly one coin; losing positions expire worthless.
package settle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/classcoin/market-engine/internal/metrics"
	"github.com/classcoin/market-engine/internal/model"
	"github.com/classcoin/market-engine/internal/store"
)

var (
	ErrNotResolved    = errors.New("market not resolved")
	ErrAlreadySettled = errors.New("market already settled")
)

// Service pays out resolved markets.
type Service struct {
	store  store.Store
	logger *slog.Logger
}

// NewService creates a settlement service.
func NewService(st store.Store, logger *slog.Logger) *Service {
	return &Service{store: st, logger: logger}
}

// Settle credits every winning position with one coin per share and moves
// the market to settled. The payouts and status change commit atomically;
// a second call fails without moving any coins.
func (s *Service) Settle(ctx context.Context, marketID, actorID string) ([]model.Payout, error) {
	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	switch m.Status {
	case model.StatusResolved:
	case model.StatusSettled:
		return nil, fmt.Errorf("%w: market %s", ErrAlreadySettled, m.ID)
	default:
		return nil, fmt.Errorf("%w: market %s is %s", ErrNotResolved, m.ID, m.Status)
	}

	winners, err := s.store.ListWinningPositions(ctx, m.ID, m.ResolvedOutcomeID)
	if err != nil {
		return nil, err
	}

	payouts := make([]model.Payout, 0, len(winners))
	for _, w := range winners {
		payouts = append(payouts, model.Payout{
			UserID: w.UserID,
			Shares: w.Shares,
			Amount: w.Shares,
		})
	}

	audit := &model.AuditLog{
		ID:         uuid.NewString(),
		EntityType: "market",
		EntityID:   m.ID,
		Action:     "settle",
		ActorID:    actorID,
		OldData:    `{"status":"resolved"}`,
		NewData:    settleSummary(m.ResolvedOutcomeID, payouts),
		CreatedAt:  time.Now().UTC(),
	}

	if err := s.store.SettleMarket(ctx, m.ID, payouts, audit); err != nil {
		if errors.Is(err, store.ErrInvalidState) {
			return nil, fmt.Errorf("%w: market %s", ErrAlreadySettled, m.ID)
		}
		return nil, err
	}

	metrics.SettlementsTotal.Inc()
	s.logger.Info("market settled",
		"market_id", m.ID,
		"winning_outcome", m.ResolvedOutcomeID,
		"payouts", len(payouts))

	return payouts, nil
}

func settleSummary(outcomeID string, payouts []model.Payout) string {
	summary := struct {
		Status         string         `json:"status"`
		WinningOutcome string         `json:"winning_outcome"`
		Payouts        []model.Payout `json:"payouts"`
	}{"settled", outcomeID, payouts}
	data, _ := json.Marshal(summary)
	return string(data)
}
