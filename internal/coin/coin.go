// Package coin manages user accounts and the coin supply: account
// creation with a starting grant, and admin awards. Coins only otherwise
// move through trades and settlement.
package coin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/classcoin/market-engine/internal/model"
	"github.com/classcoin/market-engine/internal/store"
)

var ErrInvalidAmount = errors.New("award amount must be positive")

// Service manages user balances.
type Service struct {
	store          store.Store
	initialBalance decimal.Decimal
	logger         *slog.Logger
}

// NewService creates a coin service. New users start with initialBalance.
func NewService(st store.Store, initialBalance decimal.Decimal, logger *slog.Logger) *Service {
	return &Service{store: st, initialBalance: initialBalance, logger: logger}
}

// CreateUser makes an account funded with the starting grant.
func (s *Service) CreateUser(ctx context.Context, displayName string) (*model.User, error) {
	u := &model.User{
		ID:          uuid.NewString(),
		DisplayName: displayName,
		Balance:     s.initialBalance,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	s.logger.Info("user created", "user_id", u.ID, "initial_balance", u.Balance.String())
	return u, nil
}

// Get returns a user's account.
func (s *Service) Get(ctx context.Context, userID string) (*model.User, error) {
	return s.store.GetUser(ctx, userID)
}

// Award credits coins outside of trading, with an audit entry.
func (s *Service) Award(ctx context.Context, userID string, amount decimal.Decimal, reason, actorID string) (*model.User, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: got %s", ErrInvalidAmount, amount)
	}

	audit := &model.AuditLog{
		ID:         uuid.NewString(),
		EntityType: "user",
		EntityID:   userID,
		Action:     "award",
		ActorID:    actorID,
		NewData:    fmt.Sprintf(`{"amount":%q,"reason":%q}`, amount.String(), reason),
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.CreditUser(ctx, userID, amount, audit); err != nil {
		return nil, err
	}

	s.logger.Info("coins awarded",
		"user_id", userID, "amount", amount.String(), "reason", reason, "actor", actorID)
	return s.store.GetUser(ctx, userID)
}
