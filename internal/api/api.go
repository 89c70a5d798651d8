// Package api exposes the engine over HTTP. Handlers stay thin: decode,
// call the service, map the error, encode.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/classcoin/market-engine/internal/coin"
	"github.com/classcoin/market-engine/internal/lmsr"
	"github.com/classcoin/market-engine/internal/market"
	"github.com/classcoin/market-engine/internal/model"
	"github.com/classcoin/market-engine/internal/risk"
	"github.com/classcoin/market-engine/internal/settle"
	"github.com/classcoin/market-engine/internal/store"
	"github.com/classcoin/market-engine/internal/trade"
)

// Server bundles the domain services behind the HTTP surface.
type Server struct {
	markets     *market.Service
	trades      *trade.Service
	settlements *settle.Service
	coins       *coin.Service
}

// NewServer creates the HTTP handler set.
func NewServer(markets *market.Service, trades *trade.Service, settlements *settle.Service, coins *coin.Service) *Server {
	return &Server{
		markets:     markets,
		trades:      trades,
		settlements: settlements,
		coins:       coins,
	}
}

// Mount registers all routes on the router.
func (s *Server) Mount(r chi.Router) {
	r.Post("/users", s.createUser)
	r.Get("/users/{userID}", s.getUser)
	r.Post("/users/{userID}/award", s.awardCoins)
	r.Get("/users/{userID}/portfolio", s.getPortfolio)
	r.Get("/users/{userID}/positions", s.getPositions)
	r.Get("/users/{userID}/trades", s.getUserTrades)

	r.Post("/markets", s.createMarket)
	r.Get("/markets", s.listMarkets)
	r.Get("/markets/{marketID}", s.getMarket)
	r.Get("/markets/{marketID}/sentiment", s.getSentiment)
	r.Get("/markets/{marketID}/history", s.getPriceHistory)
	r.Get("/markets/{marketID}/trades", s.getMarketTrades)
	r.Get("/markets/{marketID}/audit", s.getAuditTrail)
	r.Post("/markets/{marketID}/outcomes", s.addOutcome)
	r.Post("/markets/{marketID}/transition", s.transitionMarket)
	r.Post("/markets/{marketID}/settle", s.settleMarket)

	r.Post("/quote", s.quoteTrade)
	r.Post("/trade", s.executeTrade)
}

// --- Users ---

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	u, err := s.coins.CreateUser(r.Context(), req.DisplayName)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.coins.Get(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) awardCoins(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount  decimal.Decimal `json:"amount"`
		Reason  string          `json:"reason"`
		ActorID string          `json:"actor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	u, err := s.coins.Award(r.Context(), chi.URLParam(r, "userID"), req.Amount, req.Reason, req.ActorID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) getPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := s.trades.Portfolio(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) getPositions(w http.ResponseWriter, r *http.Request) {
	views, err := s.trades.Positions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) getUserTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.trades.RecentTrades(r.Context(), chi.URLParam(r, "userID"), 50)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// --- Markets ---

func (s *Server) createMarket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title         string          `json:"title"`
		Description   string          `json:"description"`
		Type          string          `json:"type"`
		B             decimal.Decimal `json:"b"`
		MaxPosition   decimal.Decimal `json:"max_position"`
		MaxDailySpend decimal.Decimal `json:"max_daily_spend"`
		Outcomes      []string        `json:"outcomes"`
		ActorID       string          `json:"actor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	m, err := s.markets.Create(r.Context(), market.CreateParams{
		Title:         req.Title,
		Description:   req.Description,
		Type:          req.Type,
		B:             req.B,
		MaxPosition:   req.MaxPosition,
		MaxDailySpend: req.MaxDailySpend,
		OutcomeLabels: req.Outcomes,
		ActorID:       req.ActorID,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) listMarkets(w http.ResponseWriter, r *http.Request) {
	f := store.MarketFilter{
		Status: model.Status(r.URL.Query().Get("status")),
		Type:   r.URL.Query().Get("type"),
	}
	markets, err := s.markets.List(r.Context(), f)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, markets)
}

func (s *Server) getMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.markets.Get(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) getSentiment(w http.ResponseWriter, r *http.Request) {
	sentiment, err := s.markets.Sentiment(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sentiment)
}

func (s *Server) getPriceHistory(w http.ResponseWriter, r *http.Request) {
	points, err := s.markets.PriceHistory(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

func (s *Server) getMarketTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.trades.MarketTrades(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

func (s *Server) getAuditTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := s.markets.AuditTrail(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) addOutcome(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Label   string `json:"label"`
		ActorID string `json:"actor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	o, err := s.markets.AddOutcome(r.Context(), chi.URLParam(r, "marketID"), req.Label, req.ActorID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) transitionMarket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action    string `json:"action"`
		ActorID   string `json:"actor_id"`
		OutcomeID string `json:"outcome_id"`
		Settings  *struct {
			B             *decimal.Decimal `json:"b"`
			MaxPosition   *decimal.Decimal `json:"max_position"`
			MaxDailySpend *decimal.Decimal `json:"max_daily_spend"`
		} `json:"settings"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	marketID := chi.URLParam(r, "marketID")
	var (
		m   *model.Market
		err error
	)
	switch req.Action {
	case "submit":
		m, err = s.markets.Submit(r.Context(), marketID, req.ActorID)
	case "approve":
		m, err = s.markets.Approve(r.Context(), marketID, req.ActorID)
	case "pause":
		m, err = s.markets.Pause(r.Context(), marketID, req.ActorID)
	case "resolve":
		m, err = s.markets.Resolve(r.Context(), marketID, req.OutcomeID, req.ActorID)
	case "update_settings":
		if req.Settings == nil {
			writeError(w, "settings payload required", http.StatusBadRequest)
			return
		}
		m, err = s.markets.UpdateSettings(r.Context(), marketID, market.SettingsParams{
			B:             req.Settings.B,
			MaxPosition:   req.Settings.MaxPosition,
			MaxDailySpend: req.Settings.MaxDailySpend,
			ActorID:       req.ActorID,
		})
	default:
		writeError(w, "unknown action: "+req.Action, http.StatusBadRequest)
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) settleMarket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActorID string `json:"actor_id"`
	}
	// Body is optional for settlement.
	_ = json.NewDecoder(r.Body).Decode(&req)

	payouts, err := s.settlements.Settle(r.Context(), chi.URLParam(r, "marketID"), req.ActorID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"market_id": chi.URLParam(r, "marketID"),
		"payouts":   payouts,
	})
}

// --- Trading ---

type tradeRequest struct {
	UserID    string          `json:"user_id"`
	MarketID  string          `json:"market_id"`
	OutcomeID string          `json:"outcome_id"`
	Shares    decimal.Decimal `json:"shares"`
}

func (s *Server) quoteTrade(w http.ResponseWriter, r *http.Request) {
	var req tradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	q, err := s.trades.Quote(r.Context(), req.MarketID, req.OutcomeID, req.Shares)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) executeTrade(w http.ResponseWriter, r *http.Request) {
	var req tradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	t, err := s.trades.Execute(r.Context(), trade.ExecuteParams{
		UserID:    req.UserID,
		MarketID:  req.MarketID,
		OutcomeID: req.OutcomeID,
		Shares:    req.Shares,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// --- Encoding and error mapping ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError maps domain errors to HTTP statuses. Validation maps
// to 400, missing entities to 404, state conflicts to 409, and rejected
// but well-formed trades to 422.
func writeServiceError(w http.ResponseWriter, err error) {
	writeError(w, err.Error(), statusFor(err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, market.ErrInvalidParameter),
		errors.Is(err, trade.ErrInvalidShares),
		errors.Is(err, coin.ErrInvalidAmount),
		errors.Is(err, lmsr.ErrInvalidLiquidity),
		errors.Is(err, lmsr.ErrEmptyVector),
		errors.Is(err, lmsr.ErrOutcomeIndex),
		errors.Is(err, lmsr.ErrNonFinite):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, market.ErrInvalidTransition),
		errors.Is(err, market.ErrSettingsLocked),
		errors.Is(err, market.ErrOutcomesLocked),
		errors.Is(err, trade.ErrMarketNotLive),
		errors.Is(err, trade.ErrMarketBusy),
		errors.Is(err, settle.ErrNotResolved),
		errors.Is(err, settle.ErrAlreadySettled),
		errors.Is(err, store.ErrInvalidState),
		errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, store.ErrInsufficientFunds),
		errors.Is(err, risk.ErrRiskCapExceeded),
		errors.Is(err, risk.ErrPositionCapExceeded),
		errors.Is(err, risk.ErrDailySpendExceeded),
		errors.Is(err, risk.ErrOversell):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
