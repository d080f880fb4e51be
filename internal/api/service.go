// Package api provides the HTTP handlers for position lifecycle
// operations, admin configuration, and valuation quotes.
//
// All monetary values use shopspring/decimal — never float64 for money.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/synthex/mint-engine/internal/engine"
	"github.com/synthex/mint-engine/internal/ledger"
	"github.com/synthex/mint-engine/internal/metrics"
	"github.com/synthex/mint-engine/internal/model"
	"github.com/synthex/mint-engine/internal/oracle"
	"github.com/synthex/mint-engine/internal/registry"
	"github.com/synthex/mint-engine/internal/risk"
	"github.com/synthex/mint-engine/internal/store"
)

// Service handles position and admin operations over HTTP. Concurrency
// control lives in the engine (per-position locks); handlers are
// stateless.
type Service struct {
	engine   *engine.Engine
	registry *registry.Registry
	feed     *oracle.ManualFeed // nil when quotes come from an external feed
}

// NewService creates the HTTP service. Pass a nil feed to disable the
// manual quote endpoint.
func NewService(eng *engine.Engine, reg *registry.Registry, feed *oracle.ManualFeed) *Service {
	return &Service{engine: eng, registry: reg, feed: feed}
}

// Routes mounts all API routes on the given router.
func (s *Service) Routes(r chi.Router) {
	// Admin configuration.
	r.Get("/assets", s.ListAssets)
	r.Post("/assets", s.RegisterAsset)
	r.Post("/assets/{assetID}", s.UpdateAsset)
	r.Delete("/assets/{assetID}", s.DeactivateAsset)
	r.Get("/collaterals", s.ListCollaterals)
	r.Post("/collaterals", s.RegisterCollateral)
	r.Post("/collaterals/{collateralID}", s.UpdateCollateral)
	r.Delete("/collaterals/{collateralID}", s.DeactivateCollateral)
	r.Post("/pairs", s.AllowPair)
	r.Delete("/pairs", s.DisallowPair)
	r.Post("/quotes", s.PostQuote)

	// Position lifecycle.
	r.Post("/positions", s.CreatePosition)
	r.Get("/positions", s.ListPositions)
	r.Get("/positions/{positionID}", s.GetPosition)
	r.Get("/positions/{positionID}/ratio", s.GetRatio)
	r.Get("/positions/{positionID}/events", s.GetEvents)
	r.Post("/positions/{positionID}/deposit", s.Deposit)
	r.Post("/positions/{positionID}/withdraw", s.Withdraw)
	r.Post("/positions/{positionID}/mint", s.Mint)
	r.Post("/positions/{positionID}/burn", s.Burn)
	r.Post("/positions/{positionID}/close", s.Close)
	r.Post("/positions/{positionID}/liquidate", s.Liquidate)

	// Valuation quotes.
	r.Get("/quote/required-collateral", s.QuoteRequiredCollateral)
	r.Get("/quote/max-mintable", s.QuoteMaxMintable)
}

// --- Request types ---

// CreatePositionRequest is the JSON body for POST /positions.
type CreatePositionRequest struct {
	Owner            string          `json:"owner"`
	AssetID          string          `json:"asset_id"`
	CollateralID     string          `json:"collateral_id"`
	CollateralAmount decimal.Decimal `json:"collateral_amount"`
	DebtAmount       decimal.Decimal `json:"debt_amount"`
}

// AmountRequest is the JSON body for deposit/withdraw/mint/burn.
type AmountRequest struct {
	Actor  string          `json:"actor"`
	Amount decimal.Decimal `json:"amount"`
}

// ActorRequest is the JSON body for close and liquidate.
type ActorRequest struct {
	Actor string `json:"actor"`
}

// PairRequest is the JSON body for POST/DELETE /pairs.
type PairRequest struct {
	AssetID      string `json:"asset_id"`
	CollateralID string `json:"collateral_id"`
}

// UpdateAssetRequest is the JSON body for POST /assets/{assetID}.
type UpdateAssetRequest struct {
	MinCollateralRatio int64           `json:"min_collateral_ratio"`
	AuctionDiscount    int64           `json:"auction_discount"`
	DebtCeiling        decimal.Decimal `json:"debt_ceiling"`
}

// UpdateCollateralRequest is the JSON body for POST /collaterals/{collateralID}.
type UpdateCollateralRequest struct {
	RiskMultiplier int64 `json:"risk_multiplier"`
}

// QuoteRequest is the JSON body for POST /quotes (manual price feed).
type QuoteRequest struct {
	FeedID      string `json:"feed_id"`
	Mantissa    int64  `json:"mantissa"`
	Exponent    int32  `json:"exponent"`
	PublishTime string `json:"publish_time,omitempty"` // RFC3339; empty = now
}

// --- Admin handlers ---

func (s *Service) ListAssets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.ListAssets())
}

func (s *Service) RegisterAsset(w http.ResponseWriter, r *http.Request) {
	var cfg model.AssetConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.registry.RegisterAsset(cfg); err != nil {
		writeDomainError(w, err)
		return
	}
	slog.Info("asset registered", "id", cfg.ID, "min_ratio", cfg.MinCollateralRatio, "discount", cfg.AuctionDiscount)
	cfg.Active = true
	writeJSON(w, http.StatusCreated, cfg)
}

func (s *Service) UpdateAsset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "assetID")
	var req UpdateAssetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.registry.UpdateAsset(id, req.MinCollateralRatio, req.AuctionDiscount, req.DebtCeiling); err != nil {
		writeDomainError(w, err)
		return
	}
	cfg, err := s.registry.Asset(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Service) DeactivateAsset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "assetID")
	if err := s.registry.DeactivateAsset(id); err != nil {
		writeDomainError(w, err)
		return
	}
	slog.Info("asset deactivated", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) ListCollaterals(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.ListCollaterals())
}

func (s *Service) RegisterCollateral(w http.ResponseWriter, r *http.Request) {
	var cfg model.CollateralConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.registry.RegisterCollateral(cfg); err != nil {
		writeDomainError(w, err)
		return
	}
	slog.Info("collateral registered", "id", cfg.ID, "risk_multiplier", cfg.RiskMultiplier)
	cfg.Active = true
	writeJSON(w, http.StatusCreated, cfg)
}

func (s *Service) UpdateCollateral(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "collateralID")
	var req UpdateCollateralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.registry.UpdateCollateral(id, req.RiskMultiplier); err != nil {
		writeDomainError(w, err)
		return
	}
	cfg, err := s.registry.Collateral(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Service) DeactivateCollateral(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "collateralID")
	if err := s.registry.DeactivateCollateral(id); err != nil {
		writeDomainError(w, err)
		return
	}
	slog.Info("collateral deactivated", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) AllowPair(w http.ResponseWriter, r *http.Request) {
	var req PairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.registry.AllowPair(req.AssetID, req.CollateralID); err != nil {
		writeDomainError(w, err)
		return
	}
	slog.Info("pair allowed", "asset", req.AssetID, "collateral", req.CollateralID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) DisallowPair(w http.ResponseWriter, r *http.Request) {
	var req PairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.registry.DisallowPair(req.AssetID, req.CollateralID); err != nil {
		writeDomainError(w, err)
		return
	}
	slog.Info("pair disallowed", "asset", req.AssetID, "collateral", req.CollateralID)
	w.WriteHeader(http.StatusNoContent)
}

// PostQuote accepts a manual oracle quote. Available only when the
// service runs on the manual feed.
func (s *Service) PostQuote(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		writeError(w, "manual price feed is not enabled", http.StatusNotFound)
		return
	}
	var req QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.FeedID == "" {
		writeError(w, "feed_id is required", http.StatusBadRequest)
		return
	}
	publishTime := time.Now().UTC()
	if req.PublishTime != "" {
		t, err := time.Parse(time.RFC3339, req.PublishTime)
		if err != nil {
			writeError(w, "publish_time must be RFC3339", http.StatusBadRequest)
			return
		}
		publishTime = t
	}
	s.feed.SetQuote(req.FeedID, model.PriceQuote{
		Mantissa:    req.Mantissa,
		Exponent:    req.Exponent,
		PublishTime: publishTime,
	})
	w.WriteHeader(http.StatusNoContent)
}

// --- Position handlers ---

func (s *Service) CreatePosition(w http.ResponseWriter, r *http.Request) {
	var req CreatePositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Owner == "" {
		writeError(w, "owner is required", http.StatusBadRequest)
		return
	}

	pos, err := s.engine.Create(r.Context(), req.Owner, req.AssetID, req.CollateralID, req.CollateralAmount, req.DebtAmount)
	if err != nil {
		metrics.PositionOperations.WithLabelValues("create", "error").Inc()
		writeDomainError(w, err)
		return
	}
	metrics.PositionOperations.WithLabelValues("create", "ok").Inc()
	writeJSON(w, http.StatusCreated, pos)
}

func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeError(w, "owner query parameter is required", http.StatusBadRequest)
		return
	}
	positions, err := s.engine.PositionsByOwner(r.Context(), owner)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := s.engine.Position(r.Context(), chi.URLParam(r, "positionID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *Service) GetRatio(w http.ResponseWriter, r *http.Request) {
	ratio, err := s.engine.CurrentRatio(r.Context(), chi.URLParam(r, "positionID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ratio)
}

func (s *Service) GetEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.engine.Events(r.Context(), chi.URLParam(r, "positionID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	s.amountOp(w, r, "deposit", s.engine.Deposit)
}

func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	s.amountOp(w, r, "withdraw", s.engine.Withdraw)
}

func (s *Service) Mint(w http.ResponseWriter, r *http.Request) {
	s.amountOp(w, r, "mint", s.engine.Mint)
}

func (s *Service) Burn(w http.ResponseWriter, r *http.Request) {
	s.amountOp(w, r, "burn", s.engine.Burn)
}

// amountOp is the shared handler shape for deposit/withdraw/mint/burn.
func (s *Service) amountOp(w http.ResponseWriter, r *http.Request, name string,
	op func(ctx context.Context, id, actor string, amount decimal.Decimal) (*model.Position, error)) {

	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Actor == "" {
		writeError(w, "actor is required", http.StatusBadRequest)
		return
	}

	pos, err := op(r.Context(), chi.URLParam(r, "positionID"), req.Actor, req.Amount)
	if err != nil {
		metrics.PositionOperations.WithLabelValues(name, "error").Inc()
		writeDomainError(w, err)
		return
	}
	metrics.PositionOperations.WithLabelValues(name, "ok").Inc()
	writeJSON(w, http.StatusOK, pos)
}

func (s *Service) Close(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Actor == "" {
		writeError(w, "actor is required", http.StatusBadRequest)
		return
	}

	pos, err := s.engine.Close(r.Context(), chi.URLParam(r, "positionID"), req.Actor)
	if err != nil {
		metrics.PositionOperations.WithLabelValues("close", "error").Inc()
		writeDomainError(w, err)
		return
	}
	metrics.PositionOperations.WithLabelValues("close", "ok").Inc()
	writeJSON(w, http.StatusOK, pos)
}

func (s *Service) Liquidate(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Actor == "" {
		writeError(w, "actor is required", http.StatusBadRequest)
		return
	}

	pos, err := s.engine.Liquidate(r.Context(), chi.URLParam(r, "positionID"), req.Actor)
	if err != nil {
		metrics.PositionOperations.WithLabelValues("liquidate", "error").Inc()
		writeDomainError(w, err)
		return
	}
	metrics.PositionOperations.WithLabelValues("liquidate", "ok").Inc()
	metrics.LiquidationsTotal.WithLabelValues(pos.AssetID).Inc()
	writeJSON(w, http.StatusOK, pos)
}

// --- Quote handlers ---

func (s *Service) QuoteRequiredCollateral(w http.ResponseWriter, r *http.Request) {
	assetID := r.URL.Query().Get("asset")
	collateralID := r.URL.Query().Get("collateral")
	debt, err := decimal.NewFromString(r.URL.Query().Get("debt"))
	if err != nil {
		writeError(w, "debt must be a decimal amount in native units", http.StatusBadRequest)
		return
	}

	required, err := s.engine.RequiredCollateral(r.Context(), assetID, collateralID, debt)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"required_collateral": required})
}

func (s *Service) QuoteMaxMintable(w http.ResponseWriter, r *http.Request) {
	assetID := r.URL.Query().Get("asset")
	collateralID := r.URL.Query().Get("collateral")
	collateral, err := decimal.NewFromString(r.URL.Query().Get("collateral_amount"))
	if err != nil {
		writeError(w, "collateral_amount must be a decimal amount in native units", http.StatusBadRequest)
		return
	}

	max, err := s.engine.MaxMintable(r.Context(), assetID, collateralID, collateral)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"max_mintable": max})
}

// --- Error mapping ---

// writeDomainError translates domain sentinels into HTTP statuses:
// malformed input 400, ownership 403, unknown ids 404, state and limit
// conflicts 409, oracle unavailability 503.
func writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, engine.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, registry.ErrInvalidSymbol),
		errors.Is(err, registry.ErrInvalidRatio),
		errors.Is(err, registry.ErrInvalidDiscount),
		errors.Is(err, registry.ErrInvalidDecimals):
		status = http.StatusBadRequest

	case errors.Is(err, engine.ErrNotOwner):
		status = http.StatusForbidden

	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, registry.ErrAssetNotFound),
		errors.Is(err, registry.ErrCollateralNotFound):
		status = http.StatusNotFound

	case errors.Is(err, registry.ErrAssetExists),
		errors.Is(err, registry.ErrCollateralExists),
		errors.Is(err, registry.ErrPairNotAllowed),
		errors.Is(err, engine.ErrAssetInactive),
		errors.Is(err, engine.ErrCollateralInactive),
		errors.Is(err, engine.ErrInsufficientCollateral),
		errors.Is(err, engine.ErrWithdrawBreaksPosition),
		errors.Is(err, engine.ErrAmountExceedsCollateral),
		errors.Is(err, engine.ErrAmountExceedsDebt),
		errors.Is(err, engine.ErrNoDebt),
		errors.Is(err, engine.ErrPositionClosed),
		errors.Is(err, engine.ErrNotUndercollateralized),
		errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, risk.ErrDebtCeilingExceeded),
		errors.Is(err, risk.ErrPositionCapExceeded):
		status = http.StatusConflict

	case errors.Is(err, oracle.ErrStalePrice):
		metrics.StalePriceErrors.Inc()
		status = http.StatusServiceUnavailable

	case errors.Is(err, oracle.ErrInvalidPrice),
		errors.Is(err, oracle.ErrFeedNotRegistered):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		slog.Error("internal error", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
