// Package registry holds the asset and collateral configuration and owns
// the effective collateral ratio formula.
//
// Configs are registered and updated through narrow admin setters and are
// never deleted, only deactivated. The engine consumes the registry
// read-only.
package registry

import (
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/synthex/mint-engine/internal/fixedpoint"
	"github.com/synthex/mint-engine/internal/model"
)

// BasisPoints is the bps scale: 10000 = 100%.
const BasisPoints int64 = 10_000

// MaxRatioBps bounds minimum ratios and risk multipliers at 10000% so
// their product stays far from int64 overflow.
const MaxRatioBps int64 = 1_000_000

// MaxDiscountBps bounds the auction discount at a 100% bonus.
const MaxDiscountBps int64 = BasisPoints

// symbolRegex matches token identifiers: uppercase alphanumerics with an
// optional lowercase "s" synthetic prefix, 2-16 chars total.
// Examples: USDC, ETH, sTSLA, sBTC.
var symbolRegex = regexp.MustCompile(`^s?[A-Z0-9]{2,15}$`)

var (
	ErrInvalidSymbol      = errors.New("registry: invalid token symbol")
	ErrInvalidRatio       = errors.New("registry: ratio outside supported bps range")
	ErrInvalidDiscount    = errors.New("registry: auction discount outside supported bps range")
	ErrInvalidDecimals    = errors.New("registry: decimals out of supported range")
	ErrAssetExists        = errors.New("registry: asset already registered")
	ErrAssetNotFound      = errors.New("registry: asset not registered")
	ErrCollateralExists   = errors.New("registry: collateral already registered")
	ErrCollateralNotFound = errors.New("registry: collateral not registered")
	ErrPairNotAllowed     = errors.New("registry: pair not allowed")
)

// Registry is the in-memory configuration authority. All access is
// guarded by a single RWMutex; admin writes are rare.
type Registry struct {
	mu          sync.RWMutex
	assets      map[string]model.AssetConfig
	collaterals map[string]model.CollateralConfig
	allowed     map[string]bool // assetID + "/" + collateralID

	protocolFeeBps int64
	feeCollector   string
}

// New creates a registry with the given protocol fee and fee collector
// account.
func New(protocolFeeBps int64, feeCollector string) *Registry {
	return &Registry{
		assets:         make(map[string]model.AssetConfig),
		collaterals:    make(map[string]model.CollateralConfig),
		allowed:        make(map[string]bool),
		protocolFeeBps: protocolFeeBps,
		feeCollector:   feeCollector,
	}
}

func pairKey(assetID, collateralID string) string {
	return assetID + "/" + collateralID
}

// --- Admin operations ---

// RegisterAsset adds a new synthetic asset config, active immediately.
func (r *Registry) RegisterAsset(cfg model.AssetConfig) error {
	if !symbolRegex.MatchString(cfg.ID) {
		return fmt.Errorf("%w: %q", ErrInvalidSymbol, cfg.ID)
	}
	if cfg.MinCollateralRatio < BasisPoints || cfg.MinCollateralRatio > MaxRatioBps {
		return fmt.Errorf("%w: got %d", ErrInvalidRatio, cfg.MinCollateralRatio)
	}
	if cfg.AuctionDiscount < 0 || cfg.AuctionDiscount > MaxDiscountBps {
		return fmt.Errorf("%w: got %d", ErrInvalidDiscount, cfg.AuctionDiscount)
	}
	if cfg.Decimals < 0 || cfg.Decimals > fixedpoint.MaxDecimals {
		return ErrInvalidDecimals
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.assets[cfg.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAssetExists, cfg.ID)
	}
	cfg.Active = true
	r.assets[cfg.ID] = cfg
	return nil
}

// UpdateAsset replaces the mutable fields of an existing asset config.
// Decimals are immutable after registration.
func (r *Registry) UpdateAsset(id string, minCollateralRatio, auctionDiscount int64, debtCeiling decimal.Decimal) error {
	if minCollateralRatio < BasisPoints || minCollateralRatio > MaxRatioBps {
		return fmt.Errorf("%w: got %d", ErrInvalidRatio, minCollateralRatio)
	}
	if auctionDiscount < 0 || auctionDiscount > MaxDiscountBps {
		return fmt.Errorf("%w: got %d", ErrInvalidDiscount, auctionDiscount)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, ok := r.assets[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAssetNotFound, id)
	}
	cfg.MinCollateralRatio = minCollateralRatio
	cfg.AuctionDiscount = auctionDiscount
	cfg.DebtCeiling = debtCeiling
	r.assets[id] = cfg
	return nil
}

// DeactivateAsset marks an asset inactive. Existing positions remain
// manageable; new positions cannot be created.
func (r *Registry) DeactivateAsset(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, ok := r.assets[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAssetNotFound, id)
	}
	cfg.Active = false
	r.assets[id] = cfg
	return nil
}

// RegisterCollateral adds a new collateral config, active immediately.
func (r *Registry) RegisterCollateral(cfg model.CollateralConfig) error {
	if !symbolRegex.MatchString(cfg.ID) {
		return fmt.Errorf("%w: %q", ErrInvalidSymbol, cfg.ID)
	}
	if cfg.RiskMultiplier < BasisPoints || cfg.RiskMultiplier > MaxRatioBps {
		return fmt.Errorf("%w: got %d", ErrInvalidRatio, cfg.RiskMultiplier)
	}
	if cfg.Decimals < 0 || cfg.Decimals > fixedpoint.MaxDecimals {
		return ErrInvalidDecimals
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.collaterals[cfg.ID]; ok {
		return fmt.Errorf("%w: %s", ErrCollateralExists, cfg.ID)
	}
	cfg.Active = true
	r.collaterals[cfg.ID] = cfg
	return nil
}

// UpdateCollateral replaces the risk multiplier of an existing collateral.
func (r *Registry) UpdateCollateral(id string, riskMultiplier int64) error {
	if riskMultiplier < BasisPoints || riskMultiplier > MaxRatioBps {
		return fmt.Errorf("%w: got %d", ErrInvalidRatio, riskMultiplier)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, ok := r.collaterals[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCollateralNotFound, id)
	}
	cfg.RiskMultiplier = riskMultiplier
	r.collaterals[id] = cfg
	return nil
}

// DeactivateCollateral marks a collateral inactive.
func (r *Registry) DeactivateCollateral(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, ok := r.collaterals[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCollateralNotFound, id)
	}
	cfg.Active = false
	r.collaterals[id] = cfg
	return nil
}

// AllowPair permits positions pairing the given asset and collateral.
// Both configs must already be registered.
func (r *Registry) AllowPair(assetID, collateralID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.assets[assetID]; !ok {
		return fmt.Errorf("%w: %s", ErrAssetNotFound, assetID)
	}
	if _, ok := r.collaterals[collateralID]; !ok {
		return fmt.Errorf("%w: %s", ErrCollateralNotFound, collateralID)
	}
	r.allowed[pairKey(assetID, collateralID)] = true
	return nil
}

// DisallowPair removes the allow-edge for a pair. Existing positions are
// unaffected; new positions cannot be created.
func (r *Registry) DisallowPair(assetID, collateralID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.allowed, pairKey(assetID, collateralID))
	return nil
}

// --- Read path consumed by the engine ---

// Asset returns the config for an asset id.
func (r *Registry) Asset(id string) (model.AssetConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.assets[id]
	if !ok {
		return model.AssetConfig{}, fmt.Errorf("%w: %s", ErrAssetNotFound, id)
	}
	return cfg, nil
}

// Collateral returns the config for a collateral id.
func (r *Registry) Collateral(id string) (model.CollateralConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.collaterals[id]
	if !ok {
		return model.CollateralConfig{}, fmt.Errorf("%w: %s", ErrCollateralNotFound, id)
	}
	return cfg, nil
}

// IsAssetActive reports whether the asset exists and is active.
func (r *Registry) IsAssetActive(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.assets[id]
	return ok && cfg.Active
}

// IsCollateralActive reports whether the collateral exists and is active.
func (r *Registry) IsCollateralActive(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.collaterals[id]
	return ok && cfg.Active
}

// IsAllowed reports whether the pair has an allow-edge.
func (r *Registry) IsAllowed(assetID, collateralID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.allowed[pairKey(assetID, collateralID)]
}

// effectiveRatio is the single home of the ratio formula: the asset's
// minimum ratio scaled by the collateral's risk multiplier, floor-divided
// by the bps scale.
func effectiveRatio(asset model.AssetConfig, collateral model.CollateralConfig) int64 {
	return asset.MinCollateralRatio * collateral.RiskMultiplier / BasisPoints
}

// EffectiveRatio returns the minimum collateral ratio for a pair in bps.
// Fails unless both configs are active and the pair is allowed; this is
// the gate for opening new positions.
func (r *Registry) EffectiveRatio(assetID, collateralID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	asset, ok := r.assets[assetID]
	if !ok || !asset.Active {
		return 0, fmt.Errorf("%w: %s/%s", ErrPairNotAllowed, assetID, collateralID)
	}
	collateral, ok := r.collaterals[collateralID]
	if !ok || !collateral.Active {
		return 0, fmt.Errorf("%w: %s/%s", ErrPairNotAllowed, assetID, collateralID)
	}
	if !r.allowed[pairKey(assetID, collateralID)] {
		return 0, fmt.Errorf("%w: %s/%s", ErrPairNotAllowed, assetID, collateralID)
	}
	return effectiveRatio(asset, collateral), nil
}

// PairRatio returns the same ratio from the raw configs, ignoring active
// flags and the allow-edge. Operations on existing positions use this so
// deactivating a config cannot strand a position that still needs to be
// managed or liquidated.
func (r *Registry) PairRatio(assetID, collateralID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	asset, ok := r.assets[assetID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrAssetNotFound, assetID)
	}
	collateral, ok := r.collaterals[collateralID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrCollateralNotFound, collateralID)
	}
	return effectiveRatio(asset, collateral), nil
}

// ProtocolFeeBps returns the protocol fee applied on collateral withdrawal
// and settlement, in bps.
func (r *Registry) ProtocolFeeBps() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.protocolFeeBps
}

// FeeCollector returns the account that receives protocol fees.
func (r *Registry) FeeCollector() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.feeCollector
}

// ListAssets returns all registered asset configs.
func (r *Registry) ListAssets() []model.AssetConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.AssetConfig, 0, len(r.assets))
	for _, cfg := range r.assets {
		out = append(out, cfg)
	}
	return out
}

// ListCollaterals returns all registered collateral configs.
func (r *Registry) ListCollaterals() []model.CollateralConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.CollateralConfig, 0, len(r.collaterals))
	for _, cfg := range r.collaterals {
		out = append(out, cfg)
	}
	return out
}
