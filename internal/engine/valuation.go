package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/synthex/mint-engine/internal/fixedpoint"
	"github.com/synthex/mint-engine/internal/model"
	"github.com/synthex/mint-engine/internal/oracle"
	"github.com/synthex/mint-engine/internal/registry"
)

var bps = decimal.NewFromInt(registry.BasisPoints)

// snapshot is one atomic view of everything an operation's ratio checks
// depend on: both configs, the effective ratio, and both prices. Every
// operation takes exactly one snapshot and runs all of its internal math
// against it, so no operation can see two different prices.
type snapshot struct {
	asset           model.AssetConfig
	collateral      model.CollateralConfig
	effectiveRatio  int64
	assetPrice      decimal.Decimal
	collateralPrice decimal.Decimal
}

// takeSnapshot loads configs and prices for a pair. The ratio comes from
// the registry's lenient PairRatio: deactivating a config or removing an
// edge blocks new positions but must never strand an existing one —
// burns, closes, and liquidations still need the ratio.
func (e *Engine) takeSnapshot(ctx context.Context, assetID, collateralID string) (*snapshot, error) {
	asset, err := e.registry.Asset(assetID)
	if err != nil {
		return nil, err
	}
	collateral, err := e.registry.Collateral(collateralID)
	if err != nil {
		return nil, err
	}
	ratio, err := e.registry.PairRatio(assetID, collateralID)
	if err != nil {
		return nil, err
	}

	now := e.nowFn()
	assetPrice, _, err := e.oracle.NormalizedUsdPrice(ctx, assetID, now)
	if err != nil {
		return nil, err
	}
	collateralPrice, _, err := e.oracle.NormalizedUsdPrice(ctx, collateralID, now)
	if err != nil {
		return nil, err
	}

	return &snapshot{
		asset:           asset,
		collateral:      collateral,
		effectiveRatio:  ratio,
		assetPrice:      assetPrice,
		collateralPrice: collateralPrice,
	}, nil
}

// requiredCollateral returns the minimum collateral (native units) backing
// the given debt at the snapshot prices. Rounds up at every step: the
// requirement is an obligation owed to the protocol, so truncation never
// relaxes it.
func (s *snapshot) requiredCollateral(debtAmount decimal.Decimal) (decimal.Decimal, error) {
	if debtAmount.Sign() == 0 {
		return decimal.Zero, nil
	}
	debtUsd, err := oracle.UsdValueAtPrice(s.assetPrice, debtAmount, s.asset.Decimals)
	if err != nil {
		return decimal.Zero, err
	}
	requiredUsd, err := fixedpoint.MulDivCeil(debtUsd, decimal.NewFromInt(s.effectiveRatio), bps)
	if err != nil {
		return decimal.Zero, err
	}
	return oracle.TokenAmountAtPriceCeil(s.collateralPrice, requiredUsd, s.collateral.Decimals)
}

// maxMintable returns the largest debt (native units) the given collateral
// can back at the snapshot prices, truncated toward zero.
func (s *snapshot) maxMintable(collateralAmount decimal.Decimal) (decimal.Decimal, error) {
	if collateralAmount.Sign() == 0 {
		return decimal.Zero, nil
	}
	collateralUsd, err := oracle.UsdValueAtPrice(s.collateralPrice, collateralAmount, s.collateral.Decimals)
	if err != nil {
		return decimal.Zero, err
	}
	debtUsd, err := fixedpoint.MulDivFloor(collateralUsd, bps, decimal.NewFromInt(s.effectiveRatio))
	if err != nil {
		return decimal.Zero, err
	}
	return oracle.TokenAmountAtPrice(s.assetPrice, debtUsd, s.asset.Decimals)
}

// Ratio is a position's collateralization state. When the position has no
// debt the ratio is infinite and Bps is meaningless.
type Ratio struct {
	Bps            decimal.Decimal `json:"bps"`
	Infinite       bool            `json:"infinite"`
	EffectiveRatio int64           `json:"effective_ratio"`
	Liquidatable   bool            `json:"liquidatable"`
}

// currentRatio computes collateralUsd × 10000 / debtUsd at the snapshot
// prices. No debt means infinite; no collateral against debt means zero.
func (s *snapshot) currentRatio(collateralAmount, debtAmount decimal.Decimal) (Ratio, error) {
	r := Ratio{EffectiveRatio: s.effectiveRatio}

	if debtAmount.Sign() == 0 {
		r.Infinite = true
		return r, nil
	}
	if collateralAmount.Sign() == 0 {
		r.Bps = decimal.Zero
		r.Liquidatable = true
		return r, nil
	}

	collateralUsd, err := oracle.UsdValueAtPrice(s.collateralPrice, collateralAmount, s.collateral.Decimals)
	if err != nil {
		return Ratio{}, err
	}
	debtUsd, err := oracle.UsdValueAtPrice(s.assetPrice, debtAmount, s.asset.Decimals)
	if err != nil {
		return Ratio{}, err
	}
	if debtUsd.Sign() == 0 {
		// Debt too small to register at canonical precision.
		r.Infinite = true
		return r, nil
	}

	r.Bps, err = fixedpoint.MulDivFloor(collateralUsd, bps, debtUsd)
	if err != nil {
		return Ratio{}, err
	}
	r.Liquidatable = r.Bps.LessThan(decimal.NewFromInt(s.effectiveRatio))
	return r, nil
}
