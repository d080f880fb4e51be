// Package engine implements the position lifecycle: open, collateral
// management, mint/burn, close, and liquidation. Every operation follows
// the same shape: validate inputs against one price snapshot, debit the
// caller, commit the position state, then credit recipients. Debits land
// before the state commit so a caller without the required balance aborts
// the operation cleanly; credits are drawn from custody the engine already
// holds and follow the commit.
//
// All monetary values use shopspring/decimal — never float64 for money.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/synthex/mint-engine/internal/fixedpoint"
	"github.com/synthex/mint-engine/internal/ledger"
	"github.com/synthex/mint-engine/internal/model"
	"github.com/synthex/mint-engine/internal/oracle"
	"github.com/synthex/mint-engine/internal/registry"
	"github.com/synthex/mint-engine/internal/risk"
	"github.com/synthex/mint-engine/internal/store"
)

var (
	ErrInvalidAmount           = errors.New("engine: amount must be positive")
	ErrAssetInactive           = errors.New("engine: asset is not active")
	ErrCollateralInactive      = errors.New("engine: collateral is not active")
	ErrInsufficientCollateral  = errors.New("engine: collateral below required minimum")
	ErrWithdrawBreaksPosition  = errors.New("engine: remaining collateral below required minimum")
	ErrAmountExceedsCollateral = errors.New("engine: amount exceeds position collateral")
	ErrAmountExceedsDebt       = errors.New("engine: amount exceeds position debt")
	ErrNoDebt                  = errors.New("engine: position has no outstanding debt")
	ErrNotOwner                = errors.New("engine: caller does not own position")
	ErrPositionClosed          = errors.New("engine: position is closed")
	ErrNotUndercollateralized  = errors.New("engine: position is not undercollateralized")
)

// RegistryPort is the slice of the registry the engine consumes.
// EffectiveRatio gates creation (active configs + allow-edge required);
// PairRatio serves operations on positions that already exist.
type RegistryPort interface {
	Asset(id string) (model.AssetConfig, error)
	Collateral(id string) (model.CollateralConfig, error)
	IsAssetActive(id string) bool
	IsCollateralActive(id string) bool
	EffectiveRatio(assetID, collateralID string) (int64, error)
	PairRatio(assetID, collateralID string) (int64, error)
	ProtocolFeeBps() int64
	FeeCollector() string
}

// EventSink receives position events after they are persisted. A nil sink
// is valid and drops events.
type EventSink interface {
	Publish(evt model.Event)
}

// Engine coordinates the registry, oracle, store and ledger for all
// position operations. Operations on the same position are serialized by
// a per-position lock; operations on different positions run concurrently.
type Engine struct {
	store    store.Store
	registry RegistryPort
	oracle   *oracle.Oracle
	ledger   ledger.Ledger
	limiter  *risk.Limiter
	sink     EventSink
	logger   *slog.Logger
	nowFn    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(st store.Store, reg RegistryPort, orc *oracle.Oracle, led ledger.Ledger, lim *risk.Limiter, sink EventSink, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    st,
		registry: reg,
		oracle:   orc,
		ledger:   led,
		limiter:  lim,
		sink:     sink,
		logger:   logger,
		nowFn:    time.Now,
		locks:    make(map[string]*sync.Mutex),
	}
}

// SetClock overrides the engine's time source. Test hook.
func (e *Engine) SetClock(fn func() time.Time) { e.nowFn = fn }

// lockFor returns the mutex for a key. Keys are namespaced: "position:"
// serializes operations on one position, "asset:" serializes the
// debt-ceiling check against commits for one asset, "owner:" the
// position-cap check against creates for one owner. Locks are always
// acquired in position, owner, asset order, so the ordering cannot cycle.
func (e *Engine) lockFor(key string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[key]
	if !ok {
		l = &sync.Mutex{}
		e.locks[key] = l
	}
	return l
}

func (e *Engine) positionLock(id string) *sync.Mutex { return e.lockFor("position:" + id) }
func (e *Engine) assetLock(id string) *sync.Mutex    { return e.lockFor("asset:" + id) }
func (e *Engine) ownerLock(id string) *sync.Mutex    { return e.lockFor("owner:" + id) }

// Create opens a position: locks collateralAmount from owner and mints
// debtAmount of the synthetic to them. The collateral must cover the
// debt at the pair's effective ratio at current prices.
func (e *Engine) Create(ctx context.Context, owner, assetID, collateralID string, collateralAmount, debtAmount decimal.Decimal) (*model.Position, error) {
	if collateralAmount.Sign() <= 0 || debtAmount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if !e.registry.IsAssetActive(assetID) {
		return nil, fmt.Errorf("%w: %s", ErrAssetInactive, assetID)
	}
	if !e.registry.IsCollateralActive(collateralID) {
		return nil, fmt.Errorf("%w: %s", ErrCollateralInactive, collateralID)
	}
	// The strict ratio gate: both configs active and the pair allowed.
	if _, err := e.registry.EffectiveRatio(assetID, collateralID); err != nil {
		return nil, err
	}

	// The cap and ceiling checks read cross-position aggregates, so the
	// owner and asset locks stay held until the position is committed.
	ownerLock := e.ownerLock(owner)
	ownerLock.Lock()
	defer ownerLock.Unlock()
	assetLock := e.assetLock(assetID)
	assetLock.Lock()
	defer assetLock.Unlock()

	active, err := e.store.CountActiveByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	if err := e.limiter.CheckPositionCount(active); err != nil {
		return nil, err
	}

	snap, err := e.takeSnapshot(ctx, assetID, collateralID)
	if err != nil {
		return nil, err
	}

	outstanding, err := e.store.TotalDebt(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if err := e.limiter.CheckDebtCeiling(snap.asset.DebtCeiling, outstanding, debtAmount); err != nil {
		return nil, err
	}

	required, err := snap.requiredCollateral(debtAmount)
	if err != nil {
		return nil, err
	}
	if collateralAmount.LessThan(required) {
		return nil, fmt.Errorf("%w: have %s, need %s", ErrInsufficientCollateral, collateralAmount, required)
	}

	if err := e.ledger.TransferIn(ctx, collateralID, owner, collateralAmount); err != nil {
		return nil, err
	}

	now := e.nowFn()
	pos := &model.Position{
		ID:               uuid.NewString(),
		Owner:            owner,
		AssetID:          assetID,
		CollateralID:     collateralID,
		CollateralAmount: collateralAmount,
		DebtAmount:       debtAmount,
		Status:           model.StatusActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.store.CreatePosition(ctx, pos); err != nil {
		return nil, err
	}

	if err := e.ledger.Mint(ctx, assetID, owner, debtAmount); err != nil {
		return nil, err
	}

	e.emit(ctx, pos, model.EventCreated, owner, debtAmount)
	e.logger.Info("position created",
		"position_id", pos.ID, "owner", owner,
		"asset", assetID, "collateral", collateralID,
		"collateral_amount", collateralAmount, "debt_amount", debtAmount)
	return pos, nil
}

// Deposit adds collateral to an active position. Owner-only; never
// ratio-checked, adding collateral only improves the position.
func (e *Engine) Deposit(ctx context.Context, id, actor string, amount decimal.Decimal) (*model.Position, error) {
	if amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	lock := e.positionLock(id)
	lock.Lock()
	defer lock.Unlock()

	pos, err := e.loadOwned(ctx, id, actor)
	if err != nil {
		return nil, err
	}

	if err := e.ledger.TransferIn(ctx, pos.CollateralID, actor, amount); err != nil {
		return nil, err
	}

	pos.CollateralAmount = pos.CollateralAmount.Add(amount)
	pos.UpdatedAt = e.nowFn()
	if err := e.store.UpdatePositionAmounts(ctx, id, pos.CollateralAmount, pos.DebtAmount, pos.UpdatedAt); err != nil {
		return nil, err
	}

	e.emit(ctx, pos, model.EventDeposited, actor, amount)
	return pos, nil
}

// Withdraw removes collateral from an active position. The remainder must
// still cover the outstanding debt at current prices. The protocol fee is
// taken from the withdrawn amount.
func (e *Engine) Withdraw(ctx context.Context, id, actor string, amount decimal.Decimal) (*model.Position, error) {
	if amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	lock := e.positionLock(id)
	lock.Lock()
	defer lock.Unlock()

	pos, err := e.loadOwned(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if amount.GreaterThan(pos.CollateralAmount) {
		return nil, fmt.Errorf("%w: have %s, want %s", ErrAmountExceedsCollateral, pos.CollateralAmount, amount)
	}

	// A debt-free position needs no valuation: any remainder covers zero
	// debt, and withdrawal must not depend on feed availability.
	remaining := pos.CollateralAmount.Sub(amount)
	if pos.DebtAmount.Sign() > 0 {
		snap, err := e.takeSnapshot(ctx, pos.AssetID, pos.CollateralID)
		if err != nil {
			return nil, err
		}
		required, err := snap.requiredCollateral(pos.DebtAmount)
		if err != nil {
			return nil, err
		}
		if remaining.LessThan(required) {
			return nil, fmt.Errorf("%w: remaining %s, need %s", ErrWithdrawBreaksPosition, remaining, required)
		}
	}

	fee, err := e.protocolFee(amount)
	if err != nil {
		return nil, err
	}
	net := amount.Sub(fee)

	pos.CollateralAmount = remaining
	pos.UpdatedAt = e.nowFn()
	if err := e.store.UpdatePositionAmounts(ctx, id, pos.CollateralAmount, pos.DebtAmount, pos.UpdatedAt); err != nil {
		return nil, err
	}

	if err := e.payOut(ctx, pos.CollateralID, fee, net, actor); err != nil {
		return nil, err
	}

	e.emit(ctx, pos, model.EventWithdrawn, actor, amount)
	return pos, nil
}

// Mint issues additional synthetic debt against an active position's
// collateral. Owner-only; subject to the asset debt ceiling and the
// pair's effective ratio at current prices.
func (e *Engine) Mint(ctx context.Context, id, actor string, amount decimal.Decimal) (*model.Position, error) {
	if amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	lock := e.positionLock(id)
	lock.Lock()
	defer lock.Unlock()

	pos, err := e.loadOwned(ctx, id, actor)
	if err != nil {
		return nil, err
	}

	snap, err := e.takeSnapshot(ctx, pos.AssetID, pos.CollateralID)
	if err != nil {
		return nil, err
	}

	// Ceiling check and commit under the asset lock; see lockFor.
	assetLock := e.assetLock(pos.AssetID)
	assetLock.Lock()
	defer assetLock.Unlock()

	outstanding, err := e.store.TotalDebt(ctx, pos.AssetID)
	if err != nil {
		return nil, err
	}
	if err := e.limiter.CheckDebtCeiling(snap.asset.DebtCeiling, outstanding, amount); err != nil {
		return nil, err
	}

	newDebt := pos.DebtAmount.Add(amount)
	required, err := snap.requiredCollateral(newDebt)
	if err != nil {
		return nil, err
	}
	if pos.CollateralAmount.LessThan(required) {
		return nil, fmt.Errorf("%w: have %s, need %s", ErrInsufficientCollateral, pos.CollateralAmount, required)
	}

	pos.DebtAmount = newDebt
	pos.UpdatedAt = e.nowFn()
	if err := e.store.UpdatePositionAmounts(ctx, id, pos.CollateralAmount, pos.DebtAmount, pos.UpdatedAt); err != nil {
		return nil, err
	}

	if err := e.ledger.Mint(ctx, pos.AssetID, actor, amount); err != nil {
		return nil, err
	}

	e.emit(ctx, pos, model.EventMinted, actor, amount)
	return pos, nil
}

// Burn repays part of a position's debt by burning synthetic tokens held
// by the owner. No ratio check; reducing debt only improves the position.
func (e *Engine) Burn(ctx context.Context, id, actor string, amount decimal.Decimal) (*model.Position, error) {
	if amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	lock := e.positionLock(id)
	lock.Lock()
	defer lock.Unlock()

	pos, err := e.loadOwned(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if amount.GreaterThan(pos.DebtAmount) {
		return nil, fmt.Errorf("%w: debt %s, want %s", ErrAmountExceedsDebt, pos.DebtAmount, amount)
	}

	if err := e.ledger.Burn(ctx, pos.AssetID, actor, amount); err != nil {
		return nil, err
	}

	pos.DebtAmount = pos.DebtAmount.Sub(amount)
	pos.UpdatedAt = e.nowFn()
	if err := e.store.UpdatePositionAmounts(ctx, id, pos.CollateralAmount, pos.DebtAmount, pos.UpdatedAt); err != nil {
		return nil, err
	}

	e.emit(ctx, pos, model.EventBurned, actor, amount)
	return pos, nil
}

// Close burns the position's full debt from the owner's balance and
// returns the collateral, net of the protocol fee on the full amount.
func (e *Engine) Close(ctx context.Context, id, actor string) (*model.Position, error) {
	lock := e.positionLock(id)
	lock.Lock()
	defer lock.Unlock()

	pos, err := e.loadOwned(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if pos.DebtAmount.Sign() == 0 {
		return nil, ErrNoDebt
	}

	debt := pos.DebtAmount
	if err := e.ledger.Burn(ctx, pos.AssetID, actor, debt); err != nil {
		return nil, err
	}

	fee, err := e.protocolFee(pos.CollateralAmount)
	if err != nil {
		return nil, err
	}
	net := pos.CollateralAmount.Sub(fee)

	pos.UpdatedAt = e.nowFn()
	pos.Status = model.StatusClosed
	pos.CollateralAmount = decimal.Zero
	pos.DebtAmount = decimal.Zero
	if err := e.store.ClosePosition(ctx, id, pos.UpdatedAt); err != nil {
		return nil, err
	}

	if err := e.payOut(ctx, pos.CollateralID, fee, net, actor); err != nil {
		return nil, err
	}

	e.emit(ctx, pos, model.EventClosed, actor, debt)
	e.logger.Info("position closed", "position_id", pos.ID, "owner", actor)
	return pos, nil
}

// Liquidate closes an undercollateralized position. Any caller may
// liquidate: they burn the full debt from their own balance and receive
// the debt's value plus the auction discount in collateral, capped at the
// position's collateral. Whatever remains is split between the protocol
// fee and the former owner.
func (e *Engine) Liquidate(ctx context.Context, id, caller string) (*model.Position, error) {
	lock := e.positionLock(id)
	lock.Lock()
	defer lock.Unlock()

	pos, err := e.store.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	if pos.Status != model.StatusActive {
		return nil, fmt.Errorf("%w: %s", ErrPositionClosed, id)
	}
	if pos.DebtAmount.Sign() == 0 {
		return nil, ErrNoDebt
	}

	snap, err := e.takeSnapshot(ctx, pos.AssetID, pos.CollateralID)
	if err != nil {
		return nil, err
	}
	ratio, err := snap.currentRatio(pos.CollateralAmount, pos.DebtAmount)
	if err != nil {
		return nil, err
	}
	if !ratio.Liquidatable {
		return nil, fmt.Errorf("%w: ratio %s >= %d", ErrNotUndercollateralized, ratio.Bps, snap.effectiveRatio)
	}

	if err := e.ledger.Burn(ctx, pos.AssetID, caller, pos.DebtAmount); err != nil {
		return nil, err
	}

	debtUsd, err := oracle.UsdValueAtPrice(snap.assetPrice, pos.DebtAmount, snap.asset.Decimals)
	if err != nil {
		return nil, err
	}
	discountedUsd, err := fixedpoint.MulDivFloor(debtUsd,
		decimal.NewFromInt(registry.BasisPoints+snap.asset.AuctionDiscount), bps)
	if err != nil {
		return nil, err
	}
	payout, err := oracle.TokenAmountAtPrice(snap.collateralPrice, discountedUsd, snap.collateral.Decimals)
	if err != nil {
		return nil, err
	}
	if payout.GreaterThan(pos.CollateralAmount) {
		payout = pos.CollateralAmount
	}

	remainder := pos.CollateralAmount.Sub(payout)
	fee := decimal.Zero
	if remainder.Sign() > 0 {
		fee, err = e.protocolFee(remainder)
		if err != nil {
			return nil, err
		}
	}
	refund := remainder.Sub(fee)

	pos.UpdatedAt = e.nowFn()
	pos.Status = model.StatusClosed
	pos.CollateralAmount = decimal.Zero
	pos.DebtAmount = decimal.Zero
	if err := e.store.ClosePosition(ctx, id, pos.UpdatedAt); err != nil {
		return nil, err
	}

	if payout.Sign() > 0 {
		if err := e.ledger.TransferOut(ctx, pos.CollateralID, caller, payout); err != nil {
			return nil, err
		}
	}
	if err := e.payOut(ctx, pos.CollateralID, fee, refund, pos.Owner); err != nil {
		return nil, err
	}

	e.emit(ctx, pos, model.EventLiquidated, caller, payout)
	e.logger.Info("position liquidated",
		"position_id", pos.ID, "caller", caller, "ratio_bps", ratio.Bps,
		"payout", payout, "refund", refund)
	return pos, nil
}

// Position returns a position by id.
func (e *Engine) Position(ctx context.Context, id string) (*model.Position, error) {
	return e.store.GetPosition(ctx, id)
}

// PositionsByOwner lists an owner's positions, active and closed.
func (e *Engine) PositionsByOwner(ctx context.Context, owner string) ([]model.Position, error) {
	return e.store.ListPositionsByOwner(ctx, owner)
}

// Events returns a position's event history, oldest first.
func (e *Engine) Events(ctx context.Context, id string) ([]model.Event, error) {
	if _, err := e.store.GetPosition(ctx, id); err != nil {
		return nil, err
	}
	return e.store.GetEventsByPosition(ctx, id)
}

// CurrentRatio reports a position's collateralization at current prices.
func (e *Engine) CurrentRatio(ctx context.Context, id string) (Ratio, error) {
	pos, err := e.store.GetPosition(ctx, id)
	if err != nil {
		return Ratio{}, err
	}
	if pos.Status != model.StatusActive {
		return Ratio{}, fmt.Errorf("%w: %s", ErrPositionClosed, id)
	}
	snap, err := e.takeSnapshot(ctx, pos.AssetID, pos.CollateralID)
	if err != nil {
		return Ratio{}, err
	}
	return snap.currentRatio(pos.CollateralAmount, pos.DebtAmount)
}

// RequiredCollateral quotes the minimum collateral backing debtAmount of
// the synthetic at current prices.
func (e *Engine) RequiredCollateral(ctx context.Context, assetID, collateralID string, debtAmount decimal.Decimal) (decimal.Decimal, error) {
	if debtAmount.Sign() < 0 {
		return decimal.Zero, ErrInvalidAmount
	}
	snap, err := e.takeSnapshot(ctx, assetID, collateralID)
	if err != nil {
		return decimal.Zero, err
	}
	return snap.requiredCollateral(debtAmount)
}

// MaxMintable quotes the largest debt collateralAmount can back at
// current prices.
func (e *Engine) MaxMintable(ctx context.Context, assetID, collateralID string, collateralAmount decimal.Decimal) (decimal.Decimal, error) {
	if collateralAmount.Sign() < 0 {
		return decimal.Zero, ErrInvalidAmount
	}
	snap, err := e.takeSnapshot(ctx, assetID, collateralID)
	if err != nil {
		return decimal.Zero, err
	}
	return snap.maxMintable(collateralAmount)
}

// loadOwned loads an active position and verifies actor owns it.
func (e *Engine) loadOwned(ctx context.Context, id, actor string) (*model.Position, error) {
	pos, err := e.store.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	if pos.Status != model.StatusActive {
		return nil, fmt.Errorf("%w: %s", ErrPositionClosed, id)
	}
	if pos.Owner != actor {
		return nil, fmt.Errorf("%w: %s", ErrNotOwner, id)
	}
	return pos, nil
}

func (e *Engine) protocolFee(amount decimal.Decimal) (decimal.Decimal, error) {
	feeBps := e.registry.ProtocolFeeBps()
	if feeBps == 0 || amount.Sign() == 0 {
		return decimal.Zero, nil
	}
	return fixedpoint.MulDivFloor(amount, decimal.NewFromInt(feeBps), bps)
}

// payOut sends fee to the fee collector and net to recipient, skipping
// zero amounts.
func (e *Engine) payOut(ctx context.Context, token string, fee, net decimal.Decimal, recipient string) error {
	if fee.Sign() > 0 {
		if err := e.ledger.TransferOut(ctx, token, e.registry.FeeCollector(), fee); err != nil {
			return err
		}
	}
	if net.Sign() > 0 {
		if err := e.ledger.TransferOut(ctx, token, recipient, net); err != nil {
			return err
		}
	}
	return nil
}

// emit records the event in the store and hands it to the sink. Event
// persistence is best-effort: a failed insert is logged, not surfaced,
// because the operation's state change has already committed.
func (e *Engine) emit(ctx context.Context, pos *model.Position, typ, actor string, amount decimal.Decimal) {
	evt := &model.Event{
		ID:               uuid.NewString(),
		PositionID:       pos.ID,
		Type:             typ,
		Actor:            actor,
		Amount:           amount,
		CollateralAmount: pos.CollateralAmount,
		DebtAmount:       pos.DebtAmount,
		Timestamp:        e.nowFn(),
	}
	if err := e.store.InsertEvent(ctx, evt); err != nil {
		e.logger.Error("insert event", "position_id", pos.ID, "type", typ, "error", err)
	}
	if e.sink != nil {
		e.sink.Publish(*evt)
	}
}
