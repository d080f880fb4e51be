// Package model defines the core domain types shared across the mint engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position states. A position is created Active and transitions to Closed
// exactly once, either by an owner close or a liquidation. Closed is terminal.
const (
	StatusActive = "active"
	StatusClosed = "closed"
)

// Event types recorded for every successful state transition.
const (
	EventCreated    = "position_created"
	EventDeposited  = "collateral_deposited"
	EventWithdrawn  = "collateral_withdrawn"
	EventMinted     = "debt_minted"
	EventBurned     = "debt_burned"
	EventClosed     = "position_closed"
	EventLiquidated = "position_liquidated"
)

// AssetConfig describes a mintable synthetic asset. Configs are never
// deleted, only deactivated.
type AssetConfig struct {
	ID                 string          `json:"id" db:"id"`
	MinCollateralRatio int64           `json:"min_collateral_ratio" db:"min_collateral_ratio"` // bps, >= 10000
	AuctionDiscount    int64           `json:"auction_discount" db:"auction_discount"`         // bps bonus for liquidators
	Decimals           int32           `json:"decimals" db:"decimals"`
	DebtCeiling        decimal.Decimal `json:"debt_ceiling" db:"debt_ceiling"` // native units; zero = uncapped
	Active             bool            `json:"active" db:"active"`
}

// CollateralConfig describes a token accepted as collateral.
type CollateralConfig struct {
	ID             string `json:"id" db:"id"`
	RiskMultiplier int64  `json:"risk_multiplier" db:"risk_multiplier"` // bps, >= 10000
	Decimals       int32  `json:"decimals" db:"decimals"`
	Active         bool   `json:"active" db:"active"`
}

// PriceQuote is a raw oracle observation: integer mantissa with a signed
// base-10 exponent, as published by the external feed. Consumed read-only.
type PriceQuote struct {
	Mantissa    int64     `json:"mantissa"`
	Exponent    int32     `json:"exponent"`
	PublishTime time.Time `json:"publish_time"`
}

// Position is a collateralized debt position. CollateralAmount is in
// collateral-native base units, DebtAmount in synthetic-native base units;
// both are integer-valued decimals.
type Position struct {
	ID               string          `json:"id" db:"id"`
	Owner            string          `json:"owner" db:"owner"`
	AssetID          string          `json:"asset_id" db:"asset_id"`
	CollateralID     string          `json:"collateral_id" db:"collateral_id"`
	CollateralAmount decimal.Decimal `json:"collateral_amount" db:"collateral_amount"`
	DebtAmount       decimal.Decimal `json:"debt_amount" db:"debt_amount"`
	Status           string          `json:"status" db:"status"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// Event is an immutable record of a position state transition. Once created,
// these are never modified or deleted.
type Event struct {
	ID               string          `json:"id" db:"id"`
	PositionID       string          `json:"position_id" db:"position_id"`
	Type             string          `json:"type" db:"type"`
	Actor            string          `json:"actor" db:"actor"`
	Amount           decimal.Decimal `json:"amount" db:"amount"` // operation amount, zero where not applicable
	CollateralAmount decimal.Decimal `json:"collateral_amount" db:"collateral_amount"`
	DebtAmount       decimal.Decimal `json:"debt_amount" db:"debt_amount"`
	Timestamp        time.Time       `json:"timestamp" db:"timestamp"`
}
