// Package risk implements supply-side limits on minting: per-asset debt
// ceilings and a cap on simultaneously active positions per owner.
//
// Ceilings bound the system's exposure to any single synthetic asset so a
// mispriced feed cannot be levered into unbounded debt before operators
// react.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrDebtCeilingExceeded is returned when a mint would push an
	// asset's total outstanding debt beyond its ceiling.
	ErrDebtCeilingExceeded = errors.New("risk: asset debt ceiling exceeded")

	// ErrPositionCapExceeded is returned when an owner already holds the
	// maximum number of active positions.
	ErrPositionCapExceeded = errors.New("risk: active position cap exceeded")
)

// Limiter enforces mint-side limits. A zero value for any limit disables
// that check.
type Limiter struct {
	// MaxActivePerOwner caps simultaneously active positions per owner.
	MaxActivePerOwner int
}

// NewLimiter creates a limiter with the given per-owner position cap.
func NewLimiter(maxActivePerOwner int) *Limiter {
	return &Limiter{MaxActivePerOwner: maxActivePerOwner}
}

// CheckDebtCeiling validates that outstanding + delta stays within the
// asset's ceiling. A zero ceiling means the asset is uncapped.
func (l *Limiter) CheckDebtCeiling(ceiling, outstanding, delta decimal.Decimal) error {
	if ceiling.IsZero() {
		return nil
	}
	if outstanding.Add(delta).GreaterThan(ceiling) {
		return ErrDebtCeilingExceeded
	}
	return nil
}

// CheckPositionCount validates that an owner may open one more position.
func (l *Limiter) CheckPositionCount(activeCount int) error {
	if l.MaxActivePerOwner > 0 && activeCount >= l.MaxActivePerOwner {
		return ErrPositionCapExceeded
	}
	return nil
}
