// Package store defines the persistence interface for positions and the
// append-only event log. Implementations include PostgreSQL (source of
// truth), Redis (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/synthex/mint-engine/internal/model"
)

// ErrNotFound is returned when a position id is unknown.
var ErrNotFound = errors.New("store: position not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Position state ---

	// CreatePosition persists a new position.
	CreatePosition(ctx context.Context, p *model.Position) error

	// GetPosition retrieves a position by its ID.
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// ListPositionsByOwner returns all positions owned by an account.
	ListPositionsByOwner(ctx context.Context, owner string) ([]model.Position, error)

	// UpdatePositionAmounts commits new collateral/debt amounts for an
	// active position.
	UpdatePositionAmounts(ctx context.Context, id string, collateral, debt decimal.Decimal, updatedAt time.Time) error

	// ClosePosition zeroes the amounts and marks the position closed.
	// Closing is terminal; a closed position is never updated again.
	ClosePosition(ctx context.Context, id string, closedAt time.Time) error

	// --- Risk aggregates ---

	// TotalDebt returns the outstanding debt across active positions for
	// an asset, in native units.
	TotalDebt(ctx context.Context, assetID string) (decimal.Decimal, error)

	// CountActiveByOwner returns the number of active positions an owner
	// holds.
	CountActiveByOwner(ctx context.Context, owner string) (int, error)

	// --- Immutable event log ---

	// InsertEvent appends an immutable state transition record.
	InsertEvent(ctx context.Context, e *model.Event) error

	// GetEventsByPosition returns all events for a position in order.
	GetEventsByPosition(ctx context.Context, positionID string) ([]model.Event, error)
}
