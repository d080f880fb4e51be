package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/synthex/mint-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreatePosition(ctx context.Context, p *model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (id, owner, asset_id, collateral_id, collateral_amount, debt_amount, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9)`,
		p.ID, p.Owner, p.AssetID, p.CollateralID,
		p.CollateralAmount.String(), p.DebtAmount.String(),
		p.Status, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	var p model.Position
	var collateral, debt string

	err := s.pool.QueryRow(ctx,
		`SELECT id, owner, asset_id, collateral_id,
		        collateral_amount::TEXT, debt_amount::TEXT,
		        status, created_at, updated_at
		 FROM positions WHERE id = $1`, id).
		Scan(&p.ID, &p.Owner, &p.AssetID, &p.CollateralID,
			&collateral, &debt,
			&p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get position %s: %w", id, err)
	}

	p.CollateralAmount, _ = decimal.NewFromString(collateral)
	p.DebtAmount, _ = decimal.NewFromString(debt)

	return &p, nil
}

func (s *PostgresStore) ListPositionsByOwner(ctx context.Context, owner string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner, asset_id, collateral_id,
		        collateral_amount::TEXT, debt_amount::TEXT,
		        status, created_at, updated_at
		 FROM positions WHERE owner = $1 ORDER BY created_at DESC`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var collateral, debt string
		if err := rows.Scan(&p.ID, &p.Owner, &p.AssetID, &p.CollateralID,
			&collateral, &debt,
			&p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.CollateralAmount, _ = decimal.NewFromString(collateral)
		p.DebtAmount, _ = decimal.NewFromString(debt)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) UpdatePositionAmounts(ctx context.Context, id string, collateral, debt decimal.Decimal, updatedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions
		 SET collateral_amount = $2::NUMERIC, debt_amount = $3::NUMERIC, updated_at = $4
		 WHERE id = $1 AND status = 'active'`,
		id, collateral.String(), debt.String(), updatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) ClosePosition(ctx context.Context, id string, closedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions
		 SET collateral_amount = 0, debt_amount = 0, status = 'closed', updated_at = $2
		 WHERE id = $1 AND status = 'active'`,
		id, closedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) TotalDebt(ctx context.Context, assetID string) (decimal.Decimal, error) {
	var total string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(debt_amount), 0)::TEXT
		 FROM positions WHERE asset_id = $1 AND status = 'active'`, assetID).
		Scan(&total)
	if err != nil {
		return decimal.Zero, err
	}
	d, _ := decimal.NewFromString(total)
	return d, nil
}

func (s *PostgresStore) CountActiveByOwner(ctx context.Context, owner string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM positions WHERE owner = $1 AND status = 'active'`, owner).
		Scan(&count)
	return count, err
}

func (s *PostgresStore) InsertEvent(ctx context.Context, e *model.Event) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO position_events (id, position_id, type, actor, amount, collateral_amount, debt_amount, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)`,
		e.ID, e.PositionID, e.Type, e.Actor,
		e.Amount.String(), e.CollateralAmount.String(), e.DebtAmount.String(),
		e.Timestamp,
	)
	return err
}

func (s *PostgresStore) GetEventsByPosition(ctx context.Context, positionID string) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, position_id, type, actor,
		        amount::TEXT, collateral_amount::TEXT, debt_amount::TEXT, timestamp
		 FROM position_events WHERE position_id = $1 ORDER BY timestamp`, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		var amount, collateral, debt string
		if err := rows.Scan(&e.ID, &e.PositionID, &e.Type, &e.Actor,
			&amount, &collateral, &debt, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Amount, _ = decimal.NewFromString(amount)
		e.CollateralAmount, _ = decimal.NewFromString(collateral)
		e.DebtAmount, _ = decimal.NewFromString(debt)
		events = append(events, e)
	}
	return events, rows.Err()
}
