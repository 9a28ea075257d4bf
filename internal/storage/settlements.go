package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/loreweave/chronicle/internal/model"
)

const settlementColumns = `id, kingdom_id, name, population, level, variables, version, created_at, updated_at, deleted_at, archived_at`

func scanSettlement(row pgx.Row) (*model.Settlement, error) {
	var s model.Settlement
	err := row.Scan(
		&s.ID, &s.KingdomID, &s.Name, &s.Population, &s.Level,
		&s.Variables, &s.Version, &s.CreatedAt, &s.UpdatedAt, &s.DeletedAt, &s.ArchivedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSettlement retrieves a live settlement by ID.
func (db *DB) GetSettlement(ctx context.Context, id uuid.UUID) (*model.Settlement, error) {
	s, err := scanSettlement(db.pool.QueryRow(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE id = $1 AND deleted_at IS NULL`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("storage: settlement %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("storage: get settlement: %w", err)
	}
	return s, nil
}

// ListSettlementsByKingdom returns the kingdom's live settlements, name ASC.
func (db *DB) ListSettlementsByKingdom(ctx context.Context, kingdomID uuid.UUID) ([]*model.Settlement, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+settlementColumns+` FROM settlements
		 WHERE kingdom_id = $1 AND deleted_at IS NULL ORDER BY name ASC`, kingdomID)
	if err != nil {
		return nil, fmt.Errorf("storage: list settlements: %w", err)
	}
	defer rows.Close()

	var settlements []*model.Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan settlement: %w", err)
		}
		settlements = append(settlements, s)
	}
	return settlements, rows.Err()
}

// InsertSettlementWithVersion writes the current row and its first version
// record in one transaction.
func (db *DB) InsertSettlementWithVersion(ctx context.Context, s *model.Settlement, rec *model.VersionRecord) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin insert settlement: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO settlements (`+settlementColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		s.ID, s.KingdomID, s.Name, s.Population, s.Level,
		s.Variables, s.Version, s.CreatedAt, s.UpdatedAt, s.DeletedAt, s.ArchivedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert settlement: %w", err)
	}
	if err := appendVersionTx(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit insert settlement: %w", err)
	}
	return nil
}

// UpdateSettlementWithVersion applies a version-guarded update and appends
// the matching version record in one transaction.
func (db *DB) UpdateSettlementWithVersion(ctx context.Context, s *model.Settlement, expectedVersion int, rec *model.VersionRecord) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin update settlement: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE settlements SET name = $1, population = $2, level = $3,
		        variables = $4, version = $5, updated_at = $6
		 WHERE id = $7 AND version = $8 AND deleted_at IS NULL`,
		s.Name, s.Population, s.Level, s.Variables,
		s.Version, s.UpdatedAt, s.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("storage: update settlement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.optimisticFailure(ctx, model.EntitySettlement, s.ID, expectedVersion)
	}
	if err := appendVersionTx(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit update settlement: %w", err)
	}
	return nil
}
