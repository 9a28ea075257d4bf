package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/loreweave/chronicle/internal/model"
)

const structureColumns = `id, settlement_id, name, structure_type, level, variables, version, created_at, updated_at, deleted_at, archived_at`

func scanStructure(row pgx.Row) (*model.Structure, error) {
	var s model.Structure
	err := row.Scan(
		&s.ID, &s.SettlementID, &s.Name, &s.StructureType, &s.Level,
		&s.Variables, &s.Version, &s.CreatedAt, &s.UpdatedAt, &s.DeletedAt, &s.ArchivedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetStructure retrieves a live structure by ID.
func (db *DB) GetStructure(ctx context.Context, id uuid.UUID) (*model.Structure, error) {
	s, err := scanStructure(db.pool.QueryRow(ctx,
		`SELECT `+structureColumns+` FROM structures WHERE id = $1 AND deleted_at IS NULL`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("storage: structure %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("storage: get structure: %w", err)
	}
	return s, nil
}

// ListStructuresBySettlement returns the settlement's live structures, name ASC.
func (db *DB) ListStructuresBySettlement(ctx context.Context, settlementID uuid.UUID) ([]*model.Structure, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+structureColumns+` FROM structures
		 WHERE settlement_id = $1 AND deleted_at IS NULL ORDER BY name ASC`, settlementID)
	if err != nil {
		return nil, fmt.Errorf("storage: list structures: %w", err)
	}
	defer rows.Close()

	var structures []*model.Structure
	for rows.Next() {
		s, err := scanStructure(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan structure: %w", err)
		}
		structures = append(structures, s)
	}
	return structures, rows.Err()
}

// CountStructuresByType counts a settlement's live structures of the given
// type. Backs the settlement.hasStructureType formula operator.
func (db *DB) CountStructuresByType(ctx context.Context, settlementID uuid.UUID, structureType string) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM structures
		 WHERE settlement_id = $1 AND structure_type = $2 AND deleted_at IS NULL`,
		settlementID, structureType,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count structures by type: %w", err)
	}
	return n, nil
}

// InsertStructureWithVersion writes the current row and its first version
// record in one transaction.
func (db *DB) InsertStructureWithVersion(ctx context.Context, s *model.Structure, rec *model.VersionRecord) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin insert structure: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO structures (`+structureColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		s.ID, s.SettlementID, s.Name, s.StructureType, s.Level,
		s.Variables, s.Version, s.CreatedAt, s.UpdatedAt, s.DeletedAt, s.ArchivedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert structure: %w", err)
	}
	if err := appendVersionTx(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit insert structure: %w", err)
	}
	return nil
}

// UpdateStructureWithVersion applies a version-guarded update and appends
// the matching version record in one transaction.
func (db *DB) UpdateStructureWithVersion(ctx context.Context, s *model.Structure, expectedVersion int, rec *model.VersionRecord) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin update structure: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE structures SET name = $1, structure_type = $2, level = $3,
		        variables = $4, version = $5, updated_at = $6
		 WHERE id = $7 AND version = $8 AND deleted_at IS NULL`,
		s.Name, s.StructureType, s.Level, s.Variables,
		s.Version, s.UpdatedAt, s.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("storage: update structure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.optimisticFailure(ctx, model.EntityStructure, s.ID, expectedVersion)
	}
	if err := appendVersionTx(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit update structure: %w", err)
	}
	return nil
}
