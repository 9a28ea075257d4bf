package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/loreweave/chronicle/internal/model"
)

const kingdomColumns = `id, campaign_id, name, ruler, alignment, treasury, variables, version, created_at, updated_at, deleted_at, archived_at`

func scanKingdom(row pgx.Row) (*model.Kingdom, error) {
	var k model.Kingdom
	err := row.Scan(
		&k.ID, &k.CampaignID, &k.Name, &k.Ruler, &k.Alignment, &k.Treasury,
		&k.Variables, &k.Version, &k.CreatedAt, &k.UpdatedAt, &k.DeletedAt, &k.ArchivedAt,
	)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// GetKingdom retrieves a live kingdom by ID.
func (db *DB) GetKingdom(ctx context.Context, id uuid.UUID) (*model.Kingdom, error) {
	k, err := scanKingdom(db.pool.QueryRow(ctx,
		`SELECT `+kingdomColumns+` FROM kingdoms WHERE id = $1 AND deleted_at IS NULL`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("storage: kingdom %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("storage: get kingdom: %w", err)
	}
	return k, nil
}

// ListKingdomsByCampaign returns the campaign's live kingdoms, name ASC.
func (db *DB) ListKingdomsByCampaign(ctx context.Context, campaignID uuid.UUID) ([]*model.Kingdom, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+kingdomColumns+` FROM kingdoms
		 WHERE campaign_id = $1 AND deleted_at IS NULL ORDER BY name ASC`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("storage: list kingdoms: %w", err)
	}
	defer rows.Close()

	var kingdoms []*model.Kingdom
	for rows.Next() {
		k, err := scanKingdom(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan kingdom: %w", err)
		}
		kingdoms = append(kingdoms, k)
	}
	return kingdoms, rows.Err()
}

// InsertKingdomWithVersion writes the current row and its first version
// record in one transaction.
func (db *DB) InsertKingdomWithVersion(ctx context.Context, k *model.Kingdom, rec *model.VersionRecord) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin insert kingdom: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO kingdoms (`+kingdomColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		k.ID, k.CampaignID, k.Name, k.Ruler, k.Alignment, k.Treasury,
		k.Variables, k.Version, k.CreatedAt, k.UpdatedAt, k.DeletedAt, k.ArchivedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert kingdom: %w", err)
	}
	if err := appendVersionTx(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit insert kingdom: %w", err)
	}
	return nil
}

// UpdateKingdomWithVersion applies a version-guarded update to the current
// row and appends the matching version record in one transaction.
func (db *DB) UpdateKingdomWithVersion(ctx context.Context, k *model.Kingdom, expectedVersion int, rec *model.VersionRecord) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin update kingdom: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE kingdoms SET name = $1, ruler = $2, alignment = $3, treasury = $4,
		        variables = $5, version = $6, updated_at = $7
		 WHERE id = $8 AND version = $9 AND deleted_at IS NULL`,
		k.Name, k.Ruler, k.Alignment, k.Treasury, k.Variables,
		k.Version, k.UpdatedAt, k.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("storage: update kingdom: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.optimisticFailure(ctx, model.EntityKingdom, k.ID, expectedVersion)
	}
	if err := appendVersionTx(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit update kingdom: %w", err)
	}
	return nil
}
