package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/loreweave/chronicle/internal/model"
)

const partyColumns = `id, campaign_id, name, motto, reputation, variables, version, created_at, updated_at, deleted_at, archived_at`

func scanParty(row pgx.Row) (*model.Party, error) {
	var p model.Party
	err := row.Scan(
		&p.ID, &p.CampaignID, &p.Name, &p.Motto, &p.Reputation,
		&p.Variables, &p.Version, &p.CreatedAt, &p.UpdatedAt, &p.DeletedAt, &p.ArchivedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetParty retrieves a live party by ID.
func (db *DB) GetParty(ctx context.Context, id uuid.UUID) (*model.Party, error) {
	p, err := scanParty(db.pool.QueryRow(ctx,
		`SELECT `+partyColumns+` FROM parties WHERE id = $1 AND deleted_at IS NULL`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("storage: party %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("storage: get party: %w", err)
	}
	return p, nil
}

// ListPartiesByCampaign returns the campaign's live parties, name ASC.
func (db *DB) ListPartiesByCampaign(ctx context.Context, campaignID uuid.UUID) ([]*model.Party, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+partyColumns+` FROM parties
		 WHERE campaign_id = $1 AND deleted_at IS NULL ORDER BY name ASC`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("storage: list parties: %w", err)
	}
	defer rows.Close()

	var parties []*model.Party
	for rows.Next() {
		p, err := scanParty(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan party: %w", err)
		}
		parties = append(parties, p)
	}
	return parties, rows.Err()
}

// InsertPartyWithVersion writes the current row and its first version
// record in one transaction.
func (db *DB) InsertPartyWithVersion(ctx context.Context, p *model.Party, rec *model.VersionRecord) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin insert party: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO parties (`+partyColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.CampaignID, p.Name, p.Motto, p.Reputation,
		p.Variables, p.Version, p.CreatedAt, p.UpdatedAt, p.DeletedAt, p.ArchivedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert party: %w", err)
	}
	if err := appendVersionTx(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit insert party: %w", err)
	}
	return nil
}

// UpdatePartyWithVersion applies a version-guarded update and appends the
// matching version record in one transaction.
func (db *DB) UpdatePartyWithVersion(ctx context.Context, p *model.Party, expectedVersion int, rec *model.VersionRecord) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin update party: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE parties SET name = $1, motto = $2, reputation = $3,
		        variables = $4, version = $5, updated_at = $6
		 WHERE id = $7 AND version = $8 AND deleted_at IS NULL`,
		p.Name, p.Motto, p.Reputation, p.Variables,
		p.Version, p.UpdatedAt, p.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("storage: update party: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.optimisticFailure(ctx, model.EntityParty, p.ID, expectedVersion)
	}
	if err := appendVersionTx(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit update party: %w", err)
	}
	return nil
}
