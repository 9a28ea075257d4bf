package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/loreweave/chronicle/internal/model"
)

const characterColumns = `id, campaign_id, party_id, name, class, level, stats, variables, version, created_at, updated_at, deleted_at, archived_at`

func scanCharacter(row pgx.Row) (*model.Character, error) {
	var c model.Character
	err := row.Scan(
		&c.ID, &c.CampaignID, &c.PartyID, &c.Name, &c.Class, &c.Level, &c.Stats,
		&c.Variables, &c.Version, &c.CreatedAt, &c.UpdatedAt, &c.DeletedAt, &c.ArchivedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCharacter retrieves a live character by ID.
func (db *DB) GetCharacter(ctx context.Context, id uuid.UUID) (*model.Character, error) {
	c, err := scanCharacter(db.pool.QueryRow(ctx,
		`SELECT `+characterColumns+` FROM characters WHERE id = $1 AND deleted_at IS NULL`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("storage: character %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("storage: get character: %w", err)
	}
	return c, nil
}

// ListCharactersByCampaign returns the campaign's live characters, name ASC.
func (db *DB) ListCharactersByCampaign(ctx context.Context, campaignID uuid.UUID) ([]*model.Character, error) {
	return db.listCharacters(ctx,
		`SELECT `+characterColumns+` FROM characters
		 WHERE campaign_id = $1 AND deleted_at IS NULL ORDER BY name ASC`, campaignID)
}

// ListCharactersByParty returns the party's live characters, name ASC.
func (db *DB) ListCharactersByParty(ctx context.Context, partyID uuid.UUID) ([]*model.Character, error) {
	return db.listCharacters(ctx,
		`SELECT `+characterColumns+` FROM characters
		 WHERE party_id = $1 AND deleted_at IS NULL ORDER BY name ASC`, partyID)
}

func (db *DB) listCharacters(ctx context.Context, query string, arg any) ([]*model.Character, error) {
	rows, err := db.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("storage: list characters: %w", err)
	}
	defer rows.Close()

	var characters []*model.Character
	for rows.Next() {
		c, err := scanCharacter(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan character: %w", err)
		}
		characters = append(characters, c)
	}
	return characters, rows.Err()
}

// InsertCharacterWithVersion writes the current row and its first version
// record in one transaction.
func (db *DB) InsertCharacterWithVersion(ctx context.Context, c *model.Character, rec *model.VersionRecord) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin insert character: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO characters (`+characterColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		c.ID, c.CampaignID, c.PartyID, c.Name, c.Class, c.Level, c.Stats,
		c.Variables, c.Version, c.CreatedAt, c.UpdatedAt, c.DeletedAt, c.ArchivedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert character: %w", err)
	}
	if err := appendVersionTx(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit insert character: %w", err)
	}
	return nil
}

// UpdateCharacterWithVersion applies a version-guarded update and appends
// the matching version record in one transaction.
func (db *DB) UpdateCharacterWithVersion(ctx context.Context, c *model.Character, expectedVersion int, rec *model.VersionRecord) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin update character: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE characters SET party_id = $1, name = $2, class = $3, level = $4,
		        stats = $5, variables = $6, version = $7, updated_at = $8
		 WHERE id = $9 AND version = $10 AND deleted_at IS NULL`,
		c.PartyID, c.Name, c.Class, c.Level, c.Stats, c.Variables,
		c.Version, c.UpdatedAt, c.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("storage: update character: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.optimisticFailure(ctx, model.EntityCharacter, c.ID, expectedVersion)
	}
	if err := appendVersionTx(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit update character: %w", err)
	}
	return nil
}
