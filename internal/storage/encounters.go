package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/loreweave/chronicle/internal/model"
)

const encounterColumns = `id, campaign_id, location_id, name, difficulty, status, participants, variables, version, created_at, updated_at, deleted_at, archived_at`

func scanEncounter(row pgx.Row) (*model.Encounter, error) {
	var e model.Encounter
	err := row.Scan(
		&e.ID, &e.CampaignID, &e.LocationID, &e.Name, &e.Difficulty, &e.Status,
		&e.Participants, &e.Variables, &e.Version, &e.CreatedAt, &e.UpdatedAt, &e.DeletedAt, &e.ArchivedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetEncounter retrieves a live encounter by ID.
func (db *DB) GetEncounter(ctx context.Context, id uuid.UUID) (*model.Encounter, error) {
	e, err := scanEncounter(db.pool.QueryRow(ctx,
		`SELECT `+encounterColumns+` FROM encounters WHERE id = $1 AND deleted_at IS NULL`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("storage: encounter %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("storage: get encounter: %w", err)
	}
	return e, nil
}

// ListEncountersByCampaign returns the campaign's live encounters, name ASC.
func (db *DB) ListEncountersByCampaign(ctx context.Context, campaignID uuid.UUID) ([]*model.Encounter, error) {
	return db.listEncounters(ctx,
		`SELECT `+encounterColumns+` FROM encounters
		 WHERE campaign_id = $1 AND deleted_at IS NULL ORDER BY name ASC`, campaignID)
}

// ListEncountersByLocation returns live encounters staged at a location,
// name ASC.
func (db *DB) ListEncountersByLocation(ctx context.Context, locationID uuid.UUID) ([]*model.Encounter, error) {
	return db.listEncounters(ctx,
		`SELECT `+encounterColumns+` FROM encounters
		 WHERE location_id = $1 AND deleted_at IS NULL ORDER BY name ASC`, locationID)
}

func (db *DB) listEncounters(ctx context.Context, query string, arg any) ([]*model.Encounter, error) {
	rows, err := db.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("storage: list encounters: %w", err)
	}
	defer rows.Close()

	var encounters []*model.Encounter
	for rows.Next() {
		e, err := scanEncounter(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan encounter: %w", err)
		}
		encounters = append(encounters, e)
	}
	return encounters, rows.Err()
}

// InsertEncounterWithVersion writes the current row and its first version
// record in one transaction.
func (db *DB) InsertEncounterWithVersion(ctx context.Context, e *model.Encounter, rec *model.VersionRecord) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin insert encounter: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO encounters (`+encounterColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ID, e.CampaignID, e.LocationID, e.Name, e.Difficulty, string(e.Status),
		e.Participants, e.Variables, e.Version, e.CreatedAt, e.UpdatedAt, e.DeletedAt, e.ArchivedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert encounter: %w", err)
	}
	if err := appendVersionTx(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit insert encounter: %w", err)
	}
	return nil
}

// UpdateEncounterWithVersion applies a version-guarded update and appends
// the matching version record in one transaction.
func (db *DB) UpdateEncounterWithVersion(ctx context.Context, e *model.Encounter, expectedVersion int, rec *model.VersionRecord) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin update encounter: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE encounters SET location_id = $1, name = $2, difficulty = $3, status = $4,
		        participants = $5, variables = $6, version = $7, updated_at = $8
		 WHERE id = $9 AND version = $10 AND deleted_at IS NULL`,
		e.LocationID, e.Name, e.Difficulty, string(e.Status), e.Participants, e.Variables,
		e.Version, e.UpdatedAt, e.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("storage: update encounter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.optimisticFailure(ctx, model.EntityEncounter, e.ID, expectedVersion)
	}
	if err := appendVersionTx(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit update encounter: %w", err)
	}
	return nil
}
