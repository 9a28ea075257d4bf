package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/loreweave/chronicle/internal/model"
)

const eventColumns = `id, campaign_id, name, event_type, scheduled_at, resolved_at, payload, variables, version, created_at, updated_at, deleted_at, archived_at`

func scanEvent(row pgx.Row) (*model.Event, error) {
	var e model.Event
	err := row.Scan(
		&e.ID, &e.CampaignID, &e.Name, &e.EventType, &e.ScheduledAt, &e.ResolvedAt,
		&e.Payload, &e.Variables, &e.Version, &e.CreatedAt, &e.UpdatedAt, &e.DeletedAt, &e.ArchivedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetEvent retrieves a live event by ID.
func (db *DB) GetEvent(ctx context.Context, id uuid.UUID) (*model.Event, error) {
	e, err := scanEvent(db.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM world_events WHERE id = $1 AND deleted_at IS NULL`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("storage: event %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("storage: get event: %w", err)
	}
	return e, nil
}

// ListEventsByCampaign returns the campaign's live events, name ASC.
func (db *DB) ListEventsByCampaign(ctx context.Context, campaignID uuid.UUID) ([]*model.Event, error) {
	return db.listEvents(ctx,
		`SELECT `+eventColumns+` FROM world_events
		 WHERE campaign_id = $1 AND deleted_at IS NULL ORDER BY name ASC`, campaignID)
}

// FindDueEvents returns unresolved events scheduled at or before the
// campaign clock plus the scheduler's grace window, soonest first.
func (db *DB) FindDueEvents(ctx context.Context, campaignID uuid.UUID, worldTime time.Time, grace time.Duration) ([]*model.Event, error) {
	return db.listEvents(ctx,
		`SELECT `+eventColumns+` FROM world_events
		 WHERE campaign_id = $1 AND scheduled_at <= $2
		   AND resolved_at IS NULL AND deleted_at IS NULL
		 ORDER BY scheduled_at ASC`, campaignID, worldTime.Add(grace))
}

func (db *DB) listEvents(ctx context.Context, query string, args ...any) ([]*model.Event, error) {
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list events: %w", err)
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// InsertEventWithVersion writes the current row and its first version
// record in one transaction.
func (db *DB) InsertEventWithVersion(ctx context.Context, e *model.Event, rec *model.VersionRecord) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin insert event: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO world_events (`+eventColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ID, e.CampaignID, e.Name, e.EventType, e.ScheduledAt, e.ResolvedAt,
		e.Payload, e.Variables, e.Version, e.CreatedAt, e.UpdatedAt, e.DeletedAt, e.ArchivedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert event: %w", err)
	}
	if err := appendVersionTx(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit insert event: %w", err)
	}
	return nil
}

// UpdateEventWithVersion applies a version-guarded update and appends the
// matching version record in one transaction.
func (db *DB) UpdateEventWithVersion(ctx context.Context, e *model.Event, expectedVersion int, rec *model.VersionRecord) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin update event: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE world_events SET name = $1, event_type = $2, scheduled_at = $3,
		        resolved_at = $4, payload = $5, variables = $6, version = $7, updated_at = $8
		 WHERE id = $9 AND version = $10 AND deleted_at IS NULL`,
		e.Name, e.EventType, e.ScheduledAt, e.ResolvedAt, e.Payload, e.Variables,
		e.Version, e.UpdatedAt, e.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("storage: update event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.optimisticFailure(ctx, model.EntityEvent, e.ID, expectedVersion)
	}
	if err := appendVersionTx(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit update event: %w", err)
	}
	return nil
}
