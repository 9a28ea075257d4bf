package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/loreweave/chronicle/internal/model"
)

const locationColumns = `id, world_id, name, location_type, description, coordinates, variables, version, created_at, updated_at, deleted_at, archived_at`

func scanLocation(row pgx.Row) (*model.Location, error) {
	var l model.Location
	err := row.Scan(
		&l.ID, &l.WorldID, &l.Name, &l.LocationType, &l.Description, &l.Coordinates,
		&l.Variables, &l.Version, &l.CreatedAt, &l.UpdatedAt, &l.DeletedAt, &l.ArchivedAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// GetLocation retrieves a live location by ID.
func (db *DB) GetLocation(ctx context.Context, id uuid.UUID) (*model.Location, error) {
	l, err := scanLocation(db.pool.QueryRow(ctx,
		`SELECT `+locationColumns+` FROM locations WHERE id = $1 AND deleted_at IS NULL`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("storage: location %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("storage: get location: %w", err)
	}
	return l, nil
}

// ListLocationsByWorld returns the world's live locations, name ASC.
func (db *DB) ListLocationsByWorld(ctx context.Context, worldID uuid.UUID) ([]*model.Location, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+locationColumns+` FROM locations
		 WHERE world_id = $1 AND deleted_at IS NULL ORDER BY name ASC`, worldID)
	if err != nil {
		return nil, fmt.Errorf("storage: list locations: %w", err)
	}
	defer rows.Close()

	var locations []*model.Location
	for rows.Next() {
		l, err := scanLocation(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan location: %w", err)
		}
		locations = append(locations, l)
	}
	return locations, rows.Err()
}

// InsertLocation writes a location row. Locations carry no version
// records, so there is no transactional composite here.
func (db *DB) InsertLocation(ctx context.Context, l *model.Location) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO locations (`+locationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		l.ID, l.WorldID, l.Name, l.LocationType, l.Description, l.Coordinates,
		l.Variables, l.Version, l.CreatedAt, l.UpdatedAt, l.DeletedAt, l.ArchivedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert location: %w", err)
	}
	return nil
}

// UpdateLocation applies a version-guarded update to a location row.
func (db *DB) UpdateLocation(ctx context.Context, l *model.Location, expectedVersion int) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE locations SET name = $1, location_type = $2, description = $3,
		        coordinates = $4, variables = $5, version = $6, updated_at = $7
		 WHERE id = $8 AND version = $9 AND deleted_at IS NULL`,
		l.Name, l.LocationType, l.Description, l.Coordinates, l.Variables,
		l.Version, l.UpdatedAt, l.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("storage: update location: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.optimisticFailure(ctx, model.EntityLocation, l.ID, expectedVersion)
	}
	return nil
}
