package model

import (
	"time"

	"github.com/google/uuid"
)

// Location is a named place on a world map. Locations are world-bound, not
// campaign-bound: campaigns on the same world share them, so they carry no
// campaign ID and are never written to the version log.
type Location struct {
	ID           uuid.UUID      `json:"id"`
	WorldID      uuid.UUID      `json:"world_id"`
	Name         string         `json:"name"`
	LocationType string         `json:"location_type"`
	Description  *string        `json:"description,omitempty"`
	Coordinates  map[string]any `json:"coordinates,omitempty"`
	Variables    map[string]any `json:"variables"`
	Version      int            `json:"version"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    *time.Time     `json:"deleted_at,omitempty"`
	ArchivedAt   *time.Time     `json:"archived_at,omitempty"`
}
