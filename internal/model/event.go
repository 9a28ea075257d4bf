package model

import (
	"time"

	"github.com/google/uuid"
)

// Event is a scheduled or resolved occurrence on a campaign's world-time
// axis. ScheduledAt is world time; the scheduler collaborator polls for
// events whose ScheduledAt has passed the campaign clock plus its grace
// period.
type Event struct {
	ID          uuid.UUID      `json:"id"`
	CampaignID  uuid.UUID      `json:"campaign_id"`
	Name        string         `json:"name"`
	EventType   string         `json:"event_type"`
	ScheduledAt *time.Time     `json:"scheduled_at,omitempty"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
	Payload     map[string]any `json:"payload"`
	Variables   map[string]any `json:"variables"`
	Version     int            `json:"version"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   *time.Time     `json:"deleted_at,omitempty"`
	ArchivedAt  *time.Time     `json:"archived_at,omitempty"`
}

// EncounterStatus tracks an encounter through its lifecycle.
type EncounterStatus string

const (
	EncounterPlanned   EncounterStatus = "PLANNED"
	EncounterActive    EncounterStatus = "ACTIVE"
	EncounterCompleted EncounterStatus = "COMPLETED"
	EncounterAbandoned EncounterStatus = "ABANDONED"
)

func (s EncounterStatus) Valid() bool {
	switch s {
	case EncounterPlanned, EncounterActive, EncounterCompleted, EncounterAbandoned:
		return true
	}
	return false
}

// Encounter is a staged confrontation or scene, optionally pinned to a
// location.
type Encounter struct {
	ID           uuid.UUID       `json:"id"`
	CampaignID   uuid.UUID       `json:"campaign_id"`
	LocationID   *uuid.UUID      `json:"location_id,omitempty"`
	Name         string          `json:"name"`
	Difficulty   int             `json:"difficulty"`
	Status       EncounterStatus `json:"status"`
	Participants map[string]any  `json:"participants"`
	Variables    map[string]any  `json:"variables"`
	Version      int             `json:"version"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	DeletedAt    *time.Time      `json:"deleted_at,omitempty"`
	ArchivedAt   *time.Time      `json:"archived_at,omitempty"`
}
