package model

import (
	"time"

	"github.com/google/uuid"
)

// Kingdom is a top-level polity within a campaign.
type Kingdom struct {
	ID         uuid.UUID      `json:"id"`
	CampaignID uuid.UUID      `json:"campaign_id"`
	Name       string         `json:"name"`
	Ruler      *string        `json:"ruler,omitempty"`
	Alignment  *string        `json:"alignment,omitempty"`
	Treasury   int            `json:"treasury"`
	Variables  map[string]any `json:"variables"`
	Version    int            `json:"version"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	DeletedAt  *time.Time     `json:"deleted_at,omitempty"`
	ArchivedAt *time.Time     `json:"archived_at,omitempty"`
}

// Settlement is a populated place within a kingdom.
type Settlement struct {
	ID         uuid.UUID      `json:"id"`
	KingdomID  uuid.UUID      `json:"kingdom_id"`
	Name       string         `json:"name"`
	Population int            `json:"population"`
	Level      int            `json:"level"`
	Variables  map[string]any `json:"variables"`
	Version    int            `json:"version"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	DeletedAt  *time.Time     `json:"deleted_at,omitempty"`
	ArchivedAt *time.Time     `json:"archived_at,omitempty"`
}

// Structure is a building or improvement inside a settlement.
type Structure struct {
	ID            uuid.UUID      `json:"id"`
	SettlementID  uuid.UUID      `json:"settlement_id"`
	Name          string         `json:"name"`
	StructureType string         `json:"structure_type"`
	Level         int            `json:"level"`
	Variables     map[string]any `json:"variables"`
	Version       int            `json:"version"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     *time.Time     `json:"deleted_at,omitempty"`
	ArchivedAt    *time.Time     `json:"archived_at,omitempty"`
}
