package model

import (
	"time"

	"github.com/google/uuid"
)

// Party is an adventuring group within a campaign.
type Party struct {
	ID         uuid.UUID      `json:"id"`
	CampaignID uuid.UUID      `json:"campaign_id"`
	Name       string         `json:"name"`
	Motto      *string        `json:"motto,omitempty"`
	Reputation int            `json:"reputation"`
	Variables  map[string]any `json:"variables"`
	Version    int            `json:"version"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	DeletedAt  *time.Time     `json:"deleted_at,omitempty"`
	ArchivedAt *time.Time     `json:"archived_at,omitempty"`
}

// Character is a player or non-player character. PartyID is nil for
// unaffiliated characters.
type Character struct {
	ID         uuid.UUID      `json:"id"`
	CampaignID uuid.UUID      `json:"campaign_id"`
	PartyID    *uuid.UUID     `json:"party_id,omitempty"`
	Name       string         `json:"name"`
	Class      *string        `json:"class,omitempty"`
	Level      int            `json:"level"`
	Stats      map[string]any `json:"stats"`
	Variables  map[string]any `json:"variables"`
	Version    int            `json:"version"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	DeletedAt  *time.Time     `json:"deleted_at,omitempty"`
	ArchivedAt *time.Time     `json:"archived_at,omitempty"`
}
