package model

import (
	"time"

	"github.com/google/uuid"
)

// World is the top-level container locations and campaigns hang off.
// World management itself lives in an external surface; the fields here are
// the ones this layer needs for location binding and ownership checks.
type World struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	OwnerID   uuid.UUID `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Campaign is the root tenant. All access checks resolve to a campaign, and
// the campaign carries the world-time clock every versioned write defaults
// to.
type Campaign struct {
	ID          uuid.UUID      `json:"id"`
	WorldID     uuid.UUID      `json:"world_id"`
	OwnerID     uuid.UUID      `json:"owner_id"`
	Name        string         `json:"name"`
	Description *string        `json:"description,omitempty"`
	Settings    map[string]any `json:"settings"`

	// CurrentWorldTime is the campaign clock: a domain instant, not wall
	// clock. Nil until the first advance.
	CurrentWorldTime *time.Time `json:"current_world_time,omitempty"`

	Version    int        `json:"version"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

// Role is a member's standing within a campaign.
type Role string

const (
	RoleOwner    Role = "OWNER"
	RoleGM       Role = "GM"
	RolePlayer   Role = "PLAYER"
	RoleObserver Role = "OBSERVER"
)

// CanMerge reports whether the role may execute merges and cherry-picks.
func (r Role) CanMerge() bool {
	return r == RoleOwner || r == RoleGM
}

// CanManage reports whether the role may administer the campaign itself:
// metadata updates and membership changes. Deletion stays owner-only.
func (r Role) CanManage() bool {
	return r == RoleOwner || r == RoleGM
}

// CampaignMember grants a user access to a campaign. The owner has an
// implicit OWNER role and needs no row.
type CampaignMember struct {
	CampaignID uuid.UUID `json:"campaign_id"`
	UserID     uuid.UUID `json:"user_id"`
	Role       Role      `json:"role"`
	JoinedAt   time.Time `json:"joined_at"`
}
