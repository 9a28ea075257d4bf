package model

import (
	"time"

	"github.com/google/uuid"
)

// VersionRecord is one snapshot in the per-entity-per-branch append-only
// log. For a given (entityType, entityId, branchId) the records partition
// the world-time axis into half-open intervals [ValidFrom, ValidTo);
// ValidTo=nil marks the currently-open tail. Records are immutable once
// written except for the single tail close that accompanies the next
// append.
type VersionRecord struct {
	ID         uuid.UUID  `json:"id"`
	EntityType EntityType `json:"entity_type"`
	EntityID   uuid.UUID  `json:"entity_id"`
	BranchID   uuid.UUID  `json:"branch_id"`

	// Version mirrors the entity row's optimistic counter at snapshot time.
	Version int `json:"version"`

	ValidFrom time.Time  `json:"valid_from"`
	ValidTo   *time.Time `json:"valid_to,omitempty"`

	// PayloadGz is the codec-encoded full entity record. Checksum is the
	// BLAKE2b-256 hex of the canonical uncompressed payload, used for cheap
	// equality during diffs and merges.
	PayloadGz []byte `json:"-"`
	Checksum  string `json:"checksum"`

	CreatedBy uuid.UUID `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// VersionMeta is a history row without the payload bytes.
type VersionMeta struct {
	ID         uuid.UUID  `json:"id"`
	EntityType EntityType `json:"entity_type"`
	EntityID   uuid.UUID  `json:"entity_id"`
	BranchID   uuid.UUID  `json:"branch_id"`
	Version    int        `json:"version"`
	ValidFrom  time.Time  `json:"valid_from"`
	ValidTo    *time.Time `json:"valid_to,omitempty"`
	Checksum   string     `json:"checksum"`
	CreatedBy  uuid.UUID  `json:"created_by"`
	CreatedAt  time.Time  `json:"created_at"`
}
