package model

import (
	"time"

	"github.com/google/uuid"
)

// Operation is the audited mutation kind.
type Operation string

const (
	OpCreate     Operation = "CREATE"
	OpUpdate     Operation = "UPDATE"
	OpDelete     Operation = "DELETE"
	OpArchive    Operation = "ARCHIVE"
	OpRestore    Operation = "RESTORE"
	OpFork       Operation = "FORK"
	OpMerge      Operation = "MERGE"
	OpCherryPick Operation = "CHERRY_PICK"
)

// AuditEntry is one append-only record of a mutation. Diff is computed from
// PreviousState and NewState when both are present.
type AuditEntry struct {
	ID            uuid.UUID      `json:"id"`
	EntityType    EntityType     `json:"entity_type"`
	EntityID      uuid.UUID      `json:"entity_id"`
	Operation     Operation      `json:"operation"`
	UserID        uuid.UUID      `json:"user_id"`
	Changes       map[string]any `json:"changes"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	PreviousState map[string]any `json:"previous_state,omitempty"`
	NewState      map[string]any `json:"new_state,omitempty"`
	Diff          map[string]any `json:"diff,omitempty"`
	Reason        *string        `json:"reason,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// AuditFilter narrows List queries over the audit log.
type AuditFilter struct {
	EntityType *EntityType
	EntityID   *uuid.UUID
	UserID     *uuid.UUID
	Operation  *Operation
	Since      *time.Time
	Until      *time.Time
	Limit      int
}
