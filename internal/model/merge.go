package model

import (
	"time"

	"github.com/google/uuid"
)

// ConflictType classifies a merge conflict by the nil-pattern of the three
// payloads at the conflicting path.
type ConflictType string

const (
	ConflictBothModified    ConflictType = "BOTH_MODIFIED"
	ConflictBothDeleted     ConflictType = "BOTH_DELETED"
	ConflictModifiedDeleted ConflictType = "MODIFIED_DELETED"
	ConflictDeletedModified ConflictType = "DELETED_MODIFIED"
)

// MergeConflict is one unresolved divergence at a leaf path of one entity.
type MergeConflict struct {
	EntityType  EntityType   `json:"entity_type"`
	EntityID    uuid.UUID    `json:"entity_id"`
	Path        string       `json:"path"`
	Type        ConflictType `json:"type"`
	Description string       `json:"description"`
	BaseValue   any          `json:"base_value"`
	SourceValue any          `json:"source_value"`
	TargetValue any          `json:"target_value"`
	Suggestion  any          `json:"suggestion,omitempty"`
}

// MergeResolution supplies the final value for one conflicting path.
// Matched against conflicts by (EntityID, EntityType, Path).
type MergeResolution struct {
	EntityID      uuid.UUID  `json:"entity_id"`
	EntityType    EntityType `json:"entity_type"`
	Path          string     `json:"path"`
	ResolvedValue any        `json:"resolved_value"`
}

// EntityMergePreview is the three-way outcome for a single entity.
type EntityMergePreview struct {
	EntityType   EntityType      `json:"entity_type"`
	EntityID     uuid.UUID       `json:"entity_id"`
	AutoResolved int             `json:"auto_resolved"`
	Conflicts    []MergeConflict `json:"conflicts"`

	// Merged is the synthesized payload when no conflicts remain. Internal
	// to the merge pipeline; not part of the serialized preview.
	Merged map[string]any `json:"-"`
}

// MergePreview aggregates the per-entity outcomes of a prospective merge.
type MergePreview struct {
	SourceBranchID           uuid.UUID            `json:"source_branch_id"`
	TargetBranchID           uuid.UUID            `json:"target_branch_id"`
	CommonAncestorID         uuid.UUID            `json:"common_ancestor_id"`
	WorldTime                time.Time            `json:"world_time"`
	Entities                 []EntityMergePreview `json:"entities"`
	TotalConflicts           int                  `json:"total_conflicts"`
	TotalAutoResolved        int                  `json:"total_auto_resolved"`
	RequiresManualResolution bool                 `json:"requires_manual_resolution"`
}

// MergeResult reports an executed merge. When Success is false no write
// occurred and Conflicts lists what remains unresolved.
type MergeResult struct {
	Success        bool            `json:"success"`
	EntitiesMerged int             `json:"entities_merged"`
	ConflictsCount int             `json:"conflicts_count"`
	Conflicts      []MergeConflict `json:"conflicts,omitempty"`
	MergeHistoryID *uuid.UUID      `json:"merge_history_id,omitempty"`
	VersionIDs     []uuid.UUID     `json:"version_ids,omitempty"`
}

// CherryPickResult reports a single-version transplant onto another branch.
type CherryPickResult struct {
	Success     bool            `json:"success"`
	HasConflict bool            `json:"has_conflict"`
	VersionID   *uuid.UUID      `json:"version_id,omitempty"`
	Conflicts   []MergeConflict `json:"conflicts,omitempty"`
}

// ForkResult reports a branch fork. VersionsCopied counts eager snapshot
// copies; reads resolve through the parent chain, so it stays 0.
type ForkResult struct {
	Branch         Branch `json:"branch"`
	VersionsCopied int    `json:"versions_copied"`
}
