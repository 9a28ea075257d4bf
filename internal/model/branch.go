package model

import (
	"time"

	"github.com/google/uuid"
)

// Branch is a named timeline within a campaign. Branches form a forest:
// root branches have ParentID=nil, forks carry the world time they diverged
// from their parent at. Version records are branch-scoped; reads walk from
// the branch toward its root.
type Branch struct {
	ID         uuid.UUID  `json:"id"`
	CampaignID uuid.UUID  `json:"campaign_id"`
	Name       string     `json:"name"`
	ParentID   *uuid.UUID `json:"parent_id,omitempty"`

	// DivergedAt is the world-time instant this branch forked from its
	// parent. Nil only for root branches.
	DivergedAt *time.Time `json:"diverged_at,omitempty"`

	IsPinned  bool       `json:"is_pinned"`
	Color     *string    `json:"color,omitempty"`
	Tags      []string   `json:"tags"`
	CreatedBy uuid.UUID  `json:"created_by"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// IsRoot reports whether the branch is a tree root (no parent).
func (b *Branch) IsRoot() bool { return b.ParentID == nil }

// BranchNode is a branch with its resolved children, used by the tree view.
type BranchNode struct {
	Branch   Branch       `json:"branch"`
	Children []BranchNode `json:"children"`
}

// MergeHistory records one executed merge between two branches.
type MergeHistory struct {
	ID               uuid.UUID      `json:"id"`
	SourceBranchID   uuid.UUID      `json:"source_branch_id"`
	TargetBranchID   uuid.UUID      `json:"target_branch_id"`
	CommonAncestorID uuid.UUID      `json:"common_ancestor_id"`
	WorldTime        time.Time      `json:"world_time"`
	MergedBy         uuid.UUID      `json:"merged_by"`
	MergedAt         time.Time      `json:"merged_at"`
	ConflictsCount   int            `json:"conflicts_count"`
	EntitiesMerged   int            `json:"entities_merged"`
	ResolutionsData  map[string]any `json:"resolutions_data"`
	Metadata         map[string]any `json:"metadata"`
}
