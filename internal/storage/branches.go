package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/loreweave/chronicle/internal/model"
)

const branchColumns = `id, campaign_id, name, parent_id, diverged_at, is_pinned, color, tags, created_by, created_at, updated_at, deleted_at`

func scanBranch(row pgx.Row) (*model.Branch, error) {
	var b model.Branch
	err := row.Scan(
		&b.ID, &b.CampaignID, &b.Name, &b.ParentID, &b.DivergedAt,
		&b.IsPinned, &b.Color, &b.Tags, &b.CreatedBy, &b.CreatedAt, &b.UpdatedAt, &b.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// InsertBranch writes a new branch row.
func (db *DB) InsertBranch(ctx context.Context, b *model.Branch) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO branches (`+branchColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		b.ID, b.CampaignID, b.Name, b.ParentID, b.DivergedAt,
		b.IsPinned, b.Color, b.Tags, b.CreatedBy, b.CreatedAt, b.UpdatedAt, b.DeletedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert branch: %w", err)
	}
	return nil
}

// GetBranch retrieves a branch by ID, including soft-deleted rows: version
// resolution must keep walking through a deleted parent. Callers that care
// check DeletedAt.
func (db *DB) GetBranch(ctx context.Context, id uuid.UUID) (*model.Branch, error) {
	b, err := scanBranch(db.pool.QueryRow(ctx,
		`SELECT `+branchColumns+` FROM branches WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("storage: branch %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("storage: get branch: %w", err)
	}
	return b, nil
}

// ListBranchesByCampaign returns the campaign's live branches, name ASC.
func (db *DB) ListBranchesByCampaign(ctx context.Context, campaignID uuid.UUID) ([]model.Branch, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+branchColumns+` FROM branches
		 WHERE campaign_id = $1 AND deleted_at IS NULL
		 ORDER BY name ASC`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("storage: list branches: %w", err)
	}
	defer rows.Close()

	var branches []model.Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan branch: %w", err)
		}
		branches = append(branches, *b)
	}
	return branches, rows.Err()
}

// GetBranchChain returns the branch and its ancestors up to the root,
// child first. Soft-deleted ancestors are included so divergence points
// stay reachable.
func (db *DB) GetBranchChain(ctx context.Context, branchID uuid.UUID) ([]model.Branch, error) {
	var chain []model.Branch
	curID := branchID
	for range MaxBranchDepth {
		b, err := db.GetBranch(ctx, curID)
		if err != nil {
			return nil, err
		}
		chain = append(chain, *b)
		if b.ParentID == nil {
			return chain, nil
		}
		curID = *b.ParentID
	}
	return nil, fmt.Errorf("storage: branch chain deeper than %d", MaxBranchDepth)
}

// UpdateBranchMeta writes the mutable presentation fields.
func (db *DB) UpdateBranchMeta(ctx context.Context, id uuid.UUID, isPinned bool, color *string, tags []string, now time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE branches SET is_pinned = $1, color = $2, tags = $3, updated_at = $4
		 WHERE id = $5 AND deleted_at IS NULL`,
		isPinned, color, tags, now, id)
	if err != nil {
		return fmt.Errorf("storage: update branch meta: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: branch %s: %w", id, ErrNotFound)
	}
	return nil
}

// SoftDeleteBranch marks a branch deleted. Idempotent: deleting a deleted
// branch reports false with no error.
func (db *DB) SoftDeleteBranch(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE branches SET deleted_at = $1, updated_at = $1
		 WHERE id = $2 AND deleted_at IS NULL`, now, id)
	if err != nil {
		return false, fmt.Errorf("storage: delete branch: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// WriteMergeTx lands an executed merge atomically: every synthesized
// version record on the target branch, the matching row-counter bumps,
// and the merge history row commit together or not at all.
func (db *DB) WriteMergeTx(ctx context.Context, records []*model.VersionRecord, history *model.MergeHistory) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin merge: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, rec := range records {
		if err := appendVersionTx(ctx, tx, rec); err != nil {
			return err
		}
		if err := syncEntityVersionTx(ctx, tx, rec.EntityType, rec.EntityID, rec.Version, history.MergedAt); err != nil {
			return err
		}
	}
	if err := insertMergeHistoryTx(ctx, tx, history); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit merge: %w", err)
	}
	return nil
}

func insertMergeHistoryTx(ctx context.Context, tx pgx.Tx, h *model.MergeHistory) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO merge_history
		 (id, source_branch_id, target_branch_id, common_ancestor_id, world_time,
		  merged_by, merged_at, conflicts_count, entities_merged, resolutions_data, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		h.ID, h.SourceBranchID, h.TargetBranchID, h.CommonAncestorID, h.WorldTime,
		h.MergedBy, h.MergedAt, h.ConflictsCount, h.EntitiesMerged, h.ResolutionsData, h.Metadata,
	)
	if err != nil {
		return fmt.Errorf("storage: insert merge history: %w", err)
	}
	return nil
}

// ListMergeHistoryForBranch returns merges where the branch was source or
// target, newest first.
func (db *DB) ListMergeHistoryForBranch(ctx context.Context, branchID uuid.UUID) ([]model.MergeHistory, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, source_branch_id, target_branch_id, common_ancestor_id, world_time,
		        merged_by, merged_at, conflicts_count, entities_merged, resolutions_data, metadata
		 FROM merge_history
		 WHERE source_branch_id = $1 OR target_branch_id = $1
		 ORDER BY merged_at DESC`, branchID)
	if err != nil {
		return nil, fmt.Errorf("storage: list merge history: %w", err)
	}
	defer rows.Close()

	var entries []model.MergeHistory
	for rows.Next() {
		var h model.MergeHistory
		if err := rows.Scan(
			&h.ID, &h.SourceBranchID, &h.TargetBranchID, &h.CommonAncestorID, &h.WorldTime,
			&h.MergedBy, &h.MergedAt, &h.ConflictsCount, &h.EntitiesMerged, &h.ResolutionsData, &h.Metadata,
		); err != nil {
			return nil, fmt.Errorf("storage: scan merge history: %w", err)
		}
		entries = append(entries, h)
	}
	return entries, rows.Err()
}
