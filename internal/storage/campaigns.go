package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/loreweave/chronicle/internal/errs"
	"github.com/loreweave/chronicle/internal/model"
)

// InsertWorld writes a world row.
func (db *DB) InsertWorld(ctx context.Context, w *model.World) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO worlds (id, name, owner_id, created_at) VALUES ($1, $2, $3, $4)`,
		w.ID, w.Name, w.OwnerID, w.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: insert world: %w", err)
	}
	return nil
}

// GetWorld retrieves a world by ID.
func (db *DB) GetWorld(ctx context.Context, id uuid.UUID) (*model.World, error) {
	var w model.World
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, owner_id, created_at FROM worlds WHERE id = $1`, id,
	).Scan(&w.ID, &w.Name, &w.OwnerID, &w.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("storage: world %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("storage: get world: %w", err)
	}
	return &w, nil
}

const campaignColumns = `id, world_id, owner_id, name, description, settings, current_world_time, version, created_at, updated_at, deleted_at, archived_at`

func scanCampaign(row pgx.Row) (*model.Campaign, error) {
	var c model.Campaign
	err := row.Scan(
		&c.ID, &c.WorldID, &c.OwnerID, &c.Name, &c.Description, &c.Settings,
		&c.CurrentWorldTime, &c.Version, &c.CreatedAt, &c.UpdatedAt, &c.DeletedAt, &c.ArchivedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// InsertCampaign writes a campaign row.
func (db *DB) InsertCampaign(ctx context.Context, c *model.Campaign) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO campaigns (`+campaignColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.WorldID, c.OwnerID, c.Name, c.Description, c.Settings,
		c.CurrentWorldTime, c.Version, c.CreatedAt, c.UpdatedAt, c.DeletedAt, c.ArchivedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert campaign: %w", err)
	}
	return nil
}

// InsertCampaignWithRootBranch writes the campaign and its root branch in
// one transaction. A campaign without a root branch has nowhere to land
// version records, so the two must not be separable.
func (db *DB) InsertCampaignWithRootBranch(ctx context.Context, c *model.Campaign, b *model.Branch) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin insert campaign: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO campaigns (`+campaignColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.WorldID, c.OwnerID, c.Name, c.Description, c.Settings,
		c.CurrentWorldTime, c.Version, c.CreatedAt, c.UpdatedAt, c.DeletedAt, c.ArchivedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert campaign: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO branches (`+branchColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		b.ID, b.CampaignID, b.Name, b.ParentID, b.DivergedAt,
		b.IsPinned, b.Color, b.Tags, b.CreatedBy, b.CreatedAt, b.UpdatedAt, b.DeletedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert root branch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit insert campaign: %w", err)
	}
	return nil
}

// GetCampaign retrieves a live campaign by ID. Soft-deleted campaigns
// report not found; the tenancy root hides with its tenant.
func (db *DB) GetCampaign(ctx context.Context, id uuid.UUID) (*model.Campaign, error) {
	c, err := scanCampaign(db.pool.QueryRow(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1 AND deleted_at IS NULL`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("storage: campaign %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("storage: get campaign: %w", err)
	}
	return c, nil
}

// AdvanceCampaignWorldTime moves the campaign clock with an optimistic
// version bump.
func (db *DB) AdvanceCampaignWorldTime(ctx context.Context, id uuid.UUID, to time.Time, expectedVersion int, now time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE campaigns SET current_world_time = $1, version = version + 1, updated_at = $2
		 WHERE id = $3 AND version = $4 AND deleted_at IS NULL`,
		to, now, id, expectedVersion)
	if err != nil {
		return fmt.Errorf("storage: advance world time: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.staleCampaignError(ctx, id, expectedVersion)
	}
	return nil
}

// UpdateCampaign writes the mutable campaign fields with an optimistic
// check.
func (db *DB) UpdateCampaign(ctx context.Context, c *model.Campaign, expectedVersion int) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE campaigns SET name = $1, description = $2, settings = $3,
		        current_world_time = $4, version = $5, updated_at = $6, archived_at = $7
		 WHERE id = $8 AND version = $9 AND deleted_at IS NULL`,
		c.Name, c.Description, c.Settings, c.CurrentWorldTime,
		c.Version, c.UpdatedAt, c.ArchivedAt, c.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("storage: update campaign: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.staleCampaignError(ctx, c.ID, expectedVersion)
	}
	return nil
}

// staleCampaignError distinguishes a missing campaign from a lost
// optimistic race after a zero-row update.
func (db *DB) staleCampaignError(ctx context.Context, id uuid.UUID, expectedVersion int) error {
	var actual int
	err := db.pool.QueryRow(ctx,
		`SELECT version FROM campaigns WHERE id = $1 AND deleted_at IS NULL`, id,
	).Scan(&actual)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("storage: campaign %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("storage: recheck campaign version: %w", err)
	}
	return fmt.Errorf("storage: update campaign %s: %w", id, errs.OptimisticLock(expectedVersion, actual))
}

// SoftDeleteCampaign marks a campaign deleted. Idempotent.
func (db *DB) SoftDeleteCampaign(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE campaigns SET deleted_at = $1, updated_at = $1
		 WHERE id = $2 AND deleted_at IS NULL`, now, id)
	if err != nil {
		return false, fmt.Errorf("storage: delete campaign: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// AddCampaignMember upserts a membership row.
func (db *DB) AddCampaignMember(ctx context.Context, m *model.CampaignMember) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO campaign_members (campaign_id, user_id, role, joined_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (campaign_id, user_id) DO UPDATE SET role = EXCLUDED.role`,
		m.CampaignID, m.UserID, string(m.Role), m.JoinedAt)
	if err != nil {
		return fmt.Errorf("storage: add campaign member: %w", err)
	}
	return nil
}

// RemoveCampaignMember deletes a membership row.
func (db *DB) RemoveCampaignMember(ctx context.Context, campaignID, userID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`DELETE FROM campaign_members WHERE campaign_id = $1 AND user_id = $2`,
		campaignID, userID)
	if err != nil {
		return fmt.Errorf("storage: remove campaign member: %w", err)
	}
	return nil
}

// GetCampaignMemberRole returns the user's role in the campaign, or
// ErrNotFound when no membership row exists.
func (db *DB) GetCampaignMemberRole(ctx context.Context, campaignID, userID uuid.UUID) (model.Role, error) {
	var role string
	err := db.pool.QueryRow(ctx,
		`SELECT role FROM campaign_members WHERE campaign_id = $1 AND user_id = $2`,
		campaignID, userID,
	).Scan(&role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("storage: membership %s/%s: %w", campaignID, userID, ErrNotFound)
		}
		return "", fmt.Errorf("storage: get member role: %w", err)
	}
	return model.Role(role), nil
}

// ListCampaignMembers returns the campaign's membership rows.
func (db *DB) ListCampaignMembers(ctx context.Context, campaignID uuid.UUID) ([]model.CampaignMember, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT campaign_id, user_id, role, joined_at
		 FROM campaign_members WHERE campaign_id = $1 ORDER BY joined_at ASC`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("storage: list campaign members: %w", err)
	}
	defer rows.Close()

	var members []model.CampaignMember
	for rows.Next() {
		var m model.CampaignMember
		if err := rows.Scan(&m.CampaignID, &m.UserID, &m.Role, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("storage: scan campaign member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}
