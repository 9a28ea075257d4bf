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

// Current-state table per versioned entity type. Locations are in the map
// even though their history is not versioned; soft delete and archive
// still apply to them.
var entityTables = map[model.EntityType]string{
	model.EntityKingdom:    "kingdoms",
	model.EntitySettlement: "settlements",
	model.EntityStructure:  "structures",
	model.EntityParty:      "parties",
	model.EntityCharacter:  "characters",
	model.EntityLocation:   "locations",
	model.EntityEvent:      "world_events",
	model.EntityEncounter:  "encounters",
}

func tableFor(t model.EntityType) (string, error) {
	table, ok := entityTables[t]
	if !ok {
		return "", fmt.Errorf("storage: no table for entity type %q: %w", t, errs.ErrInternal)
	}
	return table, nil
}

// versionedTableFor covers every type that lands in the version log,
// including state variables, which keep their rows outside entityTables
// because their lifecycle does not go through the generic entity store.
func versionedTableFor(t model.EntityType) (string, error) {
	if t == model.EntityStateVariable {
		return "state_variables", nil
	}
	return tableFor(t)
}

// syncEntityVersionTx raises the row's optimistic counter to at least
// version. Merge and cherry-pick mint version numbers above the counters
// they saw in the log; the shared row must catch up in the same
// transaction or the next plain update would reuse a number the target
// branch already holds.
func syncEntityVersionTx(ctx context.Context, tx pgx.Tx, t model.EntityType, id uuid.UUID, version int, now time.Time) error {
	table, err := versionedTableFor(t)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE `+table+` SET version = GREATEST(version, $1), updated_at = $2 WHERE id = $3`,
		version, now, id); err != nil {
		return fmt.Errorf("storage: sync %s version: %w", t, err)
	}
	return nil
}

// SoftDeleteEntity marks a current-state row deleted. Reports whether this
// call changed the row; deleting an already-deleted row is a no-op.
func (db *DB) SoftDeleteEntity(ctx context.Context, t model.EntityType, id uuid.UUID, now time.Time) (bool, error) {
	table, err := tableFor(t)
	if err != nil {
		return false, err
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE `+table+` SET deleted_at = $1, updated_at = $1 WHERE id = $2 AND deleted_at IS NULL`,
		now, id)
	if err != nil {
		return false, fmt.Errorf("storage: soft delete %s: %w", t, err)
	}
	return tag.RowsAffected() > 0, nil
}

// EntityExists reports whether a row exists for the type in any soft-delete
// state. Re-deletes stay idempotent through this without resurrecting the
// row.
func (db *DB) EntityExists(ctx context.Context, t model.EntityType, id uuid.UUID) (bool, error) {
	table, err := tableFor(t)
	if err != nil {
		return false, err
	}
	var ok bool
	if err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id,
	).Scan(&ok); err != nil {
		return false, fmt.Errorf("storage: %s exists: %w", t, err)
	}
	return ok, nil
}

// SetEntityArchived toggles the archive flag on a live row.
func (db *DB) SetEntityArchived(ctx context.Context, t model.EntityType, id uuid.UUID, archived bool, now time.Time) error {
	table, err := tableFor(t)
	if err != nil {
		return err
	}
	var archivedAt *time.Time
	if archived {
		archivedAt = &now
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE `+table+` SET archived_at = $1, updated_at = $2 WHERE id = $3 AND deleted_at IS NULL`,
		archivedAt, now, id)
	if err != nil {
		return fmt.Errorf("storage: set %s archived: %w", t, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: %s %s: %w", t, id, ErrNotFound)
	}
	return nil
}

// GetEntityCampaign resolves the owning campaign for a scoped entity.
// Settlements route through their kingdom and structures through
// settlement and kingdom; locations are world-bound and have no campaign.
// Soft-deleted rows still resolve: lifecycle operations and as-of reads
// need the campaign of an entity that no longer has a live row, and
// hiding decisions belong to authz, not here.
func (db *DB) GetEntityCampaign(ctx context.Context, t model.EntityType, id uuid.UUID) (uuid.UUID, error) {
	var query string
	switch t {
	case model.EntityKingdom, model.EntityParty, model.EntityCharacter,
		model.EntityEvent, model.EntityEncounter:
		table, err := tableFor(t)
		if err != nil {
			return uuid.Nil, err
		}
		query = `SELECT campaign_id FROM ` + table + ` WHERE id = $1`
	case model.EntitySettlement:
		query = `SELECT k.campaign_id FROM settlements s
		         JOIN kingdoms k ON k.id = s.kingdom_id
		         WHERE s.id = $1`
	case model.EntityStructure:
		query = `SELECT k.campaign_id FROM structures st
		         JOIN settlements s ON s.id = st.settlement_id
		         JOIN kingdoms k ON k.id = s.kingdom_id
		         WHERE st.id = $1`
	default:
		return uuid.Nil, fmt.Errorf("storage: entity type %q has no campaign: %w", t, errs.ErrInternal)
	}

	var campaignID uuid.UUID
	if err := db.pool.QueryRow(ctx, query, id).Scan(&campaignID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, fmt.Errorf("storage: %s %s: %w", t, id, ErrNotFound)
		}
		return uuid.Nil, fmt.Errorf("storage: resolve %s campaign: %w", t, err)
	}
	return campaignID, nil
}

// optimisticFailure runs after a version-guarded update matched zero rows
// and decides between a missing row and a lost race.
func (db *DB) optimisticFailure(ctx context.Context, t model.EntityType, id uuid.UUID, expected int) error {
	table, err := tableFor(t)
	if err != nil {
		return err
	}
	var actual int
	err = db.pool.QueryRow(ctx,
		`SELECT version FROM `+table+` WHERE id = $1 AND deleted_at IS NULL`, id,
	).Scan(&actual)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("storage: %s %s: %w", t, id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("storage: recheck %s version: %w", t, err)
	}
	return fmt.Errorf("storage: update %s %s: %w", t, id, errs.OptimisticLock(expected, actual))
}
