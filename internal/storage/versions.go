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

// MaxBranchDepth bounds parent-chain walks. The branches table cannot form
// a cycle through normal forks, but a walk must terminate even on corrupt
// data. Fork refuses to grow a chain past this.
const MaxBranchDepth = 64

const versionColumns = `id, entity_type, entity_id, branch_id, version, valid_from, valid_to, payload, checksum, created_by, created_at`

func scanVersion(row pgx.Row) (*model.VersionRecord, error) {
	var v model.VersionRecord
	err := row.Scan(
		&v.ID, &v.EntityType, &v.EntityID, &v.BranchID, &v.Version,
		&v.ValidFrom, &v.ValidTo, &v.PayloadGz, &v.Checksum, &v.CreatedBy, &v.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// appendVersionTx closes the open tail for the record's (entityType,
// entityId, branchId) and inserts the new record, inside the caller's
// transaction. Fails with a time-regression error when the open tail began
// after the new record's validFrom: the log partitions the world-time axis
// and never rewinds.
func appendVersionTx(ctx context.Context, tx pgx.Tx, rec *model.VersionRecord) error {
	var tailFrom time.Time
	err := tx.QueryRow(ctx,
		`SELECT valid_from FROM entity_versions
		 WHERE entity_type = $1 AND entity_id = $2 AND branch_id = $3 AND valid_to IS NULL
		 FOR UPDATE`,
		rec.EntityType, rec.EntityID, rec.BranchID,
	).Scan(&tailFrom)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// First record on this branch; nothing to close.
	case err != nil:
		return fmt.Errorf("storage: lock open tail: %w", err)
	default:
		if tailFrom.After(rec.ValidFrom) {
			return errs.TimeRegression(
				"version at %s precedes open tail at %s",
				rec.ValidFrom.UTC().Format(time.RFC3339), tailFrom.UTC().Format(time.RFC3339))
		}
		if _, err := tx.Exec(ctx,
			`UPDATE entity_versions SET valid_to = $1
			 WHERE entity_type = $2 AND entity_id = $3 AND branch_id = $4 AND valid_to IS NULL`,
			rec.ValidFrom, rec.EntityType, rec.EntityID, rec.BranchID,
		); err != nil {
			return fmt.Errorf("storage: close open tail: %w", err)
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO entity_versions (`+versionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.EntityType, rec.EntityID, rec.BranchID, rec.Version,
		rec.ValidFrom, rec.ValidTo, rec.PayloadGz, rec.Checksum, rec.CreatedBy, rec.CreatedAt,
	); err != nil {
		return fmt.Errorf("storage: insert version: %w", err)
	}
	return nil
}

// AppendVersion writes one version record in its own transaction, closing
// the branch's open tail for that entity first.
func (db *DB) AppendVersion(ctx context.Context, rec *model.VersionRecord) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin append version: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := appendVersionTx(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit append version: %w", err)
	}
	return nil
}

// TransplantVersion is AppendVersion plus the row-counter bump merges use.
// Cherry-pick lands its single transplanted snapshot through this so the
// minted version number stays ahead of the shared row.
func (db *DB) TransplantVersion(ctx context.Context, rec *model.VersionRecord) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin transplant version: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := appendVersionTx(ctx, tx, rec); err != nil {
		return err
	}
	if err := syncEntityVersionTx(ctx, tx, rec.EntityType, rec.EntityID, rec.Version, rec.CreatedAt); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit transplant version: %w", err)
	}
	return nil
}

// GetVersion retrieves a version record by ID.
func (db *DB) GetVersion(ctx context.Context, id uuid.UUID) (*model.VersionRecord, error) {
	v, err := scanVersion(db.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM entity_versions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("storage: version %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("storage: get version: %w", err)
	}
	return v, nil
}

// findVersionOnBranch returns the record on exactly this branch whose
// validity interval contains worldTime, or nil. With strict set, the
// interval must contain the instant immediately before worldTime instead,
// which excludes records that became valid at worldTime itself.
func (db *DB) findVersionOnBranch(ctx context.Context, entityType model.EntityType, entityID, branchID uuid.UUID, worldTime time.Time, strict bool) (*model.VersionRecord, error) {
	cond := `valid_from <= $4 AND (valid_to IS NULL OR valid_to > $4)`
	if strict {
		cond = `valid_from < $4 AND (valid_to IS NULL OR valid_to >= $4)`
	}
	v, err := scanVersion(db.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM entity_versions
		 WHERE entity_type = $1 AND entity_id = $2 AND branch_id = $3 AND `+cond+`
		 ORDER BY valid_from DESC, version DESC
		 LIMIT 1`,
		entityType, entityID, branchID, worldTime,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: find version on branch: %w", err)
	}
	return v, nil
}

// resolveVersion walks the branch hierarchy toward the root looking for
// the record visible at worldTime. Each hop clamps the lookup time to the
// child's divergence point, so a fork never sees parent state written
// after it diverged. Returns nil when no ancestor has a visible record.
func (db *DB) resolveVersion(ctx context.Context, entityType model.EntityType, entityID, branchID uuid.UUID, worldTime time.Time, strict bool) (*model.VersionRecord, error) {
	curID := branchID
	t := worldTime
	for range MaxBranchDepth {
		v, err := db.findVersionOnBranch(ctx, entityType, entityID, curID, t, strict)
		if err != nil {
			return nil, err
		}
		if v != nil {
			return v, nil
		}

		branch, err := db.GetBranch(ctx, curID)
		if err != nil {
			return nil, err
		}
		if branch.ParentID == nil {
			return nil, nil
		}
		if branch.DivergedAt != nil && branch.DivergedAt.Before(t) {
			t = *branch.DivergedAt
			// A fork captures parent state at divergedAt inclusive, so once
			// the lookup clamps, strictness no longer applies.
			strict = false
		}
		curID = *branch.ParentID
	}
	return nil, fmt.Errorf("storage: resolve version: branch chain deeper than %d", MaxBranchDepth)
}

// ResolveVersion finds the version record visible at worldTime on the
// branch, traversing parents up to each divergence point. Nil result with
// nil error means the entity has no visible state there.
func (db *DB) ResolveVersion(ctx context.Context, entityType model.EntityType, entityID, branchID uuid.UUID, worldTime time.Time) (*model.VersionRecord, error) {
	return db.resolveVersion(ctx, entityType, entityID, branchID, worldTime, false)
}

// ResolveVersionBefore is ResolveVersion for the instant immediately
// preceding worldTime. Cherry-pick uses it to pick a merge base that
// excludes writes landing exactly at the source version's validFrom.
func (db *DB) ResolveVersionBefore(ctx context.Context, entityType model.EntityType, entityID, branchID uuid.UUID, worldTime time.Time) (*model.VersionRecord, error) {
	return db.resolveVersion(ctx, entityType, entityID, branchID, worldTime, true)
}

// FindVersionHistory lists the log for one entity on one branch, newest
// first by validFrom, without payload bytes.
func (db *DB) FindVersionHistory(ctx context.Context, entityType model.EntityType, entityID, branchID uuid.UUID) ([]model.VersionMeta, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, entity_type, entity_id, branch_id, version, valid_from, valid_to, checksum, created_by, created_at
		 FROM entity_versions
		 WHERE entity_type = $1 AND entity_id = $2 AND branch_id = $3
		 ORDER BY valid_from DESC, version DESC`,
		entityType, entityID, branchID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: find version history: %w", err)
	}
	defer rows.Close()

	var metas []model.VersionMeta
	for rows.Next() {
		var m model.VersionMeta
		if err := rows.Scan(
			&m.ID, &m.EntityType, &m.EntityID, &m.BranchID, &m.Version,
			&m.ValidFrom, &m.ValidTo, &m.Checksum, &m.CreatedBy, &m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan version meta: %w", err)
		}
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

// FindVersionRecords lists the full log for one entity on one branch,
// payloads included, oldest first by validFrom then version. That is
// append order; verification walks it forward.
func (db *DB) FindVersionRecords(ctx context.Context, entityType model.EntityType, entityID, branchID uuid.UUID) ([]*model.VersionRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+versionColumns+` FROM entity_versions
		 WHERE entity_type = $1 AND entity_id = $2 AND branch_id = $3
		 ORDER BY valid_from ASC, version ASC`,
		entityType, entityID, branchID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: find version records: %w", err)
	}
	defer rows.Close()

	var records []*model.VersionRecord
	for rows.Next() {
		var v model.VersionRecord
		if err := rows.Scan(
			&v.ID, &v.EntityType, &v.EntityID, &v.BranchID, &v.Version,
			&v.ValidFrom, &v.ValidTo, &v.PayloadGz, &v.Checksum, &v.CreatedBy, &v.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan version: %w", err)
		}
		records = append(records, &v)
	}
	return records, rows.Err()
}

// GetVersionsForBranchAndType returns, for every entity of the type with
// records on exactly this branch, the record visible at worldTime. Parent
// branches are not consulted; merge collection unions the per-branch sets
// instead.
func (db *DB) GetVersionsForBranchAndType(ctx context.Context, branchID uuid.UUID, entityType model.EntityType, worldTime time.Time) ([]model.VersionRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT DISTINCT ON (entity_id) `+versionColumns+`
		 FROM entity_versions
		 WHERE branch_id = $1 AND entity_type = $2
		   AND valid_from <= $3 AND (valid_to IS NULL OR valid_to > $3)
		 ORDER BY entity_id, valid_from DESC, version DESC`,
		branchID, entityType, worldTime,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: versions for branch and type: %w", err)
	}
	defer rows.Close()

	var records []model.VersionRecord
	for rows.Next() {
		var v model.VersionRecord
		if err := rows.Scan(
			&v.ID, &v.EntityType, &v.EntityID, &v.BranchID, &v.Version,
			&v.ValidFrom, &v.ValidTo, &v.PayloadGz, &v.Checksum, &v.CreatedBy, &v.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan version: %w", err)
		}
		records = append(records, v)
	}
	return records, rows.Err()
}

// CountOpenTails reports how many open-tailed records exist for one entity
// on one branch. The schema's partial unique index keeps this at most 1;
// the counter exists for integrity checks in tests and tooling.
func (db *DB) CountOpenTails(ctx context.Context, entityType model.EntityType, entityID, branchID uuid.UUID) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM entity_versions
		 WHERE entity_type = $1 AND entity_id = $2 AND branch_id = $3 AND valid_to IS NULL`,
		entityType, entityID, branchID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count open tails: %w", err)
	}
	return n, nil
}
