package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/loreweave/chronicle/internal/errs"
	"github.com/loreweave/chronicle/internal/model"
)

const variableColumns = `id, scope, scope_id, key, type, value, formula, description, is_active, version, created_by, updated_by, created_at, updated_at, deleted_at`

func scanStateVariable(row pgx.Row) (*model.StateVariable, error) {
	var v model.StateVariable
	err := row.Scan(
		&v.ID, &v.Scope, &v.ScopeID, &v.Key, &v.Type, &v.Value, &v.Formula,
		&v.Description, &v.IsActive, &v.Version, &v.CreatedBy, &v.UpdatedBy,
		&v.CreatedAt, &v.UpdatedAt, &v.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// formulaParam maps a nil formula to SQL NULL. A typed nil map would encode
// as jsonb 'null', which the derived-shape check constraint rejects for
// static variables.
func formulaParam(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}

// GetStateVariable retrieves a live state variable by ID.
func (db *DB) GetStateVariable(ctx context.Context, id uuid.UUID) (*model.StateVariable, error) {
	v, err := scanStateVariable(db.pool.QueryRow(ctx,
		`SELECT `+variableColumns+` FROM state_variables WHERE id = $1 AND deleted_at IS NULL`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("storage: state variable %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("storage: get state variable: %w", err)
	}
	return v, nil
}

// FindVariablesByScope lists the live variables attached to one scope
// entity, key ASC. A nil scopeID selects the WORLD-scoped set.
func (db *DB) FindVariablesByScope(ctx context.Context, scope model.VariableScope, scopeID *uuid.UUID, includeInactive bool) ([]*model.StateVariable, error) {
	cond := `scope = $1 AND scope_id = $2`
	args := []any{scope, scopeID}
	if scopeID == nil {
		cond = `scope = $1 AND scope_id IS NULL`
		args = []any{scope}
	}
	query := `SELECT ` + variableColumns + ` FROM state_variables
	 WHERE ` + cond + ` AND deleted_at IS NULL`
	if !includeInactive {
		query += ` AND is_active`
	}
	query += ` ORDER BY key ASC`

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: find variables by scope: %w", err)
	}
	defer rows.Close()
	return collectVariables(rows)
}

// VariableFilter narrows FindVariables. Zero fields match everything.
type VariableFilter struct {
	Scope    *model.VariableScope
	ScopeID  *uuid.UUID
	Key      *string
	Type     *model.VariableType
	IsActive *bool
	Limit    int
}

// FindVariables lists live variables matching the filter, scope then key ASC.
func (db *DB) FindVariables(ctx context.Context, filter VariableFilter) ([]*model.StateVariable, error) {
	query := `SELECT ` + variableColumns + ` FROM state_variables WHERE deleted_at IS NULL`
	var args []any

	if filter.Scope != nil {
		args = append(args, *filter.Scope)
		query += fmt.Sprintf(` AND scope = $%d`, len(args))
	}
	if filter.ScopeID != nil {
		args = append(args, *filter.ScopeID)
		query += fmt.Sprintf(` AND scope_id = $%d`, len(args))
	}
	if filter.Key != nil {
		args = append(args, *filter.Key)
		query += fmt.Sprintf(` AND key = $%d`, len(args))
	}
	if filter.Type != nil {
		args = append(args, *filter.Type)
		query += fmt.Sprintf(` AND type = $%d`, len(args))
	}
	if filter.IsActive != nil {
		args = append(args, *filter.IsActive)
		query += fmt.Sprintf(` AND is_active = $%d`, len(args))
	}

	query += ` ORDER BY scope, key ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: find variables: %w", err)
	}
	defer rows.Close()
	return collectVariables(rows)
}

// ListVariablesByCampaign returns every live variable reachable from the
// campaign: campaign scope directly, entity scopes through their ownership
// chain, locations through the campaign's world, and the global WORLD set.
// The dependency graph builds from this snapshot, so inactive variables are
// included; their declared references still count for cycle detection.
func (db *DB) ListVariablesByCampaign(ctx context.Context, campaignID uuid.UUID) ([]*model.StateVariable, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+variableColumns+` FROM state_variables sv
		 WHERE sv.deleted_at IS NULL AND (
		       sv.scope = 'WORLD'
		    OR (sv.scope = 'CAMPAIGN' AND sv.scope_id = $1)
		    OR (sv.scope = 'PARTY' AND sv.scope_id IN (
		        SELECT id FROM parties WHERE campaign_id = $1 AND deleted_at IS NULL))
		    OR (sv.scope = 'KINGDOM' AND sv.scope_id IN (
		        SELECT id FROM kingdoms WHERE campaign_id = $1 AND deleted_at IS NULL))
		    OR (sv.scope = 'CHARACTER' AND sv.scope_id IN (
		        SELECT id FROM characters WHERE campaign_id = $1 AND deleted_at IS NULL))
		    OR (sv.scope = 'EVENT' AND sv.scope_id IN (
		        SELECT id FROM world_events WHERE campaign_id = $1 AND deleted_at IS NULL))
		    OR (sv.scope = 'ENCOUNTER' AND sv.scope_id IN (
		        SELECT id FROM encounters WHERE campaign_id = $1 AND deleted_at IS NULL))
		    OR (sv.scope = 'SETTLEMENT' AND sv.scope_id IN (
		        SELECT s.id FROM settlements s
		        JOIN kingdoms k ON s.kingdom_id = k.id
		        WHERE k.campaign_id = $1 AND s.deleted_at IS NULL AND k.deleted_at IS NULL))
		    OR (sv.scope = 'STRUCTURE' AND sv.scope_id IN (
		        SELECT st.id FROM structures st
		        JOIN settlements s ON st.settlement_id = s.id
		        JOIN kingdoms k ON s.kingdom_id = k.id
		        WHERE k.campaign_id = $1 AND st.deleted_at IS NULL
		          AND s.deleted_at IS NULL AND k.deleted_at IS NULL))
		    OR (sv.scope = 'LOCATION' AND sv.scope_id IN (
		        SELECT l.id FROM locations l
		        WHERE l.world_id = (SELECT world_id FROM campaigns WHERE id = $1)
		          AND l.deleted_at IS NULL))
		 )
		 ORDER BY sv.scope, sv.key ASC`,
		campaignID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list variables by campaign: %w", err)
	}
	defer rows.Close()
	return collectVariables(rows)
}

func collectVariables(rows pgx.Rows) ([]*model.StateVariable, error) {
	var vars []*model.StateVariable
	for rows.Next() {
		v, err := scanStateVariable(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan state variable: %w", err)
		}
		vars = append(vars, v)
	}
	return vars, rows.Err()
}

// InsertStateVariable writes the variable and, when rec is non-nil, its
// first version record in one transaction. A duplicate (scope, scopeId,
// key) among live rows is a bad request, not an internal error.
func (db *DB) InsertStateVariable(ctx context.Context, v *model.StateVariable, rec *model.VersionRecord) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin insert variable: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO state_variables (`+variableColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		v.ID, v.Scope, v.ScopeID, v.Key, v.Type, v.Value, formulaParam(v.Formula),
		v.Description, v.IsActive, v.Version, v.CreatedBy, v.UpdatedBy,
		v.CreatedAt, v.UpdatedAt, v.DeletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.BadRequestf(errs.CodeInvalidInput,
				"variable %q already exists for scope %s", v.Key, v.Scope)
		}
		return fmt.Errorf("storage: insert variable: %w", err)
	}
	if rec != nil {
		if err := appendVersionTx(ctx, tx, rec); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit insert variable: %w", err)
	}
	return nil
}

// UpdateStateVariableWithVersion applies a version-guarded update and, when
// rec is non-nil, appends the matching version record in one transaction.
func (db *DB) UpdateStateVariableWithVersion(ctx context.Context, v *model.StateVariable, expectedVersion int, rec *model.VersionRecord) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin update variable: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE state_variables
		 SET type = $1, value = $2, formula = $3, description = $4,
		     is_active = $5, version = $6, updated_by = $7, updated_at = $8
		 WHERE id = $9 AND version = $10 AND deleted_at IS NULL`,
		v.Type, v.Value, formulaParam(v.Formula), v.Description,
		v.IsActive, v.Version, v.UpdatedBy, v.UpdatedAt, v.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("storage: update variable: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.staleVariableError(ctx, v.ID, expectedVersion)
	}
	if rec != nil {
		if err := appendVersionTx(ctx, tx, rec); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit update variable: %w", err)
	}
	return nil
}

// staleVariableError distinguishes a lost optimistic race from a missing
// row after a guarded update matched nothing.
func (db *DB) staleVariableError(ctx context.Context, id uuid.UUID, expectedVersion int) error {
	var actual int
	err := db.pool.QueryRow(ctx,
		`SELECT version FROM state_variables WHERE id = $1 AND deleted_at IS NULL`, id,
	).Scan(&actual)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("storage: state variable %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("storage: check variable version: %w", err)
	}
	return errs.OptimisticLock(expectedVersion, actual)
}

// SoftDeleteStateVariable marks the variable deleted. Reports whether this
// call changed the row; re-deleting is a no-op.
func (db *DB) SoftDeleteStateVariable(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE state_variables SET deleted_at = $1, updated_at = $1
		 WHERE id = $2 AND deleted_at IS NULL`, now, id)
	if err != nil {
		return false, fmt.Errorf("storage: soft delete variable: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
