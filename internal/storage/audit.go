package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/loreweave/chronicle/internal/model"
)

// InsertAuditEntries appends a batch to the audit log using the COPY
// protocol. The table is append-only; rows are never updated or deleted.
func (db *DB) InsertAuditEntries(ctx context.Context, entries []model.AuditEntry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	columns := []string{
		"id", "entity_type", "entity_id", "operation", "user_id",
		"changes", "metadata", "previous_state", "new_state", "diff",
		"reason", "created_at",
	}

	rows := make([][]any, len(entries))
	for i, e := range entries {
		changes := e.Changes
		if changes == nil {
			changes = map[string]any{}
		}
		rows[i] = []any{
			e.ID,
			string(e.EntityType),
			e.EntityID,
			string(e.Operation),
			e.UserID,
			changes,
			e.Metadata,
			e.PreviousState,
			e.NewState,
			e.Diff,
			e.Reason,
			e.CreatedAt,
		}
	}

	// Dedicated COPY timeout so a hung Postgres cannot wedge the recorder's
	// flush loop.
	copyCtx, copyCancel := context.WithTimeout(ctx, 30*time.Second)
	defer copyCancel()
	copied, err := db.pool.CopyFrom(
		copyCtx,
		pgx.Identifier{"audit_log"},
		columns,
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: copy audit entries: %w", err)
	}
	return copied, nil
}

// auditWhere appends WHERE conditions for the filter set, returning the
// query suffix and its args starting at argOffset.
func auditWhere(filter model.AuditFilter, argOffset int) (string, []any) {
	var clause string
	var args []any
	if filter.EntityType != nil {
		clause += fmt.Sprintf(" AND entity_type = $%d", argOffset)
		args = append(args, string(*filter.EntityType))
		argOffset++
	}
	if filter.EntityID != nil {
		clause += fmt.Sprintf(" AND entity_id = $%d", argOffset)
		args = append(args, *filter.EntityID)
		argOffset++
	}
	if filter.UserID != nil {
		clause += fmt.Sprintf(" AND user_id = $%d", argOffset)
		args = append(args, *filter.UserID)
		argOffset++
	}
	if filter.Operation != nil {
		clause += fmt.Sprintf(" AND operation = $%d", argOffset)
		args = append(args, string(*filter.Operation))
		argOffset++
	}
	if filter.Since != nil {
		clause += fmt.Sprintf(" AND created_at >= $%d", argOffset)
		args = append(args, *filter.Since)
		argOffset++
	}
	if filter.Until != nil {
		clause += fmt.Sprintf(" AND created_at < $%d", argOffset)
		args = append(args, *filter.Until)
	}
	return clause, args
}

// ListAuditEntries returns matching rows, newest first.
func (db *DB) ListAuditEntries(ctx context.Context, filter model.AuditFilter) ([]*model.AuditEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `SELECT id, entity_type, entity_id, operation, user_id,
	                 changes, metadata, previous_state, new_state, diff,
	                 reason, created_at
	          FROM audit_log WHERE 1=1`
	var args []any
	suffix, extra := auditWhere(filter, 1)
	query += suffix
	args = append(args, extra...)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d", limit)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		if err := rows.Scan(
			&e.ID, &e.EntityType, &e.EntityID, &e.Operation, &e.UserID,
			&e.Changes, &e.Metadata, &e.PreviousState, &e.NewState, &e.Diff,
			&e.Reason, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan audit entry: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list audit entries: %w", err)
	}
	return entries, nil
}
