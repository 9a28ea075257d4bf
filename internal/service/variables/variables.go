package variables

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loreweave/chronicle/internal/codec"
	"github.com/loreweave/chronicle/internal/errs"
	"github.com/loreweave/chronicle/internal/model"
	"github.com/loreweave/chronicle/internal/storage"
)

// CreateVariableInput creates a scoped variable. Static types hold Value;
// DERIVED computes from Formula. BranchID opts the write into the version
// log for campaign-scoped variables; WorldTime pins the record, nil falls
// back to the campaign clock, then wall clock.
type CreateVariableInput struct {
	Scope       model.VariableScope
	ScopeID     *uuid.UUID
	Key         string
	Type        model.VariableType
	Value       any
	Formula     map[string]any
	Description *string
	BranchID    *uuid.UUID
	WorldTime   *time.Time
}

// Create writes the variable at version 1 and, when a branch is named, its
// first version record in one transaction.
func (s *Service) Create(ctx context.Context, userID uuid.UUID, in CreateVariableInput) (*model.StateVariable, error) {
	if !in.Scope.Valid() {
		return nil, errs.BadScope("unknown scope %q", in.Scope)
	}
	if in.Scope == model.ScopeWorld && in.ScopeID != nil {
		return nil, errs.BadScope("world variables carry no scope id")
	}
	if !in.Type.Valid() {
		return nil, errs.BadRequestf(errs.CodeInvalidInput, "unknown variable type %q", in.Type)
	}
	if err := model.ValidateVariableKey(in.Key); err != nil {
		return nil, errs.BadRequestf(errs.CodeInvalidInput, "%v", err)
	}
	if in.Description != nil {
		if err := model.ValidateDescription(*in.Description); err != nil {
			return nil, errs.BadRequestf(errs.CodeInvalidInput, "%v", err)
		}
	}
	if err := checkShape(in.Type, in.Value, in.Formula); err != nil {
		return nil, err
	}
	campaignID, err := s.guard.RequireScopeAccess(ctx, in.Scope, in.ScopeID, userID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	v := &model.StateVariable{
		ID:          uuid.New(),
		Scope:       in.Scope,
		ScopeID:     in.ScopeID,
		Key:         in.Key,
		Type:        in.Type,
		Value:       in.Value,
		Formula:     in.Formula,
		Description: in.Description,
		IsActive:    true,
		Version:     1,
		CreatedBy:   userID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	ctx, span := s.startSpan(ctx, "variables.create", v)
	defer span.End()

	started := time.Now()
	rec, snap, err := s.versionRecord(ctx, v, campaignID, in.BranchID, in.WorldTime, userID)
	if err != nil {
		return nil, err
	}
	if err := s.db.InsertStateVariable(ctx, v, rec); err != nil {
		return nil, err
	}
	s.finish(ctx, mutation{
		variable:   v,
		campaignID: campaignID,
		branchID:   in.BranchID,
		operation:  model.OpCreate,
		userID:     userID,
		next:       snap,
		metadata:   writeMeta(rec),
		started:    started,
	})
	s.logger.Info("variable created",
		"variable_id", v.ID, "scope", v.Scope, "key", v.Key, "type", v.Type)
	return v, nil
}

// VariablePatch carries the changed fields; nil leaves unchanged. SetValue
// and SetFormula distinguish "leave unchanged" from "set to null".
type VariablePatch struct {
	SetValue    bool
	Value       any
	SetFormula  bool
	Formula     map[string]any
	Description *string
	IsActive    *bool
}

// UpdateVariableInput identifies the row, the expected optimistic version,
// and the optional branch the version record lands on.
type UpdateVariableInput struct {
	ID              uuid.UUID
	ExpectedVersion int
	Patch           VariablePatch
	BranchID        *uuid.UUID
	WorldTime       *time.Time
}

// Update applies the patch under optimistic concurrency. The row write and
// the optional version record commit in one transaction; a stale
// ExpectedVersion fails with OptimisticLock carrying both numbers.
func (s *Service) Update(ctx context.Context, userID uuid.UUID, in UpdateVariableInput) (*model.StateVariable, error) {
	v, err := s.db.GetStateVariable(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	campaignID, err := s.guard.RequireScopeAccess(ctx, v.Scope, v.ScopeID, userID)
	if err != nil {
		return nil, err
	}

	prev, err := codec.ToMap(v)
	if err != nil {
		return nil, err
	}
	changes := map[string]any{}
	if in.Patch.SetValue {
		v.Value = in.Patch.Value
		changes["value"] = in.Patch.Value
	}
	if in.Patch.SetFormula {
		v.Formula = in.Patch.Formula
		changes["formula"] = in.Patch.Formula
	}
	if in.Patch.Description != nil {
		if err := model.ValidateDescription(*in.Patch.Description); err != nil {
			return nil, errs.BadRequestf(errs.CodeInvalidInput, "%v", err)
		}
		v.Description = in.Patch.Description
		changes["description"] = *in.Patch.Description
	}
	if in.Patch.IsActive != nil {
		v.IsActive = *in.Patch.IsActive
		changes["is_active"] = *in.Patch.IsActive
	}
	if err := checkShape(v.Type, v.Value, v.Formula); err != nil {
		return nil, err
	}

	v.Version = in.ExpectedVersion + 1
	v.UpdatedBy = &userID
	v.UpdatedAt = time.Now().UTC()

	ctx, span := s.startSpan(ctx, "variables.update", v)
	defer span.End()

	started := time.Now()
	rec, snap, err := s.versionRecord(ctx, v, campaignID, in.BranchID, in.WorldTime, userID)
	if err != nil {
		return nil, err
	}
	if err := s.db.UpdateStateVariableWithVersion(ctx, v, in.ExpectedVersion, rec); err != nil {
		return nil, err
	}
	s.finish(ctx, mutation{
		variable:   v,
		campaignID: campaignID,
		branchID:   in.BranchID,
		operation:  model.OpUpdate,
		userID:     userID,
		previous:   prev,
		next:       snap,
		changes:    changes,
		metadata:   writeMeta(rec),
		started:    started,
	})
	return v, nil
}

// ToggleActive flips IsActive, which controls whether the variable joins
// evaluation contexts. The flip is itself an optimistic update against the
// current version.
func (s *Service) ToggleActive(ctx context.Context, userID, id uuid.UUID) (*model.StateVariable, error) {
	v, err := s.db.GetStateVariable(ctx, id)
	if err != nil {
		return nil, err
	}
	campaignID, err := s.guard.RequireScopeAccess(ctx, v.Scope, v.ScopeID, userID)
	if err != nil {
		return nil, err
	}

	prev, err := codec.ToMap(v)
	if err != nil {
		return nil, err
	}
	expected := v.Version
	v.IsActive = !v.IsActive
	v.Version = expected + 1
	v.UpdatedBy = &userID
	v.UpdatedAt = time.Now().UTC()

	started := time.Now()
	if err := s.db.UpdateStateVariableWithVersion(ctx, v, expected, nil); err != nil {
		return nil, err
	}
	next, err := codec.ToMap(v)
	if err != nil {
		return nil, err
	}
	s.finish(ctx, mutation{
		variable:   v,
		campaignID: campaignID,
		operation:  model.OpUpdate,
		userID:     userID,
		previous:   prev,
		next:       next,
		changes:    map[string]any{"is_active": v.IsActive},
		started:    started,
	})
	return v, nil
}

// Delete soft-deletes the variable. Version history is preserved; the
// (scope, scopeId, key) slot becomes reusable. Deleting an already-deleted
// variable reports NotFound.
func (s *Service) Delete(ctx context.Context, userID, id uuid.UUID) error {
	v, err := s.db.GetStateVariable(ctx, id)
	if err != nil {
		return err
	}
	campaignID, err := s.guard.RequireScopeAccess(ctx, v.Scope, v.ScopeID, userID)
	if err != nil {
		return err
	}

	ctx, span := s.startSpan(ctx, "variables.delete", v)
	defer span.End()

	started := time.Now()
	prev, err := codec.ToMap(v)
	if err != nil {
		return err
	}
	if _, err := s.db.SoftDeleteStateVariable(ctx, id, time.Now().UTC()); err != nil {
		return err
	}
	s.finish(ctx, mutation{
		variable:   v,
		campaignID: campaignID,
		operation:  model.OpDelete,
		userID:     userID,
		previous:   prev,
		started:    started,
	})
	s.logger.Info("variable deleted", "variable_id", v.ID, "scope", v.Scope, "key", v.Key)
	return nil
}

// FindByID returns a live variable the user can see.
func (s *Service) FindByID(ctx context.Context, userID, id uuid.UUID) (*model.StateVariable, error) {
	v, err := s.db.GetStateVariable(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.guard.RequireScopeAccess(ctx, v.Scope, v.ScopeID, userID); err != nil {
		return nil, err
	}
	return v, nil
}

// FindByScope lists a scope's variables, key ASC.
func (s *Service) FindByScope(ctx context.Context, userID uuid.UUID, scope model.VariableScope, scopeID *uuid.UUID, includeInactive bool) ([]*model.StateVariable, error) {
	if !scope.Valid() {
		return nil, errs.BadScope("unknown scope %q", scope)
	}
	if _, err := s.guard.RequireScopeAccess(ctx, scope, scopeID, userID); err != nil {
		return nil, err
	}
	return s.db.FindVariablesByScope(ctx, scope, scopeID, includeInactive)
}

// VariableQuery narrows FindMany. Scope is required; it anchors the access
// check.
type VariableQuery struct {
	Scope    model.VariableScope
	ScopeID  *uuid.UUID
	Key      *string
	Type     *model.VariableType
	IsActive *bool
	Limit    int
}

// FindMany lists live variables matching the query, scope then key ASC.
func (s *Service) FindMany(ctx context.Context, userID uuid.UUID, q VariableQuery) ([]*model.StateVariable, error) {
	if !q.Scope.Valid() {
		return nil, errs.BadScope("unknown scope %q", q.Scope)
	}
	if _, err := s.guard.RequireScopeAccess(ctx, q.Scope, q.ScopeID, userID); err != nil {
		return nil, err
	}
	return s.db.FindVariables(ctx, storage.VariableFilter{
		Scope:    &q.Scope,
		ScopeID:  q.ScopeID,
		Key:      q.Key,
		Type:     q.Type,
		IsActive: q.IsActive,
		Limit:    q.Limit,
	})
}

// variableBranch authorizes a version-log read: the variable's campaign
// must own the branch.
func (s *Service) variableBranch(ctx context.Context, v *model.StateVariable, branchID, userID uuid.UUID) error {
	campaignID, err := s.guard.RequireScopeAccess(ctx, v.Scope, v.ScopeID, userID)
	if err != nil {
		return err
	}
	branch, _, err := s.guard.RequireBranchAccess(ctx, branchID, userID)
	if err != nil {
		return err
	}
	if branch.CampaignID != campaignID {
		return fmt.Errorf("variables: %s: %w", v.ID, errs.ErrNotFound)
	}
	return nil
}

// AsOfVariable is a variable snapshot reconstructed from the version log.
type AsOfVariable struct {
	VariableID uuid.UUID      `json:"variable_id"`
	BranchID   uuid.UUID      `json:"branch_id"`
	Version    int            `json:"version"`
	ValidFrom  time.Time      `json:"valid_from"`
	ValidTo    *time.Time     `json:"valid_to,omitempty"`
	Checksum   string         `json:"checksum"`
	Snapshot   map[string]any `json:"snapshot"`
}

// GetAsOf reconstructs the variable state visible at worldTime on the
// branch, walking parent branches past each divergence point.
func (s *Service) GetAsOf(ctx context.Context, userID, id, branchID uuid.UUID, worldTime time.Time) (*AsOfVariable, error) {
	v, err := s.db.GetStateVariable(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.variableBranch(ctx, v, branchID, userID); err != nil {
		return nil, err
	}
	rec, err := s.db.ResolveVersion(ctx, model.EntityStateVariable, id, branchID, worldTime)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("variables: %s has no state at %s: %w",
			id, worldTime.UTC().Format(time.RFC3339), errs.ErrNotFound)
	}
	snap, err := codec.Decode(rec.PayloadGz)
	if err != nil {
		return nil, err
	}
	return &AsOfVariable{
		VariableID: id,
		BranchID:   branchID,
		Version:    rec.Version,
		ValidFrom:  rec.ValidFrom,
		ValidTo:    rec.ValidTo,
		Checksum:   rec.Checksum,
		Snapshot:   snap,
	}, nil
}

// GetHistory lists the variable's version log on one branch, newest first.
// Parent-branch records are not included.
func (s *Service) GetHistory(ctx context.Context, userID, id, branchID uuid.UUID) ([]model.VersionMeta, error) {
	v, err := s.db.GetStateVariable(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.variableBranch(ctx, v, branchID, userID); err != nil {
		return nil, err
	}
	return s.db.FindVersionHistory(ctx, model.EntityStateVariable, id, branchID)
}
