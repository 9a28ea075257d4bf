package entities

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/loreweave/chronicle/internal/codec"
	"github.com/loreweave/chronicle/internal/errs"
	"github.com/loreweave/chronicle/internal/model"
)

// CreateStructureInput carries the caller-supplied fields for a new
// structure inside a settlement.
type CreateStructureInput struct {
	SettlementID  uuid.UUID
	BranchID      uuid.UUID
	Name          string
	StructureType string
	Level         int
	Variables     map[string]any
	WorldTime     *time.Time
}

// StructurePatch holds optional updates; nil fields are left unchanged.
type StructurePatch struct {
	Name          *string
	StructureType *string
	Level         *int
	Variables     map[string]any
}

type UpdateStructureInput struct {
	ID              uuid.UUID
	BranchID        uuid.UUID
	ExpectedVersion int
	Patch           StructurePatch
	WorldTime       *time.Time
}

// GetStructure returns a live structure the user can see.
func (s *Service) GetStructure(ctx context.Context, userID, id uuid.UUID) (*model.Structure, error) {
	if _, _, err := s.guard.RequireEntityAccess(ctx, model.EntityStructure, id, userID); err != nil {
		return nil, err
	}
	return s.db.GetStructure(ctx, id)
}

// ListStructures returns the settlement's structures, name ASC.
func (s *Service) ListStructures(ctx context.Context, userID, settlementID uuid.UUID) ([]*model.Structure, error) {
	if _, _, err := s.guard.RequireEntityAccess(ctx, model.EntitySettlement, settlementID, userID); err != nil {
		return nil, err
	}
	return s.db.ListStructuresBySettlement(ctx, settlementID)
}

// CreateStructure writes the row at version 1 and its first version record
// in one transaction. Access resolves through settlement and kingdom to the
// campaign.
func (s *Service) CreateStructure(ctx context.Context, userID uuid.UUID, in CreateStructureInput) (*model.Structure, error) {
	if err := validName("structure", in.Name); err != nil {
		return nil, err
	}
	if in.StructureType == "" {
		return nil, errs.BadRequestf(errs.CodeInvalidInput, "structure type is required")
	}
	campaignID, _, err := s.guard.RequireEntityAccess(ctx, model.EntitySettlement, in.SettlementID, userID)
	if err != nil {
		return nil, err
	}
	if _, err := s.branchForWrite(ctx, in.BranchID, campaignID, userID); err != nil {
		return nil, err
	}
	validFrom, err := s.writeTime(ctx, campaignID, in.WorldTime)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	st := &model.Structure{
		ID:            uuid.New(),
		SettlementID:  in.SettlementID,
		Name:          in.Name,
		StructureType: in.StructureType,
		Level:         in.Level,
		Variables:     orEmpty(in.Variables),
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	ctx, span := s.startSpan(ctx, "entities.create", model.EntityStructure, st.ID)
	defer span.End()

	started := time.Now()
	rec, snap, err := snapshotRecord(model.EntityStructure, st.ID, in.BranchID, 1, validFrom, st, userID)
	if err != nil {
		return nil, err
	}
	if err := s.db.InsertStructureWithVersion(ctx, st, rec); err != nil {
		return nil, err
	}
	s.finish(ctx, mutation{
		entityType: model.EntityStructure,
		entityID:   st.ID,
		campaignID: campaignID,
		branchID:   &in.BranchID,
		operation:  model.OpCreate,
		userID:     userID,
		version:    1,
		next:       snap,
		metadata:   writeMeta(in.BranchID, validFrom),
		started:    started,
	})
	return st, nil
}

// UpdateStructure applies the patch under optimistic concurrency.
func (s *Service) UpdateStructure(ctx context.Context, userID uuid.UUID, in UpdateStructureInput) (*model.Structure, error) {
	campaignID, _, err := s.guard.RequireEntityAccess(ctx, model.EntityStructure, in.ID, userID)
	if err != nil {
		return nil, err
	}
	if _, err := s.branchForWrite(ctx, in.BranchID, campaignID, userID); err != nil {
		return nil, err
	}
	st, err := s.db.GetStructure(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	prev, err := codec.ToMap(st)
	if err != nil {
		return nil, err
	}

	if p := in.Patch.Name; p != nil {
		if err := validName("structure", *p); err != nil {
			return nil, err
		}
		st.Name = *p
	}
	if p := in.Patch.StructureType; p != nil {
		if *p == "" {
			return nil, errs.BadRequestf(errs.CodeInvalidInput, "structure type cannot be empty")
		}
		st.StructureType = *p
	}
	if p := in.Patch.Level; p != nil {
		st.Level = *p
	}
	if in.Patch.Variables != nil {
		st.Variables = in.Patch.Variables
	}

	validFrom, err := s.writeTime(ctx, campaignID, in.WorldTime)
	if err != nil {
		return nil, err
	}
	st.Version = in.ExpectedVersion + 1
	st.UpdatedAt = time.Now().UTC()

	ctx, span := s.startSpan(ctx, "entities.update", model.EntityStructure, st.ID)
	defer span.End()

	started := time.Now()
	rec, next, err := snapshotRecord(model.EntityStructure, st.ID, in.BranchID, st.Version, validFrom, st, userID)
	if err != nil {
		return nil, err
	}
	if err := s.db.UpdateStructureWithVersion(ctx, st, in.ExpectedVersion, rec); err != nil {
		return nil, err
	}
	s.finish(ctx, mutation{
		entityType: model.EntityStructure,
		entityID:   st.ID,
		campaignID: campaignID,
		branchID:   &in.BranchID,
		operation:  model.OpUpdate,
		userID:     userID,
		version:    st.Version,
		previous:   prev,
		next:       next,
		metadata:   writeMeta(in.BranchID, validFrom),
		started:    started,
	})
	return st, nil
}
