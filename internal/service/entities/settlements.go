package entities

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/loreweave/chronicle/internal/codec"
	"github.com/loreweave/chronicle/internal/model"
)

// CreateSettlementInput carries the caller-supplied fields for a new
// settlement under a kingdom.
type CreateSettlementInput struct {
	KingdomID  uuid.UUID
	BranchID   uuid.UUID
	Name       string
	Population int
	Level      int
	Variables  map[string]any
	WorldTime  *time.Time
}

// SettlementPatch holds optional updates; nil fields are left unchanged.
type SettlementPatch struct {
	Name       *string
	Population *int
	Level      *int
	Variables  map[string]any
}

type UpdateSettlementInput struct {
	ID              uuid.UUID
	BranchID        uuid.UUID
	ExpectedVersion int
	Patch           SettlementPatch
	WorldTime       *time.Time
}

// GetSettlement returns a live settlement the user can see.
func (s *Service) GetSettlement(ctx context.Context, userID, id uuid.UUID) (*model.Settlement, error) {
	if _, _, err := s.guard.RequireEntityAccess(ctx, model.EntitySettlement, id, userID); err != nil {
		return nil, err
	}
	return s.db.GetSettlement(ctx, id)
}

// ListSettlements returns the kingdom's settlements, name ASC.
func (s *Service) ListSettlements(ctx context.Context, userID, kingdomID uuid.UUID) ([]*model.Settlement, error) {
	if _, _, err := s.guard.RequireEntityAccess(ctx, model.EntityKingdom, kingdomID, userID); err != nil {
		return nil, err
	}
	return s.db.ListSettlementsByKingdom(ctx, kingdomID)
}

// CreateSettlement writes the row at version 1 and its first version record
// in one transaction. Access is checked against the owning kingdom's
// campaign.
func (s *Service) CreateSettlement(ctx context.Context, userID uuid.UUID, in CreateSettlementInput) (*model.Settlement, error) {
	if err := validName("settlement", in.Name); err != nil {
		return nil, err
	}
	campaignID, _, err := s.guard.RequireEntityAccess(ctx, model.EntityKingdom, in.KingdomID, userID)
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
	st := &model.Settlement{
		ID:         uuid.New(),
		KingdomID:  in.KingdomID,
		Name:       in.Name,
		Population: in.Population,
		Level:      in.Level,
		Variables:  orEmpty(in.Variables),
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	ctx, span := s.startSpan(ctx, "entities.create", model.EntitySettlement, st.ID)
	defer span.End()

	started := time.Now()
	rec, snap, err := snapshotRecord(model.EntitySettlement, st.ID, in.BranchID, 1, validFrom, st, userID)
	if err != nil {
		return nil, err
	}
	if err := s.db.InsertSettlementWithVersion(ctx, st, rec); err != nil {
		return nil, err
	}
	s.finish(ctx, mutation{
		entityType: model.EntitySettlement,
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

// UpdateSettlement applies the patch under optimistic concurrency.
func (s *Service) UpdateSettlement(ctx context.Context, userID uuid.UUID, in UpdateSettlementInput) (*model.Settlement, error) {
	campaignID, _, err := s.guard.RequireEntityAccess(ctx, model.EntitySettlement, in.ID, userID)
	if err != nil {
		return nil, err
	}
	if _, err := s.branchForWrite(ctx, in.BranchID, campaignID, userID); err != nil {
		return nil, err
	}
	st, err := s.db.GetSettlement(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	prev, err := codec.ToMap(st)
	if err != nil {
		return nil, err
	}

	if p := in.Patch.Name; p != nil {
		if err := validName("settlement", *p); err != nil {
			return nil, err
		}
		st.Name = *p
	}
	if p := in.Patch.Population; p != nil {
		st.Population = *p
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

	ctx, span := s.startSpan(ctx, "entities.update", model.EntitySettlement, st.ID)
	defer span.End()

	started := time.Now()
	rec, next, err := snapshotRecord(model.EntitySettlement, st.ID, in.BranchID, st.Version, validFrom, st, userID)
	if err != nil {
		return nil, err
	}
	if err := s.db.UpdateSettlementWithVersion(ctx, st, in.ExpectedVersion, rec); err != nil {
		return nil, err
	}
	s.finish(ctx, mutation{
		entityType: model.EntitySettlement,
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
