package entities

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/loreweave/chronicle/internal/codec"
	"github.com/loreweave/chronicle/internal/model"
)

// CreateKingdomInput carries the caller-supplied fields for a new kingdom.
// WorldTime pins the first version record; nil falls back to the campaign
// clock, then wall clock.
type CreateKingdomInput struct {
	CampaignID uuid.UUID
	BranchID   uuid.UUID
	Name       string
	Ruler      *string
	Alignment  *string
	Treasury   int
	Variables  map[string]any
	WorldTime  *time.Time
}

// KingdomPatch holds optional updates; nil fields are left unchanged.
type KingdomPatch struct {
	Name      *string
	Ruler     *string
	Alignment *string
	Treasury  *int
	Variables map[string]any
}

// UpdateKingdomInput identifies the row, the expected optimistic version,
// and the branch the version record lands on.
type UpdateKingdomInput struct {
	ID              uuid.UUID
	BranchID        uuid.UUID
	ExpectedVersion int
	Patch           KingdomPatch
	WorldTime       *time.Time
}

// GetKingdom returns a live kingdom the user can see.
func (s *Service) GetKingdom(ctx context.Context, userID, id uuid.UUID) (*model.Kingdom, error) {
	if _, _, err := s.guard.RequireEntityAccess(ctx, model.EntityKingdom, id, userID); err != nil {
		return nil, err
	}
	return s.db.GetKingdom(ctx, id)
}

// ListKingdoms returns the campaign's kingdoms, name ASC.
func (s *Service) ListKingdoms(ctx context.Context, userID, campaignID uuid.UUID) ([]*model.Kingdom, error) {
	if _, err := s.guard.RequireCampaignAccess(ctx, campaignID, userID); err != nil {
		return nil, err
	}
	return s.db.ListKingdomsByCampaign(ctx, campaignID)
}

// CreateKingdom writes the row at version 1 and its first version record in
// one transaction.
func (s *Service) CreateKingdom(ctx context.Context, userID uuid.UUID, in CreateKingdomInput) (*model.Kingdom, error) {
	if err := validName("kingdom", in.Name); err != nil {
		return nil, err
	}
	if _, err := s.guard.RequireCampaignAccess(ctx, in.CampaignID, userID); err != nil {
		return nil, err
	}
	if _, err := s.branchForWrite(ctx, in.BranchID, in.CampaignID, userID); err != nil {
		return nil, err
	}
	validFrom, err := s.writeTime(ctx, in.CampaignID, in.WorldTime)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	k := &model.Kingdom{
		ID:         uuid.New(),
		CampaignID: in.CampaignID,
		Name:       in.Name,
		Ruler:      in.Ruler,
		Alignment:  in.Alignment,
		Treasury:   in.Treasury,
		Variables:  orEmpty(in.Variables),
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	ctx, span := s.startSpan(ctx, "entities.create", model.EntityKingdom, k.ID)
	defer span.End()

	started := time.Now()
	rec, snap, err := snapshotRecord(model.EntityKingdom, k.ID, in.BranchID, 1, validFrom, k, userID)
	if err != nil {
		return nil, err
	}
	if err := s.db.InsertKingdomWithVersion(ctx, k, rec); err != nil {
		return nil, err
	}
	s.finish(ctx, mutation{
		entityType: model.EntityKingdom,
		entityID:   k.ID,
		campaignID: in.CampaignID,
		branchID:   &in.BranchID,
		operation:  model.OpCreate,
		userID:     userID,
		version:    1,
		next:       snap,
		metadata:   writeMeta(in.BranchID, validFrom),
		started:    started,
	})
	return k, nil
}

// UpdateKingdom applies the patch under optimistic concurrency: the row
// update and the version record land in one transaction, and a stale
// ExpectedVersion fails with the live counter attached.
func (s *Service) UpdateKingdom(ctx context.Context, userID uuid.UUID, in UpdateKingdomInput) (*model.Kingdom, error) {
	campaignID, _, err := s.guard.RequireEntityAccess(ctx, model.EntityKingdom, in.ID, userID)
	if err != nil {
		return nil, err
	}
	if _, err := s.branchForWrite(ctx, in.BranchID, campaignID, userID); err != nil {
		return nil, err
	}
	k, err := s.db.GetKingdom(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	prev, err := codec.ToMap(k)
	if err != nil {
		return nil, err
	}

	if p := in.Patch.Name; p != nil {
		if err := validName("kingdom", *p); err != nil {
			return nil, err
		}
		k.Name = *p
	}
	if p := in.Patch.Ruler; p != nil {
		k.Ruler = p
	}
	if p := in.Patch.Alignment; p != nil {
		k.Alignment = p
	}
	if p := in.Patch.Treasury; p != nil {
		k.Treasury = *p
	}
	if in.Patch.Variables != nil {
		k.Variables = in.Patch.Variables
	}

	validFrom, err := s.writeTime(ctx, campaignID, in.WorldTime)
	if err != nil {
		return nil, err
	}
	k.Version = in.ExpectedVersion + 1
	k.UpdatedAt = time.Now().UTC()

	ctx, span := s.startSpan(ctx, "entities.update", model.EntityKingdom, k.ID)
	defer span.End()

	started := time.Now()
	rec, next, err := snapshotRecord(model.EntityKingdom, k.ID, in.BranchID, k.Version, validFrom, k, userID)
	if err != nil {
		return nil, err
	}
	if err := s.db.UpdateKingdomWithVersion(ctx, k, in.ExpectedVersion, rec); err != nil {
		return nil, err
	}
	s.finish(ctx, mutation{
		entityType: model.EntityKingdom,
		entityID:   k.ID,
		campaignID: campaignID,
		branchID:   &in.BranchID,
		operation:  model.OpUpdate,
		userID:     userID,
		version:    k.Version,
		previous:   prev,
		next:       next,
		metadata:   writeMeta(in.BranchID, validFrom),
		started:    started,
	})
	return k, nil
}
