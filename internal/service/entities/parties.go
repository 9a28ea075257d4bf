package entities

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/loreweave/chronicle/internal/codec"
	"github.com/loreweave/chronicle/internal/model"
)

// CreatePartyInput carries the caller-supplied fields for a new party.
type CreatePartyInput struct {
	CampaignID uuid.UUID
	BranchID   uuid.UUID
	Name       string
	Motto      *string
	Reputation int
	Variables  map[string]any
	WorldTime  *time.Time
}

// PartyPatch holds optional updates; nil fields are left unchanged.
type PartyPatch struct {
	Name       *string
	Motto      *string
	Reputation *int
	Variables  map[string]any
}

type UpdatePartyInput struct {
	ID              uuid.UUID
	BranchID        uuid.UUID
	ExpectedVersion int
	Patch           PartyPatch
	WorldTime       *time.Time
}

// GetParty returns a live party the user can see.
func (s *Service) GetParty(ctx context.Context, userID, id uuid.UUID) (*model.Party, error) {
	if _, _, err := s.guard.RequireEntityAccess(ctx, model.EntityParty, id, userID); err != nil {
		return nil, err
	}
	return s.db.GetParty(ctx, id)
}

// ListParties returns the campaign's parties, name ASC.
func (s *Service) ListParties(ctx context.Context, userID, campaignID uuid.UUID) ([]*model.Party, error) {
	if _, err := s.guard.RequireCampaignAccess(ctx, campaignID, userID); err != nil {
		return nil, err
	}
	return s.db.ListPartiesByCampaign(ctx, campaignID)
}

// CreateParty writes the row at version 1 and its first version record in
// one transaction.
func (s *Service) CreateParty(ctx context.Context, userID uuid.UUID, in CreatePartyInput) (*model.Party, error) {
	if err := validName("party", in.Name); err != nil {
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
	p := &model.Party{
		ID:         uuid.New(),
		CampaignID: in.CampaignID,
		Name:       in.Name,
		Motto:      in.Motto,
		Reputation: in.Reputation,
		Variables:  orEmpty(in.Variables),
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	ctx, span := s.startSpan(ctx, "entities.create", model.EntityParty, p.ID)
	defer span.End()

	started := time.Now()
	rec, snap, err := snapshotRecord(model.EntityParty, p.ID, in.BranchID, 1, validFrom, p, userID)
	if err != nil {
		return nil, err
	}
	if err := s.db.InsertPartyWithVersion(ctx, p, rec); err != nil {
		return nil, err
	}
	s.finish(ctx, mutation{
		entityType: model.EntityParty,
		entityID:   p.ID,
		campaignID: in.CampaignID,
		branchID:   &in.BranchID,
		operation:  model.OpCreate,
		userID:     userID,
		version:    1,
		next:       snap,
		metadata:   writeMeta(in.BranchID, validFrom),
		started:    started,
	})
	return p, nil
}

// UpdateParty applies the patch under optimistic concurrency.
func (s *Service) UpdateParty(ctx context.Context, userID uuid.UUID, in UpdatePartyInput) (*model.Party, error) {
	campaignID, _, err := s.guard.RequireEntityAccess(ctx, model.EntityParty, in.ID, userID)
	if err != nil {
		return nil, err
	}
	if _, err := s.branchForWrite(ctx, in.BranchID, campaignID, userID); err != nil {
		return nil, err
	}
	p, err := s.db.GetParty(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	prev, err := codec.ToMap(p)
	if err != nil {
		return nil, err
	}

	if v := in.Patch.Name; v != nil {
		if err := validName("party", *v); err != nil {
			return nil, err
		}
		p.Name = *v
	}
	if v := in.Patch.Motto; v != nil {
		p.Motto = v
	}
	if v := in.Patch.Reputation; v != nil {
		p.Reputation = *v
	}
	if in.Patch.Variables != nil {
		p.Variables = in.Patch.Variables
	}

	validFrom, err := s.writeTime(ctx, campaignID, in.WorldTime)
	if err != nil {
		return nil, err
	}
	p.Version = in.ExpectedVersion + 1
	p.UpdatedAt = time.Now().UTC()

	ctx, span := s.startSpan(ctx, "entities.update", model.EntityParty, p.ID)
	defer span.End()

	started := time.Now()
	rec, next, err := snapshotRecord(model.EntityParty, p.ID, in.BranchID, p.Version, validFrom, p, userID)
	if err != nil {
		return nil, err
	}
	if err := s.db.UpdatePartyWithVersion(ctx, p, in.ExpectedVersion, rec); err != nil {
		return nil, err
	}
	s.finish(ctx, mutation{
		entityType: model.EntityParty,
		entityID:   p.ID,
		campaignID: campaignID,
		branchID:   &in.BranchID,
		operation:  model.OpUpdate,
		userID:     userID,
		version:    p.Version,
		previous:   prev,
		next:       next,
		metadata:   writeMeta(in.BranchID, validFrom),
		started:    started,
	})
	return p, nil
}
