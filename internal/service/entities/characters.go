package entities

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/loreweave/chronicle/internal/codec"
	"github.com/loreweave/chronicle/internal/errs"
	"github.com/loreweave/chronicle/internal/model"
)

// CreateCharacterInput carries the caller-supplied fields for a new
// character. PartyID is optional; when set the party must belong to the same
// campaign.
type CreateCharacterInput struct {
	CampaignID uuid.UUID
	BranchID   uuid.UUID
	PartyID    *uuid.UUID
	Name       string
	Class      *string
	Level      int
	Stats      map[string]any
	Variables  map[string]any
	WorldTime  *time.Time
}

// CharacterPatch holds optional updates; nil fields are left unchanged.
// Setting PartyID to uuid.Nil clears the party assignment.
type CharacterPatch struct {
	Name      *string
	Class     *string
	PartyID   *uuid.UUID
	Level     *int
	Stats     map[string]any
	Variables map[string]any
}

type UpdateCharacterInput struct {
	ID              uuid.UUID
	BranchID        uuid.UUID
	ExpectedVersion int
	Patch           CharacterPatch
	WorldTime       *time.Time
}

func (s *Service) partyInCampaign(ctx context.Context, partyID, campaignID uuid.UUID) error {
	p, err := s.db.GetParty(ctx, partyID)
	if err != nil {
		return err
	}
	if p.CampaignID != campaignID {
		return errs.BadRequestf(errs.CodeInvalidInput, "party %s belongs to a different campaign", partyID)
	}
	return nil
}

// GetCharacter returns a live character the user can see.
func (s *Service) GetCharacter(ctx context.Context, userID, id uuid.UUID) (*model.Character, error) {
	if _, _, err := s.guard.RequireEntityAccess(ctx, model.EntityCharacter, id, userID); err != nil {
		return nil, err
	}
	return s.db.GetCharacter(ctx, id)
}

// ListCharacters returns the campaign's characters, name ASC.
func (s *Service) ListCharacters(ctx context.Context, userID, campaignID uuid.UUID) ([]*model.Character, error) {
	if _, err := s.guard.RequireCampaignAccess(ctx, campaignID, userID); err != nil {
		return nil, err
	}
	return s.db.ListCharactersByCampaign(ctx, campaignID)
}

// ListPartyCharacters returns the characters assigned to a party.
func (s *Service) ListPartyCharacters(ctx context.Context, userID, partyID uuid.UUID) ([]*model.Character, error) {
	if _, _, err := s.guard.RequireEntityAccess(ctx, model.EntityParty, partyID, userID); err != nil {
		return nil, err
	}
	return s.db.ListCharactersByParty(ctx, partyID)
}

// CreateCharacter writes the row at version 1 and its first version record
// in one transaction.
func (s *Service) CreateCharacter(ctx context.Context, userID uuid.UUID, in CreateCharacterInput) (*model.Character, error) {
	if err := validName("character", in.Name); err != nil {
		return nil, err
	}
	if _, err := s.guard.RequireCampaignAccess(ctx, in.CampaignID, userID); err != nil {
		return nil, err
	}
	if _, err := s.branchForWrite(ctx, in.BranchID, in.CampaignID, userID); err != nil {
		return nil, err
	}
	if in.PartyID != nil {
		if err := s.partyInCampaign(ctx, *in.PartyID, in.CampaignID); err != nil {
			return nil, err
		}
	}
	validFrom, err := s.writeTime(ctx, in.CampaignID, in.WorldTime)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	c := &model.Character{
		ID:         uuid.New(),
		CampaignID: in.CampaignID,
		PartyID:    in.PartyID,
		Name:       in.Name,
		Class:      in.Class,
		Level:      in.Level,
		Stats:      orEmpty(in.Stats),
		Variables:  orEmpty(in.Variables),
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	ctx, span := s.startSpan(ctx, "entities.create", model.EntityCharacter, c.ID)
	defer span.End()

	started := time.Now()
	rec, snap, err := snapshotRecord(model.EntityCharacter, c.ID, in.BranchID, 1, validFrom, c, userID)
	if err != nil {
		return nil, err
	}
	if err := s.db.InsertCharacterWithVersion(ctx, c, rec); err != nil {
		return nil, err
	}
	s.finish(ctx, mutation{
		entityType: model.EntityCharacter,
		entityID:   c.ID,
		campaignID: in.CampaignID,
		branchID:   &in.BranchID,
		operation:  model.OpCreate,
		userID:     userID,
		version:    1,
		next:       snap,
		metadata:   writeMeta(in.BranchID, validFrom),
		started:    started,
	})
	return c, nil
}

// UpdateCharacter applies the patch under optimistic concurrency.
func (s *Service) UpdateCharacter(ctx context.Context, userID uuid.UUID, in UpdateCharacterInput) (*model.Character, error) {
	campaignID, _, err := s.guard.RequireEntityAccess(ctx, model.EntityCharacter, in.ID, userID)
	if err != nil {
		return nil, err
	}
	if _, err := s.branchForWrite(ctx, in.BranchID, campaignID, userID); err != nil {
		return nil, err
	}
	c, err := s.db.GetCharacter(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	prev, err := codec.ToMap(c)
	if err != nil {
		return nil, err
	}

	if v := in.Patch.Name; v != nil {
		if err := validName("character", *v); err != nil {
			return nil, err
		}
		c.Name = *v
	}
	if v := in.Patch.Class; v != nil {
		c.Class = v
	}
	if v := in.Patch.PartyID; v != nil {
		if *v == uuid.Nil {
			c.PartyID = nil
		} else {
			if err := s.partyInCampaign(ctx, *v, campaignID); err != nil {
				return nil, err
			}
			c.PartyID = v
		}
	}
	if v := in.Patch.Level; v != nil {
		c.Level = *v
	}
	if in.Patch.Stats != nil {
		c.Stats = in.Patch.Stats
	}
	if in.Patch.Variables != nil {
		c.Variables = in.Patch.Variables
	}

	validFrom, err := s.writeTime(ctx, campaignID, in.WorldTime)
	if err != nil {
		return nil, err
	}
	c.Version = in.ExpectedVersion + 1
	c.UpdatedAt = time.Now().UTC()

	ctx, span := s.startSpan(ctx, "entities.update", model.EntityCharacter, c.ID)
	defer span.End()

	started := time.Now()
	rec, next, err := snapshotRecord(model.EntityCharacter, c.ID, in.BranchID, c.Version, validFrom, c, userID)
	if err != nil {
		return nil, err
	}
	if err := s.db.UpdateCharacterWithVersion(ctx, c, in.ExpectedVersion, rec); err != nil {
		return nil, err
	}
	s.finish(ctx, mutation{
		entityType: model.EntityCharacter,
		entityID:   c.ID,
		campaignID: campaignID,
		branchID:   &in.BranchID,
		operation:  model.OpUpdate,
		userID:     userID,
		version:    c.Version,
		previous:   prev,
		next:       next,
		metadata:   writeMeta(in.BranchID, validFrom),
		started:    started,
	})
	return c, nil
}
