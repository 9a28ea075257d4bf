package entities

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/loreweave/chronicle/internal/codec"
	"github.com/loreweave/chronicle/internal/errs"
	"github.com/loreweave/chronicle/internal/model"
)

// CreateEncounterInput carries the caller-supplied fields for a new
// encounter. LocationID is optional; when set the location must sit on the
// campaign's world. An empty Status defaults to PLANNED.
type CreateEncounterInput struct {
	CampaignID   uuid.UUID
	BranchID     uuid.UUID
	LocationID   *uuid.UUID
	Name         string
	Difficulty   int
	Status       model.EncounterStatus
	Participants map[string]any
	Variables    map[string]any
	WorldTime    *time.Time
}

// EncounterPatch holds optional updates; nil fields are left unchanged.
// Setting LocationID to uuid.Nil unpins the encounter from its location.
type EncounterPatch struct {
	Name         *string
	Difficulty   *int
	Status       *model.EncounterStatus
	LocationID   *uuid.UUID
	Participants map[string]any
	Variables    map[string]any
}

type UpdateEncounterInput struct {
	ID              uuid.UUID
	BranchID        uuid.UUID
	ExpectedVersion int
	Patch           EncounterPatch
	WorldTime       *time.Time
}

// locationInWorld checks that a location exists and sits on the campaign's
// world. Locations are shared world geography, so a campaign can only pin
// encounters to places on the world it plays on.
func (s *Service) locationInWorld(ctx context.Context, locationID uuid.UUID, c *model.Campaign) error {
	loc, err := s.db.GetLocation(ctx, locationID)
	if err != nil {
		return err
	}
	if loc.WorldID != c.WorldID {
		return errs.LocationWorldMismatch(locationID.String(), c.WorldID.String())
	}
	return nil
}

// GetEncounter returns a live encounter the user can see.
func (s *Service) GetEncounter(ctx context.Context, userID, id uuid.UUID) (*model.Encounter, error) {
	if _, _, err := s.guard.RequireEntityAccess(ctx, model.EntityEncounter, id, userID); err != nil {
		return nil, err
	}
	return s.db.GetEncounter(ctx, id)
}

// ListEncounters returns the campaign's encounters, name ASC.
func (s *Service) ListEncounters(ctx context.Context, userID, campaignID uuid.UUID) ([]*model.Encounter, error) {
	if _, err := s.guard.RequireCampaignAccess(ctx, campaignID, userID); err != nil {
		return nil, err
	}
	return s.db.ListEncountersByCampaign(ctx, campaignID)
}

// ListLocationEncounters returns the campaign's encounters pinned to a
// location. Locations are shared across campaigns, so rows from other
// campaigns are filtered out rather than exposed.
func (s *Service) ListLocationEncounters(ctx context.Context, userID, campaignID, locationID uuid.UUID) ([]*model.Encounter, error) {
	if _, err := s.guard.RequireCampaignAccess(ctx, campaignID, userID); err != nil {
		return nil, err
	}
	all, err := s.db.ListEncountersByLocation(ctx, locationID)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Encounter, 0, len(all))
	for _, e := range all {
		if e.CampaignID == campaignID {
			out = append(out, e)
		}
	}
	return out, nil
}

// CreateEncounter writes the row at version 1 and its first version record
// in one transaction.
func (s *Service) CreateEncounter(ctx context.Context, userID uuid.UUID, in CreateEncounterInput) (*model.Encounter, error) {
	if err := validName("encounter", in.Name); err != nil {
		return nil, err
	}
	status := in.Status
	if status == "" {
		status = model.EncounterPlanned
	}
	if !status.Valid() {
		return nil, errs.BadRequestf(errs.CodeInvalidInput, "unknown encounter status %q", status)
	}
	if _, err := s.guard.RequireCampaignAccess(ctx, in.CampaignID, userID); err != nil {
		return nil, err
	}
	if _, err := s.branchForWrite(ctx, in.BranchID, in.CampaignID, userID); err != nil {
		return nil, err
	}
	campaign, err := s.db.GetCampaign(ctx, in.CampaignID)
	if err != nil {
		return nil, err
	}
	if in.LocationID != nil {
		if err := s.locationInWorld(ctx, *in.LocationID, campaign); err != nil {
			return nil, err
		}
	}
	validFrom := timeFrom(campaign, in.WorldTime)

	now := time.Now().UTC()
	e := &model.Encounter{
		ID:           uuid.New(),
		CampaignID:   in.CampaignID,
		LocationID:   in.LocationID,
		Name:         in.Name,
		Difficulty:   in.Difficulty,
		Status:       status,
		Participants: orEmpty(in.Participants),
		Variables:    orEmpty(in.Variables),
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	ctx, span := s.startSpan(ctx, "entities.create", model.EntityEncounter, e.ID)
	defer span.End()

	started := time.Now()
	rec, snap, err := snapshotRecord(model.EntityEncounter, e.ID, in.BranchID, 1, validFrom, e, userID)
	if err != nil {
		return nil, err
	}
	if err := s.db.InsertEncounterWithVersion(ctx, e, rec); err != nil {
		return nil, err
	}
	s.finish(ctx, mutation{
		entityType: model.EntityEncounter,
		entityID:   e.ID,
		campaignID: in.CampaignID,
		branchID:   &in.BranchID,
		operation:  model.OpCreate,
		userID:     userID,
		version:    1,
		next:       snap,
		metadata:   writeMeta(in.BranchID, validFrom),
		started:    started,
	})
	return e, nil
}

// UpdateEncounter applies the patch under optimistic concurrency.
func (s *Service) UpdateEncounter(ctx context.Context, userID uuid.UUID, in UpdateEncounterInput) (*model.Encounter, error) {
	campaignID, _, err := s.guard.RequireEntityAccess(ctx, model.EntityEncounter, in.ID, userID)
	if err != nil {
		return nil, err
	}
	if _, err := s.branchForWrite(ctx, in.BranchID, campaignID, userID); err != nil {
		return nil, err
	}
	campaign, err := s.db.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	e, err := s.db.GetEncounter(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	prev, err := codec.ToMap(e)
	if err != nil {
		return nil, err
	}

	if v := in.Patch.Name; v != nil {
		if err := validName("encounter", *v); err != nil {
			return nil, err
		}
		e.Name = *v
	}
	if v := in.Patch.Difficulty; v != nil {
		e.Difficulty = *v
	}
	if v := in.Patch.Status; v != nil {
		if !v.Valid() {
			return nil, errs.BadRequestf(errs.CodeInvalidInput, "unknown encounter status %q", *v)
		}
		e.Status = *v
	}
	if v := in.Patch.LocationID; v != nil {
		if *v == uuid.Nil {
			e.LocationID = nil
		} else {
			if err := s.locationInWorld(ctx, *v, campaign); err != nil {
				return nil, err
			}
			e.LocationID = v
		}
	}
	if in.Patch.Participants != nil {
		e.Participants = in.Patch.Participants
	}
	if in.Patch.Variables != nil {
		e.Variables = in.Patch.Variables
	}

	validFrom := timeFrom(campaign, in.WorldTime)
	e.Version = in.ExpectedVersion + 1
	e.UpdatedAt = time.Now().UTC()

	ctx, span := s.startSpan(ctx, "entities.update", model.EntityEncounter, e.ID)
	defer span.End()

	started := time.Now()
	rec, next, err := snapshotRecord(model.EntityEncounter, e.ID, in.BranchID, e.Version, validFrom, e, userID)
	if err != nil {
		return nil, err
	}
	if err := s.db.UpdateEncounterWithVersion(ctx, e, in.ExpectedVersion, rec); err != nil {
		return nil, err
	}
	s.finish(ctx, mutation{
		entityType: model.EntityEncounter,
		entityID:   e.ID,
		campaignID: campaignID,
		branchID:   &in.BranchID,
		operation:  model.OpUpdate,
		userID:     userID,
		version:    e.Version,
		previous:   prev,
		next:       next,
		metadata:   writeMeta(in.BranchID, validFrom),
		started:    started,
	})
	return e, nil
}
