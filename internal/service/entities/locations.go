package entities

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/loreweave/chronicle/internal/codec"
	"github.com/loreweave/chronicle/internal/errs"
	"github.com/loreweave/chronicle/internal/model"
)

// CreateLocationInput carries the caller-supplied fields for a new location.
// Locations hang off a world, not a campaign, so there is no branch and no
// world-time here.
type CreateLocationInput struct {
	WorldID      uuid.UUID
	Name         string
	LocationType string
	Description  *string
	Coordinates  map[string]any
	Variables    map[string]any
}

// LocationPatch holds optional updates; nil fields are left unchanged.
type LocationPatch struct {
	Name         *string
	LocationType *string
	Description  *string
	Coordinates  map[string]any
	Variables    map[string]any
}

type UpdateLocationInput struct {
	ID              uuid.UUID
	ExpectedVersion int
	Patch           LocationPatch
}

// GetLocation returns a live location. Locations are shared world geography
// and are readable without campaign membership.
func (s *Service) GetLocation(ctx context.Context, id uuid.UUID) (*model.Location, error) {
	return s.db.GetLocation(ctx, id)
}

// ListWorldLocations returns the world's live locations, name ASC.
func (s *Service) ListWorldLocations(ctx context.Context, worldID uuid.UUID) ([]*model.Location, error) {
	if _, err := s.db.GetWorld(ctx, worldID); err != nil {
		return nil, err
	}
	return s.db.ListLocationsByWorld(ctx, worldID)
}

// CreateLocation writes a location row. No version record is appended;
// location history lives only in the audit log.
func (s *Service) CreateLocation(ctx context.Context, userID uuid.UUID, in CreateLocationInput) (*model.Location, error) {
	if err := validName("location", in.Name); err != nil {
		return nil, err
	}
	if in.LocationType == "" {
		return nil, errs.BadRequestf(errs.CodeInvalidInput, "location type is required")
	}
	if in.Description != nil {
		if err := model.ValidateDescription(*in.Description); err != nil {
			return nil, errs.BadRequestf(errs.CodeInvalidInput, "location %v", err)
		}
	}
	if _, err := s.db.GetWorld(ctx, in.WorldID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	l := &model.Location{
		ID:           uuid.New(),
		WorldID:      in.WorldID,
		Name:         in.Name,
		LocationType: in.LocationType,
		Description:  in.Description,
		Coordinates:  in.Coordinates,
		Variables:    orEmpty(in.Variables),
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	ctx, span := s.startSpan(ctx, "entities.create", model.EntityLocation, l.ID)
	defer span.End()

	started := time.Now()
	if err := s.db.InsertLocation(ctx, l); err != nil {
		return nil, err
	}
	next, err := codec.ToMap(l)
	if err != nil {
		return nil, err
	}
	s.finish(ctx, mutation{
		entityType: model.EntityLocation,
		entityID:   l.ID,
		operation:  model.OpCreate,
		userID:     userID,
		version:    1,
		next:       next,
		metadata:   map[string]any{"world_id": l.WorldID.String()},
		started:    started,
	})
	return l, nil
}

// UpdateLocation applies the patch under optimistic concurrency. Locations
// are never versioned, so the write touches only the row.
func (s *Service) UpdateLocation(ctx context.Context, userID uuid.UUID, in UpdateLocationInput) (*model.Location, error) {
	l, err := s.db.GetLocation(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	prev, err := codec.ToMap(l)
	if err != nil {
		return nil, err
	}

	if v := in.Patch.Name; v != nil {
		if err := validName("location", *v); err != nil {
			return nil, err
		}
		l.Name = *v
	}
	if v := in.Patch.LocationType; v != nil {
		if *v == "" {
			return nil, errs.BadRequestf(errs.CodeInvalidInput, "location type cannot be empty")
		}
		l.LocationType = *v
	}
	if v := in.Patch.Description; v != nil {
		if err := model.ValidateDescription(*v); err != nil {
			return nil, errs.BadRequestf(errs.CodeInvalidInput, "location %v", err)
		}
		l.Description = v
	}
	if in.Patch.Coordinates != nil {
		l.Coordinates = in.Patch.Coordinates
	}
	if in.Patch.Variables != nil {
		l.Variables = in.Patch.Variables
	}

	l.Version = in.ExpectedVersion + 1
	l.UpdatedAt = time.Now().UTC()

	ctx, span := s.startSpan(ctx, "entities.update", model.EntityLocation, l.ID)
	defer span.End()

	started := time.Now()
	if err := s.db.UpdateLocation(ctx, l, in.ExpectedVersion); err != nil {
		return nil, err
	}
	next, err := codec.ToMap(l)
	if err != nil {
		return nil, err
	}
	s.finish(ctx, mutation{
		entityType: model.EntityLocation,
		entityID:   l.ID,
		operation:  model.OpUpdate,
		userID:     userID,
		version:    l.Version,
		previous:   prev,
		next:       next,
		metadata:   map[string]any{"world_id": l.WorldID.String()},
		started:    started,
	})
	return l, nil
}
