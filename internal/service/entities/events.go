package entities

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/loreweave/chronicle/internal/codec"
	"github.com/loreweave/chronicle/internal/errs"
	"github.com/loreweave/chronicle/internal/model"
)

// CreateEventInput carries the caller-supplied fields for a new world event.
// ScheduledAt is world time; leave it nil for unscheduled happenings.
type CreateEventInput struct {
	CampaignID  uuid.UUID
	BranchID    uuid.UUID
	Name        string
	EventType   string
	ScheduledAt *time.Time
	Payload     map[string]any
	Variables   map[string]any
	WorldTime   *time.Time
}

// EventPatch holds optional updates; nil fields are left unchanged.
// ScheduledAt and ResolvedAt can only be set, not cleared.
type EventPatch struct {
	Name        *string
	EventType   *string
	ScheduledAt *time.Time
	ResolvedAt  *time.Time
	Payload     map[string]any
	Variables   map[string]any
}

type UpdateEventInput struct {
	ID              uuid.UUID
	BranchID        uuid.UUID
	ExpectedVersion int
	Patch           EventPatch
	WorldTime       *time.Time
}

// GetEvent returns a live event the user can see.
func (s *Service) GetEvent(ctx context.Context, userID, id uuid.UUID) (*model.Event, error) {
	if _, _, err := s.guard.RequireEntityAccess(ctx, model.EntityEvent, id, userID); err != nil {
		return nil, err
	}
	return s.db.GetEvent(ctx, id)
}

// ListEvents returns the campaign's events, name ASC.
func (s *Service) ListEvents(ctx context.Context, userID, campaignID uuid.UUID) ([]*model.Event, error) {
	if _, err := s.guard.RequireCampaignAccess(ctx, campaignID, userID); err != nil {
		return nil, err
	}
	return s.db.ListEventsByCampaign(ctx, campaignID)
}

// DueEvents returns unresolved events whose scheduled time has passed the
// clock plus the scheduler grace period. When clock is nil the campaign's
// current world time is used, falling back to wall time for campaigns whose
// clock was never set.
func (s *Service) DueEvents(ctx context.Context, userID, campaignID uuid.UUID, clock *time.Time) ([]*model.Event, error) {
	if _, err := s.guard.RequireCampaignAccess(ctx, campaignID, userID); err != nil {
		return nil, err
	}
	at, err := s.writeTime(ctx, campaignID, clock)
	if err != nil {
		return nil, err
	}
	return s.db.FindDueEvents(ctx, campaignID, at, s.grace)
}

// CreateEvent writes the row at version 1 and its first version record in
// one transaction.
func (s *Service) CreateEvent(ctx context.Context, userID uuid.UUID, in CreateEventInput) (*model.Event, error) {
	if err := validName("event", in.Name); err != nil {
		return nil, err
	}
	if in.EventType == "" {
		return nil, errs.BadRequestf(errs.CodeInvalidInput, "event type is required")
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
	e := &model.Event{
		ID:          uuid.New(),
		CampaignID:  in.CampaignID,
		Name:        in.Name,
		EventType:   in.EventType,
		ScheduledAt: in.ScheduledAt,
		Payload:     orEmpty(in.Payload),
		Variables:   orEmpty(in.Variables),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	ctx, span := s.startSpan(ctx, "entities.create", model.EntityEvent, e.ID)
	defer span.End()

	started := time.Now()
	rec, snap, err := snapshotRecord(model.EntityEvent, e.ID, in.BranchID, 1, validFrom, e, userID)
	if err != nil {
		return nil, err
	}
	if err := s.db.InsertEventWithVersion(ctx, e, rec); err != nil {
		return nil, err
	}
	s.finish(ctx, mutation{
		entityType: model.EntityEvent,
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

// UpdateEvent applies the patch under optimistic concurrency.
func (s *Service) UpdateEvent(ctx context.Context, userID uuid.UUID, in UpdateEventInput) (*model.Event, error) {
	campaignID, _, err := s.guard.RequireEntityAccess(ctx, model.EntityEvent, in.ID, userID)
	if err != nil {
		return nil, err
	}
	if _, err := s.branchForWrite(ctx, in.BranchID, campaignID, userID); err != nil {
		return nil, err
	}
	e, err := s.db.GetEvent(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	prev, err := codec.ToMap(e)
	if err != nil {
		return nil, err
	}

	if v := in.Patch.Name; v != nil {
		if err := validName("event", *v); err != nil {
			return nil, err
		}
		e.Name = *v
	}
	if v := in.Patch.EventType; v != nil {
		if *v == "" {
			return nil, errs.BadRequestf(errs.CodeInvalidInput, "event type cannot be empty")
		}
		e.EventType = *v
	}
	if v := in.Patch.ScheduledAt; v != nil {
		t := v.UTC()
		e.ScheduledAt = &t
	}
	if v := in.Patch.ResolvedAt; v != nil {
		t := v.UTC()
		e.ResolvedAt = &t
	}
	if in.Patch.Payload != nil {
		e.Payload = in.Patch.Payload
	}
	if in.Patch.Variables != nil {
		e.Variables = in.Patch.Variables
	}

	validFrom, err := s.writeTime(ctx, campaignID, in.WorldTime)
	if err != nil {
		return nil, err
	}
	e.Version = in.ExpectedVersion + 1
	e.UpdatedAt = time.Now().UTC()

	ctx, span := s.startSpan(ctx, "entities.update", model.EntityEvent, e.ID)
	defer span.End()

	started := time.Now()
	rec, next, err := snapshotRecord(model.EntityEvent, e.ID, in.BranchID, e.Version, validFrom, e, userID)
	if err != nil {
		return nil, err
	}
	if err := s.db.UpdateEventWithVersion(ctx, e, in.ExpectedVersion, rec); err != nil {
		return nil, err
	}
	s.finish(ctx, mutation{
		entityType: model.EntityEvent,
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
