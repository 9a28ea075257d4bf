// Package entities implements the uniform per-type entity contract: typed
// creates and patches that append a version record in the same transaction
// as the row write, branch-aware as-of reads, and the shared soft-delete
// and archive lifecycle. Every mutation authorizes through the campaign
// guard, lands an audit entry, and publishes on the event bus after commit.
package entities

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loreweave/chronicle/internal/audit"
	"github.com/loreweave/chronicle/internal/authz"
	"github.com/loreweave/chronicle/internal/bus"
	"github.com/loreweave/chronicle/internal/cache"
	"github.com/loreweave/chronicle/internal/codec"
	"github.com/loreweave/chronicle/internal/errs"
	"github.com/loreweave/chronicle/internal/model"
	"github.com/loreweave/chronicle/internal/storage"
	"github.com/loreweave/chronicle/internal/telemetry"
)

// Service is the entity store. One instance serves all entity types.
type Service struct {
	db     *storage.DB
	guard  *authz.Guard
	audit  *audit.Recorder
	bus    bus.Publisher
	cache  cache.Store
	grace  time.Duration
	logger *slog.Logger
	tracer trace.Tracer

	writeDuration metric.Float64Histogram
}

// New creates the entity service. grace is the scheduler window DueEvents
// adds on top of the campaign clock.
func New(db *storage.DB, guard *authz.Guard, rec *audit.Recorder, pub bus.Publisher, store cache.Store, grace time.Duration, logger *slog.Logger) *Service {
	meter := telemetry.Meter("chronicle/entities")
	writeDur, _ := meter.Float64Histogram("chronicle.entities.write.duration",
		metric.WithDescription("Time to commit an entity mutation (ms)"),
		metric.WithUnit("ms"),
	)
	return &Service{
		db:            db,
		guard:         guard,
		audit:         rec,
		bus:           pub,
		cache:         store,
		grace:         grace,
		logger:        logger.With("component", "entities"),
		tracer:        telemetry.Tracer("chronicle/entities"),
		writeDuration: writeDur,
	}
}

func (s *Service) startSpan(ctx context.Context, name string, t model.EntityType, id uuid.UUID) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("chronicle.entity_type", string(t)),
		attribute.String("chronicle.entity_id", id.String()),
	))
}

// managedType gates the generic entry points to the types this service
// owns. Campaigns, branches, and state variables have their own services.
func managedType(t model.EntityType) error {
	switch t {
	case model.EntityKingdom, model.EntitySettlement, model.EntityStructure,
		model.EntityParty, model.EntityCharacter, model.EntityLocation,
		model.EntityEvent, model.EntityEncounter:
		return nil
	}
	return errs.BadRequestf(errs.CodeInvalidInput, "entity type %q is not managed by the entity store", t)
}

// versionedType additionally rejects locations, which are world-bound and
// carry no version history.
func versionedType(t model.EntityType) error {
	if err := managedType(t); err != nil {
		return err
	}
	if t == model.EntityLocation {
		return errs.BadScope("locations are world-bound and cannot be versioned")
	}
	return nil
}

// validName applies the shared name bound, naming the entity kind in the
// error. Creates and name patches both go through it.
func validName(kind, name string) error {
	if err := model.ValidateName(name); err != nil {
		return errs.BadRequestf(errs.CodeInvalidInput, "%s %v", kind, err)
	}
	return nil
}

// branchForWrite authorizes the branch and pins it to the campaign the
// write belongs to.
func (s *Service) branchForWrite(ctx context.Context, branchID, campaignID, userID uuid.UUID) (*model.Branch, error) {
	branch, _, err := s.guard.RequireBranchAccess(ctx, branchID, userID)
	if err != nil {
		return nil, err
	}
	if branch.CampaignID != campaignID {
		return nil, errs.BadRequestf(errs.CodeInvalidInput,
			"branch %s does not belong to campaign %s", branchID, campaignID)
	}
	return branch, nil
}

// timeFrom picks the world-time instant for a version record: the explicit
// caller value, else the campaign clock, else wall clock.
func timeFrom(c *model.Campaign, explicit *time.Time) time.Time {
	if explicit != nil {
		return explicit.UTC()
	}
	if c.CurrentWorldTime != nil {
		return c.CurrentWorldTime.UTC()
	}
	return time.Now().UTC()
}

func (s *Service) writeTime(ctx context.Context, campaignID uuid.UUID, explicit *time.Time) (time.Time, error) {
	if explicit != nil {
		return explicit.UTC(), nil
	}
	c, err := s.db.GetCampaign(ctx, campaignID)
	if err != nil {
		return time.Time{}, err
	}
	return timeFrom(c, nil), nil
}

// snapshotRecord canonicalizes the entity and builds the version record
// that accompanies its row write. The snapshot map is returned for the
// audit entry.
func snapshotRecord(t model.EntityType, entityID, branchID uuid.UUID, version int, validFrom time.Time, entity any, userID uuid.UUID) (*model.VersionRecord, map[string]any, error) {
	snap, err := codec.ToMap(entity)
	if err != nil {
		return nil, nil, err
	}
	payload, err := codec.Encode(snap)
	if err != nil {
		return nil, nil, err
	}
	sum, err := codec.Checksum(snap)
	if err != nil {
		return nil, nil, err
	}
	return &model.VersionRecord{
		ID:         uuid.New(),
		EntityType: t,
		EntityID:   entityID,
		BranchID:   branchID,
		Version:    version,
		ValidFrom:  validFrom,
		PayloadGz:  payload,
		Checksum:   sum,
		CreatedBy:  userID,
		CreatedAt:  time.Now().UTC(),
	}, snap, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func writeMeta(branchID uuid.UUID, validFrom time.Time) map[string]any {
	return map[string]any{
		"branch_id":  branchID.String(),
		"world_time": validFrom.UTC().Format(time.RFC3339Nano),
	}
}

// mutation describes a committed change for the post-commit side effects.
type mutation struct {
	entityType model.EntityType
	entityID   uuid.UUID
	campaignID uuid.UUID
	branchID   *uuid.UUID
	operation  model.Operation
	userID     uuid.UUID
	version    int
	previous   map[string]any
	next       map[string]any
	changes    map[string]any
	metadata   map[string]any
	started    time.Time
}

// finish runs the post-commit side effects: audit entry, computed-field
// eviction, bus publish, write metric. None of them can fail the mutation
// that already committed.
func (s *Service) finish(ctx context.Context, m mutation) {
	s.audit.Record(ctx, audit.Entry{
		EntityType: m.entityType,
		EntityID:   m.entityID,
		Operation:  m.operation,
		UserID:     m.userID,
		Previous:   m.previous,
		Next:       m.next,
		Changes:    m.changes,
		Metadata:   m.metadata,
	})

	if err := s.cache.DeleteByPrefix(ctx, cache.ComputedFieldsPrefix(m.entityType, m.entityID)); err != nil {
		s.logger.Warn("computed-field eviction failed",
			"entity_type", m.entityType, "entity_id", m.entityID, "error", err)
	}

	payload := map[string]any{
		"entity_type": string(m.entityType),
		"operation":   string(m.operation),
	}
	if m.version > 0 {
		payload["version"] = m.version
	}
	s.bus.Publish(ctx, bus.Event{
		Topic:      bus.TopicEntityModified(m.entityID),
		CampaignID: m.campaignID,
		BranchID:   m.branchID,
		Payload:    payload,
		At:         time.Now().UTC(),
	})

	s.writeDuration.Record(ctx, float64(time.Since(m.started).Milliseconds()),
		metric.WithAttributes(
			attribute.String("entity_type", string(m.entityType)),
			attribute.String("operation", string(m.operation)),
		))
}

// snapshotOf fetches the live row as a canonical map for audit snapshots.
// Best-effort: a missing or already-deleted row yields nil.
func (s *Service) snapshotOf(ctx context.Context, t model.EntityType, id uuid.UUID) map[string]any {
	var (
		obj any
		err error
	)
	switch t {
	case model.EntityKingdom:
		obj, err = s.db.GetKingdom(ctx, id)
	case model.EntitySettlement:
		obj, err = s.db.GetSettlement(ctx, id)
	case model.EntityStructure:
		obj, err = s.db.GetStructure(ctx, id)
	case model.EntityParty:
		obj, err = s.db.GetParty(ctx, id)
	case model.EntityCharacter:
		obj, err = s.db.GetCharacter(ctx, id)
	case model.EntityLocation:
		obj, err = s.db.GetLocation(ctx, id)
	case model.EntityEvent:
		obj, err = s.db.GetEvent(ctx, id)
	case model.EntityEncounter:
		obj, err = s.db.GetEncounter(ctx, id)
	default:
		return nil
	}
	if err != nil {
		return nil
	}
	snap, err := codec.ToMap(obj)
	if err != nil {
		return nil
	}
	return snap
}
