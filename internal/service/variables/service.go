// Package variables manages scoped state variables: static values and
// DERIVED formulas evaluated on demand against their scope's context.
// Mutations authorize through the scope's campaign, optionally append a
// version record when a branch is named, and afterwards invalidate the
// campaign's dependency graph, evict the scope entity's computed-field
// cache, and publish on the event bus.
package variables

import (
	"context"
	"log/slog"
	"strings"
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
	"github.com/loreweave/chronicle/internal/depgraph"
	"github.com/loreweave/chronicle/internal/errs"
	"github.com/loreweave/chronicle/internal/eval"
	"github.com/loreweave/chronicle/internal/model"
	"github.com/loreweave/chronicle/internal/storage"
	"github.com/loreweave/chronicle/internal/telemetry"
)

// Service is the state-variable store and evaluation front end.
type Service struct {
	db     *storage.DB
	guard  *authz.Guard
	audit  *audit.Recorder
	bus    bus.Publisher
	cache  cache.Store
	graph  *depgraph.Service
	eval   *eval.Evaluator
	logger *slog.Logger
	tracer trace.Tracer

	cacheTTL   time.Duration
	contextTTL time.Duration

	writeDuration metric.Float64Histogram
	evalDuration  metric.Float64Histogram
}

// New creates the variable service and registers the domain operators on
// its evaluator. cacheTTL bounds computed-field entries, contextTTL the
// shorter-lived campaign context snapshots; eviction on writes does the
// real work, the TTLs only cap how stale a missed eviction can get.
func New(db *storage.DB, guard *authz.Guard, rec *audit.Recorder, pub bus.Publisher, store cache.Store, graph *depgraph.Service, cacheTTL, contextTTL time.Duration, logger *slog.Logger) *Service {
	meter := telemetry.Meter("chronicle/variables")
	writeDur, _ := meter.Float64Histogram("chronicle.variables.write.duration",
		metric.WithDescription("Time to commit a variable mutation (ms)"),
		metric.WithUnit("ms"),
	)
	evalDur, _ := meter.Float64Histogram("chronicle.variables.eval.duration",
		metric.WithDescription("Time to evaluate a derived variable (ms)"),
		metric.WithUnit("ms"),
	)
	s := &Service{
		db:            db,
		guard:         guard,
		audit:         rec,
		bus:           pub,
		cache:         store,
		graph:         graph,
		eval:          eval.New(),
		logger:        logger.With("component", "variables"),
		tracer:        telemetry.Tracer("chronicle/variables"),
		cacheTTL:      cacheTTL,
		contextTTL:    contextTTL,
		writeDuration: writeDur,
		evalDuration:  evalDur,
	}
	s.registerOperators()
	return s
}

func (s *Service) startSpan(ctx context.Context, name string, v *model.StateVariable) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("chronicle.variable_id", v.ID.String()),
		attribute.String("chronicle.variable_scope", string(v.Scope)),
		attribute.String("chronicle.variable_key", v.Key),
	))
}

// checkShape enforces the derived/static split and validates any formula
// structurally. Cycle checking is a separate explicit operation; a formula
// referencing the variable's own key is accepted here and reported by
// ValidateNoCycles.
func checkShape(typ model.VariableType, value any, formula map[string]any) error {
	if typ == model.VarDerived {
		if value != nil {
			return errs.BadRequestf(errs.CodeInvalidInput, "derived variables compute their value; value must be null")
		}
		if len(formula) == 0 {
			return errs.InvalidFormula("derived variables require a formula")
		}
		if v := eval.ValidateFormula(formula); !v.Valid {
			return errs.InvalidFormula("%s", strings.Join(v.Problems, "; "))
		}
		return nil
	}
	if formula != nil {
		return errs.BadRequestf(errs.CodeInvalidInput, "only derived variables carry a formula")
	}
	return nil
}

// writeTime picks the world-time instant for a version record: the explicit
// caller value, else the campaign clock, else wall clock.
func (s *Service) writeTime(ctx context.Context, campaignID uuid.UUID, explicit *time.Time) (time.Time, error) {
	if explicit != nil {
		return explicit.UTC(), nil
	}
	c, err := s.db.GetCampaign(ctx, campaignID)
	if err != nil {
		return time.Time{}, err
	}
	if c.CurrentWorldTime != nil {
		return c.CurrentWorldTime.UTC(), nil
	}
	return time.Now().UTC(), nil
}

// versionTarget authorizes the branch a version record would land on.
// Variables version only when a branch is named and the scope carries a
// campaign: WORLD is global and skips the log silently, LOCATION is
// world-bound and cannot be versioned at all.
func (s *Service) versionTarget(ctx context.Context, scope model.VariableScope, campaignID uuid.UUID, branchID *uuid.UUID, userID uuid.UUID) (*model.Branch, error) {
	if branchID == nil || scope == model.ScopeWorld {
		return nil, nil
	}
	if scope == model.ScopeLocation {
		return nil, errs.BadScope("location variables are world-bound and cannot be versioned")
	}
	branch, _, err := s.guard.RequireBranchAccess(ctx, *branchID, userID)
	if err != nil {
		return nil, err
	}
	if branch.CampaignID != campaignID {
		return nil, errs.BadRequestf(errs.CodeInvalidInput,
			"branch %s does not belong to campaign %s", *branchID, campaignID)
	}
	return branch, nil
}

// versionRecord canonicalizes the variable and builds the optional version
// record for a mutation. The record is nil for unversioned writes; the
// snapshot map is returned either way for the audit entry.
func (s *Service) versionRecord(ctx context.Context, v *model.StateVariable, campaignID uuid.UUID, branchID *uuid.UUID, worldTime *time.Time, userID uuid.UUID) (*model.VersionRecord, map[string]any, error) {
	snap, err := codec.ToMap(v)
	if err != nil {
		return nil, nil, err
	}
	branch, err := s.versionTarget(ctx, v.Scope, campaignID, branchID, userID)
	if err != nil {
		return nil, nil, err
	}
	if branch == nil {
		return nil, snap, nil
	}
	validFrom, err := s.writeTime(ctx, campaignID, worldTime)
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
		EntityType: model.EntityStateVariable,
		EntityID:   v.ID,
		BranchID:   branch.ID,
		Version:    v.Version,
		ValidFrom:  validFrom,
		PayloadGz:  payload,
		Checksum:   sum,
		CreatedBy:  userID,
		CreatedAt:  time.Now().UTC(),
	}, snap, nil
}

func writeMeta(rec *model.VersionRecord) map[string]any {
	if rec == nil {
		return nil
	}
	return map[string]any{
		"branch_id":  rec.BranchID.String(),
		"world_time": rec.ValidFrom.UTC().Format(time.RFC3339Nano),
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func topicFor(op model.Operation) string {
	switch op {
	case model.OpCreate:
		return bus.TopicVariableCreated
	case model.OpDelete:
		return bus.TopicVariableDeleted
	default:
		return bus.TopicVariableUpdated
	}
}

// mutation describes a committed change for the post-commit side effects.
type mutation struct {
	variable   *model.StateVariable
	campaignID uuid.UUID
	branchID   *uuid.UUID
	operation  model.Operation
	userID     uuid.UUID
	previous   map[string]any
	next       map[string]any
	changes    map[string]any
	metadata   map[string]any
	started    time.Time
}

// finish runs the post-commit side effects: audit entry, dependency-graph
// invalidation, computed-field eviction on the scope entity, bus publish,
// write metric. None of them can fail the mutation that already committed.
func (s *Service) finish(ctx context.Context, m mutation) {
	s.audit.Record(ctx, audit.Entry{
		EntityType: model.EntityStateVariable,
		EntityID:   m.variable.ID,
		Operation:  m.operation,
		UserID:     m.userID,
		Previous:   m.previous,
		Next:       m.next,
		Changes:    m.changes,
		Metadata:   m.metadata,
	})

	if m.campaignID != uuid.Nil {
		s.graph.InvalidateGraph(m.campaignID)
	}
	if t, ok := m.variable.Scope.EntityType(); ok && m.variable.ScopeID != nil {
		if err := s.cache.DeleteByPrefix(ctx, cache.ComputedFieldsPrefix(t, *m.variable.ScopeID)); err != nil {
			s.logger.Warn("computed-field eviction failed",
				"scope", m.variable.Scope, "scope_id", *m.variable.ScopeID, "error", err)
		}
	}

	payload := map[string]any{
		"variable_id": m.variable.ID.String(),
		"scope":       string(m.variable.Scope),
		"key":         m.variable.Key,
	}
	if m.variable.ScopeID != nil {
		payload["scope_id"] = m.variable.ScopeID.String()
	}
	s.bus.Publish(ctx, bus.Event{
		Topic:      topicFor(m.operation),
		CampaignID: m.campaignID,
		BranchID:   m.branchID,
		Payload:    payload,
		At:         time.Now().UTC(),
	})

	s.writeDuration.Record(ctx, float64(time.Since(m.started).Milliseconds()),
		metric.WithAttributes(
			attribute.String("scope", string(m.variable.Scope)),
			attribute.String("operation", string(m.operation)),
		))
}
