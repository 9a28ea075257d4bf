package variables

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loreweave/chronicle/internal/cache"
	"github.com/loreweave/chronicle/internal/depgraph"
	"github.com/loreweave/chronicle/internal/errs"
	"github.com/loreweave/chronicle/internal/eval"
	"github.com/loreweave/chronicle/internal/model"
)

// Evaluation is the outcome of evaluating one variable. Formula failures
// land in Error instead of failing the call, so callers can distinguish a
// broken formula from a broken request.
type Evaluation struct {
	VariableID uuid.UUID        `json:"variable_id"`
	Key        string           `json:"key"`
	Success    bool             `json:"success"`
	Value      any              `json:"value"`
	Error      *string          `json:"error,omitempty"`
	Steps      []eval.TraceStep `json:"steps,omitempty"`
}

// Evaluate computes a variable's current value. Static variables return
// their stored value; derived variables evaluate their formula against the
// scope context with extra merged on top.
func (s *Service) Evaluate(ctx context.Context, userID, id uuid.UUID, extra map[string]any) (*Evaluation, error) {
	return s.evaluate(ctx, userID, id, extra, false)
}

// EvaluateWithTrace is Evaluate plus the ordered operator applications, for
// debugging formulas.
func (s *Service) EvaluateWithTrace(ctx context.Context, userID, id uuid.UUID, extra map[string]any) (*Evaluation, error) {
	return s.evaluate(ctx, userID, id, extra, true)
}

func (s *Service) evaluate(ctx context.Context, userID, id uuid.UUID, extra map[string]any, traced bool) (*Evaluation, error) {
	v, err := s.db.GetStateVariable(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.guard.RequireScopeAccess(ctx, v.Scope, v.ScopeID, userID); err != nil {
		return nil, err
	}
	out := &Evaluation{VariableID: v.ID, Key: v.Key}
	if !v.Derived() {
		out.Success = true
		out.Value = v.Value
		return out, nil
	}

	ctx, span := s.startSpan(ctx, "variables.evaluate", v)
	defer span.End()

	started := time.Now()
	env := s.BuildContext(ctx, v.Scope, v.ScopeID, extra)

	var (
		value any
		steps []eval.TraceStep
	)
	if traced {
		value, steps, err = s.eval.EvaluateWithTrace(ctx, v.Formula, env)
	} else {
		value, err = s.eval.Evaluate(ctx, v.Formula, env)
	}
	s.evalDuration.Record(ctx, float64(time.Since(started).Milliseconds()),
		metric.WithAttributes(attribute.String("scope", string(v.Scope))))

	out.Steps = steps
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		msg := err.Error()
		out.Error = &msg
		s.logger.Warn("formula evaluation failed",
			"variable_id", v.ID, "key", v.Key, "error", err)
		return out, nil
	}
	out.Success = true
	out.Value = value
	return out, nil
}

// ComputedFields evaluates every active derived variable on a scope entity
// and returns them as a key-to-value map, cached per entity and branch. A
// zero branch ID is the unbranched working state. Formula failures are
// logged and left out, so one broken formula does not hide its siblings.
// Variable and entity writes evict the entry; the TTL only bounds how stale
// a missed eviction can get.
func (s *Service) ComputedFields(ctx context.Context, userID uuid.UUID, scope model.VariableScope, scopeID, branchID uuid.UUID) (map[string]any, error) {
	entityType, ok := scope.EntityType()
	if !ok {
		return nil, errs.BadScope("scope %q has no computed fields", scope)
	}
	if _, err := s.guard.RequireScopeAccess(ctx, scope, &scopeID, userID); err != nil {
		return nil, err
	}

	key := cache.ComputedFieldsKey(entityType, scopeID, branchID)
	if raw, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		var fields map[string]any
		if json.Unmarshal(raw, &fields) == nil {
			return fields, nil
		}
	}

	ctx, span := s.tracer.Start(ctx, "variables.computed_fields", trace.WithAttributes(
		attribute.String("chronicle.entity_type", string(entityType)),
		attribute.String("chronicle.entity_id", scopeID.String()),
	))
	defer span.End()

	vars, err := s.db.FindVariablesByScope(ctx, scope, &scopeID, false)
	if err != nil {
		return nil, err
	}
	fields := map[string]any{}
	var env map[string]any
	for _, v := range vars {
		if !v.Derived() {
			continue
		}
		if env == nil {
			env = s.BuildContext(ctx, scope, &scopeID, nil)
		}
		started := time.Now()
		value, err := s.eval.Evaluate(ctx, v.Formula, env)
		s.evalDuration.Record(ctx, float64(time.Since(started).Milliseconds()),
			metric.WithAttributes(attribute.String("scope", string(v.Scope))))
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			s.logger.Warn("computed field evaluation failed",
				"variable_id", v.ID, "key", v.Key, "error", err)
			continue
		}
		fields[v.Key] = value
	}

	if raw, err := json.Marshal(fields); err == nil {
		if err := s.cache.Set(ctx, key, raw, s.cacheTTL); err != nil {
			s.logger.Debug("computed-field cache write failed", "key", key, "error", err)
		}
	}
	return fields, nil
}

// ValidateFormula checks a formula structurally without executing it.
func (s *Service) ValidateFormula(formula map[string]any) eval.Validation {
	return eval.ValidateFormula(formula)
}

// ValidateNoCycles rebuilds the campaign's dependency graph on the branch
// and reports formula loops.
func (s *Service) ValidateNoCycles(ctx context.Context, userID, campaignID, branchID uuid.UUID) (depgraph.CycleReport, error) {
	if _, err := s.guard.RequireCampaignAccess(ctx, campaignID, userID); err != nil {
		return depgraph.CycleReport{}, err
	}
	return s.graph.ValidateNoCycles(ctx, campaignID, branchID)
}

// TransitiveDependents lists every variable whose value can change when the
// named one does, as qualified names.
func (s *Service) TransitiveDependents(ctx context.Context, userID, campaignID, branchID uuid.UUID, name string) ([]string, error) {
	if _, err := s.guard.RequireCampaignAccess(ctx, campaignID, userID); err != nil {
		return nil, err
	}
	return s.graph.TransitiveDependents(ctx, campaignID, branchID, name)
}

// registerOperators binds the domain operators that fetch sub-entity data
// during evaluation.
func (s *Service) registerOperators() {
	s.eval.Register("settlement.level", s.opSettlementLevel)
	s.eval.Register("settlement.hasStructureType", s.opHasStructureType)
}

// contextSettlementID digs the settlement id out of the evaluation context
// when an operator runs without an explicit target.
func contextSettlementID(env map[string]any) (uuid.UUID, error) {
	entity, ok := env[model.ScopeSettlement.ContextKey()].(map[string]any)
	if !ok {
		return uuid.Nil, fmt.Errorf("no settlement in context")
	}
	raw, ok := entity["id"].(string)
	if !ok {
		return uuid.Nil, fmt.Errorf("no settlement in context")
	}
	return uuid.Parse(raw)
}

func settlementArg(args []any, i int, env map[string]any) (uuid.UUID, error) {
	if len(args) > i {
		raw, ok := args[i].(string)
		if !ok {
			return uuid.Nil, fmt.Errorf("settlement id must be a string, got %T", args[i])
		}
		return uuid.Parse(raw)
	}
	return contextSettlementID(env)
}

// opSettlementLevel returns a settlement's level. The optional argument
// names the settlement; default is the context one.
func (s *Service) opSettlementLevel(ctx context.Context, args []any, env map[string]any) (any, error) {
	id, err := settlementArg(args, 0, env)
	if err != nil {
		return nil, err
	}
	st, err := s.db.GetSettlement(ctx, id)
	if err != nil {
		return nil, err
	}
	return float64(st.Level), nil
}

// opHasStructureType reports whether a settlement has a live structure of
// the given type. The first argument is the type; an optional second names
// the settlement, defaulting to the context one.
func (s *Service) opHasStructureType(ctx context.Context, args []any, env map[string]any) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("structure type argument is required")
	}
	typ, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("structure type must be a string, got %T", args[0])
	}
	id, err := settlementArg(args, 1, env)
	if err != nil {
		return nil, err
	}
	n, err := s.db.CountStructuresByType(ctx, id, typ)
	if err != nil {
		return nil, err
	}
	return n > 0, nil
}
