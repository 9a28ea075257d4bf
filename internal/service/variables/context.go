package variables

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/loreweave/chronicle/internal/cache"
	"github.com/loreweave/chronicle/internal/codec"
	"github.com/loreweave/chronicle/internal/errs"
	"github.com/loreweave/chronicle/internal/model"
)

// BuildContext assembles the evaluation environment for a scope: the scope
// entity's fields under the lowercase scope name, the scope's static
// variables overlaid by key, and extra merged on top. A variable named like
// an entity field wins, so {var: "settlement.population"} reads the
// population variable when one exists and the entity column otherwise.
// Lookup failures yield an empty context; evaluation then degrades to nil
// lookups instead of failing.
func (s *Service) BuildContext(ctx context.Context, scope model.VariableScope, scopeID *uuid.UUID, extra map[string]any) map[string]any {
	if scope == model.ScopeWorld {
		return orEmpty(extra)
	}
	if scopeID == nil {
		return map[string]any{}
	}
	entity, err := s.scopeSnapshot(ctx, scope, *scopeID)
	if err != nil {
		s.logger.Debug("context entity lookup failed",
			"scope", scope, "scope_id", *scopeID, "error", err)
		return map[string]any{}
	}
	vars, err := s.db.FindVariablesByScope(ctx, scope, scopeID, false)
	if err != nil {
		s.logger.Debug("context variable lookup failed",
			"scope", scope, "scope_id", *scopeID, "error", err)
		return map[string]any{}
	}
	for _, v := range vars {
		// Derived values resolve through Evaluate, not the context; a nil
		// overlay would shadow the entity field.
		if v.Derived() {
			continue
		}
		entity[v.Key] = v.Value
	}

	env := map[string]any{scope.ContextKey(): entity}
	for k, val := range extra {
		env[k] = val
	}
	return env
}

// scopeSnapshot fetches the scope entity as a canonical map. Campaign
// snapshots go through the context cache: they anchor every campaign-scoped
// evaluation, and campaign writes and world-time advances evict the key.
// The variable overlay is never cached, so a fresh static value shows up on
// the very next evaluation.
func (s *Service) scopeSnapshot(ctx context.Context, scope model.VariableScope, id uuid.UUID) (map[string]any, error) {
	if scope == model.ScopeCampaign {
		return s.campaignSnapshot(ctx, id)
	}
	var (
		obj any
		err error
	)
	switch scope {
	case model.ScopeParty:
		obj, err = s.db.GetParty(ctx, id)
	case model.ScopeKingdom:
		obj, err = s.db.GetKingdom(ctx, id)
	case model.ScopeSettlement:
		obj, err = s.db.GetSettlement(ctx, id)
	case model.ScopeStructure:
		obj, err = s.db.GetStructure(ctx, id)
	case model.ScopeCharacter:
		obj, err = s.db.GetCharacter(ctx, id)
	case model.ScopeLocation:
		obj, err = s.db.GetLocation(ctx, id)
	case model.ScopeEvent:
		obj, err = s.db.GetEvent(ctx, id)
	case model.ScopeEncounter:
		obj, err = s.db.GetEncounter(ctx, id)
	default:
		return nil, errs.BadScope("unknown scope %q", scope)
	}
	if err != nil {
		return nil, err
	}
	return codec.ToMap(obj)
}

// campaignSnapshot is scopeSnapshot for the campaign scope, backed by the
// context cache. Each hit decodes its own map; BuildContext mutates the
// returned snapshot when overlaying variables.
func (s *Service) campaignSnapshot(ctx context.Context, id uuid.UUID) (map[string]any, error) {
	key := cache.CampaignContextKey(id)
	if raw, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		var m map[string]any
		if json.Unmarshal(raw, &m) == nil {
			return m, nil
		}
	}
	c, err := s.db.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	m, err := codec.ToMap(c)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(m); err == nil {
		if err := s.cache.Set(ctx, key, raw, s.contextTTL); err != nil {
			s.logger.Debug("campaign context cache write failed", "campaign_id", id, "error", err)
		}
	}
	return m, nil
}
