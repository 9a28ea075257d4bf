// Package authz gates every public operation on campaign membership.
//
// This package exists to share access-control logic between the entity,
// branch, variable, and world-time services without creating circular
// dependencies (all of them import this package; none imports another).
package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/loreweave/chronicle/internal/errs"
	"github.com/loreweave/chronicle/internal/model"
	"github.com/loreweave/chronicle/internal/storage"
)

// Guard answers "may this user touch this campaign" questions. Denials for
// non-members come back as NotFound so callers cannot probe for the
// existence of campaigns they were never invited to; Forbidden is reserved
// for role escalation, where existence is already disclosed.
type Guard struct {
	db     *storage.DB
	cache  *GrantCache
	logger *slog.Logger
}

// NewGuard builds a Guard. cache may be nil, in which case every check hits
// the database.
func NewGuard(db *storage.DB, cache *GrantCache, logger *slog.Logger) *Guard {
	return &Guard{
		db:     db,
		cache:  cache,
		logger: logger.With("component", "authz"),
	}
}

// RequireCampaignAccess verifies the campaign exists, is not deleted, and
// the user is its owner or a member. It returns the user's effective role.
// The owner holds an implicit OWNER role without a membership row.
func (g *Guard) RequireCampaignAccess(ctx context.Context, campaignID, userID uuid.UUID) (model.Role, error) {
	if g.cache != nil {
		if role, ok := g.cache.Get(campaignID, userID); ok {
			return role, nil
		}
	}

	campaign, err := g.db.GetCampaign(ctx, campaignID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", errs.ErrNotFound
		}
		return "", fmt.Errorf("authz: load campaign: %w", err)
	}

	var role model.Role
	if campaign.OwnerID == userID {
		role = model.RoleOwner
	} else {
		role, err = g.db.GetCampaignMemberRole(ctx, campaignID, userID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// Non-member. Hide the campaign's existence.
				return "", errs.ErrNotFound
			}
			return "", fmt.Errorf("authz: load membership: %w", err)
		}
	}

	if g.cache != nil {
		g.cache.Set(campaignID, userID, role)
	}
	return role, nil
}

// RequireMergeRole verifies campaign access and that the user's role may
// execute merges and cherry-picks.
func (g *Guard) RequireMergeRole(ctx context.Context, campaignID, userID uuid.UUID) (model.Role, error) {
	role, err := g.RequireCampaignAccess(ctx, campaignID, userID)
	if err != nil {
		return "", err
	}
	if !role.CanMerge() {
		g.logger.Debug("merge denied for role",
			"campaign_id", campaignID, "user_id", userID, "role", role)
		return "", errs.ErrForbidden
	}
	return role, nil
}

// RequireEntityAccess resolves a campaign-bound entity to its campaign and
// verifies access. Locations are world-bound and never pass through here.
func (g *Guard) RequireEntityAccess(ctx context.Context, entityType model.EntityType, entityID, userID uuid.UUID) (uuid.UUID, model.Role, error) {
	campaignID, err := g.resolveCampaign(ctx, entityType, entityID)
	if err != nil {
		return uuid.Nil, "", err
	}
	role, err := g.RequireCampaignAccess(ctx, campaignID, userID)
	if err != nil {
		return uuid.Nil, "", err
	}
	return campaignID, role, nil
}

// RequireBranchAccess verifies the branch exists and the user may access
// its campaign. Deleted branches are hidden.
func (g *Guard) RequireBranchAccess(ctx context.Context, branchID, userID uuid.UUID) (*model.Branch, model.Role, error) {
	branch, err := g.db.GetBranch(ctx, branchID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, "", errs.ErrNotFound
		}
		return nil, "", fmt.Errorf("authz: load branch: %w", err)
	}
	if branch.DeletedAt != nil {
		return nil, "", errs.ErrNotFound
	}
	role, err := g.RequireCampaignAccess(ctx, branch.CampaignID, userID)
	if err != nil {
		return nil, "", err
	}
	return branch, role, nil
}

// RequireScopeAccess resolves a variable scope to its owning campaign and
// verifies access. WORLD is open to everyone and resolves to no campaign;
// LOCATION is world-bound, so only the location's existence is checked.
func (g *Guard) RequireScopeAccess(ctx context.Context, scope model.VariableScope, scopeID *uuid.UUID, userID uuid.UUID) (uuid.UUID, error) {
	if scope == model.ScopeWorld {
		return uuid.Nil, nil
	}
	if scopeID == nil {
		return uuid.Nil, errs.BadScope("scope %s requires a scope id", scope)
	}

	switch scope {
	case model.ScopeCampaign:
		if _, err := g.RequireCampaignAccess(ctx, *scopeID, userID); err != nil {
			return uuid.Nil, err
		}
		return *scopeID, nil
	case model.ScopeLocation:
		if _, err := g.db.GetLocation(ctx, *scopeID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return uuid.Nil, errs.ErrNotFound
			}
			return uuid.Nil, fmt.Errorf("authz: load location: %w", err)
		}
		return uuid.Nil, nil
	default:
		entityType, ok := scope.EntityType()
		if !ok {
			return uuid.Nil, errs.BadScope("unknown scope %s", scope)
		}
		campaignID, err := g.resolveCampaign(ctx, entityType, *scopeID)
		if err != nil {
			return uuid.Nil, err
		}
		if _, err := g.RequireCampaignAccess(ctx, campaignID, userID); err != nil {
			return uuid.Nil, err
		}
		return campaignID, nil
	}
}

// Invalidate drops one user's cached grant after a membership change.
func (g *Guard) Invalidate(campaignID, userID uuid.UUID) {
	if g.cache != nil {
		g.cache.Evict(campaignID, userID)
	}
}

// InvalidateCampaign drops every cached grant for the campaign, for bulk
// changes like campaign deletion or ownership transfer.
func (g *Guard) InvalidateCampaign(campaignID uuid.UUID) {
	if g.cache != nil {
		g.cache.EvictCampaign(campaignID)
	}
}

func (g *Guard) resolveCampaign(ctx context.Context, entityType model.EntityType, entityID uuid.UUID) (uuid.UUID, error) {
	campaignID, err := g.db.GetEntityCampaign(ctx, entityType, entityID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return uuid.Nil, errs.ErrNotFound
		}
		return uuid.Nil, fmt.Errorf("authz: resolve campaign for %s: %w", entityType, err)
	}
	return campaignID, nil
}
