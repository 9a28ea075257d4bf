// Package campaigns manages the tenancy roots: worlds, campaigns, and
// campaign membership. Creating a campaign also creates its root branch in
// the same transaction, so every campaign can accept versioned writes from
// the moment it exists.
package campaigns

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/loreweave/chronicle/internal/audit"
	"github.com/loreweave/chronicle/internal/authz"
	"github.com/loreweave/chronicle/internal/cache"
	"github.com/loreweave/chronicle/internal/errs"
	"github.com/loreweave/chronicle/internal/model"
	"github.com/loreweave/chronicle/internal/storage"
	"github.com/loreweave/chronicle/internal/telemetry"
)

// RootBranchName is the branch every campaign starts with.
const RootBranchName = "main"

type Service struct {
	db     *storage.DB
	guard  *authz.Guard
	audit  *audit.Recorder
	cache  cache.Store
	logger *slog.Logger
	tracer trace.Tracer
}

func New(db *storage.DB, guard *authz.Guard, rec *audit.Recorder, store cache.Store, logger *slog.Logger) *Service {
	return &Service{
		db:     db,
		guard:  guard,
		audit:  rec,
		cache:  store,
		logger: logger.With("component", "campaigns"),
		tracer: telemetry.Tracer("chronicle/campaigns"),
	}
}

// CreateWorld registers a world owned by the caller.
func (s *Service) CreateWorld(ctx context.Context, userID uuid.UUID, name string) (*model.World, error) {
	if err := model.ValidateName(name); err != nil {
		return nil, errs.BadRequestf(errs.CodeInvalidInput, "world %v", err)
	}
	w := &model.World{
		ID:        uuid.New(),
		Name:      name,
		OwnerID:   userID,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.InsertWorld(ctx, w); err != nil {
		return nil, err
	}
	s.logger.Info("world created", "world_id", w.ID, "owner_id", userID)
	return w, nil
}

// GetWorld returns a world by ID. Worlds are open to everyone.
func (s *Service) GetWorld(ctx context.Context, id uuid.UUID) (*model.World, error) {
	return s.db.GetWorld(ctx, id)
}

// CreateCampaignInput carries the caller-supplied fields for a new
// campaign. The caller becomes the owner; the world must exist.
type CreateCampaignInput struct {
	WorldID     uuid.UUID
	Name        string
	Description *string
	Settings    map[string]any
}

// CreateCampaign writes the campaign and its root branch in one
// transaction. The campaign clock starts unset; versioned writes fall back
// to wall time until the first advance.
func (s *Service) CreateCampaign(ctx context.Context, userID uuid.UUID, in CreateCampaignInput) (*model.Campaign, *model.Branch, error) {
	if err := model.ValidateName(in.Name); err != nil {
		return nil, nil, errs.BadRequestf(errs.CodeInvalidInput, "campaign %v", err)
	}
	if in.Description != nil {
		if err := model.ValidateDescription(*in.Description); err != nil {
			return nil, nil, errs.BadRequestf(errs.CodeInvalidInput, "campaign %v", err)
		}
	}
	if _, err := s.db.GetWorld(ctx, in.WorldID); err != nil {
		return nil, nil, err
	}

	ctx, span := s.tracer.Start(ctx, "campaigns.create")
	defer span.End()

	now := time.Now().UTC()
	settings := in.Settings
	if settings == nil {
		settings = map[string]any{}
	}
	c := &model.Campaign{
		ID:          uuid.New(),
		WorldID:     in.WorldID,
		OwnerID:     userID,
		Name:        in.Name,
		Description: in.Description,
		Settings:    settings,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	root := &model.Branch{
		ID:         uuid.New(),
		CampaignID: c.ID,
		Name:       RootBranchName,
		Tags:       []string{},
		CreatedBy:  userID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.db.InsertCampaignWithRootBranch(ctx, c, root); err != nil {
		return nil, nil, err
	}
	span.SetAttributes(attribute.String("chronicle.campaign_id", c.ID.String()))

	s.audit.Record(ctx, audit.Entry{
		EntityType: model.EntityCampaign,
		EntityID:   c.ID,
		Operation:  model.OpCreate,
		UserID:     userID,
		Changes:    map[string]any{"name": c.Name, "world_id": c.WorldID.String()},
		Metadata:   map[string]any{"root_branch_id": root.ID.String()},
	})
	s.logger.Info("campaign created", "campaign_id", c.ID, "world_id", in.WorldID, "owner_id", userID)
	return c, root, nil
}

// GetCampaign returns a campaign the user is a member of.
func (s *Service) GetCampaign(ctx context.Context, userID, id uuid.UUID) (*model.Campaign, error) {
	if _, err := s.guard.RequireCampaignAccess(ctx, id, userID); err != nil {
		return nil, err
	}
	return s.db.GetCampaign(ctx, id)
}

// CampaignPatch holds optional updates; nil fields are left unchanged.
type CampaignPatch struct {
	Name        *string
	Description *string
	Settings    map[string]any
}

type UpdateCampaignInput struct {
	ID              uuid.UUID
	ExpectedVersion int
	Patch           CampaignPatch
}

// UpdateCampaign applies the patch under optimistic concurrency. Requires a
// managing role.
func (s *Service) UpdateCampaign(ctx context.Context, userID uuid.UUID, in UpdateCampaignInput) (*model.Campaign, error) {
	role, err := s.guard.RequireCampaignAccess(ctx, in.ID, userID)
	if err != nil {
		return nil, err
	}
	if !role.CanManage() {
		return nil, fmt.Errorf("campaigns: update campaign %s: %w", in.ID, errs.ErrForbidden)
	}
	c, err := s.db.GetCampaign(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	prev := map[string]any{"name": c.Name}

	if v := in.Patch.Name; v != nil {
		if err := model.ValidateName(*v); err != nil {
			return nil, errs.BadRequestf(errs.CodeInvalidInput, "campaign %v", err)
		}
		c.Name = *v
	}
	if v := in.Patch.Description; v != nil {
		if err := model.ValidateDescription(*v); err != nil {
			return nil, errs.BadRequestf(errs.CodeInvalidInput, "campaign %v", err)
		}
		c.Description = v
	}
	if in.Patch.Settings != nil {
		c.Settings = in.Patch.Settings
	}
	c.Version = in.ExpectedVersion + 1
	c.UpdatedAt = time.Now().UTC()

	if err := s.db.UpdateCampaign(ctx, c, in.ExpectedVersion); err != nil {
		return nil, err
	}
	// Campaign fields feed campaign-scoped formula contexts.
	if err := s.cache.Delete(ctx, cache.CampaignContextKey(c.ID)); err != nil {
		s.logger.Warn("campaign context eviction failed", "campaign_id", c.ID, "error", err)
	}
	s.audit.Record(ctx, audit.Entry{
		EntityType: model.EntityCampaign,
		EntityID:   c.ID,
		Operation:  model.OpUpdate,
		UserID:     userID,
		Previous:   prev,
		Next:       map[string]any{"name": c.Name},
	})
	return c, nil
}

// DeleteCampaign soft-deletes a campaign. Owner only; the campaign and
// everything under it disappears from every member's view.
func (s *Service) DeleteCampaign(ctx context.Context, userID, id uuid.UUID) error {
	role, err := s.guard.RequireCampaignAccess(ctx, id, userID)
	if err != nil {
		return err
	}
	if role != model.RoleOwner {
		return fmt.Errorf("campaigns: delete campaign %s: %w", id, errs.ErrForbidden)
	}

	ctx, span := s.tracer.Start(ctx, "campaigns.delete",
		trace.WithAttributes(attribute.String("chronicle.campaign_id", id.String())))
	defer span.End()

	if _, err := s.db.SoftDeleteCampaign(ctx, id, time.Now().UTC()); err != nil {
		return err
	}

	// Cached grants and the assembled evaluation context are stale the
	// moment the tenant is gone.
	s.guard.InvalidateCampaign(id)
	if err := s.cache.Delete(ctx, cache.CampaignContextKey(id)); err != nil {
		s.logger.Warn("campaign context eviction failed", "campaign_id", id, "error", err)
	}

	s.audit.Record(ctx, audit.Entry{
		EntityType: model.EntityCampaign,
		EntityID:   id,
		Operation:  model.OpDelete,
		UserID:     userID,
	})
	s.logger.Info("campaign deleted", "campaign_id", id, "user_id", userID)
	return nil
}

// ListMembers returns the campaign's membership rows. The owner is implicit
// and carries no row.
func (s *Service) ListMembers(ctx context.Context, userID, campaignID uuid.UUID) ([]model.CampaignMember, error) {
	if _, err := s.guard.RequireCampaignAccess(ctx, campaignID, userID); err != nil {
		return nil, err
	}
	return s.db.ListCampaignMembers(ctx, campaignID)
}

// assignableRole rejects the roles membership rows cannot carry. OWNER is
// the campaign's owner_id column, never a grant.
func assignableRole(r model.Role) error {
	switch r {
	case model.RoleGM, model.RolePlayer, model.RoleObserver:
		return nil
	}
	return errs.BadRequestf(errs.CodeInvalidInput, "role %q cannot be granted", r)
}

// AddMember grants a user a role, or changes the role of an existing
// member. Requires a managing role.
func (s *Service) AddMember(ctx context.Context, userID, campaignID, memberID uuid.UUID, role model.Role) error {
	callerRole, err := s.guard.RequireCampaignAccess(ctx, campaignID, userID)
	if err != nil {
		return err
	}
	if !callerRole.CanManage() {
		return fmt.Errorf("campaigns: add member to %s: %w", campaignID, errs.ErrForbidden)
	}
	if err := assignableRole(role); err != nil {
		return err
	}
	c, err := s.db.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if c.OwnerID == memberID {
		return errs.BadRequestf(errs.CodeInvalidInput, "user %s already owns the campaign", memberID)
	}

	if err := s.db.AddCampaignMember(ctx, &model.CampaignMember{
		CampaignID: campaignID,
		UserID:     memberID,
		Role:       role,
		JoinedAt:   time.Now().UTC(),
	}); err != nil {
		return err
	}
	// Role changes ride the same upsert; a cached older grant must not
	// keep serving.
	s.guard.Invalidate(campaignID, memberID)

	s.audit.Record(ctx, audit.Entry{
		EntityType: model.EntityCampaign,
		EntityID:   campaignID,
		Operation:  model.OpUpdate,
		UserID:     userID,
		Changes:    map[string]any{"member_added": memberID.String(), "role": string(role)},
	})
	return nil
}

// RemoveMember revokes a membership. Managers can remove anyone; any member
// can remove themselves. The owner cannot be removed.
func (s *Service) RemoveMember(ctx context.Context, userID, campaignID, memberID uuid.UUID) error {
	callerRole, err := s.guard.RequireCampaignAccess(ctx, campaignID, userID)
	if err != nil {
		return err
	}
	if userID != memberID && !callerRole.CanManage() {
		return fmt.Errorf("campaigns: remove member from %s: %w", campaignID, errs.ErrForbidden)
	}
	c, err := s.db.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if c.OwnerID == memberID {
		return errs.BadRequestf(errs.CodeInvalidInput, "the owner cannot be removed from the campaign")
	}

	if err := s.db.RemoveCampaignMember(ctx, campaignID, memberID); err != nil {
		return err
	}
	s.guard.Invalidate(campaignID, memberID)

	s.audit.Record(ctx, audit.Entry{
		EntityType: model.EntityCampaign,
		EntityID:   campaignID,
		Operation:  model.OpUpdate,
		UserID:     userID,
		Changes:    map[string]any{"member_removed": memberID.String()},
	})
	return nil
}
