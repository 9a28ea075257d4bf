// Package branches manages the timeline tree of a campaign: forking child
// branches off any instant of the world-time axis, assembling the branch
// forest, and reconciling diverged branches through three-way merge and
// single-version cherry-pick. Branched reads live in the entity store;
// this package owns the branch rows and the merge pipeline.
package branches

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loreweave/chronicle/internal/audit"
	"github.com/loreweave/chronicle/internal/authz"
	"github.com/loreweave/chronicle/internal/bus"
	"github.com/loreweave/chronicle/internal/errs"
	"github.com/loreweave/chronicle/internal/model"
	"github.com/loreweave/chronicle/internal/storage"
	"github.com/loreweave/chronicle/internal/telemetry"
)

// Service owns branch lifecycle and merge execution.
type Service struct {
	db     *storage.DB
	guard  *authz.Guard
	audit  *audit.Recorder
	bus    bus.Publisher
	logger *slog.Logger
	tracer trace.Tracer

	mergeDuration metric.Float64Histogram
}

func New(db *storage.DB, guard *authz.Guard, rec *audit.Recorder, pub bus.Publisher, logger *slog.Logger) *Service {
	meter := telemetry.Meter("chronicle/branches")
	mergeDur, _ := meter.Float64Histogram("chronicle.branches.merge.duration",
		metric.WithDescription("Time to execute a branch merge (ms)"),
		metric.WithUnit("ms"),
	)
	return &Service{
		db:            db,
		guard:         guard,
		audit:         rec,
		bus:           pub,
		logger:        logger.With("component", "branches"),
		tracer:        telemetry.Tracer("chronicle/branches"),
		mergeDuration: mergeDur,
	}
}

// worldTimeOr picks the world-time instant for a branch operation: the
// explicit caller value, else the campaign clock, else wall clock.
func worldTimeOr(c *model.Campaign, explicit *time.Time) time.Time {
	if explicit != nil {
		return explicit.UTC()
	}
	if c.CurrentWorldTime != nil {
		return c.CurrentWorldTime.UTC()
	}
	return time.Now().UTC()
}

// ForkInput describes a new child branch. WorldTime fixes the divergence
// point; nil means the campaign clock.
type ForkInput struct {
	ParentBranchID uuid.UUID
	Name           string
	WorldTime      *time.Time
}

// Fork creates a child branch diverging from the parent at the given world
// time. No version records are copied; reads on the child resolve through
// the parent chain until the child writes its own.
func (s *Service) Fork(ctx context.Context, userID uuid.UUID, in ForkInput) (*model.ForkResult, error) {
	if err := model.ValidateName(in.Name); err != nil {
		return nil, errs.BadRequestf(errs.CodeInvalidInput, "branch %v", err)
	}
	parent, _, err := s.guard.RequireBranchAccess(ctx, in.ParentBranchID, userID)
	if err != nil {
		return nil, err
	}
	chain, err := s.db.GetBranchChain(ctx, parent.ID)
	if err != nil {
		return nil, err
	}
	if len(chain) >= storage.MaxBranchDepth {
		return nil, errs.BadRequestf(errs.CodeInvalidInput,
			"branch chain is already %d deep; forking would exceed the resolution limit", len(chain))
	}
	campaign, err := s.db.GetCampaign(ctx, parent.CampaignID)
	if err != nil {
		return nil, err
	}
	at := worldTimeOr(campaign, in.WorldTime)

	ctx, span := s.tracer.Start(ctx, "branches.fork", trace.WithAttributes(
		attribute.String("chronicle.branch_id", parent.ID.String())))
	defer span.End()

	now := time.Now().UTC()
	child := &model.Branch{
		ID:         uuid.New(),
		CampaignID: parent.CampaignID,
		Name:       in.Name,
		ParentID:   &parent.ID,
		DivergedAt: &at,
		Tags:       []string{},
		CreatedBy:  userID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.db.InsertBranch(ctx, child); err != nil {
		return nil, err
	}

	s.audit.Record(ctx, audit.Entry{
		EntityType: model.EntityBranch,
		EntityID:   child.ID,
		Operation:  model.OpFork,
		UserID:     userID,
		Changes:    map[string]any{"name": child.Name},
		Metadata: map[string]any{
			"parent_branch_id": parent.ID.String(),
			"diverged_at":      at.Format(time.RFC3339Nano),
		},
	})
	s.logger.Info("branch forked",
		"branch_id", child.ID, "parent_id", parent.ID,
		"campaign_id", parent.CampaignID, "diverged_at", at)
	return &model.ForkResult{Branch: *child, VersionsCopied: 0}, nil
}

// GetBranch loads one branch after access checks.
func (s *Service) GetBranch(ctx context.Context, userID, branchID uuid.UUID) (*model.Branch, error) {
	branch, _, err := s.guard.RequireBranchAccess(ctx, branchID, userID)
	return branch, err
}

// ListBranches returns the campaign's live branches ordered by name.
func (s *Service) ListBranches(ctx context.Context, userID, campaignID uuid.UUID) ([]model.Branch, error) {
	if _, err := s.guard.RequireCampaignAccess(ctx, campaignID, userID); err != nil {
		return nil, err
	}
	return s.db.ListBranchesByCampaign(ctx, campaignID)
}

// GetBranchTree assembles the live branches into a forest. A branch whose
// parent was deleted surfaces as a root so it never drops out of the tree.
func (s *Service) GetBranchTree(ctx context.Context, userID, campaignID uuid.UUID) ([]model.BranchNode, error) {
	if _, err := s.guard.RequireCampaignAccess(ctx, campaignID, userID); err != nil {
		return nil, err
	}
	branches, err := s.db.ListBranchesByCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	present := make(map[uuid.UUID]struct{}, len(branches))
	for _, b := range branches {
		present[b.ID] = struct{}{}
	}
	children := make(map[uuid.UUID][]model.Branch)
	var roots []model.Branch
	for _, b := range branches {
		if b.ParentID != nil {
			if _, ok := present[*b.ParentID]; ok {
				children[*b.ParentID] = append(children[*b.ParentID], b)
				continue
			}
		}
		roots = append(roots, b)
	}

	var build func(b model.Branch) model.BranchNode
	build = func(b model.Branch) model.BranchNode {
		node := model.BranchNode{Branch: b}
		for _, c := range children[b.ID] {
			node.Children = append(node.Children, build(c))
		}
		return node
	}
	nodes := make([]model.BranchNode, 0, len(roots))
	for _, r := range roots {
		nodes = append(nodes, build(r))
	}
	return nodes, nil
}

// FindCommonAncestor returns the lowest branch present in both parent
// chains, or nil when the branches live in different campaigns or
// different root trees.
func (s *Service) FindCommonAncestor(ctx context.Context, userID, aID, bID uuid.UUID) (*model.Branch, error) {
	a, _, err := s.guard.RequireBranchAccess(ctx, aID, userID)
	if err != nil {
		return nil, err
	}
	b, _, err := s.guard.RequireBranchAccess(ctx, bID, userID)
	if err != nil {
		return nil, err
	}
	if a.CampaignID != b.CampaignID {
		return nil, nil
	}
	return s.commonAncestor(ctx, a.ID, b.ID)
}

// commonAncestor walks both chains child-first and returns the lowest
// shared branch.
func (s *Service) commonAncestor(ctx context.Context, aID, bID uuid.UUID) (*model.Branch, error) {
	aChain, err := s.db.GetBranchChain(ctx, aID)
	if err != nil {
		return nil, err
	}
	bChain, err := s.db.GetBranchChain(ctx, bID)
	if err != nil {
		return nil, err
	}
	return lowestCommonBranch(aChain, bChain), nil
}

// lowestCommonBranch finds the first branch of one root path present in
// the other. The shared segment of two root paths is a suffix, so that
// first hit is the lowest common ancestor. Nil when the trees differ.
func lowestCommonBranch(aChain, bChain []model.Branch) *model.Branch {
	inA := make(map[uuid.UUID]struct{}, len(aChain))
	for _, br := range aChain {
		inA[br.ID] = struct{}{}
	}
	for i := range bChain {
		if _, ok := inA[bChain[i].ID]; ok {
			return &bChain[i]
		}
	}
	return nil
}

// BranchMetaInput carries the presentation fields a member can adjust
// without touching history.
type BranchMetaInput struct {
	BranchID uuid.UUID
	IsPinned bool
	Color    *string
	Tags     []string
}

// UpdateBranchMeta sets pin state, color, and tags wholesale.
func (s *Service) UpdateBranchMeta(ctx context.Context, userID uuid.UUID, in BranchMetaInput) (*model.Branch, error) {
	branch, _, err := s.guard.RequireBranchAccess(ctx, in.BranchID, userID)
	if err != nil {
		return nil, err
	}
	tags := in.Tags
	if tags == nil {
		tags = []string{}
	}
	if err := s.db.UpdateBranchMeta(ctx, branch.ID, in.IsPinned, in.Color, tags, time.Now().UTC()); err != nil {
		return nil, err
	}
	updated, err := s.db.GetBranch(ctx, branch.ID)
	if err != nil {
		return nil, err
	}

	changes := map[string]any{"is_pinned": in.IsPinned, "tags": tags}
	if in.Color != nil {
		changes["color"] = *in.Color
	}
	s.audit.Record(ctx, audit.Entry{
		EntityType: model.EntityBranch,
		EntityID:   branch.ID,
		Operation:  model.OpUpdate,
		UserID:     userID,
		Changes:    changes,
	})
	return updated, nil
}

// DeleteBranch soft-deletes a branch. Root branches are protected: the
// campaign's timeline always keeps its trunk. A deleted branch stops
// resolving as a read target but stays in the chain walk, so children
// forked from it keep their history.
func (s *Service) DeleteBranch(ctx context.Context, userID, branchID uuid.UUID) error {
	branch, role, err := s.guard.RequireBranchAccess(ctx, branchID, userID)
	if err != nil {
		return err
	}
	if !role.CanManage() {
		return fmt.Errorf("branches: delete branch %s: %w", branchID, errs.ErrForbidden)
	}
	if branch.IsRoot() {
		return errs.BadRequestf(errs.CodeInvalidInput, "the root branch cannot be deleted")
	}
	if _, err := s.db.SoftDeleteBranch(ctx, branchID, time.Now().UTC()); err != nil {
		return err
	}

	s.audit.Record(ctx, audit.Entry{
		EntityType: model.EntityBranch,
		EntityID:   branchID,
		Operation:  model.OpDelete,
		UserID:     userID,
	})
	s.logger.Info("branch deleted",
		"branch_id", branchID, "campaign_id", branch.CampaignID, "user_id", userID)
	return nil
}

// GetMergeHistory lists merges where the branch took part on either side,
// newest first.
func (s *Service) GetMergeHistory(ctx context.Context, userID, branchID uuid.UUID) ([]model.MergeHistory, error) {
	if _, _, err := s.guard.RequireBranchAccess(ctx, branchID, userID); err != nil {
		return nil, err
	}
	return s.db.ListMergeHistoryForBranch(ctx, branchID)
}
