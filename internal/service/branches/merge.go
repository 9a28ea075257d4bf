package branches

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/loreweave/chronicle/internal/audit"
	"github.com/loreweave/chronicle/internal/bus"
	"github.com/loreweave/chronicle/internal/codec"
	"github.com/loreweave/chronicle/internal/errs"
	"github.com/loreweave/chronicle/internal/model"
	"github.com/loreweave/chronicle/internal/storage"
)

// bookkeepingPaths are the top-level snapshot fields the system itself
// advances on every write. They never enter the three-way walk; the merged
// payload restamps them afterwards. Matching is on the full dotted path,
// so a domain key like "variables.version" still merges normally.
var bookkeepingPaths = map[string]struct{}{
	"id":          {},
	"version":     {},
	"created_at":  {},
	"updated_at":  {},
	"deleted_at":  {},
	"archived_at": {},
}

// resolutionKey matches a user resolution to a conflicting path.
type resolutionKey struct {
	entityID   uuid.UUID
	entityType model.EntityType
	path       string
}

func indexResolutions(resolutions []model.MergeResolution) map[resolutionKey]model.MergeResolution {
	idx := make(map[resolutionKey]model.MergeResolution, len(resolutions))
	for _, r := range resolutions {
		idx[resolutionKey{r.EntityID, r.EntityType, r.Path}] = r
	}
	return idx
}

// entityMerge is the three-way outcome for one entity, including the parts
// the public preview omits.
type entityMerge struct {
	preview    model.EntityMergePreview
	resolved   int  // conflicts settled by user resolutions
	write      bool // merged state differs from the target's
	newVersion int
}

// mergePayloads runs the three-way walk for one entity. base, source, and
// target may each be nil, meaning the entity has no visible state on that
// line at the merge instant, and nil at a path counts as a value distinct
// from everything but nil.
func mergePayloads(typ model.EntityType, id uuid.UUID, base, source, target map[string]any, sourceVersion, targetVersion int, res map[resolutionKey]model.MergeResolution) entityMerge {
	em := entityMerge{preview: model.EntityMergePreview{EntityType: typ, EntityID: id}}
	merged := make(map[string]any)

	for _, path := range codec.LeafPaths(base, source, target) {
		if _, skip := bookkeepingPaths[path]; skip {
			continue
		}
		bv := valueOrNil(base, path)
		sv := valueOrNil(source, path)
		tv := valueOrNil(target, path)
		sChanged := !codec.Equal(sv, bv)
		tChanged := !codec.Equal(tv, bv)

		var final any
		switch {
		case !sChanged && !tChanged:
			final = bv
		case sChanged && !tChanged:
			final = sv
			em.preview.AutoResolved++
		case tChanged && !sChanged:
			final = tv
			em.preview.AutoResolved++
		case codec.Equal(sv, tv):
			// Convergent: both sides made the same change.
			final = sv
			em.preview.AutoResolved++
		default:
			r, ok := res[resolutionKey{id, typ, path}]
			if !ok {
				em.preview.Conflicts = append(em.preview.Conflicts, conflictAt(typ, id, path, bv, sv, tv))
				continue
			}
			final = r.ResolvedValue
			em.resolved++
		}

		if !codec.Equal(final, tv) {
			em.write = true
		}
		if final != nil {
			codec.SetAt(merged, path, final)
		}
	}

	if em.write && len(em.preview.Conflicts) == 0 {
		em.newVersion = max(sourceVersion, targetVersion) + 1
		stampBookkeeping(merged, source, target, em.newVersion)
		em.preview.Merged = merged
	}
	return em
}

func valueOrNil(m map[string]any, path string) any {
	v, ok := codec.ValueAt(m, path)
	if !ok {
		return nil
	}
	return v
}

// conflictAt classifies a divergence by the nil-pattern of the two sides.
// The suggestion favors the source value, matching the usual intent of
// merging a working branch back.
func conflictAt(typ model.EntityType, id uuid.UUID, path string, bv, sv, tv any) model.MergeConflict {
	var kind model.ConflictType
	var desc string
	switch {
	case sv == nil && tv == nil:
		kind = model.ConflictBothDeleted
		desc = fmt.Sprintf("both branches removed %q", path)
	case sv == nil:
		kind = model.ConflictDeletedModified
		desc = fmt.Sprintf("source removed %q while target changed it", path)
	case tv == nil:
		kind = model.ConflictModifiedDeleted
		desc = fmt.Sprintf("source changed %q while target removed it", path)
	default:
		kind = model.ConflictBothModified
		desc = fmt.Sprintf("both branches changed %q", path)
	}
	suggestion := sv
	if suggestion == nil {
		suggestion = tv
	}
	return model.MergeConflict{
		EntityType:  typ,
		EntityID:    id,
		Path:        path,
		Type:        kind,
		Description: desc,
		BaseValue:   bv,
		SourceValue: sv,
		TargetValue: tv,
		Suggestion:  suggestion,
	}
}

// stampBookkeeping rebuilds the system fields the walk skipped. Identity
// and timestamps come from whichever side has state; the version field
// mirrors the record that will carry the payload.
func stampBookkeeping(merged, source, target map[string]any, version int) {
	donor := source
	if donor == nil {
		donor = target
	}
	for path := range bookkeepingPaths {
		if v, ok := donor[path]; ok {
			merged[path] = v
		}
	}
	merged["version"] = float64(version)
}

// payloadAt resolves an entity's snapshot on a branch at an instant,
// walking the parent chain. Nil map with zero version means no visible
// state there.
func (s *Service) payloadAt(ctx context.Context, typ model.EntityType, entityID, branchID uuid.UUID, at time.Time) (map[string]any, int, error) {
	rec, err := s.db.ResolveVersion(ctx, typ, entityID, branchID, at)
	if err != nil {
		return nil, 0, err
	}
	if rec == nil {
		return nil, 0, nil
	}
	payload, err := codec.Decode(rec.PayloadGz)
	if err != nil {
		return nil, 0, fmt.Errorf("branches: decode %s %s: %w", typ, entityID, err)
	}
	return payload, rec.Version, nil
}

// collectTypeMerges unions the entity IDs with branch-local records on
// source, target, or base visible at the merge instant, then runs the
// three-way walk on each. Entities whose merged state already equals the
// target and carry no conflicts drop out.
func (s *Service) collectTypeMerges(ctx context.Context, typ model.EntityType, mb *mergeBranches, res map[resolutionKey]model.MergeResolution) ([]entityMerge, error) {
	ids := make(map[uuid.UUID]struct{})
	for _, branchID := range []uuid.UUID{mb.source.ID, mb.target.ID, mb.base.ID} {
		records, err := s.db.GetVersionsForBranchAndType(ctx, branchID, typ, mb.at)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			ids[rec.EntityID] = struct{}{}
		}
	}
	ordered := make([]uuid.UUID, 0, len(ids))
	for id := range ids {
		ordered = append(ordered, id)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].String() < ordered[j].String() })

	var merges []entityMerge
	for _, id := range ordered {
		base, _, err := s.payloadAt(ctx, typ, id, mb.base.ID, mb.baseAt)
		if err != nil {
			return nil, err
		}
		source, sourceVersion, err := s.payloadAt(ctx, typ, id, mb.source.ID, mb.at)
		if err != nil {
			return nil, err
		}
		target, targetVersion, err := s.payloadAt(ctx, typ, id, mb.target.ID, mb.at)
		if err != nil {
			return nil, err
		}
		if source == nil && target == nil {
			// Written on the base after both forks; neither side sees it.
			continue
		}
		em := mergePayloads(typ, id, base, source, target, sourceVersion, targetVersion, res)
		if !em.write && len(em.preview.Conflicts) == 0 {
			continue
		}
		merges = append(merges, em)
	}
	return merges, nil
}

// collectMerges fans the per-type collection out, one goroutine per entity
// type, and flattens in type order so previews stay deterministic.
func (s *Service) collectMerges(ctx context.Context, mb *mergeBranches, res map[resolutionKey]model.MergeResolution) ([]entityMerge, error) {
	perType := make([][]entityMerge, len(model.VersionedEntityTypes))
	g, gctx := errgroup.WithContext(ctx)
	for i, typ := range model.VersionedEntityTypes {
		g.Go(func() error {
			merges, err := s.collectTypeMerges(gctx, typ, mb, res)
			if err != nil {
				return err
			}
			perType[i] = merges
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var all []entityMerge
	for _, merges := range perType {
		all = append(all, merges...)
	}
	return all, nil
}

// mergeBranches is the validated frame of a merge: both sides, their
// lowest common ancestor, the owning campaign, the merge instant, and the
// instant the shared base is read at.
type mergeBranches struct {
	source   *model.Branch
	target   *model.Branch
	base     *model.Branch
	campaign *model.Campaign

	// at is the world time the merge operates at. baseAt is at lowered by
	// every fork point between either side and the common ancestor, which
	// is the latest instant whose ancestor state both sides inherited.
	// Reading the base any later would fold one side's post-fork ancestor
	// writes into it and hide them from change detection.
	at     time.Time
	baseAt time.Time
}

// divergenceClamp lowers t by each fork point on the path from a branch up
// to the ancestor, mirroring the clamps resolveVersion applies on its walk.
func divergenceClamp(chain []model.Branch, ancestorID uuid.UUID, t time.Time) time.Time {
	for _, b := range chain {
		if b.ID == ancestorID {
			break
		}
		if b.DivergedAt != nil && b.DivergedAt.Before(t) {
			t = *b.DivergedAt
		}
	}
	return t
}

func (s *Service) mergeBranchesFor(ctx context.Context, userID, sourceID, targetID uuid.UUID, worldTime *time.Time) (*mergeBranches, error) {
	source, _, err := s.guard.RequireBranchAccess(ctx, sourceID, userID)
	if err != nil {
		return nil, err
	}
	target, _, err := s.guard.RequireBranchAccess(ctx, targetID, userID)
	if err != nil {
		return nil, err
	}
	if sourceID == targetID {
		return nil, errs.BadRequestf(errs.CodeInvalidInput, "cannot merge branch %s into itself", sourceID)
	}
	if source.CampaignID != target.CampaignID {
		return nil, errs.BadRequestf(errs.CodeInvalidInput,
			"branches %s and %s belong to different campaigns", sourceID, targetID)
	}
	sourceChain, err := s.db.GetBranchChain(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	targetChain, err := s.db.GetBranchChain(ctx, targetID)
	if err != nil {
		return nil, err
	}
	base := lowestCommonBranch(sourceChain, targetChain)
	if base == nil {
		return nil, errs.NoCommonAncestor(sourceID.String(), targetID.String())
	}
	campaign, err := s.db.GetCampaign(ctx, source.CampaignID)
	if err != nil {
		return nil, err
	}
	at := worldTimeOr(campaign, worldTime)
	baseAt := divergenceClamp(sourceChain, base.ID, at)
	baseAt = divergenceClamp(targetChain, base.ID, baseAt)
	return &mergeBranches{
		source: source, target: target, base: base, campaign: campaign,
		at: at, baseAt: baseAt,
	}, nil
}

func (s *Service) startMergeSpan(ctx context.Context, name string, sourceID, targetID uuid.UUID) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("chronicle.source_branch_id", sourceID.String()),
		attribute.String("chronicle.target_branch_id", targetID.String()),
	))
}

// PreviewMerge runs the merge pipeline without writing: every entity that
// would change on the target plus every conflict that would need a
// resolution before ExecuteMerge can land.
func (s *Service) PreviewMerge(ctx context.Context, userID, sourceID, targetID uuid.UUID, worldTime *time.Time) (*model.MergePreview, error) {
	mb, err := s.mergeBranchesFor(ctx, userID, sourceID, targetID, worldTime)
	if err != nil {
		return nil, err
	}

	ctx, span := s.startMergeSpan(ctx, "branches.preview_merge", sourceID, targetID)
	defer span.End()

	merges, err := s.collectMerges(ctx, mb, nil)
	if err != nil {
		return nil, err
	}

	preview := &model.MergePreview{
		SourceBranchID:   sourceID,
		TargetBranchID:   targetID,
		CommonAncestorID: mb.base.ID,
		WorldTime:        mb.at,
		Entities:         make([]model.EntityMergePreview, 0, len(merges)),
	}
	for _, em := range merges {
		preview.Entities = append(preview.Entities, em.preview)
		preview.TotalConflicts += len(em.preview.Conflicts)
		preview.TotalAutoResolved += em.preview.AutoResolved
	}
	preview.RequiresManualResolution = preview.TotalConflicts > 0
	return preview, nil
}

// MergeInput names the two sides of a merge. WorldTime defaults to the
// campaign clock; Resolutions settle the conflicts a preview reported.
type MergeInput struct {
	SourceBranchID uuid.UUID
	TargetBranchID uuid.UUID
	WorldTime      *time.Time
	Resolutions    []model.MergeResolution
}

// ExecuteMerge reconciles the source branch into the target. Any conflict
// without a matching resolution aborts the whole merge with zero writes; a
// clean run lands every synthesized snapshot, the row-counter bumps, and
// the history row in one transaction, then audits and announces the merge.
func (s *Service) ExecuteMerge(ctx context.Context, userID uuid.UUID, in MergeInput) (*model.MergeResult, error) {
	mb, err := s.mergeBranchesFor(ctx, userID, in.SourceBranchID, in.TargetBranchID, in.WorldTime)
	if err != nil {
		return nil, err
	}
	if _, err := s.guard.RequireMergeRole(ctx, mb.campaign.ID, userID); err != nil {
		return nil, err
	}

	ctx, span := s.startMergeSpan(ctx, "branches.execute_merge", in.SourceBranchID, in.TargetBranchID)
	defer span.End()
	started := time.Now()

	merges, err := s.collectMerges(ctx, mb, indexResolutions(in.Resolutions))
	if err != nil {
		return nil, err
	}

	var unresolved []model.MergeConflict
	resolved := 0
	for _, em := range merges {
		unresolved = append(unresolved, em.preview.Conflicts...)
		resolved += em.resolved
	}
	if len(unresolved) > 0 {
		return &model.MergeResult{
			Success:        false,
			ConflictsCount: len(unresolved),
			Conflicts:      unresolved,
		}, nil
	}

	now := time.Now().UTC()
	records := make([]*model.VersionRecord, 0, len(merges))
	versionIDs := make([]uuid.UUID, 0, len(merges))
	for _, em := range merges {
		if !em.write {
			continue
		}
		payload, err := codec.Encode(em.preview.Merged)
		if err != nil {
			return nil, err
		}
		sum, err := codec.Checksum(em.preview.Merged)
		if err != nil {
			return nil, err
		}
		rec := &model.VersionRecord{
			ID:         uuid.New(),
			EntityType: em.preview.EntityType,
			EntityID:   em.preview.EntityID,
			BranchID:   in.TargetBranchID,
			Version:    em.newVersion,
			ValidFrom:  mb.at,
			PayloadGz:  payload,
			Checksum:   sum,
			CreatedBy:  userID,
			CreatedAt:  now,
		}
		records = append(records, rec)
		versionIDs = append(versionIDs, rec.ID)
	}

	history := &model.MergeHistory{
		ID:               uuid.New(),
		SourceBranchID:   in.SourceBranchID,
		TargetBranchID:   in.TargetBranchID,
		CommonAncestorID: mb.base.ID,
		WorldTime:        mb.at,
		MergedBy:         userID,
		MergedAt:         now,
		ConflictsCount:   resolved,
		EntitiesMerged:   len(records),
		ResolutionsData:  resolutionsData(in.Resolutions),
		Metadata: map[string]any{
			"source_branch_name": mb.source.Name,
			"target_branch_name": mb.target.Name,
		},
	}
	// The merge transaction closes one tail per merged entity, so two
	// overlapping merges (or a merge racing an entity write) can deadlock.
	// WriteMergeTx rebuilds its transaction on every call, so repeating it
	// is safe.
	if err := storage.WithRetry(ctx, 3, 25*time.Millisecond, func() error {
		return s.db.WriteMergeTx(ctx, records, history)
	}); err != nil {
		return nil, err
	}

	s.audit.Record(ctx, audit.Entry{
		EntityType: model.EntityBranch,
		EntityID:   in.TargetBranchID,
		Operation:  model.OpMerge,
		UserID:     userID,
		Changes: map[string]any{
			"source_branch_id":   in.SourceBranchID.String(),
			"entities_merged":    len(records),
			"conflicts_resolved": resolved,
		},
		Metadata: map[string]any{
			"merge_history_id": history.ID.String(),
			"world_time":       mb.at.Format(time.RFC3339Nano),
		},
	})
	s.bus.Publish(ctx, bus.Event{
		Topic:      bus.TopicBranchMerged,
		CampaignID: mb.campaign.ID,
		BranchID:   &in.TargetBranchID,
		Payload: map[string]any{
			"source_branch_id": in.SourceBranchID.String(),
			"merge_history_id": history.ID.String(),
			"entities_merged":  len(records),
		},
		At: now,
	})
	s.mergeDuration.Record(ctx, float64(time.Since(started).Milliseconds()),
		metric.WithAttributes(attribute.Int("entities_merged", len(records))))
	s.logger.Info("merge executed",
		"source_branch_id", in.SourceBranchID, "target_branch_id", in.TargetBranchID,
		"entities_merged", len(records), "conflicts_resolved", resolved, "world_time", mb.at)

	return &model.MergeResult{
		Success:        true,
		EntitiesMerged: len(records),
		ConflictsCount: resolved,
		MergeHistoryID: &history.ID,
		VersionIDs:     versionIDs,
	}, nil
}

// resolutionsData shapes the applied resolutions for the history row.
func resolutionsData(resolutions []model.MergeResolution) map[string]any {
	if len(resolutions) == 0 {
		return map[string]any{}
	}
	items := make([]any, 0, len(resolutions))
	for _, r := range resolutions {
		items = append(items, map[string]any{
			"entity_id":      r.EntityID.String(),
			"entity_type":    string(r.EntityType),
			"path":           r.Path,
			"resolved_value": r.ResolvedValue,
		})
	}
	return map[string]any{"resolutions": items}
}

// CherryPickInput transplants one version record onto another branch.
type CherryPickInput struct {
	SourceVersionID uuid.UUID
	TargetBranchID  uuid.UUID
	Resolutions     []model.MergeResolution
}

// CherryPick replays a single source snapshot onto the target branch at
// the snapshot's own world-time instant. The base is the target's state
// immediately before that instant, so a target write landing at the same
// moment registers as a conflict instead of being silently overwritten.
func (s *Service) CherryPick(ctx context.Context, userID uuid.UUID, in CherryPickInput) (*model.CherryPickResult, error) {
	target, _, err := s.guard.RequireBranchAccess(ctx, in.TargetBranchID, userID)
	if err != nil {
		return nil, err
	}
	if _, err := s.guard.RequireMergeRole(ctx, target.CampaignID, userID); err != nil {
		return nil, err
	}
	source, err := s.db.GetVersion(ctx, in.SourceVersionID)
	if err != nil {
		return nil, err
	}
	sourceBranch, err := s.db.GetBranch(ctx, source.BranchID)
	if err != nil {
		return nil, err
	}
	if sourceBranch.CampaignID != target.CampaignID {
		// Hide versions from campaigns the caller has no business probing.
		return nil, fmt.Errorf("branches: version %s: %w", in.SourceVersionID, errs.ErrNotFound)
	}
	if source.BranchID == target.ID {
		return nil, errs.BadRequestf(errs.CodeInvalidInput,
			"version %s is already on branch %s", in.SourceVersionID, target.ID)
	}

	ctx, span := s.tracer.Start(ctx, "branches.cherry_pick", trace.WithAttributes(
		attribute.String("chronicle.source_version_id", in.SourceVersionID.String()),
		attribute.String("chronicle.target_branch_id", in.TargetBranchID.String()),
	))
	defer span.End()

	sourcePayload, err := codec.Decode(source.PayloadGz)
	if err != nil {
		return nil, err
	}
	var base map[string]any
	baseRec, err := s.db.ResolveVersionBefore(ctx, source.EntityType, source.EntityID, target.ID, source.ValidFrom)
	if err != nil {
		return nil, err
	}
	if baseRec != nil {
		if base, err = codec.Decode(baseRec.PayloadGz); err != nil {
			return nil, err
		}
	}
	targetPayload, targetVersion, err := s.payloadAt(ctx, source.EntityType, source.EntityID, target.ID, source.ValidFrom)
	if err != nil {
		return nil, err
	}

	em := mergePayloads(source.EntityType, source.EntityID, base, sourcePayload, targetPayload,
		source.Version, targetVersion, indexResolutions(in.Resolutions))
	if len(em.preview.Conflicts) > 0 {
		return &model.CherryPickResult{HasConflict: true, Conflicts: em.preview.Conflicts}, nil
	}
	if !em.write {
		// The snapshot's state is already present on the target.
		return &model.CherryPickResult{Success: true}, nil
	}

	now := time.Now().UTC()
	payload, err := codec.Encode(em.preview.Merged)
	if err != nil {
		return nil, err
	}
	sum, err := codec.Checksum(em.preview.Merged)
	if err != nil {
		return nil, err
	}
	rec := &model.VersionRecord{
		ID:         uuid.New(),
		EntityType: source.EntityType,
		EntityID:   source.EntityID,
		BranchID:   target.ID,
		Version:    em.newVersion,
		ValidFrom:  source.ValidFrom,
		PayloadGz:  payload,
		Checksum:   sum,
		CreatedBy:  userID,
		CreatedAt:  now,
	}
	if err := storage.WithRetry(ctx, 3, 25*time.Millisecond, func() error {
		return s.db.TransplantVersion(ctx, rec)
	}); err != nil {
		return nil, err
	}

	s.audit.Record(ctx, audit.Entry{
		EntityType: source.EntityType,
		EntityID:   source.EntityID,
		Operation:  model.OpCherryPick,
		UserID:     userID,
		Changes:    map[string]any{"version": em.newVersion},
		Metadata: map[string]any{
			"source_version_id": in.SourceVersionID.String(),
			"source_branch_id":  source.BranchID.String(),
			"target_branch_id":  target.ID.String(),
		},
	})
	s.bus.Publish(ctx, bus.Event{
		Topic:      bus.TopicEntityModified(source.EntityID),
		CampaignID: target.CampaignID,
		BranchID:   &target.ID,
		Payload: map[string]any{
			"entity_type": string(source.EntityType),
			"operation":   string(model.OpCherryPick),
			"version":     em.newVersion,
		},
		At: now,
	})
	s.logger.Info("version cherry-picked",
		"source_version_id", in.SourceVersionID, "target_branch_id", target.ID,
		"entity_type", source.EntityType, "entity_id", source.EntityID, "version", em.newVersion)
	return &model.CherryPickResult{Success: true, VersionID: &rec.ID}, nil
}
