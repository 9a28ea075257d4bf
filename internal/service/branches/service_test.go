package branches_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loreweave/chronicle/internal/audit"
	"github.com/loreweave/chronicle/internal/authz"
	"github.com/loreweave/chronicle/internal/bus"
	"github.com/loreweave/chronicle/internal/cache"
	"github.com/loreweave/chronicle/internal/codec"
	"github.com/loreweave/chronicle/internal/errs"
	"github.com/loreweave/chronicle/internal/model"
	"github.com/loreweave/chronicle/internal/service/branches"
	"github.com/loreweave/chronicle/internal/service/entities"
	"github.com/loreweave/chronicle/internal/storage"
	"github.com/loreweave/chronicle/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

// worldEpoch anchors every test's world-time axis.
var worldEpoch = time.Date(1023, time.March, 1, 0, 0, 0, 0, time.UTC)

func at(offset time.Duration) time.Time { return worldEpoch.Add(offset) }

func wt(offset time.Duration) *time.Time {
	t := at(offset)
	return &t
}

type harness struct {
	svc *branches.Service
	ent *entities.Service
	bus *bus.Memory
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := testutil.TestLogger()
	rec := audit.NewRecorder(testDB, logger, 1000, time.Hour)
	rec.Start(context.Background())
	mem := bus.NewMemory(logger)
	guard := authz.NewGuard(testDB, nil, logger)
	return &harness{
		svc: branches.New(testDB, guard, rec, mem, logger),
		ent: entities.New(testDB, guard, rec, mem, cache.NewMemory(), time.Hour, logger),
		bus: mem,
	}
}

type fixture struct {
	world    *model.World
	campaign *model.Campaign
	branch   *model.Branch
	owner    uuid.UUID
}

func createCampaign(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	owner := uuid.New()

	world := &model.World{ID: uuid.New(), Name: "Aerwyn", OwnerID: owner, CreatedAt: now}
	require.NoError(t, testDB.InsertWorld(ctx, world))

	clock := worldEpoch
	campaign := &model.Campaign{
		ID: uuid.New(), WorldID: world.ID, OwnerID: owner, Name: "Shattered Crowns",
		Settings: map[string]any{}, CurrentWorldTime: &clock,
		Version: 1, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, testDB.InsertCampaign(ctx, campaign))

	branch := &model.Branch{
		ID: uuid.New(), CampaignID: campaign.ID, Name: "main", Tags: []string{},
		CreatedBy: owner, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, testDB.InsertBranch(ctx, branch))

	return fixture{world: world, campaign: campaign, branch: branch, owner: owner}
}

func addMember(t *testing.T, campaignID uuid.UUID, role model.Role) uuid.UUID {
	t.Helper()
	userID := uuid.New()
	require.NoError(t, testDB.AddCampaignMember(context.Background(), &model.CampaignMember{
		CampaignID: campaignID, UserID: userID, Role: role, JoinedAt: time.Now().UTC(),
	}))
	return userID
}

func forkAt(t *testing.T, h *harness, fix fixture, parentID uuid.UUID, name string, offset time.Duration) *model.Branch {
	t.Helper()
	res, err := h.svc.Fork(context.Background(), fix.owner, branches.ForkInput{
		ParentBranchID: parentID, Name: name, WorldTime: wt(offset),
	})
	require.NoError(t, err)
	return &res.Branch
}

func seedKingdom(t *testing.T, h *harness, fix fixture, branchID uuid.UUID, name string, treasury int, worldTime *time.Time) *model.Kingdom {
	t.Helper()
	k, err := h.ent.CreateKingdom(context.Background(), fix.owner, entities.CreateKingdomInput{
		CampaignID: fix.campaign.ID,
		BranchID:   branchID,
		Name:       name,
		Treasury:   treasury,
		WorldTime:  worldTime,
	})
	require.NoError(t, err)
	return k
}

func setTreasury(t *testing.T, h *harness, fix fixture, kingdomID, branchID uuid.UUID, expected, treasury int, worldTime *time.Time) *model.Kingdom {
	t.Helper()
	k, err := h.ent.UpdateKingdom(context.Background(), fix.owner, entities.UpdateKingdomInput{
		ID: kingdomID, BranchID: branchID, ExpectedVersion: expected,
		Patch: entities.KingdomPatch{Treasury: &treasury}, WorldTime: worldTime,
	})
	require.NoError(t, err)
	return k
}

func resolvePayload(t *testing.T, entityID, branchID uuid.UUID, offset time.Duration) (map[string]any, int) {
	t.Helper()
	rec, err := testDB.ResolveVersion(context.Background(), model.EntityKingdom, entityID, branchID, at(offset))
	require.NoError(t, err)
	require.NotNil(t, rec)
	payload, err := codec.Decode(rec.PayloadGz)
	require.NoError(t, err)
	return payload, rec.Version
}

// --- branch lifecycle ---

func TestFork_CreatesChildAtWorldTime(t *testing.T) {
	h := newHarness(t)
	fix := createCampaign(t)
	ctx := context.Background()

	res, err := h.svc.Fork(ctx, fix.owner, branches.ForkInput{
		ParentBranchID: fix.branch.ID, Name: "siege-of-kareth", WorldTime: wt(24 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, "siege-of-kareth", res.Branch.Name)
	require.NotNil(t, res.Branch.ParentID)
	assert.Equal(t, fix.branch.ID, *res.Branch.ParentID)
	require.NotNil(t, res.Branch.DivergedAt)
	assert.True(t, res.Branch.DivergedAt.Equal(at(24*time.Hour)))
	assert.Equal(t, 0, res.VersionsCopied)

	// Without an explicit instant the campaign clock decides.
	res, err = h.svc.Fork(ctx, fix.owner, branches.ForkInput{
		ParentBranchID: fix.branch.ID, Name: "by-the-clock",
	})
	require.NoError(t, err)
	assert.True(t, res.Branch.DivergedAt.Equal(worldEpoch))

	_, err = h.svc.Fork(ctx, fix.owner, branches.ForkInput{ParentBranchID: fix.branch.ID})
	assert.ErrorIs(t, err, errs.ErrBadRequest)
}

func TestFork_RefusesPastDepthLimit(t *testing.T) {
	h := newHarness(t)
	fix := createCampaign(t)
	ctx := context.Background()
	now := time.Now().UTC()
	d := at(0)

	parent := fix.branch
	for i := 1; i < storage.MaxBranchDepth; i++ {
		child := &model.Branch{
			ID: uuid.New(), CampaignID: fix.campaign.ID, Name: fmt.Sprintf("layer-%d", i),
			ParentID: &parent.ID, DivergedAt: &d, Tags: []string{},
			CreatedBy: fix.owner, CreatedAt: now, UpdatedAt: now,
		}
		require.NoError(t, testDB.InsertBranch(ctx, child))
		parent = child
	}

	_, err := h.svc.Fork(ctx, fix.owner, branches.ForkInput{
		ParentBranchID: parent.ID, Name: "one-too-deep", WorldTime: wt(0),
	})
	assert.ErrorIs(t, err, errs.ErrBadRequest)
}

func TestGetBranchTree_PromotesOrphansOfDeletedBranches(t *testing.T) {
	h := newHarness(t)
	fix := createCampaign(t)
	ctx := context.Background()

	b1 := forkAt(t, h, fix, fix.branch.ID, "act-two", 24*time.Hour)
	b2 := forkAt(t, h, fix, b1.ID, "act-two-revised", 48*time.Hour)
	b3 := forkAt(t, h, fix, fix.branch.ID, "council-route", 24*time.Hour)

	require.NoError(t, h.svc.DeleteBranch(ctx, fix.owner, b1.ID))

	tree, err := h.svc.GetBranchTree(ctx, fix.owner, fix.campaign.ID)
	require.NoError(t, err)

	// b2 lost its parent to the delete and surfaces as a root.
	require.Len(t, tree, 2)
	byID := map[uuid.UUID]model.BranchNode{}
	for _, node := range tree {
		byID[node.Branch.ID] = node
	}
	main, ok := byID[fix.branch.ID]
	require.True(t, ok)
	require.Len(t, main.Children, 1)
	assert.Equal(t, b3.ID, main.Children[0].Branch.ID)

	orphan, ok := byID[b2.ID]
	require.True(t, ok)
	assert.Empty(t, orphan.Children)

	listed, err := h.svc.ListBranches(ctx, fix.owner, fix.campaign.ID)
	require.NoError(t, err)
	assert.Len(t, listed, 3)
}

func TestFindCommonAncestor(t *testing.T) {
	h := newHarness(t)
	fix := createCampaign(t)
	ctx := context.Background()

	a := forkAt(t, h, fix, fix.branch.ID, "a", 24*time.Hour)
	b := forkAt(t, h, fix, a.ID, "b", 48*time.Hour)
	c := forkAt(t, h, fix, fix.branch.ID, "c", 24*time.Hour)

	got, err := h.svc.FindCommonAncestor(ctx, fix.owner, b.ID, c.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, fix.branch.ID, got.ID)

	got, err = h.svc.FindCommonAncestor(ctx, fix.owner, a.ID, b.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, a.ID, got.ID)

	// A second root in the same campaign shares no tree.
	now := time.Now().UTC()
	loose := &model.Branch{
		ID: uuid.New(), CampaignID: fix.campaign.ID, Name: "loose-root", Tags: []string{},
		CreatedBy: fix.owner, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, testDB.InsertBranch(ctx, loose))
	got, err = h.svc.FindCommonAncestor(ctx, fix.owner, fix.branch.ID, loose.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpdateBranchMeta_Roundtrip(t *testing.T) {
	h := newHarness(t)
	fix := createCampaign(t)
	ctx := context.Background()

	b := forkAt(t, h, fix, fix.branch.ID, "gilded-age", 24*time.Hour)

	color := "#8b1e3f"
	updated, err := h.svc.UpdateBranchMeta(ctx, fix.owner, branches.BranchMetaInput{
		BranchID: b.ID, IsPinned: true, Color: &color, Tags: []string{"economy", "what-if"},
	})
	require.NoError(t, err)
	assert.True(t, updated.IsPinned)
	require.NotNil(t, updated.Color)
	assert.Equal(t, color, *updated.Color)
	assert.Equal(t, []string{"economy", "what-if"}, updated.Tags)

	reread, err := h.svc.GetBranch(ctx, fix.owner, b.ID)
	require.NoError(t, err)
	assert.True(t, reread.IsPinned)
	assert.Equal(t, []string{"economy", "what-if"}, reread.Tags)
}

func TestDeleteBranch_Guards(t *testing.T) {
	h := newHarness(t)
	fix := createCampaign(t)
	ctx := context.Background()

	err := h.svc.DeleteBranch(ctx, fix.owner, fix.branch.ID)
	assert.ErrorIs(t, err, errs.ErrBadRequest)

	b := forkAt(t, h, fix, fix.branch.ID, "doomed", 24*time.Hour)

	player := addMember(t, fix.campaign.ID, model.RolePlayer)
	err = h.svc.DeleteBranch(ctx, player, b.ID)
	assert.ErrorIs(t, err, errs.ErrForbidden)

	gm := addMember(t, fix.campaign.ID, model.RoleGM)
	require.NoError(t, h.svc.DeleteBranch(ctx, gm, b.ID))

	_, err = h.svc.GetBranch(ctx, fix.owner, b.ID)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

// --- merge ---

func TestPreviewMerge_AutoResolvesAndConflicts(t *testing.T) {
	h := newHarness(t)
	fix := createCampaign(t)
	ctx := context.Background()

	contested := seedKingdom(t, h, fix, fix.branch.ID, "Tarveth", 500, wt(0))
	quiet := seedKingdom(t, h, fix, fix.branch.ID, "Ormond", 300, wt(0))
	fork := forkAt(t, h, fix, fix.branch.ID, "skirmish", 24*time.Hour)

	setTreasury(t, h, fix, contested.ID, fork.ID, 1, 800, wt(48*time.Hour))
	setTreasury(t, h, fix, quiet.ID, fork.ID, 1, 350, wt(48*time.Hour))
	setTreasury(t, h, fix, contested.ID, fix.branch.ID, 2, 900, wt(48*time.Hour))

	preview, err := h.svc.PreviewMerge(ctx, fix.owner, fork.ID, fix.branch.ID, wt(72*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, fix.branch.ID, preview.CommonAncestorID)
	assert.True(t, preview.WorldTime.Equal(at(72*time.Hour)))
	assert.Equal(t, 1, preview.TotalConflicts)
	assert.Equal(t, 1, preview.TotalAutoResolved)
	assert.True(t, preview.RequiresManualResolution)
	require.Len(t, preview.Entities, 2)

	byEntity := map[uuid.UUID]model.EntityMergePreview{}
	for _, e := range preview.Entities {
		byEntity[e.EntityID] = e
	}
	conflicted := byEntity[contested.ID]
	require.Len(t, conflicted.Conflicts, 1)
	c := conflicted.Conflicts[0]
	assert.Equal(t, "treasury", c.Path)
	assert.Equal(t, model.ConflictBothModified, c.Type)
	assert.Equal(t, float64(500), c.BaseValue)
	assert.Equal(t, float64(800), c.SourceValue)
	assert.Equal(t, float64(900), c.TargetValue)
	assert.Equal(t, float64(800), c.Suggestion)

	clean := byEntity[quiet.ID]
	assert.Empty(t, clean.Conflicts)
	assert.Equal(t, 1, clean.AutoResolved)
}

func TestExecuteMerge_AppliesSourceChanges(t *testing.T) {
	h := newHarness(t)
	fix := createCampaign(t)
	ctx := context.Background()

	k := seedKingdom(t, h, fix, fix.branch.ID, "Tarveth", 500, wt(0))
	fork := forkAt(t, h, fix, fix.branch.ID, "skirmish", 24*time.Hour)
	setTreasury(t, h, fix, k.ID, fork.ID, 1, 800, wt(48*time.Hour))

	sub := h.bus.Subscribe(bus.TopicBranchMerged)
	defer sub.Cancel()

	res, err := h.svc.ExecuteMerge(ctx, fix.owner, branches.MergeInput{
		SourceBranchID: fork.ID, TargetBranchID: fix.branch.ID, WorldTime: wt(72 * time.Hour),
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.EntitiesMerged)
	assert.Equal(t, 0, res.ConflictsCount)
	require.NotNil(t, res.MergeHistoryID)
	require.Len(t, res.VersionIDs, 1)

	payload, version := resolvePayload(t, k.ID, fix.branch.ID, 96*time.Hour)
	assert.Equal(t, 3, version)
	assert.Equal(t, float64(800), payload["treasury"])
	assert.Equal(t, "Tarveth", payload["name"])
	assert.Equal(t, float64(3), payload["version"])

	// The row counter caught up with the merge record, so an ordinary
	// update on the target keeps minting unique version numbers.
	next := setTreasury(t, h, fix, k.ID, fix.branch.ID, 3, 1000, wt(96*time.Hour))
	assert.Equal(t, 4, next.Version)

	for _, branchID := range []uuid.UUID{fix.branch.ID, fork.ID} {
		entries, err := h.svc.GetMergeHistory(ctx, fix.owner, branchID)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, *res.MergeHistoryID, entries[0].ID)
		assert.Equal(t, 1, entries[0].EntitiesMerged)
		assert.Equal(t, "skirmish", entries[0].Metadata["source_branch_name"])
	}

	select {
	case ev := <-sub.C:
		assert.Equal(t, bus.TopicBranchMerged, ev.Topic)
		assert.Equal(t, fix.campaign.ID, ev.CampaignID)
		require.NotNil(t, ev.BranchID)
		assert.Equal(t, fix.branch.ID, *ev.BranchID)
		assert.Equal(t, 1, ev.Payload["entities_merged"])
	case <-time.After(time.Second):
		t.Fatal("no bus event after merge")
	}
}

func TestExecuteMerge_UnresolvedConflictBlocksEveryWrite(t *testing.T) {
	h := newHarness(t)
	fix := createCampaign(t)
	ctx := context.Background()

	contested := seedKingdom(t, h, fix, fix.branch.ID, "Tarveth", 500, wt(0))
	quiet := seedKingdom(t, h, fix, fix.branch.ID, "Ormond", 300, wt(0))
	fork := forkAt(t, h, fix, fix.branch.ID, "skirmish", 24*time.Hour)

	setTreasury(t, h, fix, contested.ID, fork.ID, 1, 800, wt(48*time.Hour))
	setTreasury(t, h, fix, quiet.ID, fork.ID, 1, 350, wt(48*time.Hour))
	setTreasury(t, h, fix, contested.ID, fix.branch.ID, 2, 900, wt(48*time.Hour))

	res, err := h.svc.ExecuteMerge(ctx, fix.owner, branches.MergeInput{
		SourceBranchID: fork.ID, TargetBranchID: fix.branch.ID, WorldTime: wt(72 * time.Hour),
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 0, res.EntitiesMerged)
	assert.Equal(t, 1, res.ConflictsCount)
	require.Len(t, res.Conflicts, 1)
	assert.Nil(t, res.MergeHistoryID)

	// The clean kingdom must not have landed either.
	history, err := testDB.FindVersionHistory(ctx, model.EntityKingdom, quiet.ID, fix.branch.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	entries, err := h.svc.GetMergeHistory(ctx, fix.owner, fix.branch.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExecuteMerge_ResolutionsSettleConflicts(t *testing.T) {
	h := newHarness(t)
	fix := createCampaign(t)
	ctx := context.Background()

	contested := seedKingdom(t, h, fix, fix.branch.ID, "Tarveth", 500, wt(0))
	quiet := seedKingdom(t, h, fix, fix.branch.ID, "Ormond", 300, wt(0))
	fork := forkAt(t, h, fix, fix.branch.ID, "skirmish", 24*time.Hour)

	setTreasury(t, h, fix, contested.ID, fork.ID, 1, 800, wt(48*time.Hour))
	setTreasury(t, h, fix, quiet.ID, fork.ID, 1, 350, wt(48*time.Hour))
	setTreasury(t, h, fix, contested.ID, fix.branch.ID, 2, 900, wt(48*time.Hour))

	res, err := h.svc.ExecuteMerge(ctx, fix.owner, branches.MergeInput{
		SourceBranchID: fork.ID, TargetBranchID: fix.branch.ID, WorldTime: wt(72 * time.Hour),
		Resolutions: []model.MergeResolution{{
			EntityID: contested.ID, EntityType: model.EntityKingdom,
			Path: "treasury", ResolvedValue: float64(850),
		}},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.EntitiesMerged)
	assert.Equal(t, 1, res.ConflictsCount)
	assert.Len(t, res.VersionIDs, 2)

	payload, version := resolvePayload(t, contested.ID, fix.branch.ID, 96*time.Hour)
	assert.Equal(t, 4, version)
	assert.Equal(t, float64(850), payload["treasury"])

	payload, version = resolvePayload(t, quiet.ID, fix.branch.ID, 96*time.Hour)
	assert.Equal(t, 3, version)
	assert.Equal(t, float64(350), payload["treasury"])

	entries, err := h.svc.GetMergeHistory(ctx, fix.owner, fix.branch.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].ConflictsCount)
	assert.Equal(t, 2, entries[0].EntitiesMerged)
	resolutions, ok := entries[0].ResolutionsData["resolutions"].([]any)
	require.True(t, ok)
	assert.Len(t, resolutions, 1)
}

func TestExecuteMerge_CarriesEntitiesCreatedOnSource(t *testing.T) {
	h := newHarness(t)
	fix := createCampaign(t)
	ctx := context.Background()

	fork := forkAt(t, h, fix, fix.branch.ID, "colonists", 0)
	k := seedKingdom(t, h, fix, fork.ID, "Newholt", 120, wt(24*time.Hour))

	res, err := h.svc.ExecuteMerge(ctx, fix.owner, branches.MergeInput{
		SourceBranchID: fork.ID, TargetBranchID: fix.branch.ID, WorldTime: wt(48 * time.Hour),
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.EntitiesMerged)

	payload, version := resolvePayload(t, k.ID, fix.branch.ID, 72*time.Hour)
	assert.Equal(t, 2, version)
	assert.Equal(t, k.ID.String(), payload["id"])
	assert.Equal(t, "Newholt", payload["name"])
	assert.Equal(t, float64(120), payload["treasury"])

	next := setTreasury(t, h, fix, k.ID, fix.branch.ID, 2, 200, wt(72*time.Hour))
	assert.Equal(t, 3, next.Version)
}

func TestExecuteMerge_ConvergentEditsNeedNoWrite(t *testing.T) {
	h := newHarness(t)
	fix := createCampaign(t)
	ctx := context.Background()

	k := seedKingdom(t, h, fix, fix.branch.ID, "Tarveth", 500, wt(0))
	fork := forkAt(t, h, fix, fix.branch.ID, "skirmish", 24*time.Hour)
	setTreasury(t, h, fix, k.ID, fork.ID, 1, 800, wt(48*time.Hour))
	setTreasury(t, h, fix, k.ID, fix.branch.ID, 2, 800, wt(48*time.Hour))

	preview, err := h.svc.PreviewMerge(ctx, fix.owner, fork.ID, fix.branch.ID, wt(72*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, preview.Entities)
	assert.False(t, preview.RequiresManualResolution)

	res, err := h.svc.ExecuteMerge(ctx, fix.owner, branches.MergeInput{
		SourceBranchID: fork.ID, TargetBranchID: fix.branch.ID, WorldTime: wt(72 * time.Hour),
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.EntitiesMerged)
	require.NotNil(t, res.MergeHistoryID)

	history, err := testDB.FindVersionHistory(ctx, model.EntityKingdom, k.ID, fix.branch.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	// Defaulted world time is the campaign clock.
	preview, err = h.svc.PreviewMerge(ctx, fix.owner, fork.ID, fix.branch.ID, nil)
	require.NoError(t, err)
	assert.True(t, preview.WorldTime.Equal(worldEpoch))
}

func TestExecuteMerge_GuardsTopologyAndRole(t *testing.T) {
	h := newHarness(t)
	fix := createCampaign(t)
	ctx := context.Background()

	fork := forkAt(t, h, fix, fix.branch.ID, "skirmish", 24*time.Hour)

	_, err := h.svc.ExecuteMerge(ctx, fix.owner, branches.MergeInput{
		SourceBranchID: fix.branch.ID, TargetBranchID: fix.branch.ID,
	})
	assert.ErrorIs(t, err, errs.ErrBadRequest)

	other := createCampaign(t)
	require.NoError(t, testDB.AddCampaignMember(ctx, &model.CampaignMember{
		CampaignID: other.campaign.ID, UserID: fix.owner, Role: model.RoleGM, JoinedAt: time.Now().UTC(),
	}))
	_, err = h.svc.ExecuteMerge(ctx, fix.owner, branches.MergeInput{
		SourceBranchID: other.branch.ID, TargetBranchID: fix.branch.ID,
	})
	assert.ErrorIs(t, err, errs.ErrBadRequest)
	assert.Equal(t, errs.CodeInvalidInput, errs.Code(err))

	now := time.Now().UTC()
	loose := &model.Branch{
		ID: uuid.New(), CampaignID: fix.campaign.ID, Name: "loose-root", Tags: []string{},
		CreatedBy: fix.owner, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, testDB.InsertBranch(ctx, loose))
	_, err = h.svc.ExecuteMerge(ctx, fix.owner, branches.MergeInput{
		SourceBranchID: loose.ID, TargetBranchID: fix.branch.ID,
	})
	assert.Equal(t, errs.CodeNoCommonAncestor, errs.Code(err))

	// Players may preview but not execute.
	player := addMember(t, fix.campaign.ID, model.RolePlayer)
	_, err = h.svc.PreviewMerge(ctx, player, fork.ID, fix.branch.ID, wt(48*time.Hour))
	require.NoError(t, err)
	_, err = h.svc.ExecuteMerge(ctx, player, branches.MergeInput{
		SourceBranchID: fork.ID, TargetBranchID: fix.branch.ID,
	})
	assert.ErrorIs(t, err, errs.ErrForbidden)
}

// --- cherry-pick ---

func latestVersionID(t *testing.T, entityID, branchID uuid.UUID) uuid.UUID {
	t.Helper()
	history, err := testDB.FindVersionHistory(context.Background(), model.EntityKingdom, entityID, branchID)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	return history[0].ID
}

func TestCherryPick_TransplantsSnapshot(t *testing.T) {
	h := newHarness(t)
	fix := createCampaign(t)
	ctx := context.Background()

	k := seedKingdom(t, h, fix, fix.branch.ID, "Tarveth", 500, wt(0))
	fork := forkAt(t, h, fix, fix.branch.ID, "skirmish", 24*time.Hour)
	setTreasury(t, h, fix, k.ID, fork.ID, 1, 800, wt(48*time.Hour))

	res, err := h.svc.CherryPick(ctx, fix.owner, branches.CherryPickInput{
		SourceVersionID: latestVersionID(t, k.ID, fork.ID), TargetBranchID: fix.branch.ID,
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.HasConflict)
	require.NotNil(t, res.VersionID)

	payload, version := resolvePayload(t, k.ID, fix.branch.ID, 72*time.Hour)
	assert.Equal(t, 3, version)
	assert.Equal(t, float64(800), payload["treasury"])

	// Transplanted at the snapshot's own instant, so the pre-pick state
	// still resolves before it.
	payload, version = resolvePayload(t, k.ID, fix.branch.ID, 24*time.Hour)
	assert.Equal(t, 1, version)
	assert.Equal(t, float64(500), payload["treasury"])

	next := setTreasury(t, h, fix, k.ID, fix.branch.ID, 3, 900, wt(72*time.Hour))
	assert.Equal(t, 4, next.Version)
}

func TestCherryPick_SameInstantTargetWriteConflicts(t *testing.T) {
	h := newHarness(t)
	fix := createCampaign(t)
	ctx := context.Background()

	k := seedKingdom(t, h, fix, fix.branch.ID, "Tarveth", 500, wt(0))
	fork := forkAt(t, h, fix, fix.branch.ID, "skirmish", 24*time.Hour)
	setTreasury(t, h, fix, k.ID, fork.ID, 1, 800, wt(48*time.Hour))
	setTreasury(t, h, fix, k.ID, fix.branch.ID, 2, 900, wt(48*time.Hour))

	sourceID := latestVersionID(t, k.ID, fork.ID)
	res, err := h.svc.CherryPick(ctx, fix.owner, branches.CherryPickInput{
		SourceVersionID: sourceID, TargetBranchID: fix.branch.ID,
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.HasConflict)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "treasury", res.Conflicts[0].Path)
	assert.Equal(t, model.ConflictBothModified, res.Conflicts[0].Type)

	history, err := testDB.FindVersionHistory(ctx, model.EntityKingdom, k.ID, fix.branch.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	res, err = h.svc.CherryPick(ctx, fix.owner, branches.CherryPickInput{
		SourceVersionID: sourceID, TargetBranchID: fix.branch.ID,
		Resolutions: []model.MergeResolution{{
			EntityID: k.ID, EntityType: model.EntityKingdom,
			Path: "treasury", ResolvedValue: float64(850),
		}},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)

	// The resolved record supersedes the target's same-instant write.
	payload, version := resolvePayload(t, k.ID, fix.branch.ID, 48*time.Hour)
	assert.Equal(t, 4, version)
	assert.Equal(t, float64(850), payload["treasury"])
}

func TestCherryPick_Guards(t *testing.T) {
	h := newHarness(t)
	fix := createCampaign(t)
	ctx := context.Background()

	k := seedKingdom(t, h, fix, fix.branch.ID, "Tarveth", 500, wt(0))
	fork := forkAt(t, h, fix, fix.branch.ID, "skirmish", 24*time.Hour)
	setTreasury(t, h, fix, k.ID, fork.ID, 1, 800, wt(48*time.Hour))
	forkVersion := latestVersionID(t, k.ID, fork.ID)

	// Target advanced past the snapshot's instant.
	setTreasury(t, h, fix, k.ID, fix.branch.ID, 2, 900, wt(72*time.Hour))
	_, err := h.svc.CherryPick(ctx, fix.owner, branches.CherryPickInput{
		SourceVersionID: forkVersion, TargetBranchID: fix.branch.ID,
	})
	require.Error(t, err)
	assert.Equal(t, errs.CodeTimeRegression, errs.Code(err))

	_, err = h.svc.CherryPick(ctx, fix.owner, branches.CherryPickInput{
		SourceVersionID: forkVersion, TargetBranchID: fork.ID,
	})
	assert.ErrorIs(t, err, errs.ErrBadRequest)

	// A version from a campaign the caller cannot see reads as missing.
	other := createCampaign(t)
	veiled := seedKingdom(t, h, other, other.branch.ID, "Veiled", 50, wt(0))
	_, err = h.svc.CherryPick(ctx, fix.owner, branches.CherryPickInput{
		SourceVersionID: latestVersionID(t, veiled.ID, other.branch.ID), TargetBranchID: fix.branch.ID,
	})
	assert.ErrorIs(t, err, errs.ErrNotFound)

	player := addMember(t, fix.campaign.ID, model.RolePlayer)
	_, err = h.svc.CherryPick(ctx, player, branches.CherryPickInput{
		SourceVersionID: forkVersion, TargetBranchID: fix.branch.ID,
	})
	assert.ErrorIs(t, err, errs.ErrForbidden)
}
