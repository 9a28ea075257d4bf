package storage_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loreweave/chronicle/internal/codec"
	"github.com/loreweave/chronicle/internal/errs"
	"github.com/loreweave/chronicle/internal/model"
	"github.com/loreweave/chronicle/internal/storage"
	"github.com/loreweave/chronicle/internal/testutil"
	"github.com/loreweave/chronicle/migrations"
)

// testDB is shared by every test in this package.
var testDB *storage.DB

// campaignEpoch is an arbitrary world-time origin. World time is a domain
// instant, so the year is whatever the campaign calendar says it is.
var campaignEpoch = time.Date(1247, time.March, 1, 0, 0, 0, 0, time.UTC)

// wt returns the world-time instant n days past the epoch.
func wt(n int) time.Time { return campaignEpoch.AddDate(0, 0, n) }

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

// --- fixtures ---

func createCampaign(t *testing.T) *model.Campaign {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	world := &model.World{ID: uuid.New(), Name: "Aerwyn", OwnerID: uuid.New(), CreatedAt: now}
	require.NoError(t, testDB.InsertWorld(ctx, world))

	c := &model.Campaign{
		ID:        uuid.New(),
		WorldID:   world.ID,
		OwnerID:   world.OwnerID,
		Name:      "The Long Winter",
		Settings:  map[string]any{},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, testDB.InsertCampaign(ctx, c))
	return c
}

func createRootBranch(t *testing.T, campaignID uuid.UUID) *model.Branch {
	t.Helper()
	now := time.Now().UTC()
	b := &model.Branch{
		ID:         uuid.New(),
		CampaignID: campaignID,
		Name:       "main",
		Tags:       []string{},
		CreatedBy:  uuid.New(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, testDB.InsertBranch(context.Background(), b))
	return b
}

func forkBranch(t *testing.T, parent *model.Branch, name string, divergedAt time.Time) *model.Branch {
	t.Helper()
	now := time.Now().UTC()
	b := &model.Branch{
		ID:         uuid.New(),
		CampaignID: parent.CampaignID,
		Name:       name,
		ParentID:   &parent.ID,
		DivergedAt: &divergedAt,
		Tags:       []string{},
		CreatedBy:  parent.CreatedBy,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, testDB.InsertBranch(context.Background(), b))
	return b
}

func versionRec(t *testing.T, entityType model.EntityType, entityID, branchID uuid.UUID, version int, validFrom time.Time, payload map[string]any) *model.VersionRecord {
	t.Helper()
	gz, err := codec.Encode(payload)
	require.NoError(t, err)
	sum, err := codec.Checksum(payload)
	require.NoError(t, err)
	return &model.VersionRecord{
		ID:         uuid.New(),
		EntityType: entityType,
		EntityID:   entityID,
		BranchID:   branchID,
		Version:    version,
		ValidFrom:  validFrom,
		PayloadGz:  gz,
		Checksum:   sum,
		CreatedBy:  uuid.New(),
		CreatedAt:  time.Now().UTC(),
	}
}

func createKingdom(t *testing.T, campaignID uuid.UUID, branchID uuid.UUID, name string) *model.Kingdom {
	t.Helper()
	now := time.Now().UTC()
	k := &model.Kingdom{
		ID:         uuid.New(),
		CampaignID: campaignID,
		Name:       name,
		Treasury:   1000,
		Variables:  map[string]any{},
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	rec := versionRec(t, model.EntityKingdom, k.ID, branchID, 1, wt(0), map[string]any{"name": name, "treasury": 1000})
	require.NoError(t, testDB.InsertKingdomWithVersion(context.Background(), k, rec))
	return k
}

func createSettlement(t *testing.T, kingdomID, branchID uuid.UUID, name string, population int) *model.Settlement {
	t.Helper()
	now := time.Now().UTC()
	s := &model.Settlement{
		ID:         uuid.New(),
		KingdomID:  kingdomID,
		Name:       name,
		Population: population,
		Level:      1,
		Variables:  map[string]any{},
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	rec := versionRec(t, model.EntitySettlement, s.ID, branchID, 1, wt(0), map[string]any{"name": name, "population": population})
	require.NoError(t, testDB.InsertSettlementWithVersion(context.Background(), s, rec))
	return s
}

// --- version log ---

func TestAppendVersion_ClosesPreviousTail(t *testing.T) {
	ctx := context.Background()
	c := createCampaign(t)
	branch := createRootBranch(t, c.ID)
	entityID := uuid.New()

	for i, day := range []int{10, 20, 30} {
		rec := versionRec(t, model.EntityKingdom, entityID, branch.ID, i+1, wt(day),
			map[string]any{"treasury": day * 100})
		require.NoError(t, testDB.AppendVersion(ctx, rec))
	}

	history, err := testDB.FindVersionHistory(ctx, model.EntityKingdom, entityID, branch.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)

	// Newest first; intervals partition the axis with one open tail.
	assert.Equal(t, 3, history[0].Version)
	assert.Nil(t, history[0].ValidTo)
	require.NotNil(t, history[1].ValidTo)
	assert.True(t, history[1].ValidTo.Equal(wt(30)))
	require.NotNil(t, history[2].ValidTo)
	assert.True(t, history[2].ValidTo.Equal(wt(20)))
	assert.True(t, history[2].ValidFrom.Equal(wt(10)))

	open, err := testDB.CountOpenTails(ctx, model.EntityKingdom, entityID, branch.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, open)
}

func TestAppendVersion_RejectsTimeRegression(t *testing.T) {
	ctx := context.Background()
	c := createCampaign(t)
	branch := createRootBranch(t, c.ID)
	entityID := uuid.New()

	first := versionRec(t, model.EntityParty, entityID, branch.ID, 1, wt(20), map[string]any{"reputation": 5})
	require.NoError(t, testDB.AppendVersion(ctx, first))

	stale := versionRec(t, model.EntityParty, entityID, branch.ID, 2, wt(10), map[string]any{"reputation": 6})
	err := testDB.AppendVersion(ctx, stale)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrBadRequest)
	assert.Equal(t, errs.CodeTimeRegression, errs.Code(err))

	// The rejected append must not have disturbed the log.
	history, err := testDB.FindVersionHistory(ctx, model.EntityParty, entityID, branch.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Nil(t, history[0].ValidTo)
}

func TestAppendVersion_SameInstantAllowed(t *testing.T) {
	ctx := context.Background()
	c := createCampaign(t)
	branch := createRootBranch(t, c.ID)
	entityID := uuid.New()

	require.NoError(t, testDB.AppendVersion(ctx,
		versionRec(t, model.EntityParty, entityID, branch.ID, 1, wt(5), map[string]any{"reputation": 1})))
	require.NoError(t, testDB.AppendVersion(ctx,
		versionRec(t, model.EntityParty, entityID, branch.ID, 2, wt(5), map[string]any{"reputation": 2})))

	open, err := testDB.CountOpenTails(ctx, model.EntityParty, entityID, branch.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, open)

	// Two writes at the same instant: the earlier becomes an empty
	// interval and the later one wins resolution.
	v, err := testDB.ResolveVersion(ctx, model.EntityParty, entityID, branch.ID, wt(5))
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, 2, v.Version)
}

func TestResolveVersion_WalksParentWithClamp(t *testing.T) {
	ctx := context.Background()
	c := createCampaign(t)
	main := createRootBranch(t, c.ID)
	entityID := uuid.New()

	// Parent state at day 10, fork at day 20, parent moves on at day 30.
	require.NoError(t, testDB.AppendVersion(ctx,
		versionRec(t, model.EntityKingdom, entityID, main.ID, 1, wt(10), map[string]any{"treasury": 100})))
	child := forkBranch(t, main, "what-if-war", wt(20))
	require.NoError(t, testDB.AppendVersion(ctx,
		versionRec(t, model.EntityKingdom, entityID, main.ID, 2, wt(30), map[string]any{"treasury": 900})))

	// The fork never sees parent writes from after it diverged.
	v, err := testDB.ResolveVersion(ctx, model.EntityKingdom, entityID, child.ID, wt(40))
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, 1, v.Version)

	// The parent itself does.
	v, err = testDB.ResolveVersion(ctx, model.EntityKingdom, entityID, main.ID, wt(40))
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, 2, v.Version)

	// A branch-local write shadows the inherited state.
	require.NoError(t, testDB.AppendVersion(ctx,
		versionRec(t, model.EntityKingdom, entityID, child.ID, 2, wt(25), map[string]any{"treasury": 50})))
	v, err = testDB.ResolveVersion(ctx, model.EntityKingdom, entityID, child.ID, wt(40))
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, child.ID, v.BranchID)

	payload, err := codec.Decode(v.PayloadGz)
	require.NoError(t, err)
	assert.Equal(t, float64(50), payload["treasury"])
}

func TestResolveVersion_NilWhenNothingVisible(t *testing.T) {
	ctx := context.Background()
	c := createCampaign(t)
	branch := createRootBranch(t, c.ID)
	entityID := uuid.New()

	require.NoError(t, testDB.AppendVersion(ctx,
		versionRec(t, model.EntityKingdom, entityID, branch.ID, 1, wt(10), map[string]any{"treasury": 1})))

	// Before the first record the entity has no visible state.
	v, err := testDB.ResolveVersion(ctx, model.EntityKingdom, entityID, branch.ID, wt(5))
	require.NoError(t, err)
	assert.Nil(t, v)

	// Unknown entity resolves to nothing without error.
	v, err = testDB.ResolveVersion(ctx, model.EntityKingdom, uuid.New(), branch.ID, wt(50))
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestResolveVersionBefore_ExcludesBoundary(t *testing.T) {
	ctx := context.Background()
	c := createCampaign(t)
	branch := createRootBranch(t, c.ID)
	entityID := uuid.New()

	require.NoError(t, testDB.AppendVersion(ctx,
		versionRec(t, model.EntitySettlement, entityID, branch.ID, 1, wt(10), map[string]any{"population": 100})))
	require.NoError(t, testDB.AppendVersion(ctx,
		versionRec(t, model.EntitySettlement, entityID, branch.ID, 2, wt(20), map[string]any{"population": 200})))

	v, err := testDB.ResolveVersion(ctx, model.EntitySettlement, entityID, branch.ID, wt(20))
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, 2, v.Version)

	// Strictly-before excludes the record that became valid at the instant.
	v, err = testDB.ResolveVersionBefore(ctx, model.EntitySettlement, entityID, branch.ID, wt(20))
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, 1, v.Version)
}

func TestGetVersionsForBranchAndType_BranchLocalOnly(t *testing.T) {
	ctx := context.Background()
	c := createCampaign(t)
	main := createRootBranch(t, c.ID)
	child := forkBranch(t, main, "side", wt(15))

	inherited := uuid.New()
	local := uuid.New()
	require.NoError(t, testDB.AppendVersion(ctx,
		versionRec(t, model.EntitySettlement, inherited, main.ID, 1, wt(10), map[string]any{"population": 10})))
	require.NoError(t, testDB.AppendVersion(ctx,
		versionRec(t, model.EntitySettlement, local, child.ID, 1, wt(20), map[string]any{"population": 20})))
	require.NoError(t, testDB.AppendVersion(ctx,
		versionRec(t, model.EntitySettlement, local, child.ID, 2, wt(25), map[string]any{"population": 25})))

	records, err := testDB.GetVersionsForBranchAndType(ctx, child.ID, model.EntitySettlement, wt(40))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, local, records[0].EntityID)
	assert.Equal(t, 2, records[0].Version)
}

func TestGetVersion_NotFound(t *testing.T) {
	_, err := testDB.GetVersion(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// --- entity rows ---

func TestUpdateSettlement_OptimisticLock(t *testing.T) {
	ctx := context.Background()
	c := createCampaign(t)
	branch := createRootBranch(t, c.ID)
	k := createKingdom(t, c.ID, branch.ID, "Varneth")
	s := createSettlement(t, k.ID, branch.ID, "Duskford", 500)

	s.Population = 600
	s.Version = 2
	s.UpdatedAt = time.Now().UTC()
	rec := versionRec(t, model.EntitySettlement, s.ID, branch.ID, 2, wt(1), map[string]any{"population": 600})
	require.NoError(t, testDB.UpdateSettlementWithVersion(ctx, s, 1, rec))

	// Replaying the same expected version loses the race.
	s.Version = 3
	rec = versionRec(t, model.EntitySettlement, s.ID, branch.ID, 3, wt(2), map[string]any{"population": 700})
	err := testDB.UpdateSettlementWithVersion(ctx, s, 1, rec)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrOptimisticLock)

	var lockErr *errs.OptimisticLockError
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, 1, lockErr.Expected)
	assert.Equal(t, 2, lockErr.Actual)

	// A missing row is not-found, not a version conflict.
	ghost := *s
	ghost.ID = uuid.New()
	rec = versionRec(t, model.EntitySettlement, ghost.ID, branch.ID, 2, wt(2), map[string]any{})
	err = testDB.UpdateSettlementWithVersion(ctx, &ghost, 1, rec)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSoftDeleteEntity_Idempotent(t *testing.T) {
	ctx := context.Background()
	c := createCampaign(t)
	branch := createRootBranch(t, c.ID)
	k := createKingdom(t, c.ID, branch.ID, "Tharvan")

	changed, err := testDB.SoftDeleteEntity(ctx, model.EntityKingdom, k.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = testDB.SoftDeleteEntity(ctx, model.EntityKingdom, k.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = testDB.GetKingdom(ctx, k.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSetEntityArchived_Roundtrip(t *testing.T) {
	ctx := context.Background()
	c := createCampaign(t)
	branch := createRootBranch(t, c.ID)
	k := createKingdom(t, c.ID, branch.ID, "Ostwold")

	require.NoError(t, testDB.SetEntityArchived(ctx, model.EntityKingdom, k.ID, true, time.Now().UTC()))
	got, err := testDB.GetKingdom(ctx, k.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.ArchivedAt)

	require.NoError(t, testDB.SetEntityArchived(ctx, model.EntityKingdom, k.ID, false, time.Now().UTC()))
	got, err = testDB.GetKingdom(ctx, k.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ArchivedAt)
}

func TestGetEntityCampaign_WalksOwnership(t *testing.T) {
	ctx := context.Background()
	c := createCampaign(t)
	branch := createRootBranch(t, c.ID)
	k := createKingdom(t, c.ID, branch.ID, "Myrr")
	s := createSettlement(t, k.ID, branch.ID, "Bralwick", 120)

	now := time.Now().UTC()
	st := &model.Structure{
		ID: uuid.New(), SettlementID: s.ID, Name: "Granary", StructureType: "granary",
		Level: 1, Variables: map[string]any{}, Version: 1, CreatedAt: now, UpdatedAt: now,
	}
	rec := versionRec(t, model.EntityStructure, st.ID, branch.ID, 1, wt(0), map[string]any{"name": "Granary"})
	require.NoError(t, testDB.InsertStructureWithVersion(ctx, st, rec))

	for _, tc := range []struct {
		entityType model.EntityType
		id         uuid.UUID
	}{
		{model.EntityKingdom, k.ID},
		{model.EntitySettlement, s.ID},
		{model.EntityStructure, st.ID},
	} {
		got, err := testDB.GetEntityCampaign(ctx, tc.entityType, tc.id)
		require.NoError(t, err, "type %s", tc.entityType)
		assert.Equal(t, c.ID, got, "type %s", tc.entityType)
	}

	_, err := testDB.GetEntityCampaign(ctx, model.EntityKingdom, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// --- campaigns and membership ---

func TestAdvanceCampaignWorldTime(t *testing.T) {
	ctx := context.Background()
	c := createCampaign(t)

	require.NoError(t, testDB.AdvanceCampaignWorldTime(ctx, c.ID, wt(10), c.Version, time.Now().UTC()))

	got, err := testDB.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CurrentWorldTime)
	assert.True(t, got.CurrentWorldTime.Equal(wt(10)))
	assert.Equal(t, c.Version+1, got.Version)

	// Stale version loses.
	err = testDB.AdvanceCampaignWorldTime(ctx, c.ID, wt(20), c.Version, time.Now().UTC())
	assert.ErrorIs(t, err, errs.ErrOptimisticLock)

	// Deleted campaign is gone.
	_, err = testDB.SoftDeleteCampaign(ctx, c.ID, time.Now().UTC())
	require.NoError(t, err)
	err = testDB.AdvanceCampaignWorldTime(ctx, c.ID, wt(20), got.Version, time.Now().UTC())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCampaignMembers_Roundtrip(t *testing.T) {
	ctx := context.Background()
	c := createCampaign(t)
	userID := uuid.New()

	require.NoError(t, testDB.AddCampaignMember(ctx, &model.CampaignMember{
		CampaignID: c.ID, UserID: userID, Role: model.RolePlayer, JoinedAt: time.Now().UTC(),
	}))

	role, err := testDB.GetCampaignMemberRole(ctx, c.ID, userID)
	require.NoError(t, err)
	assert.Equal(t, model.RolePlayer, role)

	// Re-adding upgrades the role in place.
	require.NoError(t, testDB.AddCampaignMember(ctx, &model.CampaignMember{
		CampaignID: c.ID, UserID: userID, Role: model.RoleGM, JoinedAt: time.Now().UTC(),
	}))
	role, err = testDB.GetCampaignMemberRole(ctx, c.ID, userID)
	require.NoError(t, err)
	assert.Equal(t, model.RoleGM, role)

	members, err := testDB.ListCampaignMembers(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)

	require.NoError(t, testDB.RemoveCampaignMember(ctx, c.ID, userID))
	_, err = testDB.GetCampaignMemberRole(ctx, c.ID, userID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// --- branches ---

func TestGetBranchChain_ChildFirst(t *testing.T) {
	ctx := context.Background()
	c := createCampaign(t)
	main := createRootBranch(t, c.ID)
	mid := forkBranch(t, main, "season-two", wt(10))
	leaf := forkBranch(t, mid, "finale-draft", wt(20))

	chain, err := testDB.GetBranchChain(ctx, leaf.ID)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, leaf.ID, chain[0].ID)
	assert.Equal(t, mid.ID, chain[1].ID)
	assert.Equal(t, main.ID, chain[2].ID)
}

func TestSoftDeleteBranch_KeepsResolutionWorking(t *testing.T) {
	ctx := context.Background()
	c := createCampaign(t)
	main := createRootBranch(t, c.ID)
	mid := forkBranch(t, main, "doomed", wt(10))
	leaf := forkBranch(t, mid, "survivor", wt(20))

	entityID := uuid.New()
	require.NoError(t, testDB.AppendVersion(ctx,
		versionRec(t, model.EntityKingdom, entityID, main.ID, 1, wt(5), map[string]any{"treasury": 7})))

	changed, err := testDB.SoftDeleteBranch(ctx, mid.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = testDB.SoftDeleteBranch(ctx, mid.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, changed)

	// Resolution still walks through the deleted intermediate branch.
	v, err := testDB.ResolveVersion(ctx, model.EntityKingdom, entityID, leaf.ID, wt(30))
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, 1, v.Version)

	branches, err := testDB.ListBranchesByCampaign(ctx, c.ID)
	require.NoError(t, err)
	for _, b := range branches {
		assert.NotEqual(t, mid.ID, b.ID)
	}
}

func TestWriteMergeTx_Atomic(t *testing.T) {
	ctx := context.Background()
	c := createCampaign(t)
	main := createRootBranch(t, c.ID)
	side := forkBranch(t, main, "raid-aftermath", wt(10))

	entityID := uuid.New()
	merged := versionRec(t, model.EntityKingdom, entityID, main.ID, 3, wt(30), map[string]any{"treasury": 42})
	history := &model.MergeHistory{
		ID:               uuid.New(),
		SourceBranchID:   side.ID,
		TargetBranchID:   main.ID,
		CommonAncestorID: main.ID,
		WorldTime:        wt(30),
		MergedBy:         uuid.New(),
		MergedAt:         time.Now().UTC(),
		EntitiesMerged:   1,
		ResolutionsData:  map[string]any{},
		Metadata:         map[string]any{},
	}
	require.NoError(t, testDB.WriteMergeTx(ctx, []*model.VersionRecord{merged}, history))

	// Both sides of the merge see the history row.
	for _, branchID := range []uuid.UUID{main.ID, side.ID} {
		entries, err := testDB.ListMergeHistoryForBranch(ctx, branchID)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, history.ID, entries[0].ID)
	}

	v, err := testDB.ResolveVersion(ctx, model.EntityKingdom, entityID, main.ID, wt(30))
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, 3, v.Version)

	// A failing record rolls the history row back with it.
	dup := versionRec(t, model.EntityKingdom, entityID, main.ID, 3, wt(40), map[string]any{"treasury": 99})
	badHistory := &model.MergeHistory{
		ID:               uuid.New(),
		SourceBranchID:   side.ID,
		TargetBranchID:   main.ID,
		CommonAncestorID: main.ID,
		WorldTime:        wt(40),
		MergedBy:         uuid.New(),
		MergedAt:         time.Now().UTC(),
		ResolutionsData:  map[string]any{},
		Metadata:         map[string]any{},
	}
	err = testDB.WriteMergeTx(ctx, []*model.VersionRecord{dup}, badHistory)
	require.Error(t, err)

	entries, err := testDB.ListMergeHistoryForBranch(ctx, main.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// --- state variables ---

func TestStateVariables_InsertAndUniqueness(t *testing.T) {
	ctx := context.Background()
	c := createCampaign(t)
	branch := createRootBranch(t, c.ID)
	k := createKingdom(t, c.ID, branch.ID, "Velwyn")
	now := time.Now().UTC()

	v := &model.StateVariable{
		ID:        uuid.New(),
		Scope:     model.ScopeKingdom,
		ScopeID:   &k.ID,
		Key:       "tax_rate",
		Type:      model.VarFloat,
		Value:     0.15,
		IsActive:  true,
		Version:   1,
		CreatedBy: uuid.New(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, testDB.InsertStateVariable(ctx, v, nil))

	got, err := testDB.GetStateVariable(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, "tax_rate", got.Key)
	assert.Equal(t, 0.15, got.Value)
	assert.Nil(t, got.Formula)

	// Same key on the same scope entity collides while the row is live.
	dup := *v
	dup.ID = uuid.New()
	err = testDB.InsertStateVariable(ctx, &dup, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrBadRequest)
	assert.Equal(t, errs.CodeInvalidInput, errs.Code(err))

	// After a soft delete the key is free again.
	changed, err := testDB.SoftDeleteStateVariable(ctx, v.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, changed)
	require.NoError(t, testDB.InsertStateVariable(ctx, &dup, nil))
}

func TestStateVariables_DerivedShape(t *testing.T) {
	ctx := context.Background()
	c := createCampaign(t)
	now := time.Now().UTC()

	derived := &model.StateVariable{
		ID:      uuid.New(),
		Scope:   model.ScopeCampaign,
		ScopeID: &c.ID,
		Key:     "prosperity",
		Type:    model.VarDerived,
		Formula: map[string]any{
			"+": []any{map[string]any{"var": "campaign.base_prosperity"}, float64(1)},
		},
		IsActive:  true,
		Version:   1,
		CreatedBy: uuid.New(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, testDB.InsertStateVariable(ctx, derived, nil))

	got, err := testDB.GetStateVariable(ctx, derived.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Value)
	require.NotNil(t, got.Formula)
	assert.Contains(t, got.Formula, "+")
}

func TestStateVariables_UpdateOptimisticLock(t *testing.T) {
	ctx := context.Background()
	c := createCampaign(t)
	now := time.Now().UTC()

	v := &model.StateVariable{
		ID: uuid.New(), Scope: model.ScopeCampaign, ScopeID: &c.ID,
		Key: "weather", Type: model.VarString, Value: "clear",
		IsActive: true, Version: 1, CreatedBy: uuid.New(), CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, testDB.InsertStateVariable(ctx, v, nil))

	updater := uuid.New()
	v.Value = "storm"
	v.Version = 2
	v.UpdatedBy = &updater
	v.UpdatedAt = time.Now().UTC()
	require.NoError(t, testDB.UpdateStateVariableWithVersion(ctx, v, 1, nil))

	got, err := testDB.GetStateVariable(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, "storm", got.Value)
	require.NotNil(t, got.UpdatedBy)
	assert.Equal(t, updater, *got.UpdatedBy)

	v.Version = 3
	err = testDB.UpdateStateVariableWithVersion(ctx, v, 1, nil)
	assert.ErrorIs(t, err, errs.ErrOptimisticLock)
}

func TestFindVariablesByScope_WorldAndOrdering(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	mk := func(key string, active bool) *model.StateVariable {
		return &model.StateVariable{
			ID: uuid.New(), Scope: model.ScopeWorld, Key: key, Type: model.VarInteger,
			Value: 1, IsActive: active, Version: 1, CreatedBy: uuid.New(),
			CreatedAt: now, UpdatedAt: now,
		}
	}
	// Unique world-scoped keys for this test run.
	prefix := fmt.Sprintf("wv_%s_", uuid.New().String()[:8])
	require.NoError(t, testDB.InsertStateVariable(ctx, mk(prefix+"b", true), nil))
	require.NoError(t, testDB.InsertStateVariable(ctx, mk(prefix+"a", true), nil))
	require.NoError(t, testDB.InsertStateVariable(ctx, mk(prefix+"c", false), nil))

	all, err := testDB.FindVariablesByScope(ctx, model.ScopeWorld, nil, true)
	require.NoError(t, err)
	var keys []string
	for _, v := range all {
		if len(v.Key) > len(prefix) && v.Key[:len(prefix)] == prefix {
			keys = append(keys, v.Key)
		}
	}
	assert.Equal(t, []string{prefix + "a", prefix + "b", prefix + "c"}, keys)

	active, err := testDB.FindVariablesByScope(ctx, model.ScopeWorld, nil, false)
	require.NoError(t, err)
	for _, v := range active {
		assert.True(t, v.IsActive)
	}
}

func TestListVariablesByCampaign_CrossesOwnershipChain(t *testing.T) {
	ctx := context.Background()
	c := createCampaign(t)
	other := createCampaign(t)
	branch := createRootBranch(t, c.ID)
	otherBranch := createRootBranch(t, other.ID)

	k := createKingdom(t, c.ID, branch.ID, "Casvel")
	s := createSettlement(t, k.ID, branch.ID, "Harrowgate", 800)
	foreign := createKingdom(t, other.ID, otherBranch.ID, "Elsewhere")

	now := time.Now().UTC()
	insert := func(scope model.VariableScope, scopeID *uuid.UUID, key string) uuid.UUID {
		v := &model.StateVariable{
			ID: uuid.New(), Scope: scope, ScopeID: scopeID, Key: key,
			Type: model.VarInteger, Value: 1, IsActive: true, Version: 1,
			CreatedBy: uuid.New(), CreatedAt: now, UpdatedAt: now,
		}
		require.NoError(t, testDB.InsertStateVariable(ctx, v, nil))
		return v.ID
	}

	wantIDs := []uuid.UUID{
		insert(model.ScopeCampaign, &c.ID, "morale"),
		insert(model.ScopeKingdom, &k.ID, "stability"),
		insert(model.ScopeSettlement, &s.ID, "population_growth"),
	}
	foreignID := insert(model.ScopeKingdom, &foreign.ID, "stability")

	vars, err := testDB.ListVariablesByCampaign(ctx, c.ID)
	require.NoError(t, err)

	got := make(map[uuid.UUID]bool, len(vars))
	for _, v := range vars {
		got[v.ID] = true
	}
	for _, id := range wantIDs {
		assert.True(t, got[id], "variable %s should be reachable from the campaign", id)
	}
	assert.False(t, got[foreignID], "foreign campaign's variable must not leak")
}

// --- events and structures ---

func TestFindDueEvents_GraceWindow(t *testing.T) {
	ctx := context.Background()
	c := createCampaign(t)
	branch := createRootBranch(t, c.ID)
	now := time.Now().UTC()

	mkEvent := func(name string, scheduledAt *time.Time, resolvedAt *time.Time) {
		e := &model.Event{
			ID: uuid.New(), CampaignID: c.ID, Name: name, EventType: "omen",
			ScheduledAt: scheduledAt, ResolvedAt: resolvedAt,
			Payload: map[string]any{}, Variables: map[string]any{},
			Version: 1, CreatedAt: now, UpdatedAt: now,
		}
		rec := versionRec(t, model.EntityEvent, e.ID, branch.ID, 1, wt(0), map[string]any{"name": name})
		require.NoError(t, testDB.InsertEventWithVersion(ctx, e, rec))
	}

	due := wt(10)
	inWindow := wt(10).Add(2 * time.Minute)
	farOut := wt(10).Add(48 * time.Hour)
	past := wt(5)

	mkEvent("eclipse", &due, nil)
	mkEvent("comet", &inWindow, nil)
	mkEvent("harvest", &farOut, nil)
	mkEvent("old-omen", &past, &past)
	mkEvent("unscheduled", nil, nil)

	events, err := testDB.FindDueEvents(ctx, c.ID, wt(10), 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "eclipse", events[0].Name)
	assert.Equal(t, "comet", events[1].Name)
}

func TestCountStructuresByType(t *testing.T) {
	ctx := context.Background()
	c := createCampaign(t)
	branch := createRootBranch(t, c.ID)
	k := createKingdom(t, c.ID, branch.ID, "Dren")
	s := createSettlement(t, k.ID, branch.ID, "Millbrook", 300)
	now := time.Now().UTC()

	mkStructure := func(name, structureType string) {
		st := &model.Structure{
			ID: uuid.New(), SettlementID: s.ID, Name: name, StructureType: structureType,
			Level: 1, Variables: map[string]any{}, Version: 1, CreatedAt: now, UpdatedAt: now,
		}
		rec := versionRec(t, model.EntityStructure, st.ID, branch.ID, 1, wt(0), map[string]any{"name": name})
		require.NoError(t, testDB.InsertStructureWithVersion(ctx, st, rec))
	}
	mkStructure("North Mill", "mill")
	mkStructure("South Mill", "mill")
	mkStructure("Temple of Dawn", "temple")

	n, err := testDB.CountStructuresByType(ctx, s.ID, "mill")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = testDB.CountStructuresByType(ctx, s.ID, "harbor")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// --- notify ---

func TestListenNotify_Roundtrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, testDB.Listen(ctx, storage.ChannelMutations))
	require.NoError(t, testDB.Notify(ctx, storage.ChannelMutations, `{"entity_type":"kingdom"}`))

	channel, payload, err := testDB.WaitForNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.ChannelMutations, channel)
	assert.Contains(t, payload, "kingdom")
}

func TestRunMigrations_Idempotent(t *testing.T) {
	// The suite already ran them once in TestMain; a second pass must skip
	// every file without error.
	err := testDB.RunMigrations(context.Background(), migrations.FS)
	require.NoError(t, err)
}

func TestWithRetry_SurfacesNonRetriableErrors(t *testing.T) {
	ctx := context.Background()
	sentinel := errors.New("boom")
	calls := 0
	err := storage.WithRetry(ctx, 3, time.Millisecond, func() error {
		calls++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_RetriesSerializationFailures(t *testing.T) {
	ctx := context.Background()
	calls := 0
	err := storage.WithRetry(ctx, 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001", Message: "could not serialize access"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_GivesUpAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	calls := 0
	err := storage.WithRetry(ctx, 2, time.Millisecond, func() error {
		calls++
		return &pgconn.PgError{Code: "40P01", Message: "deadlock detected"}
	})
	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, "40P01", pgErr.Code)
	assert.Equal(t, 3, calls)
}
