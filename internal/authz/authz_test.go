package authz_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loreweave/chronicle/internal/authz"
	"github.com/loreweave/chronicle/internal/codec"
	"github.com/loreweave/chronicle/internal/errs"
	"github.com/loreweave/chronicle/internal/model"
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

func newGuard(t *testing.T) *authz.Guard {
	t.Helper()
	return authz.NewGuard(testDB, nil, testutil.TestLogger())
}

type campaignFixture struct {
	world    *model.World
	campaign *model.Campaign
	branch   *model.Branch
	owner    uuid.UUID
}

func createCampaign(t *testing.T) campaignFixture {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	owner := uuid.New()

	world := &model.World{ID: uuid.New(), Name: "Aerwyn", OwnerID: owner, CreatedAt: now}
	require.NoError(t, testDB.InsertWorld(ctx, world))

	campaign := &model.Campaign{
		ID: uuid.New(), WorldID: world.ID, OwnerID: owner, Name: "Shattered Crowns",
		Settings: map[string]any{}, Version: 1, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, testDB.InsertCampaign(ctx, campaign))

	branch := &model.Branch{
		ID: uuid.New(), CampaignID: campaign.ID, Name: "main", Tags: []string{},
		CreatedBy: owner, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, testDB.InsertBranch(ctx, branch))

	return campaignFixture{world: world, campaign: campaign, branch: branch, owner: owner}
}

func addMember(t *testing.T, campaignID uuid.UUID, role model.Role) uuid.UUID {
	t.Helper()
	userID := uuid.New()
	require.NoError(t, testDB.AddCampaignMember(context.Background(), &model.CampaignMember{
		CampaignID: campaignID, UserID: userID, Role: role, JoinedAt: time.Now().UTC(),
	}))
	return userID
}

func insertKingdom(t *testing.T, fix campaignFixture) *model.Kingdom {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	k := &model.Kingdom{
		ID: uuid.New(), CampaignID: fix.campaign.ID, Name: "Tarveth",
		Treasury: 100, Variables: map[string]any{}, Version: 1, CreatedAt: now, UpdatedAt: now,
	}
	payload := map[string]any{"name": k.Name}
	gz, err := codec.Encode(payload)
	require.NoError(t, err)
	sum, err := codec.Checksum(payload)
	require.NoError(t, err)
	rec := &model.VersionRecord{
		ID: uuid.New(), EntityType: model.EntityKingdom, EntityID: k.ID,
		BranchID: fix.branch.ID, Version: 1, ValidFrom: now, PayloadGz: gz,
		Checksum: sum, CreatedBy: fix.owner, CreatedAt: now,
	}
	require.NoError(t, testDB.InsertKingdomWithVersion(ctx, k, rec))
	return k
}

func TestRequireCampaignAccess_OwnerImplicit(t *testing.T) {
	g := newGuard(t)
	fix := createCampaign(t)

	role, err := g.RequireCampaignAccess(context.Background(), fix.campaign.ID, fix.owner)
	require.NoError(t, err)
	assert.Equal(t, model.RoleOwner, role)
}

func TestRequireCampaignAccess_MemberRole(t *testing.T) {
	g := newGuard(t)
	fix := createCampaign(t)
	player := addMember(t, fix.campaign.ID, model.RolePlayer)

	role, err := g.RequireCampaignAccess(context.Background(), fix.campaign.ID, player)
	require.NoError(t, err)
	assert.Equal(t, model.RolePlayer, role)
}

func TestRequireCampaignAccess_HidesFromStrangers(t *testing.T) {
	g := newGuard(t)
	fix := createCampaign(t)

	// Non-member, deleted campaign, and unknown campaign are all the same
	// NotFound from the outside.
	_, err := g.RequireCampaignAccess(context.Background(), fix.campaign.ID, uuid.New())
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = g.RequireCampaignAccess(context.Background(), uuid.New(), fix.owner)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, derr := testDB.SoftDeleteCampaign(context.Background(), fix.campaign.ID, time.Now().UTC())
	require.NoError(t, derr)
	_, err = g.RequireCampaignAccess(context.Background(), fix.campaign.ID, fix.owner)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestRequireMergeRole(t *testing.T) {
	g := newGuard(t)
	fix := createCampaign(t)
	gm := addMember(t, fix.campaign.ID, model.RoleGM)
	player := addMember(t, fix.campaign.ID, model.RolePlayer)
	observer := addMember(t, fix.campaign.ID, model.RoleObserver)

	ctx := context.Background()

	_, err := g.RequireMergeRole(ctx, fix.campaign.ID, fix.owner)
	assert.NoError(t, err)
	_, err = g.RequireMergeRole(ctx, fix.campaign.ID, gm)
	assert.NoError(t, err)

	// Members below GM are known to exist, so the denial is Forbidden.
	_, err = g.RequireMergeRole(ctx, fix.campaign.ID, player)
	assert.ErrorIs(t, err, errs.ErrForbidden)
	_, err = g.RequireMergeRole(ctx, fix.campaign.ID, observer)
	assert.ErrorIs(t, err, errs.ErrForbidden)

	// Strangers stay hidden rather than forbidden.
	_, err = g.RequireMergeRole(ctx, fix.campaign.ID, uuid.New())
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestRequireEntityAccess_ResolvesOwnership(t *testing.T) {
	g := newGuard(t)
	fix := createCampaign(t)
	k := insertKingdom(t, fix)

	campaignID, role, err := g.RequireEntityAccess(context.Background(), model.EntityKingdom, k.ID, fix.owner)
	require.NoError(t, err)
	assert.Equal(t, fix.campaign.ID, campaignID)
	assert.Equal(t, model.RoleOwner, role)

	// Strangers cannot learn the entity exists.
	_, _, err = g.RequireEntityAccess(context.Background(), model.EntityKingdom, k.ID, uuid.New())
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, _, err = g.RequireEntityAccess(context.Background(), model.EntityKingdom, uuid.New(), fix.owner)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestRequireBranchAccess(t *testing.T) {
	g := newGuard(t)
	fix := createCampaign(t)
	player := addMember(t, fix.campaign.ID, model.RolePlayer)
	ctx := context.Background()

	branch, role, err := g.RequireBranchAccess(ctx, fix.branch.ID, player)
	require.NoError(t, err)
	assert.Equal(t, fix.branch.ID, branch.ID)
	assert.Equal(t, model.RolePlayer, role)

	_, _, err = g.RequireBranchAccess(ctx, fix.branch.ID, uuid.New())
	assert.ErrorIs(t, err, errs.ErrNotFound)

	// Deleted branches are hidden even from members.
	_, derr := testDB.SoftDeleteBranch(ctx, fix.branch.ID, time.Now().UTC())
	require.NoError(t, derr)
	_, _, err = g.RequireBranchAccess(ctx, fix.branch.ID, player)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestRequireScopeAccess(t *testing.T) {
	g := newGuard(t)
	fix := createCampaign(t)
	k := insertKingdom(t, fix)
	stranger := uuid.New()
	ctx := context.Background()

	// WORLD is open to everyone, even strangers.
	campaignID, err := g.RequireScopeAccess(ctx, model.ScopeWorld, nil, stranger)
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, campaignID)

	campaignID, err = g.RequireScopeAccess(ctx, model.ScopeCampaign, &fix.campaign.ID, fix.owner)
	require.NoError(t, err)
	assert.Equal(t, fix.campaign.ID, campaignID)

	campaignID, err = g.RequireScopeAccess(ctx, model.ScopeKingdom, &k.ID, fix.owner)
	require.NoError(t, err)
	assert.Equal(t, fix.campaign.ID, campaignID)

	_, err = g.RequireScopeAccess(ctx, model.ScopeKingdom, &k.ID, stranger)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	// A non-world scope without a scope id is malformed, not hidden.
	_, err = g.RequireScopeAccess(ctx, model.ScopeKingdom, nil, fix.owner)
	assert.ErrorIs(t, err, errs.ErrBadRequest)
	assert.Equal(t, errs.CodeBadScope, errs.Code(err))
}

func TestRequireScopeAccess_LocationIsWorldBound(t *testing.T) {
	g := newGuard(t)
	fix := createCampaign(t)
	ctx := context.Background()
	now := time.Now().UTC()

	loc := &model.Location{
		ID: uuid.New(), WorldID: fix.world.ID, Name: "The Sunken Vale",
		LocationType: "region", Variables: map[string]any{},
		Version: 1, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, testDB.InsertLocation(ctx, loc))

	// Locations carry no campaign, so existence is the whole check.
	campaignID, err := g.RequireScopeAccess(ctx, model.ScopeLocation, &loc.ID, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, campaignID)

	ghost := uuid.New()
	_, err = g.RequireScopeAccess(ctx, model.ScopeLocation, &ghost, fix.owner)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestGuard_GrantCacheInvalidation(t *testing.T) {
	cache := authz.NewGrantCache(time.Minute)
	defer cache.Close()
	g := authz.NewGuard(testDB, cache, testutil.TestLogger())

	fix := createCampaign(t)
	player := addMember(t, fix.campaign.ID, model.RolePlayer)
	ctx := context.Background()

	role, err := g.RequireCampaignAccess(ctx, fix.campaign.ID, player)
	require.NoError(t, err)
	assert.Equal(t, model.RolePlayer, role)

	// Removing the membership row alone leaves the cached grant serving.
	require.NoError(t, testDB.RemoveCampaignMember(ctx, fix.campaign.ID, player))
	role, err = g.RequireCampaignAccess(ctx, fix.campaign.ID, player)
	require.NoError(t, err)
	assert.Equal(t, model.RolePlayer, role)

	// Eviction makes the removal visible.
	g.Invalidate(fix.campaign.ID, player)
	_, err = g.RequireCampaignAccess(ctx, fix.campaign.ID, player)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}
