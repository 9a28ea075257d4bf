package audit_test

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
	"github.com/loreweave/chronicle/internal/ctxutil"
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

// newRecorder returns a started recorder that only flushes on Drain, so
// tests control exactly when entries become visible.
func newRecorder(t *testing.T, maxBatch int) *audit.Recorder {
	t.Helper()
	r := audit.NewRecorder(testDB, testutil.TestLogger(), maxBatch, time.Hour)
	r.Start(context.Background())
	return r
}

func TestRecorder_RecordDrainList(t *testing.T) {
	ctx := context.Background()
	r := newRecorder(t, 1000)

	entityID := uuid.New()
	userID := uuid.New()
	reason := "player request"

	r.Record(ctx, audit.Entry{
		EntityType: model.EntityKingdom,
		EntityID:   entityID,
		Operation:  model.OpCreate,
		UserID:     userID,
		Next:       map[string]any{"name": "Velmora", "treasury": float64(500)},
		Metadata:   map[string]any{"branch_id": uuid.New().String()},
	})
	// Ordering below relies on distinct created_at microseconds.
	time.Sleep(2 * time.Millisecond)
	r.Record(ctx, audit.Entry{
		EntityType: model.EntityKingdom,
		EntityID:   entityID,
		Operation:  model.OpDelete,
		UserID:     userID,
		Reason:     &reason,
	})

	assert.Equal(t, 2, r.Len())

	// Buffered entries are not queryable yet.
	entries, err := r.List(ctx, model.AuditFilter{EntityID: &entityID})
	require.NoError(t, err)
	assert.Empty(t, entries)

	drainCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	r.Drain(drainCtx)
	assert.Equal(t, 0, r.Len())

	entries, err = r.List(ctx, model.AuditFilter{EntityID: &entityID})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Newest first.
	assert.Equal(t, model.OpDelete, entries[0].Operation)
	require.NotNil(t, entries[0].Reason)
	assert.Equal(t, reason, *entries[0].Reason)

	assert.Equal(t, model.OpCreate, entries[1].Operation)
	assert.Equal(t, userID, entries[1].UserID)
	assert.Equal(t, "Velmora", entries[1].NewState["name"])
	assert.Contains(t, entries[1].Metadata, "branch_id")
}

func TestRecorder_ReasonFromContext(t *testing.T) {
	ctx := ctxutil.WithReason(context.Background(), "session 14 retcon")
	r := newRecorder(t, 1000)
	entityID := uuid.New()

	explicit := "rolled back by the table"
	r.Record(ctx, audit.Entry{
		EntityType: model.EntityEvent,
		EntityID:   entityID,
		Operation:  model.OpUpdate,
		UserID:     uuid.New(),
	})
	time.Sleep(2 * time.Millisecond)
	// An entry-level reason wins over the context one.
	r.Record(ctx, audit.Entry{
		EntityType: model.EntityEvent,
		EntityID:   entityID,
		Operation:  model.OpDelete,
		UserID:     uuid.New(),
		Reason:     &explicit,
	})

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r.Drain(drainCtx)

	entries, err := r.List(context.Background(), model.AuditFilter{EntityID: &entityID})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	require.NotNil(t, entries[0].Reason)
	assert.Equal(t, explicit, *entries[0].Reason)
	require.NotNil(t, entries[1].Reason)
	assert.Equal(t, "session 14 retcon", *entries[1].Reason)
}

func TestRecorder_DerivesDiffFromSnapshots(t *testing.T) {
	ctx := context.Background()
	r := newRecorder(t, 1000)
	entityID := uuid.New()

	r.Record(ctx, audit.Entry{
		EntityType: model.EntitySettlement,
		EntityID:   entityID,
		Operation:  model.OpUpdate,
		UserID:     uuid.New(),
		Previous:   map[string]any{"population": float64(500), "name": "Duskford"},
		Next:       map[string]any{"population": float64(650), "name": "Duskford", "level": float64(2)},
	})

	drainCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	r.Drain(drainCtx)

	entries, err := r.List(ctx, model.AuditFilter{EntityID: &entityID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]

	require.NotNil(t, e.Diff)
	modified, ok := e.Diff["modified"].(map[string]any)
	require.True(t, ok, "diff should carry a modified section, got %v", e.Diff)
	pop, ok := modified["population"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(500), pop["old"])
	assert.Equal(t, float64(650), pop["new"])

	added, ok := e.Diff["added"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(2), added["level"])

	// Changes falls back to the derived diff when the caller gave none.
	assert.Equal(t, e.Diff, e.Changes)
}

func TestRecorder_NoDiffWhenSnapshotsEqual(t *testing.T) {
	ctx := context.Background()
	r := newRecorder(t, 1000)
	entityID := uuid.New()

	snapshot := map[string]any{"status": "ACTIVE"}
	r.Record(ctx, audit.Entry{
		EntityType: model.EntityEncounter,
		EntityID:   entityID,
		Operation:  model.OpUpdate,
		UserID:     uuid.New(),
		Previous:   snapshot,
		Next:       snapshot,
	})

	drainCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	r.Drain(drainCtx)

	entries, err := r.List(ctx, model.AuditFilter{EntityID: &entityID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].Diff)
}

func TestRecorder_BatchSizeTriggersFlush(t *testing.T) {
	ctx := context.Background()
	r := newRecorder(t, 2)
	entityID := uuid.New()

	for i := 0; i < 2; i++ {
		r.Record(ctx, audit.Entry{
			EntityType: model.EntityParty,
			EntityID:   entityID,
			Operation:  model.OpUpdate,
			UserID:     uuid.New(),
		})
	}

	// Reaching maxBatch wakes the flush loop without waiting for the timer.
	require.Eventually(t, func() bool {
		entries, err := r.List(ctx, model.AuditFilter{EntityID: &entityID})
		return err == nil && len(entries) == 2
	}, 5*time.Second, 50*time.Millisecond)

	drainCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	r.Drain(drainCtx)
}

func TestRecorder_ListFilters(t *testing.T) {
	ctx := context.Background()
	r := newRecorder(t, 1000)

	alice := uuid.New()
	bob := uuid.New()
	entityID := uuid.New()

	r.Record(ctx, audit.Entry{
		EntityType: model.EntityCharacter, EntityID: entityID,
		Operation: model.OpCreate, UserID: alice,
	})
	time.Sleep(2 * time.Millisecond)
	r.Record(ctx, audit.Entry{
		EntityType: model.EntityCharacter, EntityID: entityID,
		Operation: model.OpUpdate, UserID: bob,
	})
	time.Sleep(2 * time.Millisecond)
	r.Record(ctx, audit.Entry{
		EntityType: model.EntityCharacter, EntityID: entityID,
		Operation: model.OpArchive, UserID: alice,
	})

	drainCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	r.Drain(drainCtx)

	op := model.OpUpdate
	entries, err := r.List(ctx, model.AuditFilter{EntityID: &entityID, Operation: &op})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, bob, entries[0].UserID)

	entries, err = r.List(ctx, model.AuditFilter{EntityID: &entityID, UserID: &alice})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	past := time.Now().UTC().Add(-time.Minute)
	entries, err = r.List(ctx, model.AuditFilter{EntityID: &entityID, Since: &past})
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	entries, err = r.List(ctx, model.AuditFilter{EntityID: &entityID, Until: &past})
	require.NoError(t, err)
	assert.Empty(t, entries)

	entries, err = r.List(ctx, model.AuditFilter{EntityID: &entityID, Limit: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.OpArchive, entries[0].Operation)
}

func TestRecorder_DropsAtCapacity(t *testing.T) {
	ctx := context.Background()

	// Not started: nothing flushes, so the buffer genuinely fills.
	r := audit.NewRecorder(testDB, testutil.TestLogger(), 1_000_000, time.Hour)

	entityID := uuid.New()
	const overflow = 25
	for i := 0; i < 50_000+overflow; i++ {
		r.Record(ctx, audit.Entry{
			EntityType: model.EntityKingdom,
			EntityID:   entityID,
			Operation:  model.OpUpdate,
			UserID:     entityID,
		})
	}

	assert.Equal(t, 50_000, r.Len())
	assert.Equal(t, int64(overflow), r.Dropped())
}
