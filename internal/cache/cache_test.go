package cache

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loreweave/chronicle/internal/model"
)

// storeUnderTest runs the same contract against both backends.
func storeUnderTest(t *testing.T, name string) Store {
	t.Helper()
	switch name {
	case "memory":
		m := NewMemory()
		t.Cleanup(func() { _ = m.Close() })
		return m
	case "redis":
		mr := miniredis.RunT(t)
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
		r, err := NewRedis(context.Background(), "redis://"+mr.Addr(), logger)
		require.NoError(t, err)
		t.Cleanup(func() { _ = r.Close() })
		return r
	default:
		t.Fatalf("unknown backend %s", name)
		return nil
	}
}

func TestStoreContract(t *testing.T) {
	for _, backend := range []string{"memory", "redis"} {
		t.Run(backend, func(t *testing.T) {
			s := storeUnderTest(t, backend)
			ctx := context.Background()

			t.Run("get miss", func(t *testing.T) {
				_, ok, err := s.Get(ctx, "absent")
				require.NoError(t, err)
				assert.False(t, ok)
			})

			t.Run("set get delete", func(t *testing.T) {
				require.NoError(t, s.Set(ctx, "k1", []byte(`{"prosperity":0.4}`), time.Minute))
				v, ok, err := s.Get(ctx, "k1")
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, []byte(`{"prosperity":0.4}`), v)

				require.NoError(t, s.Delete(ctx, "k1"))
				_, ok, err = s.Get(ctx, "k1")
				require.NoError(t, err)
				assert.False(t, ok)
			})

			t.Run("zero ttl is a no-op", func(t *testing.T) {
				require.NoError(t, s.Set(ctx, "k2", []byte("x"), 0))
				_, ok, err := s.Get(ctx, "k2")
				require.NoError(t, err)
				assert.False(t, ok)
			})

			t.Run("delete by prefix", func(t *testing.T) {
				entityID := uuid.New()
				branchA, branchB := uuid.New(), uuid.New()
				keyA := ComputedFieldsKey(model.EntitySettlement, entityID, branchA)
				keyB := ComputedFieldsKey(model.EntitySettlement, entityID, branchB)
				other := ComputedFieldsKey(model.EntitySettlement, uuid.New(), branchA)

				for _, k := range []string{keyA, keyB, other} {
					require.NoError(t, s.Set(ctx, k, []byte("v"), time.Minute))
				}

				require.NoError(t, s.DeleteByPrefix(ctx, ComputedFieldsPrefix(model.EntitySettlement, entityID)))

				_, ok, _ := s.Get(ctx, keyA)
				assert.False(t, ok)
				_, ok, _ = s.Get(ctx, keyB)
				assert.False(t, ok)
				_, ok, _ = s.Get(ctx, other)
				assert.True(t, ok, "unrelated entity survives the prefix eviction")
			})
		})
	}
}

func TestMemory_Expiry(t *testing.T) {
	m := NewMemory()
	t.Cleanup(func() { _ = m.Close() })
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)
	_, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedis_Expiry(t *testing.T) {
	mr := miniredis.RunT(t)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	r, err := NewRedis(context.Background(), "redis://"+mr.Addr(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "k", []byte("v"), time.Second))
	mr.FastForward(2 * time.Second)
	_, ok, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeys(t *testing.T) {
	entityID := uuid.MustParse("7f9c24e8-3b12-4b8f-9f1a-000000000001")
	branchID := uuid.MustParse("7f9c24e8-3b12-4b8f-9f1a-000000000002")

	assert.Equal(t,
		"computed-fields:settlement:"+entityID.String()+":"+branchID.String(),
		ComputedFieldsKey(model.EntitySettlement, entityID, branchID))
	assert.Equal(t,
		"campaign-context:"+entityID.String(),
		CampaignContextKey(entityID))
}
