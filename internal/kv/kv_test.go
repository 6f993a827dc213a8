package kv

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/flowforge/internal/common/config"
	"github.com/flowforge/flowforge/internal/common/logger"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStore(config.RedisConfig{
		Addr:        mr.Addr(),
		DialTimeout: 1,
		KVTimeout:   1,
	}, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

// stores under test: both adapters must honor identical semantics.
func stores(t *testing.T) map[string]Store {
	redisStore, _ := newRedisStore(t)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  redisStore,
	}
}

func TestStore_SetGetDel(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := store.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, store.Set(ctx, "k", "v", 0))
			val, ok, err := store.Get(ctx, "k")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "v", val)

			require.NoError(t, store.Del(ctx, "k"))
			_, ok, err = store.Get(ctx, "k")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStore_Incr(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			n, err := store.Incr(ctx, "counter")
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			n, err = store.Incr(ctx, "counter")
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)
		})
	}
}

func TestStore_CAS(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			// Empty expected matches an absent key.
			ok, err := store.CAS(ctx, "k", "", "v1", 0)
			require.NoError(t, err)
			assert.True(t, ok)

			// A second absent-expected CAS is a replay and must fail.
			ok, err = store.CAS(ctx, "k", "", "v2", 0)
			require.NoError(t, err)
			assert.False(t, ok)

			// Swap with the correct expected value.
			ok, err = store.CAS(ctx, "k", "v1", "v2", 0)
			require.NoError(t, err)
			assert.True(t, ok)

			// Swap with a stale expected value.
			ok, err = store.CAS(ctx, "k", "v1", "v3", 0)
			require.NoError(t, err)
			assert.False(t, ok)

			val, _, err := store.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, "v2", val)
		})
	}
}

func TestStore_CompareAndDelete(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Set(ctx, "k", "owner-a", 0))

			ok, err := store.CompareAndDelete(ctx, "k", "owner-b")
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = store.CompareAndDelete(ctx, "k", "owner-a")
			require.NoError(t, err)
			assert.True(t, ok)

			_, found, err := store.Get(ctx, "k")
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestRedisStore_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t)

	require.NoError(t, store.Set(ctx, "k", "v", time.Minute))
	mr.FastForward(2 * time.Minute)

	_, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Set(ctx, "k", "v", time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	_, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkSeen_Dedup(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			first, err := MarkSeen(ctx, store, "msg-1", time.Hour)
			require.NoError(t, err)
			assert.True(t, first)

			second, err := MarkSeen(ctx, store, "msg-1", time.Hour)
			require.NoError(t, err)
			assert.False(t, second)
		})
	}
}

func TestOnce_ExactlyOnceAcrossCallers(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	var mu sync.Mutex
	calls := 0

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = Once(ctx, store, "once:key", time.Hour, func(context.Context) error {
				mu.Lock()
				calls++
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, calls)
}

func TestOnce_RetryAfterFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	ran, err := Once(ctx, store, "once:fail", time.Hour, func(context.Context) error {
		return assert.AnError
	})
	require.Error(t, err)
	assert.False(t, ran)

	// Marker was rolled back; a later caller gets to run.
	ran, err = Once(ctx, store, "once:fail", time.Hour, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestLocker_FencingToken(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	lockerA := NewLocker(store, "worker-a", time.Minute)
	lockerB := NewLocker(store, "worker-b", time.Minute)

	require.NoError(t, lockerA.Acquire(ctx, "wf-1"))

	// B cannot release A's lock.
	require.NoError(t, lockerB.Release(ctx, "wf-1"))
	val, ok, err := store.Get(ctx, LockKey("wf-1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "worker-a", val)

	require.NoError(t, lockerA.Release(ctx, "wf-1"))
	_, ok, err = store.Get(ctx, LockKey("wf-1"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocker_ContentionTimesOut(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	lockerA := NewLocker(store, "worker-a", time.Minute)
	lockerB := NewLocker(store, "worker-b", time.Minute)

	require.NoError(t, lockerA.Acquire(ctx, "wf-1"))
	err := lockerB.Acquire(ctx, "wf-1")
	require.Error(t, err)
}
