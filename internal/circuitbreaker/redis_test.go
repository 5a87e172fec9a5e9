package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avaroute/internal/util"
)

func newTestRedisStore(t *testing.T, opts ...RedisOption) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client, opts...)
	t.Cleanup(func() { _ = store.Close() })

	return store, mr
}

func TestRedisStore_UpdateGetDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, mr := newTestRedisStore(t, WithRedisPrefix("test:cb:"))

	_, exists, err := store.Get(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, exists)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	prev, next, err := store.Update(ctx, "b1", func(rec Record, exists bool) (Record, bool) {
		assert.False(t, exists)
		rec.Failures = 3
		rec.LastFailure = now
		return rec, true
	})
	require.NoError(t, err)
	assert.Zero(t, prev.Failures)
	assert.Equal(t, 3, next.Failures)
	assert.True(t, mr.Exists("test:cb:b1"))

	rec, exists, err := store.Get(ctx, "b1")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, 3, rec.Failures)
	assert.True(t, now.Equal(rec.LastFailure))

	// A non-persisting update leaves the key untouched.
	_, _, err = store.Update(ctx, "b2", func(rec Record, _ bool) (Record, bool) { return rec, false })
	require.NoError(t, err)
	assert.False(t, mr.Exists("test:cb:b2"))

	require.NoError(t, store.Delete(ctx, "b1"))
	assert.False(t, mr.Exists("test:cb:b1"))
}

func TestRedisStore_List(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, mr := newTestRedisStore(t)

	for _, id := range []string{"a", "b", "c"} {
		_, _, err := store.Update(ctx, id, func(rec Record, _ bool) (Record, bool) {
			rec.State = StateOpen
			return rec, true
		})
		require.NoError(t, err)
	}
	require.NoError(t, mr.Set("unrelated", "x"))
	require.NoError(t, mr.Set(DefaultRedisPrefix+"corrupt", "{not json"))

	records, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 3)
	assert.Equal(t, StateOpen, records["b"].State)
}

func TestRedisStore_ConcurrentUpdatesAreAtomic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newTestRedisStore(t, WithRedisTxAttempts(1000))

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := store.Update(ctx, "b1", func(rec Record, _ bool) (Record, bool) {
				rec.Failures++
				return rec, true
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec, _, err := store.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, writers, rec.Failures)
}

func TestRedisStore_SharedBetweenManagers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr := miniredis.RunT(t)

	newManager := func() *Manager {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return NewManager(DefaultConfig(), NewRedisStore(client))
	}
	first, second := newManager(), newManager()

	for i := 0; i < 5; i++ {
		first.RecordFailure(ctx, "b1")
	}

	err := second.Allow(ctx, "b1")
	assert.True(t, errors.Is(err, util.ErrCircuitOpen), "circuit opened by one process is seen by another")
}

func TestRedisStore_GuardTripsWhenRedisDown(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, mr := newTestRedisStore(t, WithRedisGuard(2, time.Minute))
	mr.Close()

	for i := 0; i < 2; i++ {
		_, _, err := store.Get(ctx, "b1")
		require.Error(t, err)
	}

	_, _, err := store.Get(ctx, "b1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker is open")

	// The manager keeps admitting calls.
	m := NewManager(DefaultConfig(), store)
	assert.NoError(t, m.Allow(ctx, "b1"))
}

func TestRedisStore_ContextCanceled(t *testing.T) {
	t.Parallel()

	store, _ := newTestRedisStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := store.Update(ctx, "b1", func(rec Record, _ bool) (Record, bool) { return rec, true })
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRedisStore_Ping(t *testing.T) {
	t.Parallel()

	store, mr := newTestRedisStore(t)
	require.NoError(t, store.Ping(context.Background()))

	mr.Close()
	assert.Error(t, store.Ping(context.Background()))
}
