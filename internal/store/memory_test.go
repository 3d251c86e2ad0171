package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemoryStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore(WithSweepInterval(10 * time.Millisecond))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMemoryStore_PutGet(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "conv:1", []byte(`{"level":1}`), time.Minute))

	got, err := s.Get(ctx, "conv:1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"level":1}`, string(got))
}

func TestMemoryStore_GetNotFound(t *testing.T) {
	s := newTestMemoryStore(t)

	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "ephemeral", []byte(`{}`), 20*time.Millisecond))
	time.Sleep(50 * time.Millisecond)

	_, err := s.Get(ctx, "ephemeral")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_UpdateMergesFields(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "conv:1", []byte(`{"level":1,"status":"active"}`), time.Minute))
	require.NoError(t, s.Update(ctx, "conv:1", map[string]any{"level": 3}, time.Minute))

	got, err := s.Get(ctx, "conv:1")
	require.NoError(t, err)

	var obj map[string]any
	require.NoError(t, json.Unmarshal(got, &obj))
	assert.Equal(t, float64(3), obj["level"])
	assert.Equal(t, "active", obj["status"], "untouched fields survive a partial update")
}

func TestMemoryStore_UpdateNotFound(t *testing.T) {
	s := newTestMemoryStore(t)

	err := s.Update(context.Background(), "missing", map[string]any{"x": 1}, time.Minute)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_QueueOrdering(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	for _, item := range []string{"a", "b", "c"} {
		require.NoError(t, s.QueuePush(ctx, "events", []byte(item)))
	}

	first, err := s.QueuePop(ctx, "events")
	require.NoError(t, err)
	assert.Equal(t, "a", string(first))

	// QueueItems still sees the full append-only sequence after a pop.
	items, err := s.QueueItems(ctx, "events")
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "a", string(items[0]))
	assert.Equal(t, "c", string(items[2]))
}

func TestMemoryStore_QueuePopEmpty(t *testing.T) {
	s := newTestMemoryStore(t)

	_, err := s.QueuePop(context.Background(), "nothing")
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestMemoryStore_WithLockSerializes(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	inCritical := 0
	maxInCritical := 0

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithLock(ctx, "conv:1", 5*time.Second, func(context.Context) error {
				mu.Lock()
				inCritical++
				if inCritical > maxInCritical {
					maxInCritical = inCritical
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				inCritical--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInCritical, "critical sections must not overlap")
}

func TestMemoryStore_WithLockTimeout(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.WithLock(ctx, "busy", time.Second, func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := s.WithLock(ctx, "busy", 30*time.Millisecond, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrLockTimeout)
	close(release)
}

func TestMemoryStore_ClosedRejectsOperations(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())

	err := s.Put(context.Background(), "k", []byte(`{}`), time.Minute)
	assert.ErrorIs(t, err, ErrClosed)
}
