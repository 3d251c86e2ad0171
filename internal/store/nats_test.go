package store

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestNATSServer starts an embedded JetStream-enabled NATS server.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:      "127.0.0.1",
		Port:      -1, // Random port
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func newTestNATSStore(t *testing.T) *NATSStore {
	t.Helper()
	server := startTestNATSServer(t)

	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	s, err := NewNATSStore(nc, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNATSStore_PutGetDelete(t *testing.T) {
	s := newTestNATSStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "conv:abc", []byte(`{"status":"active"}`), time.Minute))

	got, err := s.Get(ctx, "conv:abc")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"active"}`, string(got))

	require.NoError(t, s.Delete(ctx, "conv:abc"))
	_, err = s.Get(ctx, "conv:abc")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNATSStore_EnvelopeExpiry(t *testing.T) {
	s := newTestNATSStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "short", []byte(`{}`), 20*time.Millisecond))
	time.Sleep(60 * time.Millisecond)

	_, err := s.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNATSStore_UpdateRefreshesTTL(t *testing.T) {
	s := newTestNATSStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "conv:ttl", []byte(`{"n":1}`), 80*time.Millisecond))
	time.Sleep(40 * time.Millisecond)
	require.NoError(t, s.Update(ctx, "conv:ttl", map[string]any{"n": 2}, 80*time.Millisecond))
	time.Sleep(60 * time.Millisecond)

	// Without the refresh the original TTL would have lapsed by now.
	got, err := s.Get(ctx, "conv:ttl")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":2}`, string(got))
}

func TestNATSStore_Queue(t *testing.T) {
	s := newTestNATSStore(t)
	ctx := context.Background()

	for _, item := range []string{"one", "two", "three"} {
		require.NoError(t, s.QueuePush(ctx, "signal-points", []byte(item)))
	}

	first, err := s.QueuePop(ctx, "signal-points")
	require.NoError(t, err)
	assert.Equal(t, "one", string(first))

	items, err := s.QueueItems(ctx, "signal-points")
	require.NoError(t, err)
	require.Len(t, items, 3, "pop must not remove items from the append-only view")
	assert.Equal(t, "three", string(items[2]))
}

func TestNATSStore_QueuePopEmpty(t *testing.T) {
	s := newTestNATSStore(t)

	_, err := s.QueuePop(context.Background(), "empty-queue")
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestNATSStore_WithLockMutualExclusion(t *testing.T) {
	s := newTestNATSStore(t)
	ctx := context.Background()

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.WithLock(ctx, "conv:lock", 5*time.Second, func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := s.WithLock(ctx, "conv:lock", 200*time.Millisecond, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrLockTimeout)

	close(release)
	require.NoError(t, <-done)

	// Lock released, reacquisition succeeds.
	err = s.WithLock(ctx, "conv:lock", time.Second, func(context.Context) error { return nil })
	assert.NoError(t, err)
}
