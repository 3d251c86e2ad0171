package store

import (
	"context"
	"time"
)

// DefaultTTL matches the conversation inactivity budget. Entries are
// refreshed on every successful update.
const DefaultTTL = time.Hour

// DefaultLockTimeout bounds how long WithLock waits before giving up with
// ErrLockTimeout.
const DefaultLockTimeout = 30 * time.Second

// Store is the persistence contract shared by all services.
//
// Values are opaque byte slices (JSON in practice). Update performs a
// read-modify-write merge of top-level JSON fields under the key's lock, so
// concurrent partial updates do not clobber each other.
type Store interface {
	// Put stores value under key with the given TTL. A zero ttl means
	// DefaultTTL.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value for key, or ErrNotFound if the key does not
	// exist or has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Update merges the given top-level JSON fields into the stored value
	// and refreshes the TTL. Returns ErrNotFound if the key is absent.
	Update(ctx context.Context, key string, fields map[string]any, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// QueuePush appends item to the named queue.
	QueuePush(ctx context.Context, name string, item []byte) error

	// QueuePop removes and returns the oldest unconsumed item, or
	// ErrQueueEmpty.
	QueuePop(ctx context.Context, name string) ([]byte, error)

	// QueueItems returns every item ever pushed to the named queue in push
	// order, without consuming them. Queues are append-only from the
	// reader's perspective.
	QueueItems(ctx context.Context, name string) ([][]byte, error)

	// WithLock runs fn while holding the distributed mutex for resource.
	// Returns ErrLockTimeout if the lock cannot be acquired within timeout
	// (callers surface this as "busy, retry"). fn's error is returned
	// unchanged.
	WithLock(ctx context.Context, resource string, timeout time.Duration, fn func(ctx context.Context) error) error

	// Close releases the store's resources.
	Close() error
}
