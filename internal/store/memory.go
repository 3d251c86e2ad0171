package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// memoryEntry is a stored value with its expiry.
type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// memoryQueue keeps every pushed item plus a consumption cursor so that
// QueueItems can return the full append-only sequence after pops.
type memoryQueue struct {
	items [][]byte
	head  int
}

// MemoryStore is an in-process Store with TTL sweeping. It is safe for
// concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	queues  map[string]*memoryQueue

	lockMu sync.Mutex
	locks  map[string]chan struct{}

	sweepInterval time.Duration
	done          chan struct{}
	closeOnce     sync.Once
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithSweepInterval overrides how often the TTL sweeper runs.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(m *MemoryStore) { m.sweepInterval = d }
}

// NewMemoryStore creates a MemoryStore and starts its background sweeper.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		entries:       make(map[string]*memoryEntry),
		queues:        make(map[string]*memoryQueue),
		locks:         make(map[string]chan struct{}),
		sweepInterval: time.Minute,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.sweep()
	return m
}

// sweep deletes entries whose TTL has already lapsed. It never blocks
// foreground operations beyond the map lock.
func (m *MemoryStore) sweep() {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case now := <-ticker.C:
			m.mu.Lock()
			for key, e := range m.entries {
				if now.After(e.expiresAt) {
					delete(m.entries, key)
				}
			}
			m.mu.Unlock()
		}
	}
}

func (m *MemoryStore) closed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// Put implements Store.
func (m *MemoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if m.closed() {
		return ErrClosed
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	cp := make([]byte, len(value))
	copy(cp, value)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = &memoryEntry{data: cp, expiresAt: time.Now().Add(ttl)}
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	if m.closed() {
		return nil, ErrClosed
	}
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || time.Now().After(e.expiresAt) {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(e.data))
	copy(cp, e.data)
	return cp, nil
}

// Update implements Store.
func (m *MemoryStore) Update(_ context.Context, key string, fields map[string]any, ttl time.Duration) error {
	if m.closed() {
		return ErrClosed
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return ErrNotFound
	}

	merged, err := mergeJSON(e.data, fields)
	if err != nil {
		return err
	}
	m.entries[key] = &memoryEntry{data: merged, expiresAt: time.Now().Add(ttl)}
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	if m.closed() {
		return ErrClosed
	}
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// QueuePush implements Store.
func (m *MemoryStore) QueuePush(_ context.Context, name string, item []byte) error {
	if m.closed() {
		return ErrClosed
	}
	cp := make([]byte, len(item))
	copy(cp, item)

	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok {
		q = &memoryQueue{}
		m.queues[name] = q
	}
	q.items = append(q.items, cp)
	return nil
}

// QueuePop implements Store.
func (m *MemoryStore) QueuePop(_ context.Context, name string) ([]byte, error) {
	if m.closed() {
		return nil, ErrClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok || q.head >= len(q.items) {
		return nil, ErrQueueEmpty
	}
	item := q.items[q.head]
	q.head++
	cp := make([]byte, len(item))
	copy(cp, item)
	return cp, nil
}

// QueueItems implements Store.
func (m *MemoryStore) QueueItems(_ context.Context, name string) ([][]byte, error) {
	if m.closed() {
		return nil, ErrClosed
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queues[name]
	if !ok {
		return nil, nil
	}
	out := make([][]byte, 0, len(q.items))
	for _, item := range q.items {
		cp := make([]byte, len(item))
		copy(cp, item)
		out = append(out, cp)
	}
	return out, nil
}

// WithLock implements Store. Each resource maps to a single-slot channel;
// acquisition races against both the caller's timeout and ctx cancellation.
func (m *MemoryStore) WithLock(ctx context.Context, resource string, timeout time.Duration, fn func(ctx context.Context) error) error {
	if m.closed() {
		return ErrClosed
	}
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}

	m.lockMu.Lock()
	slot, ok := m.locks[resource]
	if !ok {
		slot = make(chan struct{}, 1)
		m.locks[resource] = slot
	}
	m.lockMu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case slot <- struct{}{}:
	case <-timer.C:
		return ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrClosed
	}
	defer func() { <-slot }()

	return fn(ctx)
}

// Close stops the sweeper and rejects further operations.
func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

// mergeJSON overlays top-level fields onto the JSON object in data.
func mergeJSON(data []byte, fields map[string]any) ([]byte, error) {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("stored value is not a JSON object: %w", err)
	}
	for k, v := range fields {
		obj[k] = v
	}
	merged, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal merged value: %w", err)
	}
	return merged, nil
}
