package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	kvBucket   = "overthinkd_kv"
	lockBucket = "overthinkd_locks"

	// Bucket-level TTLs are a backstop; per-key expiry is tracked in the
	// stored envelope because JetStream KV TTLs apply to whole buckets.
	kvBucketTTL   = 24 * time.Hour
	lockBucketTTL = 2 * time.Minute

	queueStreamPrefix  = "OVERTHINKD_Q_"
	queueSubjectPrefix = "overthinkd.q."

	lockRetryInterval = 50 * time.Millisecond
	popWait           = 250 * time.Millisecond
)

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// envelope wraps a stored value with its expiry.
type envelope struct {
	ExpiresAt time.Time       `json:"expires_at"`
	Data      json.RawMessage `json:"data"`
}

// NATSStore is a Store backed by NATS JetStream: a KV bucket for values, a
// second KV bucket with create-only entries for distributed locks, and one
// limits-retention stream per queue.
type NATSStore struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	kv     nats.KeyValue
	locks  nats.KeyValue
	logger *zap.Logger

	mu      sync.Mutex
	popSubs map[string]*nats.Subscription
	closed  bool
}

// NewNATSStore creates the KV buckets if needed and returns a ready store.
// The caller owns the connection.
func NewNATSStore(nc *nats.Conn, logger *zap.Logger) (*NATSStore, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to get jetstream context: %w", err)
	}

	kv, err := ensureBucket(js, kvBucket, kvBucketTTL)
	if err != nil {
		return nil, err
	}
	locks, err := ensureBucket(js, lockBucket, lockBucketTTL)
	if err != nil {
		return nil, err
	}

	return &NATSStore{
		nc:      nc,
		js:      js,
		kv:      kv,
		locks:   locks,
		logger:  logger,
		popSubs: make(map[string]*nats.Subscription),
	}, nil
}

func ensureBucket(js nats.JetStreamContext, name string, ttl time.Duration) (nats.KeyValue, error) {
	kv, err := js.KeyValue(name)
	if err == nil {
		return kv, nil
	}
	kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: name, TTL: ttl})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket %s: %w", name, err)
	}
	return kv, nil
}

func sanitize(name string) string {
	return unsafeChars.ReplaceAllString(name, "_")
}

// Put implements Store.
func (s *NATSStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	data, err := json.Marshal(envelope{ExpiresAt: time.Now().Add(ttl), Data: value})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if _, err := s.kv.Put(sanitize(key), data); err != nil {
		return fmt.Errorf("%w: put %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

// Get implements Store.
func (s *NATSStore) Get(_ context.Context, key string) ([]byte, error) {
	entry, err := s.kv.Get(sanitize(key))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: get %s: %v", ErrUnavailable, key, err)
	}

	var env envelope
	if err := json.Unmarshal(entry.Value(), &env); err != nil {
		return nil, fmt.Errorf("corrupt envelope for %s: %w", key, err)
	}
	if time.Now().After(env.ExpiresAt) {
		// Lazily reap; the bucket TTL is only a backstop.
		_ = s.kv.Delete(sanitize(key))
		return nil, ErrNotFound
	}
	return env.Data, nil
}

// Update implements Store.
func (s *NATSStore) Update(ctx context.Context, key string, fields map[string]any, ttl time.Duration) error {
	current, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	merged, err := mergeJSON(current, fields)
	if err != nil {
		return err
	}
	return s.Put(ctx, key, merged, ttl)
}

// Delete implements Store.
func (s *NATSStore) Delete(_ context.Context, key string) error {
	if err := s.kv.Delete(sanitize(key)); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("%w: delete %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (s *NATSStore) queueStream(name string) (string, string) {
	clean := strings.ToUpper(sanitize(name))
	return queueStreamPrefix + clean, queueSubjectPrefix + sanitize(name)
}

func (s *NATSStore) ensureQueue(name string) (string, string, error) {
	stream, subject := s.queueStream(name)
	if _, err := s.js.StreamInfo(stream); err == nil {
		return stream, subject, nil
	}
	_, err := s.js.AddStream(&nats.StreamConfig{
		Name:      stream,
		Subjects:  []string{subject},
		Retention: nats.LimitsPolicy,
		MaxAge:    kvBucketTTL,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return "", "", fmt.Errorf("%w: create queue %s: %v", ErrUnavailable, name, err)
	}
	return stream, subject, nil
}

// QueuePush implements Store.
func (s *NATSStore) QueuePush(_ context.Context, name string, item []byte) error {
	_, subject, err := s.ensureQueue(name)
	if err != nil {
		return err
	}
	if _, err := s.js.Publish(subject, item); err != nil {
		return fmt.Errorf("%w: push to %s: %v", ErrUnavailable, name, err)
	}
	return nil
}

// QueuePop implements Store. Items remain in the stream (limits retention)
// so QueueItems still sees the full append-only sequence; the pop cursor is
// the durable consumer's ack floor.
func (s *NATSStore) QueuePop(_ context.Context, name string) ([]byte, error) {
	stream, subject, err := s.ensureQueue(name)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	sub, ok := s.popSubs[name]
	if !ok {
		sub, err = s.js.PullSubscribe(subject, "pop", nats.BindStream(stream))
		if err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: subscribe %s: %v", ErrUnavailable, name, err)
		}
		s.popSubs[name] = sub
	}
	s.mu.Unlock()

	msgs, err := sub.Fetch(1, nats.MaxWait(popWait))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) {
			return nil, ErrQueueEmpty
		}
		return nil, fmt.Errorf("%w: pop from %s: %v", ErrUnavailable, name, err)
	}
	if len(msgs) == 0 {
		return nil, ErrQueueEmpty
	}
	if err := msgs[0].Ack(); err != nil {
		s.logger.Warn("failed to ack popped item", zap.String("queue", name), zap.Error(err))
	}
	return msgs[0].Data, nil
}

// QueueItems implements Store.
func (s *NATSStore) QueueItems(_ context.Context, name string) ([][]byte, error) {
	stream, _, err := s.ensureQueue(name)
	if err != nil {
		return nil, err
	}
	info, err := s.js.StreamInfo(stream)
	if err != nil {
		return nil, fmt.Errorf("%w: stream info %s: %v", ErrUnavailable, name, err)
	}

	items := make([][]byte, 0, info.State.Msgs)
	for seq := info.State.FirstSeq; seq <= info.State.LastSeq && info.State.Msgs > 0; seq++ {
		msg, err := s.js.GetMsg(stream, seq)
		if err != nil {
			// Sequence gaps from retention limits are expected.
			continue
		}
		items = append(items, msg.Data)
	}
	return items, nil
}

// WithLock implements Store. The lock is a create-only KV entry; whoever
// creates it holds the mutex until they delete it (or the lock bucket TTL
// reaps a crashed holder).
func (s *NATSStore) WithLock(ctx context.Context, resource string, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	key := sanitize(resource)
	value := []byte(time.Now().UTC().Format(time.RFC3339Nano))

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(lockRetryInterval)
	defer ticker.Stop()

	for {
		_, err := s.locks.Create(key, value)
		if err == nil {
			break
		}
		if !errors.Is(err, nats.ErrKeyExists) {
			return fmt.Errorf("%w: lock %s: %v", ErrUnavailable, resource, err)
		}
		if time.Now().After(deadline) {
			return ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	defer func() {
		if err := s.locks.Delete(key); err != nil {
			s.logger.Warn("failed to release lock", zap.String("resource", resource), zap.Error(err))
		}
	}()

	return fn(ctx)
}

// Close drains pop subscriptions. The NATS connection itself belongs to the
// caller and is left open.
func (s *NATSStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for name, sub := range s.popSubs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn("failed to unsubscribe queue consumer", zap.String("queue", name), zap.Error(err))
		}
	}
	return nil
}
