package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/amritessh/overthinkd/internal/store"
)

// Sentinel errors surfaced to callers. ErrNotFound lets callers distinguish
// "never existed or expired" from transient store failures.
var (
	ErrNotFound          = errors.New("conversation not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ManagerConfig configures the persistence layer.
type ManagerConfig struct {
	// KeyPrefix namespaces every key written to the store.
	KeyPrefix string

	// TTL is the conversation inactivity budget; refreshed on every
	// successful update.
	TTL time.Duration

	// TerminalGrace keeps terminated conversations readable for a short
	// window before the TTL reaps them.
	TerminalGrace time.Duration

	// LockTimeout bounds per-conversation lock acquisition.
	LockTimeout time.Duration
}

// DefaultManagerConfig returns production defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		KeyPrefix:     "overthinkd:",
		TTL:           store.DefaultTTL,
		TerminalGrace: 10 * time.Minute,
		LockTimeout:   store.DefaultLockTimeout,
	}
}

// Manager persists conversation records, sessions, interactions and
// analytics aggregates through a store.Store. All record mutation goes
// through the per-conversation distributed lock.
type Manager struct {
	cfg    ManagerConfig
	store  store.Store
	logger *zap.Logger

	ops    *prometheus.CounterVec
	misses prometheus.Counter
	hits   prometheus.Counter
}

// NewManager wires a Manager. reg may be nil to skip metric registration.
func NewManager(cfg ManagerConfig, s store.Store, logger *zap.Logger, reg prometheus.Registerer) (*Manager, error) {
	if s == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "overthinkd:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = store.DefaultTTL
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = store.DefaultLockTimeout
	}

	m := &Manager{cfg: cfg, store: s, logger: logger}

	if reg != nil {
		factory := promauto.With(reg)
		m.ops = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "overthinkd_state_operations_total",
			Help: "State store operations by kind.",
		}, []string{"op"})
		m.hits = factory.NewCounter(prometheus.CounterOpts{
			Name: "overthinkd_state_cache_hits_total",
			Help: "Record lookups that found a live entry.",
		})
		m.misses = factory.NewCounter(prometheus.CounterOpts{
			Name: "overthinkd_state_cache_misses_total",
			Help: "Record lookups that found nothing.",
		})
	}

	return m, nil
}

func (m *Manager) count(op string) {
	if m.ops != nil {
		m.ops.WithLabelValues(op).Inc()
	}
}

func (m *Manager) recordKey(convID string) string { return m.cfg.KeyPrefix + "conv:" + convID }
func (m *Manager) sessionKey(userID string) string { return m.cfg.KeyPrefix + "user:" + userID }
func (m *Manager) analyticsKey(kind string) string { return m.cfg.KeyPrefix + "analytics:" + kind }
func (m *Manager) interactionQ(convID string) string {
	return m.cfg.KeyPrefix + "interactions:" + convID
}

// WithConversationLock serializes fn against all other mutators of the
// conversation. store.ErrLockTimeout passes through so callers can surface
// "busy, retry".
func (m *Manager) WithConversationLock(ctx context.Context, convID string, fn func(ctx context.Context) error) error {
	return m.store.WithLock(ctx, m.recordKey(convID), m.cfg.LockTimeout, fn)
}

// SaveRecord writes the full record under the conversation lock. The TTL is
// shortened to the terminal grace window once the record reaches a terminal
// status.
func (m *Manager) SaveRecord(ctx context.Context, rec *Record) error {
	return m.WithConversationLock(ctx, rec.ID, func(ctx context.Context) error {
		return m.putRecord(ctx, rec)
	})
}

// SaveRecordLocked writes the record without reacquiring the lock. Only call
// from inside WithConversationLock.
func (m *Manager) SaveRecordLocked(ctx context.Context, rec *Record) error {
	return m.putRecord(ctx, rec)
}

func (m *Manager) putRecord(ctx context.Context, rec *Record) error {
	ttl := m.cfg.TTL
	if rec.Status.Terminal() {
		ttl = m.cfg.TerminalGrace
	}
	rec.UpdatedAt = time.Now()
	exp := rec.UpdatedAt.Add(ttl)
	rec.ExpiresAt = &exp

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", rec.ID, err)
	}
	if err := m.store.Put(ctx, m.recordKey(rec.ID), data, ttl); err != nil {
		return fmt.Errorf("failed to store record %s: %w", rec.ID, err)
	}
	m.count("save_record")
	return nil
}

// GetRecord loads a record. Reads go without the lock and tolerate eventual
// consistency.
func (m *Manager) GetRecord(ctx context.Context, convID string) (*Record, error) {
	data, err := m.store.Get(ctx, m.recordKey(convID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			if m.misses != nil {
				m.misses.Inc()
			}
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load record %s: %w", convID, err)
	}
	if m.hits != nil {
		m.hits.Inc()
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt record %s: %w", convID, err)
	}
	m.count("get_record")
	return &rec, nil
}

// UpdateStatus applies a status transition under the lock, enforcing the
// forward-only rule.
func (m *Manager) UpdateStatus(ctx context.Context, convID string, to Status) error {
	return m.WithConversationLock(ctx, convID, func(ctx context.Context) error {
		rec, err := m.GetRecord(ctx, convID)
		if err != nil {
			return err
		}
		if !rec.Status.CanTransition(to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Status, to)
		}
		rec.Status = to
		return m.putRecord(ctx, rec)
	})
}

// DeleteRecord removes the record immediately, bypassing the grace window.
func (m *Manager) DeleteRecord(ctx context.Context, convID string) error {
	m.count("delete_record")
	return m.store.Delete(ctx, m.recordKey(convID))
}

// TouchSession refreshes the user's activity timestamp and current
// conversation binding.
func (m *Manager) TouchSession(ctx context.Context, userID, convID string) error {
	sess := Session{UserID: userID, LastActivity: time.Now(), Conversation: convID}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	m.count("touch_session")
	return m.store.Put(ctx, m.sessionKey(userID), data, m.cfg.TTL)
}

// GetSession loads the user's session, or ErrNotFound.
func (m *Manager) GetSession(ctx context.Context, userID string) (*Session, error) {
	data, err := m.store.Get(ctx, m.sessionKey(userID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load session for %s: %w", userID, err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("corrupt session for %s: %w", userID, err)
	}
	return &sess, nil
}

// AppendInteraction pushes a turn record onto the conversation's append-only
// interaction list.
func (m *Manager) AppendInteraction(ctx context.Context, in *Interaction) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal interaction: %w", err)
	}
	m.count("append_interaction")
	return m.store.QueuePush(ctx, m.interactionQ(in.ConversationID), data)
}

// Interactions returns the full ordered interaction history.
func (m *Manager) Interactions(ctx context.Context, convID string) ([]*Interaction, error) {
	items, err := m.store.QueueItems(ctx, m.interactionQ(convID))
	if err != nil {
		return nil, fmt.Errorf("failed to load interactions for %s: %w", convID, err)
	}
	out := make([]*Interaction, 0, len(items))
	for _, item := range items {
		var in Interaction
		if err := json.Unmarshal(item, &in); err != nil {
			m.logger.Warn("skipping corrupt interaction", zap.String("conversation_id", convID), zap.Error(err))
			continue
		}
		out = append(out, &in)
	}
	return out, nil
}

// SaveAnalytics persists an aggregate blob under the analytics namespace
// with a longer retention than conversations.
func (m *Manager) SaveAnalytics(ctx context.Context, kind string, data any) error {
	blob, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal analytics %s: %w", kind, err)
	}
	m.count("save_analytics")
	return m.store.Put(ctx, m.analyticsKey(kind), blob, 7*24*time.Hour)
}

// Analytics loads an aggregate blob into out, or ErrNotFound.
func (m *Manager) Analytics(ctx context.Context, kind string, out any) error {
	data, err := m.store.Get(ctx, m.analyticsKey(kind))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to load analytics %s: %w", kind, err)
	}
	return json.Unmarshal(data, out)
}
