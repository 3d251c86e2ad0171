package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amritessh/overthinkd/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })

	m, err := NewManager(DefaultManagerConfig(), s, nil, prometheus.NewRegistry())
	require.NoError(t, err)
	return m
}

func TestManager_SaveGetRoundTrip(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	rec := NewRecord("u1", LevelMild)
	rec.Context[CtxPhase] = "intake"
	require.NoError(t, m.SaveRecord(ctx, rec))

	got, err := m.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, LevelMild, got.Level)
	assert.Equal(t, "intake", got.Context[CtxPhase])
	assert.NotNil(t, got.ExpiresAt)
}

func TestManager_GetRecordNotFound(t *testing.T) {
	m := newTestManager(t)

	_, err := m.GetRecord(context.Background(), "conv_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_UpdateStatusForwardOnly(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	rec := NewRecord("u1", LevelMinimal)
	require.NoError(t, m.SaveRecord(ctx, rec))

	require.NoError(t, m.UpdateStatus(ctx, rec.ID, StatusCompleted))

	err := m.UpdateStatus(ctx, rec.ID, StatusActive)
	assert.ErrorIs(t, err, ErrInvalidTransition, "completed is terminal")
}

func TestManager_PausedResumesToActive(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	rec := NewRecord("u1", LevelMinimal)
	require.NoError(t, m.SaveRecord(ctx, rec))

	require.NoError(t, m.UpdateStatus(ctx, rec.ID, StatusPaused))
	require.NoError(t, m.UpdateStatus(ctx, rec.ID, StatusActive))
}

func TestManager_Interactions(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	rec := NewRecord("u1", LevelMinimal)
	require.NoError(t, m.SaveRecord(ctx, rec))

	first := NewInteraction(rec.ID, "agent_a", "first reply", LevelMinimal, LevelMild)
	second := NewInteraction(rec.ID, "agent_b", "second reply", LevelMild, LevelSevere)
	require.NoError(t, m.AppendInteraction(ctx, first))
	require.NoError(t, m.AppendInteraction(ctx, second))

	got, err := m.Interactions(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "agent_a", got[0].AgentID)
	assert.Equal(t, LevelSevere, got[1].LevelAfter)
}

func TestManager_Session(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.TouchSession(ctx, "u1", "conv_1"))

	sess, err := m.GetSession(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "conv_1", sess.Conversation)
	assert.WithinDuration(t, time.Now(), sess.LastActivity, time.Second)

	_, err = m.GetSession(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_Analytics(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	in := map[string]int{"sessions": 3}
	require.NoError(t, m.SaveAnalytics(ctx, "tracker", in))

	var out map[string]int
	require.NoError(t, m.Analytics(ctx, "tracker", &out))
	assert.Equal(t, 3, out["sessions"])
}
