package anxiety

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amritessh/overthinkd/internal/conversation"
	"github.com/amritessh/overthinkd/internal/store"
)

func newTestTracker(t *testing.T) (*Tracker, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })

	cfg := DefaultConfig()
	cfg.AlertsPerSecond = 0 // no rate limiting in tests
	tr, err := NewTracker(cfg, s, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr, s
}

func TestTracker_CurrentLevelIsLastPoint(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.StartTracking(ctx, "conv_1", conversation.LevelMinimal, "agent_a"))
	require.NoError(t, tr.RecordChange(ctx, "conv_1", 1, 3, "agent_b"))
	require.NoError(t, tr.RecordChange(ctx, "conv_1", 3, 2, "agent_c"))

	level, err := tr.CurrentLevel(ctx, "conv_1")
	require.NoError(t, err)
	assert.Equal(t, conversation.LevelMild, level)
}

func TestTracker_RecordChangeUntracked(t *testing.T) {
	tr, _ := newTestTracker(t)

	err := tr.RecordChange(context.Background(), "conv_missing", 1, 2, "agent_a")
	assert.ErrorIs(t, err, ErrNotTracked)
}

func TestTracker_RebuildsSessionFromStore(t *testing.T) {
	tr, s := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.StartTracking(ctx, "conv_1", conversation.LevelMinimal, "agent_a"))
	require.NoError(t, tr.RecordChange(ctx, "conv_1", 1, 4, "agent_b"))

	// A second tracker sharing the store sees the full history even though
	// it never tracked the conversation in memory.
	cfg := DefaultConfig()
	cfg.AlertsPerSecond = 0
	other, err := NewTracker(cfg, s, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = other.Close() })

	level, err := other.CurrentLevel(ctx, "conv_1")
	require.NoError(t, err)
	assert.Equal(t, conversation.LevelSevere, level)
}

func TestTracker_RecordChangeAfterRestart(t *testing.T) {
	tr, s := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.StartTracking(ctx, "conv_1", conversation.LevelMinimal, "agent_a"))
	require.NoError(t, tr.RecordChange(ctx, "conv_1", 1, 3, "agent_b"))

	// A fresh tracker over the same store stands in for a restarted process:
	// recording must rehydrate the session, not reject the conversation.
	cfg := DefaultConfig()
	cfg.AlertsPerSecond = 0
	other, err := NewTracker(cfg, s, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = other.Close() })

	require.NoError(t, other.RecordChange(ctx, "conv_1", 3, 4, "agent_c"))

	level, err := other.CurrentLevel(ctx, "conv_1")
	require.NoError(t, err)
	assert.Equal(t, conversation.LevelSevere, level)

	trend, err := other.Trend(ctx, "conv_1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, trend.Samples, "rebuilt history plus the new point")
}

func TestTracker_EndTrackingPersistsThroughSink(t *testing.T) {
	tr, s := newTestTracker(t)
	ctx := context.Background()

	mgr, err := conversation.NewManager(conversation.DefaultManagerConfig(), s, nil, nil)
	require.NoError(t, err)
	tr.SetAnalyticsSink(mgr)

	require.NoError(t, tr.StartTracking(ctx, "conv_1", conversation.LevelMinimal, "agent_a"))
	require.NoError(t, tr.RecordChange(ctx, "conv_1", 1, 5, "agent_a"))
	require.NoError(t, tr.EndTracking(ctx, "conv_1"))

	var agg Aggregates
	require.NoError(t, mgr.Analytics(ctx, "anxiety", &agg))
	assert.Equal(t, 1, agg.TotalSessions)
	assert.InDelta(t, 5.0, agg.AvgPeak, 1e-9)
}

func TestTracker_TrendIncreasing(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.StartTracking(ctx, "conv_1", conversation.LevelMinimal, "agent_a"))
	for _, step := range []struct{ old, new conversation.Level }{{1, 2}, {2, 3}, {3, 4}} {
		require.NoError(t, tr.RecordChange(ctx, "conv_1", step.old, step.new, "agent_a"))
	}

	report, err := tr.Trend(ctx, "conv_1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, TrendIncreasing, report.Direction)
	assert.Equal(t, 4, report.Current)
	assert.Equal(t, 1, report.Min)
	assert.Equal(t, 4, report.Max)
	assert.Equal(t, 4, report.Samples)
	assert.Greater(t, report.Slope, 0.1)
}

func TestTracker_TrendTooFewSamples(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.StartTracking(ctx, "conv_1", conversation.LevelSevere, "agent_a"))

	report, err := tr.Trend(ctx, "conv_1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, TrendStable, report.Direction)
	assert.Equal(t, 1, report.Samples)
}

func TestTracker_AlertsOnHighAndSpike(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []Alert
	tr.AddAlertFunc(func(a Alert) {
		mu.Lock()
		got = append(got, a)
		mu.Unlock()
	})

	require.NoError(t, tr.StartTracking(ctx, "conv_1", conversation.LevelMinimal, "agent_a"))
	// 1 -> 5 is both a spike and a high level.
	require.NoError(t, tr.RecordChange(ctx, "conv_1", 1, 5, "agent_b"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	types := make(map[AlertType]bool)
	for _, a := range got {
		types[a.Type] = true
		assert.Equal(t, "conv_1", a.ConversationID)
	}
	assert.True(t, types[AlertHighAnxiety])
	assert.True(t, types[AlertSpike])
}

func TestTracker_PanickingCallbackIsContained(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	delivered := make(chan Alert, 4)
	tr.AddAlertFunc(func(Alert) { panic("boom") })
	tr.AddAlertFunc(func(a Alert) { delivered <- a })

	require.NoError(t, tr.StartTracking(ctx, "conv_1", conversation.LevelMinimal, "agent_a"))
	require.NoError(t, tr.RecordChange(ctx, "conv_1", 1, 4, "agent_b"))

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("second callback never ran after first panicked")
	}
}

func TestTracker_DetectPatterns(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.StartTracking(ctx, "conv_1", conversation.LevelMinimal, "agent_a"))
	require.NoError(t, tr.RecordChange(ctx, "conv_1", 1, 4, "agent_a")) // spike
	require.NoError(t, tr.RecordChange(ctx, "conv_1", 4, 3, "agent_b")) // recovery
	require.NoError(t, tr.RecordChange(ctx, "conv_1", 3, 5, "agent_a")) // escalation

	patterns, err := tr.DetectPatterns(ctx, "conv_1")
	require.NoError(t, err)
	require.Len(t, patterns.Spikes, 1)
	assert.Equal(t, 3, patterns.Spikes[0].Delta)
	require.Len(t, patterns.Recoveries, 1)
	assert.Equal(t, 2, patterns.Escalation.Count)
	assert.False(t, patterns.Cycle.Cyclic)
}

func TestTracker_Progression(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.StartTracking(ctx, "conv_1", conversation.LevelMinimal, "agent_a"))
	require.NoError(t, tr.RecordChange(ctx, "conv_1", 1, 3, "agent_a"))
	require.NoError(t, tr.RecordChange(ctx, "conv_1", 3, 5, "agent_b"))

	prog, err := tr.Progression(ctx, "conv_1")
	require.NoError(t, err)
	assert.Equal(t, "conv_1", prog.ConversationID)
	assert.Equal(t, 5, prog.PeakLevel)
	assert.Equal(t, 3, prog.Points)
	assert.InDelta(t, 3.0, prog.AverageLevel, 1e-9)
}

func TestTracker_EndTrackingUpdatesAggregates(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.StartTracking(ctx, "conv_1", conversation.LevelMinimal, "agent_a"))
	require.NoError(t, tr.RecordChange(ctx, "conv_1", 1, 5, "agent_a"))
	require.NoError(t, tr.EndTracking(ctx, "conv_1"))

	agg := tr.Snapshot()
	assert.Equal(t, 1, agg.TotalSessions)
	assert.InDelta(t, 5.0, agg.AvgPeak, 1e-9)
	assert.Equal(t, 1, agg.EventCounts[string(EventSpike)])
}

func TestPlateauPeriods(t *testing.T) {
	base := time.Now()
	mk := func(offsetMins float64, level int) *DataPoint {
		return &DataPoint{
			Timestamp: base.Add(time.Duration(offsetMins * float64(time.Minute))),
			Level:     conversation.Level(level),
		}
	}

	points := []*DataPoint{mk(0, 3), mk(2, 3), mk(5, 3), mk(6, 4), mk(7, 4)}
	plateaus := plateauPeriods(points, 3)
	require.Len(t, plateaus, 1, "short level-4 stretch filtered out")
	assert.Equal(t, 3, plateaus[0].Level)
	assert.InDelta(t, 5.0, plateaus[0].DurationMins, 1e-9)
}

func TestCyclePattern(t *testing.T) {
	mk := func(levels ...int) []*DataPoint {
		out := make([]*DataPoint, len(levels))
		for i, l := range levels {
			out[i] = &DataPoint{Level: conversation.Level(l)}
		}
		return out
	}

	assert.True(t, cyclePattern(mk(2, 4, 2, 4, 2, 4)).Cyclic)
	assert.Equal(t, 2, cyclePattern(mk(2, 4, 2, 4, 2, 4)).Length)
	assert.False(t, cyclePattern(mk(1, 2, 3, 4, 5)).Cyclic)
	assert.False(t, cyclePattern(mk(2, 4, 2)).Cyclic, "too few points")
}
