package anxiety

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/amritessh/overthinkd/internal/conversation"
	"github.com/amritessh/overthinkd/internal/store"
)

const instrumentationName = "github.com/amritessh/overthinkd/internal/anxiety"

// ErrNotTracked is returned for conversations with no signal history.
var ErrNotTracked = errors.New("conversation is not tracked")

// Config tunes thresholds and alerting.
type Config struct {
	// HighThreshold is the level at or above which anxiety counts as high.
	HighThreshold int

	// VolatilityThreshold overrides the trend direction to Volatile when
	// the sample standard deviation exceeds it.
	VolatilityThreshold float64

	// SustainedHighMinutes is the run length that triggers a
	// sustained-high alert.
	SustainedHighMinutes float64

	// PlateauMinutes filters plateau periods shorter than this.
	PlateauMinutes float64

	// TrendWindow is the default trailing window for Trend.
	TrendWindow time.Duration

	// AlertBuffer is the dispatch channel capacity. When full, alerts are
	// dropped rather than stalling ingestion.
	AlertBuffer int

	// AlertsPerSecond rate-limits callback delivery. Zero disables the
	// limiter.
	AlertsPerSecond float64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		HighThreshold:        4,
		VolatilityThreshold:  0.5,
		SustainedHighMinutes: 5,
		PlateauMinutes:       3,
		TrendWindow:          10 * time.Minute,
		AlertBuffer:          64,
		AlertsPerSecond:      20,
	}
}

// AnalyticsSink persists aggregate blobs under a managed namespace.
// *conversation.Manager satisfies it.
type AnalyticsSink interface {
	SaveAnalytics(ctx context.Context, kind string, data any) error
}

// Tracker ingests level changes and serves trend, pattern and alert queries.
type Tracker struct {
	cfg    Config
	store  store.Store
	sink   AnalyticsSink
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string][]*DataPoint
	agg      Aggregates

	cbMu      sync.RWMutex
	callbacks []AlertFunc

	alertCh   chan Alert
	workerWG  sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}

	meter        metric.Meter
	changeCount  metric.Int64Counter
	alertCount   metric.Int64Counter
	droppedCount metric.Int64Counter
}

// NewTracker wires a Tracker and starts its alert dispatch worker.
func NewTracker(cfg Config, s store.Store, logger *zap.Logger) (*Tracker, error) {
	if s == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HighThreshold == 0 {
		cfg = DefaultConfig()
	}
	if cfg.AlertBuffer <= 0 {
		cfg.AlertBuffer = 64
	}

	t := &Tracker{
		cfg:      cfg,
		store:    s,
		logger:   logger,
		sessions: make(map[string][]*DataPoint),
		agg: Aggregates{
			EventCounts: make(map[string]int),
			LevelCounts: make(map[string]int),
			TrendCounts: make(map[string]int),
		},
		alertCh: make(chan Alert, cfg.AlertBuffer),
		done:    make(chan struct{}),
		meter:   otel.Meter(instrumentationName),
	}
	t.initMetrics()

	t.workerWG.Add(1)
	go t.dispatchAlerts()

	return t, nil
}

func (t *Tracker) initMetrics() {
	var err error
	t.changeCount, err = t.meter.Int64Counter(
		"overthinkd.anxiety.changes_total",
		metric.WithDescription("Signal level changes recorded"),
		metric.WithUnit("{change}"),
	)
	if err != nil {
		t.logger.Warn("failed to create change counter", zap.Error(err))
	}
	t.alertCount, err = t.meter.Int64Counter(
		"overthinkd.anxiety.alerts_total",
		metric.WithDescription("Alerts dispatched to callbacks"),
		metric.WithUnit("{alert}"),
	)
	if err != nil {
		t.logger.Warn("failed to create alert counter", zap.Error(err))
	}
	t.droppedCount, err = t.meter.Int64Counter(
		"overthinkd.anxiety.alerts_dropped_total",
		metric.WithDescription("Alerts dropped because the dispatch buffer was full"),
		metric.WithUnit("{alert}"),
	)
	if err != nil {
		t.logger.Warn("failed to create dropped counter", zap.Error(err))
	}
}

func (t *Tracker) queueName(convID string) string {
	return "anxiety:" + convID
}

// SetAnalyticsSink routes EndTracking aggregates through the given sink.
// Without one, aggregates stay in memory only.
func (t *Tracker) SetAnalyticsSink(sink AnalyticsSink) {
	t.sink = sink
}

// AddAlertFunc registers a callback for future alerts.
func (t *Tracker) AddAlertFunc(fn AlertFunc) {
	t.cbMu.Lock()
	t.callbacks = append(t.callbacks, fn)
	t.cbMu.Unlock()
}

// StartTracking opens a tracking session with the initial level.
func (t *Tracker) StartTracking(ctx context.Context, convID string, initial conversation.Level, agentID string) error {
	point := &DataPoint{
		Timestamp: time.Now(),
		Level:     initial,
		AgentID:   agentID,
		Kind:      EventInitial,
	}

	t.mu.Lock()
	t.sessions[convID] = []*DataPoint{point}
	t.agg.TotalSessions++
	t.agg.EventCounts[string(EventInitial)]++
	t.agg.LevelCounts[fmt.Sprint(int(initial))]++
	t.mu.Unlock()

	if err := t.persist(ctx, convID, point); err != nil {
		return err
	}
	t.logger.Debug("started anxiety tracking", zap.String("conversation_id", convID))
	return nil
}

// RecordChange appends a classified data point, updates aggregates and
// checks alert conditions. Classification is a pure function of the level
// pair.
func (t *Tracker) RecordChange(ctx context.Context, convID string, old, new conversation.Level, agentID string) error {
	kind := Classify(old, new)
	point := &DataPoint{
		Timestamp: time.Now(),
		Level:     new,
		AgentID:   agentID,
		Kind:      kind,
		Delta:     int(new) - int(old),
	}

	t.mu.Lock()
	if _, ok := t.sessions[convID]; !ok {
		t.mu.Unlock()
		// A restarted process has no in-memory session. Rebuild it from
		// the store so tracking continues across restarts; only a
		// conversation with no persisted history is untracked.
		rebuilt, err := t.points(ctx, convID)
		if err != nil {
			return err
		}
		t.mu.Lock()
		if _, ok := t.sessions[convID]; !ok {
			t.sessions[convID] = rebuilt
		}
	}
	t.sessions[convID] = append(t.sessions[convID], point)
	t.agg.EventCounts[string(kind)]++
	t.agg.LevelCounts[fmt.Sprint(int(new))]++
	t.noteSequenceLocked(convID)
	points := t.sessions[convID]
	t.mu.Unlock()

	if t.changeCount != nil {
		t.changeCount.Add(ctx, 1)
	}

	if err := t.persist(ctx, convID, point); err != nil {
		return err
	}

	t.checkAlerts(convID, point, points)
	return nil
}

// noteSequenceLocked records the recent event-kind sequence for the
// aggregate pattern list. Caller holds t.mu.
func (t *Tracker) noteSequenceLocked(convID string) {
	points := t.sessions[convID]
	if len(points) < 3 {
		return
	}
	start := len(points) - 5
	if start < 0 {
		start = 0
	}
	kinds := make([]string, 0, 5)
	for _, p := range points[start:] {
		kinds = append(kinds, string(p.Kind))
	}
	key := strings.Join(kinds, "->")
	for _, existing := range t.agg.RecentSequences {
		if existing == key {
			return
		}
	}
	t.agg.RecentSequences = append(t.agg.RecentSequences, key)
}

func (t *Tracker) persist(ctx context.Context, convID string, point *DataPoint) error {
	data, err := json.Marshal(point)
	if err != nil {
		return fmt.Errorf("failed to marshal data point: %w", err)
	}
	if err := t.store.QueuePush(ctx, t.queueName(convID), data); err != nil {
		return fmt.Errorf("failed to persist data point: %w", err)
	}
	return nil
}

// points returns the session's sequence, rebuilding it from the store if the
// in-memory view is gone.
func (t *Tracker) points(ctx context.Context, convID string) ([]*DataPoint, error) {
	t.mu.RLock()
	points, ok := t.sessions[convID]
	t.mu.RUnlock()
	if ok {
		return points, nil
	}

	items, err := t.store.QueueItems(ctx, t.queueName(convID))
	if err != nil {
		return nil, fmt.Errorf("failed to load data points: %w", err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotTracked, convID)
	}
	points = make([]*DataPoint, 0, len(items))
	for _, item := range items {
		var p DataPoint
		if err := json.Unmarshal(item, &p); err != nil {
			t.logger.Warn("skipping corrupt data point", zap.String("conversation_id", convID), zap.Error(err))
			continue
		}
		points = append(points, &p)
	}
	return points, nil
}

// CurrentLevel returns the level of the last recorded point.
func (t *Tracker) CurrentLevel(ctx context.Context, convID string) (conversation.Level, error) {
	points, err := t.points(ctx, convID)
	if err != nil {
		return 0, err
	}
	return points[len(points)-1].Level, nil
}

// Trend analyzes the trailing window. A zero window uses the configured
// default.
func (t *Tracker) Trend(ctx context.Context, convID string, window time.Duration) (*TrendReport, error) {
	if window <= 0 {
		window = t.cfg.TrendWindow
	}
	points, err := t.points(ctx, convID)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-window)
	levels := make([]int, 0, len(points))
	for _, p := range points {
		if !p.Timestamp.Before(cutoff) {
			levels = append(levels, int(p.Level))
		}
	}
	if len(levels) < 2 {
		return &TrendReport{Direction: TrendStable, Samples: len(levels)}, nil
	}

	slope := olsSlope(levels)
	vol := stddev(levels)
	min, max, sum := levels[0], levels[0], 0
	for _, l := range levels {
		if l < min {
			min = l
		}
		if l > max {
			max = l
		}
		sum += l
	}

	return &TrendReport{
		Direction:  direction(slope, vol, t.cfg.VolatilityThreshold),
		Slope:      slope,
		Volatility: vol,
		Current:    levels[len(levels)-1],
		Min:        min,
		Max:        max,
		Average:    float64(sum) / float64(len(levels)),
		Samples:    len(levels),
	}, nil
}

// Progression computes the full analysis over the conversation's history.
func (t *Tracker) Progression(ctx context.Context, convID string) (*Progression, error) {
	points, err := t.points(ctx, convID)
	if err != nil {
		return nil, err
	}

	levels := make([]int, len(points))
	peak, sum := 0, 0
	for i, p := range points {
		levels[i] = int(p.Level)
		if levels[i] > peak {
			peak = levels[i]
		}
		sum += levels[i]
	}

	var escRate float64
	if len(points) > 1 {
		mins := points[len(points)-1].Timestamp.Sub(points[0].Timestamp).Minutes()
		if mins < 1 {
			mins = 1
		}
		escRate = float64(levels[len(levels)-1]-levels[0]) / mins
	}

	var timeToPeak float64
	for i, l := range levels {
		if l == peak {
			timeToPeak = points[i].Timestamp.Sub(points[0].Timestamp).Minutes()
			break
		}
	}

	vol := stddev(levels)
	slope := olsSlope(levels)

	return &Progression{
		ConversationID:    convID,
		Trend:             direction(slope, vol, t.cfg.VolatilityThreshold),
		AverageLevel:      float64(sum) / float64(len(levels)),
		PeakLevel:         peak,
		EscalationRate:    escRate,
		Volatility:        vol,
		TimeToPeakMins:    timeToPeak,
		SustainedHighMins: sustainedHighMinutes(points, t.cfg.HighThreshold),
		Points:            len(points),
		LastUpdated:       points[len(points)-1].Timestamp,
	}, nil
}

// EndTracking tears down the session, persisting final aggregates through
// the analytics sink when one is set. The data point sequence itself stays in
// the store until its TTL lapses.
func (t *Tracker) EndTracking(ctx context.Context, convID string) error {
	prog, err := t.Progression(ctx, convID)
	if err != nil && !errors.Is(err, ErrNotTracked) {
		return err
	}

	t.mu.Lock()
	delete(t.sessions, convID)
	if prog != nil {
		n := float64(t.agg.TotalSessions)
		if n < 1 {
			n = 1
		}
		t.agg.AvgPeak = (t.agg.AvgPeak*(n-1) + float64(prog.PeakLevel)) / n
		t.agg.AvgEscalation = (t.agg.AvgEscalation*(n-1) + prog.EscalationRate) / n
		t.agg.TrendCounts[string(prog.Trend)]++
	}
	snapshot := t.agg
	t.mu.Unlock()

	if t.sink != nil {
		if err := t.sink.SaveAnalytics(ctx, "anxiety", snapshot); err != nil {
			t.logger.Warn("failed to persist tracker aggregates", zap.Error(err))
		}
	}

	t.logger.Debug("ended anxiety tracking", zap.String("conversation_id", convID))
	return nil
}

// Snapshot returns a copy of the running aggregates.
func (t *Tracker) Snapshot() Aggregates {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := t.agg
	out.EventCounts = copyCounts(t.agg.EventCounts)
	out.LevelCounts = copyCounts(t.agg.LevelCounts)
	out.TrendCounts = copyCounts(t.agg.TrendCounts)
	return out
}

func copyCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// checkAlerts evaluates alert conditions for the new point and enqueues at
// most one alert per condition. Enqueueing never blocks; a full buffer drops
// the alert.
func (t *Tracker) checkAlerts(convID string, point *DataPoint, points []*DataPoint) {
	if int(point.Level) >= t.cfg.HighThreshold {
		t.enqueue(Alert{
			Type:           AlertHighAnxiety,
			ConversationID: convID,
			Level:          int(point.Level),
			Message:        fmt.Sprintf("high anxiety level detected: %d", int(point.Level)),
			At:             point.Timestamp,
		})
	}
	if point.Kind == EventSpike {
		t.enqueue(Alert{
			Type:           AlertSpike,
			ConversationID: convID,
			Level:          int(point.Level),
			Delta:          point.Delta,
			Message:        fmt.Sprintf("anxiety spike detected: +%d levels", point.Delta),
			At:             point.Timestamp,
		})
	}

	recent := points
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	if dur := sustainedHighMinutes(recent, t.cfg.HighThreshold); dur > t.cfg.SustainedHighMinutes {
		t.enqueue(Alert{
			Type:           AlertSustainedHigh,
			ConversationID: convID,
			Level:          int(point.Level),
			DurationMins:   dur,
			Message:        fmt.Sprintf("sustained high anxiety for %.1f minutes", dur),
			At:             point.Timestamp,
		})
	}
}

func (t *Tracker) enqueue(alert Alert) {
	select {
	case t.alertCh <- alert:
	default:
		if t.droppedCount != nil {
			t.droppedCount.Add(context.Background(), 1)
		}
		t.logger.Warn("alert buffer full, dropping alert",
			zap.String("type", string(alert.Type)),
			zap.String("conversation_id", alert.ConversationID))
	}
}

// dispatchAlerts drains the buffer and invokes callbacks. A panicking
// callback is contained so it cannot abort processing.
func (t *Tracker) dispatchAlerts() {
	defer t.workerWG.Done()

	var limiter *rate.Limiter
	if t.cfg.AlertsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(t.cfg.AlertsPerSecond), 1)
	}

	for {
		select {
		case <-t.done:
			return
		case alert := <-t.alertCh:
			if limiter != nil {
				_ = limiter.Wait(context.Background())
			}
			t.cbMu.RLock()
			callbacks := t.callbacks
			t.cbMu.RUnlock()
			for _, fn := range callbacks {
				t.deliver(fn, alert)
			}
			if t.alertCount != nil {
				t.alertCount.Add(context.Background(), 1)
			}
		}
	}
}

func (t *Tracker) deliver(fn AlertFunc, alert Alert) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("alert callback panicked", zap.Any("panic", r))
		}
	}()
	fn(alert)
}

// Close stops the dispatch worker. Pending buffered alerts are discarded.
func (t *Tracker) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	t.workerWG.Wait()
	return nil
}
