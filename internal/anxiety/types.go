package anxiety

import (
	"time"

	"github.com/amritessh/overthinkd/internal/conversation"
)

// EventKind classifies a single level-change event.
type EventKind string

const (
	EventInitial       EventKind = "initial"
	EventEscalation    EventKind = "escalation"
	EventDeEscalation  EventKind = "de_escalation"
	EventPlateau       EventKind = "plateau"
	EventSpike         EventKind = "spike"
	EventRecovery      EventKind = "recovery"
	EventSustainedHigh EventKind = "sustained_high"
)

// Trend is the direction of the signal over a window.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
	TrendVolatile   Trend = "volatile"
)

// DataPoint is one measurement in a conversation's signal sequence. Never
// mutated after insertion.
type DataPoint struct {
	Timestamp time.Time          `json:"timestamp"`
	Level     conversation.Level `json:"anxiety_level"`
	AgentID   string             `json:"agent_id"`
	Kind      EventKind          `json:"event_type"`
	Delta     int                `json:"change"`
}

// TrendReport summarizes the signal inside a trailing window.
type TrendReport struct {
	Direction  Trend   `json:"trend"`
	Slope      float64 `json:"slope"`
	Volatility float64 `json:"volatility"`
	Current    int     `json:"current_level"`
	Min        int     `json:"min_level"`
	Max        int     `json:"max_level"`
	Average    float64 `json:"average_level"`
	Samples    int     `json:"data_points"`
}

// EscalationPattern describes the cadence of escalation events.
type EscalationPattern struct {
	Pattern         string  `json:"pattern"` // none, single, regular, irregular
	Count           int     `json:"escalation_count"`
	AvgIntervalMins float64 `json:"average_interval_minutes"`
}

// Plateau is a detected flat stretch exceeding the minimum duration.
type Plateau struct {
	Start        time.Time `json:"start_time"`
	Level        int       `json:"level"`
	DurationMins float64   `json:"duration_minutes"`
}

// PointEvent is a spike or recovery occurrence.
type PointEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Level     int       `json:"level"`
	Delta     int       `json:"change"`
	AgentID   string    `json:"agent_id"`
}

// CyclePattern reports whether the level sequence repeats.
type CyclePattern struct {
	Cyclic bool `json:"cyclic"`
	Length int  `json:"cycle_length,omitempty"`
}

// Patterns aggregates every detector's output for one conversation.
type Patterns struct {
	Escalation EscalationPattern `json:"escalation_pattern"`
	Plateaus   []Plateau         `json:"plateau_periods"`
	Spikes     []PointEvent      `json:"spike_events"`
	Recoveries []PointEvent      `json:"recovery_periods"`
	Cycle      CyclePattern      `json:"cycle_pattern"`
}

// Progression is the full analysis of a conversation's signal history.
type Progression struct {
	ConversationID    string    `json:"conversation_id"`
	Trend             Trend     `json:"trend"`
	AverageLevel      float64   `json:"average_level"`
	PeakLevel         int       `json:"peak_level"`
	EscalationRate    float64   `json:"escalation_rate"` // levels per minute
	Volatility        float64   `json:"volatility_score"`
	TimeToPeakMins    float64   `json:"time_to_peak_minutes"`
	SustainedHighMins float64   `json:"sustained_high_minutes"`
	Points            int       `json:"points"`
	LastUpdated       time.Time `json:"last_updated"`
}

// AlertType identifies what triggered an alert.
type AlertType string

const (
	AlertHighAnxiety   AlertType = "high_anxiety"
	AlertSpike         AlertType = "anxiety_spike"
	AlertSustainedHigh AlertType = "sustained_high_anxiety"
)

// Alert is delivered to registered callbacks, at most once per triggering
// data point.
type Alert struct {
	Type           AlertType `json:"type"`
	ConversationID string    `json:"conversation_id"`
	Level          int       `json:"level"`
	Delta          int       `json:"change,omitempty"`
	DurationMins   float64   `json:"duration_minutes,omitempty"`
	Message        string    `json:"message"`
	At             time.Time `json:"timestamp"`
}

// AlertFunc receives alerts. Implementations must not block; a failing or
// slow callback never stalls signal ingestion.
type AlertFunc func(alert Alert)

// Aggregates are the tracker's running distributions, persisted when a
// conversation's tracking session ends.
type Aggregates struct {
	TotalSessions   int            `json:"total_sessions"`
	EventCounts     map[string]int `json:"event_counts"`
	LevelCounts     map[string]int `json:"anxiety_distribution"`
	TrendCounts     map[string]int `json:"trend_distribution"`
	AvgPeak         float64        `json:"average_peak_anxiety"`
	AvgEscalation   float64        `json:"average_escalation_rate"`
	RecentSequences []string       `json:"common_escalation_patterns"`
}
