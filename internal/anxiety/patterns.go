package anxiety

import (
	"context"
)

// DetectPatterns runs every pattern detector over the conversation's full
// signal history.
func (t *Tracker) DetectPatterns(ctx context.Context, convID string) (*Patterns, error) {
	points, err := t.points(ctx, convID)
	if err != nil {
		return nil, err
	}
	return &Patterns{
		Escalation: escalationPattern(points),
		Plateaus:   plateauPeriods(points, t.cfg.PlateauMinutes),
		Spikes:     collectEvents(points, EventSpike),
		Recoveries: collectEvents(points, EventRecovery),
		Cycle:      cyclePattern(points),
	}, nil
}

// escalationPattern characterizes the cadence of escalation events. Regular
// means the intervals between escalations stay within 2x of their mean.
func escalationPattern(points []*DataPoint) EscalationPattern {
	var escalations []*DataPoint
	for _, p := range points {
		if p.Kind == EventEscalation || p.Kind == EventSpike {
			escalations = append(escalations, p)
		}
	}
	switch len(escalations) {
	case 0:
		return EscalationPattern{Pattern: "none"}
	case 1:
		return EscalationPattern{Pattern: "single", Count: 1}
	}

	intervals := make([]float64, 0, len(escalations)-1)
	var sum float64
	for i := 1; i < len(escalations); i++ {
		d := escalations[i].Timestamp.Sub(escalations[i-1].Timestamp).Minutes()
		intervals = append(intervals, d)
		sum += d
	}
	mean := sum / float64(len(intervals))

	pattern := "regular"
	for _, iv := range intervals {
		if mean > 0 && (iv > 2*mean || iv < mean/2) {
			pattern = "irregular"
			break
		}
	}
	return EscalationPattern{
		Pattern:         pattern,
		Count:           len(escalations),
		AvgIntervalMins: mean,
	}
}

// plateauPeriods finds flat stretches lasting at least minMinutes.
func plateauPeriods(points []*DataPoint, minMinutes float64) []Plateau {
	var out []Plateau
	if len(points) < 2 {
		return out
	}

	start := 0
	for i := 1; i <= len(points); i++ {
		if i < len(points) && points[i].Level == points[start].Level {
			continue
		}
		if i-start >= 2 {
			dur := points[i-1].Timestamp.Sub(points[start].Timestamp).Minutes()
			if dur >= minMinutes {
				out = append(out, Plateau{
					Start:        points[start].Timestamp,
					Level:        int(points[start].Level),
					DurationMins: dur,
				})
			}
		}
		start = i
	}
	return out
}

func collectEvents(points []*DataPoint, kind EventKind) []PointEvent {
	var out []PointEvent
	for _, p := range points {
		if p.Kind == kind {
			out = append(out, PointEvent{
				Timestamp: p.Timestamp,
				Level:     int(p.Level),
				Delta:     p.Delta,
				AgentID:   p.AgentID,
			})
		}
	}
	return out
}

// cyclePattern looks for the shortest repeating period in the level
// sequence. At least two full repetitions are required.
func cyclePattern(points []*DataPoint) CyclePattern {
	levels := make([]int, len(points))
	for i, p := range points {
		levels[i] = int(p.Level)
	}
	if len(levels) < 4 {
		return CyclePattern{}
	}
	for period := 2; period <= len(levels)/2; period++ {
		if isCycle(levels, period) {
			return CyclePattern{Cyclic: true, Length: period}
		}
	}
	return CyclePattern{}
}

func isCycle(levels []int, period int) bool {
	for i := period; i < len(levels); i++ {
		if levels[i] != levels[i-period] {
			return false
		}
	}
	return true
}
