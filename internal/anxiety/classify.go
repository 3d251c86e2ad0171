package anxiety

import (
	"math"

	"github.com/amritessh/overthinkd/internal/conversation"
)

// Classification thresholds. These are load-bearing: Classify must stay a
// pure function of (old, new) with exactly this precedence.
const (
	SpikeThreshold      = 3
	EscalationThreshold = 2
)

// Classify maps a level change to its event kind. Precedence: spike,
// escalation, de-escalation, plateau, recovery; any residual positive delta
// counts as an escalation.
func Classify(old, new conversation.Level) EventKind {
	delta := int(new) - int(old)
	switch {
	case delta >= SpikeThreshold:
		return EventSpike
	case delta >= EscalationThreshold:
		return EventEscalation
	case delta <= -EscalationThreshold:
		return EventDeEscalation
	case delta == 0:
		return EventPlateau
	case delta < 0:
		return EventRecovery
	default:
		return EventEscalation
	}
}

// olsSlope fits y = a + b*x over x = 0..n-1 and returns b. Fewer than two
// samples yield zero.
func olsSlope(levels []int) float64 {
	n := len(levels)
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range levels {
		x := float64(i)
		sumX += x
		sumY += float64(y)
		sumXY += x * float64(y)
		sumXX += x * x
	}
	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (fn*sumXY - sumX*sumY) / denom
}

// stddev is the sample standard deviation.
func stddev(levels []int) float64 {
	n := len(levels)
	if n < 2 {
		return 0
	}
	var sum float64
	for _, v := range levels {
		sum += float64(v)
	}
	mean := sum / float64(n)
	var ss float64
	for _, v := range levels {
		d := float64(v) - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(n-1))
}

// direction buckets a slope, then lets volatility override the result.
func direction(slope, volatility, volThreshold float64) Trend {
	if volatility > volThreshold {
		return TrendVolatile
	}
	switch {
	case slope > 0.1:
		return TrendIncreasing
	case slope < -0.1:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

// sustainedHighMinutes returns the longest contiguous run at or above
// threshold, in wall-clock minutes between the run's first and last point.
func sustainedHighMinutes(points []*DataPoint, threshold int) float64 {
	var longest float64
	runStart := -1
	for i, p := range points {
		if int(p.Level) >= threshold {
			if runStart < 0 {
				runStart = i
			}
			dur := points[i].Timestamp.Sub(points[runStart].Timestamp).Minutes()
			if dur > longest {
				longest = dur
			}
		} else {
			runStart = -1
		}
	}
	return longest
}
