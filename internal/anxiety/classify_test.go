package anxiety

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/amritessh/overthinkd/internal/conversation"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		old  conversation.Level
		new  conversation.Level
		want EventKind
	}{
		{"spike", 1, 4, EventSpike},
		{"spike max jump", 1, 5, EventSpike},
		{"escalation", 2, 4, EventEscalation},
		{"single step up", 2, 3, EventEscalation},
		{"plateau", 3, 3, EventPlateau},
		{"single step down", 3, 2, EventRecovery},
		{"de-escalation", 5, 2, EventDeEscalation},
		{"de-escalation boundary", 4, 2, EventDeEscalation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.old, tt.new))
		})
	}
}

func TestClassify_PureAndTotal(t *testing.T) {
	// Every valid level pair must map to exactly one non-initial kind, and
	// the same pair must always yield the same kind.
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		old := conversation.Level(rng.Intn(5) + 1)
		new := conversation.Level(rng.Intn(5) + 1)
		first := Classify(old, new)
		assert.Equal(t, first, Classify(old, new))
		assert.NotEqual(t, EventInitial, first)
		assert.NotEqual(t, EventSustainedHigh, first)

		delta := int(new) - int(old)
		switch {
		case delta > 0:
			assert.Contains(t, []EventKind{EventSpike, EventEscalation}, first)
		case delta == 0:
			assert.Equal(t, EventPlateau, first)
		default:
			assert.Contains(t, []EventKind{EventDeEscalation, EventRecovery}, first)
		}
	}
}

func TestOLSSlope(t *testing.T) {
	assert.Equal(t, 0.0, olsSlope([]int{3}))
	assert.InDelta(t, 1.0, olsSlope([]int{1, 2, 3, 4, 5}), 1e-9)
	assert.InDelta(t, -1.0, olsSlope([]int{5, 4, 3, 2, 1}), 1e-9)
	assert.InDelta(t, 0.0, olsSlope([]int{3, 3, 3, 3}), 1e-9)
}

func TestDirection_VolatilityOverride(t *testing.T) {
	assert.Equal(t, TrendVolatile, direction(1.0, 0.6, 0.5), "volatility wins over slope")
	assert.Equal(t, TrendIncreasing, direction(0.2, 0.1, 0.5))
	assert.Equal(t, TrendDecreasing, direction(-0.2, 0.1, 0.5))
	assert.Equal(t, TrendStable, direction(0.05, 0.1, 0.5))
}

func TestSustainedHighMinutes(t *testing.T) {
	base := time.Now()
	mk := func(offsetMins float64, level int) *DataPoint {
		return &DataPoint{
			Timestamp: base.Add(time.Duration(offsetMins * float64(time.Minute))),
			Level:     conversation.Level(level),
		}
	}

	t.Run("no high run", func(t *testing.T) {
		points := []*DataPoint{mk(0, 2), mk(1, 3), mk(2, 2)}
		assert.Equal(t, 0.0, sustainedHighMinutes(points, 4))
	})

	t.Run("broken run resets", func(t *testing.T) {
		points := []*DataPoint{mk(0, 4), mk(2, 5), mk(3, 2), mk(4, 4), mk(5, 4)}
		assert.InDelta(t, 2.0, sustainedHighMinutes(points, 4), 1e-9)
	})

	t.Run("full run", func(t *testing.T) {
		points := []*DataPoint{mk(0, 4), mk(3, 4), mk(7, 5)}
		assert.InDelta(t, 7.0, sustainedHighMinutes(points, 4), 1e-9)
	})
}
