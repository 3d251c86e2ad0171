package coordinator

import (
	"strings"

	"github.com/amritessh/overthinkd/internal/conversation"
)

// Strategy names a policy governing how phases and agents are sequenced.
type Strategy string

const (
	StrategyLinear        Strategy = "linear_escalation"
	StrategySpiral        Strategy = "spiral_intensification"
	StrategyPingPong      Strategy = "ping_pong_anxiety"
	StrategyCollaborative Strategy = "collaborative_destruction"
	StrategyAdaptive      Strategy = "adaptive_orchestration"
)

// connectives mark compound concerns; their presence bumps the complexity
// score.
var connectives = []string{"and", "also", "plus", "additionally", "furthermore"}

// complexityScore rates a concern 0..1 from its category, stated intensity
// and text shape.
func complexityScore(worry string, category conversation.Category, level conversation.Level) float64 {
	score := 0.0
	if category == conversation.CategorySocial {
		score += 0.3
	}
	if int(level) >= 3 {
		score += 0.4
	}
	if len(worry) > 100 {
		score += 0.2
	}
	lower := strings.ToLower(worry)
	for _, word := range connectives {
		if strings.Contains(lower, word) {
			score += 0.1
			break
		}
	}
	if score > 1 {
		score = 1
	}
	return score
}

// SelectStrategy picks the initial strategy for a conversation. The mapping
// is a deterministic function of the concern; the same input always yields
// the same strategy.
func SelectStrategy(worry string, category conversation.Category, level conversation.Level) Strategy {
	score := complexityScore(worry, category, level)
	switch {
	case score >= 0.7:
		return StrategyAdaptive
	case score >= 0.5:
		return StrategySpiral
	case score >= 0.3:
		return StrategyPingPong
	default:
		return StrategyLinear
	}
}

// CurrentStrategy reads the strategy from the record's context, defaulting
// to linear escalation.
func CurrentStrategy(rec *conversation.Record) Strategy {
	if v, ok := rec.Context[conversation.CtxStrategy].(string); ok && v != "" {
		return Strategy(v)
	}
	return StrategyLinear
}
