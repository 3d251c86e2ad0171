package coordinator

import (
	"strings"

	"go.uber.org/zap"

	"github.com/amritessh/overthinkd/internal/conversation"
	"github.com/amritessh/overthinkd/internal/protocol"
)

// Config tunes the phase machine's thresholds.
type Config struct {
	// HighLevel is the signal level that pulls transitions toward
	// amplification.
	HighLevel int

	// LongConversation is the message count past which transitions prefer
	// completion.
	LongConversation int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		HighLevel:        4,
		LongConversation: 15,
	}
}

// Coordinator makes phase and agent decisions. It is stateless between
// calls; all conversation state lives in the record.
type Coordinator struct {
	cfg    Config
	logger *zap.Logger
}

// New builds a Coordinator after validating the phase graph.
func New(cfg Config, logger *zap.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HighLevel == 0 {
		cfg = DefaultConfig()
	}
	if err := ValidatePhaseGraph(); err != nil {
		return nil, err
	}
	return &Coordinator{cfg: cfg, logger: logger}, nil
}

// Content routing tables. Order matters: rules are checked top to bottom and
// the first hit wins.
var (
	deathWords       = []string{"dead", "death", "die", "dying", "end", "over", "gone"}
	timeWords        = []string{"time", "running out", "deadline", "urgent", "soon", "quickly"}
	socialWords      = []string{"friend", "social", "text", "embarrassed", "judge", "think"}
	healthWords      = []string{"health", "sick", "pain", "symptom", "doctor", "medical"}
	probabilityWords = []string{"chance", "probability", "likely", "statistics", "percent", "%"}
)

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

// PickDynamic selects the agent for an amplification turn from message
// content and conversation state, in fixed priority order.
func (c *Coordinator) PickDynamic(rec *conversation.Record, message string) protocol.AgentCategory {
	lower := strings.ToLower(message)

	switch {
	case containsAny(lower, deathWords):
		return protocol.CategoryCatastrophe
	case containsAny(lower, timeWords):
		return protocol.CategoryTimelinePanic
	case containsAny(lower, socialWords):
		return protocol.CategorySocialAmplifier
	case containsAny(lower, healthWords):
		return protocol.CategoryCatastrophe
	case containsAny(lower, probabilityWords):
		return protocol.CategoryProbability
	case int(rec.Level) >= c.cfg.HighLevel:
		return protocol.CategoryFalseComfort
	case rec.MessageCount > 1:
		// Alternate between escalation and statistical amplification.
		if rec.MessageCount%2 == 0 {
			return protocol.CategoryCatastrophe
		}
		return protocol.CategoryProbability
	default:
		return protocol.CategoryCatastrophe
	}
}

// PickDirect is the simple routing used outside phase-driven dispatch: the
// first turn always goes to intake, high signal gets false comfort, then
// keyword routes.
func (c *Coordinator) PickDirect(rec *conversation.Record, message string) protocol.AgentCategory {
	if rec.MessageCount == 0 {
		return protocol.CategoryIntake
	}
	if int(rec.Level) >= c.cfg.HighLevel {
		return protocol.CategoryFalseComfort
	}

	lower := strings.ToLower(message)
	switch {
	case containsAny(lower, socialWords):
		return protocol.CategorySocialAmplifier
	case containsAny(lower, timeWords):
		return protocol.CategoryTimelinePanic
	case containsAny(lower, probabilityWords):
		return protocol.CategoryProbability
	default:
		return protocol.CategoryCatastrophe
	}
}

// PickForPhase selects the agent for the record's current phase. Phases
// with a fixed primary agent use it; amplification routes dynamically.
func (c *Coordinator) PickForPhase(rec *conversation.Record, message string) protocol.AgentCategory {
	phase := CurrentPhase(rec)
	cfg := phaseTable[phase]
	if cfg.Primary != "" {
		return cfg.Primary
	}
	return c.PickDynamic(rec, message)
}
