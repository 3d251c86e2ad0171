package coordinator

import (
	"fmt"
	"time"

	"github.com/amritessh/overthinkd/internal/conversation"
	"github.com/amritessh/overthinkd/internal/protocol"
)

// Phase is a stage of the conversation lifecycle.
type Phase string

const (
	PhaseIntake        Phase = "intake"
	PhaseEscalation    Phase = "escalation"
	PhaseAmplification Phase = "amplification"
	PhaseCompletion    Phase = "completion"
)

// phaseConfig declares a phase's primary agent and legal successors. An
// empty Primary means the agent is picked dynamically from content.
type phaseConfig struct {
	Primary    protocol.AgentCategory
	Successors []Phase
}

var phaseTable = map[Phase]phaseConfig{
	PhaseIntake: {
		Primary:    protocol.CategoryIntake,
		Successors: []Phase{PhaseEscalation, PhaseAmplification},
	},
	PhaseEscalation: {
		Primary:    protocol.CategoryCatastrophe,
		Successors: []Phase{PhaseAmplification, PhaseEscalation},
	},
	PhaseAmplification: {
		Primary:    "", // dynamic selection
		Successors: []Phase{PhaseEscalation, PhaseAmplification, PhaseCompletion},
	},
	PhaseCompletion: {
		Primary:    protocol.CategoryCoordinator,
		Successors: nil,
	},
}

// Terminal reports whether the phase has no successors.
func (p Phase) Terminal() bool {
	return len(phaseTable[p].Successors) == 0
}

// Successors returns the phase's declared successor set.
func (p Phase) Successors() []Phase {
	return append([]Phase(nil), phaseTable[p].Successors...)
}

// ValidatePhaseGraph checks the phase table at startup: Completion must be
// reachable from Intake and Intake must never appear as a successor.
func ValidatePhaseGraph() error {
	seen := map[Phase]bool{}
	frontier := []Phase{PhaseIntake}
	for len(frontier) > 0 {
		p := frontier[0]
		frontier = frontier[1:]
		if seen[p] {
			continue
		}
		seen[p] = true
		for _, next := range phaseTable[p].Successors {
			if next == PhaseIntake {
				return fmt.Errorf("phase graph invalid: %s lists intake as a successor", p)
			}
			frontier = append(frontier, next)
		}
	}
	if !seen[PhaseCompletion] {
		return fmt.Errorf("phase graph invalid: completion unreachable from intake")
	}
	return nil
}

// criteriaMet evaluates the phase's success predicate against the current
// record and the turn that just completed.
func (c *Coordinator) criteriaMet(phase Phase, rec *conversation.Record, responseText string, escalation int) bool {
	switch phase {
	case PhaseIntake:
		return responseText != ""
	case PhaseEscalation:
		return escalation >= 2 || int(rec.Level) >= 3
	case PhaseAmplification:
		return int(rec.Level) >= 2
	case PhaseCompletion:
		return rec.MessageCount >= 3
	default:
		return false
	}
}

// nextPhase picks from the successor set. High signal pulls toward
// amplification, long conversations toward completion; ties break to the
// first listed successor.
func (c *Coordinator) nextPhase(rec *conversation.Record, successors []Phase) Phase {
	if len(successors) == 1 {
		return successors[0]
	}
	if int(rec.Level) >= c.cfg.HighLevel && contains(successors, PhaseAmplification) {
		return PhaseAmplification
	}
	if rec.MessageCount > c.cfg.LongConversation && contains(successors, PhaseCompletion) {
		return PhaseCompletion
	}
	return successors[0]
}

func contains(phases []Phase, p Phase) bool {
	for _, candidate := range phases {
		if candidate == p {
			return true
		}
	}
	return false
}

// CurrentPhase reads the phase from the record's context, defaulting to
// Intake for fresh conversations.
func CurrentPhase(rec *conversation.Record) Phase {
	if v, ok := rec.Context[conversation.CtxPhase].(string); ok && v != "" {
		return Phase(v)
	}
	return PhaseIntake
}

// AdvancePhase evaluates the current phase's success predicate and, if met,
// moves the record to the next phase and appends a phase-history entry.
// Returns the phase in effect afterwards and whether a transition happened.
func (c *Coordinator) AdvancePhase(rec *conversation.Record, responseText string, escalation int) (Phase, bool) {
	current := CurrentPhase(rec)
	cfg := phaseTable[current]
	if len(cfg.Successors) == 0 {
		return current, false
	}
	if !c.criteriaMet(current, rec, responseText, escalation) {
		return current, false
	}

	next := c.nextPhase(rec, cfg.Successors)
	rec.Context[conversation.CtxPhase] = string(next)

	history, _ := rec.Context[conversation.CtxPhaseHistory].([]any)
	rec.Context[conversation.CtxPhaseHistory] = append(history, map[string]any{
		"phase":        string(current),
		"completed_at": time.Now().Format(time.RFC3339),
	})

	return next, true
}
