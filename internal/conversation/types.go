package conversation

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusEscalated Status = "escalated"
	StatusError     Status = "error"
)

// statusRank orders statuses for the forward-only transition rule.
var statusRank = map[Status]int{
	StatusActive:    0,
	StatusPaused:    0, // Paused<->Active moves freely
	StatusEscalated: 1,
	StatusCompleted: 2,
	StatusError:     2,
}

// CanTransition reports whether a status change is legal. Transitions only
// move forward, except Paused and Active which swap freely.
func (s Status) CanTransition(to Status) bool {
	if s == to {
		return true
	}
	if (s == StatusActive && to == StatusPaused) || (s == StatusPaused && to == StatusActive) {
		return true
	}
	return statusRank[to] > statusRank[s]
}

// Terminal reports whether the conversation has ended.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Level is the bounded anxiety level tracked per conversation.
type Level int

const (
	LevelMinimal  Level = 1
	LevelMild     Level = 2
	LevelModerate Level = 3
	LevelSevere   Level = 4
	LevelPanic    Level = 5
)

// ClampLevel bounds an arbitrary integer into the valid level range.
func ClampLevel(v int) Level {
	if v < int(LevelMinimal) {
		return LevelMinimal
	}
	if v > int(LevelPanic) {
		return LevelPanic
	}
	return Level(v)
}

// Valid reports whether the level is within bounds.
func (l Level) Valid() bool {
	return l >= LevelMinimal && l <= LevelPanic
}

// Category classifies the topic of a user's worry.
type Category string

const (
	CategorySocial   Category = "social"
	CategoryHealth   Category = "health"
	CategoryCareer   Category = "career"
	CategoryFinances Category = "finances"
	CategoryGeneral  Category = "general"
)

// categoryRule pairs trigger keywords with the resulting category. Rules are
// evaluated in order; first match wins.
type categoryRule struct {
	keywords []string
	category Category
}

var categoryRules = []categoryRule{
	{[]string{"friend", "social", "text", "call"}, CategorySocial},
	{[]string{"health", "sick", "pain", "doctor"}, CategoryHealth},
	{[]string{"work", "job", "boss", "career"}, CategoryCareer},
	{[]string{"money", "financial", "debt", "bill"}, CategoryFinances},
}

// Categorize maps free-form worry text to a Category using the ordered
// keyword table.
func Categorize(text string) Category {
	lower := strings.ToLower(text)
	for _, rule := range categoryRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.category
			}
		}
	}
	return CategoryGeneral
}

// Record is the durable state of one conversation. It is owned by the state
// store; services hold only transient views re-derivable from it. Agent
// participation is tracked by ID, never by object reference.
type Record struct {
	ID     string `json:"conversation_id"`
	UserID string `json:"user_id"`
	Status Status `json:"status"`

	Level           Level    `json:"current_anxiety_level"`
	LastAgent       string   `json:"last_active_agent,omitempty"`
	MessageCount    int      `json:"message_count"`
	EscalationCount int      `json:"escalation_count"`
	AgentsInvolved  []string `json:"agents_involved"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// Context holds phase, strategy, per-turn history and the last
	// response. Free-form by design; the coordinator and orchestrator
	// agree on its well-known keys.
	Context map[string]any `json:"context"`
}

// Well-known Context keys.
const (
	CtxPhase         = "phase"
	CtxStrategy      = "strategy"
	CtxMode          = "mode"
	CtxHistory       = "history"
	CtxPhaseHistory  = "phase_history"
	CtxLastResponse  = "last_response"
	CtxGoals         = "goals"
	CtxInitialWorry  = "initial_worry"
	CtxOrchestration = "orchestration_history"
	CtxEndReason     = "end_reason"
)

// NewRecord creates an Active record for a first turn.
func NewRecord(userID string, level Level) *Record {
	now := time.Now()
	return &Record{
		ID:             "conv_" + uuid.NewString(),
		UserID:         userID,
		Status:         StatusActive,
		Level:          ClampLevel(int(level)),
		AgentsInvolved: []string{},
		CreatedAt:      now,
		UpdatedAt:      now,
		Context:        map[string]any{},
	}
}

// InvolveAgent appends an agent ID to the ordered participation set if it is
// not already present.
func (r *Record) InvolveAgent(agentID string) {
	for _, id := range r.AgentsInvolved {
		if id == agentID {
			return
		}
	}
	r.AgentsInvolved = append(r.AgentsInvolved, agentID)
}

// Interaction is one agent turn persisted for auditability.
type Interaction struct {
	ID             string         `json:"interaction_id"`
	ConversationID string         `json:"conversation_id"`
	AgentID        string         `json:"agent_id"`
	Content        string         `json:"content"`
	LevelBefore    Level          `json:"anxiety_before"`
	LevelAfter     Level          `json:"anxiety_after"`
	Timestamp      time.Time      `json:"timestamp"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// NewInteraction builds an Interaction with a fresh ID and timestamp.
func NewInteraction(convID, agentID, content string, before, after Level) *Interaction {
	return &Interaction{
		ID:             "int_" + uuid.NewString(),
		ConversationID: convID,
		AgentID:        agentID,
		Content:        content,
		LevelBefore:    before,
		LevelAfter:     after,
		Timestamp:      time.Now(),
	}
}

// Session is the per-user activity record.
type Session struct {
	UserID       string    `json:"user_id"`
	LastActivity time.Time `json:"last_activity"`
	Conversation string    `json:"conversation_id,omitempty"`
}
