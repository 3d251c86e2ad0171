package protocol

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AgentCategory is the functional role of an agent.
type AgentCategory string

const (
	CategoryIntake          AgentCategory = "intake_specialist"
	CategoryCatastrophe     AgentCategory = "catastrophe_escalator"
	CategoryTimelinePanic   AgentCategory = "timeline_panic_generator"
	CategoryProbability     AgentCategory = "probability_twister"
	CategorySocialAmplifier AgentCategory = "social_anxiety_amplifier"
	CategoryFalseComfort    AgentCategory = "false_comfort_provider"
	CategoryCoordinator     AgentCategory = "coordinator"
)

// defaultAdjacency is the built-in handoff graph. A handoff is only legal
// when the target's category appears in the source category's list.
var defaultAdjacency = map[AgentCategory][]AgentCategory{
	CategoryIntake:          {CategoryCatastrophe, CategorySocialAmplifier, CategoryTimelinePanic},
	CategoryCatastrophe:     {CategoryTimelinePanic, CategoryProbability, CategoryFalseComfort},
	CategoryTimelinePanic:   {CategorySocialAmplifier, CategoryProbability, CategoryFalseComfort},
	CategoryProbability:     {CategoryFalseComfort, CategorySocialAmplifier, CategoryTimelinePanic},
	CategorySocialAmplifier: {CategoryFalseComfort, CategoryProbability, CategoryCatastrophe},
	CategoryFalseComfort:    {CategoryCatastrophe, CategoryTimelinePanic, CategoryIntake},
}

// MessageKind discriminates protocol messages.
type MessageKind string

const (
	KindHandoff            MessageKind = "handoff"
	KindConsultation       MessageKind = "consultation"
	KindInformationSharing MessageKind = "information_sharing"
	KindStatusUpdate       MessageKind = "status_update"
)

// HandoffReason explains why a source agent requested a handoff.
type HandoffReason string

const (
	ReasonEscalationComplete    HandoffReason = "escalation_complete"
	ReasonSpecializedNeeded     HandoffReason = "specialized_needed"
	ReasonMaxInteractionReached HandoffReason = "max_interaction_reached"
	ReasonUserRequest           HandoffReason = "user_request"
	ReasonConversationStalled   HandoffReason = "conversation_stalled"
	ReasonErrorRecovery         HandoffReason = "error_recovery"
)

// Message is one unit of inter-agent communication.
type Message struct {
	ID             string         `json:"message_id"`
	Kind           MessageKind    `json:"message_type"`
	From           string         `json:"sender_id"`
	To             string         `json:"recipient_id"`
	ConversationID string         `json:"conversation_id"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// NewMessage builds a Message with a fresh ID and timestamp.
func NewMessage(kind MessageKind, from, to, convID, content string) *Message {
	return &Message{
		ID:             "msg_" + uuid.NewString(),
		Kind:           kind,
		From:           from,
		To:             to,
		ConversationID: convID,
		Content:        content,
		Timestamp:      time.Now(),
	}
}

// HandoffRequest asks the protocol to rebind a conversation to the target
// agent.
type HandoffRequest struct {
	From           string         `json:"from_agent"`
	To             string         `json:"to_agent"`
	ConversationID string         `json:"conversation_id"`
	Reason         HandoffReason  `json:"reason"`
	Summary        string         `json:"context_summary,omitempty"`
	UserState      map[string]any `json:"user_state,omitempty"`
}

// HandoffResult reports the outcome of a handoff request. On rejection the
// conversation binding is guaranteed unchanged.
type HandoffResult struct {
	Accepted bool     `json:"accepted"`
	Detail   string   `json:"detail,omitempty"`
	Message  *Message `json:"message,omitempty"`
}

// MessageHandler lets a registered agent answer consultation requests.
type MessageHandler func(ctx context.Context, msg *Message) (string, error)

// Descriptor is the registry entry for an agent. Handler is optional; agents
// without one answer consultations with a generic acknowledgment.
type Descriptor struct {
	ID       string
	Name     string
	Category AgentCategory
	Handler  MessageHandler
}
