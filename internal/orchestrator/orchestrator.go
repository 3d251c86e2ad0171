package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/amritessh/overthinkd/internal/anxiety"
	"github.com/amritessh/overthinkd/internal/conversation"
	"github.com/amritessh/overthinkd/internal/coordinator"
	"github.com/amritessh/overthinkd/internal/protocol"
	"github.com/amritessh/overthinkd/internal/store"
)

const instrumentationName = "github.com/amritessh/overthinkd/internal/orchestrator"

// Orchestrator errors.
var (
	ErrBusy      = errors.New("conversation busy, retry")
	ErrNotActive = errors.New("conversation is not active")
)

// fallbackText degrades a failed generation into an in-character response.
const fallbackText = "I'm experiencing some technical difficulties coordinating " +
	"the perfect response to your concern. This is probably making your " +
	"situation even more stressful, isn't it?"

// Mode is a turn dispatch mode.
type Mode string

const (
	ModeDirect        Mode = "direct"
	ModeCoordinated   Mode = "coordinated"
	ModeCollaborative Mode = "collaborative"
	ModeAdaptive      Mode = "adaptive"
)

// Config tunes the orchestrator.
type Config struct {
	// CollabTimeout bounds each constituent generation in collaborative
	// mode. A constituent that times out is omitted, not fatal.
	CollabTimeout time.Duration

	// MessageBudget is the transport message-size budget for synthesized
	// collaborative responses, in bytes.
	MessageBudget int

	// LongConversation and LowEscalationRatio drive the adaptive strategy
	// rewrite.
	LongConversation   int
	LowEscalationRatio float64

	// AgentTurnover is the distinct-agent count past which adaptive mode
	// binds the coordinator agent.
	AgentTurnover int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		CollabTimeout:      15 * time.Second,
		MessageBudget:      1900,
		LongConversation:   10,
		LowEscalationRatio: 0.3,
		AgentTurnover:      4,
	}
}

// TurnResult is what a caller gets back from Advance.
type TurnResult struct {
	AgentID       string             `json:"agent_id"`
	AgentName     string             `json:"agent_name"`
	Text          string             `json:"response"`
	NewLevel      conversation.Level `json:"new_anxiety_level"`
	SuggestedNext []string           `json:"suggested_next_agents,omitempty"`
	Phase         string             `json:"phase"`
}

// Stats is a snapshot of orchestrator activity.
type Stats struct {
	ActiveConversations int                `json:"active_conversations"`
	TurnsByAgent        map[string]int     `json:"turns_by_agent"`
	TurnsByMode         map[string]int     `json:"turns_by_mode"`
	Handoffs            protocol.Stats     `json:"handoffs"`
	Anxiety             anxiety.Aggregates `json:"anxiety"`
}

// Orchestrator wires the conversation manager, signal tracker, protocol and
// coordinator into the turn loop.
type Orchestrator struct {
	cfg      Config
	conv     *conversation.Manager
	tracker  *anxiety.Tracker
	proto    *protocol.Protocol
	registry *protocol.Registry
	coord    *coordinator.Coordinator
	gen      Generator
	logger   *zap.Logger

	// directOnly forces Direct dispatch when no coordinator was supplied.
	directOnly bool

	mu           sync.Mutex
	active       int
	turnsByAgent map[string]int
	turnsByMode  map[string]int

	tracer    trace.Tracer
	meter     metric.Meter
	turnCount metric.Int64Counter
}

// New wires an Orchestrator. coord may be nil, which forces Direct dispatch
// for every turn.
func New(cfg Config, conv *conversation.Manager, tracker *anxiety.Tracker, proto *protocol.Protocol, registry *protocol.Registry, coord *coordinator.Coordinator, gen Generator, logger *zap.Logger) (*Orchestrator, error) {
	if conv == nil || tracker == nil || proto == nil || registry == nil {
		return nil, errors.New("conversation manager, tracker, protocol and registry are required")
	}
	if gen == nil {
		return nil, errors.New("generator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MessageBudget <= 0 {
		cfg = DefaultConfig()
	}

	directOnly := false
	if coord == nil {
		// Direct mode still needs the keyword tables.
		var err error
		coord, err = coordinator.New(coordinator.DefaultConfig(), logger)
		if err != nil {
			return nil, err
		}
		directOnly = true
	}

	o := &Orchestrator{
		cfg:          cfg,
		conv:         conv,
		tracker:      tracker,
		proto:        proto,
		registry:     registry,
		coord:        coord,
		gen:          gen,
		logger:       logger,
		directOnly:   directOnly,
		turnsByAgent: make(map[string]int),
		turnsByMode:  make(map[string]int),
		tracer:       otel.Tracer(instrumentationName),
		meter:        otel.Meter(instrumentationName),
	}

	var err error
	o.turnCount, err = o.meter.Int64Counter(
		"overthinkd.orchestrator.turns_total",
		metric.WithDescription("Conversation turns processed, by mode"),
		metric.WithUnit("{turn}"),
	)
	if err != nil {
		logger.Warn("failed to create turn counter", zap.Error(err))
	}

	return o, nil
}

// StartConversation creates a record, selects the initial strategy and
// opens signal tracking. Returns the conversation ID.
func (o *Orchestrator) StartConversation(ctx context.Context, userID, initialText string, initialLevel int) (string, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.StartConversation")
	defer span.End()

	level := conversation.ClampLevel(initialLevel)
	category := conversation.Categorize(initialText)
	strategy := coordinator.SelectStrategy(initialText, category, level)

	rec := conversation.NewRecord(userID, level)
	rec.Context[conversation.CtxPhase] = string(coordinator.PhaseIntake)
	rec.Context[conversation.CtxStrategy] = string(strategy)
	rec.Context[conversation.CtxInitialWorry] = initialText
	rec.Context[conversation.CtxGoals] = conversationGoals(category)

	if err := o.conv.SaveRecord(ctx, rec); err != nil {
		return "", fmt.Errorf("failed to create conversation: %w", err)
	}
	if err := o.conv.TouchSession(ctx, userID, rec.ID); err != nil {
		o.logger.Warn("failed to touch session", zap.String("user_id", userID), zap.Error(err))
	}
	if err := o.tracker.StartTracking(ctx, rec.ID, level, "system"); err != nil {
		return "", fmt.Errorf("failed to start tracking: %w", err)
	}

	o.mu.Lock()
	o.active++
	o.mu.Unlock()

	o.logger.Info("conversation started",
		zap.String("conversation_id", rec.ID),
		zap.String("user_id", userID),
		zap.String("category", string(category)),
		zap.String("strategy", string(strategy)))
	span.SetAttributes(attribute.String("conversation.id", rec.ID))

	return rec.ID, nil
}

// conversationGoals derives the conversation's goal list from the worry
// category.
func conversationGoals(category conversation.Category) []string {
	goals := []string{
		"escalate_anxiety_progressively",
		"maintain_user_engagement",
		"demonstrate_agent_coordination",
	}
	switch category {
	case conversation.CategorySocial:
		goals = append(goals, "amplify_social_anxiety")
	case conversation.CategoryHealth:
		goals = append(goals, "create_health_catastrophe_scenarios")
	case conversation.CategoryCareer:
		goals = append(goals, "build_career_timeline_pressure")
	}
	return goals
}

// Advance runs one turn. The plan is computed from a snapshot, generation
// happens without the lock, and the result commits in a second critical
// section.
func (o *Orchestrator) Advance(ctx context.Context, convID, userText string) (*TurnResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Advance",
		trace.WithAttributes(attribute.String("conversation.id", convID)))
	defer span.End()

	rec, err := o.conv.GetRecord(ctx, convID)
	if err != nil {
		return nil, err
	}
	if rec.Status != conversation.StatusActive {
		return nil, fmt.Errorf("%w: status %s", ErrNotActive, rec.Status)
	}

	mode, reply, err := o.dispatch(ctx, rec, userText)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("turn.mode", string(mode)))

	result, err := o.commit(ctx, convID, mode, reply)
	if err != nil {
		if errors.Is(err, store.ErrLockTimeout) {
			return nil, ErrBusy
		}
		return nil, err
	}

	o.mu.Lock()
	o.turnsByAgent[reply.AgentID]++
	o.turnsByMode[string(mode)]++
	o.mu.Unlock()
	if o.turnCount != nil {
		o.turnCount.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", string(mode))))
	}

	return result, nil
}

// commit applies the turn result to the record under the conversation lock
// and records the signal change.
func (o *Orchestrator) commit(ctx context.Context, convID string, mode Mode, reply *Reply) (*TurnResult, error) {
	var result *TurnResult
	err := o.conv.WithConversationLock(ctx, convID, func(ctx context.Context) error {
		rec, err := o.conv.GetRecord(ctx, convID)
		if err != nil {
			return err
		}
		// The pre-dispatch check ran on a snapshot; a racing End may have
		// completed the conversation since.
		if rec.Status != conversation.StatusActive {
			return fmt.Errorf("%w: status %s", ErrNotActive, rec.Status)
		}

		oldLevel := rec.Level
		rec.Level = conversation.ClampLevel(int(rec.Level) + reply.Escalation - 1)
		rec.MessageCount++
		if reply.Escalation >= 3 {
			rec.EscalationCount++
		}
		rec.LastAgent = reply.AgentID
		rec.InvolveAgent(reply.AgentID)
		rec.Context[conversation.CtxLastResponse] = reply.Text

		// Adaptive decisions made during planning are persisted here so a
		// racing commit cannot half-apply them.
		if reply.strategyRewrite != "" {
			rec.Context[conversation.CtxStrategy] = reply.strategyRewrite
		}

		phase, _ := o.coord.AdvancePhase(rec, reply.Text, reply.Escalation)
		appendOrchestration(rec, map[string]any{
			"timestamp": time.Now().Format(time.RFC3339),
			"mode":      string(mode),
			"agent":     reply.AgentID,
			"phase":     string(phase),
			"strategy":  rec.Context[conversation.CtxStrategy],
		})

		if err := o.conv.SaveRecordLocked(ctx, rec); err != nil {
			return err
		}

		if err := o.conv.TouchSession(ctx, rec.UserID, convID); err != nil {
			o.logger.Warn("failed to touch session", zap.String("user_id", rec.UserID), zap.Error(err))
		}
		if err := o.tracker.RecordChange(ctx, convID, oldLevel, rec.Level, reply.AgentID); err != nil {
			o.logger.Warn("failed to record signal change", zap.String("conversation_id", convID), zap.Error(err))
		}
		in := conversation.NewInteraction(convID, reply.AgentID, reply.Text, oldLevel, rec.Level)
		if err := o.conv.AppendInteraction(ctx, in); err != nil {
			o.logger.Warn("failed to append interaction", zap.String("conversation_id", convID), zap.Error(err))
		}

		result = &TurnResult{
			AgentID:       reply.AgentID,
			AgentName:     reply.AgentName,
			Text:          reply.Text,
			NewLevel:      rec.Level,
			SuggestedNext: reply.SuggestedNext,
			Phase:         string(phase),
		}
		return nil
	})
	return result, err
}

func appendOrchestration(rec *conversation.Record, entry map[string]any) {
	history, _ := rec.Context[conversation.CtxOrchestration].([]any)
	rec.Context[conversation.CtxOrchestration] = append(history, entry)
}

// GetState loads the conversation record.
func (o *Orchestrator) GetState(ctx context.Context, convID string) (*conversation.Record, error) {
	return o.conv.GetRecord(ctx, convID)
}

// Reset rewinds the conversation to a fresh intake state, keeping its
// identity and user binding.
func (o *Orchestrator) Reset(ctx context.Context, convID string) error {
	return o.conv.WithConversationLock(ctx, convID, func(ctx context.Context) error {
		rec, err := o.conv.GetRecord(ctx, convID)
		if err != nil {
			return err
		}
		if rec.Status.Terminal() {
			return fmt.Errorf("%w: status %s", ErrNotActive, rec.Status)
		}
		rec.Status = conversation.StatusActive
		rec.MessageCount = 0
		rec.EscalationCount = 0
		rec.AgentsInvolved = []string{}
		rec.LastAgent = ""
		worry, _ := rec.Context[conversation.CtxInitialWorry].(string)
		strategy := rec.Context[conversation.CtxStrategy]
		rec.Context = map[string]any{
			conversation.CtxPhase:        string(coordinator.PhaseIntake),
			conversation.CtxStrategy:     strategy,
			conversation.CtxInitialWorry: worry,
		}
		return o.conv.SaveRecordLocked(ctx, rec)
	})
}

// End completes the conversation, recording the reason, and closes its
// tracking session.
func (o *Orchestrator) End(ctx context.Context, convID, reason string) error {
	err := o.conv.WithConversationLock(ctx, convID, func(ctx context.Context) error {
		rec, err := o.conv.GetRecord(ctx, convID)
		if err != nil {
			return err
		}
		if !rec.Status.CanTransition(conversation.StatusCompleted) {
			return fmt.Errorf("%w: %s -> completed", conversation.ErrInvalidTransition, rec.Status)
		}
		rec.Status = conversation.StatusCompleted
		rec.Context[conversation.CtxEndReason] = reason
		return o.conv.SaveRecordLocked(ctx, rec)
	})
	if err != nil {
		return err
	}

	if err := o.tracker.EndTracking(ctx, convID); err != nil {
		o.logger.Warn("failed to end tracking", zap.String("conversation_id", convID), zap.Error(err))
	}

	o.mu.Lock()
	if o.active > 0 {
		o.active--
	}
	o.mu.Unlock()

	o.logger.Info("conversation ended", zap.String("conversation_id", convID), zap.String("reason", reason))
	return nil
}

// Snapshot returns orchestrator activity stats, folding in the protocol's
// handoff patterns and the tracker's aggregates.
func (o *Orchestrator) Snapshot() Stats {
	o.mu.Lock()
	out := Stats{
		ActiveConversations: o.active,
		TurnsByAgent:        make(map[string]int, len(o.turnsByAgent)),
		TurnsByMode:         make(map[string]int, len(o.turnsByMode)),
	}
	for k, v := range o.turnsByAgent {
		out.TurnsByAgent[k] = v
	}
	for k, v := range o.turnsByMode {
		out.TurnsByMode[k] = v
	}
	o.mu.Unlock()

	out.Handoffs = o.proto.Snapshot()
	out.Anxiety = o.tracker.Snapshot()
	return out
}

// resolveAgent maps a category to a registered agent, deterministically
// picking the lexicographically first ID. Unstaffed categories fall back to
// the category name itself so a turn still produces output.
func (o *Orchestrator) resolveAgent(cat protocol.AgentCategory) (id, name string) {
	ids := o.registry.ByCategory(cat)
	if len(ids) == 0 {
		return string(cat), string(cat)
	}
	sort.Strings(ids)
	desc, err := o.registry.Get(ids[0])
	if err != nil {
		return ids[0], ids[0]
	}
	name = desc.Name
	if name == "" {
		name = desc.ID
	}
	return desc.ID, name
}
