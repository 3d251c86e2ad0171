package orchestrator

import (
	"context"
	"strings"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/amritessh/overthinkd/internal/conversation"
	"github.com/amritessh/overthinkd/internal/coordinator"
	"github.com/amritessh/overthinkd/internal/protocol"
)

// modeFor maps the stored strategy to a dispatch mode.
func (o *Orchestrator) modeFor(rec *conversation.Record) Mode {
	if o.directOnly {
		return ModeDirect
	}
	switch coordinator.CurrentStrategy(rec) {
	case coordinator.StrategyCollaborative:
		return ModeCollaborative
	case coordinator.StrategyAdaptive:
		return ModeAdaptive
	default:
		return ModeCoordinated
	}
}

// dispatch plans and generates one turn without holding the conversation
// lock.
func (o *Orchestrator) dispatch(ctx context.Context, rec *conversation.Record, userText string) (Mode, *Reply, error) {
	mode := o.modeFor(rec)
	var reply *Reply
	switch mode {
	case ModeDirect:
		reply = o.dispatchDirect(ctx, rec, userText)
	case ModeCoordinated:
		reply = o.dispatchCoordinated(ctx, rec, userText)
	case ModeCollaborative:
		reply = o.dispatchCollaborative(ctx, rec, userText)
	case ModeAdaptive:
		reply = o.dispatchAdaptive(ctx, rec, userText)
	}
	return mode, reply, nil
}

func (o *Orchestrator) gctx(rec *conversation.Record, userText string) GenContext {
	phase, _ := rec.Context[conversation.CtxPhase].(string)
	strategy, _ := rec.Context[conversation.CtxStrategy].(string)
	return GenContext{
		ConversationID: rec.ID,
		UserID:         rec.UserID,
		Message:        userText,
		Level:          rec.Level,
		Phase:          phase,
		Strategy:       strategy,
	}
}

// generate invokes the generation capability for one agent, degrading any
// failure into the fixed in-character fallback with escalation 1.
func (o *Orchestrator) generate(ctx context.Context, agentID, agentName string, gc GenContext) *Reply {
	reply, err := o.gen.GenerateText(ctx, agentID, gc)
	if err != nil || reply == nil {
		o.logger.Warn("generation failed, using fallback",
			zap.String("conversation_id", gc.ConversationID),
			zap.String("agent_id", agentID),
			zap.Error(err))
		return &Reply{
			AgentID:       agentID,
			AgentName:     agentName,
			Text:          fallbackText,
			Escalation:    1,
			SuggestedNext: []string{string(protocol.CategoryIntake)},
		}
	}
	if reply.AgentID == "" {
		reply.AgentID = agentID
	}
	if reply.AgentName == "" {
		reply.AgentName = agentName
	}
	return reply
}

func (o *Orchestrator) dispatchDirect(ctx context.Context, rec *conversation.Record, userText string) *Reply {
	cat := o.coord.PickDirect(rec, userText)
	id, name := o.resolveAgent(cat)
	return o.generate(ctx, id, name, o.gctx(rec, userText))
}

func (o *Orchestrator) dispatchCoordinated(ctx context.Context, rec *conversation.Record, userText string) *Reply {
	cat := o.coord.PickForPhase(rec, userText)
	id, name := o.resolveAgent(cat)
	return o.generate(ctx, id, name, o.gctx(rec, userText))
}

// dispatchAdaptive inspects running metrics, possibly rewrites the stored
// strategy, then delegates to coordinated dispatch. The rewrite is carried
// on the reply and persisted by commit.
func (o *Orchestrator) dispatchAdaptive(ctx context.Context, rec *conversation.Record, userText string) *Reply {
	var rewrite coordinator.Strategy

	// Metrics include the turn being planned, so a conversation crossing a
	// threshold switches on that turn, not one later.
	turn := rec.MessageCount + 1
	switch {
	case len(rec.AgentsInvolved) > o.cfg.AgentTurnover:
		rewrite = coordinator.StrategyCollaborative
	case turn > o.cfg.LongConversation &&
		float64(rec.EscalationCount) < float64(turn)*o.cfg.LowEscalationRatio:
		rewrite = coordinator.StrategySpiral
	}

	var reply *Reply
	if rewrite == coordinator.StrategyCollaborative {
		// High agent turnover: stabilize by binding the coordinator agent.
		id, name := o.resolveAgent(protocol.CategoryCoordinator)
		reply = o.generate(ctx, id, name, o.gctx(rec, userText))
	} else {
		reply = o.dispatchCoordinated(ctx, rec, userText)
	}

	if rewrite != "" {
		reply.strategyRewrite = string(rewrite)
		o.logger.Info("adaptive strategy rewrite",
			zap.String("conversation_id", rec.ID),
			zap.String("new_strategy", string(rewrite)),
			zap.Int("message_count", rec.MessageCount),
			zap.Int("escalation_count", rec.EscalationCount))
	}
	return reply
}

// Complementary-agent keyword tables for collaborative selection.
var (
	collabSocialWords = []string{"social", "people", "friends"}
	collabTimeWords   = []string{"time", "deadline", "urgent"}
	collabProbWords   = []string{"chance", "likely", "probably"}
)

// selectCollaborators picks 2-3 complementary categories for the turn: the
// direct pick plus keyword-matched specialists.
func (o *Orchestrator) selectCollaborators(rec *conversation.Record, userText string) []protocol.AgentCategory {
	lower := strings.ToLower(userText)
	selected := []protocol.AgentCategory{o.coord.PickDirect(rec, userText)}

	add := func(cat protocol.AgentCategory) {
		for _, existing := range selected {
			if existing == cat {
				return
			}
		}
		selected = append(selected, cat)
	}
	if containsAnyWord(lower, collabSocialWords) {
		add(protocol.CategorySocialAmplifier)
	}
	if containsAnyWord(lower, collabTimeWords) {
		add(protocol.CategoryTimelinePanic)
	}
	if containsAnyWord(lower, collabProbWords) {
		add(protocol.CategoryProbability)
	}

	if len(selected) > 3 {
		selected = selected[:3]
	}
	return selected
}

func containsAnyWord(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

// dispatchCollaborative fans the turn out to 2-3 agents and synthesizes one
// combined reply. Fewer than two collaborators degrades to direct dispatch.
// Each constituent runs under its own timeout; a slow or failing one is
// omitted rather than failing the turn.
func (o *Orchestrator) dispatchCollaborative(ctx context.Context, rec *conversation.Record, userText string) *Reply {
	cats := o.selectCollaborators(rec, userText)
	if len(cats) < 2 {
		return o.dispatchDirect(ctx, rec, userText)
	}

	gc := o.gctx(rec, userText)
	replies := make([]*Reply, len(cats))
	var wg sync.WaitGroup
	for i, cat := range cats {
		id, name := o.resolveAgent(cat)
		wg.Add(1)
		go func(i int, id, name string) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, o.cfg.CollabTimeout)
			defer cancel()
			reply, err := o.gen.GenerateText(cctx, id, gc)
			if err != nil || reply == nil {
				o.logger.Warn("collaborative constituent omitted",
					zap.String("conversation_id", rec.ID),
					zap.String("agent_id", id),
					zap.Error(err))
				return
			}
			if reply.AgentID == "" {
				reply.AgentID = id
			}
			if reply.AgentName == "" {
				reply.AgentName = name
			}
			replies[i] = reply
		}(i, id, name)
	}
	wg.Wait()

	survivors := replies[:0]
	for _, r := range replies {
		if r != nil {
			survivors = append(survivors, r)
		}
	}
	switch len(survivors) {
	case 0:
		// Every constituent failed; degrade to the fixed fallback.
		id, name := o.resolveAgent(cats[0])
		return &Reply{
			AgentID:       id,
			AgentName:     name,
			Text:          fallbackText,
			Escalation:    1,
			SuggestedNext: []string{string(protocol.CategoryIntake)},
		}
	case 1:
		return survivors[0]
	}
	return synthesize(survivors, o.cfg.MessageBudget)
}

// Synthesis framing. Header and footer always survive truncation.
const (
	synthHeader = "Here's what multiple experts are saying about your situation:\n\n"
	synthFooter = "As you can see, multiple perspectives point to the same " +
		"concerning patterns. The convergence of these expert opinions " +
		"suggests this situation requires serious attention."
	synthTruncNote = "...\n\n[Response truncated due to length]"

	// minConstituent is the floor for each constituent's share of the
	// message budget.
	minConstituent = 100
)

// synthesize concatenates constituent replies into one attributed response.
// If the combined text would exceed the budget, each constituent is
// truncated proportionally first; truncation never splits a multibyte rune.
// Escalation is the max across constituents; next-agent suggestions are
// deduplicated and capped at three.
func synthesize(replies []*Reply, budget int) *Reply {
	available := budget - len(synthHeader) - len(synthFooter)
	perReply := available / len(replies)
	if perReply < minConstituent {
		perReply = minConstituent
	}

	var b strings.Builder
	b.WriteString(synthHeader)

	maxEscalation := 0
	var suggestions []string
	seen := map[string]bool{}
	for _, r := range replies {
		text := r.Text
		if len(text) > perReply {
			text = truncateRunes(text, perReply-3) + "..."
		}
		b.WriteString("**")
		b.WriteString(r.AgentName)
		b.WriteString("**: ")
		b.WriteString(text)
		b.WriteString("\n\n")

		if r.Escalation > maxEscalation {
			maxEscalation = r.Escalation
		}
		for _, next := range r.SuggestedNext {
			if !seen[next] && len(suggestions) < 3 {
				seen[next] = true
				suggestions = append(suggestions, next)
			}
		}
	}
	b.WriteString(synthFooter)

	combined := b.String()
	if len(combined) > budget {
		// The per-constituent floor can still overflow the budget. Trim the
		// constituent region and keep the footer; only a budget too small to
		// hold the framing at all degrades to a hard cut.
		keep := budget - len(synthFooter) - len(synthTruncNote)
		if keep > len(synthHeader) {
			body := combined[:len(combined)-len(synthFooter)]
			combined = truncateRunes(body, keep) + synthTruncNote + synthFooter
		} else {
			combined = truncateRunes(combined, budget)
		}
	}

	return &Reply{
		AgentID:       "collaborative_team",
		AgentName:     "Collaborative Response Team",
		Text:          combined,
		Escalation:    maxEscalation,
		SuggestedNext: suggestions,
	}
}

// truncateRunes cuts s to at most max bytes without splitting a rune.
func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
