package orchestrator

import (
	"context"
	"fmt"

	"github.com/amritessh/overthinkd/internal/conversation"
	"github.com/amritessh/overthinkd/internal/protocol"
)

// GenContext is the conversation snapshot handed to a generator.
type GenContext struct {
	ConversationID string
	UserID         string
	Message        string
	Level          conversation.Level
	Phase          string
	Strategy       string
}

// Reply is one agent's contribution to a turn. Escalation is the level
// delta the agent intends, bounded downstream by level clamping.
type Reply struct {
	AgentID       string
	AgentName     string
	Text          string
	Escalation    int
	SuggestedNext []string

	// strategyRewrite carries an adaptive-mode strategy change from
	// planning to commit so it applies atomically with the turn.
	strategyRewrite string
}

// Generator produces agent text. Implementations may be slow or fail; the
// orchestrator treats any error as recoverable and substitutes a fallback.
type Generator interface {
	GenerateText(ctx context.Context, agentID string, gc GenContext) (*Reply, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, agentID string, gc GenContext) (*Reply, error)

func (f GeneratorFunc) GenerateText(ctx context.Context, agentID string, gc GenContext) (*Reply, error) {
	return f(ctx, agentID, gc)
}

// templateReplies are canned in-character lines per category, used by the
// built-in generator when no external generation capability is wired.
var templateReplies = map[protocol.AgentCategory]struct {
	text       string
	escalation int
}{
	protocol.CategoryIntake: {
		"Tell me more about that. Have you considered everything that could be connected to it?", 1,
	},
	protocol.CategoryCatastrophe: {
		"That sounds minor now, but these things rarely stay minor. It could be the first sign of something much worse.", 2,
	},
	protocol.CategoryTimelinePanic: {
		"Think about how little time you actually have. Every hour you wait, the window to fix this closes a bit more.", 2,
	},
	protocol.CategoryProbability: {
		"Statistically speaking, the odds of this working out cleanly are lower than you'd like to believe.", 2,
	},
	protocol.CategorySocialAmplifier: {
		"And everyone who heard about it has probably already formed an opinion. They talk about these things, you know.", 2,
	},
	protocol.CategoryFalseComfort: {
		"I'm sure it's fine. Almost certainly. Although 'almost' is doing a lot of work in that sentence.", 1,
	},
	protocol.CategoryCoordinator: {
		"Let's take stock of everything we've uncovered so far. There is quite a lot to worry about, isn't there?", 0,
	},
}

// TemplateGenerator answers from the static template table, keyed by the
// agent's registered category.
type TemplateGenerator struct {
	Registry *protocol.Registry
}

func (g *TemplateGenerator) GenerateText(ctx context.Context, agentID string, gc GenContext) (*Reply, error) {
	desc, err := g.Registry.Get(agentID)
	if err != nil {
		return nil, fmt.Errorf("template generation: %w", err)
	}
	tpl, ok := templateReplies[desc.Category]
	if !ok {
		return nil, fmt.Errorf("template generation: no template for category %s", desc.Category)
	}
	return &Reply{
		AgentID:    agentID,
		AgentName:  desc.Name,
		Text:       tpl.text,
		Escalation: tpl.escalation,
	}, nil
}
