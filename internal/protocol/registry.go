package protocol

import (
	"errors"
	"fmt"
	"sync"
)

// Registry errors.
var (
	ErrAgentNotFound   = errors.New("agent not registered")
	ErrDuplicateAgent  = errors.New("agent already registered")
	ErrInvalidCategory = errors.New("unknown agent category")
	ErrEmptyDescriptor = errors.New("descriptor requires id and category")
)

var validCategories = map[AgentCategory]bool{
	CategoryIntake:          true,
	CategoryCatastrophe:     true,
	CategoryTimelinePanic:   true,
	CategoryProbability:     true,
	CategorySocialAmplifier: true,
	CategoryFalseComfort:    true,
	CategoryCoordinator:     true,
}

// Registry holds agent descriptors and the handoff adjacency graph. The
// graph is fixed at construction; agent registration is concurrency-safe.
type Registry struct {
	adjacency map[AgentCategory][]AgentCategory

	mu     sync.RWMutex
	agents map[string]*Descriptor
}

// NewRegistry builds a registry. A nil adjacency uses the built-in graph.
func NewRegistry(adjacency map[AgentCategory][]AgentCategory) *Registry {
	if adjacency == nil {
		adjacency = defaultAdjacency
	}
	// Deep-copy so later caller mutation cannot change routing.
	graph := make(map[AgentCategory][]AgentCategory, len(adjacency))
	for from, targets := range adjacency {
		graph[from] = append([]AgentCategory(nil), targets...)
	}
	return &Registry{
		adjacency: graph,
		agents:    make(map[string]*Descriptor),
	}
}

// Register adds an agent descriptor.
func (r *Registry) Register(desc *Descriptor) error {
	if desc == nil || desc.ID == "" || desc.Category == "" {
		return ErrEmptyDescriptor
	}
	if !validCategories[desc.Category] {
		return fmt.Errorf("%w: %s", ErrInvalidCategory, desc.Category)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[desc.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, desc.ID)
	}
	r.agents[desc.ID] = desc
	return nil
}

// Unregister removes an agent. Removing an unknown agent is a no-op.
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	delete(r.agents, agentID)
	r.mu.Unlock()
}

// Get returns the descriptor for an agent ID.
func (r *Registry) Get(agentID string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return desc, nil
}

// ByCategory returns the IDs of registered agents in a category.
func (r *Registry) ByCategory(cat AgentCategory) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, desc := range r.agents {
		if desc.Category == cat {
			out = append(out, id)
		}
	}
	return out
}

// Agents returns all registered agent IDs.
func (r *Registry) Agents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for id := range r.agents {
		out = append(out, id)
	}
	return out
}

// CanHandoff reports whether the target category is adjacent to the source
// category. Categories with no adjacency entry can hand off to no one.
func (r *Registry) CanHandoff(from, to AgentCategory) bool {
	for _, cat := range r.adjacency[from] {
		if cat == to {
			return true
		}
	}
	return false
}

// Successors returns the categories the source may hand off to.
func (r *Registry) Successors(from AgentCategory) []AgentCategory {
	return append([]AgentCategory(nil), r.adjacency[from]...)
}
