package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry(nil)

	require.NoError(t, r.Register(&Descriptor{ID: "agent_1", Name: "Intake", Category: CategoryIntake}))

	desc, err := r.Get("agent_1")
	require.NoError(t, err)
	assert.Equal(t, CategoryIntake, desc.Category)

	_, err = r.Get("agent_2")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestRegistry_RejectsDuplicatesAndBadInput(t *testing.T) {
	r := NewRegistry(nil)

	require.NoError(t, r.Register(&Descriptor{ID: "agent_1", Category: CategoryIntake}))
	assert.ErrorIs(t, r.Register(&Descriptor{ID: "agent_1", Category: CategoryIntake}), ErrDuplicateAgent)
	assert.ErrorIs(t, r.Register(&Descriptor{ID: "", Category: CategoryIntake}), ErrEmptyDescriptor)
	assert.ErrorIs(t, r.Register(&Descriptor{ID: "agent_2", Category: "therapist"}), ErrInvalidCategory)
}

func TestRegistry_ByCategory(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(&Descriptor{ID: "a", Category: CategoryCatastrophe}))
	require.NoError(t, r.Register(&Descriptor{ID: "b", Category: CategoryCatastrophe}))
	require.NoError(t, r.Register(&Descriptor{ID: "c", Category: CategoryIntake}))

	assert.ElementsMatch(t, []string{"a", "b"}, r.ByCategory(CategoryCatastrophe))
	assert.Empty(t, r.ByCategory(CategoryFalseComfort))
}

func TestRegistry_CanHandoffMatchesAdjacency(t *testing.T) {
	r := NewRegistry(nil)

	// CanHandoff must agree exactly with the successor lists, for every
	// category pair.
	all := []AgentCategory{
		CategoryIntake, CategoryCatastrophe, CategoryTimelinePanic,
		CategoryProbability, CategorySocialAmplifier, CategoryFalseComfort,
		CategoryCoordinator,
	}
	for _, from := range all {
		successors := map[AgentCategory]bool{}
		for _, to := range r.Successors(from) {
			successors[to] = true
		}
		for _, to := range all {
			assert.Equal(t, successors[to], r.CanHandoff(from, to),
				"%s -> %s", from, to)
		}
	}
}

func TestRegistry_CoordinatorHasNoSuccessors(t *testing.T) {
	r := NewRegistry(nil)
	assert.Empty(t, r.Successors(CategoryCoordinator))
	assert.False(t, r.CanHandoff(CategoryCoordinator, CategoryIntake))
}

func TestRegistry_CustomAdjacencyIsCopied(t *testing.T) {
	adj := map[AgentCategory][]AgentCategory{
		CategoryIntake: {CategoryFalseComfort},
	}
	r := NewRegistry(adj)

	adj[CategoryIntake][0] = CategoryCatastrophe

	assert.True(t, r.CanHandoff(CategoryIntake, CategoryFalseComfort))
	assert.False(t, r.CanHandoff(CategoryIntake, CategoryCatastrophe),
		"caller mutation must not change routing")
}
