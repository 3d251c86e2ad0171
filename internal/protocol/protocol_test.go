package protocol

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amritessh/overthinkd/internal/conversation"
	"github.com/amritessh/overthinkd/internal/store"
)

func newTestProtocol(t *testing.T) (*Protocol, *Registry, *conversation.Manager) {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })

	conv, err := conversation.NewManager(conversation.DefaultManagerConfig(), s, nil, nil)
	require.NoError(t, err)

	registry := NewRegistry(nil)
	p, err := New(DefaultConfig(), registry, conv, nil, nil)
	require.NoError(t, err)
	return p, registry, conv
}

func registerPair(t *testing.T, r *Registry) {
	t.Helper()
	require.NoError(t, r.Register(&Descriptor{ID: "intake", Category: CategoryIntake}))
	require.NoError(t, r.Register(&Descriptor{ID: "catastrophe", Category: CategoryCatastrophe}))
	require.NoError(t, r.Register(&Descriptor{ID: "comfort", Category: CategoryFalseComfort}))
}

func TestProtocol_HandoffAcceptedRebindsConversation(t *testing.T) {
	p, r, conv := newTestProtocol(t)
	registerPair(t, r)
	ctx := context.Background()

	rec := conversation.NewRecord("u1", conversation.LevelMild)
	rec.LastAgent = "intake"
	require.NoError(t, conv.SaveRecord(ctx, rec))

	result, err := p.RequestHandoff(ctx, &HandoffRequest{
		From:           "intake",
		To:             "catastrophe",
		ConversationID: rec.ID,
		Reason:         ReasonEscalationComplete,
	})
	require.NoError(t, err)
	require.True(t, result.Accepted)
	require.NotNil(t, result.Message)
	assert.Equal(t, KindHandoff, result.Message.Kind)

	got, err := conv.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "catastrophe", got.LastAgent)
	assert.Contains(t, got.AgentsInvolved, "catastrophe")

	history, ok := got.Context[conversation.CtxHistory].([]any)
	require.True(t, ok)
	require.Len(t, history, 1)
}

func TestProtocol_HandoffRejectedLeavesBindingUnchanged(t *testing.T) {
	p, r, conv := newTestProtocol(t)
	registerPair(t, r)
	ctx := context.Background()

	rec := conversation.NewRecord("u1", conversation.LevelMild)
	rec.LastAgent = "intake"
	require.NoError(t, conv.SaveRecord(ctx, rec))

	// intake -> false_comfort_provider is not adjacent.
	result, err := p.RequestHandoff(ctx, &HandoffRequest{
		From:           "intake",
		To:             "comfort",
		ConversationID: rec.ID,
		Reason:         ReasonSpecializedNeeded,
	})
	require.NoError(t, err)
	assert.False(t, result.Accepted)
	assert.Contains(t, result.Detail, "adjacency")

	got, err := conv.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "intake", got.LastAgent)
	assert.NotContains(t, got.AgentsInvolved, "comfort")
	assert.Nil(t, got.Context[conversation.CtxHistory])
}

func TestProtocol_HandoffToUnregisteredTargetRejected(t *testing.T) {
	p, r, _ := newTestProtocol(t)
	require.NoError(t, r.Register(&Descriptor{ID: "intake", Category: CategoryIntake}))

	result, err := p.RequestHandoff(context.Background(), &HandoffRequest{
		From:           "intake",
		To:             "ghost",
		ConversationID: "conv_1",
		Reason:         ReasonUserRequest,
	})
	require.NoError(t, err)
	assert.False(t, result.Accepted)
	assert.Contains(t, result.Detail, "not registered")
}

func TestProtocol_SelfHandoffFails(t *testing.T) {
	p, r, _ := newTestProtocol(t)
	registerPair(t, r)

	_, err := p.RequestHandoff(context.Background(), &HandoffRequest{
		From: "intake", To: "intake", ConversationID: "conv_1",
	})
	assert.ErrorIs(t, err, ErrSelfHandoff)
}

func TestProtocol_ConsultationUsesHandler(t *testing.T) {
	p, r, _ := newTestProtocol(t)
	require.NoError(t, r.Register(&Descriptor{ID: "intake", Category: CategoryIntake}))
	require.NoError(t, r.Register(&Descriptor{
		ID:       "catastrophe",
		Category: CategoryCatastrophe,
		Handler: func(ctx context.Context, msg *Message) (string, error) {
			return "it will definitely get worse", nil
		},
	}))

	msg := NewMessage(KindConsultation, "intake", "catastrophe", "conv_1", "how bad is this?")
	reply, err := p.SendMessage(context.Background(), msg)
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, "catastrophe", reply.From)
	assert.Equal(t, "intake", reply.To)
	assert.Equal(t, "it will definitely get worse", reply.Content)
}

func TestProtocol_ConsultationWithoutHandlerAcknowledges(t *testing.T) {
	p, r, _ := newTestProtocol(t)
	registerPair(t, r)

	msg := NewMessage(KindConsultation, "intake", "catastrophe", "conv_1", "thoughts?")
	reply, err := p.SendMessage(context.Background(), msg)
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, "acknowledged", reply.Content)
}

func TestProtocol_SendMessageValidation(t *testing.T) {
	p, r, _ := newTestProtocol(t)
	registerPair(t, r)

	_, err := p.SendMessage(context.Background(), NewMessage(KindHandoff, "intake", "catastrophe", "c", ""))
	assert.ErrorIs(t, err, ErrUnknownKind, "handoffs must use RequestHandoff")

	_, err = p.SendMessage(context.Background(), NewMessage(KindStatusUpdate, "ghost", "catastrophe", "c", ""))
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestProtocol_StatsTrackOutcomes(t *testing.T) {
	p, r, conv := newTestProtocol(t)
	registerPair(t, r)
	ctx := context.Background()

	rec := conversation.NewRecord("u1", conversation.LevelMild)
	require.NoError(t, conv.SaveRecord(ctx, rec))

	_, err := p.SendMessage(ctx, NewMessage(KindStatusUpdate, "intake", "catastrophe", rec.ID, "ok"))
	require.NoError(t, err)

	_, err = p.RequestHandoff(ctx, &HandoffRequest{From: "intake", To: "catastrophe", ConversationID: rec.ID, Reason: ReasonUserRequest})
	require.NoError(t, err)
	_, err = p.RequestHandoff(ctx, &HandoffRequest{From: "intake", To: "comfort", ConversationID: rec.ID, Reason: ReasonUserRequest})
	require.NoError(t, err)

	stats := p.Snapshot()
	assert.Equal(t, 1, stats.MessagesByKind[string(KindStatusUpdate)])
	assert.Equal(t, 1, stats.HandoffsAccepted)
	assert.Equal(t, 1, stats.HandoffsRejected)
	assert.Equal(t, 1, stats.HandoffFanOut["intake->catastrophe"])
}
