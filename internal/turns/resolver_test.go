package turns

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/surveychat/internal/domain"
)

var t0 = time.UnixMilli(1_700_000_000_000)

func msg(id int64, role domain.Role, model int64, turn int64, at int) domain.Message {
	m := domain.Message{
		ID: id, PageID: 1, UserID: 1, Role: role, Content: string(role),
		ModelID:   domain.Int64Ptr(model),
		CreatedAt: t0.Add(time.Duration(at) * time.Second),
	}
	if turn != 0 {
		m.TurnID = domain.Int64Ptr(turn)
	}
	return m
}

func TestAncestry(t *testing.T) {
	r := NewResolver(0)
	parents := ParentMap([]domain.Branch{
		{ParentTurnID: 1, ChildTurnID: 2},
		{ParentTurnID: 2, ChildTurnID: 3},
	})

	chain, err := r.Ancestry(3, parents)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, chain)

	chain, err = r.Ancestry(5, parents)
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, chain)
}

func TestAncestryCycleHitsLimit(t *testing.T) {
	r := NewResolver(10)
	parents := map[int64]int64{1: 2, 2: 1}

	_, err := r.Ancestry(1, parents)
	require.Error(t, err)
	assert.True(t, domain.HasCode(err, domain.CodeAncestryLimit))
	de, _ := domain.AsError(err)
	assert.Equal(t, domain.ErrorIntegrity, de.Kind)
}

func TestTurnsHistoryBranchChain(t *testing.T) {
	// root(1) -> A(2) -> B(3); turn 4 is a sibling branch of 1.
	r := NewResolver(0)
	branches := []domain.Branch{
		{ParentTurnID: 1, ChildTurnID: 2},
		{ParentTurnID: 2, ChildTurnID: 3},
		{ParentTurnID: 1, ChildTurnID: 4},
	}
	msgs := []domain.Message{
		msg(1, domain.RoleUser, 9, 1, 1),
		msg(2, domain.RoleAssistant, 9, 1, 2),
		msg(3, domain.RoleUser, 9, 2, 3),
		msg(4, domain.RoleAssistant, 9, 2, 4),
		msg(5, domain.RoleUser, 9, 4, 5),
		msg(6, domain.RoleAssistant, 9, 4, 6),
		msg(7, domain.RoleUser, 8, 1, 7),
	}
	placeholder := msg(8, domain.RoleSystem, 9, 3, 8)
	placeholder.Content = domain.PlaceholderContent
	msgs = append(msgs, placeholder)

	ancestry, err := r.Ancestry(3, ParentMap(branches))
	require.NoError(t, err)
	history := TurnsHistory(ancestry, msgs, 9)

	ids := make([]int64, 0, len(history))
	for _, m := range history {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []int64{1, 2, 3, 4}, ids)
}

func TestIsTurnClosed(t *testing.T) {
	msgs := []domain.Message{
		msg(1, domain.RoleUser, 9, 1, 1),
		msg(2, domain.RoleAssistant, 9, 1, 2),
		msg(3, domain.RoleUser, 9, 2, 3),
	}
	assert.True(t, IsTurnClosed(msgs, 1, 9))
	assert.False(t, IsTurnClosed(msgs, 1, 8))
	assert.False(t, IsTurnClosed(msgs, 2, 9))
}

func TestNextTurn(t *testing.T) {
	assert.Equal(t, int64(1), NextTurn(0, 0))
	assert.Equal(t, int64(4), NextTurn(3, 0))
	assert.Equal(t, int64(6), NextTurn(3, 5))
}

func TestConversationTurnsAreRootScoped(t *testing.T) {
	r := NewResolver(0)
	// Conversation A: 1, 2, 3. Conversation B: 4, 5.
	branches := []domain.Branch{
		{ParentTurnID: 1, ChildTurnID: 2},
		{ParentTurnID: 2, ChildTurnID: 3},
		{ParentTurnID: 4, ChildTurnID: 5},
	}
	parents := ParentMap(branches)
	known := KnownTurns(nil, branches)

	root, err := r.ConversationRoot(2, parents)
	require.NoError(t, err)
	assert.Equal(t, int64(1), root)

	n, err := r.ConversationTurns(root, known, parents)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = r.ConversationTurns(4, known, parents)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestParentChainModelIsolation(t *testing.T) {
	r := NewResolver(0)
	root := msg(1, domain.RoleUser, 9, 0, 1)
	reply := msg(2, domain.RoleAssistant, 9, 0, 2)
	reply.ParentID = domain.Int64Ptr(1)
	other := msg(3, domain.RoleUser, 8, 0, 3)
	other.ParentID = domain.Int64Ptr(2)
	otherReply := msg(4, domain.RoleAssistant, 8, 0, 4)
	otherReply.ParentID = domain.Int64Ptr(3)

	byID := IndexByID([]domain.Message{root, reply, other, otherReply})

	chain, err := r.ParentChain(2, byID, 9)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, int64(1), chain[0].ID)
	assert.Equal(t, int64(2), chain[1].ID)

	chain, err = r.ParentChain(4, byID, 8)
	require.NoError(t, err)
	for _, m := range chain {
		assert.True(t, m.HasModel(8), "message %d leaked from another model", m.ID)
	}
	assert.Len(t, chain, 2)
}

func TestParentChainSkipsPlaceholderRoot(t *testing.T) {
	r := NewResolver(0)
	stub := domain.Message{ID: 1, Role: domain.RoleSystem, Content: domain.PlaceholderContent, CreatedAt: t0}
	first := msg(2, domain.RoleUser, 9, 0, 1)
	first.ParentID = domain.Int64Ptr(1)
	byID := IndexByID([]domain.Message{stub, first})

	chain, err := r.ParentChain(2, byID, 9)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, int64(2), chain[0].ID)

	assert.True(t, IsConversationRoot(first, byID))
	assert.False(t, IsConversationRoot(stub, byID))
}

func TestLatestInTurn(t *testing.T) {
	msgs := []domain.Message{
		msg(1, domain.RoleUser, 9, 1, 1),
		msg(2, domain.RoleAssistant, 9, 1, 2),
		msg(3, domain.RoleUser, 8, 1, 3),
	}
	latest := LatestInTurn(msgs, 1, 9)
	require.NotNil(t, latest)
	assert.Equal(t, int64(2), latest.ID)
	assert.Nil(t, LatestInTurn(msgs, 2, 9))

	stub := msg(4, domain.RoleSystem, 9, 3, 4)
	stub.Content = domain.PlaceholderContent
	assert.Nil(t, LatestInTurn(append(msgs, stub), 3, 9))
}

func TestHasUserMessage(t *testing.T) {
	stub := msg(1, domain.RoleSystem, 9, 2, 1)
	stub.Content = domain.PlaceholderContent
	msgs := []domain.Message{
		stub,
		msg(2, domain.RoleUser, 9, 1, 2),
		msg(3, domain.RoleAssistant, 8, 3, 3),
	}
	assert.True(t, HasUserMessage(msgs, 1, 9))
	assert.False(t, HasUserMessage(msgs, 1, 8))
	assert.False(t, HasUserMessage(msgs, 2, 9))
	assert.False(t, HasUserMessage(msgs, 3, 8))
}
