package scope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/surveychat/internal/domain"
)

func aichat(behavior domain.Behavior) domain.Page {
	return domain.Page{ID: 1, Name: "chat", Type: domain.PageTypeAIChat, Behavior: behavior}
}

func closedTurns(models []int64, turnCount int64) []domain.Message {
	var msgs []domain.Message
	id := int64(1)
	for turn := int64(1); turn <= turnCount; turn++ {
		for _, model := range models {
			for _, role := range []domain.Role{domain.RoleUser, domain.RoleAssistant} {
				msgs = append(msgs, domain.Message{
					ID: id, Role: role, Content: "x", ModelID: domain.Int64Ptr(model),
					TurnID: domain.Int64Ptr(turn), CreatedAt: time.UnixMilli(id),
				})
				id++
			}
		}
	}
	return msgs
}

func TestTurnsScopeCompleteness(t *testing.T) {
	src := Source{
		Page:     aichat(domain.BehaviorTurns),
		Messages: closedTurns([]int64{10, 20}, 3),
		PageQuestions: []domain.PageQuestion{
			{QuestionID: 100, Enabled: true, Required: true},
		},
	}
	scopes := Enumerate(src)
	require.Len(t, scopes, 6)

	summary := Summarize([]Source{src})
	assert.False(t, summary.CanFinalize)
	assert.Equal(t, 6, summary.Counts.RequiredUnanswered)

	for turn := int64(1); turn <= 2; turn++ {
		src.Responses = append(src.Responses, domain.Response{QuestionID: 100, TurnID: domain.Int64Ptr(turn), Value: "ok"})
	}
	summary = Summarize([]Source{src})
	assert.False(t, summary.CanFinalize)
	assert.Equal(t, 2, summary.Counts.RequiredUnanswered)

	src.Responses = append(src.Responses, domain.Response{QuestionID: 100, TurnID: domain.Int64Ptr(3), Value: "ok"})
	summary = Summarize([]Source{src})
	assert.True(t, summary.CanFinalize)
	assert.Equal(t, 6, summary.Counts.RequiredAnswered)
}

func TestBlankResponseIsUnanswered(t *testing.T) {
	src := Source{
		Page:          domain.Page{ID: 2, Type: domain.PageTypeSurvey},
		PageQuestions: []domain.PageQuestion{{QuestionID: 1, Enabled: true, Required: true}},
		Responses:     []domain.Response{{QuestionID: 1, Value: "   "}},
	}
	scopes := Enumerate(src)
	require.Len(t, scopes, 1)
	assert.Equal(t, int64(0), scopes[0].Key)
	assert.Nil(t, scopes[0].ResponseTurn())

	summary := Summarize([]Source{src})
	assert.False(t, summary.CanFinalize)
}

func TestVisibilityFilters(t *testing.T) {
	src := Source{
		Page:     aichat(domain.BehaviorTurns),
		Messages: closedTurns([]int64{10, 20}, 2),
		PageQuestions: []domain.PageQuestion{
			{QuestionID: 1, Enabled: true, ShowOnlyTurn: domain.Int64Ptr(2)},
			{QuestionID: 2, Enabled: true, HideOnTurn: domain.Int64Ptr(2)},
			{QuestionID: 3, Enabled: true, ShowOnlyModel: domain.Int64Ptr(20)},
			{QuestionID: 4, Enabled: true, HideOnModel: domain.Int64Ptr(20)},
			{QuestionID: 5, Enabled: false},
		},
	}
	items := Items(src, Enumerate(src))

	count := map[int64]int{}
	for _, it := range items {
		count[it.QuestionID]++
	}
	assert.Equal(t, 2, count[1]) // turn 2 for both models
	assert.Equal(t, 2, count[2]) // turn 1 for both models
	assert.Equal(t, 2, count[3]) // model 20 on both turns
	assert.Equal(t, 2, count[4]) // model 10 on both turns
	assert.Zero(t, count[5])
}

func TestModelConstraintInapplicableWithoutModel(t *testing.T) {
	src := Source{
		Page:          domain.Page{ID: 3, Type: domain.PageTypeSurvey},
		PageQuestions: []domain.PageQuestion{{QuestionID: 1, Enabled: true, ShowOnlyModel: domain.Int64Ptr(1)}},
	}
	assert.Empty(t, Items(src, Enumerate(src)))
}

func TestTurnConstraintsIgnoredOutsideTurnsMode(t *testing.T) {
	src := Source{
		Page: aichat(domain.BehaviorQA),
		Messages: []domain.Message{
			{ID: 5, Role: domain.RoleUser, Content: "q", ModelID: domain.Int64Ptr(1), TurnID: domain.Int64Ptr(5)},
			{ID: 6, Role: domain.RoleAssistant, Content: "a", ModelID: domain.Int64Ptr(1), TurnID: domain.Int64Ptr(5)},
		},
		PageQuestions: []domain.PageQuestion{{QuestionID: 1, Enabled: true, ShowOnlyTurn: domain.Int64Ptr(1)}},
	}
	scopes := Enumerate(src)
	require.Len(t, scopes, 1)
	assert.Equal(t, domain.ScopeKindPair, scopes[0].Kind)
	assert.Equal(t, int64(5), scopes[0].Key)
	assert.Len(t, Items(src, scopes), 1)
}

func TestSubpageVisibility(t *testing.T) {
	src := Source{
		Page:     aichat(domain.BehaviorTurns),
		Messages: closedTurns([]int64{10}, 3),
		Subpages: []domain.Subpage{
			{ID: 1, TurnVisibility: domain.TurnVisibilityAll},
			{ID: 2, TurnVisibility: domain.TurnVisibilityFirst},
			{ID: 3, TurnVisibility: domain.TurnVisibilitySpecific, TurnNumber: domain.Int64Ptr(3)},
			{ID: 4, TurnVisibility: domain.TurnVisibilitySpecific},
		},
		SubpageQuestions: []domain.SubpageQuestion{
			{SubpageID: 1, QuestionID: 1, Enabled: true},
			{SubpageID: 2, QuestionID: 2, Enabled: true},
			{SubpageID: 3, QuestionID: 3, Enabled: true},
			{SubpageID: 4, QuestionID: 4, Enabled: true},
		},
	}
	items := Items(src, Enumerate(src))

	turnsFor := map[int64][]int64{}
	for _, it := range items {
		turnsFor[it.QuestionID] = append(turnsFor[it.QuestionID], *it.Scope.TurnID)
	}
	assert.Equal(t, []int64{1, 2, 3}, turnsFor[1])
	assert.Equal(t, []int64{1}, turnsFor[2])
	assert.Equal(t, []int64{3}, turnsFor[3])
	assert.Empty(t, turnsFor[4])
}

func TestContinuousScopesSkipPlaceholders(t *testing.T) {
	stub := domain.Message{ID: 1, Role: domain.RoleSystem, Content: domain.PlaceholderContent}
	first := domain.Message{ID: 2, Role: domain.RoleUser, Content: "hi", ModelID: domain.Int64Ptr(1), ParentID: domain.Int64Ptr(1)}
	reply := domain.Message{ID: 3, Role: domain.RoleAssistant, Content: "yo", ModelID: domain.Int64Ptr(1), ParentID: domain.Int64Ptr(2)}
	other := domain.Message{ID: 4, Role: domain.RoleUser, Content: "new", ModelID: domain.Int64Ptr(1)}

	scopes := Enumerate(Source{Page: aichat(domain.BehaviorContinuous), Messages: []domain.Message{stub, first, reply, other}})
	require.Len(t, scopes, 2)
	assert.Equal(t, int64(2), scopes[0].Key)
	assert.Equal(t, int64(4), scopes[1].Key)
}

func TestReviewScopesUseTargetOrSentinel(t *testing.T) {
	src := Source{
		Page:    aichat(domain.BehaviorReviewConversation),
		Threads: []domain.Thread{{ID: 7}, {ID: 8}},
		Targets: []domain.Target{{ID: 42, ThreadID: 8}},
	}
	scopes := Enumerate(src)
	require.Len(t, scopes, 2)
	assert.Equal(t, int64(-7), scopes[0].Key)
	assert.Equal(t, int64(42), scopes[1].Key)

	sc, ok := Find(scopes, 42, nil)
	require.True(t, ok)
	assert.Equal(t, int64(8), sc.ThreadID)
}

func TestTurnQuestionsForScope(t *testing.T) {
	src := Source{
		Page:          aichat(domain.BehaviorTurns),
		Messages:      closedTurns([]int64{10, 20}, 1),
		PageQuestions: []domain.PageQuestion{{QuestionID: 1, Enabled: true, Required: true}},
		Responses:     []domain.Response{{QuestionID: 1, TurnID: domain.Int64Ptr(1), Value: "5"}},
	}
	scopes := Enumerate(src)
	sc, ok := Find(scopes, 1, domain.Int64Ptr(20))
	require.True(t, ok)

	qs := TurnQuestions(Items(src, scopes), sc, map[int64]domain.Question{1: {ID: 1, Name: "rating"}})
	require.Len(t, qs, 1)
	assert.Equal(t, "rating", qs[0].Name)
	assert.True(t, qs[0].Answered)
	assert.Equal(t, "5", qs[0].Value)

	_, ok = Find(scopes, 2, nil)
	assert.False(t, ok)
}

func exchange(id, model, turn int64) []domain.Message {
	return []domain.Message{
		{ID: id, Role: domain.RoleUser, Content: "q", ModelID: domain.Int64Ptr(model), TurnID: domain.Int64Ptr(turn), CreatedAt: time.UnixMilli(id)},
		{ID: id + 1, Role: domain.RoleAssistant, Content: "a", ModelID: domain.Int64Ptr(model), TurnID: domain.Int64Ptr(turn), ParentID: domain.Int64Ptr(id), CreatedAt: time.UnixMilli(id + 1)},
	}
}

func TestSummarizeByBehavior(t *testing.T) {
	required := []domain.PageQuestion{{QuestionID: 1, Enabled: true, Required: true}}
	answer := func(turn int64) domain.Response {
		return domain.Response{QuestionID: 1, TurnID: domain.Int64Ptr(turn), Value: "ok"}
	}
	continuous := []domain.Message{
		{ID: 1, Role: domain.RoleSystem, Content: domain.PlaceholderContent},
		{ID: 2, Role: domain.RoleUser, Content: "hi", ModelID: domain.Int64Ptr(1), ParentID: domain.Int64Ptr(1)},
		{ID: 3, Role: domain.RoleAssistant, Content: "yo", ModelID: domain.Int64Ptr(1), ParentID: domain.Int64Ptr(2)},
		{ID: 4, Role: domain.RoleUser, Content: "more", ModelID: domain.Int64Ptr(1), ParentID: domain.Int64Ptr(3)},
		{ID: 5, Role: domain.RoleUser, Content: "new", ModelID: domain.Int64Ptr(1)},
	}
	qa := append(exchange(5, 1, 5), exchange(7, 1, 7)...)

	tests := []struct {
		name           string
		behavior       domain.Behavior
		messages       []domain.Message
		responses      []domain.Response
		wantScopes     int
		wantUnanswered int
		wantFinalize   bool
	}{
		{"continuous unanswered root", domain.BehaviorContinuous, continuous, []domain.Response{answer(2)}, 2, 1, false},
		{"continuous answered per root", domain.BehaviorContinuous, continuous, []domain.Response{answer(2), answer(5)}, 2, 0, true},
		{"continuous reply key does not count", domain.BehaviorContinuous, continuous, []domain.Response{answer(2), answer(4)}, 2, 1, false},
		{"qa one pair open", domain.BehaviorQA, qa, []domain.Response{answer(7)}, 2, 1, false},
		{"qa all pairs answered", domain.BehaviorQA, qa, []domain.Response{answer(5), answer(7)}, 2, 0, true},
		{"qa without exchanges", domain.BehaviorQA, nil, nil, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := Source{Page: aichat(tt.behavior), Messages: tt.messages, PageQuestions: required, Responses: tt.responses}
			assert.Len(t, Enumerate(src), tt.wantScopes)
			summary := Summarize([]Source{src})
			assert.Equal(t, tt.wantUnanswered, summary.Counts.RequiredUnanswered)
			assert.Equal(t, tt.wantFinalize, summary.CanFinalize)
		})
	}
}

func TestFirstTurnSubpagePerModel(t *testing.T) {
	var msgs []domain.Message
	msgs = append(msgs, exchange(1, 10, 1)...)
	msgs = append(msgs, exchange(3, 10, 2)...)
	msgs = append(msgs, exchange(5, 20, 2)...)
	msgs = append(msgs, exchange(7, 20, 3)...)

	src := Source{
		Page:             aichat(domain.BehaviorTurns),
		Messages:         msgs,
		Subpages:         []domain.Subpage{{ID: 1, TurnVisibility: domain.TurnVisibilityFirst}},
		SubpageQuestions: []domain.SubpageQuestion{{SubpageID: 1, QuestionID: 9, Enabled: true, Required: true}},
	}
	items := Items(src, Enumerate(src))

	firstFor := map[int64][]int64{}
	for _, it := range items {
		firstFor[*it.Scope.ModelID] = append(firstFor[*it.Scope.ModelID], *it.Scope.TurnID)
	}
	assert.Equal(t, map[int64][]int64{10: {1}, 20: {2}}, firstFor)
}
