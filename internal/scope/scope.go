// Package scope enumerates the units of a page that require survey answers
// and aggregates them into a finalization summary.
package scope

import (
	"fmt"
	"sort"

	"github.com/xiaot623/surveychat/internal/domain"
	"github.com/xiaot623/surveychat/internal/turns"
)

// Scope is one addressable unit that must receive answers.
type Scope struct {
	Kind     domain.ScopeKind `json:"kind"`
	Key      int64            `json:"key"`
	TurnID   *int64           `json:"turn_id,omitempty"`
	ModelID  *int64           `json:"model_id,omitempty"`
	ThreadID int64            `json:"thread_id,omitempty"`
}

// ResponseTurn is the turn component of the response key for this scope.
// The page-level scope of a plain survey page maps to an ordinary response.
func (s Scope) ResponseTurn() *int64 {
	if s.Kind == domain.ScopeKindPage {
		return nil
	}
	return domain.Int64Ptr(s.Key)
}

// Source is everything the engine needs about one page for one participant.
type Source struct {
	Page             domain.Page
	Messages         []domain.Message
	Threads          []domain.Thread
	Targets          []domain.Target
	PageQuestions    []domain.PageQuestion
	Subpages         []domain.Subpage
	SubpageQuestions []domain.SubpageQuestion
	Responses        []domain.Response
}

// Enumerate lists the scopes of the page in a stable order.
func Enumerate(src Source) []Scope {
	page := src.Page
	if !page.IsAIChat() {
		return []Scope{{Kind: domain.ScopeKindPage, Key: 0}}
	}

	var out []Scope
	switch page.Behavior {
	case domain.BehaviorContinuous:
		byID := turns.IndexByID(src.Messages)
		for _, m := range src.Messages {
			if turns.IsConversationRoot(m, byID) {
				out = append(out, Scope{Kind: domain.ScopeKindConversation, Key: m.ID, ModelID: m.ModelID})
			}
		}
	case domain.BehaviorQA:
		seen := make(map[int64]bool)
		for _, m := range src.Messages {
			if m.Role != domain.RoleUser || m.IsPlaceholder() || m.TurnID == nil || seen[*m.TurnID] {
				continue
			}
			seen[*m.TurnID] = true
			out = append(out, Scope{Kind: domain.ScopeKindPair, Key: *m.TurnID, TurnID: m.TurnID, ModelID: m.ModelID})
		}
	case domain.BehaviorTurns:
		type pair struct{ turn, model int64 }
		seen := make(map[pair]bool)
		for _, m := range src.Messages {
			if m.TurnID == nil || m.ModelID == nil || m.IsPlaceholder() {
				continue
			}
			k := pair{*m.TurnID, *m.ModelID}
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, Scope{Kind: domain.ScopeKindTurn, Key: k.turn, TurnID: domain.Int64Ptr(k.turn), ModelID: domain.Int64Ptr(k.model)})
		}
	case domain.BehaviorReviewConversation:
		targets := make(map[int64]domain.Target, len(src.Targets))
		for _, t := range src.Targets {
			targets[t.ThreadID] = t
		}
		for _, th := range src.Threads {
			key := domain.UnansweredThreadKey(th.ID)
			if t, ok := targets[th.ID]; ok {
				key = t.ID
			}
			out = append(out, Scope{Kind: domain.ScopeKindThread, Key: key, ThreadID: th.ID})
		}
		return out
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return domain.Int64Value(out[i].ModelID) < domain.Int64Value(out[j].ModelID)
	})
	return out
}

// Item is one (question, scope) instance after visibility filtering.
type Item struct {
	QuestionID int64  `json:"question_id"`
	SubpageID  *int64 `json:"subpage_id,omitempty"`
	Scope      Scope  `json:"scope"`
	Required   bool   `json:"required"`
	SortOrder  int    `json:"sort_order"`
	Value      string `json:"value,omitempty"`
	Answered   bool   `json:"answered"`
}

func (it Item) key() string {
	return fmt.Sprintf("%d:%d:%d:%d", domain.Int64Value(it.SubpageID), it.QuestionID, it.Scope.Key, domain.Int64Value(it.Scope.ModelID))
}

// Items applies every enabled mapping to every scope and resolves answers.
// Each (mapping, scope) instance appears once.
func Items(src Source, scopes []Scope) []Item {
	answers := make(map[string]domain.Response, len(src.Responses))
	for _, r := range src.Responses {
		answers[responseKey(r.QuestionID, r.TurnID)] = r
	}

	seen := make(map[string]bool)
	var out []Item
	emit := func(it Item) {
		k := it.key()
		if seen[k] {
			return
		}
		seen[k] = true
		if r, ok := answers[responseKey(it.QuestionID, it.Scope.ResponseTurn())]; ok {
			it.Value = r.Value
			it.Answered = r.Answered()
		}
		out = append(out, it)
	}

	turnsMode := src.Page.IsAIChat() && src.Page.Behavior == domain.BehaviorTurns
	for _, pq := range src.PageQuestions {
		if !pq.Enabled {
			continue
		}
		for _, sc := range scopes {
			if !visible(pq, sc, turnsMode) {
				continue
			}
			emit(Item{QuestionID: pq.QuestionID, Scope: sc, Required: pq.Required, SortOrder: pq.SortOrder})
		}
	}

	if turnsMode {
		first := firstTurns(scopes)
		subpages := make(map[int64]domain.Subpage, len(src.Subpages))
		for _, sp := range src.Subpages {
			subpages[sp.ID] = sp
		}
		for _, sq := range src.SubpageQuestions {
			sp, ok := subpages[sq.SubpageID]
			if !ok || !sq.Enabled {
				continue
			}
			for _, sc := range scopes {
				if !subpageVisible(sp, sc, first) {
					continue
				}
				emit(Item{QuestionID: sq.QuestionID, SubpageID: domain.Int64Ptr(sp.ID), Scope: sc, Required: sq.Required, SortOrder: sq.SortOrder})
			}
		}
	}
	return out
}

func responseKey(questionID int64, turn *int64) string {
	if turn == nil {
		return fmt.Sprintf("%d:-", questionID)
	}
	return fmt.Sprintf("%d:%d", questionID, *turn)
}

func visible(pq domain.PageQuestion, sc Scope, turnsMode bool) bool {
	if turnsMode && sc.TurnID != nil {
		if pq.ShowOnlyTurn != nil && *pq.ShowOnlyTurn != *sc.TurnID {
			return false
		}
		if pq.HideOnTurn != nil && *pq.HideOnTurn == *sc.TurnID {
			return false
		}
	}
	if pq.ShowOnlyModel != nil {
		if sc.ModelID == nil || *sc.ModelID != *pq.ShowOnlyModel {
			return false
		}
	}
	if pq.HideOnModel != nil && sc.ModelID != nil && *sc.ModelID == *pq.HideOnModel {
		return false
	}
	return true
}

// firstTurns maps each model to its lowest turn among the scopes.
func firstTurns(scopes []Scope) map[int64]int64 {
	first := make(map[int64]int64)
	for _, sc := range scopes {
		if sc.TurnID == nil {
			continue
		}
		model := domain.Int64Value(sc.ModelID)
		if cur, ok := first[model]; !ok || *sc.TurnID < cur {
			first[model] = *sc.TurnID
		}
	}
	return first
}

func subpageVisible(sp domain.Subpage, sc Scope, first map[int64]int64) bool {
	if sc.TurnID == nil {
		return false
	}
	switch sp.TurnVisibility {
	case domain.TurnVisibilityFirst:
		return first[domain.Int64Value(sc.ModelID)] == *sc.TurnID
	case domain.TurnVisibilitySpecific:
		return sp.TurnNumber != nil && *sp.TurnNumber == *sc.TurnID
	default:
		return true
	}
}

// Find returns the scope whose response turn matches turn and, when given,
// whose model matches modelID.
func Find(scopes []Scope, turn int64, modelID *int64) (Scope, bool) {
	for _, sc := range scopes {
		rt := sc.ResponseTurn()
		if rt == nil || *rt != turn {
			continue
		}
		if modelID != nil && (sc.ModelID == nil || *sc.ModelID != *modelID) {
			continue
		}
		return sc, true
	}
	return Scope{}, false
}
