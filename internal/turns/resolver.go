// Package turns resolves turn ids, branch ancestry and model history over a
// materialized slice of the conversation log.
package turns

import (
	"fmt"
	"sort"

	"github.com/xiaot623/surveychat/internal/domain"
)

// DefaultMaxAncestrySteps bounds parent-map walks.
const DefaultMaxAncestrySteps = 1000

// Resolver holds the limits used while walking branch and parent links.
type Resolver struct {
	maxSteps int
}

// NewResolver creates a resolver. A non-positive maxSteps uses the default.
func NewResolver(maxSteps int) *Resolver {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxAncestrySteps
	}
	return &Resolver{maxSteps: maxSteps}
}

// ParentMap maps every branch child turn to its parent turn.
func ParentMap(branches []domain.Branch) map[int64]int64 {
	parents := make(map[int64]int64, len(branches))
	for _, b := range branches {
		parents[b.ChildTurnID] = b.ParentTurnID
	}
	return parents
}

// KnownTurns returns every distinct turn id referenced by messages or
// branches, ascending.
func KnownTurns(msgs []domain.Message, branches []domain.Branch) []int64 {
	seen := make(map[int64]struct{})
	for _, m := range msgs {
		if m.TurnID != nil {
			seen[*m.TurnID] = struct{}{}
		}
	}
	for _, b := range branches {
		seen[b.ParentTurnID] = struct{}{}
		seen[b.ChildTurnID] = struct{}{}
	}
	out := make([]int64, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Ancestry returns the turns feeding turn, ordered root first and ending with
// turn itself. A turn that is not a branch child is its own root.
func (r *Resolver) Ancestry(turn int64, parents map[int64]int64) ([]int64, error) {
	chain := []int64{turn}
	cur := turn
	for steps := 0; ; steps++ {
		parent, ok := parents[cur]
		if !ok {
			break
		}
		if steps >= r.maxSteps {
			return nil, domain.Integrity(domain.CodeAncestryLimit,
				fmt.Sprintf("branch ancestry of turn %d exceeds %d steps", turn, r.maxSteps))
		}
		chain = append(chain, parent)
		cur = parent
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// ConversationRoot resolves turn to the root of its branch chain.
func (r *Resolver) ConversationRoot(turn int64, parents map[int64]int64) (int64, error) {
	chain, err := r.Ancestry(turn, parents)
	if err != nil {
		return 0, err
	}
	return chain[0], nil
}

// ConversationTurns counts the known turns rooted at root.
func (r *Resolver) ConversationTurns(root int64, known []int64, parents map[int64]int64) (int, error) {
	n := 0
	for _, t := range known {
		tr, err := r.ConversationRoot(t, parents)
		if err != nil {
			return 0, err
		}
		if tr == root {
			n++
		}
	}
	return n, nil
}

// TurnExists reports whether turn has messages or is a registered branch child.
func TurnExists(turn int64, msgs []domain.Message, parents map[int64]int64) bool {
	if _, ok := parents[turn]; ok {
		return true
	}
	for _, m := range msgs {
		if m.Turn() == turn {
			return true
		}
	}
	return false
}

// NextTurn returns the next free turn id: one past the highest turn used by
// the model's messages and by any branch, starting at 1.
func NextTurn(maxModelTurn, maxBranchTurn int64) int64 {
	next := maxModelTurn
	if maxBranchTurn > next {
		next = maxBranchTurn
	}
	return next + 1
}

// IsTurnClosed reports whether the model already has both a user and an
// assistant message in turn.
func IsTurnClosed(msgs []domain.Message, turn, modelID int64) bool {
	var user, assistant bool
	for _, m := range msgs {
		if m.Turn() != turn || !m.HasModel(modelID) || m.IsPlaceholder() {
			continue
		}
		switch m.Role {
		case domain.RoleUser:
			user = true
		case domain.RoleAssistant:
			assistant = true
		}
	}
	return user && assistant
}

// HasUserMessage reports whether the model already has a participant
// message in turn, answered or not.
func HasUserMessage(msgs []domain.Message, turn, modelID int64) bool {
	for _, m := range msgs {
		if m.Turn() == turn && m.HasModel(modelID) && m.Role == domain.RoleUser && !m.IsPlaceholder() {
			return true
		}
	}
	return false
}

// LatestInTurn returns the most recent non-placeholder message of turn for
// the model, or nil.
func LatestInTurn(msgs []domain.Message, turn, modelID int64) *domain.Message {
	var latest *domain.Message
	for i := range msgs {
		m := &msgs[i]
		if m.Turn() != turn || !m.HasModel(modelID) || m.IsPlaceholder() {
			continue
		}
		if latest == nil || m.CreatedAt.After(latest.CreatedAt) ||
			(m.CreatedAt.Equal(latest.CreatedAt) && m.ID > latest.ID) {
			latest = m
		}
	}
	return latest
}

// TurnsHistory selects the model's non-placeholder messages in the given
// ancestry, ordered by ancestry position, then creation time, then id.
func TurnsHistory(ancestry []int64, msgs []domain.Message, modelID int64) []domain.Message {
	pos := make(map[int64]int, len(ancestry))
	for i, t := range ancestry {
		pos[t] = i
	}
	var out []domain.Message
	for _, m := range msgs {
		if m.TurnID == nil || !m.HasModel(modelID) || m.IsPlaceholder() {
			continue
		}
		if _, ok := pos[*m.TurnID]; ok {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := pos[*out[i].TurnID], pos[*out[j].TurnID]
		if pi != pj {
			return pi < pj
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ParentChain walks upward from start through parent links and returns the
// chain in chronological order. The walk stops at a message routed to a
// different model (or none) and skips placeholders.
func (r *Resolver) ParentChain(start int64, byID map[int64]domain.Message, modelID int64) ([]domain.Message, error) {
	var chain []domain.Message
	cur, ok := byID[start]
	for steps := 0; ok; steps++ {
		if steps >= r.maxSteps {
			return nil, domain.Integrity(domain.CodeAncestryLimit,
				fmt.Sprintf("parent chain of message %d exceeds %d steps", start, r.maxSteps))
		}
		if !cur.IsPlaceholder() {
			if !cur.HasModel(modelID) {
				break
			}
			chain = append(chain, cur)
		}
		if cur.ParentID == nil {
			break
		}
		cur, ok = byID[*cur.ParentID]
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// IsConversationRoot reports whether m starts a continuous conversation: a
// non-placeholder user message whose parent is absent or a placeholder.
func IsConversationRoot(m domain.Message, byID map[int64]domain.Message) bool {
	if m.Role != domain.RoleUser || m.IsPlaceholder() {
		return false
	}
	if m.ParentID == nil {
		return true
	}
	parent, ok := byID[*m.ParentID]
	return !ok || parent.IsPlaceholder()
}

// ToHistory converts messages to model history entries.
func ToHistory(msgs []domain.Message) []domain.HistoryEntry {
	out := make([]domain.HistoryEntry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, domain.HistoryEntry{Role: m.Role, Content: m.Content})
	}
	return out
}

// IndexByID indexes messages by id.
func IndexByID(msgs []domain.Message) map[int64]domain.Message {
	byID := make(map[int64]domain.Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}
	return byID
}
