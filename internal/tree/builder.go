// Package tree builds display trees of a participant's conversations.
//
// Nodes live in one slice and refer to each other by index, so a tree with
// corrupted branch links still has a finite, printable shape.
package tree

import (
	"sort"
	"time"

	"github.com/xiaot623/surveychat/internal/domain"
)

// Node is one entry of the display tree. In turns mode it stands for a turn,
// in continuous mode for a top-level message.
type Node struct {
	TurnID       int64     `json:"turn_id,omitempty"`
	MessageID    int64     `json:"message_id,omitempty"`
	ParentTurnID *int64    `json:"parent_turn_id,omitempty"`
	Label        string    `json:"label,omitempty"`
	Preview      string    `json:"preview,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	MessageCount int       `json:"message_count"`
	ChildCount   int       `json:"child_count,omitempty"`
	Branch       bool      `json:"branch"`
	Stub         bool      `json:"stub"`
	Children     []int     `json:"-"`
}

// Tree is an arena of nodes with root indices.
type Tree struct {
	Nodes         []Node `json:"-"`
	Roots         []int  `json:"-"`
	CurrentTurnID int64  `json:"current_turn_id"`
}

// NodeView is the nested rendering of a node.
type NodeView struct {
	Node
	Children []NodeView `json:"children,omitempty"`
}

// View is the nested rendering of a tree.
type View struct {
	Roots         []NodeView `json:"roots"`
	CurrentTurnID int64      `json:"current_turn_id"`
}

// Build dispatches on the page behavior. Only turns mode reports a current
// turn; other behaviors are rendered as continuous parent-chain forests.
func Build(behavior domain.Behavior, msgs []domain.Message, branches []domain.Branch, modelID *int64) *Tree {
	if behavior == domain.BehaviorTurns {
		return BuildTurns(msgs, branches, modelID)
	}
	return BuildContinuous(msgs, modelID)
}

func keep(m domain.Message, modelID *int64) bool {
	return modelID == nil || m.ModelID == nil || *m.ModelID == *modelID
}

// BuildContinuous lists top-level messages. ChildCount counts the root itself
// plus its direct replies only.
func BuildContinuous(msgs []domain.Message, modelID *int64) *Tree {
	t := &Tree{}
	index := make(map[int64]int)
	for _, m := range msgs {
		if !keep(m, modelID) || m.ParentID != nil {
			continue
		}
		index[m.ID] = len(t.Nodes)
		t.Nodes = append(t.Nodes, Node{
			MessageID: m.ID,
			TurnID:    m.Turn(),
			Preview:   preview(m),
			Timestamp: m.CreatedAt,
			Stub:      m.IsPlaceholder(),
		})
	}
	for _, m := range msgs {
		if !keep(m, modelID) {
			continue
		}
		i, ok := index[m.ID]
		if !ok && m.ParentID != nil {
			i, ok = index[*m.ParentID]
		}
		if !ok {
			continue
		}
		n := &t.Nodes[i]
		n.ChildCount++
		if !m.IsPlaceholder() {
			n.MessageCount++
		}
		if m.CreatedAt.Before(n.Timestamp) {
			n.Timestamp = m.CreatedAt
		}
	}
	for i := range t.Nodes {
		t.Roots = append(t.Roots, i)
	}
	sort.SliceStable(t.Roots, func(a, b int) bool {
		na, nb := t.Nodes[t.Roots[a]], t.Nodes[t.Roots[b]]
		if !na.Timestamp.Equal(nb.Timestamp) {
			return na.Timestamp.Before(nb.Timestamp)
		}
		return na.MessageID < nb.MessageID
	})
	return t
}

// BuildTurns builds the turn tree from messages and the branch table. Direct
// branches (whose parent is not itself a branch) sit beside their parent in
// Roots; derived branches nest under their parent.
func BuildTurns(msgs []domain.Message, branches []domain.Branch, modelID *int64) *Tree {
	t := &Tree{}
	index := make(map[int64]int)
	add := func(turn int64) *Node {
		if i, ok := index[turn]; ok {
			return &t.Nodes[i]
		}
		index[turn] = len(t.Nodes)
		t.Nodes = append(t.Nodes, Node{TurnID: turn, Stub: true})
		return &t.Nodes[len(t.Nodes)-1]
	}

	var maxTurn int64
	for _, m := range msgs {
		if m.TurnID == nil || !keep(m, modelID) {
			continue
		}
		n := add(*m.TurnID)
		if n.Stub || m.CreatedAt.Before(n.Timestamp) {
			n.Timestamp = m.CreatedAt
		}
		n.Stub = false
		if !m.IsPlaceholder() {
			n.MessageCount++
			if n.Preview == "" && m.Role == domain.RoleUser {
				n.Preview = preview(m)
			}
		}
		if *m.TurnID > maxTurn {
			maxTurn = *m.TurnID
		}
	}

	childOf := make(map[int64]domain.Branch, len(branches))
	for _, b := range branches {
		childOf[b.ChildTurnID] = b
		if b.ChildTurnID > maxTurn {
			maxTurn = b.ChildTurnID
		}
	}
	for _, b := range branches {
		for _, turn := range []int64{b.ParentTurnID, b.ChildTurnID} {
			n := add(turn)
			if n.Stub && (n.Timestamp.IsZero() || b.CreatedAt.Before(n.Timestamp)) {
				n.Timestamp = b.CreatedAt
			}
		}
		child := &t.Nodes[index[b.ChildTurnID]]
		child.Branch = true
		child.Label = b.Label
		child.ParentTurnID = domain.Int64Ptr(b.ParentTurnID)
	}

	for i := range t.Nodes {
		n := t.Nodes[i]
		b, isChild := childOf[n.TurnID]
		if !isChild {
			t.Roots = append(t.Roots, i)
			continue
		}
		if _, parentIsChild := childOf[b.ParentTurnID]; !parentIsChild {
			t.Roots = append(t.Roots, i)
			continue
		}
		p := index[b.ParentTurnID]
		t.Nodes[p].Children = append(t.Nodes[p].Children, i)
	}

	byTurn := func(list []int) {
		sort.Slice(list, func(a, b int) bool { return t.Nodes[list[a]].TurnID < t.Nodes[list[b]].TurnID })
	}
	byTurn(t.Roots)
	for i := range t.Nodes {
		byTurn(t.Nodes[i].Children)
	}

	t.CurrentTurnID = maxTurn
	if t.CurrentTurnID == 0 {
		t.CurrentTurnID = 1
	}
	return t
}

// View renders the arena as nested nodes. Each node appears at most once.
func (t *Tree) View() View {
	seen := make([]bool, len(t.Nodes))
	var walk func(i int) NodeView
	walk = func(i int) NodeView {
		seen[i] = true
		v := NodeView{Node: t.Nodes[i]}
		for _, c := range t.Nodes[i].Children {
			if !seen[c] {
				v.Children = append(v.Children, walk(c))
			}
		}
		return v
	}
	out := View{Roots: []NodeView{}, CurrentTurnID: t.CurrentTurnID}
	for _, r := range t.Roots {
		if !seen[r] {
			out.Roots = append(out.Roots, walk(r))
		}
	}
	return out
}

// Find returns the node for a turn, or nil.
func (t *Tree) Find(turn int64) *Node {
	for i := range t.Nodes {
		if t.Nodes[i].TurnID == turn {
			return &t.Nodes[i]
		}
	}
	return nil
}

func preview(m domain.Message) string {
	if m.IsPlaceholder() {
		return ""
	}
	const max = 80
	r := []rune(m.Content)
	if len(r) <= max {
		return m.Content
	}
	return string(r[:max]) + "..."
}
