package domain

import "time"

// Message is one turn-of-speech in the append-only conversation log.
type Message struct {
	ID        int64     `json:"id"`
	PageID    int64     `json:"page_id"`
	UserID    int64     `json:"user_id"`
	ModelID   *int64    `json:"model_id,omitempty"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	ParentID  *int64    `json:"parent_id,omitempty"`
	TurnID    *int64    `json:"turn_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// IsPlaceholder reports whether the message is an empty-thread stub.
func (m Message) IsPlaceholder() bool {
	return m.Content == PlaceholderContent
}

// HasModel reports whether the message was routed to modelID.
func (m Message) HasModel(modelID int64) bool {
	return m.ModelID != nil && *m.ModelID == modelID
}

// Turn returns the turn id or zero when unassigned.
func (m Message) Turn() int64 {
	if m.TurnID == nil {
		return 0
	}
	return *m.TurnID
}

// PairKey returns the self-assigned key of a Q&A exchange. In qa behavior the
// user message's own id is written back as its turn id, so every question and
// answer pair is addressable on its own.
func (m Message) PairKey() int64 {
	if m.TurnID != nil {
		return *m.TurnID
	}
	return m.ID
}

// Branch maps a child turn onto the turn it was branched from.
type Branch struct {
	ID           int64     `json:"id"`
	PageID       int64     `json:"page_id"`
	UserID       int64     `json:"user_id"`
	ParentTurnID int64     `json:"parent_turn_id"`
	ChildTurnID  int64     `json:"child_turn_id"`
	Label        string    `json:"label"`
	CreatedAt    time.Time `json:"created_at"`
}

// HistoryEntry is a role/content pair sent to the model collaborator.
type HistoryEntry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Int64Ptr returns a pointer to v.
func Int64Ptr(v int64) *int64 {
	return &v
}

// Int64Value dereferences p, returning zero for nil.
func Int64Value(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
