package domain

import (
	"fmt"
	"time"
)

// Dataset is an imported transcript attached to a review page.
type Dataset struct {
	ID          int64         `json:"id"`
	PageID      int64         `json:"page_id"`
	ImportID    string        `json:"import_id"`
	Filename    string        `json:"filename"`
	ContentHash string        `json:"content_hash"`
	Status      DatasetStatus `json:"status"`
	ImportedAt  time.Time     `json:"imported_at"`
}

// Thread is a root-level conversation reconstructed from an import.
type Thread struct {
	ID        int64  `json:"id"`
	DatasetID int64  `json:"dataset_id"`
	ThreadKey string `json:"thread_key"`
	Label     string `json:"label"`
	SortOrder int    `json:"sort_order"`
}

// ReviewMessage is one imported transcript row.
type ReviewMessage struct {
	ID               int64  `json:"id"`
	DatasetID        int64  `json:"dataset_id"`
	ExternalID       string `json:"external_id"`
	ParentExternalID string `json:"parent_external_id,omitempty"`
	TurnRef          string `json:"turn_ref,omitempty"`
	ModelRef         string `json:"model_ref,omitempty"`
	Role             Role   `json:"role"`
	Content          string `json:"content"`
	Timestamp        *int64 `json:"timestamp,omitempty"`
	SortOrder        int    `json:"sort_order"`
}

// ThreadMessage joins a review message into a thread at a position.
type ThreadMessage struct {
	ThreadID  int64 `json:"thread_id"`
	MessageID int64 `json:"message_id"`
	Position  int   `json:"position"`
}

// Target binds a reviewer on a page to a thread and their progress marker.
type Target struct {
	ID            int64     `json:"id"`
	PageID        int64     `json:"page_id"`
	UserID        int64     `json:"user_id"`
	ThreadID      int64     `json:"thread_id"`
	ThreadKey     string    `json:"thread_key"`
	LastMessageID *int64    `json:"last_message_id,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ThreadKeyFor returns the stable key of a thread rooted at an external message id.
func ThreadKeyFor(rootExternalID string) string {
	return "root:" + rootExternalID
}

// ThreadLabel returns the display label of the n-th (1-based) thread.
func ThreadLabel(n int) string {
	return fmt.Sprintf("Conversation %d", n)
}

// UnansweredThreadKey is the scope key of a thread the reviewer has no target
// for yet. It is negative so it never collides with a target id.
func UnansweredThreadKey(threadID int64) int64 {
	return -threadID
}
