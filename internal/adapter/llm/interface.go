// Package llm provides an abstraction for the model collaborator.
package llm

import (
	"context"

	"github.com/xiaot623/surveychat/internal/domain"
)

// LLMClient sends a conversation history to a configured model and returns
// the assistant reply text.
type LLMClient interface {
	SendMessage(ctx context.Context, model domain.Model, history []domain.HistoryEntry) (string, error)
}

// Ensure Client implements LLMClient interface.
var _ LLMClient = (*Client)(nil)
