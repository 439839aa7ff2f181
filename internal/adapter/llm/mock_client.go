package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xiaot623/surveychat/internal/domain"
)

// MockClient is a mock implementation of LLMClient for testing.
type MockClient struct {
	mu sync.Mutex
	// Err, when set, is returned by every call.
	Err error
	// Delay holds every reply back, honoring ctx.
	Delay time.Duration
	// Calls records the history passed to each call.
	Calls [][]domain.HistoryEntry
}

// NewMockClient creates a new mock LLM client.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// Ensure MockClient implements LLMClient interface.
var _ LLMClient = (*MockClient)(nil)

// SendMessage echoes the last user message.
func (m *MockClient) SendMessage(ctx context.Context, model domain.Model, history []domain.HistoryEntry) (string, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, append([]domain.HistoryEntry(nil), history...))
	err, delay := m.Err, m.Delay
	m.mu.Unlock()

	if err != nil {
		return "", err
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	var lastUserMessage string
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == domain.RoleUser {
			lastUserMessage = history[i].Content
			break
		}
	}
	if lastUserMessage == "" {
		return "[MOCK] This is a mock response from the LLM client.", nil
	}
	return fmt.Sprintf("[MOCK] Received your message: %q. This is a mock response.", truncate(lastUserMessage, 100)), nil
}

// LastCall returns the history of the most recent call.
func (m *MockClient) LastCall() []domain.HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Calls) == 0 {
		return nil
	}
	return m.Calls[len(m.Calls)-1]
}

// truncate keeps at most maxLen runes of s.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
