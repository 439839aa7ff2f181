package llm

import "github.com/xiaot623/surveychat/internal/logger"

const (
	// ModeMock indicates mock mode should be used.
	ModeMock = "MOCK"
)

// NewLLMClient creates an LLM client for the configured mode.
// If mode is MOCK, returns a MockClient; otherwise returns a real Client.
func NewLLMClient(mode, baseURL, apiKey string, log *logger.Logger) LLMClient {
	if mode == ModeMock {
		log.Info("AICHAT_MODE=MOCK detected, using mock LLM client")
		return NewMockClient()
	}
	return NewClient(baseURL, apiKey)
}
