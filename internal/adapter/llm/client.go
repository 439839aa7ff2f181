package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/xiaot623/surveychat/internal/domain"
)

// Client calls an OpenAI-compatible chat completion endpoint.
type Client struct {
	client openai.Client
}

// NewClient creates a new OpenAI-compatible client.
func NewClient(baseURL, apiKey string) *Client {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Client{client: openai.NewClient(opts...)}
}

// SendMessage prepends the model's system prompt and requests one completion.
func (c *Client) SendMessage(ctx context.Context, model domain.Model, history []domain.HistoryEntry) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:    model.ProviderModel,
		Messages: convertHistory(model.SystemPrompt, history),
	}
	if model.Temperature != nil {
		params.Temperature = openai.Float(*model.Temperature)
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("chat completion for %s: %w", model.ProviderModel, err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

func convertHistory(systemPrompt string, history []domain.HistoryEntry) []openai.ChatCompletionMessageParamUnion {
	result := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	if systemPrompt != "" {
		result = append(result, openai.SystemMessage(systemPrompt))
	}
	for _, h := range history {
		switch h.Role {
		case domain.RoleSystem:
			result = append(result, openai.SystemMessage(h.Content))
		case domain.RoleAssistant:
			result = append(result, openai.AssistantMessage(h.Content))
		default:
			result = append(result, openai.UserMessage(h.Content))
		}
	}
	return result
}
