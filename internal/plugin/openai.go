package plugin

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"chatrelay/internal/domain"
)

// OpenAICompleter is a Completer backed by an OpenAI-compatible chat
// completion endpoint.
type OpenAICompleter struct {
	client *openai.Client
}

// Ensure OpenAICompleter implements Completer.
var _ Completer = (*OpenAICompleter)(nil)

// NewOpenAICompleter creates a completer against the given base URL.
func NewOpenAICompleter(baseURL, apiKey string) *OpenAICompleter {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAICompleter{client: openai.NewClientWithConfig(cfg)}
}

// Complete sends the conversation as a single non-streaming chat completion
// and returns the assistant message body.
func (c *OpenAICompleter) Complete(ctx context.Context, model string, messages []domain.Message, options domain.GenerateOptions) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	if t, ok := options["temperature"].(float64); ok {
		req.Temperature = float32(t)
	}
	if p, ok := options["top_p"].(float64); ok {
		req.TopP = float32(p)
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("plugin completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("plugin returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
