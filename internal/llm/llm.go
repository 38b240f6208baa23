package llm

import (
	"context"

	"github.com/sashabaranov/go-openai"

	"github.com/lyzno1/llm-eduhub/internal/config"
)

type client struct {
	*openai.Client
}

// CreateChatCompletionStream narrows the concrete stream type to the Stream
// interface so callers can substitute fakes.
func (c client) CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (Stream, error) {
	return c.Client.CreateChatCompletionStream(ctx, req)
}

// NewClient creates an OpenAI-compatible client for the configured endpoint
func NewClient(cfg config.LLMConfig) Client {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return client{openai.NewClientWithConfig(clientCfg)}
}
