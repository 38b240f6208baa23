package llm

import (
	"context"

	"github.com/sashabaranov/go-openai"
)

// Stream is the receiving side of one streaming chat completion. Recv
// returns io.EOF when the stream completes normally.
type Stream interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
	Close() error
}

// Client is the minimal subset of openai.Client used by the task runner;
// it is easy to mock in tests.
type Client interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (Stream, error)
}
