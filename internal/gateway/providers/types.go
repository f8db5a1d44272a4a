package providers

import (
	"context"

	"github.com/sashabaranov/go-openai"
)

// ChatRequest is one upstream streaming call. Messages use the OpenAI shape;
// each provider converts them to its own dialect.
type ChatRequest struct {
	Model       string                         `json:"model"`
	Messages    []openai.ChatCompletionMessage `json:"messages"`
	Temperature *float32                       `json:"temperature,omitempty"`
	MaxTokens   *int                           `json:"max_tokens,omitempty"`
	TopP        *float32                       `json:"top_p,omitempty"`
}

// StreamReader is an interface for streaming responses. Recv returns io.EOF
// once the upstream finished normally.
type StreamReader interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
	Close() error
}

// Provider is one upstream bound to a single API key.
type Provider interface {
	ChatCompletionStream(ctx context.Context, req ChatRequest) (StreamReader, error)
	ValidateModel(model string) bool
	GetProviderName() string
}

// DeltaText returns the text carried by a stream chunk, if any.
func DeltaText(chunk openai.ChatCompletionStreamResponse) string {
	var text string
	for _, choice := range chunk.Choices {
		text += choice.Delta.Content
	}
	return text
}
