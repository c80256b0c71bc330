package llm

import "context"

// Client is the interface all providers implement.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// ChatStream sends a chat request, streaming text tokens to callback
	// when it is non-nil.
	ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error)

	// Ping checks whether the provider is reachable.
	Ping(ctx context.Context) error
}
