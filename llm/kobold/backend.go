package kobold

import (
	"context"

	"github.com/relaykit/relay/llm"
)

// Backend adapts a Client to the llm.Backend contract: exactly one request
// per call, with retry and fallback owned by the dispatch layer. Any retry
// policy in the config is discarded.
type Backend struct {
	client *Client
}

var _ llm.StreamingBackend = (*Backend)(nil)

// NewBackend creates a backend named name over a fresh client.
func NewBackend(name string, cfg ClientConfig) (*Backend, error) {
	cfg.Name = name
	cfg.Retry = RetryConfig{}
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Backend{client: client}, nil
}

// NewChatBackend creates a backend speaking the chat endpoint.
func NewChatBackend(name string, cfg ClientConfig) (*Backend, error) {
	cfg.Mode = ModeChat
	return NewBackend(name, cfg)
}

// NewCompletionBackend creates a backend speaking the plain completion
// endpoint.
func NewCompletionBackend(name string, cfg ClientConfig) (*Backend, error) {
	cfg.Mode = ModeCompletion
	return NewBackend(name, cfg)
}

func (b *Backend) Name() string {
	return b.client.name
}

func (b *Backend) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResult, error) {
	return b.client.completeOnce(ctx, req)
}

func (b *Backend) Stream(ctx context.Context, req *llm.CompletionRequest) (llm.Stream, error) {
	return b.client.streamOnce(ctx, req)
}
