package kobold

import (
	"context"

	"github.com/relaykit/relay/llm"
)

// Generate is the standalone convenience path: it prefers the chat endpoint
// and falls back to the plain completion endpoint when chat fails, retrying
// transient failures along the way. Dispatch pipelines should use backends
// instead, which leave retry and fallback to the pipeline.
func Generate(ctx context.Context, req *llm.CompletionRequest, cfg ClientConfig) (*llm.CompletionResult, error) {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryConfig()
	}

	chatCfg := cfg
	chatCfg.Mode = ModeChat
	chatClient, err := NewClient(chatCfg)
	if err != nil {
		return nil, err
	}
	result, chatErr := chatClient.Complete(ctx, req.Normalized())
	if chatErr == nil {
		return result, nil
	}
	if ctx.Err() != nil {
		return nil, chatErr
	}
	chatClient.logger.Warn().Err(chatErr).Msg("Chat endpoint failed, falling back to plain completion")

	plainCfg := cfg
	plainCfg.Mode = ModeCompletion
	plainClient, err := NewClient(plainCfg)
	if err != nil {
		return nil, err
	}
	return plainClient.Complete(ctx, req.Normalized())
}
