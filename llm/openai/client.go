// Package openai implements a completion backend over the OpenAI chat
// completions API. It also serves OpenAI-compatible servers via a custom
// base URL.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/relaykit/relay/llm"
)

// The API does not expose retry-after on 429 responses through the client
// library, so rate limit errors carry a fixed hint.
const defaultRetryAfter = 60 * time.Second

// Config configures an OpenAI backend.
type Config struct {
	// Model to complete with. Required.
	Model string
	// APIKey for authentication. Required.
	APIKey string
	// BaseURL overrides the default API endpoint, for OpenAI-compatible
	// servers.
	BaseURL string
	// Organization is sent as the OpenAI-Organization header when set.
	Organization string
	// HTTPClient overrides the default client, typically built with
	// llm.NewHTTPClient so connection pooling matches the owning slot.
	HTTPClient *http.Client
	// Logger for request diagnostics.
	Logger zerolog.Logger
}

// Backend performs completions against the chat completions API, sending
// the prompt as a single user message.
type Backend struct {
	name   string
	client *openai.Client
	model  string
	logger zerolog.Logger
}

var _ llm.StreamingBackend = (*Backend)(nil)

// NewBackend creates a backend named name over a fresh OpenAI client.
func NewBackend(name string, cfg Config) (*Backend, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if name == "" {
		name = "openai"
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Organization != "" {
		clientCfg.OrgID = cfg.Organization
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}

	return &Backend{
		name:   name,
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		logger: cfg.Logger.With().Str("component", "openai").Str("backend", name).Logger(),
	}, nil
}

func (b *Backend) Name() string {
	return b.name
}

func (b *Backend) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResult, error) {
	resp, err := b.client.CreateChatCompletion(ctx, b.buildRequest(req, false))
	if err != nil {
		return nil, mapError(b.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, llm.NewResponseStructureError(b.name, "response has no choices", nil)
	}
	choice := resp.Choices[0]

	result := &llm.CompletionResult{
		Text:         choice.Message.Content,
		Model:        resp.Model,
		Backend:      b.name,
		FinishReason: string(choice.FinishReason),
	}
	if result.Model == "" {
		result.Model = b.model
	}
	if resp.Usage.PromptTokens > 0 || resp.Usage.CompletionTokens > 0 {
		result.Usage = &llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return result, nil
}

func (b *Backend) Stream(ctx context.Context, req *llm.CompletionRequest) (llm.Stream, error) {
	stream, err := b.client.CreateChatCompletionStream(ctx, b.buildRequest(req, true))
	if err != nil {
		return nil, mapError(b.name, err)
	}
	return newChatStream(b.name, stream), nil
}

func (b *Backend) buildRequest(req *llm.CompletionRequest, stream bool) openai.ChatCompletionRequest {
	chatReq := openai.ChatCompletionRequest{
		Model: b.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		MaxTokens:   req.EffectiveMaxTokens(),
		Temperature: float32(req.SamplingTemperature()),
		TopP:        float32(req.SamplingTopP()),
		Stop:        req.Stop,
		Stream:      stream,
	}
	if stream {
		chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return chatReq
}

// mapError classifies a client library failure. The library surfaces HTTP
// error statuses as APIError once the response parses and RequestError
// otherwise.
func mapError(name string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return statusError(name, apiErr.HTTPStatusCode, apiErr.Message, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return statusError(name, reqErr.HTTPStatusCode, reqErr.Error(), err)
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return llm.NewTimeoutError(name, "request timed out", err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return llm.NewConnectionError(name, "request failed", err)
	}
}

func statusError(name string, status int, msg string, err error) error {
	switch {
	case status == http.StatusTooManyRequests:
		retryAfter := defaultRetryAfter
		return llm.NewRateLimitedError(name, msg, &retryAfter, err)
	case status >= 500:
		return llm.NewServerError(name, msg, status, err)
	case status >= 400:
		return llm.NewClientError(name, msg, status, err)
	default:
		return llm.NewUnknownError(name, msg, err)
	}
}
