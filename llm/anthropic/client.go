// Package anthropic implements a completion backend over the Anthropic
// Messages API. It does not implement streaming; dispatch layers treat that
// as a capability gap and skip it for streaming requests.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"

	"github.com/relaykit/relay/llm"
)

// Config configures an Anthropic backend.
type Config struct {
	// Model to complete with. Required.
	Model string
	// APIKey for authentication. Required.
	APIKey string
	// BaseURL overrides the default API endpoint.
	BaseURL string
	// HTTPClient overrides the default client, typically built with
	// llm.NewHTTPClient so connection pooling matches the owning slot.
	HTTPClient *http.Client
	// Logger for request diagnostics.
	Logger zerolog.Logger
}

// Backend performs completions against the Messages API, sending the prompt
// as a single user message.
type Backend struct {
	name   string
	client *anthropic.Client
	model  string
	logger zerolog.Logger
}

var _ llm.Backend = (*Backend)(nil)

// NewBackend creates a backend named name over a fresh Anthropic client.
func NewBackend(name string, cfg Config) (*Backend, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if name == "" {
		name = "anthropic"
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	client := anthropic.NewClient(opts...)
	return &Backend{
		name:   name,
		client: &client,
		model:  cfg.Model,
		logger: cfg.Logger.With().Str("component", "anthropic").Str("backend", name).Logger(),
	}, nil
}

func (b *Backend) Name() string {
	return b.name
}

func (b *Backend) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResult, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(b.model),
		MaxTokens: int64(req.EffectiveMaxTokens()),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
		Temperature: anthropic.Float(req.SamplingTemperature()),
		TopP:        anthropic.Float(req.SamplingTopP()),
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}

	message, err := b.client.Messages.New(ctx, params)
	if err != nil {
		return nil, mapError(b.name, err)
	}

	var text strings.Builder
	for _, blockUnion := range message.Content {
		if block, ok := blockUnion.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(block.Text)
		}
	}

	result := &llm.CompletionResult{
		Text:         text.String(),
		Model:        string(message.Model),
		Backend:      b.name,
		FinishReason: string(message.StopReason),
	}
	if result.Model == "" {
		result.Model = b.model
	}
	if message.Usage.InputTokens > 0 || message.Usage.OutputTokens > 0 {
		result.Usage = &llm.Usage{
			PromptTokens:     int(message.Usage.InputTokens),
			CompletionTokens: int(message.Usage.OutputTokens),
			TotalTokens:      int(message.Usage.InputTokens + message.Usage.OutputTokens),
		}
	}
	return result, nil
}

// mapError classifies an SDK failure by HTTP status, reading the rate limit
// retry hint from the response headers when present.
func mapError(name string, err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		status := apiErr.StatusCode
		switch {
		case status == http.StatusTooManyRequests:
			return llm.NewRateLimitedError(name, apiErr.Error(), retryAfterHeader(apiErr), err)
		case status >= 500:
			return llm.NewServerError(name, apiErr.Error(), status, err)
		case status >= 400:
			return llm.NewClientError(name, apiErr.Error(), status, err)
		}
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

func retryAfterHeader(apiErr *anthropic.Error) *time.Duration {
	if apiErr.Response == nil {
		return nil
	}
	header := strings.TrimSpace(apiErr.Response.Header.Get("Retry-After"))
	if header == "" {
		return nil
	}
	if seconds, err := strconv.ParseFloat(header, 64); err == nil && seconds >= 0 {
		d := time.Duration(seconds * float64(time.Second))
		return &d
	}
	return nil
}
