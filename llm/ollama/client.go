// Package ollama implements a completion backend over the Ollama generate
// API using the official client library.
package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
	"github.com/rs/zerolog"

	"github.com/relaykit/relay/llm"
)

// Config configures an Ollama backend.
type Config struct {
	// Model to generate with. Required.
	Model string
	// Host of the Ollama server. Empty uses the client library's
	// environment resolution (OLLAMA_HOST or http://localhost:11434).
	Host string
	// HTTPClient overrides the default client, typically built with
	// llm.NewHTTPClient so connection pooling matches the owning slot.
	HTTPClient *http.Client
	// Logger for request diagnostics.
	Logger zerolog.Logger
}

// Backend performs completions against an Ollama server.
type Backend struct {
	name   string
	api    *api.Client
	model  string
	logger zerolog.Logger
}

var _ llm.StreamingBackend = (*Backend)(nil)

// NewBackend creates a backend named name over a fresh Ollama client.
func NewBackend(name string, cfg Config) (*Backend, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if name == "" {
		name = "ollama"
	}

	var client *api.Client
	if cfg.Host != "" {
		baseURL, err := parseHost(cfg.Host)
		if err != nil {
			return nil, fmt.Errorf("invalid host: %w", err)
		}
		httpClient := cfg.HTTPClient
		if httpClient == nil {
			httpClient = &http.Client{}
		}
		client = api.NewClient(baseURL, httpClient)
	} else {
		var err error
		client, err = api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("failed to create ollama client: %w", err)
		}
	}

	return &Backend{
		name:   name,
		api:    client,
		model:  cfg.Model,
		logger: cfg.Logger.With().Str("component", "ollama").Str("backend", name).Logger(),
	}, nil
}

// parseHost parses a host string into a URL, defaulting the scheme to http.
func parseHost(host string) (*url.URL, error) {
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "http://" + host
	}
	return url.Parse(host)
}

func (b *Backend) Name() string {
	return b.name
}

func (b *Backend) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResult, error) {
	var last api.GenerateResponse
	err := b.api.Generate(ctx, b.buildRequest(req, false), func(resp api.GenerateResponse) error {
		last = resp
		return nil
	})
	if err != nil {
		return nil, mapError(b.name, err)
	}

	result := &llm.CompletionResult{
		Text:         last.Response,
		Model:        last.Model,
		Backend:      b.name,
		FinishReason: last.DoneReason,
	}
	if result.Model == "" {
		result.Model = b.model
	}
	if last.PromptEvalCount > 0 || last.EvalCount > 0 {
		result.Usage = &llm.Usage{
			PromptTokens:     last.PromptEvalCount,
			CompletionTokens: last.EvalCount,
			TotalTokens:      last.PromptEvalCount + last.EvalCount,
		}
	}
	return result, nil
}

func (b *Backend) Stream(ctx context.Context, req *llm.CompletionRequest) (llm.Stream, error) {
	return newGenerateStream(ctx, b, b.buildRequest(req, true)), nil
}

// buildRequest converts a completion request into Ollama's generate shape.
func (b *Backend) buildRequest(req *llm.CompletionRequest, stream bool) *api.GenerateRequest {
	options := map[string]any{
		"num_predict": req.EffectiveMaxTokens(),
		"temperature": req.SamplingTemperature(),
		"top_p":       req.SamplingTopP(),
	}
	if len(req.Stop) > 0 {
		options["stop"] = req.Stop
	}
	return &api.GenerateRequest{
		Model:   b.model,
		Prompt:  req.Prompt,
		Stream:  &stream,
		Options: options,
	}
}

// mapError classifies a client library failure. Ollama surfaces HTTP error
// statuses as api.StatusError; everything else is a transport problem.
func mapError(name string, err error) error {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		msg := statusErr.ErrorMessage
		if msg == "" {
			msg = statusErr.Status
		}
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests:
			return llm.NewRateLimitedError(name, msg, nil, err)
		case statusErr.StatusCode >= 500:
			return llm.NewServerError(name, msg, statusErr.StatusCode, err)
		case statusErr.StatusCode >= 400:
			return llm.NewClientError(name, msg, statusErr.StatusCode, err)
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
