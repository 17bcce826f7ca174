// Package kobold implements completion backends for KoboldCPP-compatible
// HTTP APIs. KoboldCPP serves OpenAI-compatible chat and plain completion
// endpoints; both modes are supported, since chat-capable deployments
// generally produce better output while older ones only serve plain
// completions. Streaming uses the line-delimited SSE-style format both
// endpoints emit.
package kobold

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaykit/relay/llm"
)

const (
	// DefaultBaseURL is used when neither config nor environment provide one.
	DefaultBaseURL = "http://localhost:5001/api"
	// EnvBaseURL names the environment variable consulted for the base URL.
	EnvBaseURL = "KOBOLDCPP_API_URL"
	// DefaultModel is the model name KoboldCPP reports for its loaded model.
	DefaultModel = "koboldcpp-model"

	chatEndpoint       = "/v1/chat/completions"
	completionEndpoint = "/v1/completions"

	// bodySnippetLen caps how much of an error response body is quoted.
	bodySnippetLen = 200
)

// Mode selects which KoboldCPP endpoint a client speaks.
type Mode string

const (
	ModeChat       Mode = "chat"
	ModeCompletion Mode = "completion"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// Name identifies the client in errors and logs.
	// Empty means "kobold-chat" or "kobold-completion" depending on Mode.
	Name string
	// BaseURL of the KoboldCPP API. Empty falls back to $KOBOLDCPP_API_URL,
	// then DefaultBaseURL.
	BaseURL string
	// Model reported in request payloads. Empty means DefaultModel.
	Model string
	// Mode selects the endpoint. Empty means ModeChat.
	Mode Mode
	// HTTPClient overrides the default client, typically built with
	// llm.NewHTTPClient so connection pooling matches the owning slot.
	HTTPClient *http.Client
	// Retry configures the standalone retry controller applied to Complete
	// and Stream calls made directly on the Client. The zero value runs a
	// single attempt, which is what dispatch pipelines require.
	Retry RetryConfig
	// Logger for request diagnostics.
	Logger zerolog.Logger
}

// Client is a low-level KoboldCPP API client for one endpoint mode.
type Client struct {
	name       string
	baseURL    string
	model      string
	mode       Mode
	httpClient *http.Client
	retry      RetryConfig
	logger     zerolog.Logger
}

// NewClient creates a Client from config, resolving the base URL from the
// environment when unset.
func NewClient(cfg ClientConfig) (*Client, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeChat
	}
	if mode != ModeChat && mode != ModeCompletion {
		return nil, fmt.Errorf("unknown kobold mode %q", mode)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = os.Getenv(EnvBaseURL)
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid kobold base url %q: %w", baseURL, err)
	}

	name := cfg.Name
	if name == "" {
		name = "kobold-" + string(mode)
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{
		name:       name,
		baseURL:    baseURL,
		model:      model,
		mode:       mode,
		httpClient: httpClient,
		retry:      cfg.Retry,
		logger:     cfg.Logger.With().Str("component", "kobold").Str("backend", name).Logger(),
	}, nil
}

// Complete performs a completion, applying the client's retry policy to
// transient failures.
func (c *Client) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResult, error) {
	if c.retry.MaxAttempts > 1 {
		return runWithRetry(ctx, c.retry, c.logger, func() (*llm.CompletionResult, error) {
			return c.completeOnce(ctx, req)
		})
	}
	return c.completeOnce(ctx, req)
}

// Stream starts a streaming completion. The retry policy covers connection
// establishment only; once the stream is open, failures surface through it.
func (c *Client) Stream(ctx context.Context, req *llm.CompletionRequest) (llm.Stream, error) {
	if c.retry.MaxAttempts > 1 {
		return runWithRetry(ctx, c.retry, c.logger, func() (llm.Stream, error) {
			return c.streamOnce(ctx, req)
		})
	}
	return c.streamOnce(ctx, req)
}

func (c *Client) completeOnce(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResult, error) {
	resp, err := c.post(ctx, c.buildPayload(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.transportError("reading response", err)
	}
	var decoded completionResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, llm.NewResponseFormatError(c.name,
			fmt.Sprintf("undecodable response from %s: %.200s", c.endpoint(), string(body)), err)
	}
	return c.parseResponse(&decoded)
}

func (c *Client) endpoint() string {
	if c.mode == ModeCompletion {
		return c.baseURL + completionEndpoint
	}
	return c.baseURL + chatEndpoint
}

// chatMessage is the wire shape of one chat message.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// completionPayload covers both endpoint modes; omitempty keeps the unused
// prompt/messages field off the wire.
type completionPayload struct {
	Model       string        `json:"model"`
	Prompt      string        `json:"prompt,omitempty"`
	Messages    []chatMessage `json:"messages,omitempty"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p"`
	Stop        []string      `json:"stop,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type completionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Text         *string `json:"text"`
		Message      *struct {
			Role    string  `json:"role"`
			Content *string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *usagePayload `json:"usage"`
}

type usagePayload struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (c *Client) buildPayload(req *llm.CompletionRequest, stream bool) completionPayload {
	payload := completionPayload{
		Model:       c.model,
		MaxTokens:   req.EffectiveMaxTokens(),
		Temperature: req.SamplingTemperature(),
		TopP:        req.SamplingTopP(),
		Stop:        req.Stop,
		Stream:      stream,
	}
	if c.mode == ModeCompletion {
		payload.Prompt = req.Prompt
	} else {
		payload.Messages = []chatMessage{{Role: "user", Content: req.Prompt}}
	}
	return payload
}

func (c *Client) parseResponse(decoded *completionResponse) (*llm.CompletionResult, error) {
	if len(decoded.Choices) == 0 {
		return nil, llm.NewResponseStructureError(c.name, "response has no choices", nil)
	}
	choice := decoded.Choices[0]

	var text string
	switch c.mode {
	case ModeCompletion:
		if choice.Text == nil {
			return nil, llm.NewResponseStructureError(c.name, "completion choice missing text", nil)
		}
		text = *choice.Text
	default:
		if choice.Message == nil || choice.Message.Content == nil {
			return nil, llm.NewResponseStructureError(c.name, "chat choice missing message content", nil)
		}
		text = *choice.Message.Content
	}

	model := decoded.Model
	if model == "" {
		model = c.model
	}
	result := &llm.CompletionResult{
		Text:         strings.TrimSpace(text),
		Model:        model,
		Backend:      c.name,
		FinishReason: choice.FinishReason,
	}
	if decoded.Usage != nil {
		result.Usage = &llm.Usage{
			PromptTokens:     decoded.Usage.PromptTokens,
			CompletionTokens: decoded.Usage.CompletionTokens,
			TotalTokens:      decoded.Usage.TotalTokens,
		}
	}
	return result, nil
}

// post sends the payload and maps transport failures and error statuses to
// the taxonomy. A non-nil response has a 2xx status and an open body owned
// by the caller.
func (c *Client) post(ctx context.Context, payload completionPayload) (*http.Response, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, llm.NewUnknownError(c.name, "encoding request payload", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(encoded))
	if err != nil {
		return nil, llm.NewUnknownError(c.name, "building request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	c.logger.Debug().Str("url", c.endpoint()).Bool("stream", payload.Stream).Msg("POST")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.transportError("request failed", err)
	}

	status := resp.StatusCode
	switch {
	case status == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		snippet := readSnippet(resp.Body)
		resp.Body.Close()
		return nil, llm.NewRateLimitedError(c.name,
			fmt.Sprintf("HTTP 429 from %s: %s", c.endpoint(), snippet), retryAfter, nil)
	case status >= 500:
		snippet := readSnippet(resp.Body)
		resp.Body.Close()
		return nil, llm.NewServerError(c.name,
			fmt.Sprintf("HTTP %d from %s: %s", status, c.endpoint(), snippet), status, nil)
	case status >= 400:
		snippet := readSnippet(resp.Body)
		resp.Body.Close()
		return nil, llm.NewClientError(c.name,
			fmt.Sprintf("HTTP %d from %s: %s", status, c.endpoint(), snippet), status, nil)
	}
	return resp, nil
}

// transportError maps a transport-level failure: deadlines become timeouts,
// caller cancellation propagates untouched, everything else is a connection
// failure.
func (c *Client) transportError(action string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return llm.NewTimeoutError(c.name, action+" timed out", err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return llm.NewConnectionError(c.name, action, err)
	}
}

// parseRetryAfter reads a Retry-After header: seconds (possibly fractional)
// or an HTTP date. Returns nil when absent or unparseable.
func parseRetryAfter(header string) *time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil
	}
	if seconds, err := strconv.ParseFloat(header, 64); err == nil && seconds >= 0 {
		d := time.Duration(seconds * float64(time.Second))
		return &d
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return &d
		}
	}
	return nil
}

// readSnippet drains a bounded prefix of a response body for error messages.
func readSnippet(r io.Reader) string {
	buf, _ := io.ReadAll(io.LimitReader(r, bodySnippetLen))
	return strings.TrimSpace(string(buf))
}
