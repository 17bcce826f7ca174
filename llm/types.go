package llm

import (
	"encoding/json"
	"maps"
	"slices"
)

// Default generation parameters applied by Normalized when a request leaves
// the corresponding field unset.
const (
	DefaultMaxTokens   = 256
	DefaultTemperature = 0.7
	DefaultTopP        = 1.0
)

// CompletionRequest represents a provider-neutral text completion request.
// Chat-style backends render the prompt as a single user message; native
// completion backends send it verbatim.
type CompletionRequest struct {
	Prompt    string
	MaxTokens int // 0 means DefaultMaxTokens
	// Optional sampling overrides. Nil means the default; a pointer is used so
	// that explicit zero values (greedy sampling, for example) survive.
	Temperature *float64
	TopP        *float64
	Stop        []string
	Metadata    map[string]string
}

// Normalized returns a copy of the request with defaults applied.
// The receiver is never mutated; dispatch code treats requests as immutable.
func (r *CompletionRequest) Normalized() *CompletionRequest {
	out := r.Clone()
	if out.MaxTokens <= 0 {
		out.MaxTokens = DefaultMaxTokens
	}
	if out.Temperature == nil {
		t := DefaultTemperature
		out.Temperature = &t
	}
	if out.TopP == nil {
		p := DefaultTopP
		out.TopP = &p
	}
	return out
}

// Clone returns a deep copy of the request. Slices and maps are copied so the
// original can be reused safely across concurrent attempts.
func (r *CompletionRequest) Clone() *CompletionRequest {
	out := *r
	out.Stop = slices.Clone(r.Stop)
	out.Metadata = maps.Clone(r.Metadata)
	if r.Temperature != nil {
		t := *r.Temperature
		out.Temperature = &t
	}
	if r.TopP != nil {
		p := *r.TopP
		out.TopP = &p
	}
	return &out
}

// SamplingTemperature returns the effective temperature for the request.
func (r *CompletionRequest) SamplingTemperature() float64 {
	if r.Temperature != nil {
		return *r.Temperature
	}
	return DefaultTemperature
}

// SamplingTopP returns the effective top_p for the request.
func (r *CompletionRequest) SamplingTopP() float64 {
	if r.TopP != nil {
		return *r.TopP
	}
	return DefaultTopP
}

// EffectiveMaxTokens returns the effective completion budget for the request.
func (r *CompletionRequest) EffectiveMaxTokens() int {
	if r.MaxTokens > 0 {
		return r.MaxTokens
	}
	return DefaultMaxTokens
}

// Usage represents token accounting reported by a backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionResult represents a successful completion.
type CompletionResult struct {
	Text         string
	Model        string
	Backend      string // name of the backend that produced the result
	FinishReason string
	Usage        *Usage
}

// StreamEvent represents a single incremental chunk of a streaming
// completion. Seq is assigned in delivery order by whichever component owns
// the stream; the terminal event has Done set and may carry Usage.
type StreamEvent struct {
	Delta string
	Seq   int
	Done  bool
	Usage *Usage
}

// ToJSON marshals a request to JSON for debugging/logging purposes.
func (r *CompletionRequest) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}
