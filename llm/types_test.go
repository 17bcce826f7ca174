package llm

import (
	"encoding/json"
	"testing"
)

func TestNormalizedAppliesDefaults(t *testing.T) {
	req := &CompletionRequest{Prompt: "hello"}
	norm := req.Normalized()

	if norm.MaxTokens != DefaultMaxTokens {
		t.Errorf("Expected max tokens %d, got %d", DefaultMaxTokens, norm.MaxTokens)
	}
	if norm.Temperature == nil || *norm.Temperature != DefaultTemperature {
		t.Errorf("Expected temperature %v, got %v", DefaultTemperature, norm.Temperature)
	}
	if norm.TopP == nil || *norm.TopP != DefaultTopP {
		t.Errorf("Expected top_p %v, got %v", DefaultTopP, norm.TopP)
	}

	// The receiver is never mutated
	if req.MaxTokens != 0 || req.Temperature != nil || req.TopP != nil {
		t.Error("Expected Normalized to leave the original request untouched")
	}
}

func TestNormalizedPreservesExplicitValues(t *testing.T) {
	zero := 0.0
	req := &CompletionRequest{
		Prompt:      "hello",
		MaxTokens:   42,
		Temperature: &zero,
	}
	norm := req.Normalized()

	if norm.MaxTokens != 42 {
		t.Errorf("Expected max tokens 42, got %d", norm.MaxTokens)
	}
	// An explicit zero temperature means greedy sampling, not "unset"
	if norm.Temperature == nil || *norm.Temperature != 0 {
		t.Errorf("Expected explicit zero temperature to survive, got %v", norm.Temperature)
	}
	if norm.SamplingTemperature() != 0 {
		t.Errorf("Expected effective temperature 0, got %v", norm.SamplingTemperature())
	}
}

func TestEffectiveGetters(t *testing.T) {
	req := &CompletionRequest{Prompt: "hello"}
	if req.EffectiveMaxTokens() != DefaultMaxTokens {
		t.Errorf("Expected default max tokens, got %d", req.EffectiveMaxTokens())
	}
	if req.SamplingTemperature() != DefaultTemperature {
		t.Errorf("Expected default temperature, got %v", req.SamplingTemperature())
	}
	if req.SamplingTopP() != DefaultTopP {
		t.Errorf("Expected default top_p, got %v", req.SamplingTopP())
	}

	req.MaxTokens = -5
	if req.EffectiveMaxTokens() != DefaultMaxTokens {
		t.Errorf("Expected default max tokens for negative value, got %d", req.EffectiveMaxTokens())
	}
}

func TestCloneIsDeep(t *testing.T) {
	temp := 0.3
	req := &CompletionRequest{
		Prompt:      "hello",
		Temperature: &temp,
		Stop:        []string{"###"},
		Metadata:    map[string]string{"tenant": "a"},
	}
	clone := req.Clone()

	clone.Stop[0] = "changed"
	clone.Metadata["tenant"] = "b"
	*clone.Temperature = 0.9

	if req.Stop[0] != "###" {
		t.Error("Expected clone's stop sequences to be independent")
	}
	if req.Metadata["tenant"] != "a" {
		t.Error("Expected clone's metadata to be independent")
	}
	if *req.Temperature != 0.3 {
		t.Error("Expected clone's temperature pointer to be independent")
	}
}

func TestRequestToJSON(t *testing.T) {
	req := &CompletionRequest{Prompt: "hello", MaxTokens: 10}
	data, err := req.ToJSON()
	if err != nil {
		t.Fatalf("Failed to marshal request to JSON: %v", err)
	}
	var decoded CompletionRequest
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal JSON: %v", err)
	}
	if decoded.Prompt != req.Prompt {
		t.Errorf("Expected prompt %q, got %q", req.Prompt, decoded.Prompt)
	}
}
