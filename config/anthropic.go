package config

import (
	"net/http"
	"os"

	"github.com/rs/zerolog"

	"github.com/relaykit/relay/llm"
	llmanthropic "github.com/relaykit/relay/llm/anthropic"
)

// newAnthropicBackend creates an Anthropic backend from slot config.
func newAnthropicBackend(sc *SlotConfig, httpClient *http.Client, logger zerolog.Logger) (llm.Backend, error) {
	apiKey := sc.APIKey
	if apiKey == "" {
		apiKey = getAnthropicAPIKeyFromEnv()
	}
	return llmanthropic.NewBackend(sc.Name, llmanthropic.Config{
		Model:      sc.Model,
		APIKey:     apiKey,
		BaseURL:    sc.BaseURL,
		HTTPClient: httpClient,
		Logger:     logger,
	})
}

// getAnthropicAPIKeyFromEnv gets the Anthropic API key from environment variable.
func getAnthropicAPIKeyFromEnv() string {
	return os.Getenv("ANTHROPIC_API_KEY")
}
