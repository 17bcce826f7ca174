package config

import (
	"net/http"
	"os"

	"github.com/rs/zerolog"

	"github.com/relaykit/relay/llm"
	llmopenai "github.com/relaykit/relay/llm/openai"
)

// newOpenAIBackend creates an OpenAI backend from slot config.
func newOpenAIBackend(sc *SlotConfig, httpClient *http.Client, logger zerolog.Logger) (llm.Backend, error) {
	apiKey := sc.APIKey
	if apiKey == "" {
		apiKey = getOpenAIAPIKeyFromEnv()
	}
	baseURL := sc.BaseURL
	if baseURL == "" {
		baseURL = getOpenAIBaseURLFromEnv()
	}
	organization := sc.Organization
	if organization == "" {
		organization = getOpenAIOrgFromEnv()
	}
	return llmopenai.NewBackend(sc.Name, llmopenai.Config{
		Model:        sc.Model,
		APIKey:       apiKey,
		BaseURL:      baseURL,
		Organization: organization,
		HTTPClient:   httpClient,
		Logger:       logger,
	})
}

// getOpenAIAPIKeyFromEnv gets the OpenAI API key from environment variable.
func getOpenAIAPIKeyFromEnv() string {
	return os.Getenv("OPENAI_API_KEY")
}

// getOpenAIBaseURLFromEnv gets the OpenAI base URL from environment variable.
func getOpenAIBaseURLFromEnv() string {
	return os.Getenv("OPENAI_BASE_URL")
}

// getOpenAIOrgFromEnv gets the OpenAI organization ID from environment variable.
func getOpenAIOrgFromEnv() string {
	return os.Getenv("OPENAI_ORG_ID")
}
