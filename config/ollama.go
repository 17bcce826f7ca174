package config

import (
	"net/http"
	"os"

	"github.com/rs/zerolog"

	"github.com/relaykit/relay/llm"
	llmollama "github.com/relaykit/relay/llm/ollama"
)

// newOllamaBackend creates an Ollama backend from slot config.
func newOllamaBackend(sc *SlotConfig, httpClient *http.Client, logger zerolog.Logger) (llm.Backend, error) {
	host := sc.Host
	if host == "" {
		host = getOllamaHostFromEnv()
	}
	model := sc.Model
	if model == "" {
		model = getOllamaModelFromEnv()
	}
	return llmollama.NewBackend(sc.Name, llmollama.Config{
		Model:      model,
		Host:       host,
		HTTPClient: httpClient,
		Logger:     logger,
	})
}

// getOllamaHostFromEnv gets the Ollama host from environment variable.
func getOllamaHostFromEnv() string {
	return os.Getenv("OLLAMA_HOST")
}

// getOllamaModelFromEnv gets the Ollama model from environment variable.
func getOllamaModelFromEnv() string {
	return os.Getenv("OLLAMA_MODEL")
}
