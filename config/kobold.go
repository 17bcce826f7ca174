package config

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/relaykit/relay/llm"
	llmkobold "github.com/relaykit/relay/llm/kobold"
)

// newKoboldBackend creates a KoboldCPP backend from slot config. Base URL
// resolution against $KOBOLDCPP_API_URL happens inside the client.
func newKoboldBackend(sc *SlotConfig, httpClient *http.Client, logger zerolog.Logger) (llm.Backend, error) {
	return llmkobold.NewBackend(sc.Name, llmkobold.ClientConfig{
		BaseURL:    sc.BaseURL,
		Model:      sc.Model,
		Mode:       llmkobold.Mode(sc.Mode),
		HTTPClient: httpClient,
		Logger:     logger,
	})
}
