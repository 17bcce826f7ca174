package config

import (
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/relaykit/relay/llm"
	"github.com/relaykit/relay/pipeline"
	"github.com/relaykit/relay/runtime"
)

// Build constructs the dispatch pipeline and orchestrator described by the
// configuration.
func Build(cfg *Config, logger zerolog.Logger) (*runtime.Orchestrator, *pipeline.Pipeline, error) {
	if cfg == nil {
		return nil, nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if len(cfg.Slots) == 0 {
		return nil, nil, fmt.Errorf("at least one slot is required")
	}

	slotConfigs := make([]pipeline.SlotConfig, 0, len(cfg.Slots))
	for i := range cfg.Slots {
		slotConfig, err := buildSlot(&cfg.Slots[i], logger)
		if err != nil {
			return nil, nil, fmt.Errorf("slot %q: %w", cfg.Slots[i].Name, err)
		}
		slotConfigs = append(slotConfigs, slotConfig)
	}

	p, err := pipeline.New(slotConfigs, pipeline.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}

	orchestratorOpts := []runtime.Option{runtime.WithLogger(logger)}
	if cfg.MaxConcurrency > 0 {
		orchestratorOpts = append(orchestratorOpts, runtime.WithMaxConcurrency(cfg.MaxConcurrency))
	}
	orch, err := runtime.NewOrchestrator(p, orchestratorOpts...)
	if err != nil {
		return nil, nil, err
	}
	return orch, p, nil
}

func buildSlot(sc *SlotConfig, logger zerolog.Logger) (pipeline.SlotConfig, error) {
	durations, err := sc.durations()
	if err != nil {
		return pipeline.SlotConfig{}, err
	}

	backend, err := buildBackend(sc, durations, logger)
	if err != nil {
		return pipeline.SlotConfig{}, err
	}

	return pipeline.SlotConfig{
		Backend:        backend,
		Concurrency:    sc.Concurrency,
		Hedges:         sc.Hedges,
		HedgeDelay:     durations.hedgeDelay,
		AttemptTimeout: durations.attemptTimeout,
		Breaker: pipeline.BreakerConfig{
			FailureThreshold: sc.Breaker.FailureThreshold,
			ResetTimeout:     durations.resetTimeout,
		},
	}, nil
}

// buildBackend constructs the provider backend for a slot, sharing one HTTP
// client whose connection pool matches the slot's concurrency.
func buildBackend(sc *SlotConfig, durations slotDurations, logger zerolog.Logger) (llm.Backend, error) {
	httpClient, err := buildHTTPClient(sc, durations)
	if err != nil {
		return nil, err
	}

	switch sc.Provider {
	case ProviderAnthropic:
		return newAnthropicBackend(sc, httpClient, logger)
	case ProviderKobold:
		return newKoboldBackend(sc, httpClient, logger)
	case ProviderOllama:
		return newOllamaBackend(sc, httpClient, logger)
	case ProviderOpenAI:
		return newOpenAIBackend(sc, httpClient, logger)
	default:
		return nil, fmt.Errorf("unknown provider %q", sc.Provider)
	}
}

func buildHTTPClient(sc *SlotConfig, durations slotDurations) (*http.Client, error) {
	concurrency := sc.Concurrency
	if concurrency == 0 {
		concurrency = pipeline.DefaultConcurrency
	}
	return llm.NewHTTPClient(llm.TransportConfig{
		Timeout:        durations.transportTimeout,
		ConnectTimeout: durations.connectTimeout,
		TLSSkipVerify:  sc.Transport.TLSSkipVerify,
		ProxyURL:       sc.Transport.ProxyURL,
	}, concurrency)
}
