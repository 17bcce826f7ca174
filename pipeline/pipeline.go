// Package pipeline implements resilient dispatch of completion requests
// across prioritized backend slots. Each slot bounds its own concurrency,
// tracks backend health with a circuit breaker, and may launch staggered
// speculative duplicates (hedges) of a slow request; the pipeline falls back
// across slots in priority order, for both buffered and streaming
// completions.
package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/relaykit/relay/llm"
)

// Pipeline dispatches completion requests across backend slots in priority
// order. All resilience state (pools, breakers) is owned by the Pipeline
// instance; two Pipelines never share state.
type Pipeline struct {
	slots  []*slot
	logger zerolog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger attaches a logger. Defaults to a disabled logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// New builds a Pipeline from slot configurations. Slice order is fallback
// priority order, highest priority first. Defaults are applied before
// validation; at least one slot is required.
func New(configs []SlotConfig, opts ...Option) (*Pipeline, error) {
	if len(configs) == 0 {
		return nil, fmt.Errorf("at least one backend slot is required")
	}

	p := &Pipeline{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(p)
	}
	base := p.logger
	p.logger = base.With().Str("component", "pipeline").Logger()

	for i, cfg := range configs {
		cfg = cfg.withDefaults()
		if err := cfg.validate(); err != nil {
			return nil, fmt.Errorf("slot %d: %w", i, err)
		}
		p.slots = append(p.slots, newSlot(cfg, base))
	}

	p.logger.Info().
		Strs("slots", lo.Map(p.slots, func(s *slot, _ int) string { return s.name() })).
		Msg("Pipeline configured")
	return p, nil
}

// Complete dispatches a request, falling back across slots in priority order
// until one succeeds. The request is normalized once and never mutated.
// When every slot fails, the most specific failure observed is returned.
func (p *Pipeline) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResult, error) {
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}
	normalized := req.Normalized()

	var failures []error
	for _, sl := range p.slots {
		result, err := sl.execute(ctx, normalized)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		failures = append(failures, err)
		if llm.IsCircuitOpen(err) {
			p.logger.Debug().Str("slot", sl.name()).Msg("Slot rejected by open breaker")
		} else {
			p.logger.Debug().Str("slot", sl.name()).Err(err).Msg("Slot failed, falling back")
		}
	}

	if err := mostSpecificError(failures); err != nil {
		return nil, err
	}
	return nil, llm.NewUnknownError("", "no backend available", nil)
}
