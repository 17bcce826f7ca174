package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaykit/relay/llm"
)

// slot binds one backend to its resilience state: bounded pool, circuit
// breaker, and hedging parameters.
type slot struct {
	backend llm.Backend
	cfg     SlotConfig
	breaker *circuitBreaker
	pool    *pool
	logger  zerolog.Logger
}

func newSlot(cfg SlotConfig, logger zerolog.Logger) *slot {
	name := cfg.Backend.Name()
	return &slot{
		backend: cfg.Backend,
		cfg:     cfg,
		breaker: newCircuitBreaker(name, cfg.Breaker, logger),
		pool:    newPool(cfg.Concurrency),
		logger:  logger.With().Str("component", "slot").Str("slot", name).Logger(),
	}
}

func (s *slot) name() string {
	return s.backend.Name()
}

// attemptOutcome carries one attempt's verdict to the collector.
type attemptOutcome struct {
	index     int
	result    *llm.CompletionResult
	err       error
	cancelled bool
}

// execute runs one request against this slot: the primary attempt plus up to
// cfg.Hedges staggered duplicates. The first success observed wins and
// cancels the rest. When every attempt fails, the slot's most specific
// failure is returned.
func (s *slot) execute(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResult, error) {
	admitted, trial := s.breaker.allow()
	if !admitted {
		s.logger.Debug().Msg("Breaker open, rejecting without attempt")
		return nil, llm.NewCircuitOpenError(s.name())
	}

	attempts := 1 + s.cfg.Hedges
	if trial {
		// The half-open trial must stay a single probe; speculative
		// duplicates would violate it.
		attempts = 1
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcomes := make(chan attemptOutcome, attempts)
	for i := 0; i < attempts; i++ {
		go s.attempt(runCtx, req, i, trial, outcomes)
	}

	var failures []error
	for remaining := attempts; remaining > 0; remaining-- {
		var out attemptOutcome
		select {
		case out = <-outcomes:
		case <-ctx.Done():
			return nil, contextError(s.name(), ctx)
		}
		if out.cancelled {
			continue
		}
		if out.err == nil {
			if out.index > 0 {
				s.logger.Debug().Int("attempt", out.index).Msg("Hedged attempt won")
			}
			return out.result, nil
		}
		failures = append(failures, out.err)
		if isHedgeStopping(out.err) {
			// The backend rejected the payload; identical duplicates cannot
			// fare better.
			cancel()
			return nil, mostSpecificError(failures)
		}
	}
	if ctx.Err() != nil {
		// Every attempt may drain as cancelled before the select notices the
		// dead context.
		return nil, contextError(s.name(), ctx)
	}
	return nil, mostSpecificError(failures)
}

// attempt performs one admission-to-verdict cycle: wait out the hedge
// stagger, take a pool permit, call the backend, resolve the breaker.
// The outcomes channel is buffered for every attempt, so sends never block
// and attempts exit cleanly even after the collector has returned.
func (s *slot) attempt(ctx context.Context, req *llm.CompletionRequest, index int, trial bool, outcomes chan<- attemptOutcome) {
	if index > 0 {
		timer := time.NewTimer(time.Duration(index) * s.cfg.HedgeDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			outcomes <- attemptOutcome{index: index, cancelled: true}
			return
		case <-timer.C:
		}
		s.logger.Debug().Int("attempt", index).Msg("Launching hedged attempt")
	}

	if err := s.pool.acquire(ctx); err != nil {
		if trial {
			s.breaker.cancelTrial()
		}
		outcomes <- attemptOutcome{index: index, cancelled: true}
		return
	}
	defer s.pool.release()

	attemptCtx := ctx
	if s.cfg.AttemptTimeout > 0 {
		var cancelAttempt context.CancelFunc
		attemptCtx, cancelAttempt = context.WithTimeout(ctx, s.cfg.AttemptTimeout)
		defer cancelAttempt()
	}

	result, err := s.backend.Complete(attemptCtx, req)
	switch {
	case err == nil:
		s.breaker.recordSuccess(trial)
		outcomes <- attemptOutcome{index: index, result: result}
	case ctx.Err() != nil:
		// The slot run was cancelled: a sibling won or the caller gave up.
		// Cancelled attempts never feed the breaker.
		if trial {
			s.breaker.cancelTrial()
		}
		outcomes <- attemptOutcome{index: index, cancelled: true}
	default:
		dispatchErr := normalizeError(s.name(), err)
		if dispatchErr.CountsAsFailure() {
			s.breaker.recordFailure(trial)
		} else if trial {
			s.breaker.cancelTrial()
		}
		s.logger.Debug().
			Int("attempt", index).
			Str("kind", string(dispatchErr.Kind)).
			Err(dispatchErr).
			Msg("Attempt failed")
		outcomes <- attemptOutcome{index: index, err: dispatchErr}
	}
}

// isHedgeStopping reports whether a failure makes same-slot duplicates
// pointless. Transient failures keep the remaining hedges racing.
func isHedgeStopping(err error) bool {
	switch llm.KindOf(err) {
	case llm.KindClient, llm.KindResponseFormat, llm.KindResponseStructure:
		return true
	}
	return false
}
