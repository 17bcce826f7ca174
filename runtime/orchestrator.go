// Package runtime provides the batch orchestrator: it runs many independent
// completion requests through a dispatch pipeline under a global concurrency
// bound, either collecting results in input order or yielding them as they
// complete.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/relaykit/relay/llm"
)

// DefaultMaxConcurrency bounds simultaneous in-flight requests when no
// override is configured.
const DefaultMaxConcurrency = 8

// Completer dispatches a single completion request. *pipeline.Pipeline
// satisfies it.
type Completer interface {
	Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResult, error)
}

// Result pairs one request of a batch with its outcome. Exactly one of
// Response and Err is set.
type Result struct {
	// Index is the request's position in the input slice.
	Index int
	// ID correlates log lines and results for this request.
	ID       string
	Request  *llm.CompletionRequest
	Response *llm.CompletionResult
	Err      error
}

// Orchestrator fans batches of requests out over a Completer while keeping
// at most maxConcurrency requests in flight. The bound is owned by the
// Orchestrator and shared by every RunBatch and IterResponses call made on
// it; hedging and fallback inside the Completer are not counted against it.
type Orchestrator struct {
	completer      Completer
	maxConcurrency int64
	sem            *semaphore.Weighted
	logger         zerolog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxConcurrency overrides the global in-flight bound.
func WithMaxConcurrency(n int) Option {
	return func(o *Orchestrator) {
		o.maxConcurrency = int64(n)
	}
}

// WithLogger attaches a logger. Defaults to a disabled logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// NewOrchestrator creates an Orchestrator around a Completer.
// The concurrency bound must be at least 1.
func NewOrchestrator(completer Completer, opts ...Option) (*Orchestrator, error) {
	if completer == nil {
		return nil, fmt.Errorf("completer cannot be nil")
	}
	o := &Orchestrator{
		completer:      completer,
		maxConcurrency: DefaultMaxConcurrency,
		logger:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.maxConcurrency < 1 {
		return nil, fmt.Errorf("max concurrency must be at least 1, got %d", o.maxConcurrency)
	}
	o.sem = semaphore.NewWeighted(o.maxConcurrency)
	o.logger = o.logger.With().Str("component", "orchestrator").Logger()
	return o, nil
}

// RunBatch dispatches every request and returns when all have resolved.
// Results are ordered by input position regardless of completion order; the
// returned slice always has one entry per request. When ctx ends early,
// unfinished entries carry the context's taxonomy error.
func (o *Orchestrator) RunBatch(ctx context.Context, reqs []*llm.CompletionRequest) []Result {
	results := make([]Result, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		results[i] = Result{Index: i, ID: uuid.NewString(), Request: req}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := o.sem.Acquire(ctx, 1); err != nil {
				results[i].Err = contextError(ctx)
				return
			}
			defer o.sem.Release(1)
			o.runOne(ctx, &results[i])
		}()
	}
	wg.Wait()
	return results
}

// IterResponses dispatches every request and delivers each Result as its
// request completes, in completion order. The channel is closed after the
// last delivery. Each call is an independent, non-resumable run; abandon it
// by cancelling ctx, which also cancels the remaining work.
func (o *Orchestrator) IterResponses(ctx context.Context, reqs []*llm.CompletionRequest) <-chan Result {
	out := make(chan Result)
	go func() {
		defer close(out)
		var wg sync.WaitGroup
		for i, req := range reqs {
			res := Result{Index: i, ID: uuid.NewString(), Request: req}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := o.sem.Acquire(ctx, 1); err != nil {
					res.Err = contextError(ctx)
				} else {
					o.runOne(ctx, &res)
					o.sem.Release(1)
				}
				select {
				case out <- res:
				case <-ctx.Done():
				}
			}()
		}
		wg.Wait()
	}()
	return out
}

// runOne dispatches a single request and records its outcome in place.
func (o *Orchestrator) runOne(ctx context.Context, res *Result) {
	logger := o.logger.With().Str("request_id", res.ID).Int("index", res.Index).Logger()
	logger.Debug().Msg("Dispatching request")

	response, err := o.completer.Complete(ctx, res.Request)
	if err != nil {
		res.Err = err
		logger.Warn().Err(err).Msg("Request failed")
		return
	}
	res.Response = response
	logger.Debug().Str("backend", response.Backend).Msg("Request completed")
}

// contextError renders a dead batch context: deadline expiry surfaces as the
// timeout kind, explicit cancellation propagates untouched.
func contextError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return llm.NewTimeoutError("", "batch deadline exceeded", ctx.Err())
	}
	return ctx.Err()
}
