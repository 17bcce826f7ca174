package kobold

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/relaykit/relay/llm"
)

// RetryConfig bounds the standalone retry controller. The zero value runs a
// single attempt.
type RetryConfig struct {
	// MaxAttempts caps total attempts including the first. Values below 2
	// disable retries.
	MaxAttempts int
	// InitialDelay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
	// Multiplier applied to the delay after each retry.
	Multiplier float64
}

// DefaultRetryConfig returns the standard policy: three attempts, 500ms
// initial delay doubling up to 10s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}
}

// newBackoff builds the wait strategy for one run. Attempts are bounded by
// count rather than elapsed time.
func (rc RetryConfig) newBackoff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = rc.InitialDelay
	eb.Multiplier = rc.Multiplier
	eb.MaxInterval = rc.MaxDelay
	eb.MaxElapsedTime = 0
	eb.RandomizationFactor = 0
	eb.Reset()
	return backoff.WithMaxRetries(eb, uint64(rc.MaxAttempts-1))
}

// runWithRetry runs fn until it succeeds, fails terminally, or the attempt
// budget is spent. Only transient failures retry, and a server-provided
// Retry-After hint overrides the computed wait.
func runWithRetry[T any](ctx context.Context, cfg RetryConfig, logger zerolog.Logger, fn func() (T, error)) (T, error) {
	var zero T
	policy := cfg.newBackoff()
	attempt := 0
	for {
		attempt++
		result, err := fn()
		if err == nil {
			return result, nil
		}
		if !llm.IsTransient(err) || ctx.Err() != nil {
			return zero, err
		}
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			return zero, err
		}
		if hint := llm.RetryAfterHint(err); hint != nil {
			wait = *hint
		}
		logger.Warn().
			Int("attempt", attempt).
			Int("max_attempts", cfg.MaxAttempts).
			Dur("wait", wait).
			Err(err).
			Msg("Transient failure, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, err
		case <-timer.C:
		}
	}
}
