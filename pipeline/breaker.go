package pipeline

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// breakerState represents the circuit breaker state.
type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a slot's circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker. 0 means DefaultFailureThreshold.
	FailureThreshold int
	// ResetTimeout is how long the breaker stays open before admitting a
	// single half-open trial. 0 means DefaultResetTimeout.
	ResetTimeout time.Duration
}

// circuitBreaker tracks backend health for one slot.
//
// Closed admits everything and counts consecutive failures. Open rejects
// everything until ResetTimeout has elapsed since opening; the first
// admission after that is the single half-open trial. The trial's outcome
// decides: success closes the breaker, failure reopens it with a fresh
// deadline. While a trial is in flight all other callers are rejected.
type circuitBreaker struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	state    breakerState
	failures int       // consecutive failures observed while closed
	openedAt time.Time // when the breaker last opened
	trialing bool      // a half-open trial is in flight
	logger   zerolog.Logger
}

func newCircuitBreaker(name string, cfg BreakerConfig, logger zerolog.Logger) *circuitBreaker {
	return &circuitBreaker{
		cfg:    cfg,
		logger: logger.With().Str("component", "breaker").Str("slot", name).Logger(),
	}
}

// allow reports whether an attempt may proceed. When trial is true the
// admission is the single half-open trial and the caller must resolve it via
// recordSuccess, recordFailure, or cancelTrial.
// A rejection performs no network call and must not consume a pool permit.
func (b *circuitBreaker) allow() (admitted, trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true, false
	case stateOpen:
		if time.Since(b.openedAt) < b.cfg.ResetTimeout {
			return false, false
		}
		b.state = stateHalfOpen
		b.trialing = true
		b.logger.Info().Msg("Breaker half-open, admitting trial")
		return true, true
	case stateHalfOpen:
		if b.trialing {
			return false, false
		}
		// The previous trial was cancelled before resolving; this caller
		// inherits it.
		b.trialing = true
		return true, true
	}
	return false, false
}

// recordSuccess resolves an attempt that completed successfully.
func (b *circuitBreaker) recordSuccess(trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.state = stateClosed
		b.failures = 0
		b.trialing = false
		b.logger.Info().Msg("Breaker closed after successful trial")
		return
	}
	if b.state == stateClosed {
		b.failures = 0
	}
	// Late successes from attempts admitted before the breaker opened carry
	// no signal about recovery and are ignored.
}

// recordFailure resolves an attempt that failed with a counting error kind.
func (b *circuitBreaker) recordFailure(trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.state = stateOpen
		b.openedAt = time.Now()
		b.trialing = false
		b.logger.Warn().Dur("reset_timeout", b.cfg.ResetTimeout).Msg("Breaker reopened after failed trial")
		return
	}
	if b.state != stateClosed {
		// Late failures while open or during someone else's trial do not
		// move the machine.
		return
	}
	b.failures++
	if b.failures >= b.cfg.FailureThreshold {
		b.state = stateOpen
		b.openedAt = time.Now()
		b.logger.Warn().
			Int("consecutive_failures", b.failures).
			Dur("reset_timeout", b.cfg.ResetTimeout).
			Msg("Breaker opened")
	}
}

// cancelTrial releases an unresolved trial admission, for attempts that were
// cancelled before producing a verdict. The breaker stays half-open and the
// next allow call inherits the trial.
func (b *circuitBreaker) cancelTrial() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateHalfOpen {
		b.trialing = false
	}
}

// currentState reports the state for logs and tests.
func (b *circuitBreaker) currentState() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// consecutiveFailures reports the closed-state failure count for tests.
func (b *circuitBreaker) consecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
