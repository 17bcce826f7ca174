package pipeline

import (
	"fmt"
	"time"

	"github.com/relaykit/relay/llm"
)

// Defaults applied by New when a SlotConfig leaves the field zero.
const (
	DefaultConcurrency      = 5
	DefaultHedgeDelay       = 150 * time.Millisecond
	DefaultAttemptTimeout   = 2 * time.Minute
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 30 * time.Second
)

// SlotConfig describes one backend slot. Slot order in the slice passed to
// New is the fallback priority order, highest priority first.
type SlotConfig struct {
	// Backend performs the attempts. Required.
	Backend llm.Backend

	// Concurrency caps simultaneous attempts against the backend.
	// 0 means DefaultConcurrency.
	Concurrency int

	// Hedges is the number of speculative duplicate attempts launched for a
	// request that has not resolved yet. 0 disables hedging.
	Hedges int

	// HedgeDelay staggers hedges: duplicate i launches after i*HedgeDelay.
	// 0 means DefaultHedgeDelay.
	HedgeDelay time.Duration

	// AttemptTimeout bounds each individual attempt. 0 means
	// DefaultAttemptTimeout; negative disables the per-attempt deadline.
	AttemptTimeout time.Duration

	// Breaker configures the slot's circuit breaker.
	Breaker BreakerConfig
}

func (c SlotConfig) withDefaults() SlotConfig {
	if c.Concurrency == 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.HedgeDelay == 0 {
		c.HedgeDelay = DefaultHedgeDelay
	}
	if c.AttemptTimeout == 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = DefaultFailureThreshold
	}
	if c.Breaker.ResetTimeout == 0 {
		c.Breaker.ResetTimeout = DefaultResetTimeout
	}
	return c
}

func (c SlotConfig) validate() error {
	if c.Backend == nil {
		return fmt.Errorf("backend is required")
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must be positive, got %d", c.Concurrency)
	}
	if c.Hedges < 0 {
		return fmt.Errorf("hedges must not be negative, got %d", c.Hedges)
	}
	if c.HedgeDelay < 0 {
		return fmt.Errorf("hedge delay must not be negative, got %v", c.HedgeDelay)
	}
	if c.Breaker.FailureThreshold < 0 {
		return fmt.Errorf("breaker failure threshold must be positive, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.ResetTimeout < 0 {
		return fmt.Errorf("breaker reset timeout must be positive, got %v", c.Breaker.ResetTimeout)
	}
	return nil
}
