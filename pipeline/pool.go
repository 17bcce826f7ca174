package pipeline

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// pool bounds the number of concurrent attempts against one backend slot.
// Capacity is fixed at construction; acquire suspends when the pool is
// exhausted, which is what propagates back-pressure to callers.
type pool struct {
	sem      *semaphore.Weighted
	capacity int
	inUse    atomic.Int64
}

func newPool(capacity int) *pool {
	return &pool{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
	}
}

// acquire blocks until a permit is available or ctx is done.
// Every attempt, hedged duplicates included, must hold a permit for the full
// duration of its backend call.
func (p *pool) acquire(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.inUse.Add(1)
	return nil
}

// release returns a permit. Must be called exactly once per successful
// acquire, on completion, failure, or cancellation.
func (p *pool) release() {
	p.inUse.Add(-1)
	p.sem.Release(1)
}

// inFlight reports the number of held permits, for logs and tests.
func (p *pool) inFlight() int {
	return int(p.inUse.Load())
}
