package pipeline

import (
	"context"
	"fmt"

	"github.com/relaykit/relay/llm"
)

// Stream starts a streaming completion, falling back across slots until one
// delivers its first event. Hedging is never applied to streams. Slots whose
// backend cannot stream are skipped without touching their breaker; once a
// slot has delivered an event it is committed, and a later failure is
// terminal for the whole request. Dispatch failures surface through the
// returned stream's Err.
func (p *Pipeline) Stream(ctx context.Context, req *llm.CompletionRequest) (llm.Stream, error) {
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}
	return &fallbackStream{
		pipeline: p,
		ctx:      ctx,
		req:      req.Normalized(),
	}, nil
}

// fallbackStream walks slots lazily, forwarding events from the first slot
// that produces any. It is pull-driven with no internal goroutine and is
// meant for use from a single consumer goroutine; cancel ctx to abort from
// elsewhere.
type fallbackStream struct {
	pipeline *Pipeline
	ctx      context.Context
	req      *llm.CompletionRequest

	slotIdx   int
	cur       llm.Stream
	curSlot   *slot
	curTrial  bool
	committed bool
	seq       int
	event     *llm.StreamEvent
	err       error
	done      bool
	closed    bool
	failures  []error
}

// Next advances to the next event, opening the first producing slot on
// initial use.
func (s *fallbackStream) Next() bool {
	if s.closed || s.done || s.err != nil {
		return false
	}
	for {
		if s.ctx.Err() != nil {
			s.abandonCurrent()
			s.err = contextError("", s.ctx)
			return false
		}
		if s.cur == nil {
			if !s.openNextSlot() {
				return false
			}
		}

		if s.cur.Next() {
			if ev := s.cur.Event(); ev != nil {
				out := *ev
				out.Seq = s.seq
				s.seq++
				s.committed = true
				s.event = &out
				if out.Done {
					s.resolveCurrent(nil)
					s.done = true
				}
				return true
			}
			// A stream that advances without an event has ended as far as
			// we are concerned; fall through to its Err.
		}

		streamErr := s.cur.Err()
		switch {
		case streamErr == nil:
			// Clean termination without an explicit terminal event.
			s.resolveCurrent(nil)
			s.done = true
			return false
		case s.ctx.Err() != nil:
			// The read failed because the caller cancelled; no verdict for
			// the slot.
			s.abandonCurrent()
			s.err = contextError("", s.ctx)
			return false
		case s.committed:
			// Mid-stream failure is terminal for the whole request: events
			// were already delivered, so restarting elsewhere would
			// duplicate output.
			dispatchErr := normalizeError(s.curSlot.name(), streamErr)
			s.resolveCurrent(dispatchErr)
			s.err = dispatchErr
			return false
		default:
			// Failed before the first event: fall through to the next slot.
			dispatchErr := normalizeError(s.curSlot.name(), streamErr)
			s.pipeline.logger.Debug().
				Str("slot", s.curSlot.name()).
				Err(dispatchErr).
				Msg("Stream failed before first event, falling back")
			s.resolveCurrent(dispatchErr)
			s.failures = append(s.failures, dispatchErr)
		}
	}
}

// Event returns the current event.
func (s *fallbackStream) Event() *llm.StreamEvent {
	return s.event
}

// Err returns the terminal dispatch failure, if any.
func (s *fallbackStream) Err() error {
	return s.err
}

// Close abandons the stream. Closing before the terminal event is a
// cancellation: the slot is released without a breaker verdict.
func (s *fallbackStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.abandonCurrent()
	return nil
}

// openNextSlot walks the remaining slots until one accepts the stream.
// Returns false with s.err set once every slot has been tried.
func (s *fallbackStream) openNextSlot() bool {
	for s.slotIdx < len(s.pipeline.slots) {
		sl := s.pipeline.slots[s.slotIdx]
		s.slotIdx++

		admitted, trial := sl.breaker.allow()
		if !admitted {
			s.failures = append(s.failures, llm.NewCircuitOpenError(sl.name()))
			continue
		}

		streamer, ok := llm.AsStreaming(sl.backend)
		if !ok {
			// Capability gap, not a failure: the breaker is untouched.
			if trial {
				sl.breaker.cancelTrial()
			}
			s.pipeline.logger.Debug().Str("slot", sl.name()).Msg("Slot cannot stream, skipping")
			s.failures = append(s.failures, llm.NewStreamingNotSupportedError(sl.name()))
			continue
		}

		if err := sl.pool.acquire(s.ctx); err != nil {
			if trial {
				sl.breaker.cancelTrial()
			}
			s.err = contextError(sl.name(), s.ctx)
			return false
		}

		stream, err := streamer.Stream(s.ctx, s.req)
		if err != nil {
			sl.pool.release()
			dispatchErr := normalizeError(sl.name(), err)
			if dispatchErr.CountsAsFailure() {
				sl.breaker.recordFailure(trial)
			} else if trial {
				// Capability gap reported at call time.
				sl.breaker.cancelTrial()
			}
			s.failures = append(s.failures, dispatchErr)
			continue
		}

		s.cur = stream
		s.curSlot = sl
		s.curTrial = trial
		return true
	}

	if err := mostSpecificError(s.failures); err != nil {
		s.err = err
	} else {
		s.err = llm.NewUnknownError("", "no backend available", nil)
	}
	return false
}

// resolveCurrent settles the active slot stream with a verdict: success
// closes the breaker loop, counting failures feed it, capability signals
// leave it untouched. The pool permit held since openNextSlot is released.
func (s *fallbackStream) resolveCurrent(failure *llm.Error) {
	if s.curSlot == nil {
		return
	}
	switch {
	case failure == nil:
		s.curSlot.breaker.recordSuccess(s.curTrial)
	case failure.CountsAsFailure():
		s.curSlot.breaker.recordFailure(s.curTrial)
	case s.curTrial:
		s.curSlot.breaker.cancelTrial()
	}
	s.curSlot.pool.release()
	_ = s.cur.Close()
	s.cur = nil
	s.curSlot = nil
	s.curTrial = false
}

// abandonCurrent releases the active slot stream without a breaker verdict,
// for cancellation paths.
func (s *fallbackStream) abandonCurrent() {
	if s.curSlot == nil {
		return
	}
	if s.curTrial {
		s.curSlot.breaker.cancelTrial()
	}
	s.curSlot.pool.release()
	_ = s.cur.Close()
	s.cur = nil
	s.curSlot = nil
	s.curTrial = false
}

// Ensure fallbackStream implements llm.Stream
var _ llm.Stream = (*fallbackStream)(nil)
