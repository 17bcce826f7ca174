package ollama

import (
	"context"
	"errors"
	"sync"

	"github.com/ollama/ollama/api"

	"github.com/relaykit/relay/llm"
)

// errStreamClosed aborts the underlying generate call once the consumer has
// closed the stream.
var errStreamClosed = errors.New("stream closed")

// generateStream adapts Ollama's callback-driven streaming API to the pull
// interface. The Generate call runs in a goroutine feeding a buffer; Next
// blocks on a condition variable until an event lands.
type generateStream struct {
	ctx     context.Context
	backend *Backend
	req     *api.GenerateRequest

	mu      sync.Mutex
	cond    *sync.Cond
	events  []*llm.StreamEvent
	current int
	err     error
	done    bool
	closed  bool
	started bool
}

var _ llm.Stream = (*generateStream)(nil)

func newGenerateStream(ctx context.Context, backend *Backend, req *api.GenerateRequest) *generateStream {
	s := &generateStream{
		ctx:     ctx,
		backend: backend,
		req:     req,
		current: -1,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Next advances to the next event, starting the generate call on first use.
func (s *generateStream) Next() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if !s.started {
		s.started = true
		go s.run()
	}

	s.current++
	for s.current >= len(s.events) && !s.done && s.err == nil {
		s.cond.Wait()
	}

	if s.err != nil {
		return false
	}
	return s.current < len(s.events)
}

// Event returns the current event.
func (s *generateStream) Event() *llm.StreamEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current < 0 || s.current >= len(s.events) {
		return nil
	}
	return s.events[s.current]
}

// Err returns any error that occurred during streaming.
func (s *generateStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close abandons the stream. The in-flight generate call is aborted through
// its callback.
func (s *generateStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.done = true
	s.cond.Broadcast()
	return nil
}

// run drives the generate call, buffering one delta event per chunk and a
// terminal event when the server reports completion.
func (s *generateStream) run() {
	err := s.backend.api.Generate(s.ctx, s.req, func(resp api.GenerateResponse) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.closed {
			return errStreamClosed
		}
		if resp.Response != "" {
			s.events = append(s.events, &llm.StreamEvent{Delta: resp.Response, Seq: len(s.events)})
			s.cond.Broadcast()
		}
		if resp.Done {
			event := &llm.StreamEvent{Seq: len(s.events), Done: true}
			if resp.PromptEvalCount > 0 || resp.EvalCount > 0 {
				event.Usage = &llm.Usage{
					PromptTokens:     resp.PromptEvalCount,
					CompletionTokens: resp.EvalCount,
					TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
				}
			}
			s.events = append(s.events, event)
			s.done = true
			s.cond.Broadcast()
		}
		return nil
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil && !errors.Is(err, errStreamClosed) && !s.done {
		s.err = mapError(s.backend.name, err)
	}
	s.done = true
	s.cond.Broadcast()
}
