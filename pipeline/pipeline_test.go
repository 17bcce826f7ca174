package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relaykit/relay/llm"
)

// scriptStep describes one backend call: sleep delay, then return result or
// err. The last step repeats for any calls beyond the script.
type scriptStep struct {
	result *llm.CompletionResult
	err    error
	delay  time.Duration
}

func succeed(text string) scriptStep {
	return scriptStep{result: &llm.CompletionResult{Text: text}}
}

func succeedAfter(text string, delay time.Duration) scriptStep {
	return scriptStep{result: &llm.CompletionResult{Text: text}, delay: delay}
}

func fail(err error) scriptStep {
	return scriptStep{err: err}
}

// scriptedBackend plays back a per-call script, recording call counts, call
// times, and the peak number of concurrent calls.
type scriptedBackend struct {
	backendName string

	mu        sync.Mutex
	script    []scriptStep
	calls     int
	callTimes []time.Time
	lastReq   *llm.CompletionRequest
	active    int
	maxActive int
}

func newScriptedBackend(name string, steps ...scriptStep) *scriptedBackend {
	return &scriptedBackend{backendName: name, script: steps}
}

func (b *scriptedBackend) Name() string { return b.backendName }

func (b *scriptedBackend) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResult, error) {
	b.mu.Lock()
	step := scriptStep{}
	if len(b.script) > 0 {
		step = b.script[len(b.script)-1]
		if b.calls < len(b.script) {
			step = b.script[b.calls]
		}
	}
	b.calls++
	b.callTimes = append(b.callTimes, time.Now())
	b.lastReq = req
	b.active++
	if b.active > b.maxActive {
		b.maxActive = b.active
	}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.active--
		b.mu.Unlock()
	}()

	if step.delay > 0 {
		timer := time.NewTimer(step.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if step.err != nil {
		return nil, step.err
	}
	if step.result != nil {
		out := *step.result
		out.Backend = b.backendName
		return &out, nil
	}
	return &llm.CompletionResult{Text: "ok", Backend: b.backendName}, nil
}

func (b *scriptedBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *scriptedBackend) peakConcurrency() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxActive
}

func (b *scriptedBackend) callTime(i int) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.callTimes[i]
}

func (b *scriptedBackend) lastRequest() *llm.CompletionRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastReq
}

func newTestPipeline(t *testing.T, configs ...SlotConfig) *Pipeline {
	t.Helper()
	p, err := New(configs)
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}
	return p
}

func TestNewRequiresSlots(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("Expected an error for an empty slot list")
	}
	if _, err := New([]SlotConfig{{}}); err == nil {
		t.Error("Expected an error for a slot without a backend")
	}
}

func TestCompleteFirstSlotWins(t *testing.T) {
	primary := newScriptedBackend("alpha", succeed("from alpha"))
	secondary := newScriptedBackend("beta", succeed("from beta"))
	p := newTestPipeline(t, SlotConfig{Backend: primary}, SlotConfig{Backend: secondary})

	result, err := p.Complete(context.Background(), &llm.CompletionRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Failed to complete: %v", err)
	}
	if result.Backend != "alpha" {
		t.Errorf("Expected the highest-priority slot to serve, got %q", result.Backend)
	}
	if secondary.callCount() != 0 {
		t.Error("Expected the fallback slot to stay untouched")
	}
}

func TestCompleteNormalizesRequest(t *testing.T) {
	primary := newScriptedBackend("alpha", succeed("ok"))
	p := newTestPipeline(t, SlotConfig{Backend: primary})

	if _, err := p.Complete(context.Background(), &llm.CompletionRequest{Prompt: "hi"}); err != nil {
		t.Fatalf("Failed to complete: %v", err)
	}
	got := primary.lastRequest()
	if got.MaxTokens != llm.DefaultMaxTokens {
		t.Errorf("Expected default max tokens %d, got %d", llm.DefaultMaxTokens, got.MaxTokens)
	}
	if got.Temperature == nil || got.TopP == nil {
		t.Error("Expected sampling defaults to be applied before dispatch")
	}
}

func TestCompleteNilRequest(t *testing.T) {
	p := newTestPipeline(t, SlotConfig{Backend: newScriptedBackend("alpha")})
	if _, err := p.Complete(context.Background(), nil); err == nil {
		t.Error("Expected an error for a nil request")
	}
}

func TestCompleteFallsBack(t *testing.T) {
	primary := newScriptedBackend("alpha", fail(llm.NewServerError("alpha", "HTTP 503", 503, nil)))
	secondary := newScriptedBackend("beta", succeed("from beta"))
	p := newTestPipeline(t, SlotConfig{Backend: primary}, SlotConfig{Backend: secondary})

	result, err := p.Complete(context.Background(), &llm.CompletionRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Failed to complete: %v", err)
	}
	if result.Backend != "beta" {
		t.Errorf("Expected the fallback slot to serve, got %q", result.Backend)
	}
	if primary.callCount() != 1 {
		t.Errorf("Expected 1 call against the failed slot, got %d", primary.callCount())
	}
}

func TestCompleteReturnsMostSpecificFailure(t *testing.T) {
	primary := newScriptedBackend("alpha", fail(errors.New("wat")))
	secondary := newScriptedBackend("beta", fail(llm.NewServerError("beta", "HTTP 500", 500, nil)))
	p := newTestPipeline(t, SlotConfig{Backend: primary}, SlotConfig{Backend: secondary})

	_, err := p.Complete(context.Background(), &llm.CompletionRequest{Prompt: "hi"})
	if err == nil {
		t.Fatal("Expected an error when every slot fails")
	}
	if !llm.IsKind(err, llm.KindServer) {
		t.Errorf("Expected the concrete failure to outrank the unknown one, got %v", err)
	}
}

func TestCompleteSkipsOpenBreaker(t *testing.T) {
	primary := newScriptedBackend("alpha", fail(llm.NewServerError("alpha", "HTTP 500", 500, nil)))
	secondary := newScriptedBackend("beta", succeed("from beta"))
	p := newTestPipeline(t,
		SlotConfig{Backend: primary, Breaker: BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute}},
		SlotConfig{Backend: secondary},
	)

	// First request opens alpha's breaker and falls back.
	if _, err := p.Complete(context.Background(), &llm.CompletionRequest{Prompt: "hi"}); err != nil {
		t.Fatalf("Failed to complete: %v", err)
	}
	if p.slots[0].breaker.currentState() != stateOpen {
		t.Fatal("Expected the failing slot's breaker to open")
	}

	// Second request must skip alpha without touching the backend.
	result, err := p.Complete(context.Background(), &llm.CompletionRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Failed to complete: %v", err)
	}
	if result.Backend != "beta" {
		t.Errorf("Expected the fallback slot to serve, got %q", result.Backend)
	}
	if primary.callCount() != 1 {
		t.Errorf("Expected the rejected slot's backend to not be called, got %d calls", primary.callCount())
	}
}

func TestCompleteAllBreakersOpen(t *testing.T) {
	primary := newScriptedBackend("alpha", fail(llm.NewServerError("alpha", "HTTP 500", 500, nil)))
	p := newTestPipeline(t,
		SlotConfig{Backend: primary, Breaker: BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute}},
	)

	if _, err := p.Complete(context.Background(), &llm.CompletionRequest{Prompt: "hi"}); err == nil {
		t.Fatal("Expected the first request to fail")
	}
	_, err := p.Complete(context.Background(), &llm.CompletionRequest{Prompt: "hi"})
	if !llm.IsCircuitOpen(err) {
		t.Errorf("Expected a circuit-open error when every slot is rejected, got %v", err)
	}
	if primary.callCount() != 1 {
		t.Errorf("Expected no backend call while open, got %d", primary.callCount())
	}
}

func TestHedgeWinsOverSlowPrimary(t *testing.T) {
	backend := newScriptedBackend("alpha",
		succeedAfter("slow", 500*time.Millisecond),
		succeed("hedged"),
	)
	p := newTestPipeline(t, SlotConfig{Backend: backend, Hedges: 1, HedgeDelay: 30 * time.Millisecond})

	start := time.Now()
	result, err := p.Complete(context.Background(), &llm.CompletionRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Failed to complete: %v", err)
	}
	if result.Text != "hedged" {
		t.Errorf("Expected the hedged attempt to win, got %q", result.Text)
	}
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Errorf("Expected the hedge to resolve well before the slow primary, took %v", elapsed)
	}
	if backend.callCount() != 2 {
		t.Errorf("Expected 2 attempts, got %d", backend.callCount())
	}
}

func TestFastPrimaryCancelsHedges(t *testing.T) {
	backend := newScriptedBackend("alpha", succeed("fast"))
	p := newTestPipeline(t, SlotConfig{Backend: backend, Hedges: 2, HedgeDelay: 100 * time.Millisecond})

	result, err := p.Complete(context.Background(), &llm.CompletionRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Failed to complete: %v", err)
	}
	if result.Text != "fast" {
		t.Errorf("Expected the primary to win, got %q", result.Text)
	}

	// Give cancelled hedges time to have fired if cancellation were broken.
	time.Sleep(250 * time.Millisecond)
	if backend.callCount() != 1 {
		t.Errorf("Expected hedges to be cancelled during their stagger, got %d calls", backend.callCount())
	}
}

func TestHedgeStagger(t *testing.T) {
	backend := newScriptedBackend("alpha",
		succeedAfter("slow", time.Second),
		succeedAfter("slow", time.Second),
		succeed("third"),
	)
	p := newTestPipeline(t, SlotConfig{Backend: backend, Hedges: 2, HedgeDelay: 60 * time.Millisecond})

	result, err := p.Complete(context.Background(), &llm.CompletionRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Failed to complete: %v", err)
	}
	if result.Text != "third" {
		t.Errorf("Expected the second hedge to win, got %q", result.Text)
	}
	if backend.callCount() != 3 {
		t.Fatalf("Expected 3 attempts, got %d", backend.callCount())
	}
	if gap := backend.callTime(1).Sub(backend.callTime(0)); gap < 40*time.Millisecond {
		t.Errorf("Expected the first hedge to launch after the stagger, gap was %v", gap)
	}
	if gap := backend.callTime(2).Sub(backend.callTime(1)); gap < 40*time.Millisecond {
		t.Errorf("Expected the second hedge to launch a stagger after the first, gap was %v", gap)
	}
}

func TestTerminalFailureStopsHedgesAndFallsBack(t *testing.T) {
	primary := newScriptedBackend("alpha", fail(llm.NewClientError("alpha", "HTTP 400", 400, nil)))
	secondary := newScriptedBackend("beta", succeed("from beta"))
	p := newTestPipeline(t,
		SlotConfig{Backend: primary, Hedges: 2, HedgeDelay: 300 * time.Millisecond},
		SlotConfig{Backend: secondary},
	)

	start := time.Now()
	result, err := p.Complete(context.Background(), &llm.CompletionRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Failed to complete: %v", err)
	}
	if result.Backend != "beta" {
		t.Errorf("Expected fallback after the terminal failure, got %q", result.Backend)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("Expected the terminal failure to cancel pending hedges, took %v", elapsed)
	}
	if primary.callCount() != 1 {
		t.Errorf("Expected 1 attempt against the rejecting slot, got %d", primary.callCount())
	}
}

func TestTransientFailureKeepsHedgesRacing(t *testing.T) {
	backend := newScriptedBackend("alpha",
		fail(errors.New("wat")),
		succeed("hedged"),
	)
	p := newTestPipeline(t, SlotConfig{Backend: backend, Hedges: 1, HedgeDelay: 20 * time.Millisecond})

	result, err := p.Complete(context.Background(), &llm.CompletionRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Failed to complete: %v", err)
	}
	if result.Text != "hedged" {
		t.Errorf("Expected the hedge to win after the unknown failure, got %q", result.Text)
	}
	if backend.callCount() != 2 {
		t.Errorf("Expected both attempts to run, got %d", backend.callCount())
	}
}

func TestPoolBoundsAttempts(t *testing.T) {
	backend := newScriptedBackend("alpha", succeedAfter("ok", 50*time.Millisecond))
	p := newTestPipeline(t, SlotConfig{Backend: backend, Concurrency: 2})

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Complete(context.Background(), &llm.CompletionRequest{Prompt: "hi"}); err != nil {
				t.Errorf("Failed to complete: %v", err)
			}
		}()
	}
	wg.Wait()

	if peak := backend.peakConcurrency(); peak > 2 {
		t.Errorf("Expected at most 2 concurrent attempts, saw %d", peak)
	}
	if backend.callCount() != 6 {
		t.Errorf("Expected all 6 requests to run, got %d", backend.callCount())
	}
}

func TestHalfOpenTrialSuppressesHedges(t *testing.T) {
	backend := newScriptedBackend("alpha",
		fail(llm.NewClientError("alpha", "HTTP 400", 400, nil)),
		succeedAfter("recovered", 150*time.Millisecond),
	)
	p := newTestPipeline(t, SlotConfig{
		Backend:    backend,
		Hedges:     2,
		HedgeDelay: 30 * time.Millisecond,
		Breaker:    BreakerConfig{FailureThreshold: 1, ResetTimeout: 20 * time.Millisecond},
	})

	if _, err := p.Complete(context.Background(), &llm.CompletionRequest{Prompt: "hi"}); err == nil {
		t.Fatal("Expected the first request to fail")
	}
	if p.slots[0].breaker.currentState() != stateOpen {
		t.Fatal("Expected the breaker to open")
	}
	time.Sleep(40 * time.Millisecond)

	result, err := p.Complete(context.Background(), &llm.CompletionRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Failed to complete the trial request: %v", err)
	}
	if result.Text != "recovered" {
		t.Errorf("Expected the trial to serve the result, got %q", result.Text)
	}
	// The trial is a single probe: were hedging active, both staggers would
	// have fired well inside the trial's 150ms and pushed the count to 4.
	if backend.callCount() != 2 {
		t.Errorf("Expected the trial to suppress hedges, got %d calls", backend.callCount())
	}
	if p.slots[0].breaker.currentState() != stateClosed {
		t.Error("Expected the successful trial to close the breaker")
	}
}

func TestAttemptTimeout(t *testing.T) {
	backend := newScriptedBackend("alpha", succeedAfter("slow", 500*time.Millisecond))
	p := newTestPipeline(t, SlotConfig{Backend: backend, AttemptTimeout: 30 * time.Millisecond})

	start := time.Now()
	_, err := p.Complete(context.Background(), &llm.CompletionRequest{Prompt: "hi"})
	if !llm.IsKind(err, llm.KindTimeout) {
		t.Errorf("Expected a timeout failure, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Errorf("Expected the attempt deadline to cut the call short, took %v", elapsed)
	}
}

func TestCallerCancellation(t *testing.T) {
	backend := newScriptedBackend("alpha", succeedAfter("slow", 500*time.Millisecond))
	p := newTestPipeline(t, SlotConfig{Backend: backend})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.Complete(ctx, &llm.CompletionRequest{Prompt: "hi"})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	var err error
	select {
	case err = <-done:
	case <-time.After(time.Second):
		t.Fatal("Expected cancellation to unblock Complete")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected the raw cancellation to propagate, got %v", err)
	}
	if _, ok := llm.AsError(err); ok {
		t.Error("Expected cancellation to stay outside the taxonomy")
	}

	// Cancelled attempts never feed the breaker.
	time.Sleep(50 * time.Millisecond)
	if got := p.slots[0].breaker.consecutiveFailures(); got != 0 {
		t.Errorf("Expected no breaker failures from cancellation, got %d", got)
	}
}

func TestCallerDeadlineSurfacesAsTimeout(t *testing.T) {
	backend := newScriptedBackend("alpha", succeedAfter("slow", 500*time.Millisecond))
	p := newTestPipeline(t, SlotConfig{Backend: backend, AttemptTimeout: -1})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := p.Complete(ctx, &llm.CompletionRequest{Prompt: "hi"})
	if !llm.IsKind(err, llm.KindTimeout) {
		t.Errorf("Expected the caller deadline to surface as a timeout, got %v", err)
	}
}
