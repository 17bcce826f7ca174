package pipeline

import (
	"context"
	"errors"

	"github.com/samber/lo"

	"github.com/relaykit/relay/llm"
)

// normalizeError coerces a backend failure into the taxonomy. Backends are
// expected to return *llm.Error already; anything else becomes a timeout
// when the attempt deadline expired, or an unknown failure.
func normalizeError(backend string, err error) *llm.Error {
	if dispatchErr, ok := llm.AsError(err); ok {
		return dispatchErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return llm.NewTimeoutError(backend, "attempt deadline exceeded", err)
	}
	return llm.NewUnknownError(backend, "backend failure", err)
}

// contextError renders a dead caller context: deadline expiry surfaces as
// the timeout kind, explicit cancellation propagates untouched.
func contextError(backend string, ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return llm.NewTimeoutError(backend, "request deadline exceeded", ctx.Err())
	}
	return ctx.Err()
}

// errorRank orders failure specificity: concrete attempt failures outrank
// circuit-open rejections, which outrank unknowns.
func errorRank(err error) int {
	switch llm.KindOf(err) {
	case llm.KindUnknown:
		return 0
	case llm.KindCircuitOpen:
		return 1
	default:
		return 2
	}
}

// mostSpecificError picks the failure to surface when every slot failed: the
// highest-ranked kind, most recently observed. Returns nil for an empty
// list.
func mostSpecificError(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return lo.MaxBy(errs, func(candidate, current error) bool {
		return errorRank(candidate) >= errorRank(current)
	})
}
