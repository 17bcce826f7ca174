package llm

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		kind ErrorKind
	}{
		{NewConnectionError("b", "refused", nil), KindConnection},
		{NewTimeoutError("b", "deadline", nil), KindTimeout},
		{NewRateLimitedError("b", "slow down", nil, nil), KindRateLimited},
		{NewServerError("b", "boom", 500, nil), KindServer},
		{NewClientError("b", "bad request", 400, nil), KindClient},
		{NewResponseFormatError("b", "not json", nil), KindResponseFormat},
		{NewResponseStructureError("b", "no choices", nil), KindResponseStructure},
		{NewCircuitOpenError("b"), KindCircuitOpen},
		{NewStreamingNotSupportedError("b"), KindStreamingNotSupported},
		{NewUnknownError("b", "???", nil), KindUnknown},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.kind {
			t.Errorf("Expected kind %v, got %v", tc.kind, got)
		}
		if !IsKind(tc.err, tc.kind) {
			t.Errorf("Expected IsKind to match %v", tc.kind)
		}
	}
}

func TestKindOfForeignError(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != KindUnknown {
		t.Errorf("Expected KindUnknown for foreign error, got %v", got)
	}
	if got := KindOf(nil); got != KindUnknown {
		t.Errorf("Expected KindUnknown for nil, got %v", got)
	}
}

func TestTransient(t *testing.T) {
	transient := []*Error{
		NewConnectionError("b", "refused", nil),
		NewTimeoutError("b", "deadline", nil),
		NewRateLimitedError("b", "slow down", nil, nil),
		NewServerError("b", "boom", 503, nil),
	}
	for _, err := range transient {
		if !err.Transient() {
			t.Errorf("Expected %v to be transient", err.Kind)
		}
		if !IsTransient(err) {
			t.Errorf("Expected IsTransient to return true for %v", err.Kind)
		}
	}

	terminal := []*Error{
		NewClientError("b", "bad request", 400, nil),
		NewResponseFormatError("b", "not json", nil),
		NewResponseStructureError("b", "no choices", nil),
		NewCircuitOpenError("b"),
		NewStreamingNotSupportedError("b"),
		NewUnknownError("b", "???", nil),
	}
	for _, err := range terminal {
		if err.Transient() {
			t.Errorf("Expected %v to not be transient", err.Kind)
		}
	}

	if IsTransient(errors.New("plain")) {
		t.Error("Expected IsTransient to return false for foreign error")
	}
}

func TestCountsAsFailure(t *testing.T) {
	if NewCircuitOpenError("b").CountsAsFailure() {
		t.Error("Expected circuit open to not count as a backend failure")
	}
	if NewStreamingNotSupportedError("b").CountsAsFailure() {
		t.Error("Expected streaming not supported to not count as a backend failure")
	}

	counting := []*Error{
		NewConnectionError("b", "refused", nil),
		NewTimeoutError("b", "deadline", nil),
		NewRateLimitedError("b", "slow down", nil, nil),
		NewServerError("b", "boom", 500, nil),
		NewClientError("b", "bad request", 400, nil),
		NewResponseFormatError("b", "not json", nil),
		NewResponseStructureError("b", "no choices", nil),
		NewUnknownError("b", "???", nil),
	}
	for _, err := range counting {
		if !err.CountsAsFailure() {
			t.Errorf("Expected %v to count as a backend failure", err.Kind)
		}
	}
}

func TestRetryAfterHint(t *testing.T) {
	retryAfter := 90 * time.Second
	err := NewRateLimitedError("b", "slow down", &retryAfter, nil)
	hint := RetryAfterHint(err)
	if hint == nil {
		t.Fatal("Expected non-nil retry after hint")
	}
	if *hint != retryAfter {
		t.Errorf("Expected retry after %v, got %v", retryAfter, *hint)
	}

	if RetryAfterHint(NewServerError("b", "boom", 500, nil)) != nil {
		t.Error("Expected nil retry after hint for non-rate-limit error")
	}
	if RetryAfterHint(errors.New("plain")) != nil {
		t.Error("Expected nil retry after hint for foreign error")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewConnectionError("b", "request failed", cause)
	if !errors.Is(err, cause) {
		t.Error("Expected error to unwrap to its cause")
	}

	wrapped := fmt.Errorf("dispatch: %w", err)
	got, ok := AsError(wrapped)
	if !ok {
		t.Fatal("Expected AsError to find the taxonomy error through wrapping")
	}
	if got.Kind != KindConnection {
		t.Errorf("Expected kind %v, got %v", KindConnection, got.Kind)
	}
}

func TestErrorMessage(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := NewConnectionError("primary", "request failed", cause)
	msg := err.Error()
	want := "primary: request failed: dial tcp: connection refused"
	if msg != want {
		t.Errorf("Expected message %q, got %q", want, msg)
	}

	bare := NewCircuitOpenError("primary")
	if bare.Error() == "" {
		t.Error("Expected non-empty message for circuit open error")
	}
}

func TestRateLimitedStatusCode(t *testing.T) {
	err := NewRateLimitedError("b", "slow down", nil, nil)
	if err.StatusCode != 429 {
		t.Errorf("Expected status code 429, got %d", err.StatusCode)
	}
}

func TestIsCircuitOpen(t *testing.T) {
	if !IsCircuitOpen(NewCircuitOpenError("b")) {
		t.Error("Expected IsCircuitOpen to return true")
	}
	if IsCircuitOpen(NewServerError("b", "boom", 500, nil)) {
		t.Error("Expected IsCircuitOpen to return false for server error")
	}
	if !IsStreamingNotSupported(NewStreamingNotSupportedError("b")) {
		t.Error("Expected IsStreamingNotSupported to return true")
	}
}
