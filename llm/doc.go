// Package llm provides a provider-neutral abstraction layer for LLM
// inference backends.
//
// This package defines the common types, capability interfaces, and error
// taxonomy that let the dispatch layers (pipeline, runtime) work with
// multiple backends (KoboldCPP, Ollama, OpenAI, Anthropic, etc.) without
// being coupled to any specific protocol or SDK.
//
// # Core Concepts
//
//  1. Requests: CompletionRequest carries a prompt plus generation
//     parameters (max tokens, temperature, top_p, stop sequences). Requests
//     are treated as immutable; Normalized returns a defaulted copy.
//
//  2. Backend Interface: Backend performs exactly one completion attempt per
//     Complete call, with no internal retry. StreamingBackend is the
//     optional streaming capability; AsStreaming upgrades a Backend when the
//     capability is present.
//
//  3. Streams: Stream is a pull iterator over StreamEvents
//     (Next/Event/Err/Close). Events carry incremental text deltas and a
//     delivery-order sequence number.
//
//  4. Errors: every failure is an *Error carrying an ErrorKind from a closed
//     set (connection, timeout, rate_limited, server_error, client_error,
//     response_format, response_structure, circuit_open,
//     streaming_not_supported, unknown). Dispatch layers decide hedging,
//     circuit-breaker accounting, and fallback from the kind alone.
//
//  5. Transport: TransportConfig plus NewHTTPClient build per-backend HTTP
//     clients with connection pools sized to the owning slot's concurrency.
//
// Usage Example
//
//	backend, err := kobold.NewChatBackend("kobold", kobold.ClientConfig{
//	    BaseURL: "http://localhost:5001/api",
//	})
//	if err != nil {
//	    return err
//	}
//
//	req := &llm.CompletionRequest{
//	    Prompt:    "Summarize the incident report.",
//	    MaxTokens: 256,
//	}
//
//	result, err := backend.Complete(ctx, req)
//
// # Extension Points
//
// To add a new inference backend:
//  1. Implement the Backend interface (and StreamingBackend if the protocol
//     supports incremental output)
//  2. Translate between the backend's wire format and llm package types
//  3. Map every backend failure to an *Error with the appropriate ErrorKind
package llm
