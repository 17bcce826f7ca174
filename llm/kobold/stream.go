package kobold

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/relaykit/relay/llm"
)

// streamOnce issues a single streaming request. The response body stays open
// and is owned by the returned stream.
func (c *Client) streamOnce(ctx context.Context, req *llm.CompletionRequest) (llm.Stream, error) {
	resp, err := c.post(ctx, c.buildPayload(req, true))
	if err != nil {
		return nil, err
	}
	return newLineStream(c, resp.Body), nil
}

// lineStream parses KoboldCPP's line-delimited streaming format: optional
// SSE "data:" prefixes, [DONE] markers, JSON chunks shaped per endpoint
// mode, and raw text lines passed through as deltas. A terminal Done event
// is emitted when the server signals completion or the body ends cleanly.
type lineStream struct {
	client  *Client
	body    io.ReadCloser
	scanner *bufio.Scanner
	event   *llm.StreamEvent
	seq     int
	err     error
	done    bool
	closed  bool
}

var _ llm.Stream = (*lineStream)(nil)

func newLineStream(c *Client, body io.ReadCloser) *lineStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &lineStream{client: c, body: body, scanner: scanner}
}

func (s *lineStream) Next() bool {
	if s.closed || s.done || s.err != nil {
		return false
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if line == "" {
			continue
		}
		if line == "[DONE]" {
			return s.finish()
		}
		delta, ok := s.client.parseStreamChunk(line)
		if !ok {
			continue
		}
		s.event = &llm.StreamEvent{Delta: delta, Seq: s.seq}
		s.seq++
		return true
	}
	if err := s.scanner.Err(); err != nil {
		s.err = s.client.transportError("stream read", err)
		return false
	}
	// Body ended without a [DONE] marker; treat it as clean completion.
	return s.finish()
}

// finish emits the terminal event.
func (s *lineStream) finish() bool {
	s.event = &llm.StreamEvent{Seq: s.seq, Done: true}
	s.seq++
	s.done = true
	return true
}

func (s *lineStream) Event() *llm.StreamEvent {
	return s.event
}

func (s *lineStream) Err() error {
	return s.err
}

func (s *lineStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}

// streamChunk is the wire shape of one streamed JSON line. Chat deltas
// arrive under delta.content, full-message chunks under message.content,
// and plain completion chunks under text.
type streamChunk struct {
	Choices []struct {
		Text         string       `json:"text"`
		Delta        *chatMessage `json:"delta"`
		Message      *chatMessage `json:"message"`
		FinishReason string       `json:"finish_reason"`
	} `json:"choices"`
}

// parseStreamChunk extracts the content delta from one stream line. Lines
// that are not JSON at all pass through as raw text; valid JSON of an
// unexpected shape is skipped.
func (c *Client) parseStreamChunk(line string) (string, bool) {
	if !json.Valid([]byte(line)) {
		return line, true
	}
	var chunk streamChunk
	if err := json.Unmarshal([]byte(line), &chunk); err != nil {
		return "", false
	}
	if len(chunk.Choices) == 0 {
		return "", false
	}
	choice := chunk.Choices[0]
	if c.mode == ModeCompletion {
		if choice.Text != "" {
			return choice.Text, true
		}
		return "", false
	}
	if choice.Delta != nil && choice.Delta.Content != "" {
		return choice.Delta.Content, true
	}
	if choice.Message != nil && choice.Message.Content != "" {
		return choice.Message.Content, true
	}
	return "", false
}
