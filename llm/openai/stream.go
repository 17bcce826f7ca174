package openai

import (
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/relaykit/relay/llm"
)

// chatStream adapts the library's streaming reader to the pull interface.
// Each Next performs one Recv, so the first delta surfaces as soon as the
// server sends it. Usage arrives in the final chunk and is attached to the
// terminal event.
type chatStream struct {
	name   string
	stream *openai.ChatCompletionStream
	event  *llm.StreamEvent
	seq    int
	usage  *llm.Usage
	err    error
	done   bool
	closed bool
}

var _ llm.Stream = (*chatStream)(nil)

func newChatStream(name string, stream *openai.ChatCompletionStream) *chatStream {
	return &chatStream{name: name, stream: stream}
}

func (s *chatStream) Next() bool {
	if s.closed || s.done || s.err != nil {
		return false
	}
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.event = &llm.StreamEvent{Seq: s.seq, Done: true, Usage: s.usage}
				s.seq++
				s.done = true
				return true
			}
			s.err = mapError(s.name, err)
			return false
		}
		if resp.Usage != nil {
			s.usage = &llm.Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		s.event = &llm.StreamEvent{Delta: delta, Seq: s.seq}
		s.seq++
		return true
	}
}

func (s *chatStream) Event() *llm.StreamEvent {
	return s.event
}

func (s *chatStream) Err() error {
	return s.err
}

func (s *chatStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.stream.Close()
}
