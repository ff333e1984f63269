package claude

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
)

// eventStream adapts Anthropic's SSE message stream to models.ChunkStream,
// emitting OpenAI-style chat completion chunks. Only text deltas and the
// final stop reason are carried over; other event types are skipped.
type eventStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	model   string

	messageID string
	done      bool

	closeOnce sync.Once
	closeErr  error
}

func newEventStream(body io.ReadCloser, model string) *eventStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &eventStream{
		body:    body,
		scanner: scanner,
		model:   model,
	}
}

// streamEvent is the subset of Anthropic SSE payloads the adapter consumes.
type streamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		ID string `json:"id"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// chunk mirrors the OpenAI chat.completion.chunk shape.
type chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

func (s *eventStream) Recv() (json.RawMessage, error) {
	if s.done {
		return nil, io.EOF
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &event); err != nil {
			s.Close()
			return nil, fmt.Errorf("decode claude stream event: %w", err)
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				s.messageID = event.Message.ID
			}
		case "content_block_delta":
			if event.Delta == nil || event.Delta.Text == "" {
				continue
			}
			return s.encodeChunk(chunkDelta{Content: event.Delta.Text}, nil)
		case "message_delta":
			if event.Delta == nil || event.Delta.StopReason == "" {
				continue
			}
			reason := event.Delta.StopReason
			return s.encodeChunk(chunkDelta{}, &reason)
		case "message_stop":
			s.done = true
			s.Close()
			return nil, io.EOF
		case "error":
			s.Close()
			if event.Error != nil {
				return nil, fmt.Errorf("claude stream error (%s): %s", event.Error.Type, event.Error.Message)
			}
			return nil, fmt.Errorf("claude stream reported an unspecified error")
		}
		// ping, content_block_start, content_block_stop: nothing to relay.
	}

	if err := s.scanner.Err(); err != nil {
		s.Close()
		return nil, fmt.Errorf("read claude event stream: %w", err)
	}

	s.Close()
	return nil, fmt.Errorf("claude event stream ended before message_stop: %w", io.ErrUnexpectedEOF)
}

func (s *eventStream) encodeChunk(delta chunkDelta, finishReason *string) (json.RawMessage, error) {
	payload := chunk{
		ID:     s.messageID,
		Object: "chat.completion.chunk",
		Model:  s.model,
		Choices: []chunkChoice{
			{Index: 0, Delta: delta, FinishReason: finishReason},
		},
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode chunk: %w", err)
	}
	return raw, nil
}

// Close releases the underlying response body. Safe to call multiple times.
func (s *eventStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}
