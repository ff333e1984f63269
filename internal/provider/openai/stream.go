package openai

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
)

// streamDone is the sentinel OpenAI sends as the final SSE data event.
const streamDone = "[DONE]"

// eventStream adapts an SSE response body to models.ChunkStream. Each
// "data:" event payload is returned verbatim as one chunk.
type eventStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	closeOnce sync.Once
	closeErr  error
}

func newEventStream(body io.ReadCloser) *eventStream {
	scanner := bufio.NewScanner(body)
	// Chunks can exceed the default scanner buffer when tool calls are
	// relayed; allow up to 1 MiB per event line.
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &eventStream{
		body:    body,
		scanner: scanner,
	}
}

// Recv returns the next chunk, io.EOF at the end of the stream, or an error
// describing a malformed or interrupted stream.
func (s *eventStream) Recv() (json.RawMessage, error) {
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		// Ignore event/id/retry fields; only data lines carry chunks.
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}

		data = strings.TrimSpace(data)
		if data == streamDone {
			s.Close()
			return nil, io.EOF
		}
		if !json.Valid([]byte(data)) {
			s.Close()
			return nil, fmt.Errorf("upstream sent invalid JSON chunk: %.80s", data)
		}
		return json.RawMessage(data), nil
	}

	if err := s.scanner.Err(); err != nil {
		s.Close()
		return nil, fmt.Errorf("read event stream: %w", err)
	}

	// Upstream closed the body without a [DONE] marker. Treat as a broken
	// stream rather than a normal end so callers surface the failure.
	s.Close()
	return nil, fmt.Errorf("event stream ended before completion: %w", io.ErrUnexpectedEOF)
}

// Close releases the underlying response body. Safe to call multiple times.
func (s *eventStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}
