package models

import (
	"encoding/json"
	"io"
)

// Message represents a single conversational message in the unified schema.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// UnifiedChatRequest is the canonical representation of a chat completion.
type UnifiedChatRequest struct {
	Model    string
	Messages []Message
	Stream   bool
	Options  map[string]any
}

// UnifiedChatResponse captures a provider response in the unified schema.
type UnifiedChatResponse struct {
	Message      Message
	Usage        Usage
	FinishReason string
	ID           string
}

// UnifiedCompletionRequest represents a text completion style request.
type UnifiedCompletionRequest struct {
	Model       string
	Prompt      string
	Stream      bool
	MaxTokens   int
	Temperature float64
	Options     map[string]any
}

// UnifiedCompletionResponse captures a completion-style response.
type UnifiedCompletionResponse struct {
	Text         string
	Usage        Usage
	FinishReason string
	ID           string
}

// Usage records token accounting information.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Model identifies a known model with provider metadata.
type Model struct {
	ID       string
	Provider string
	APIStyle string
}

// ChunkStream yields the incremental results of a streaming chat completion.
// Recv returns io.EOF once the stream has ended normally; any other error
// means the stream failed and no further chunks will be produced. Chunk
// payloads are opaque JSON objects passed through from the provider without
// schema validation.
type ChunkStream interface {
	Recv() (json.RawMessage, error)
	Close() error
}

// SliceStream is a ChunkStream backed by an in-memory chunk slice. Providers
// that buffer a full response use it, as do tests that need a scripted stream.
type SliceStream struct {
	chunks []json.RawMessage
	pos    int
	err    error
}

// NewSliceStream builds a stream over the given chunks. If err is non-nil it
// is returned once the chunks are exhausted, in place of io.EOF.
func NewSliceStream(chunks []json.RawMessage, err error) *SliceStream {
	return &SliceStream{chunks: chunks, err: err}
}

// Recv implements ChunkStream.
func (s *SliceStream) Recv() (json.RawMessage, error) {
	if s.pos >= len(s.chunks) {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

// Close implements ChunkStream.
func (s *SliceStream) Close() error {
	s.pos = len(s.chunks)
	return nil
}
