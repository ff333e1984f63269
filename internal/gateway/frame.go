package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gochat-gateway/internal/models"
)

// Frame types exchanged over the persistent connection. chat_completion and
// ping arrive from the caller; the rest are server-to-caller responses.
const (
	TypeChatCompletion = "chat_completion"
	TypeStreamChunk    = "stream_chunk"
	TypeStreamComplete = "stream_complete"
	TypeCompletion     = "completion"
	TypeError          = "error"
	TypePing           = "ping"
	TypePong           = "pong"
)

// ErrMalformedEnvelope indicates the inbound frame is not well-formed JSON.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// ErrUnknownFrameType indicates the type discriminator is absent or not a
// frame type this gateway accepts from callers.
var ErrUnknownFrameType = errors.New("unknown frame type")

// Frame is a decoded inbound envelope. Request is populated only for
// chat_completion frames.
type Frame struct {
	Type      string
	RequestID string
	Request   *ChatRequestFrame
}

// DecodeFrame parses one inbound text frame. On ErrUnknownFrameType the
// returned frame still carries the type and any parseable request_id so the
// caller can correlate the rejection.
func DecodeFrame(raw []byte) (*Frame, error) {
	var envelope struct {
		Type      string `json:"type"`
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	frame := &Frame{Type: envelope.Type, RequestID: envelope.RequestID}

	switch envelope.Type {
	case TypeChatCompletion:
		var req ChatRequestFrame
		if err := json.Unmarshal(raw, &req); err != nil {
			return frame, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
		frame.Request = &req
		return frame, nil
	case TypePing:
		return frame, nil
	default:
		return frame, fmt.Errorf("%w: %q", ErrUnknownFrameType, envelope.Type)
	}
}

// ChatRequestFrame is the decoded body of a chat_completion frame. Named
// fields the protocol knows about are lifted out; every other top-level key
// is preserved in Options and forwarded to the collaborator untouched.
type ChatRequestFrame struct {
	RequestID   string
	Model       string
	Messages    []models.Message
	Stream      bool
	Temperature *float64
	MaxTokens   *int
	Options     map[string]any
}

// reservedRequestKeys are envelope/protocol fields that never land in the
// pass-through options bag.
var reservedRequestKeys = map[string]struct{}{
	"type":        {},
	"request_id":  {},
	"model":       {},
	"messages":    {},
	"stream":      {},
	"temperature": {},
	"max_tokens":  {},
}

// UnmarshalJSON lifts the known protocol fields and collects the remaining
// keys into the options bag.
func (r *ChatRequestFrame) UnmarshalJSON(data []byte) error {
	type alias struct {
		RequestID   string           `json:"request_id"`
		Model       string           `json:"model"`
		Messages    []models.Message `json:"messages"`
		Stream      *bool            `json:"stream"`
		Temperature *float64         `json:"temperature"`
		MaxTokens   *int             `json:"max_tokens"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode chat request: %w", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("decode chat request: %w", err)
	}

	r.RequestID = strings.TrimSpace(raw.RequestID)
	r.Model = strings.TrimSpace(raw.Model)
	r.Messages = raw.Messages
	// Streaming is the default delivery mode unless the caller opts out.
	r.Stream = raw.Stream == nil || *raw.Stream
	r.Temperature = raw.Temperature
	r.MaxTokens = raw.MaxTokens

	r.Options = make(map[string]any)
	for key, value := range fields {
		if _, reserved := reservedRequestKeys[key]; reserved {
			continue
		}
		var decoded any
		if err := json.Unmarshal(value, &decoded); err != nil {
			return fmt.Errorf("decode option %q: %w", key, err)
		}
		r.Options[key] = decoded
	}

	return nil
}

// responseFrame is the uniform outbound envelope. Encoding is a total
// projection for well-formed internal values; the error return exists only
// to surface a provider handing over invalid raw JSON.
type responseFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func encodeFrame(frame responseFrame) ([]byte, error) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", frame.Type, err)
	}
	return payload, nil
}
