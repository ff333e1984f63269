package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrameChatCompletion(t *testing.T) {
	raw := []byte(`{
		"type": "chat_completion",
		"request_id": "req-1",
		"model": "gpt-4o",
		"messages": [{"role": "user", "content": "hello"}],
		"temperature": 0.2,
		"max_tokens": 128,
		"top_p": 0.9,
		"metadata": {"trace": "abc"}
	}`)

	frame, err := DecodeFrame(raw)
	require.NoError(t, err)
	require.NotNil(t, frame.Request)

	req := frame.Request
	assert.Equal(t, "req-1", req.RequestID)
	assert.Equal(t, "gpt-4o", req.Model)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "user", req.Messages[0].Role)
	assert.Equal(t, "hello", req.Messages[0].Content)

	require.NotNil(t, req.Temperature)
	assert.InDelta(t, 0.2, *req.Temperature, 1e-9)
	require.NotNil(t, req.MaxTokens)
	assert.Equal(t, 128, *req.MaxTokens)

	// Unknown top-level keys pass through; protocol fields never do.
	assert.Equal(t, 0.9, req.Options["top_p"])
	assert.Equal(t, map[string]any{"trace": "abc"}, req.Options["metadata"])
	assert.NotContains(t, req.Options, "type")
	assert.NotContains(t, req.Options, "request_id")
	assert.NotContains(t, req.Options, "model")
	assert.NotContains(t, req.Options, "messages")
	assert.NotContains(t, req.Options, "stream")
	assert.NotContains(t, req.Options, "temperature")
	assert.NotContains(t, req.Options, "max_tokens")
}

func TestDecodeFrameStreamDefaults(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want bool
	}{
		{"omitted", `{"type":"chat_completion","model":"m","messages":[]}`, true},
		{"explicit true", `{"type":"chat_completion","model":"m","messages":[],"stream":true}`, true},
		{"explicit false", `{"type":"chat_completion","model":"m","messages":[],"stream":false}`, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := DecodeFrame([]byte(tc.raw))
			require.NoError(t, err)
			require.NotNil(t, frame.Request)
			assert.Equal(t, tc.want, frame.Request.Stream)
		})
	}
}

func TestDecodeFramePing(t *testing.T) {
	frame, err := DecodeFrame([]byte(`{"type":"ping"}`))
	require.NoError(t, err)
	assert.Equal(t, TypePing, frame.Type)
	assert.Nil(t, frame.Request)
}

func TestDecodeFrameMalformedJSON(t *testing.T) {
	frame, err := DecodeFrame([]byte(`{"type": "chat_completion",`))
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
	assert.Nil(t, frame)
}

func TestDecodeFrameBadRequestBody(t *testing.T) {
	// Envelope parses but the chat body does not; the request_id survives so
	// the rejection can still be correlated.
	frame, err := DecodeFrame([]byte(`{"type":"chat_completion","request_id":"req-7","messages":"nope"}`))
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
	require.NotNil(t, frame)
	assert.Equal(t, "req-7", frame.RequestID)
}

func TestDecodeFrameUnknownType(t *testing.T) {
	frame, err := DecodeFrame([]byte(`{"type":"bogus","request_id":"req-9"}`))
	assert.ErrorIs(t, err, ErrUnknownFrameType)
	require.NotNil(t, frame)
	assert.Equal(t, "bogus", frame.Type)
	assert.Equal(t, "req-9", frame.RequestID)
}

func TestDecodeFrameServerOnlyTypesRejected(t *testing.T) {
	// Response frame types are not valid inbound traffic.
	for _, frameType := range []string{TypeStreamChunk, TypeStreamComplete, TypeCompletion, TypeError, TypePong} {
		_, err := DecodeFrame([]byte(`{"type":"` + frameType + `"}`))
		assert.ErrorIs(t, err, ErrUnknownFrameType, "type %s", frameType)
	}
}
