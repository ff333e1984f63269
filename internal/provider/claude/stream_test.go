package claude

import (
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvChunk(t *testing.T, stream *eventStream) chunk {
	t.Helper()
	raw, err := stream.Recv()
	require.NoError(t, err)

	var c chunk
	require.NoError(t, json.Unmarshal(raw, &c))
	return c
}

func TestEventStreamReshapesAnthropicEvents(t *testing.T) {
	body := io.NopCloser(strings.NewReader(
		"event: message_start\n" +
			"data: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\"}}\n" +
			"\n" +
			"data: {\"type\":\"content_block_start\",\"index\":0}\n" +
			"\n" +
			"data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hel\"}}\n" +
			"\n" +
			"data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"lo\"}}\n" +
			"\n" +
			"data: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"}}\n" +
			"\n" +
			"data: {\"type\":\"message_stop\"}\n",
	))
	stream := newEventStream(body, "claude-sonnet-4")

	first := recvChunk(t, stream)
	assert.Equal(t, "msg_1", first.ID)
	assert.Equal(t, "chat.completion.chunk", first.Object)
	assert.Equal(t, "claude-sonnet-4", first.Model)
	require.Len(t, first.Choices, 1)
	assert.Equal(t, "Hel", first.Choices[0].Delta.Content)
	assert.Nil(t, first.Choices[0].FinishReason)

	second := recvChunk(t, stream)
	assert.Equal(t, "lo", second.Choices[0].Delta.Content)

	final := recvChunk(t, stream)
	require.NotNil(t, final.Choices[0].FinishReason)
	assert.Equal(t, "end_turn", *final.Choices[0].FinishReason)
	assert.Empty(t, final.Choices[0].Delta.Content)

	_, err := stream.Recv()
	assert.ErrorIs(t, err, io.EOF)

	// Recv after the terminal event stays terminal.
	_, err = stream.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestEventStreamErrorEvent(t *testing.T) {
	body := io.NopCloser(strings.NewReader(
		"data: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"try again\"}}\n",
	))
	stream := newEventStream(body, "claude-sonnet-4")

	_, err := stream.Recv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overloaded_error")
	assert.Contains(t, err.Error(), "try again")
}

func TestEventStreamTruncated(t *testing.T) {
	body := io.NopCloser(strings.NewReader(
		"data: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\"}}\n",
	))
	stream := newEventStream(body, "claude-sonnet-4")

	_, err := stream.Recv()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
