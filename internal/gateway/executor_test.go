package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gochat-gateway/internal/models"
)

type hostEvent struct {
	kind    string
	token   string
	data    string
	message string
}

// recordingHost captures every frame an exchange emits, in emission order.
type recordingHost struct {
	mu       sync.Mutex
	events   []hostEvent
	chunkErr error
	released []string
}

func (h *recordingHost) record(ev hostEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *recordingHost) sendChunk(token string, data json.RawMessage) error {
	h.record(hostEvent{kind: TypeStreamChunk, token: token, data: string(data)})
	return h.chunkErr
}

func (h *recordingHost) sendStreamComplete(token string) error {
	h.record(hostEvent{kind: TypeStreamComplete, token: token})
	return nil
}

func (h *recordingHost) sendCompletion(token string, data json.RawMessage) error {
	h.record(hostEvent{kind: TypeCompletion, token: token, data: string(data)})
	return nil
}

func (h *recordingHost) sendError(message, token string) error {
	h.record(hostEvent{kind: TypeError, token: token, message: message})
	return nil
}

func (h *recordingHost) release(token string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released = append(h.released, token)
}

func (h *recordingHost) snapshot() []hostEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]hostEvent(nil), h.events...)
}

// scriptedCompleter returns canned results and counts invocations.
type scriptedCompleter struct {
	mu          sync.Mutex
	result      json.RawMessage
	err         error
	chunks      []json.RawMessage
	streamErr   error
	openErr     error
	calls       int
	lastRequest models.UnifiedChatRequest
}

func (c *scriptedCompleter) Complete(_ context.Context, req models.UnifiedChatRequest) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.lastRequest = req
	return c.result, c.err
}

func (c *scriptedCompleter) CompleteStream(_ context.Context, req models.UnifiedChatRequest) (models.ChunkStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.lastRequest = req
	if c.openErr != nil {
		return nil, c.openErr
	}
	return models.NewSliceStream(c.chunks, c.streamErr), nil
}

func (c *scriptedCompleter) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func chatExchange(token string, stream bool) *Exchange {
	return &Exchange{
		Token:  token,
		Caller: "tester",
		Request: &ChatRequestFrame{
			RequestID: token,
			Model:     "gpt-4o",
			Messages:  []models.Message{{Role: "user", Content: "hi"}},
			Stream:    stream,
		},
	}
}

func TestExecutorUnaryCompletion(t *testing.T) {
	completer := &scriptedCompleter{result: json.RawMessage(`{"id":"resp-1"}`)}
	host := &recordingHost{}
	ex := chatExchange("req-1", false)

	NewExecutor(completer).Run(context.Background(), host, ex)

	events := host.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, TypeCompletion, events[0].kind)
	assert.Equal(t, "req-1", events[0].token)
	assert.JSONEq(t, `{"id":"resp-1"}`, events[0].data)

	assert.Equal(t, ExchangeCompleted, ex.State())
	assert.Equal(t, []string{"req-1"}, host.released)
}

func TestExecutorUnaryFailure(t *testing.T) {
	completer := &scriptedCompleter{err: errors.New("upstream exploded")}
	host := &recordingHost{}
	ex := chatExchange("req-1", false)

	NewExecutor(completer).Run(context.Background(), host, ex)

	events := host.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, TypeError, events[0].kind)
	assert.Equal(t, "req-1", events[0].token)
	assert.Equal(t, "upstream exploded", events[0].message)
	assert.Equal(t, ExchangeFailed, ex.State())
	assert.Equal(t, []string{"req-1"}, host.released)
}

func TestExecutorStreamDeliversChunksInOrder(t *testing.T) {
	completer := &scriptedCompleter{
		chunks: []json.RawMessage{
			json.RawMessage(`{"n":1}`),
			json.RawMessage(`{"n":2}`),
			json.RawMessage(`{"n":3}`),
		},
	}
	host := &recordingHost{}
	ex := chatExchange("req-1", true)

	NewExecutor(completer).Run(context.Background(), host, ex)

	events := host.snapshot()
	require.Len(t, events, 4)
	for i, want := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		assert.Equal(t, TypeStreamChunk, events[i].kind)
		assert.JSONEq(t, want, events[i].data)
	}
	assert.Equal(t, TypeStreamComplete, events[3].kind)
	assert.Equal(t, ExchangeCompleted, ex.State())
}

func TestExecutorStreamMidFailure(t *testing.T) {
	completer := &scriptedCompleter{
		chunks:    []json.RawMessage{json.RawMessage(`{"n":1}`)},
		streamErr: errors.New("connection reset"),
	}
	host := &recordingHost{}
	ex := chatExchange("req-1", true)

	NewExecutor(completer).Run(context.Background(), host, ex)

	// The delivered chunk stands; the failure terminates with a correlated
	// error and no stream_complete.
	events := host.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, TypeStreamChunk, events[0].kind)
	assert.Equal(t, TypeError, events[1].kind)
	assert.Equal(t, "connection reset", events[1].message)
	assert.Equal(t, ExchangeFailed, ex.State())
	assert.Equal(t, []string{"req-1"}, host.released)
}

func TestExecutorStreamOpenFailure(t *testing.T) {
	completer := &scriptedCompleter{openErr: errors.New("no capacity")}
	host := &recordingHost{}
	ex := chatExchange("req-1", true)

	NewExecutor(completer).Run(context.Background(), host, ex)

	events := host.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, TypeError, events[0].kind)
	assert.Equal(t, "no capacity", events[0].message)
	assert.Equal(t, ExchangeFailed, ex.State())
}

func TestExecutorValidationSkipsCompleter(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*ChatRequestFrame)
		message string
	}{
		{"missing model", func(r *ChatRequestFrame) { r.Model = "" }, "model is required"},
		{"missing messages", func(r *ChatRequestFrame) { r.Messages = nil }, "messages are required"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			completer := &scriptedCompleter{}
			host := &recordingHost{}
			ex := chatExchange("req-1", true)
			tc.mutate(ex.Request)

			NewExecutor(completer).Run(context.Background(), host, ex)

			events := host.snapshot()
			require.Len(t, events, 1)
			assert.Equal(t, TypeError, events[0].kind)
			assert.Equal(t, tc.message, events[0].message)
			assert.Equal(t, "req-1", events[0].token)
			assert.Zero(t, completer.callCount())
			assert.Equal(t, ExchangeFailed, ex.State())
			assert.Equal(t, []string{"req-1"}, host.released)
		})
	}
}

func TestExecutorStopsWhenTransportGone(t *testing.T) {
	completer := &scriptedCompleter{
		chunks: []json.RawMessage{
			json.RawMessage(`{"n":1}`),
			json.RawMessage(`{"n":2}`),
		},
	}
	host := &recordingHost{chunkErr: ErrSessionClosed}
	ex := chatExchange("req-1", true)

	NewExecutor(completer).Run(context.Background(), host, ex)

	// One failed chunk write ends the exchange without further frames.
	events := host.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, TypeStreamChunk, events[0].kind)
	assert.Equal(t, ExchangeFailed, ex.State())
	assert.Equal(t, []string{"req-1"}, host.released)
}

func TestExchangeUnifiedRequest(t *testing.T) {
	temperature := 0.3
	maxTokens := 256
	ex := &Exchange{
		Token:  "req-1",
		Caller: "key-a",
		Request: &ChatRequestFrame{
			RequestID:   "req-1",
			Model:       "gpt-4o",
			Messages:    []models.Message{{Role: "user", Content: "hi"}},
			Stream:      true,
			Temperature: &temperature,
			MaxTokens:   &maxTokens,
			Options:     map[string]any{"top_p": 0.9},
		},
	}

	req := ex.unifiedRequest()
	assert.Equal(t, "gpt-4o", req.Model)
	assert.True(t, req.Stream)
	assert.Equal(t, 0.3, req.Options["temperature"])
	assert.Equal(t, 256, req.Options["max_tokens"])
	assert.Equal(t, 0.9, req.Options["top_p"])
	assert.Equal(t, "key-a", req.Options["user"])
}
