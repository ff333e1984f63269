package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gochat-gateway/internal/models"
)

// funcCompleter delegates to configurable functions so each test can script
// the collaborator's behaviour.
type funcCompleter struct {
	complete       func(ctx context.Context, req models.UnifiedChatRequest) (json.RawMessage, error)
	completeStream func(ctx context.Context, req models.UnifiedChatRequest) (models.ChunkStream, error)
}

func (c *funcCompleter) Complete(ctx context.Context, req models.UnifiedChatRequest) (json.RawMessage, error) {
	if c.complete == nil {
		return json.RawMessage(`{}`), nil
	}
	return c.complete(ctx, req)
}

func (c *funcCompleter) CompleteStream(ctx context.Context, req models.UnifiedChatRequest) (models.ChunkStream, error) {
	if c.completeStream == nil {
		return models.NewSliceStream(nil, nil), nil
	}
	return c.completeStream(ctx, req)
}

// ctxStream blocks in Recv until its exchange context is cancelled. Used to
// model a generation in flight when the connection drops.
type ctxStream struct {
	ctx       context.Context
	cancelled chan<- struct{}
}

func (s *ctxStream) Recv() (json.RawMessage, error) {
	<-s.ctx.Done()
	if s.cancelled != nil {
		s.cancelled <- struct{}{}
	}
	return nil, s.ctx.Err()
}

func (s *ctxStream) Close() error { return nil }

type wireFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
}

func dialGateway(t *testing.T, completer Completer) (*Gateway, *websocket.Conn) {
	t.Helper()

	gw := New(completer, nil, 0)
	e := echo.New()
	e.GET("/v1/ws", gw.HandleConnection)

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	return gw, conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, payload string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))
}

func readFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame wireFrame
	require.NoError(t, json.Unmarshal(raw, &frame))
	return frame
}

func TestSessionPingPong(t *testing.T) {
	_, conn := dialGateway(t, &funcCompleter{})

	sendJSON(t, conn, `{"type":"ping"}`)
	frame := readFrame(t, conn)
	assert.Equal(t, TypePong, frame.Type)
}

func TestSessionUnknownTypeKeepsConnection(t *testing.T) {
	_, conn := dialGateway(t, &funcCompleter{})

	sendJSON(t, conn, `{"type":"bogus","request_id":"req-1"}`)
	frame := readFrame(t, conn)
	assert.Equal(t, TypeError, frame.Type)
	assert.Equal(t, "req-1", frame.RequestID)
	assert.Equal(t, "unknown message type: bogus", frame.Error)

	// The connection survives the rejection.
	sendJSON(t, conn, `{"type":"ping"}`)
	frame = readFrame(t, conn)
	assert.Equal(t, TypePong, frame.Type)
}

func TestSessionMalformedFrame(t *testing.T) {
	_, conn := dialGateway(t, &funcCompleter{})

	sendJSON(t, conn, `{"type":"ping"`)
	frame := readFrame(t, conn)
	assert.Equal(t, TypeError, frame.Type)
	assert.Equal(t, "invalid JSON frame", frame.Error)

	sendJSON(t, conn, `{"type":"ping"}`)
	frame = readFrame(t, conn)
	assert.Equal(t, TypePong, frame.Type)
}

func TestSessionUnaryExchange(t *testing.T) {
	completer := &funcCompleter{
		complete: func(_ context.Context, req models.UnifiedChatRequest) (json.RawMessage, error) {
			return json.RawMessage(`{"id":"resp-1","model":"` + req.Model + `"}`), nil
		},
	}
	_, conn := dialGateway(t, completer)

	sendJSON(t, conn, `{"type":"chat_completion","request_id":"req-1","model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"stream":false}`)

	frame := readFrame(t, conn)
	assert.Equal(t, TypeCompletion, frame.Type)
	assert.Equal(t, "req-1", frame.RequestID)
	assert.JSONEq(t, `{"id":"resp-1","model":"gpt-4o"}`, string(frame.Data))
}

func TestSessionStreamingExchange(t *testing.T) {
	completer := &funcCompleter{
		completeStream: func(context.Context, models.UnifiedChatRequest) (models.ChunkStream, error) {
			return models.NewSliceStream([]json.RawMessage{
				json.RawMessage(`{"n":1}`),
				json.RawMessage(`{"n":2}`),
			}, nil), nil
		},
	}
	_, conn := dialGateway(t, completer)

	sendJSON(t, conn, `{"type":"chat_completion","request_id":"req-1","model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)

	for _, want := range []string{`{"n":1}`, `{"n":2}`} {
		frame := readFrame(t, conn)
		assert.Equal(t, TypeStreamChunk, frame.Type)
		assert.Equal(t, "req-1", frame.RequestID)
		assert.JSONEq(t, want, string(frame.Data))
	}

	frame := readFrame(t, conn)
	assert.Equal(t, TypeStreamComplete, frame.Type)
	assert.Equal(t, "req-1", frame.RequestID)
}

func TestSessionValidationError(t *testing.T) {
	_, conn := dialGateway(t, &funcCompleter{})

	sendJSON(t, conn, `{"type":"chat_completion","request_id":"req-1","messages":[{"role":"user","content":"hi"}]}`)
	frame := readFrame(t, conn)
	assert.Equal(t, TypeError, frame.Type)
	assert.Equal(t, "req-1", frame.RequestID)
	assert.Equal(t, "model is required", frame.Error)

	sendJSON(t, conn, `{"type":"chat_completion","request_id":"req-2","model":"gpt-4o"}`)
	frame = readFrame(t, conn)
	assert.Equal(t, TypeError, frame.Type)
	assert.Equal(t, "req-2", frame.RequestID)
	assert.Equal(t, "messages are required", frame.Error)
}

func TestSessionGeneratesRequestID(t *testing.T) {
	completer := &funcCompleter{
		complete: func(context.Context, models.UnifiedChatRequest) (json.RawMessage, error) {
			return json.RawMessage(`{"id":"resp-1"}`), nil
		},
	}
	_, conn := dialGateway(t, completer)

	sendJSON(t, conn, `{"type":"chat_completion","model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"stream":false}`)

	frame := readFrame(t, conn)
	assert.Equal(t, TypeCompletion, frame.Type)
	assert.NotEmpty(t, frame.RequestID)
}

func TestSessionDuplicateTokenRejected(t *testing.T) {
	gate := make(chan struct{})
	completer := &funcCompleter{
		complete: func(ctx context.Context, _ models.UnifiedChatRequest) (json.RawMessage, error) {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return json.RawMessage(`{"id":"resp-1"}`), nil
		},
	}
	_, conn := dialGateway(t, completer)

	request := `{"type":"chat_completion","request_id":"dup","model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"stream":false}`
	sendJSON(t, conn, request)
	sendJSON(t, conn, request)

	// The second claim on the token fails while the first is in flight.
	frame := readFrame(t, conn)
	assert.Equal(t, TypeError, frame.Type)
	assert.Equal(t, "dup", frame.RequestID)
	assert.Equal(t, `request_id "dup" is already in flight`, frame.Error)

	// The original exchange is unaffected.
	close(gate)
	frame = readFrame(t, conn)
	assert.Equal(t, TypeCompletion, frame.Type)
	assert.Equal(t, "dup", frame.RequestID)

	// Completion released the token for reuse.
	sendJSON(t, conn, request)
	frame = readFrame(t, conn)
	assert.Equal(t, TypeCompletion, frame.Type)
	assert.Equal(t, "dup", frame.RequestID)
}

func TestSessionConcurrentExchangesCorrelate(t *testing.T) {
	completer := &funcCompleter{
		completeStream: func(_ context.Context, req models.UnifiedChatRequest) (models.ChunkStream, error) {
			return models.NewSliceStream([]json.RawMessage{
				json.RawMessage(fmt.Sprintf(`{"model":%q,"n":1}`, req.Model)),
				json.RawMessage(fmt.Sprintf(`{"model":%q,"n":2}`, req.Model)),
			}, nil), nil
		},
	}
	_, conn := dialGateway(t, completer)

	sendJSON(t, conn, `{"type":"chat_completion","request_id":"req-a","model":"model-a","messages":[{"role":"user","content":"hi"}]}`)
	sendJSON(t, conn, `{"type":"chat_completion","request_id":"req-b","model":"model-b","messages":[{"role":"user","content":"hi"}]}`)

	// Frames from the two exchanges may interleave arbitrarily, but within
	// one token chunks arrive in order and stream_complete arrives last.
	chunksByToken := map[string][]string{}
	completed := map[string]bool{}
	for len(completed) < 2 {
		frame := readFrame(t, conn)
		switch frame.Type {
		case TypeStreamChunk:
			assert.False(t, completed[frame.RequestID], "chunk after stream_complete for %s", frame.RequestID)
			chunksByToken[frame.RequestID] = append(chunksByToken[frame.RequestID], string(frame.Data))
		case TypeStreamComplete:
			completed[frame.RequestID] = true
		default:
			t.Fatalf("unexpected frame type %s", frame.Type)
		}
	}

	model := map[string]string{"req-a": "model-a", "req-b": "model-b"}
	for token, chunks := range chunksByToken {
		require.Len(t, chunks, 2, "token %s", token)
		assert.JSONEq(t, fmt.Sprintf(`{"model":%q,"n":1}`, model[token]), chunks[0])
		assert.JSONEq(t, fmt.Sprintf(`{"model":%q,"n":2}`, model[token]), chunks[1])
	}
}

func TestSessionDisconnectCancelsExchanges(t *testing.T) {
	cancelled := make(chan struct{}, 2)
	completer := &funcCompleter{
		completeStream: func(ctx context.Context, _ models.UnifiedChatRequest) (models.ChunkStream, error) {
			return &ctxStream{ctx: ctx, cancelled: cancelled}, nil
		},
	}
	gw, conn := dialGateway(t, completer)

	sendJSON(t, conn, `{"type":"chat_completion","request_id":"req-a","model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	sendJSON(t, conn, `{"type":"chat_completion","request_id":"req-b","model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)

	require.Eventually(t, func() bool {
		return gw.Directory().Len() == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())

	// Teardown signals both in-flight exchanges to stop.
	for i := 0; i < 2; i++ {
		select {
		case <-cancelled:
		case <-time.After(5 * time.Second):
			t.Fatal("exchange was not cancelled after disconnect")
		}
	}

	// The connection identity is released once the exchanges drain.
	require.Eventually(t, func() bool {
		return gw.Directory().Len() == 0
	}, 5*time.Second, 10*time.Millisecond)
}
