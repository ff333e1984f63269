package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// SessionState tracks the connection lifecycle.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateOpen
	StateClosing
	StateClosed
)

// String returns the state name for logging.
func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrSessionClosed reports a frame dropped because the connection is no
// longer open.
var ErrSessionClosed = errors.New("session closed")

// Session owns one WebSocket connection: its receive loop, its correlation
// registry, and the serialization of all outbound writes. Exchanges run
// concurrently with the loop and with each other; the loop itself never
// blocks on an exchange.
type Session struct {
	id        string
	caller    string
	conn      *websocket.Conn
	executor  *Executor
	directory *Directory
	registry  *CorrelationRegistry
	metrics   *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	writeMu   sync.Mutex
	state     atomic.Int32
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newSession(conn *websocket.Conn, caller string, executor *Executor, directory *Directory, metrics *Metrics, readLimit int64) *Session {
	ctx, cancel := context.WithCancel(context.Background())

	if readLimit > 0 {
		conn.SetReadLimit(readLimit)
	}

	s := &Session{
		id:        uuid.NewString(),
		caller:    caller,
		conn:      conn,
		executor:  executor,
		directory: directory,
		registry:  NewCorrelationRegistry(),
		metrics:   metrics,
		ctx:       ctx,
		cancel:    cancel,
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// ID returns the server-generated connection identity.
func (s *Session) ID() string {
	return s.id
}

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// run drives the receive loop until the transport closes or faults, then
// tears the session down. Dispatch decisions are made in strict arrival
// order; the work they trigger is not waited on here.
func (s *Session) run() {
	s.state.Store(int32(StateOpen))
	s.directory.Add(s.id, s)
	s.metrics.connectionOpened()
	slog.Info("websocket client connected", "connection_id", s.id, "caller", s.caller)

	defer s.teardown()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if s.State() == StateOpen && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				slog.Warn("websocket read failed", "connection_id", s.id, "error", err)
			}
			return
		}
		s.dispatch(raw)
	}
}

func (s *Session) dispatch(raw []byte) {
	frame, err := DecodeFrame(raw)
	switch {
	case errors.Is(err, ErrMalformedEnvelope):
		s.metrics.frameReceived("malformed")
		token := ""
		if frame != nil {
			token = frame.RequestID
		}
		_ = s.sendError("invalid JSON frame", token)
		return
	case errors.Is(err, ErrUnknownFrameType):
		s.metrics.frameReceived("unknown")
		_ = s.sendError(fmt.Sprintf("unknown message type: %s", frame.Type), frame.RequestID)
		return
	case err != nil:
		s.metrics.frameReceived("invalid")
		_ = s.sendError(err.Error(), "")
		return
	}

	s.metrics.frameReceived(frame.Type)

	switch frame.Type {
	case TypePing:
		_ = s.send(responseFrame{Type: TypePong})
	case TypeChatCompletion:
		s.startExchange(frame.Request)
	}
}

// startExchange claims the correlation token and spawns the exchange. On a
// duplicate token the request is rejected with a correlated error and the
// exchange already holding the token keeps running.
func (s *Session) startExchange(req *ChatRequestFrame) {
	token := req.RequestID
	if token == "" {
		// Without a caller-supplied request_id the caller has no way to
		// correlate the response; generating one keeps the protocol total.
		token = uuid.NewString()
		req.RequestID = token
	}

	exCtx, cancel := context.WithCancel(s.ctx)
	if err := s.registry.Register(token, cancel); err != nil {
		cancel()
		_ = s.sendError(fmt.Sprintf("request_id %q is already in flight", token), token)
		return
	}

	ex := &Exchange{Token: token, Caller: s.caller, Request: req}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.executor.Run(exCtx, s, ex)
		s.metrics.exchangeFinished(exchangeMode(req), exchangeOutcome(ex))
	}()
}

func exchangeMode(req *ChatRequestFrame) string {
	if req.Stream {
		return "stream"
	}
	return "unary"
}

func exchangeOutcome(ex *Exchange) string {
	if ex.State() == ExchangeCompleted {
		return "completed"
	}
	return "failed"
}

// send serializes one outbound frame onto the transport. Writes from
// concurrent exchanges are mutually excluded so frames never interleave;
// frames for a session that has left Open are dropped.
func (s *Session) send(frame responseFrame) error {
	payload, err := encodeFrame(frame)
	if err != nil {
		slog.Error("drop unencodable frame", "connection_id", s.id, "error", err)
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.State() != StateOpen {
		return ErrSessionClosed
	}

	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		s.shutdown()
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (s *Session) sendChunk(token string, data json.RawMessage) error {
	return s.send(responseFrame{Type: TypeStreamChunk, RequestID: token, Data: data})
}

func (s *Session) sendStreamComplete(token string) error {
	return s.send(responseFrame{Type: TypeStreamComplete, RequestID: token})
}

func (s *Session) sendCompletion(token string, data json.RawMessage) error {
	return s.send(responseFrame{Type: TypeCompletion, RequestID: token, Data: data})
}

func (s *Session) sendError(message, token string) error {
	return s.send(responseFrame{Type: TypeError, RequestID: token, Error: message})
}

func (s *Session) release(token string) {
	s.registry.Unregister(token)
}

// shutdown forces the Open to Closing transition: in-flight exchanges are
// cancelled and the transport is closed so the receive loop unblocks.
// Idempotent.
func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		s.cancel()
		_ = s.conn.Close()
	})
}

// teardown finishes the Closing to Closed transition. Exchange goroutines
// are waited out (their late output was already dropped by send), the
// registry is cleared, and the connection identity is released.
func (s *Session) teardown() {
	s.shutdown()
	s.wg.Wait()
	s.registry.CancelAll()
	s.directory.Remove(s.id)
	s.state.Store(int32(StateClosed))
	s.metrics.connectionClosed()
	slog.Info("websocket client disconnected", "connection_id", s.id)
}
