package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync/atomic"

	"gochat-gateway/internal/models"
)

// ExchangeState tracks the lifecycle of one exchange.
type ExchangeState int32

const (
	ExchangePending ExchangeState = iota
	ExchangeRunning
	ExchangeCompleted
	ExchangeFailed
)

// Exchange is one logical unit of work multiplexed over a connection,
// identified by its caller-supplied correlation token.
type Exchange struct {
	Token   string
	Caller  string
	Request *ChatRequestFrame

	state atomic.Int32
}

// State returns the exchange's current lifecycle state.
func (ex *Exchange) State() ExchangeState {
	return ExchangeState(ex.state.Load())
}

func (ex *Exchange) setState(state ExchangeState) {
	ex.state.Store(int32(state))
}

// unifiedRequest lowers the wire request into the canonical schema consumed
// by the collaborator. Generation parameters join the pass-through options
// bag, and the caller identity travels as the user option.
func (ex *Exchange) unifiedRequest() models.UnifiedChatRequest {
	options := make(map[string]any, len(ex.Request.Options)+3)
	for k, v := range ex.Request.Options {
		options[k] = v
	}
	if ex.Request.Temperature != nil {
		options["temperature"] = *ex.Request.Temperature
	}
	if ex.Request.MaxTokens != nil {
		options["max_tokens"] = *ex.Request.MaxTokens
	}
	if ex.Caller != "" {
		options["user"] = ex.Caller
	}

	return models.UnifiedChatRequest{
		Model:    ex.Request.Model,
		Messages: ex.Request.Messages,
		Stream:   ex.Request.Stream,
		Options:  options,
	}
}

// exchangeHost is the view of a session an exchange needs: serialized frame
// emission and registry release.
type exchangeHost interface {
	sendChunk(token string, data json.RawMessage) error
	sendStreamComplete(token string) error
	sendCompletion(token string, data json.RawMessage) error
	sendError(message, token string) error
	release(token string)
}

// Executor runs exchanges against the collaborator and relays their outcome
// frames through the owning session.
type Executor struct {
	completer Completer
}

// NewExecutor constructs an executor backed by the given collaborator.
func NewExecutor(completer Completer) *Executor {
	return &Executor{completer: completer}
}

// Run performs one exchange to its terminal frame. Exactly one terminal
// frame (completion, stream_complete, or error) is emitted, after which the
// token is released for reuse. Run never touches the collaborator when the
// request fails validation.
func (e *Executor) Run(ctx context.Context, host exchangeHost, ex *Exchange) {
	defer host.release(ex.Token)

	if ex.Request.Model == "" {
		ex.setState(ExchangeFailed)
		_ = host.sendError("model is required", ex.Token)
		return
	}
	if len(ex.Request.Messages) == 0 {
		ex.setState(ExchangeFailed)
		_ = host.sendError("messages are required", ex.Token)
		return
	}

	ex.setState(ExchangeRunning)
	req := ex.unifiedRequest()

	if req.Stream {
		e.runStream(ctx, host, ex, req)
		return
	}

	data, err := e.completer.Complete(ctx, req)
	if err != nil {
		ex.setState(ExchangeFailed)
		_ = host.sendError(err.Error(), ex.Token)
		return
	}

	ex.setState(ExchangeCompleted)
	_ = host.sendCompletion(ex.Token, data)
}

// runStream relays each chunk as its own frame. A mid-stream failure turns
// into one correlated error frame; chunks already delivered are not
// retracted.
func (e *Executor) runStream(ctx context.Context, host exchangeHost, ex *Exchange, req models.UnifiedChatRequest) {
	stream, err := e.completer.CompleteStream(ctx, req)
	if err != nil {
		ex.setState(ExchangeFailed)
		_ = host.sendError(err.Error(), ex.Token)
		return
	}
	defer stream.Close()

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			ex.setState(ExchangeCompleted)
			_ = host.sendStreamComplete(ex.Token)
			return
		}
		if err != nil {
			ex.setState(ExchangeFailed)
			_ = host.sendError(err.Error(), ex.Token)
			return
		}

		if err := host.sendChunk(ex.Token, chunk); err != nil {
			// Transport gone; the session is already tearing down.
			ex.setState(ExchangeFailed)
			return
		}
	}
}
