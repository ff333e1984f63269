// Package gateway implements the persistent WebSocket surface: one long-lived
// connection carries many concurrent chat completion exchanges, each bound to
// a caller-supplied request_id, with streamed results demultiplexed back to
// the right exchange.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"gochat-gateway/internal/models"
)

// Completer is the external collaborator performing the actual generative
// work. A failure at any point, including mid-stream, is a domain error
// scoped to one exchange, never to the connection.
type Completer interface {
	Complete(ctx context.Context, req models.UnifiedChatRequest) (json.RawMessage, error)
	CompleteStream(ctx context.Context, req models.UnifiedChatRequest) (models.ChunkStream, error)
}

// CallerContextKey is the echo context key the auth layer stores the
// authenticated caller identity under.
const CallerContextKey = "gateway.caller"

// CallerIdentity returns the authenticated caller for the request, or
// "anonymous" when no auth layer is configured.
func CallerIdentity(c echo.Context) string {
	if caller, ok := c.Get(CallerContextKey).(string); ok && caller != "" {
		return caller
	}
	return "anonymous"
}

// Gateway accepts WebSocket connections and runs one Session per connection.
type Gateway struct {
	executor  *Executor
	directory *Directory
	metrics   *Metrics
	upgrader  websocket.Upgrader
	readLimit int64
}

// New constructs a gateway backed by the given collaborator. metrics may be
// nil; readLimit of zero keeps the transport default.
func New(completer Completer, metrics *Metrics, readLimit int64) *Gateway {
	return &Gateway{
		executor:  NewExecutor(completer),
		directory: NewDirectory(),
		metrics:   metrics,
		readLimit: readLimit,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Callers are non-browser clients authenticated by API key;
			// browser origin checks do not apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Directory exposes the process-wide connection table.
func (g *Gateway) Directory() *Directory {
	return g.directory
}

// HandleConnection upgrades the request and blocks for the lifetime of the
// connection. Mounted as an echo handler on the configured WebSocket path.
func (g *Gateway) HandleConnection(c echo.Context) error {
	conn, err := g.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		return nil
	}

	sess := newSession(conn, CallerIdentity(c), g.executor, g.directory, g.metrics, g.readLimit)
	sess.run()
	return nil
}
