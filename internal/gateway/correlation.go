package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrDuplicateToken indicates a request_id is already in flight on the
// connection.
var ErrDuplicateToken = errors.New("duplicate request_id")

// CorrelationRegistry tracks the correlation tokens of the exchanges
// currently active on a single connection, together with each exchange's
// cancel function. It is shared between the receive loop and completing
// exchanges and therefore guarded by a mutex.
type CorrelationRegistry struct {
	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewCorrelationRegistry constructs an empty registry.
func NewCorrelationRegistry() *CorrelationRegistry {
	return &CorrelationRegistry{
		active: make(map[string]context.CancelFunc),
	}
}

// Register claims the token for a new exchange. It fails with
// ErrDuplicateToken while another exchange holds the same token; the prior
// exchange is left untouched.
func (r *CorrelationRegistry) Register(token string, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.active[token]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateToken, token)
	}
	r.active[token] = cancel
	return nil
}

// Unregister releases the token and cancels the exchange's context. It is
// idempotent; releasing frees the token for reuse by a later exchange.
func (r *CorrelationRegistry) Unregister(token string) {
	r.mu.Lock()
	cancel, exists := r.active[token]
	delete(r.active, token)
	r.mu.Unlock()

	if exists && cancel != nil {
		cancel()
	}
}

// Active reports whether the token currently belongs to an exchange.
func (r *CorrelationRegistry) Active(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.active[token]
	return exists
}

// Len returns the number of active exchanges.
func (r *CorrelationRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// CancelAll cancels every active exchange and clears the registry. Used at
// connection teardown.
func (r *CorrelationRegistry) CancelAll() {
	r.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(r.active))
	for _, cancel := range r.active {
		if cancel != nil {
			cancels = append(cancels, cancel)
		}
	}
	r.active = make(map[string]context.CancelFunc)
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}
