package gateway

import "sync"

// Directory is the process-wide table of live connections, keyed by the
// server-generated connection identity. Sessions add themselves when they
// open and remove themselves at teardown; Get exists as the extension point
// for addressing a connection from outside its own receive loop.
type Directory struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewDirectory constructs an empty connection directory.
func NewDirectory() *Directory {
	return &Directory{
		sessions: make(map[string]*Session),
	}
}

// Add records a session under its connection identity.
func (d *Directory) Add(id string, sess *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[id] = sess
}

// Remove drops the session for the given connection identity.
func (d *Directory) Remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, id)
}

// Get returns the session for a connection identity, if connected.
func (d *Directory) Get(id string) (*Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sess, ok := d.sessions[id]
	return sess, ok
}

// Len returns the number of live connections.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sessions)
}
