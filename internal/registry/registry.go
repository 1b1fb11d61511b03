package registry

import (
	"sort"
	"sync"
)

// Conn is the send side of a live client connection. Send must not block:
// implementations enqueue the payload and report an error when the peer can
// no longer accept frames.
type Conn interface {
	Send(payload []byte) error
}

// Entry pairs a bound user with their connection.
type Entry struct {
	UserID string
	Conn   Conn
}

// ConnRegistry maps each online user to their single live connection.
type ConnRegistry interface {
	Bind(userID string, conn Conn) (replaced bool)
	Unbind(userID string, conn Conn) bool
	Lookup(userID string) (Conn, bool)
	Snapshot() []Entry
	Len() int
}

// InMemoryRegistry is the process-local registry backed by a map.
type InMemoryRegistry struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

// NewInMemory builds an empty connection registry.
func NewInMemory() *InMemoryRegistry {
	return &InMemoryRegistry{
		conns: make(map[string]Conn),
	}
}

// Bind points userID at conn and reports whether a previous binding was
// displaced. The newest connection wins; a displaced connection is not
// closed, it simply becomes unreachable through the registry.
func (r *InMemoryRegistry) Bind(userID string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, replaced := r.conns[userID]
	r.conns[userID] = conn
	return replaced
}

// Unbind removes the binding only while conn still owns it. A connection
// displaced by a newer bind must not evict its successor during teardown.
func (r *InMemoryRegistry) Unbind(userID string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.conns[userID]
	if !ok || current != conn {
		return false
	}
	delete(r.conns, userID)
	return true
}

// Lookup fetches the live connection for a user. A miss means the user is
// offline, which is a normal outcome rather than an error.
func (r *InMemoryRegistry) Lookup(userID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[userID]
	return conn, ok
}

// Snapshot returns a stable copy of the current bindings, sorted by user ID,
// so fan-out can iterate without holding the lock.
func (r *InMemoryRegistry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.conns))
	for id, conn := range r.conns {
		out = append(out, Entry{UserID: id, Conn: conn})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Len reports the number of bound users.
func (r *InMemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.conns)
}
