// Package registry is the authoritative record of live connections and who
// owns them. It keeps two indices — connection ID → connection, and user →
// connection ID set — that are mutated together under one lock so no reader
// can ever observe them disagreeing. Ownership is the tenant boundary:
// everything that prevents cross-user delivery starts here.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrInvariantViolation means the two indices were observed out of sync.
// This is a concurrency bug, not an operational condition: the registry
// poisons itself and refuses all further mutation rather than risk routing
// an event across a tenant boundary.
var ErrInvariantViolation = errors.New("registry index invariant violated")

// Registry holds all live connections for the process. Create one at startup
// and pass it explicitly to every component that needs it.
type Registry struct {
	logger *slog.Logger

	mu       sync.Mutex
	byID     map[string]*Connection
	byUser   map[string]map[string]struct{}
	poisoned bool
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger.With("component", "registry"),
		byID:   make(map[string]*Connection),
		byUser: make(map[string]map[string]struct{}),
	}
}

// Register adds a connection to both indices atomically. It enforces only
// structural invariants; admission limits are the governor's job and must
// have been checked before this call.
func (r *Registry) Register(c *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.poisoned {
		return ErrInvariantViolation
	}
	if _, exists := r.byID[c.ID]; exists {
		return fmt.Errorf("connection %s already registered", c.ID)
	}

	r.byID[c.ID] = c
	set, ok := r.byUser[c.UserID]
	if !ok {
		set = make(map[string]struct{})
		r.byUser[c.UserID] = set
	}
	set[c.ID] = struct{}{}

	return r.verifyLocked(c.ID, c.UserID)
}

// Remove deletes a connection from both indices atomically. Idempotent:
// returns false if the connection is already gone, and never errors on a
// double remove. A user whose last connection is removed loses their index
// key entirely so the map cannot grow without bound.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.poisoned {
		return false
	}

	c, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)

	if set, ok := r.byUser[c.UserID]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byUser, c.UserID)
		}
	}
	return true
}

// Has reports whether a connection ID is currently registered.
func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byID[id]
	return ok
}

// Get returns a registered connection by ID.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	return c, ok
}

// ConnectionsForUser returns a snapshot of the user's connections. The slice
// is a copy; callers never hold the registry lock while doing I/O.
func (r *Registry) ConnectionsForUser(userID string) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.byUser[userID]
	out := make([]*Connection, 0, len(set))
	for id := range set {
		c, ok := r.byID[id]
		if !ok {
			r.poisonLocked(id, userID)
			return nil
		}
		out = append(out, c)
	}
	return out
}

// ConnectionsForThread returns a snapshot of every connection subscribed to
// the thread. Linear scan; fine at current fan-out.
func (r *Registry) ConnectionsForThread(threadID string) []*Connection {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.byID))
	for _, c := range r.byID {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	out := conns[:0]
	for _, c := range conns {
		if c.Subscribed(threadID) {
			out = append(out, c)
		}
	}
	return out
}

// All returns a snapshot of every registered connection.
func (r *Registry) All() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Connection, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// Poisoned reports whether the registry has failed closed after an invariant
// violation. Admission must be denied while this is true.
func (r *Registry) Poisoned() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.poisoned
}

// verifyLocked cross-checks the two indices for one connection after a
// mutation. Must be called with the lock held.
func (r *Registry) verifyLocked(id, userID string) error {
	c, inID := r.byID[id]
	set, inUser := r.byUser[userID]
	if !inID || !inUser {
		r.poisonLocked(id, userID)
		return ErrInvariantViolation
	}
	if _, ok := set[id]; !ok || c.UserID != userID {
		r.poisonLocked(id, userID)
		return ErrInvariantViolation
	}
	return nil
}

func (r *Registry) poisonLocked(id, userID string) {
	r.poisoned = true
	r.logger.Error("registry indices out of sync, refusing all further mutation",
		"connection_id", id, "user_id", userID)
}
