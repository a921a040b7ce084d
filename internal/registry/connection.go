package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentwire-ai/agentwire/internal/transport"
)

// State is the lifecycle state of a connection.
type State string

const (
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

// Connection is one live client session. ID, UserID, and CreatedAt are fixed
// at admission; everything else is guarded by the connection's own mutex so
// subscription changes never contend with the registry lock.
type Connection struct {
	ID        string
	UserID    string
	Transport transport.Transport
	CreatedAt time.Time

	mu           sync.Mutex
	state        State
	threads      map[string]struct{}
	lastActivity time.Time
	suspect      bool
	quarantined  bool
}

// NewConnection creates a connection in the connecting state with a fresh ID.
func NewConnection(userID string, tr transport.Transport) *Connection {
	now := time.Now()
	return &Connection{
		ID:           uuid.New().String(),
		UserID:       userID,
		Transport:    tr,
		CreatedAt:    now,
		state:        StateConnecting,
		threads:      make(map[string]struct{}),
		lastActivity: now,
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState transitions the connection. Closed is terminal.
func (c *Connection) SetState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.state = s
}

// JoinThread subscribes the connection to a thread.
func (c *Connection) JoinThread(threadID string) {
	if threadID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threads[threadID] = struct{}{}
}

// LeaveThread drops a thread subscription.
func (c *Connection) LeaveThread(threadID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.threads, threadID)
}

// Subscribed reports whether the connection follows the given thread.
func (c *Connection) Subscribed(threadID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.threads[threadID]
	return ok
}

// ThreadCount returns the number of active thread subscriptions.
func (c *Connection) ThreadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.threads)
}

// Threads returns a snapshot of the subscription set.
func (c *Connection) Threads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.threads))
	for id := range c.threads {
		out = append(out, id)
	}
	return out
}

// Touch records a successful send as connection activity.
func (c *Connection) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()
}

// LastActivity returns the time of the last successful send.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// MarkSuspect flags the connection after a delivery failure. The governor,
// not the router, decides what to do with suspects.
func (c *Connection) MarkSuspect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suspect = true
}

// Suspect reports whether a delivery to this connection has failed.
func (c *Connection) Suspect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suspect
}

// Quarantine marks the connection as unreclaimable: its transport could not
// be closed cleanly, so it is excluded from routing and admission counts
// instead of being retried.
func (c *Connection) Quarantine() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quarantined = true
	c.state = StateClosed
}

// Quarantined reports whether the connection is in the quarantine terminal
// state.
func (c *Connection) Quarantined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quarantined
}

// Routable reports whether the connection should receive events.
func (c *Connection) Routable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.quarantined && (c.state == StateActive || c.state == StateConnecting)
}
