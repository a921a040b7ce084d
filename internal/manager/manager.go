// Package manager is the single entry point collaborators use to admit
// connections and push events. It composes the registry, router, and
// governor, and owns the governor loop's lifecycle.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentwire-ai/agentwire/internal/governor"
	"github.com/agentwire-ai/agentwire/internal/registry"
	"github.com/agentwire-ai/agentwire/internal/router"
	"github.com/agentwire-ai/agentwire/internal/store"
	"github.com/agentwire-ai/agentwire/internal/transport"
	"github.com/agentwire-ai/agentwire/pkg/protocol"
)

// AdmissionDeniedError reports a refused admission. Expected and non-fatal:
// the caller decides whether to retry or reject the transport.
type AdmissionDeniedError struct {
	Reason governor.DenialReason
}

func (e *AdmissionDeniedError) Error() string {
	return fmt.Sprintf("admission denied: %s", e.Reason)
}

// Manager wires the connection registry, event router, and resource governor
// into one facade.
type Manager struct {
	registry *registry.Registry
	router   *router.Router
	governor *governor.Governor
	store    store.Store
	logger   *slog.Logger

	// admitMu serializes the limit check and the registry insert. Without it,
	// concurrent admissions for one user could all pass the count check before
	// any of them registers, landing the user over their limit.
	admitMu sync.Mutex
}

// New composes a Manager from its parts. The store may be nil in tests.
func New(reg *registry.Registry, rt *router.Router, gov *governor.Governor, st store.Store, logger *slog.Logger) *Manager {
	return &Manager{
		registry: reg,
		router:   rt,
		governor: gov,
		store:    st,
		logger:   logger.With("component", "manager"),
	}
}

// AdmitAndRegister admits a connection for a pre-verified user and records it.
// The limit check and the registry insert happen atomically with respect to
// other admissions; a denial comes back as *AdmissionDeniedError.
func (m *Manager) AdmitAndRegister(ctx context.Context, userID, threadID string, tr transport.Transport) (string, error) {
	m.admitMu.Lock()
	decision := m.governor.Admit(userID)
	if !decision.Allowed {
		m.admitMu.Unlock()
		m.logger.Info("admission denied", "user_id", userID, "reason", decision.Reason)
		m.audit(ctx, store.ActionConnectionDenied, userID, "", threadID,
			fmt.Sprintf(`{"reason":%q}`, decision.Reason))
		return "", &AdmissionDeniedError{Reason: decision.Reason}
	}

	c := registry.NewConnection(userID, tr)
	if threadID != "" {
		c.JoinThread(threadID)
	}
	c.SetState(registry.StateActive)

	err := m.registry.Register(c)
	m.admitMu.Unlock()
	if err != nil {
		return "", fmt.Errorf("register connection: %w", err)
	}

	m.logger.Info("connection admitted", "connection_id", c.ID, "user_id", userID, "thread_id", threadID)
	m.audit(ctx, store.ActionConnectionAdmitted, userID, c.ID, threadID, "")
	return c.ID, nil
}

// SendToUser delivers an envelope to all of a user's connections.
func (m *Manager) SendToUser(ctx context.Context, userID string, env protocol.Envelope) router.DeliveryResult {
	return m.router.SendToUser(ctx, userID, env)
}

// SendToThread delivers an envelope to all connections subscribed to a thread.
func (m *Manager) SendToThread(ctx context.Context, threadID string, env protocol.Envelope) router.DeliveryResult {
	return m.router.SendToThread(ctx, threadID, env)
}

// Broadcast delivers a system-wide notice to every connection.
func (m *Manager) Broadcast(ctx context.Context, env protocol.Envelope) router.DeliveryResult {
	return m.router.BroadcastToAll(ctx, env)
}

// CloseConnection closes one connection and removes it from the registry.
// Idempotent: returns false if the connection was already gone. A transport
// that refuses to close is handed to the governor's quarantine path.
func (m *Manager) CloseConnection(ctx context.Context, connID string) bool {
	c, ok := m.registry.Get(connID)
	if !ok {
		return false
	}

	c.SetState(registry.StateClosing)
	if err := c.Transport.Close(); err != nil {
		m.logger.Warn("transport close failed on explicit close",
			"connection_id", connID, "error", err)
		m.governor.CleanupFailureRecovery(connID)
		return true
	}

	c.SetState(registry.StateClosed)
	removed := m.registry.Remove(connID)
	if removed {
		m.logger.Info("connection closed", "connection_id", connID, "user_id", c.UserID)
		m.audit(ctx, store.ActionConnectionClosed, c.UserID, connID, "", `{"by":"caller"}`)
	}
	return removed
}

// CloseAll closes every registered connection. Used during shutdown so peers
// get a close frame instead of a reset.
func (m *Manager) CloseAll(ctx context.Context) int {
	n := 0
	for _, c := range m.registry.All() {
		if c.Quarantined() {
			continue
		}
		if m.CloseConnection(ctx, c.ID) {
			n++
		}
	}
	return n
}

// JoinThread subscribes a connection to a thread. Returns false if the
// connection is unknown.
func (m *Manager) JoinThread(connID, threadID string) bool {
	c, ok := m.registry.Get(connID)
	if !ok {
		return false
	}
	c.JoinThread(threadID)
	return true
}

// LeaveThread removes a connection's thread subscription.
func (m *Manager) LeaveThread(connID, threadID string) bool {
	c, ok := m.registry.Get(connID)
	if !ok {
		return false
	}
	c.LeaveThread(threadID)
	return true
}

// Stats returns the governor's resource snapshot.
func (m *Manager) Stats() governor.ResourceStats {
	return m.governor.Report()
}

// Run starts the governor's background loop and blocks until ctx is canceled.
func (m *Manager) Run(ctx context.Context) {
	m.governor.Run(ctx)
}

func (m *Manager) audit(ctx context.Context, action, userID, connID, threadID, detail string) {
	if m.store == nil {
		return
	}
	var raw json.RawMessage
	if detail != "" {
		raw = json.RawMessage(detail)
	}
	err := m.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID:           uuid.New().String(),
		Action:       action,
		UserID:       userID,
		ConnectionID: connID,
		ThreadID:     threadID,
		Detail:       raw,
		CreatedAt:    time.Now(),
	})
	if err != nil {
		m.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}
