// Package store defines the persistence interface for the gateway and
// provides SQLite and PostgreSQL implementations. The gateway's live state
// is all in memory; the store only carries the audit trail of connection
// lifecycle and cleanup decisions.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the persistence interface for the gateway.
type Store interface {
	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// AuditEvent is a log entry for one connection-lifecycle or cleanup action.
type AuditEvent struct {
	ID           string          `json:"id"`
	Action       string          `json:"action"`
	UserID       string          `json:"user_id,omitempty"`
	ConnectionID string          `json:"connection_id,omitempty"`
	ThreadID     string          `json:"thread_id,omitempty"`
	Detail       json.RawMessage `json:"detail,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Audit actions recorded by the gateway.
const (
	ActionConnectionAdmitted    = "connection.admitted"
	ActionConnectionDenied      = "connection.denied"
	ActionConnectionClosed      = "connection.closed"
	ActionConnectionQuarantined = "connection.quarantined"
	ActionCleanupRun            = "cleanup.run"
	ActionGatewayStart          = "gateway.start"
)

// AuditFilter specifies criteria for listing audit events.
type AuditFilter struct {
	Action       string
	UserID       string
	ConnectionID string
	Limit        int
	Offset       int
}
