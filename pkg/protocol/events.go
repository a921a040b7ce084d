// Package protocol defines the wire format for events delivered from the
// gateway to connected clients, and the control frames clients may send back.
//
// All messages are JSON-encoded. Server-to-client traffic is always an
// Envelope; client-to-server traffic is always a ClientFrame.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventType identifies one of the agent lifecycle events.
type EventType string

const (
	EventAgentStarted  EventType = "agent_started"
	EventAgentThinking EventType = "agent_thinking"
	EventToolExecuting EventType = "tool_executing"
	EventToolCompleted EventType = "tool_completed"
	EventAgentDone     EventType = "agent_completed"
)

// eventTypes is the closed set of lifecycle events. Anything outside this set
// is a producer bug, rejected at the ingest boundary.
var eventTypes = map[EventType]bool{
	EventAgentStarted:  true,
	EventAgentThinking: true,
	EventToolExecuting: true,
	EventToolCompleted: true,
	EventAgentDone:     true,
}

// Valid reports whether t is a known lifecycle event type.
func (t EventType) Valid() bool {
	return eventTypes[t]
}

// Envelope is the immutable event value pushed to client connections.
// Sequence and Timestamp are assigned by the gateway at send time; producers
// leave them zero.
type Envelope struct {
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	ThreadID  string          `json:"thread_id,omitempty"`
	Sequence  int64           `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
}

var errNoRoutingKey = errors.New("envelope needs a user_id or thread_id routing key")

// Validate checks the producer-supplied fields of an envelope.
func (e *Envelope) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.UserID == "" && e.ThreadID == "" {
		return errNoRoutingKey
	}
	return nil
}

// --- Client → gateway control frames ---

const (
	FrameSubscribe   = "client.subscribe"
	FrameUnsubscribe = "client.unsubscribe"
)

// ClientFrame is a control message from a connected client. Subscribing joins
// the connection to a thread so that thread-scoped events reach it.
type ClientFrame struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
}
