// Package router fans out event envelopes to the connections selected by a
// routing key. Delivery to each connection is independent: one dead socket
// never blocks or aborts delivery to its siblings, and failures come back as
// data, not errors.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/agentwire-ai/agentwire/internal/registry"
	"github.com/agentwire-ai/agentwire/pkg/protocol"
)

// DeliveryResult reports the outcome of one fan-out. Zero successes is a
// routine state — the user may simply be offline — so it is never an error.
type DeliveryResult struct {
	Attempted           int      `json:"attempted"`
	Succeeded           int      `json:"succeeded"`
	FailedConnectionIDs []string `json:"failed_connection_ids,omitempty"`
}

// Options configures the Router.
type Options struct {
	// SendTimeout bounds each per-connection delivery (default 5s).
	SendTimeout time.Duration
}

// Router resolves recipients through the registry and delivers envelopes
// concurrently. It assigns per-target monotonic sequence numbers so a single
// recipient stream is always ordered.
type Router struct {
	registry    *registry.Registry
	logger      *slog.Logger
	sendTimeout time.Duration

	seqMu sync.Mutex
	seq   map[string]int64 // routing target -> last assigned sequence
}

// New creates a Router over the given registry.
func New(reg *registry.Registry, logger *slog.Logger, opts Options) *Router {
	timeout := opts.SendTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Router{
		registry:    reg,
		logger:      logger.With("component", "router"),
		sendTimeout: timeout,
		seq:         make(map[string]int64),
	}
}

// SendToUser delivers an envelope to every connection owned by userID.
func (rt *Router) SendToUser(ctx context.Context, userID string, env protocol.Envelope) DeliveryResult {
	env.UserID = userID
	return rt.deliver(ctx, rt.registry.ConnectionsForUser(userID), stampEnvelope(&env, rt.nextSeq("user:"+userID)))
}

// SendToThread delivers an envelope to every connection subscribed to threadID.
func (rt *Router) SendToThread(ctx context.Context, threadID string, env protocol.Envelope) DeliveryResult {
	env.ThreadID = threadID
	return rt.deliver(ctx, rt.registry.ConnectionsForThread(threadID), stampEnvelope(&env, rt.nextSeq("thread:"+threadID)))
}

// BroadcastToAll delivers an envelope to every registered connection. This is
// for system-wide operational notices only, never tenant data.
func (rt *Router) BroadcastToAll(ctx context.Context, env protocol.Envelope) DeliveryResult {
	return rt.deliver(ctx, rt.registry.All(), stampEnvelope(&env, rt.nextSeq("broadcast")))
}

// nextSeq assigns the next sequence for a routing target. The lock is held at
// envelope-construction time, so two sends issued in order by one caller can
// never reach a single connection out of relative sequence.
func (rt *Router) nextSeq(target string) int64 {
	rt.seqMu.Lock()
	defer rt.seqMu.Unlock()
	rt.seq[target]++
	return rt.seq[target]
}

func stampEnvelope(env *protocol.Envelope, seq int64) protocol.Envelope {
	env.Sequence = seq
	env.Timestamp = time.Now().UTC()
	return *env
}

// deliver serializes the envelope once and pushes it to each routable
// connection concurrently, each under its own timeout.
func (rt *Router) deliver(ctx context.Context, conns []*registry.Connection, env protocol.Envelope) DeliveryResult {
	recipients := conns[:0]
	for _, c := range conns {
		if c.Routable() {
			recipients = append(recipients, c)
		}
	}

	result := DeliveryResult{Attempted: len(recipients)}
	if len(recipients) == 0 {
		return result
	}

	data, err := json.Marshal(env)
	if err != nil {
		// A payload that cannot serialize fails every recipient the same way.
		// This is an envelope-level fault, not a connection-level one: the
		// sockets were never written to, so none is marked suspect.
		rt.logger.Warn("envelope marshal failed", "type", env.Type, "error", err)
		for _, c := range recipients {
			result.FailedConnectionIDs = append(result.FailedConnectionIDs, c.ID)
		}
		return result
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, c := range recipients {
		wg.Add(1)
		go func(c *registry.Connection) {
			defer wg.Done()

			sendCtx, cancel := context.WithTimeout(ctx, rt.sendTimeout)
			defer cancel()

			if err := c.Transport.Send(sendCtx, data); err != nil {
				c.MarkSuspect()
				rt.logger.Debug("event delivery failed",
					"connection_id", c.ID, "user_id", c.UserID, "type", env.Type, "error", err)
				mu.Lock()
				result.FailedConnectionIDs = append(result.FailedConnectionIDs, c.ID)
				mu.Unlock()
				return
			}

			c.Touch()
			mu.Lock()
			result.Succeeded++
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	return result
}
