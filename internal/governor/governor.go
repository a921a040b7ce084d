// Package governor defends the gateway against resource exhaustion. It gates
// admission against per-user and global connection limits, periodically scans
// for zombie connections, escalates through tiered emergency cleanup under
// sustained pressure, and reports resource usage.
package governor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentwire-ai/agentwire/internal/registry"
	"github.com/agentwire-ai/agentwire/internal/store"
)

// Config holds the governor's limits and cadence.
type Config struct {
	PerUserLimit int
	GlobalLimit  int
	ZombieTTL    time.Duration
	ScanInterval time.Duration
}

// DenialReason says why an admission was refused.
type DenialReason string

const (
	ReasonPerUserLimit DenialReason = "per_user_limit"
	ReasonGlobalLimit  DenialReason = "global_limit"
	// ReasonUnavailable is the fail-closed path: when limits cannot be
	// evaluated, admission is denied rather than silently allowed.
	ReasonUnavailable DenialReason = "unavailable"
)

// AdmissionDecision is the structured result of an admission check. Denial is
// a routine outcome, not an error.
type AdmissionDecision struct {
	Allowed bool         `json:"allowed"`
	Reason  DenialReason `json:"reason,omitempty"`
}

// PressureLevel classifies how close total connections are to the global limit.
type PressureLevel string

const (
	PressureLow      PressureLevel = "low"
	PressureMedium   PressureLevel = "medium"
	PressureHigh     PressureLevel = "high"
	PressureCritical PressureLevel = "critical"
)

// pressureFor derives the level from the load ratio.
func pressureFor(total, limit int) PressureLevel {
	if limit <= 0 {
		return PressureLow
	}
	ratio := float64(total) / float64(limit)
	switch {
	case ratio >= 0.95:
		return PressureCritical
	case ratio >= 0.80:
		return PressureHigh
	case ratio >= 0.50:
		return PressureMedium
	default:
		return PressureLow
	}
}

// ResourceStats is a read-only snapshot for operational visibility.
type ResourceStats struct {
	TotalConnections       int            `json:"total_connections"`
	ActiveConnections      int            `json:"active_connections"`
	ZombieConnections      int            `json:"zombie_connections"`
	QuarantinedConnections int            `json:"quarantined_connections"`
	ConnectionsPerUser     map[string]int `json:"connections_per_user"`
	OldestConnectionAge    float64        `json:"oldest_connection_age_seconds"`
	PressureLevel          PressureLevel  `json:"pressure_level"`
	CleanupTier            string         `json:"cleanup_tier"`
}

// Governor watches the registry and reclaims dead capacity. It never routes
// events itself; it only decides which connections stop existing.
type Governor struct {
	cfg      Config
	registry *registry.Registry
	store    store.Store
	logger   *slog.Logger

	// now is swappable for tests that age connections.
	now func() time.Time

	// tier state; guarded by mu since Report can race the scan loop.
	mu         sync.Mutex
	tier       CleanupTier
	highCycles int
}

// New creates a Governor. The store may be nil in tests; audit logging is
// skipped when it is.
func New(cfg Config, reg *registry.Registry, st store.Store, logger *slog.Logger) *Governor {
	return &Governor{
		cfg:      cfg,
		registry: reg,
		store:    st,
		logger:   logger.With("component", "governor"),
		now:      time.Now,
	}
}

// Admit checks whether a new connection for userID may be registered. Called
// before registry.Register. Fails closed: if the registry has poisoned itself
// after an invariant violation, nothing new gets in.
func (g *Governor) Admit(userID string) AdmissionDecision {
	if g.registry.Poisoned() {
		return AdmissionDecision{Allowed: false, Reason: ReasonUnavailable}
	}

	perUser := 0
	for _, c := range g.registry.ConnectionsForUser(userID) {
		if !c.Quarantined() {
			perUser++
		}
	}
	if g.cfg.PerUserLimit > 0 && perUser >= g.cfg.PerUserLimit {
		return AdmissionDecision{Allowed: false, Reason: ReasonPerUserLimit}
	}

	total := 0
	for _, c := range g.registry.All() {
		if !c.Quarantined() {
			total++
		}
	}
	if g.cfg.GlobalLimit > 0 && total >= g.cfg.GlobalLimit {
		return AdmissionDecision{Allowed: false, Reason: ReasonGlobalLimit}
	}

	return AdmissionDecision{Allowed: true}
}

// Report returns a snapshot of current resource usage.
func (g *Governor) Report() ResourceStats {
	conns := g.registry.All()
	now := g.now()

	stats := ResourceStats{
		ConnectionsPerUser: make(map[string]int),
	}
	var oldest time.Time

	for _, c := range conns {
		if c.Quarantined() {
			stats.QuarantinedConnections++
			continue
		}
		stats.TotalConnections++
		stats.ConnectionsPerUser[c.UserID]++
		if g.isZombie(c, now) {
			stats.ZombieConnections++
		} else {
			stats.ActiveConnections++
		}
		if oldest.IsZero() || c.CreatedAt.Before(oldest) {
			oldest = c.CreatedAt
		}
	}

	if !oldest.IsZero() {
		stats.OldestConnectionAge = now.Sub(oldest).Seconds()
	}
	stats.PressureLevel = pressureFor(stats.TotalConnections, g.cfg.GlobalLimit)
	stats.CleanupTier = g.currentTier().String()
	return stats
}

// Run is the governor's long-lived background loop: scan, adjust the cleanup
// tier with hysteresis, reclaim. Blocks until ctx is canceled.
func (g *Governor) Run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.ScanInterval)
	defer ticker.Stop()

	g.logger.Info("governor loop started",
		"scan_interval", g.cfg.ScanInterval,
		"zombie_ttl", g.cfg.ZombieTTL,
		"per_user_limit", g.cfg.PerUserLimit,
		"global_limit", g.cfg.GlobalLimit)

	for {
		select {
		case <-ctx.Done():
			g.logger.Info("governor loop stopped")
			return
		case <-ticker.C:
			g.runCycle(ctx)
		}
	}
}

// runCycle performs one scan pass.
func (g *Governor) runCycle(ctx context.Context) {
	pressure := pressureFor(g.countable(), g.cfg.GlobalLimit)
	tier := g.adjustTier(pressure)

	// Zombies are reclaimed on every pass; the tier only adds aggressiveness.
	effective := tier
	if effective < TierConservative {
		effective = TierConservative
	}

	report := g.RunEmergencyCleanup(ctx, effective)
	if report.ConnectionsCleaned > 0 || report.Quarantined > 0 {
		g.logger.Info("cleanup pass finished",
			"tier", effective.String(),
			"cleaned", report.ConnectionsCleaned,
			"quarantined", report.Quarantined,
			"freed_estimate", report.FreedEstimate,
			"pressure", pressure)
		g.audit(ctx, store.ActionCleanupRun, "", "",
			fmt.Sprintf(`{"tier":%q,"cleaned":%d,"quarantined":%d,"pressure":%q}`,
				effective.String(), report.ConnectionsCleaned, report.Quarantined, pressure))
	}
}

func (g *Governor) countable() int {
	n := 0
	for _, c := range g.registry.All() {
		if !c.Quarantined() {
			n++
		}
	}
	return n
}

// audit writes an audit event, best effort.
func (g *Governor) audit(ctx context.Context, action, userID, connID string, detail string) {
	if g.store == nil {
		return
	}
	var raw json.RawMessage
	if detail != "" {
		raw = json.RawMessage(detail)
	}
	err := g.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID:           uuid.New().String(),
		Action:       action,
		UserID:       userID,
		ConnectionID: connID,
		Detail:       raw,
		CreatedAt:    time.Now(),
	})
	if err != nil {
		g.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}
