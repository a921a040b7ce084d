package governor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/agentwire-ai/agentwire/internal/registry"
	"github.com/agentwire-ai/agentwire/internal/store"
)

// CleanupTier is the escalating aggressiveness of resource reclamation.
type CleanupTier int

const (
	TierNone CleanupTier = iota
	// TierConservative reclaims only confirmed zombies.
	TierConservative
	// TierModerate additionally reclaims connections with no thread
	// subscriptions regardless of age.
	TierModerate
	// TierAggressive additionally reclaims the oldest share of connections
	// for each user over their limit.
	TierAggressive
	// TierForce reclaims everything for over-limit users, even active
	// connections. Last resort before denying all new admissions.
	TierForce
)

func (t CleanupTier) String() string {
	switch t {
	case TierNone:
		return "none"
	case TierConservative:
		return "conservative"
	case TierModerate:
		return "moderate"
	case TierAggressive:
		return "aggressive"
	case TierForce:
		return "force"
	default:
		return "unknown"
	}
}

// aggressiveReclaimPct is the share of a user's oldest connections reclaimed
// per pass at the aggressive tier.
const aggressiveReclaimPct = 25

// CleanupReport summarizes one emergency cleanup pass.
type CleanupReport struct {
	Tier               CleanupTier `json:"-"`
	ConnectionsCleaned int         `json:"connections_cleaned"`
	Quarantined        int         `json:"quarantined"`
	// FreedEstimate is the number of admission slots the pass gave back,
	// counting quarantines since those stop counting against limits too.
	FreedEstimate int `json:"freed_estimate"`
}

// RecoveryResult reports how a failed transport close was handled.
type RecoveryResult struct {
	Recovered    bool `json:"recovered"`
	FallbackUsed bool `json:"fallback_used"`
}

// isZombie reports whether a connection is reclaimable dead weight: no thread
// subscriptions and no successful send within the TTL. A quiet-but-subscribed
// connection is never a zombie regardless of idle time.
func (g *Governor) isZombie(c *registry.Connection, now time.Time) bool {
	if c.ThreadCount() > 0 {
		return false
	}
	return now.Sub(c.LastActivity()) > g.cfg.ZombieTTL
}

// ScanForZombies returns the IDs of currently reclaimable connections. Pure
// read over a registry snapshot; never mutates.
func (g *Governor) ScanForZombies() []string {
	now := g.now()
	var ids []string
	for _, c := range g.registry.All() {
		if c.Quarantined() {
			continue
		}
		if g.isZombie(c, now) {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

// RunEmergencyCleanup reclaims connections according to the given tier and
// returns what it freed. Safe to run concurrently with in-flight sends:
// removal from the registry hides a connection from new sends, while already
// dispatched deliveries finish or time out on their own.
func (g *Governor) RunEmergencyCleanup(ctx context.Context, tier CleanupTier) CleanupReport {
	report := CleanupReport{Tier: tier}
	if tier == TierNone {
		return report
	}

	now := g.now()
	victims := make(map[string]*registry.Connection)

	for _, c := range g.registry.All() {
		if c.Quarantined() {
			continue
		}
		switch {
		case g.isZombie(c, now):
			victims[c.ID] = c
		case tier >= TierModerate && c.ThreadCount() == 0:
			victims[c.ID] = c
		}
	}

	if tier >= TierAggressive {
		for userID, conns := range g.overLimitUsers() {
			sort.Slice(conns, func(i, j int) bool {
				return conns[i].CreatedAt.Before(conns[j].CreatedAt)
			})
			take := len(conns)
			if tier == TierAggressive {
				take = len(conns) * aggressiveReclaimPct / 100
				if take == 0 {
					take = 1
				}
			} else {
				g.logger.Warn("force cleanup: reclaiming all connections for over-limit user",
					"user_id", userID, "connections", len(conns))
			}
			for _, c := range conns[:take] {
				victims[c.ID] = c
			}
		}
	}

	for _, c := range victims {
		cleaned, quarantined := g.reclaim(ctx, c)
		if cleaned {
			report.ConnectionsCleaned++
		}
		if quarantined {
			report.Quarantined++
		}
	}
	report.FreedEstimate = report.ConnectionsCleaned + report.Quarantined
	return report
}

// overLimitUsers returns, per user above the per-user limit, their countable
// connections.
func (g *Governor) overLimitUsers() map[string][]*registry.Connection {
	if g.cfg.PerUserLimit <= 0 {
		return nil
	}
	byUser := make(map[string][]*registry.Connection)
	for _, c := range g.registry.All() {
		if !c.Quarantined() {
			byUser[c.UserID] = append(byUser[c.UserID], c)
		}
	}
	for userID, conns := range byUser {
		if len(conns) <= g.cfg.PerUserLimit {
			delete(byUser, userID)
		}
	}
	return byUser
}

// reclaim closes one connection and removes it from the registry. A transport
// that refuses to close gets quarantined instead of retried so the pass
// always makes forward progress.
func (g *Governor) reclaim(ctx context.Context, c *registry.Connection) (cleaned, quarantined bool) {
	c.SetState(registry.StateClosing)

	if err := c.Transport.Close(); err != nil {
		g.logger.Warn("transport close failed, quarantining connection",
			"connection_id", c.ID, "user_id", c.UserID, "error", err)
		res := g.CleanupFailureRecovery(c.ID)
		return false, res.FallbackUsed
	}

	c.SetState(registry.StateClosed)
	g.registry.Remove(c.ID)
	g.audit(ctx, store.ActionConnectionClosed, c.UserID, c.ID, `{"by":"governor"}`)
	return true, false
}

// CleanupFailureRecovery quarantines a connection whose transport could not
// be cleanly closed. The quarantined slot stops counting against limits and
// is excluded from routing, so a wedged transport can never block progress.
func (g *Governor) CleanupFailureRecovery(connID string) RecoveryResult {
	c, ok := g.registry.Get(connID)
	if !ok {
		return RecoveryResult{Recovered: true}
	}
	c.Quarantine()
	g.audit(context.Background(), store.ActionConnectionQuarantined, c.UserID, c.ID,
		fmt.Sprintf(`{"threads":%d}`, c.ThreadCount()))
	return RecoveryResult{Recovered: false, FallbackUsed: true}
}

// adjustTier applies the hysteresis policy: two consecutive cycles at HIGH or
// worse escalate one tier; a single LOW cycle de-escalates one. Returns the
// tier to use for this cycle.
func (g *Governor) adjustTier(pressure PressureLevel) CleanupTier {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch pressure {
	case PressureHigh, PressureCritical:
		g.highCycles++
		if g.highCycles >= 2 && g.tier < TierForce {
			g.tier++
			g.highCycles = 0
			g.logger.Warn("pressure sustained, escalating cleanup tier",
				"tier", g.tier.String(), "pressure", pressure)
		}
	case PressureLow:
		g.highCycles = 0
		if g.tier > TierNone {
			g.tier--
			g.logger.Info("pressure relieved, de-escalating cleanup tier",
				"tier", g.tier.String())
		}
	default:
		g.highCycles = 0
	}

	return g.tier
}

func (g *Governor) currentTier() CleanupTier {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tier
}
