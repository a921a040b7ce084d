// Package gateway is the main orchestrator that ties all gateway components
// together.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/agentwire-ai/agentwire/internal/api"
	"github.com/agentwire-ai/agentwire/internal/auth"
	"github.com/agentwire-ai/agentwire/internal/config"
	"github.com/agentwire-ai/agentwire/internal/governor"
	"github.com/agentwire-ai/agentwire/internal/manager"
	"github.com/agentwire-ai/agentwire/internal/registry"
	"github.com/agentwire-ai/agentwire/internal/router"
	"github.com/agentwire-ai/agentwire/internal/store"
)

// Gateway is the main gateway process.
type Gateway struct {
	cfg     *config.Config
	store   store.Store
	manager *manager.Manager
	api     *api.Server
	logger  *slog.Logger
}

// New creates a new gateway from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	authProvider, err := auth.NewProvider(cfg.Auth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	reg := registry.New(logger)
	rt := router.New(reg, logger, router.Options{
		SendTimeout: cfg.Limits.SendTimeout.Duration,
	})
	gov := governor.New(governor.Config{
		PerUserLimit: cfg.Limits.PerUser,
		GlobalLimit:  cfg.Limits.Global,
		ZombieTTL:    cfg.Limits.ZombieTTL.Duration,
		ScanInterval: cfg.Limits.ScanInterval.Duration,
	}, reg, db, logger)
	mgr := manager.New(reg, rt, gov, db, logger)

	apiSrv := api.NewServer(db, authProvider, mgr, cfg, logger)

	g := &Gateway{
		cfg:     cfg,
		store:   db,
		manager: mgr,
		api:     apiSrv,
		logger:  logger.With("component", "gateway"),
	}

	if authProvider.Name() == "builtin" && len(cfg.Auth.JWTSecret) < 32 {
		logger.Warn("JWT secret is shorter than 32 characters — use a stronger secret in production")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*' — restrict to specific origins in production")
			break
		}
	}

	return g, nil
}

// Run starts the gateway HTTP server and background loops, blocking until the
// context is canceled.
func (g *Gateway) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    g.cfg.Server.Addr,
		Handler: g.api.Handler(),
	}

	// Governor scan loop.
	go g.manager.Run(ctx)

	// Rate limiter cleanup tasks.
	g.api.StartBackgroundTasks(ctx)

	// Audit retention purger.
	if g.cfg.Storage.AuditRetention.Duration > 0 {
		go g.runRetentionPurger(ctx, g.cfg.Storage.AuditRetention.Duration)
	}

	if err := g.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    store.ActionGatewayStart,
		Detail:    json.RawMessage(fmt.Sprintf(`{"addr":%q}`, g.cfg.Server.Addr)),
		CreatedAt: time.Now(),
	}); err != nil {
		g.logger.Warn("failed to log audit event", "action", store.ActionGatewayStart, "error", err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("gateway listening", "addr", g.cfg.Server.Addr)
		if g.cfg.Server.TLSCert != "" && g.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(g.cfg.Server.TLSCert, g.cfg.Server.TLSKey)
		} else {
			g.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		g.logger.Info("shutting down gateway gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			g.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			g.logger.Info("http server stopped gracefully")
		}

		g.closeConnections(shutdownCtx)

		g.logger.Info("closing store")
		_ = g.store.Close()
		g.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = g.store.Close()
		return err
	}
}

func (g *Gateway) closeConnections(ctx context.Context) {
	if n := g.manager.CloseAll(ctx); n > 0 {
		g.logger.Info("closed remaining connections", "count", n)
	}
}

func (g *Gateway) runRetentionPurger(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			if n, err := g.store.PurgeOldAuditEvents(ctx, cutoff); err != nil {
				g.logger.Warn("retention purge: audit events failed", "error", err)
			} else if n > 0 {
				g.logger.Info("retention purge: deleted old audit events", "count", n)
			}
		}
	}
}
