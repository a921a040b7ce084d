// Package api provides the HTTP API and WebSocket endpoint for the gateway.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/agentwire-ai/agentwire/internal/auth"
	"github.com/agentwire-ai/agentwire/internal/config"
	"github.com/agentwire-ai/agentwire/internal/manager"
	"github.com/agentwire-ai/agentwire/internal/store"
	"github.com/agentwire-ai/agentwire/pkg/protocol"
)

// Server is the HTTP API server.
type Server struct {
	store        store.Store
	authProvider auth.Provider
	manager      *manager.Manager
	logger       *slog.Logger
	mux          *chi.Mux
	startTime    time.Time
	maxBodyBytes int64
	origins      originPolicy
	rl           *rateLimiter
}

// NewServer creates a new API server.
func NewServer(s store.Store, ap auth.Provider, mgr *manager.Manager, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:        s,
		authProvider: ap,
		manager:      mgr,
		logger:       logger.With("component", "api"),
		startTime:    time.Now(),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
		origins:      newOriginPolicy(cfg.Server.AllowedOrigins),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeaders)
	mux.Use(srv.origins.cors)

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// WebSocket route (auth handled inside)
	mux.Get("/ws", srv.handleClientWS)

	// Authenticated API routes
	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.requireAuth)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/stats", srv.handleStats)
		r.Post("/api/events", srv.handlePublishEvent)

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(srv.requireAdmin)
			r.Post("/api/broadcast", srv.handleBroadcast)
			r.Get("/api/admin/audit", srv.handleListAuditEvents)
			r.Post("/api/admin/connections/{connID}/close", srv.handleCloseConnection)
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.rl != nil {
		s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
}

// --- Event handlers ---

// handlePublishEvent ingests one event envelope from a producer and routes it.
// A thread_id routes to thread subscribers; otherwise user_id routes to all of
// the user's connections.
func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var env protocol.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := env.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var result any
	if env.ThreadID != "" {
		result = s.manager.SendToThread(r.Context(), env.ThreadID, env)
	} else {
		result = s.manager.SendToUser(r.Context(), env.UserID, env)
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var env protocol.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !env.Type.Valid() {
		writeError(w, http.StatusBadRequest, "unknown event type")
		return
	}

	result := s.manager.Broadcast(r.Context(), env)
	writeJSON(w, http.StatusOK, result)
}

// --- Stats / admin handlers ---

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Stats())
}

func (s *Server) handleCloseConnection(w http.ResponseWriter, r *http.Request) {
	connID := chi.URLParam(r, "connID")
	if !s.manager.CloseConnection(r.Context(), connID) {
		writeError(w, http.StatusNotFound, "connection not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (s *Server) handleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	events, err := s.store.ListAuditEvents(r.Context(), store.AuditFilter{
		Action:       r.URL.Query().Get("action"),
		UserID:       r.URL.Query().Get("user_id"),
		ConnectionID: r.URL.Query().Get("connection_id"),
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
