package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/agentwire-ai/agentwire/internal/manager"
	"github.com/agentwire-ai/agentwire/internal/transport"
	"github.com/agentwire-ai/agentwire/pkg/protocol"
)

const (
	// maxClientMessageSize bounds control frames from clients. Subscribe and
	// unsubscribe frames are tiny; anything bigger is not a client.
	maxClientMessageSize = 4 * 1024

	// Control frames per second a single connection may send.
	clientFrameRate  = 5
	clientFrameBurst = 10
)

// handleClientWS authenticates, admits, and serves one client connection. The
// read loop only ever sees control frames; event delivery happens on the write
// side through the router.
func (s *Server) handleClientWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		// Same allow-list as CORS. Non-browser clients send no Origin header
		// and pass; unlisted browser origins are refused before the upgrade.
		CheckOrigin: func(r *http.Request) bool {
			return s.origins.permits(r.Header.Get("Origin"))
		},
	}

	// Browsers cannot set custom headers during the WebSocket handshake, so
	// the token also comes in as a query parameter. Access logs must exclude
	// query strings to avoid leaking it.
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		tokenStr, _ = bearerToken(r)
	}
	if tokenStr == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	identity, err := s.authProvider.ValidateToken(r.Context(), tokenStr)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("client websocket upgrade failed", "error", err)
		return
	}

	tr := transport.NewWebSocket(conn)
	threadID := r.URL.Query().Get("thread_id")

	connID, err := s.manager.AdmitAndRegister(r.Context(), identity.UserID, threadID, tr)
	if err != nil {
		var denied *manager.AdmissionDeniedError
		if errors.As(err, &denied) {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, string(denied.Reason)))
		} else {
			s.logger.Error("connection admission failed", "user", identity.Username, "error", err)
		}
		_ = conn.Close()
		return
	}

	conn.SetReadLimit(maxClientMessageSize)
	stopKeepalive := tr.StartKeepalive()
	frameRL := newRateLimiter(clientFrameRate, clientFrameBurst)

	s.logger.Info("client connected", "user", identity.Username, "connection_id", connID)

	defer func() {
		stopKeepalive()
		// The request context dies with the socket; cleanup gets its own.
		s.manager.CloseConnection(context.Background(), connID)
		s.logger.Info("client disconnected", "user", identity.Username, "connection_id", connID)
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug("client read error", "connection_id", connID, "error", err)
			return
		}

		if !frameRL.allow(connID) {
			s.logger.Debug("client frame rate limited", "connection_id", connID)
			continue
		}

		var frame protocol.ClientFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			s.logger.Warn("invalid frame from client", "connection_id", connID, "error", err)
			continue
		}

		s.handleClientFrame(connID, frame)
	}
}

func (s *Server) handleClientFrame(connID string, frame protocol.ClientFrame) {
	switch frame.Type {
	case protocol.FrameSubscribe:
		if frame.ThreadID == "" {
			return
		}
		s.manager.JoinThread(connID, frame.ThreadID)
	case protocol.FrameUnsubscribe:
		if frame.ThreadID == "" {
			return
		}
		s.manager.LeaveThread(connID, frame.ThreadID)
	default:
		s.logger.Debug("unknown client frame type", "connection_id", connID, "type", frame.Type)
	}
}
