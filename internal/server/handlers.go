package server

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// WebSocketHandler upgrades GET requests from allowed origins and hands the
// connection to the hub. Duplicate identities are refused after the upgrade
// so they can be told why.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	ident := s.resolver.FromRequest(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Info("websocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	client := NewClient(conn, s.hub, r.RemoteAddr, ident)

	// The hub admits the client and launches the pump goroutines.
	if !s.hub.Register(client) {
		client.closeConnection()
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprint(w, msgHealthy)
}
