// Package server exposes the WebSocket upgrade and health handlers.
package server

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

type healthResponse struct {
	Status      string `json:"status"`
	OnlineUsers int    `json:"online_users"`
	Connections int    `json:"connections"`
	Clients     int    `json:"clients"`
}

// handleWebSocket upgrades the request and hands the connection to the hub,
// which starts its pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("WebSocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	client := newClient(conn, s, r.RemoteAddr)
	if !s.hub.add(client) {
		client.log.Info("Rejecting connection during shutdown")
		client.Close()
		_ = conn.Close()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	resp := healthResponse{
		Status:      "ok",
		OnlineUsers: s.registry.Online(),
		Connections: s.registry.Connections(),
		Clients:     s.hub.Count(),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Debug("Write health response", zap.Error(err))
	}
}
