package server

import (
	"net"
	"net/http"
)

// HandleWebSocket upgrades HTTP connection to WebSocket and handles it as a session
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.isClosing() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		debugLog.Printf("WebSocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	conn := newWSConn(ws, clientAddr(r), s.connOptions())
	if !s.trackConn() {
		conn.Close(CloseGoingAway, "server shutting down")
		drainConn(conn)
		return
	}

	// Spawn goroutine for the session so the handler returns
	go s.runSession(conn)
}

// clientAddr returns the peer IP without port.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return normalizeRemoteAddr(r.RemoteAddr)
	}
	return normalizeRemoteAddr(host)
}
