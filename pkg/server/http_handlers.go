package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aeolun/chatrelay/pkg/database"
)

const maxHistoryLimit = 200

// SessionStatus is one row of the /status report.
type SessionStatus struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Color        string    `json:"color"`
	RemoteAddr   string    `json:"remoteAddress"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	IdleSeconds  float64   `json:"idleSeconds"`
}

// Status is the /status report.
type Status struct {
	SessionCount      int             `json:"sessionCount"`
	Sessions          []SessionStatus `json:"sessions"`
	UptimeSeconds     float64         `json:"uptimeSeconds"`
	DatabaseConnected bool            `json:"databaseConnected"`
}

// Status returns a snapshot of the live sessions.
func (s *Server) Status() Status {
	now := s.now()
	snapshot := s.sessions.Snapshot()

	sessions := make([]SessionStatus, 0, len(snapshot))
	for _, sess := range snapshot {
		username, color := sess.Identity()
		last := sess.LastActivity()
		sessions = append(sessions, SessionStatus{
			ID:           sess.ID,
			Username:     username,
			Color:        color,
			RemoteAddr:   sess.RemoteAddr,
			ConnectedAt:  sess.ConnectedAt.UTC(),
			LastActivity: last.UTC(),
			IdleSeconds:  now.Sub(last).Seconds(),
		})
	}

	return Status{
		SessionCount:      len(sessions),
		Sessions:          sessions,
		UptimeSeconds:     time.Since(s.startTime).Seconds(),
		DatabaseConnected: s.dbConnected.Load(),
	}
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	mux.HandleFunc("GET /status", s.StatusHandler)
	mux.HandleFunc("GET /health", s.HealthHandler)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /api/messages/{conversationId}", s.MessagesHandler)
	mux.HandleFunc("GET /api/users/{userId}", s.UserHandler)
	mux.HandleFunc("GET /api/stats", s.StatsHandler)
	mux.HandleFunc("/", s.RootHandler)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func (s *Server) hasStaticIndex() bool {
	if s.config.StaticDir == "" {
		return false
	}
	info, err := os.Stat(filepath.Join(s.config.StaticDir, "index.html"))
	return err == nil && !info.IsDir()
}

// RootHandler accepts WebSocket upgrades on "/" and otherwise serves the
// static client, or the status report when there is none.
func (s *Server) RootHandler(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.HandleWebSocket(w, r)
		return
	}
	if s.hasStaticIndex() {
		http.FileServer(http.Dir(s.config.StaticDir)).ServeHTTP(w, r)
		return
	}
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	s.StatusHandler(w, r)
}

// StatusHandler serves the live session report
func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Status())
}

// HealthHandler serves health check status
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":             "healthy",
		"uptime_seconds":     int64(time.Since(s.startTime).Seconds()),
		"active_sessions":    s.sessions.Count(),
		"database_connected": s.dbConnected.Load(),
		"server_name":        s.config.ServerName,
		"version":            s.config.Version,
	}
	if s.isClosing() {
		health["status"] = "shutting_down"
		writeJSON(w, http.StatusServiceUnavailable, health)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func queryInt(r *http.Request, key string, fallback int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// MessagesHandler serves stored history for one conversation.
func (s *Server) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("conversationId")

	limit, ok := queryInt(r, "limit", 50)
	if !ok || limit == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
		return
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	offset, ok := queryInt(r, "offset", 0)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "offset must be a non-negative integer"})
		return
	}

	messages, err := s.store.ListMessages(conversationID, limit, offset)
	if err != nil {
		s.writeStoreError(w, "list messages", err)
		return
	}
	if messages == nil {
		messages = []*database.Message{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversationId": conversationID,
		"messages":       messages,
		"count":          len(messages),
		"limit":          limit,
		"offset":         offset,
	})
}

// UserHandler serves the stored record of one participant and whether it is
// connected right now.
func (s *Server) UserHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("userId")

	u, err := s.store.GetUser(id)
	if errors.Is(err, database.ErrUserNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "user not found"})
		return
	}
	if err != nil {
		s.writeStoreError(w, "get user", err)
		return
	}

	_, connected := s.sessions.Get(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":        u.ID,
		"username":  u.Username,
		"color":     u.Color,
		"online":    u.Online,
		"connected": connected,
		"firstSeen": time.UnixMilli(u.FirstSeen).UTC(),
		"lastSeen":  time.UnixMilli(u.LastSeen).UTC(),
	})
}

// StatsHandler serves stored counts plus the live session count.
func (s *Server) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats()
	if err != nil {
		s.writeStoreError(w, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stored":         stats,
		"activeSessions": s.sessions.Count(),
		"uptimeSeconds":  time.Since(s.startTime).Seconds(),
	})
}

func (s *Server) writeStoreError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, database.ErrNoStore) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	errorLog.Printf("Store %s failed: %v", op, err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "database error"})
}
