package server

import (
	"log"
	"time"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

const storeHealthInterval = 10 * time.Second

// idleReaperLoop periodically closes sessions that stopped sending
func (s *Server) idleReaperLoop() {
	defer s.loopWG.Done()

	ticker := time.NewTicker(s.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.reapIdleSessions()
		}
	}
}

// reapIdleSessions asks every session idle beyond the threshold to close.
// Removal happens on the session's own close path, not here.
func (s *Server) reapIdleSessions() int {
	cutoff := s.now().Add(-s.config.IdleTimeout)
	reaped := 0

	s.sessions.ForEach(func(sess *Session) {
		if !sess.IsAlive() || !sess.LastActivity().Before(cutoff) {
			return
		}
		log.Printf("Closing idle session %s (%s, inactive since %s)",
			sess.ID, sess.Username(), sess.LastActivity().Format(time.RFC3339))
		s.metrics.RecordSessionReaped()
		sess.Conn.Close(CloseNormal, "idle timeout")
		reaped++
	})
	return reaped
}

// heartbeatLoop periodically pushes a heartbeat to every session
func (s *Server) heartbeatLoop() {
	defer s.loopWG.Done()

	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.sendHeartbeat()
		}
	}
}

// sendHeartbeat does not count as session activity.
func (s *Server) sendHeartbeat() int {
	return s.broadcaster.Broadcast(&protocol.Heartbeat{ServerTime: s.now().UnixMilli()})
}

// storeHealthLoop keeps the databaseConnected flag current
func (s *Server) storeHealthLoop() {
	defer s.loopWG.Done()

	ticker := time.NewTicker(storeHealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.checkStore()
		}
	}
}

func (s *Server) checkStore() bool {
	err := s.store.Ping()
	healthy := err == nil
	if was := s.dbConnected.Swap(healthy); was != healthy {
		if healthy {
			log.Printf("Database connection healthy")
		} else {
			log.Printf("Database unavailable: %v", err)
		}
	}
	return healthy
}
