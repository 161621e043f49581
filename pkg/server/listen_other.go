//go:build !linux

package server

import "log"

func logListenBacklog(addr string) {
	log.Printf("HTTP server listening on %s (WebSocket at /ws)", addr)
}

// listenOverflowLoop has nothing to watch outside Linux.
func (s *Server) listenOverflowLoop() {
	s.loopWG.Done()
}
