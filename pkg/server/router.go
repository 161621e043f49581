package server

import (
	"errors"

	"golang.org/x/time/rate"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

// Error texts sent to clients.
const (
	errInvalidFormat = "invalid message format"
	errUnknownType   = "unknown message type"
)

// serveConn runs the per-session dispatch loop until the connection closes.
// Handlers for one session never run concurrently.
func (s *Server) serveConn(sess *Session) {
	limiter := rate.NewLimiter(rate.Limit(s.config.MessageRateLimit), s.config.MessageBurst)

	for {
		ev := sess.Conn.Next()
		switch ev.Kind {
		case EventMessage:
			if !limiter.Allow() {
				debugLog.Printf("Session %s: rate limit exceeded, dropping frame", sess.ID)
				s.metrics.RecordRateLimited()
				continue
			}
			s.handleFrame(sess, ev.Data)
		case EventClose:
			debugLog.Printf("Session %s closed (code %d %q)", sess.ID, ev.Code, ev.Reason)
			return
		case EventError:
			debugLog.Printf("Session %s read error: %v", sess.ID, ev.Err)
			return
		}
	}
}

// handleFrame decodes one inbound frame and routes it. Every frame that
// names a kind, known or not, counts as activity.
func (s *Server) handleFrame(sess *Session, data []byte) {
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		s.metrics.RecordMessageReceived(labelInvalid)
		debugLog.Printf("Session %s: undecodable frame: %v", sess.ID, err)
		s.sendError(sess, errInvalidFormat)
		return
	}

	sess.Touch(s.now())
	s.metrics.RecordMessageReceived(env.Type)

	if err := s.dispatch(sess, env.Type, data); err != nil {
		if errors.Is(err, protocol.ErrMalformed) {
			s.sendError(sess, errInvalidFormat)
			return
		}
		errorLog.Printf("Session %s: %s handler failed: %v", sess.ID, env.Type, err)
	}
}

// dispatch routes a decoded frame to the appropriate handler
func (s *Server) dispatch(sess *Session, kind string, data []byte) error {
	switch kind {
	case protocol.TypeRegister:
		return s.handleRegister(sess, data)
	case protocol.TypeMessage:
		return s.handleChatMessage(sess, data)
	case protocol.TypeTyping:
		return s.handleTyping(sess, data)
	case protocol.TypePing:
		return s.handlePing(sess)
	case protocol.TypeGetUsers:
		return s.handleGetUsers(sess)
	default:
		s.sendError(sess, errUnknownType+": "+kind)
		return nil
	}
}

// sendError sends an error message to the originating session only
func (s *Server) sendError(sess *Session, message string) {
	s.broadcaster.Send(sess, &protocol.ErrorMessage{Message: message})
}
