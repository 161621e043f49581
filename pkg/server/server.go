package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aeolun/chatrelay/pkg/database"
	"github.com/aeolun/chatrelay/pkg/protocol"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// Server is the chat relay: it accepts WebSocket connections, keeps the
// session registry and runs the scheduled tasks.
type Server struct {
	config      ServerConfig
	store       Store
	sessions    *SessionManager
	broadcaster *Broadcaster
	presence    *Presence
	metrics     *Metrics
	origins     *originPolicy
	upgrader    websocket.Upgrader

	httpServer *http.Server
	listener   net.Listener
	startTime  time.Time

	shutdown  chan struct{}
	stopOnce  sync.Once
	loopWG    sync.WaitGroup // scheduled tasks
	serveWG   sync.WaitGroup // HTTP accept loop
	connWG    sync.WaitGroup // one per connection goroutine
	persistWG sync.WaitGroup // in-flight message writes

	connMu       sync.Mutex // guards closing, storeClosing and connWG/persistWG Add
	closing      bool
	storeClosing bool

	dbConnected atomic.Bool
	now         func() time.Time
}

// NewServer creates a server. A nil store disables persistence; a nil
// metrics records nothing.
func NewServer(config ServerConfig, store Store, metrics *Metrics) *Server {
	if store == nil {
		store = noopStore{}
	}

	s := &Server{
		config:    config,
		store:     store,
		sessions:  NewSessionManager(),
		metrics:   metrics,
		origins:   newOriginPolicy(config.AllowedOrigins),
		startTime: time.Now(),
		shutdown:  make(chan struct{}),
		now:       time.Now,
	}
	s.sessions.SetMetrics(metrics)
	s.broadcaster = NewBroadcaster(s.sessions, metrics)
	s.presence = NewPresence(s.sessions, s.broadcaster, s.serverInfo, config.SystemMessages)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.origins.check,
	}
	return s
}

// EnableDebugLogging routes debug output to stdout.
func (s *Server) EnableDebugLogging() {
	debugLog = log.New(os.Stdout, "DEBUG: ", log.Ldate|log.Ltime|log.Lmicroseconds)
}

// Sessions exposes the registry.
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

func (s *Server) serverInfo() protocol.ServerInfo {
	return protocol.ServerInfo{
		Name:    s.config.ServerName,
		Version: s.config.Version,
		Clients: s.sessions.Count(),
		Uptime:  time.Since(s.startTime).Seconds(),
	}
}

func (s *Server) connOptions() connOptions {
	return connOptions{
		queueSize:     s.config.SendQueueSize,
		maxFrameBytes: s.config.MaxFrameBytes,
		writeTimeout:  s.config.WriteTimeout,
		pongWait:      s.config.PongWait,
		closeGrace:    s.config.CloseGrace,
	}
}

// Start binds the HTTP port and starts serving and the scheduled tasks.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.HTTPPort)
	listener, err := listen(context.Background(), addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.startTime = time.Now()

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.serveWG.Add(1)
	go func() {
		defer s.serveWG.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("HTTP server error: %v", err)
		}
	}()

	s.checkStore()

	s.loopWG.Add(4)
	go s.idleReaperLoop()
	go s.heartbeatLoop()
	go s.storeHealthLoop()
	go s.listenOverflowLoop()

	logListenBacklog(listener.Addr().String())
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) isClosing() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.closing
}

// trackConn registers a connection goroutine unless shutdown has begun.
func (s *Server) trackConn() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closing {
		return false
	}
	s.connWG.Add(1)
	return true
}

// runSession owns one connection from registration to removal.
func (s *Server) runSession(conn Conn) {
	defer s.connWG.Done()

	sess, err := s.sessions.CreatePendingSession(conn)
	if err != nil {
		errorLog.Printf("Failed to register connection from %s: %v", conn.RemoteAddr(), err)
		conn.Close(CloseInternalError, "internal error")
		drainConn(conn)
		return
	}
	defer s.disconnect(sess)

	// Registered after Stop took its snapshot of sessions to close.
	if s.isClosing() {
		conn.Close(CloseGoingAway, "server shutting down")
		drainConn(conn)
		return
	}

	debugLog.Printf("WebSocket connection from %s (session %s)", sess.RemoteAddr, sess.ID)

	username, color := sess.Identity()
	s.store.SaveUser(database.User{
		ID:        sess.ID,
		Username:  username,
		Color:     color,
		IPAddress: sess.RemoteAddr,
		Online:    true,
	})
	s.presence.Joined(sess)

	s.serveConn(sess)
}

// disconnect is the single removal path. It runs once the connection has
// reported close or error.
func (s *Server) disconnect(sess *Session) {
	if _, removed := s.sessions.Remove(sess.ID); !removed {
		return
	}
	debugLog.Printf("Session %s (%s) disconnected", sess.ID, sess.Username())

	s.store.UpdateUserStatus(sess.ID, false)
	if s.isClosing() {
		return
	}
	s.presence.Left(sess)
}

// drainConn reads until the connection reports close or error.
func drainConn(conn Conn) {
	for conn.Next().Kind == EventMessage {
	}
}

// Stop gracefully stops the server: scheduled tasks first, then every
// session is told and closed, then the HTTP server and the store.
func (s *Server) Stop() error {
	var stopErr error
	s.stopOnce.Do(func() {
		close(s.shutdown)
		s.loopWG.Wait()

		s.connMu.Lock()
		s.closing = true
		s.connMu.Unlock()

		s.broadcaster.Broadcast(&protocol.ServerShutdown{Message: "Server is shutting down"})
		s.sessions.ForEach(func(sess *Session) {
			sess.Conn.Close(CloseGoingAway, "server shutting down")
		})

		if !waitTimeout(&s.connWG, s.config.ShutdownGrace) {
			log.Printf("Shutdown grace of %v elapsed with %d sessions still open", s.config.ShutdownGrace, s.sessions.Count())
		}

		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownGrace)
			if err := s.httpServer.Shutdown(ctx); err != nil {
				stopErr = errors.Join(stopErr, fmt.Errorf("http shutdown: %w", err))
			}
			cancel()
			s.serveWG.Wait()
		}

		s.connMu.Lock()
		s.storeClosing = true
		s.connMu.Unlock()
		s.persistWG.Wait()

		if err := s.store.Close(); err != nil {
			stopErr = errors.Join(stopErr, fmt.Errorf("store close: %w", err))
		}
	})
	return stopErr
}
