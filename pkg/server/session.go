package server

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

// ErrDuplicateID is returned by Insert when the id is already registered.
var ErrDuplicateID = errors.New("duplicate session id")

// colorPalette is the set of colors handed out to new sessions.
var colorPalette = []string{
	"#e94560", "#4caf50", "#2196f3", "#ff9800", "#9c27b0",
	"#00bcd4", "#8bc34a", "#ff5722", "#607d8b", "#795548",
}

func randomColor() string {
	return colorPalette[rand.IntN(len(colorPalette))]
}

// Session represents an active client connection
type Session struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time
	Conn        Conn

	mu       sync.RWMutex // Protects username and color
	username string
	color    string

	lastActivity atomic.Int64 // unix nanos, never decreases

	// awaitingWelcome keeps broadcasts and rosters away from a registered
	// session until its welcome is queued.
	awaitingWelcome atomic.Bool
}

// Welcomed reports whether the session may receive broadcasts.
func (s *Session) Welcomed() bool {
	return !s.awaitingWelcome.Load()
}

// Username returns the current display name.
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// Color returns the current color tag.
func (s *Session) Color() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.color
}

// Identity returns display name and color as one consistent pair.
func (s *Session) Identity() (username, color string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username, s.color
}

// SetIdentity replaces display name and color. Empty arguments keep the
// current value. It returns the previous pair.
func (s *Session) SetIdentity(username, color string) (oldUsername, oldColor string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldUsername, oldColor = s.username, s.color
	if username != "" {
		s.username = username
	}
	if color != "" {
		s.color = color
	}
	return oldUsername, oldColor
}

// Touch records activity at t. Times older than the recorded one are ignored.
func (s *Session) Touch(t time.Time) {
	n := t.UnixNano()
	for {
		cur := s.lastActivity.Load()
		if n <= cur {
			return
		}
		if s.lastActivity.CompareAndSwap(cur, n) {
			return
		}
	}
}

// LastActivity returns the time of the most recent activity.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// IsAlive reports whether the connection is still open.
func (s *Session) IsAlive() bool {
	return s.Conn != nil && s.Conn.IsOpen()
}

// SessionManager manages all active sessions
type SessionManager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	guestSeq atomic.Uint64
	metrics  *Metrics

	newID     func() string
	pickColor func() string
	now       func() time.Time
}

// NewSessionManager creates a new session manager
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions:  make(map[string]*Session),
		newID:     uuid.NewString,
		pickColor: randomColor,
		now:       time.Now,
	}
}

// SetMetrics attaches metrics to the session manager
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// NewSession builds a session for conn with a fresh id, a default display
// name and a random color. It is not registered yet.
func (sm *SessionManager) NewSession(conn Conn) *Session {
	now := sm.now()
	sess := &Session{
		ID:          sm.newID(),
		RemoteAddr:  normalizeRemoteAddr(conn.RemoteAddr()),
		ConnectedAt: now,
		Conn:        conn,
		username:    fmt.Sprintf("User_%d", sm.guestSeq.Add(1)),
		color:       sm.pickColor(),
	}
	sess.lastActivity.Store(now.UnixNano())
	return sess
}

// CreateSession builds and registers a session for conn.
func (sm *SessionManager) CreateSession(conn Conn) (*Session, error) {
	return sm.insertNew(conn, false)
}

// CreatePendingSession registers a session for conn that is skipped by
// broadcasts and rosters until it is welcomed.
func (sm *SessionManager) CreatePendingSession(conn Conn) (*Session, error) {
	return sm.insertNew(conn, true)
}

func (sm *SessionManager) insertNew(conn Conn, pending bool) (*Session, error) {
	sess := sm.NewSession(conn)
	sess.awaitingWelcome.Store(pending)
	if err := sm.Insert(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Insert registers sess. An id that is already present is an invariant
// violation and leaves the registry unchanged.
func (sm *SessionManager) Insert(sess *Session) error {
	sm.mu.Lock()
	if _, exists := sm.sessions[sess.ID]; exists {
		sm.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateID, sess.ID)
	}
	sm.sessions[sess.ID] = sess
	count := len(sm.sessions)
	sm.mu.Unlock()

	sm.metrics.RecordActiveSessions(count)
	sm.metrics.RecordSessionCreated()
	return nil
}

// Remove unregisters the session with id. Removing an absent id is a no-op
// and reports false.
func (sm *SessionManager) Remove(id string) (*Session, bool) {
	sm.mu.Lock()
	sess, ok := sm.sessions[id]
	if !ok {
		sm.mu.Unlock()
		return nil, false
	}
	delete(sm.sessions, id)
	count := len(sm.sessions)
	sm.mu.Unlock()

	sm.metrics.RecordActiveSessions(count)
	sm.metrics.RecordSessionDisconnected()
	return sess, true
}

// Get returns a session by ID
func (sm *SessionManager) Get(id string) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sess, ok := sm.sessions[id]
	return sess, ok
}

// Snapshot returns the registered sessions at one point in time, oldest
// connection first.
func (sm *SessionManager) Snapshot() []*Session {
	sm.mu.RLock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	sm.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].ConnectedAt.Equal(sessions[j].ConnectedAt) {
			return sessions[i].ConnectedAt.Before(sessions[j].ConnectedAt)
		}
		return sessions[i].ID < sessions[j].ID
	})
	return sessions
}

// ForEach calls visit for every session in a snapshot. visit may insert or
// remove sessions; those changes are not seen by the running iteration.
func (sm *SessionManager) ForEach(visit func(*Session)) {
	for _, sess := range sm.Snapshot() {
		visit(sess)
	}
}

// Count returns the number of registered sessions
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// Roster returns one entry per registered, welcomed session.
func (sm *SessionManager) Roster() []protocol.RosterEntry {
	snapshot := sm.Snapshot()
	roster := make([]protocol.RosterEntry, 0, len(snapshot))
	for _, sess := range snapshot {
		if !sess.Welcomed() {
			continue
		}
		username, color := sess.Identity()
		roster = append(roster, protocol.RosterEntry{
			ID:          sess.ID,
			Username:    username,
			Color:       color,
			Online:      true,
			ConnectedAt: sess.ConnectedAt.UTC(),
		})
	}
	return roster
}

// normalizeRemoteAddr strips the IPv4-mapped IPv6 prefix.
func normalizeRemoteAddr(addr string) string {
	return strings.TrimPrefix(addr, "::ffff:")
}
