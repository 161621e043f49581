package server

import (
	"encoding/json"
	"io"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aeolun/chatrelay/pkg/database"
)

func TestMain(m *testing.M) {
	errorLog = log.New(io.Discard, "", 0)
	debugLog = log.New(io.Discard, "", 0)
	log.SetOutput(io.Discard)
	os.Exit(m.Run())
}

// mockConn is an in-memory Conn. Frames handed to Send are recorded;
// inbound events are fed through push.
type mockConn struct {
	addr    string
	inbound chan ConnEvent
	done    chan struct{}

	mu          sync.Mutex
	frames      [][]byte
	closed      bool
	closeCode   int
	closeReason string
	sendErr     error
	closeOnce   sync.Once
}

func newMockConn(addr string) *mockConn {
	return &mockConn{
		addr:    addr,
		inbound: make(chan ConnEvent, 64),
		done:    make(chan struct{}),
	}
}

func (c *mockConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.frames = append(c.frames, data)
	return nil
}

func (c *mockConn) Close(code int, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *mockConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *mockConn) RemoteAddr() string {
	return c.addr
}

func (c *mockConn) Next() ConnEvent {
	select {
	case ev := <-c.inbound:
		if ev.Kind != EventMessage {
			c.Close(ev.Code, ev.Reason)
		}
		return ev
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return ConnEvent{Kind: EventClose, Code: c.closeCode, Reason: c.closeReason}
	}
}

func (c *mockConn) push(frame string) {
	c.inbound <- ConnEvent{Kind: EventMessage, Data: []byte(frame)}
}

// hangUp simulates the peer closing the connection.
func (c *mockConn) hangUp() {
	c.inbound <- ConnEvent{Kind: EventClose, Code: CloseGoingAway}
}

func (c *mockConn) failSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *mockConn) closeState() (bool, int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode, c.closeReason
}

// messages decodes every recorded frame.
func (c *mockConn) messages() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.frames))
	for _, f := range c.frames {
		var m map[string]any
		if err := json.Unmarshal(f, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func (c *mockConn) types() []string {
	msgs := c.messages()
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i], _ = m["type"].(string)
	}
	return out
}

func (c *mockConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}

// last returns the most recent frame of the given type.
func (c *mockConn) last(kind string) map[string]any {
	msgs := c.messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i]["type"] == kind {
			return msgs[i]
		}
	}
	return nil
}

// recordingStore is a Store that keeps everything in memory.
type recordingStore struct {
	mu       sync.Mutex
	users    map[string]database.User
	messages []database.Message
	saveErr  error
	pingErr  error
	closed   bool
}

func newRecordingStore() *recordingStore {
	return &recordingStore{users: make(map[string]database.User)}
}

func (r *recordingStore) SaveUser(u database.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[u.ID] = u
}

func (r *recordingStore) UpdateUserStatus(id string, online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.users[id]
	u.ID = id
	u.Online = online
	r.users[id] = u
}

func (r *recordingStore) SaveMessage(messageID, conversationID, senderID, text string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return 0, r.saveErr
	}
	for _, m := range r.messages {
		if m.MessageID == messageID {
			return 0, database.ErrDuplicateMessageID
		}
	}
	id := int64(len(r.messages) + 1)
	r.messages = append(r.messages, database.Message{
		ID:             id,
		MessageID:      messageID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		CreatedAt:      time.Now().UnixMilli(),
	})
	return id, nil
}

func (r *recordingStore) ListMessages(conversationID string, limit, offset int) ([]*database.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*database.Message
	for i := range r.messages {
		if r.messages[i].ConversationID == conversationID {
			m := r.messages[i]
			out = append(out, &m)
		}
	}
	return out, nil
}

func (r *recordingStore) Stats() (database.Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return database.Stats{TotalUsers: int64(len(r.users)), TotalMessages: int64(len(r.messages))}, nil
}

func (r *recordingStore) Ping() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pingErr
}

func (r *recordingStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recordingStore) savedMessages() []database.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]database.Message(nil), r.messages...)
}

func (r *recordingStore) GetUser(id string) (*database.User, error) {
	u, ok := r.user(id)
	if !ok {
		return nil, database.ErrUserNotFound
	}
	return &u, nil
}

func (r *recordingStore) user(id string) (database.User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	return u, ok
}

func testConfig() ServerConfig {
	cfg := DefaultConfig()
	cfg.HTTPPort = 0
	cfg.MessageRateLimit = 1000
	cfg.MessageBurst = 1000
	cfg.ShutdownGrace = 2 * time.Second
	cfg.CloseGrace = 200 * time.Millisecond
	return cfg
}

func newTestServer(t *testing.T, store Store) *Server {
	t.Helper()
	if store == nil {
		store = newRecordingStore()
	}
	return NewServer(testConfig(), store, nil)
}

// connect runs a session for a fresh mockConn and waits for its welcome.
func connect(t *testing.T, s *Server, addr string) (*mockConn, *Session) {
	t.Helper()
	conn := newMockConn(addr)
	require.True(t, s.trackConn())
	go s.runSession(conn)

	require.Eventually(t, func() bool {
		return conn.last("welcome") != nil
	}, time.Second, time.Millisecond)

	id, _ := conn.last("welcome")["userId"].(string)
	sess, ok := s.sessions.Get(id)
	require.True(t, ok, "session %s not registered", id)
	return conn, sess
}

// waitForFrames waits until conn has recorded at least n frames.
func waitForFrames(t *testing.T, conn *mockConn, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(conn.messages()) >= n
	}, time.Second, time.Millisecond, "got %v", conn.types())
}

func disconnect(t *testing.T, s *Server, conn *mockConn, sess *Session) {
	t.Helper()
	conn.hangUp()
	require.Eventually(t, func() bool {
		_, ok := s.sessions.Get(sess.ID)
		return !ok
	}, time.Second, time.Millisecond)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
