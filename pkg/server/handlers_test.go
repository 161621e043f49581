package server

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncConn pushes a ping and waits for its pong, so every frame pushed before it
// has been handled.
func syncConn(t *testing.T, conn *mockConn) {
	t.Helper()
	before := countType(conn, "pong")
	conn.push(`{"type":"ping"}`)
	require.Eventually(t, func() bool {
		return countType(conn, "pong") > before
	}, time.Second, time.Millisecond)
}

func countType(conn *mockConn, kind string) int {
	n := 0
	for _, k := range conn.types() {
		if k == kind {
			n++
		}
	}
	return n
}

func withoutPongs(types []string) []string {
	out := make([]string, 0, len(types))
	for _, k := range types {
		if k != "pong" {
			out = append(out, k)
		}
	}
	return out
}

func TestConnectSequence(t *testing.T) {
	s := newTestServer(t, nil)

	a, aSess := connect(t, s, "10.0.0.1")
	waitForFrames(t, a, 2)
	assert.Equal(t, []string{"welcome", "user_list"}, a.types())

	welcome := a.last("welcome")
	assert.Equal(t, aSess.Username(), welcome["username"])
	assert.Equal(t, aSess.Color(), welcome["color"])
	info := welcome["serverInfo"].(map[string]any)
	assert.Equal(t, "chatrelay", info["name"])
	assert.EqualValues(t, 1, info["clients"])

	b, bSess := connect(t, s, "10.0.0.2")
	waitForFrames(t, b, 2)
	waitForFrames(t, a, 4)

	assert.Equal(t, []string{"welcome", "user_list"}, b.types())
	assert.Equal(t, []string{"welcome", "user_list", "user_list", "user_joined"}, a.types())

	joined := a.last("user_joined")
	assert.Equal(t, bSess.ID, joined["userId"])
	assert.Equal(t, bSess.Username(), joined["username"])
	assert.EqualValues(t, 2, a.last("user_list")["total"])

	for _, m := range b.messages() {
		assert.NotEqual(t, "user_joined", m["type"], "new session must not see its own join")
	}
}

func TestWelcomeIsFirstFrameUnderTraffic(t *testing.T) {
	s := newTestServer(t, nil)
	b, _ := connect(t, s, "10.0.0.2")
	waitForFrames(t, b, 2)

	// A join already in progress keeps the newcomer's flow waiting.
	s.presence.mu.Lock()
	a := newMockConn("10.0.0.1")
	require.True(t, s.trackConn())
	go s.runSession(a)
	require.Eventually(t, func() bool {
		return s.sessions.Count() == 2
	}, time.Second, time.Millisecond)

	b.push(`{"type":"message","text":"hello"}`)
	b.push(`{"type":"typing","isTyping":true}`)
	b.push(`{"type":"get_users"}`)
	require.Eventually(t, func() bool {
		return b.last("message_delivered") != nil && countType(b, "user_list") == 2
	}, time.Second, time.Millisecond)
	assert.EqualValues(t, 1, b.last("user_list")["total"], "unwelcomed session is not in the roster")
	assert.Empty(t, a.types())

	s.presence.mu.Unlock()
	waitForFrames(t, a, 2)
	assert.Equal(t, []string{"welcome", "user_list"}, a.types())
}

func TestConnectPersistsUser(t *testing.T) {
	store := newRecordingStore()
	s := newTestServer(t, store)

	_, sess := connect(t, s, "::ffff:192.168.1.9")

	u, ok := store.user(sess.ID)
	require.True(t, ok)
	assert.Equal(t, sess.Username(), u.Username)
	assert.Equal(t, "192.168.1.9", u.IPAddress)
	assert.True(t, u.Online)
}

func TestRenameOrdering(t *testing.T) {
	store := newRecordingStore()
	s := newTestServer(t, store)

	a, aSess := connect(t, s, "10.0.0.1")
	b, _ := connect(t, s, "10.0.0.2")
	waitForFrames(t, a, 4)
	oldName := aSess.Username()
	a.reset()
	b.reset()

	a.push(`{"type":"register","username":"  alice  ","color":"#ff00aa"}`)
	waitForFrames(t, a, 3)
	waitForFrames(t, b, 2)

	assert.Equal(t, []string{"registered", "user_updated", "user_list"}, a.types())
	assert.Equal(t, []string{"user_updated", "user_list"}, b.types())

	updated := b.last("user_updated")
	assert.Equal(t, aSess.ID, updated["userId"])
	assert.Equal(t, oldName, updated["oldUsername"])
	assert.Equal(t, "alice", updated["newUsername"])

	registered := a.last("registered")
	assert.Equal(t, "alice", registered["username"])
	assert.Equal(t, "#ff00aa", registered["color"])

	users := b.last("user_list")["users"].([]any)
	var names []string
	for _, u := range users {
		names = append(names, u.(map[string]any)["username"].(string))
	}
	assert.Contains(t, names, "alice")

	u, ok := store.user(aSess.ID)
	require.True(t, ok)
	assert.Equal(t, "alice", u.Username)
	assert.Equal(t, "#ff00aa", u.Color)
}

func TestRegisterUnchangedIdentityBroadcastsNothing(t *testing.T) {
	s := newTestServer(t, nil)

	a, aSess := connect(t, s, "10.0.0.1")
	b, _ := connect(t, s, "10.0.0.2")
	waitForFrames(t, a, 4)
	a.reset()
	b.reset()

	a.push(`{"type":"register","username":"` + aSess.Username() + `"}`)
	syncConn(t, a)

	assert.Equal(t, []string{"registered"}, withoutPongs(a.types()))
	assert.Empty(t, b.types())
}

func TestRegisterColorOnlySendsRoster(t *testing.T) {
	s := newTestServer(t, nil)

	a, _ := connect(t, s, "10.0.0.1")
	b, _ := connect(t, s, "10.0.0.2")
	waitForFrames(t, a, 4)
	a.reset()
	b.reset()

	a.push(`{"type":"register","color":"#000"}`)
	syncConn(t, a)

	assert.Equal(t, []string{"registered", "user_list"}, withoutPongs(a.types()))
	assert.Equal(t, []string{"user_list"}, b.types())
}

func TestRegisterRejectsInvalidIdentity(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		wantErr string
	}{
		{"bad color", `{"type":"register","username":"bob","color":"red"}`, "invalid color"},
		{"too long", `{"type":"register","username":"` + strings.Repeat("x", 33) + `"}`, "at most 32"},
		{"control char", `{"type":"register","username":"bo\u0007b"}`, "invalid characters"},
		{"wrong field type", `{"type":"register","username":5}`, errInvalidFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, nil)
			a, aSess := connect(t, s, "10.0.0.1")
			b, _ := connect(t, s, "10.0.0.2")
			waitForFrames(t, a, 4)
			name := aSess.Username()
			a.reset()
			b.reset()

			a.push(tt.frame)
			syncConn(t, a)

			assert.Equal(t, []string{"error"}, withoutPongs(a.types()))
			assert.Contains(t, a.last("error")["message"], tt.wantErr)
			assert.Empty(t, b.types())
			assert.Equal(t, name, aSess.Username())
			assert.True(t, a.IsOpen())
		})
	}
}

func TestChatMessageRelay(t *testing.T) {
	store := newRecordingStore()
	s := newTestServer(t, store)

	a, aSess := connect(t, s, "10.0.0.1")
	b, _ := connect(t, s, "10.0.0.2")
	c, _ := connect(t, s, "10.0.0.3")
	waitForFrames(t, a, 6)
	a.reset()
	b.reset()
	c.reset()

	a.push(`{"type":"message","text":"hello there"}`)
	waitForFrames(t, a, 1)
	waitForFrames(t, b, 1)
	waitForFrames(t, c, 1)

	assert.Equal(t, []string{"message_delivered"}, a.types())
	assert.Equal(t, []string{"new_message"}, b.types())
	assert.Equal(t, []string{"new_message"}, c.types())

	msg := b.last("new_message")["message"].(map[string]any)
	assert.Equal(t, "hello there", msg["text"])
	assert.Equal(t, aSess.Username(), msg["sender"])
	assert.Equal(t, aSess.ID, msg["senderId"])
	assert.Equal(t, "group", msg["chatId"])
	assert.Equal(t, false, msg["isSystem"])
	id := msg["id"].(string)
	assert.True(t, strings.HasPrefix(id, "msg_"), id)

	delivered := a.last("message_delivered")
	assert.Equal(t, id, delivered["messageId"])
	assert.Equal(t, "group", delivered["chatId"])

	require.Eventually(t, func() bool {
		return len(store.savedMessages()) == 1
	}, time.Second, time.Millisecond)
	saved := store.savedMessages()[0]
	assert.Equal(t, id, saved.MessageID)
	assert.Equal(t, aSess.ID, saved.SenderID)
	assert.Equal(t, "hello there", saved.Text)
}

func TestChatMessageKeepsClientIDs(t *testing.T) {
	s := newTestServer(t, nil)

	a, _ := connect(t, s, "10.0.0.1")
	b, _ := connect(t, s, "10.0.0.2")
	waitForFrames(t, a, 4)
	b.reset()

	a.push(`{"type":"message","message":"legacy body","messageId":"client-1","conversationId":"room-7"}`)
	waitForFrames(t, b, 1)

	nm := b.last("new_message")
	assert.Equal(t, "room-7", nm["chatId"])
	msg := nm["message"].(map[string]any)
	assert.Equal(t, "client-1", msg["id"])
	assert.Equal(t, "legacy body", msg["text"])
}

func TestChatMessageRejectsBadClientIDs(t *testing.T) {
	s := newTestServer(t, nil)

	a, _ := connect(t, s, "10.0.0.1")
	b, _ := connect(t, s, "10.0.0.2")
	waitForFrames(t, a, 4)
	a.reset()
	b.reset()

	a.push(`{"type":"message","text":"hi","messageId":"` + strings.Repeat("x", maxMessageIDLength+1) + `"}`)
	a.push(`{"type":"message","text":"hi","messageId":"two words"}`)
	syncConn(t, a)

	assert.Equal(t, []string{"error", "error", "pong"}, a.types())
	assert.Contains(t, a.messages()[0]["message"], "messageId")
	assert.Empty(t, b.types())

	a.push(`{"type":"message","text":"hi","messageId":"` + strings.Repeat("x", maxMessageIDLength) + `"}`)
	waitForFrames(t, b, 1)
	assert.Equal(t, []string{"new_message"}, b.types())
}

func TestChatMessageReusedClientIDStoredSeparately(t *testing.T) {
	store := newRecordingStore()
	s := newTestServer(t, store)

	a, _ := connect(t, s, "10.0.0.1")
	b, _ := connect(t, s, "10.0.0.2")
	waitForFrames(t, a, 4)

	a.push(`{"type":"message","text":"original","messageId":"client-7"}`)
	require.Eventually(t, func() bool {
		return len(store.savedMessages()) == 1
	}, time.Second, time.Millisecond)

	b.reset()
	b.push(`{"type":"message","text":"copycat","messageId":"client-7"}`)
	require.Eventually(t, func() bool {
		return len(store.savedMessages()) == 2
	}, time.Second, time.Millisecond)

	assert.Equal(t, "client-7", b.last("message_delivered")["messageId"], "delivery keeps the client id")
	saved := store.savedMessages()
	assert.Equal(t, "client-7", saved[0].MessageID)
	assert.Equal(t, "original", saved[0].Text)
	assert.True(t, strings.HasPrefix(saved[1].MessageID, "msg_"), saved[1].MessageID)
	assert.Equal(t, "copycat", saved[1].Text)
}

func TestChatMessageValidation(t *testing.T) {
	s := newTestServer(t, nil)
	s.config.MaxMessageLength = 10

	a, _ := connect(t, s, "10.0.0.1")
	b, _ := connect(t, s, "10.0.0.2")
	waitForFrames(t, a, 4)
	a.reset()
	b.reset()

	a.push(`{"type":"message","text":"   "}`)
	a.push(`{"type":"message","text":"this is far too long"}`)
	syncConn(t, a)

	errs := a.messages()
	require.Len(t, errs, 3)
	assert.Equal(t, "message text is required", errs[0]["message"])
	assert.Equal(t, "message exceeds 10 characters", errs[1]["message"])
	assert.Empty(t, b.types())
}

func TestPersistenceFailureDoesNotAffectDelivery(t *testing.T) {
	store := newRecordingStore()
	store.saveErr = errors.New("disk full")
	s := newTestServer(t, store)

	a, _ := connect(t, s, "10.0.0.1")
	b, _ := connect(t, s, "10.0.0.2")
	waitForFrames(t, a, 4)
	a.reset()
	b.reset()

	a.push(`{"type":"message","text":"still delivered"}`)
	waitForFrames(t, b, 1)
	waitForFrames(t, a, 1)

	assert.Equal(t, "new_message", b.types()[0])
	assert.Equal(t, "message_delivered", a.types()[0])
	assert.True(t, a.IsOpen())
}

func TestTypingExcludesSender(t *testing.T) {
	s := newTestServer(t, nil)

	a, aSess := connect(t, s, "10.0.0.1")
	b, _ := connect(t, s, "10.0.0.2")
	waitForFrames(t, a, 4)
	a.reset()
	b.reset()

	a.push(`{"type":"typing","isTyping":true}`)
	syncConn(t, a)
	waitForFrames(t, b, 1)

	assert.Empty(t, withoutPongs(a.types()))
	typing := b.last("typing")
	require.NotNil(t, typing)
	assert.Equal(t, aSess.ID, typing["userId"])
	assert.Equal(t, true, typing["isTyping"])
	assert.Equal(t, "group", typing["chatId"])
}

func TestPingAndGetUsersGoToSenderOnly(t *testing.T) {
	s := newTestServer(t, nil)
	clock := newFakeClock()
	s.now = clock.Now

	a, _ := connect(t, s, "10.0.0.1")
	b, _ := connect(t, s, "10.0.0.2")
	waitForFrames(t, a, 4)
	a.reset()
	b.reset()

	a.push(`{"type":"ping"}`)
	a.push(`{"type":"get_users"}`)
	waitForFrames(t, a, 2)

	assert.Equal(t, []string{"pong", "user_list"}, a.types())
	assert.EqualValues(t, clock.Now().UnixMilli(), a.last("pong")["serverTime"])
	assert.EqualValues(t, 2, a.last("user_list")["total"])

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, b.types())
}

func TestUnknownAndMalformedFrames(t *testing.T) {
	s := newTestServer(t, nil)

	a, aSess := connect(t, s, "10.0.0.1")
	waitForFrames(t, a, 2)
	a.reset()

	a.push(`{"type":"dance"}`)
	a.push(`not json at all`)
	a.push(`{"text":"no type"}`)
	a.push(`[1,2,3]`)
	syncConn(t, a)

	msgs := a.messages()
	require.Len(t, msgs, 5)
	assert.Equal(t, "unknown message type: dance", msgs[0]["message"])
	for _, m := range msgs[1:4] {
		assert.Equal(t, "error", m["type"])
		assert.Equal(t, errInvalidFormat, m["message"])
	}

	assert.True(t, a.IsOpen())
	_, ok := s.sessions.Get(aSess.ID)
	assert.True(t, ok)
}

func TestActivityTracking(t *testing.T) {
	s := newTestServer(t, nil)
	clock := newFakeClock()
	s.now = clock.Now
	s.sessions.now = clock.Now

	a, aSess := connect(t, s, "10.0.0.1")
	start := aSess.LastActivity()

	clock.Advance(time.Minute)
	a.push(`garbage`)
	waitForFrames(t, a, 3)
	assert.True(t, aSess.LastActivity().Equal(start), "undecodable frames are not activity")

	clock.Advance(time.Minute)
	a.push(`{"type":"dance"}`)
	waitForFrames(t, a, 4)
	assert.True(t, aSess.LastActivity().Equal(clock.Now()), "unknown kinds count as activity")
}

func TestRateLimitDropsFrames(t *testing.T) {
	s := newTestServer(t, nil)
	s.config.MessageRateLimit = 0.001
	s.config.MessageBurst = 2

	a, _ := connect(t, s, "10.0.0.1")
	waitForFrames(t, a, 2)
	a.reset()

	for i := 0; i < 5; i++ {
		a.push(`{"type":"ping"}`)
	}

	require.Eventually(t, func() bool {
		return countType(a, "pong") == 2
	}, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, countType(a, "pong"))
	assert.Empty(t, a.last("error"), "rate limited frames get no reply")
	assert.True(t, a.IsOpen())
}

func TestDisconnectAnnouncesLeave(t *testing.T) {
	store := newRecordingStore()
	s := newTestServer(t, store)

	a, _ := connect(t, s, "10.0.0.1")
	b, bSess := connect(t, s, "10.0.0.2")
	waitForFrames(t, a, 4)
	a.reset()

	disconnect(t, s, b, bSess)
	waitForFrames(t, a, 2)

	assert.Equal(t, []string{"user_left", "user_list"}, a.types())
	assert.Equal(t, bSess.ID, a.last("user_left")["userId"])
	assert.EqualValues(t, 1, a.last("user_list")["total"])
	assert.Equal(t, 1, s.sessions.Count())

	u, ok := store.user(bSess.ID)
	require.True(t, ok)
	assert.False(t, u.Online)
}

func TestConcurrentConnectDisconnect(t *testing.T) {
	s := newTestServer(t, nil)

	observer, _ := connect(t, s, "10.0.0.1")
	waitForFrames(t, observer, 2)

	conns := make([]*mockConn, 3)
	var wg sync.WaitGroup
	for i := range conns {
		conns[i] = newMockConn("10.0.1.1")
		require.True(t, s.trackConn())
		wg.Add(1)
		go func(c *mockConn) {
			defer wg.Done()
			s.runSession(c)
		}(conns[i])
	}

	for _, c := range conns {
		c := c
		require.Eventually(t, func() bool { return c.last("welcome") != nil }, time.Second, time.Millisecond)
	}
	for _, c := range conns {
		go c.hangUp()
	}
	wg.Wait()

	assert.Equal(t, 1, s.sessions.Count())
	assert.Equal(t, 3, countType(observer, "user_joined"))
	require.Eventually(t, func() bool {
		return countType(observer, "user_left") == 3
	}, time.Second, time.Millisecond)
	assert.EqualValues(t, 1, observer.last("user_list")["total"], "final roster shows only the observer")
}

func TestDuplicateSessionIDClosesConnection(t *testing.T) {
	s := newTestServer(t, nil)
	s.sessions.newID = func() string { return "same" }

	first, _ := connect(t, s, "10.0.0.1")

	second := newMockConn("10.0.0.2")
	require.True(t, s.trackConn())
	go s.runSession(second)

	require.Eventually(t, func() bool {
		closed, _, _ := second.closeState()
		return closed
	}, time.Second, time.Millisecond)
	_, code, _ := second.closeState()
	assert.Equal(t, CloseInternalError, code)
	assert.Empty(t, second.types())
	assert.Equal(t, 1, s.sessions.Count())
	assert.True(t, first.IsOpen())
}

func TestSystemMessages(t *testing.T) {
	cfg := testConfig()
	cfg.SystemMessages = true
	s := NewServer(cfg, nil, nil)

	a, _ := connect(t, s, "10.0.0.1")
	waitForFrames(t, a, 2)
	_, bSess := connect(t, s, "10.0.0.2")

	require.Eventually(t, func() bool {
		return a.last("new_message") != nil
	}, time.Second, time.Millisecond)

	types := a.types()
	assert.Equal(t, []string{"welcome", "user_list", "user_list", "user_joined", "new_message"}, types)
	msg := a.last("new_message")["message"].(map[string]any)
	assert.Equal(t, true, msg["isSystem"])
	assert.Equal(t, "System", msg["sender"])
	assert.Equal(t, bSess.Username()+" joined the chat", msg["text"])
	assert.True(t, strings.HasPrefix(msg["id"].(string), "sys_"))
}
