package server

import (
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

// Presence turns registry changes into join, leave and rename
// notifications. Every notification goes out before the roster that
// reflects it.
type Presence struct {
	// mu serializes the flows so a roster computed later is never sent
	// before one computed earlier.
	mu sync.Mutex

	sessions       *SessionManager
	broadcaster    *Broadcaster
	serverInfo     func() protocol.ServerInfo
	systemMessages bool
}

// NewPresence creates a presence manager. serverInfo supplies the block sent
// in every welcome.
func NewPresence(sessions *SessionManager, broadcaster *Broadcaster, serverInfo func() protocol.ServerInfo, systemMessages bool) *Presence {
	return &Presence{
		sessions:       sessions,
		broadcaster:    broadcaster,
		serverInfo:     serverInfo,
		systemMessages: systemMessages,
	}
}

func (p *Presence) roster() *protocol.UserList {
	users := p.sessions.Roster()
	return &protocol.UserList{Users: users, Total: len(users)}
}

// Joined greets a newly registered session and announces it to everybody
// else. The welcome is queued before the session starts taking broadcasts.
func (p *Presence) Joined(sess *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()

	username, color := sess.Identity()

	p.broadcaster.Send(sess, &protocol.Welcome{
		UserID:     sess.ID,
		Username:   username,
		Color:      color,
		Message:    fmt.Sprintf("Welcome to the chat, %s!", username),
		ServerInfo: p.serverInfo(),
	})
	sess.awaitingWelcome.Store(false)

	p.broadcaster.Broadcast(p.roster())
	p.broadcaster.Broadcast(&protocol.UserJoined{
		UserID:   sess.ID,
		Username: username,
		Color:    color,
		Message:  fmt.Sprintf("%s joined the chat", username),
	}, sess.ID)

	p.systemLine(fmt.Sprintf("%s joined the chat", username), sess.ID)
}

// IdentityChanged announces a register request that changed sess. Nothing
// is sent when neither name nor color changed.
func (p *Presence) IdentityChanged(sess *Session, oldUsername, oldColor string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	username, color := sess.Identity()
	nameChanged := username != oldUsername
	if !nameChanged && color == oldColor {
		return
	}

	if nameChanged {
		p.broadcaster.Broadcast(&protocol.UserUpdated{
			UserID:      sess.ID,
			OldUsername: oldUsername,
			NewUsername: username,
			Message:     fmt.Sprintf("%s is now known as %s", oldUsername, username),
		})
	}
	p.broadcaster.Broadcast(p.roster())

	if nameChanged {
		p.systemLine(fmt.Sprintf("%s is now known as %s", oldUsername, username))
	}
}

// Left announces a session that has already been removed from the registry.
func (p *Presence) Left(sess *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()

	username := sess.Username()

	p.broadcaster.Broadcast(&protocol.UserLeft{
		UserID:   sess.ID,
		Username: username,
		Message:  fmt.Sprintf("%s left the chat", username),
	})
	p.broadcaster.Broadcast(p.roster())

	p.systemLine(fmt.Sprintf("%s left the chat", username))
}

// RosterTo sends the current roster to one session.
func (p *Presence) RosterTo(sess *Session) {
	p.broadcaster.Send(sess, p.roster())
}

func (p *Presence) systemLine(text string, exclude ...string) {
	if !p.systemMessages {
		return
	}
	now := p.broadcaster.now()
	p.broadcaster.Broadcast(&protocol.NewMessage{
		Message: protocol.ChatMessage{
			ID:        "sys_" + ulid.Make().String(),
			Sender:    protocol.SystemSender,
			Text:      text,
			ChatID:    protocol.DefaultConversationID,
			IsSystem:  true,
			Timestamp: protocol.FormatTimestamp(now),
		},
		ChatID: protocol.DefaultConversationID,
	}, exclude...)
}
