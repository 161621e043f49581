package server

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	"github.com/aeolun/chatrelay/pkg/database"
	"github.com/aeolun/chatrelay/pkg/protocol"
)

var colorRegex = regexp.MustCompile(`^#(?:[0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)

// validateUsername returns a client-facing reason when name is unusable.
// An empty name means "keep the current one" and is valid.
func (s *Server) validateUsername(name string) string {
	if utf8.RuneCountInString(name) > s.config.MaxUsernameLength {
		return fmt.Sprintf("username must be at most %d characters", s.config.MaxUsernameLength)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return "username contains invalid characters"
		}
	}
	return ""
}

// handleRegister handles a register message
func (s *Server) handleRegister(sess *Session, data []byte) error {
	req, err := protocol.DecodePayload[protocol.RegisterRequest](data)
	if err != nil {
		return err
	}

	username := strings.TrimSpace(req.Username)
	color := strings.TrimSpace(req.Color)

	if reason := s.validateUsername(username); reason != "" {
		s.sendError(sess, reason)
		return nil
	}
	if color != "" && !colorRegex.MatchString(color) {
		s.sendError(sess, "invalid color, expected #rgb or #rrggbb")
		return nil
	}

	oldUsername, oldColor := sess.SetIdentity(username, color)
	username, color = sess.Identity()

	s.broadcaster.Send(sess, &protocol.Registered{
		UserID:   sess.ID,
		Username: username,
		Color:    color,
	})
	s.presence.IdentityChanged(sess, oldUsername, oldColor)

	s.store.SaveUser(database.User{
		ID:        sess.ID,
		Username:  username,
		Color:     color,
		IPAddress: sess.RemoteAddr,
		Online:    true,
	})

	if username != oldUsername {
		debugLog.Printf("Session %s: %s is now %s", sess.ID, oldUsername, username)
	}
	return nil
}

// handleChatMessage handles a message: relay to everybody else, confirm to
// the sender, persist in the background.
func (s *Server) handleChatMessage(sess *Session, data []byte) error {
	req, err := protocol.DecodePayload[protocol.MessageRequest](data)
	if err != nil {
		return err
	}

	text := strings.TrimSpace(req.Body())
	if text == "" {
		s.sendError(sess, "message text is required")
		return nil
	}
	if utf8.RuneCountInString(text) > s.config.MaxMessageLength {
		s.sendError(sess, fmt.Sprintf("message exceeds %d characters", s.config.MaxMessageLength))
		return nil
	}

	messageID := strings.TrimSpace(req.MessageID)
	if !validMessageID(messageID) {
		s.sendError(sess, fmt.Sprintf("messageId must be at most %d printable characters without spaces", maxMessageIDLength))
		return nil
	}
	if messageID == "" {
		messageID = "msg_" + ulid.Make().String()
	}
	conversationID := req.Conversation()
	username, color := sess.Identity()

	s.broadcaster.Broadcast(&protocol.NewMessage{
		Message: protocol.ChatMessage{
			ID:        messageID,
			Sender:    username,
			SenderID:  sess.ID,
			Text:      text,
			ChatID:    conversationID,
			Color:     color,
			Timestamp: protocol.FormatTimestamp(s.now()),
		},
		ChatID: conversationID,
	}, sess.ID)

	s.broadcaster.Send(sess, &protocol.MessageDelivered{
		MessageID: messageID,
		ChatID:    conversationID,
	})

	s.persistMessage(messageID, conversationID, sess.ID, text)
	return nil
}

const maxMessageIDLength = 64

// validMessageID accepts an absent id or a short run of printable,
// non-space characters.
func validMessageID(id string) bool {
	if utf8.RuneCountInString(id) > maxMessageIDLength {
		return false
	}
	for _, r := range id {
		if !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// persistMessage writes a relayed message without holding up the handler.
// A client id that is already stored is replaced by a fresh one for the row.
func (s *Server) persistMessage(messageID, conversationID, senderID, text string) {
	s.connMu.Lock()
	if s.storeClosing {
		s.connMu.Unlock()
		debugLog.Printf("Store closing, message %s not persisted", messageID)
		return
	}
	s.persistWG.Add(1)
	s.connMu.Unlock()

	go func() {
		defer s.persistWG.Done()
		_, err := s.store.SaveMessage(messageID, conversationID, senderID, text)
		if errors.Is(err, database.ErrDuplicateMessageID) {
			storedID := "msg_" + ulid.Make().String()
			debugLog.Printf("Message id %s already stored, saving as %s", messageID, storedID)
			_, err = s.store.SaveMessage(storedID, conversationID, senderID, text)
		}
		if err != nil {
			errorLog.Printf("Failed to persist message %s: %v", messageID, err)
			s.metrics.RecordPersistenceFailure()
		}
	}()
}

// handleTyping handles a typing indicator
func (s *Server) handleTyping(sess *Session, data []byte) error {
	req, err := protocol.DecodePayload[protocol.TypingRequest](data)
	if err != nil {
		return err
	}

	s.broadcaster.Broadcast(&protocol.Typing{
		UserID:   sess.ID,
		Username: sess.Username(),
		ChatID:   req.Conversation(),
		IsTyping: req.IsTyping,
	}, sess.ID)
	return nil
}

// handlePing handles a ping message
func (s *Server) handlePing(sess *Session) error {
	s.broadcaster.Send(sess, &protocol.Pong{ServerTime: s.now().UnixMilli()})
	return nil
}

// handleGetUsers sends the roster to the requester only
func (s *Server) handleGetUsers(sess *Session) error {
	s.presence.RosterTo(sess)
	return nil
}
