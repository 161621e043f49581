package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMalformed indicates the frame is not a decodable JSON object.
	ErrMalformed = errors.New("malformed envelope")
	// ErrMissingType indicates the envelope decoded but carries no type.
	ErrMissingType = errors.New("envelope has no type")
)

// Envelope is the part of every inbound frame needed for routing.
type Envelope struct {
	Type string `json:"type"`
}

// DecodeEnvelope extracts the routing type from a raw inbound frame.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrMalformed
	}

	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, ErrMissingType
	}
	return &env, nil
}

// DecodePayload decodes the kind-specific fields of an inbound frame.
func DecodePayload[T any](data []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &v, nil
}

// RegisterRequest sets or changes the sender's identity.
type RegisterRequest struct {
	Username string `json:"username"`
	Color    string `json:"color"`
}

// MessageRequest is a chat line sent by a client. Older clients send the body
// as "message" and the conversation as "conversationId".
type MessageRequest struct {
	Text           string `json:"text"`
	Message        string `json:"message"`
	MessageID      string `json:"messageId"`
	ChatID         string `json:"chatId"`
	ConversationID string `json:"conversationId"`
}

// Body returns the message text regardless of which field carried it.
func (m *MessageRequest) Body() string {
	if m.Text != "" {
		return m.Text
	}
	return m.Message
}

// Conversation returns the target conversation, defaulting to the group chat.
func (m *MessageRequest) Conversation() string {
	return conversation(m.ChatID, m.ConversationID)
}

// TypingRequest toggles the sender's typing indicator.
type TypingRequest struct {
	IsTyping       bool   `json:"isTyping"`
	ChatID         string `json:"chatId"`
	ConversationID string `json:"conversationId"`
}

// Conversation returns the target conversation, defaulting to the group chat.
func (t *TypingRequest) Conversation() string {
	return conversation(t.ChatID, t.ConversationID)
}

func conversation(chatID, conversationID string) string {
	if chatID != "" {
		return chatID
	}
	if conversationID != "" {
		return conversationID
	}
	return DefaultConversationID
}

// Header is embedded in every outbound message.
type Header struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

func (h *Header) header() *Header { return h }

// Outbound is implemented by every server → client message.
type Outbound interface {
	MessageType() string
	header() *Header
}

// Encode stamps msg with its type and the given time and serializes it.
func Encode(msg Outbound, now time.Time) ([]byte, error) {
	h := msg.header()
	h.Type = msg.MessageType()
	h.Timestamp = FormatTimestamp(now)

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", h.Type, err)
	}
	return data, nil
}

// ServerInfo describes the server in a welcome message.
type ServerInfo struct {
	Name    string  `json:"name"`
	Version string  `json:"version"`
	Clients int     `json:"clients"`
	Uptime  float64 `json:"uptime"`
}

// Welcome is the first message a new session receives.
type Welcome struct {
	Header
	UserID     string     `json:"userId"`
	Username   string     `json:"username"`
	Color      string     `json:"color"`
	Message    string     `json:"message"`
	ServerInfo ServerInfo `json:"serverInfo"`
}

func (*Welcome) MessageType() string { return TypeWelcome }

// Registered confirms a register request to its sender.
type Registered struct {
	Header
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Color    string `json:"color"`
}

func (*Registered) MessageType() string { return TypeRegistered }

// UserJoined announces a new session to everybody else.
type UserJoined struct {
	Header
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Color    string `json:"color"`
	Message  string `json:"message"`
}

func (*UserJoined) MessageType() string { return TypeUserJoined }

// UserLeft announces a closed session.
type UserLeft struct {
	Header
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Message  string `json:"message"`
}

func (*UserLeft) MessageType() string { return TypeUserLeft }

// UserUpdated announces a display name change.
type UserUpdated struct {
	Header
	UserID      string `json:"userId"`
	OldUsername string `json:"oldUsername"`
	NewUsername string `json:"newUsername"`
	Message     string `json:"message"`
}

func (*UserUpdated) MessageType() string { return TypeUserUpdated }

// RosterEntry is one connected session in a user list.
type RosterEntry struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	Color       string    `json:"color"`
	Online      bool      `json:"online"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// UserList carries the full roster.
type UserList struct {
	Header
	Users []RosterEntry `json:"users"`
	Total int           `json:"total"`
}

func (*UserList) MessageType() string { return TypeUserList }

// ChatMessage is the body of a new_message.
type ChatMessage struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	SenderID  string `json:"senderId"`
	Text      string `json:"text"`
	ChatID    string `json:"chatId"`
	IsSystem  bool   `json:"isSystem"`
	Color     string `json:"color"`
	Timestamp string `json:"timestamp"`
}

// NewMessage relays a chat line.
type NewMessage struct {
	Header
	Message ChatMessage `json:"message"`
	ChatID  string      `json:"chatId"`
}

func (*NewMessage) MessageType() string { return TypeNewMessage }

// MessageDelivered confirms to the sender that a chat line was relayed.
type MessageDelivered struct {
	Header
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
}

func (*MessageDelivered) MessageType() string { return TypeMessageDelivered }

// Typing relays a typing indicator.
type Typing struct {
	Header
	UserID   string `json:"userId"`
	Username string `json:"username"`
	ChatID   string `json:"chatId"`
	IsTyping bool   `json:"isTyping"`
}

func (*Typing) MessageType() string { return TypeTypingIndicator }

// Pong answers a ping.
type Pong struct {
	Header
	ServerTime int64 `json:"serverTime"`
}

func (*Pong) MessageType() string { return TypePong }

// Heartbeat is pushed periodically to every session.
type Heartbeat struct {
	Header
	ServerTime int64 `json:"serverTime"`
}

func (*Heartbeat) MessageType() string { return TypeHeartbeat }

// ErrorMessage reports a protocol error to a single session.
type ErrorMessage struct {
	Header
	Message string `json:"message"`
	Detail  string `json:"error,omitempty"`
}

func (*ErrorMessage) MessageType() string { return TypeError }

// ServerShutdown is broadcast before the server closes every session.
type ServerShutdown struct {
	Header
	Message string `json:"message"`
}

func (*ServerShutdown) MessageType() string { return TypeServerShutdown }
