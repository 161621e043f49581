package protocol

import "time"

// Message type constants (Client → Server)
const (
	TypeRegister = "register"
	TypeMessage  = "message"
	TypeTyping   = "typing"
	TypePing     = "ping"
	TypeGetUsers = "get_users"
)

// Message type constants (Server → Client)
const (
	TypeWelcome          = "welcome"
	TypeRegistered       = "registered"
	TypeUserJoined       = "user_joined"
	TypeUserLeft         = "user_left"
	TypeUserUpdated      = "user_updated"
	TypeUserList         = "user_list"
	TypeNewMessage       = "new_message"
	TypeMessageDelivered = "message_delivered"
	TypeTypingIndicator  = "typing"
	TypePong             = "pong"
	TypeHeartbeat        = "heartbeat"
	TypeError            = "error"
	TypeServerShutdown   = "server_shutdown"
)

// DefaultConversationID is used when a client does not name a conversation.
const DefaultConversationID = "group"

// SystemSender is the display name carried by server-generated chat lines.
const SystemSender = "System"

// TimestampLayout is ISO-8601 with millisecond precision, always UTC.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTimestamp renders t the way every outbound envelope carries it.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// IsInboundType reports whether kind is a type clients may send.
func IsInboundType(kind string) bool {
	switch kind {
	case TypeRegister, TypeMessage, TypeTyping, TypePing, TypeGetUsers:
		return true
	default:
		return false
	}
}
