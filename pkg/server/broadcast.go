package server

import (
	"errors"
	"time"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

// Broadcaster fans outbound messages out to registered sessions.
type Broadcaster struct {
	sessions *SessionManager
	metrics  *Metrics
	now      func() time.Time
}

// NewBroadcaster creates a broadcaster over sessions.
func NewBroadcaster(sessions *SessionManager, metrics *Metrics) *Broadcaster {
	return &Broadcaster{
		sessions: sessions,
		metrics:  metrics,
		now:      time.Now,
	}
}

func (b *Broadcaster) encode(msg protocol.Outbound) ([]byte, bool) {
	data, err := protocol.Encode(msg, b.now())
	if err != nil {
		errorLog.Printf("Failed to encode %s: %v", msg.MessageType(), err)
		return nil, false
	}
	return data, true
}

// Broadcast encodes msg once and enqueues it for every live, welcomed
// session whose id is not in exclude. A failing recipient is skipped. It returns the
// number of sessions the message was handed to.
func (b *Broadcaster) Broadcast(msg protocol.Outbound, exclude ...string) int {
	start := time.Now()
	kind := msg.MessageType()

	data, ok := b.encode(msg)
	if !ok {
		return 0
	}

	delivered := 0
	b.sessions.ForEach(func(sess *Session) {
		if !sess.Welcomed() {
			return
		}
		for _, id := range exclude {
			if sess.ID == id {
				return
			}
		}
		if b.deliver(sess, data, kind) {
			delivered++
		}
	})

	b.metrics.RecordBroadcastFanout(kind, delivered)
	b.metrics.RecordBroadcastDuration(kind, time.Since(start).Seconds())
	return delivered
}

// Send enqueues msg for one session.
func (b *Broadcaster) Send(sess *Session, msg protocol.Outbound) bool {
	data, ok := b.encode(msg)
	if !ok {
		return false
	}
	return b.deliver(sess, data, msg.MessageType())
}

// SendTo enqueues msg for the session with id. Unknown or closed sessions
// are skipped.
func (b *Broadcaster) SendTo(id string, msg protocol.Outbound) bool {
	sess, ok := b.sessions.Get(id)
	if !ok {
		debugLog.Printf("SendTo %s: no such session (%s dropped)", id, msg.MessageType())
		return false
	}
	return b.Send(sess, msg)
}

func (b *Broadcaster) deliver(sess *Session, data []byte, kind string) bool {
	if !sess.IsAlive() {
		debugLog.Printf("Session %s: skipping %s, connection not open", sess.ID, kind)
		return false
	}

	err := sess.Conn.Send(data)
	switch {
	case err == nil:
		b.metrics.RecordMessageSent(kind)
		return true
	case errors.Is(err, ErrSendQueueFull):
		// A reader this far behind is dropped; the close path removes it.
		errorLog.Printf("Session %s: send queue overflow on %s, closing", sess.ID, kind)
		b.metrics.RecordDeliveryFailure("queue_full")
		sess.Conn.Close(ClosePolicy, "send queue overflow")
	default:
		debugLog.Printf("Session %s: %s delivery failed: %v", sess.ID, kind, err)
		b.metrics.RecordDeliveryFailure("closed")
	}
	return false
}
