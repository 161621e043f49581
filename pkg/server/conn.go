package server

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrConnClosed is returned by Send once the connection is closing.
	ErrConnClosed = errors.New("connection closed")
	// ErrSendQueueFull is returned by Send when the outbound queue is full.
	ErrSendQueueFull = errors.New("send queue full")
)

// Close codes used by the server.
const (
	CloseNormal        = websocket.CloseNormalClosure
	CloseGoingAway     = websocket.CloseGoingAway
	ClosePolicy        = websocket.ClosePolicyViolation
	CloseInternalError = websocket.CloseInternalServerErr
)

// EventKind tags a ConnEvent.
type EventKind int

const (
	// EventMessage carries one inbound data frame.
	EventMessage EventKind = iota
	// EventClose reports a completed close handshake or a torn down socket.
	EventClose
	// EventError reports a transport failure. The connection is unusable.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// ConnEvent is one thing that happened on a connection.
type ConnEvent struct {
	Kind   EventKind
	Data   []byte
	Code   int
	Reason string
	Err    error
}

// Conn is a duplex message channel to one client.
//
// Send never blocks: it enqueues or fails. Frames are written in the order
// Send was called. Next blocks for the next inbound event; after it returns
// EventClose or EventError every later call returns the same kind of event.
type Conn interface {
	Send(data []byte) error
	Close(code int, reason string) error
	IsOpen() bool
	RemoteAddr() string
	Next() ConnEvent
}

type connOptions struct {
	queueSize     int
	maxFrameBytes int64
	writeTimeout  time.Duration
	pongWait      time.Duration
	closeGrace    time.Duration
}

func (o connOptions) pingInterval() time.Duration {
	return o.pongWait * 9 / 10
}

type closeRequest struct {
	code   int
	reason string
}

// wsConn is a Conn over a gorilla WebSocket. A single write pump goroutine
// owns all writes to the socket.
type wsConn struct {
	ws         *websocket.Conn
	remoteAddr string
	opts       connOptions

	send     chan []byte
	closeReq chan closeRequest
	done     chan struct{}

	closing      atomic.Bool
	teardownOnce sync.Once
	requested    atomic.Pointer[closeRequest]

	// terminal is the first close or error event; only Next touches it.
	terminal *ConnEvent
}

func newWSConn(ws *websocket.Conn, remoteAddr string, opts connOptions) *wsConn {
	c := &wsConn{
		ws:         ws,
		remoteAddr: remoteAddr,
		opts:       opts,
		send:       make(chan []byte, opts.queueSize),
		closeReq:   make(chan closeRequest, 1),
		done:       make(chan struct{}),
	}

	ws.SetReadLimit(opts.maxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(opts.pongWait))
	// Pongs prove the peer is reachable; they are not user activity.
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(opts.pongWait))
	})

	go c.writePump()
	return c
}

func (c *wsConn) RemoteAddr() string {
	return c.remoteAddr
}

func (c *wsConn) IsOpen() bool {
	if c.closing.Load() {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *wsConn) Send(data []byte) error {
	if c.closing.Load() {
		return ErrConnClosed
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close asks the write pump to flush queued frames and send a close frame.
// If the peer has not finished the handshake within the close grace period
// the socket is torn down, which unblocks Next.
func (c *wsConn) Close(code int, reason string) error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	req := closeRequest{code: code, reason: reason}
	c.requested.Store(&req)

	select {
	case c.closeReq <- req:
	default:
	}
	time.AfterFunc(c.opts.closeGrace, c.teardown)
	return nil
}

func (c *wsConn) teardown() {
	c.teardownOnce.Do(func() {
		c.closing.Store(true)
		close(c.done)
		c.ws.Close()
	})
}

func (c *wsConn) Next() ConnEvent {
	if c.terminal != nil {
		return *c.terminal
	}
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			ev := c.terminalEvent(err)
			c.terminal = &ev
			c.teardown()
			return ev
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.pongWait))

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			return ConnEvent{Kind: EventMessage, Data: data}
		}
	}
}

func (c *wsConn) terminalEvent(err error) ConnEvent {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return ConnEvent{Kind: EventClose, Code: closeErr.Code, Reason: closeErr.Text, Err: err}
	}
	// Our own teardown after a requested close reads as a closed socket.
	if req := c.requested.Load(); req != nil && isExpectedCloseError(err) {
		return ConnEvent{Kind: EventClose, Code: req.code, Reason: req.reason, Err: err}
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ConnEvent{Kind: EventClose, Code: websocket.CloseAbnormalClosure, Err: err}
	}
	return ConnEvent{Kind: EventError, Err: err}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.opts.pingInterval())
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			if err := c.write(data); err != nil {
				if !isExpectedCloseError(err) {
					debugLog.Printf("Write to %s failed: %v", c.remoteAddr, err)
				}
				c.teardown()
				return
			}
		case req := <-c.closeReq:
			c.flushQueued()
			c.writeClose(req)
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.writeTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				debugLog.Printf("Ping to %s failed: %v", c.remoteAddr, err)
				c.teardown()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) write(data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// flushQueued writes whatever was enqueued before the close request.
func (c *wsConn) flushQueued() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *wsConn) writeClose(req closeRequest) {
	msg := websocket.FormatCloseMessage(req.code, req.reason)
	deadline := time.Now().Add(c.opts.writeTimeout)
	if err := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && !isExpectedCloseError(err) {
		debugLog.Printf("Close frame to %s failed: %v", c.remoteAddr, err)
		c.teardown()
	}
}

// isExpectedCloseError reports errors that just mean the socket is gone.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
