package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(strings.NewReplacer(",", "", ".", "").Replace(loremIpsum))

const (
	setupTimeout = 5 * time.Second
	ackTimeout   = 10 * time.Second
	maxUsername  = 20
)

// generateUsername glues fragments of two lorem words together.
func generateUsername() string {
	fragment := func() string {
		word := strings.ToLower(loremWords[rand.IntN(len(loremWords))])
		if len(word) <= 3 {
			return word
		}
		n := 3 + rand.IntN(min(4, len(word)-2))
		return word[:min(n, len(word))]
	}

	username := fragment() + fragment()
	if len(username) < 3 {
		username += "bot"
	}
	if len(username) > maxUsername {
		username = username[:maxUsername]
	}
	return username
}

// randomText builds a 5-20 word chat line.
func randomText() string {
	words := make([]string, 5+rand.IntN(16))
	for i := range words {
		words[i] = loremWords[rand.IntN(len(loremWords))]
	}
	return strings.Join(words, " ")
}

// outgoing is a client frame: the routing type plus the request body.
type outgoing struct {
	Type string `json:"type"`
	protocol.MessageRequest
}

// ack is what the read loop hands back to a poster waiting on its message.
type ack struct {
	messageID string
	err       error
}

// BotClient represents a fake client for load testing
type BotClient struct {
	id         int
	username   string
	userID     string
	serverAddr string
	ws         *websocket.Conn
	stats      *Stats
	http       *http.Client

	acks chan ack
	done chan struct{}
}

func NewBotClient(id int, serverAddr string, stats *Stats) *BotClient {
	return &BotClient{
		id:         id,
		username:   generateUsername(),
		serverAddr: serverAddr,
		stats:      stats,
		http:       &http.Client{Timeout: setupTimeout},
		acks:       make(chan ack, 16),
		done:       make(chan struct{}),
	}
}

// Connect dials the relay, waits for the welcome and registers the bot's name.
func (bc *BotClient) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: setupTimeout}
	ws, _, err := dialer.DialContext(ctx, "ws://"+bc.serverAddr+"/ws", nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	bc.ws = ws

	welcome, err := readFrame[protocol.Welcome](ws, protocol.TypeWelcome)
	if err != nil {
		ws.Close()
		return err
	}
	bc.userID = welcome.UserID

	if err := ws.WriteJSON(map[string]string{"type": protocol.TypeRegister, "username": bc.username}); err != nil {
		ws.Close()
		return fmt.Errorf("failed to register: %w", err)
	}
	if _, err := readFrame[protocol.Registered](ws, protocol.TypeRegistered); err != nil {
		ws.Close()
		return err
	}

	ws.SetReadDeadline(time.Time{})
	go bc.readLoop()
	return nil
}

// readFrame reads until a frame of the wanted type arrives. Presence traffic
// that races ahead of it is skipped; an error frame aborts.
func readFrame[T any](ws *websocket.Conn, want string) (*T, error) {
	ws.SetReadDeadline(time.Now().Add(setupTimeout))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("waiting for %s: %w", want, err)
		}
		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			return nil, err
		}
		switch env.Type {
		case want:
			return protocol.DecodePayload[T](data)
		case protocol.TypeError:
			msg, err := protocol.DecodePayload[protocol.ErrorMessage](data)
			if err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("server rejected %s: %s", want, msg.Message)
		}
	}
}

func (bc *BotClient) readLoop() {
	defer close(bc.done)
	for {
		_, data, err := bc.ws.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			continue
		}

		switch env.Type {
		case protocol.TypeNewMessage:
			bc.stats.recordReceived()
		case protocol.TypeMessageDelivered:
			if resp, err := protocol.DecodePayload[protocol.MessageDelivered](data); err == nil {
				bc.deliver(ack{messageID: resp.MessageID})
			}
		case protocol.TypeError:
			if resp, err := protocol.DecodePayload[protocol.ErrorMessage](data); err == nil {
				bc.deliver(ack{err: errors.New(resp.Message)})
			}
		case protocol.TypeServerShutdown:
			log.Printf("[Bot %d] Server is shutting down", bc.id)
		}
	}
}

// deliver never blocks the read loop; acks nobody waits for anymore are dropped.
func (bc *BotClient) deliver(a ack) {
	select {
	case bc.acks <- a:
	default:
	}
}

// PostRandomMessage sends one chat line and waits for its delivery receipt.
func (bc *BotClient) PostRandomMessage() error {
	messageID := "lt_" + ulid.Make().String()
	frame := outgoing{
		Type: protocol.TypeMessage,
		MessageRequest: protocol.MessageRequest{
			Text:      randomText(),
			MessageID: messageID,
		},
	}

	start := time.Now()
	if err := bc.ws.WriteJSON(frame); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) || isConnectionError(err) {
			bc.stats.recordDisconnection()
		} else {
			bc.stats.recordFailure()
		}
		return err
	}

	timeout := time.NewTimer(ackTimeout)
	defer timeout.Stop()
	for {
		select {
		case a := <-bc.acks:
			if a.err != nil {
				bc.stats.recordPostFailure()
				return fmt.Errorf("post message failed: %w", a.err)
			}
			if a.messageID != messageID {
				// Late receipt for a message that already timed out.
				continue
			}
			bc.stats.recordSuccess(time.Since(start).Microseconds())
			return nil
		case <-bc.done:
			bc.stats.recordDisconnection()
			return fmt.Errorf("connection closed")
		case <-timeout.C:
			bc.stats.recordTimeout()
			return fmt.Errorf("timeout waiting for delivery receipt")
		}
	}
}

func isConnectionError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "EOF")
}

// FetchMessages pulls the recent group history over HTTP.
func (bc *BotClient) FetchMessages(ctx context.Context) error {
	url := fmt.Sprintf("http://%s/api/messages/%s?limit=50", bc.serverAddr, protocol.DefaultConversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := bc.http.Do(req)
	if err != nil {
		bc.stats.recordFetchFailure()
		return err
	}
	defer resp.Body.Close()

	// A relay without a database answers 503; that is not a failure of the relay.
	if resp.StatusCode == http.StatusServiceUnavailable {
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		bc.stats.recordFetchFailure()
		return fmt.Errorf("history returned %s", resp.Status)
	}

	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		bc.stats.recordFetchFailure()
		return err
	}
	return nil
}

// Run posts at random intervals until the duration elapses or ctx is cancelled.
func (bc *BotClient) Run(ctx context.Context, duration, minDelay, maxDelay, shutdownDelay time.Duration) {
	defer bc.ws.Close()

	// Initial history fetch; failures are counted, not fatal
	_ = bc.FetchMessages(ctx)

	endTime := time.Now().Add(duration)
	iteration := 0

	for time.Now().Before(endTime) {
		iteration++

		if err := bc.PostRandomMessage(); err != nil {
			select {
			case <-bc.done:
				return
			default:
			}
		}

		// Refresh history every 3 iterations, like a client scrolling back
		if iteration%3 == 0 {
			_ = bc.FetchMessages(ctx)
		}

		delay := minDelay
		if maxDelay > minDelay {
			delay += rand.N(maxDelay - minDelay)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			bc.close()
			return
		}
	}

	// Stagger shutdown to avoid thundering herd on disconnect
	if shutdownDelay > 0 {
		select {
		case <-time.After(shutdownDelay):
		case <-ctx.Done():
		}
	}
	bc.close()
}

// close says goodbye the way a browser tab does and waits briefly for the echo.
func (bc *BotClient) close() {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "load test finished")
	if err := bc.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		return
	}
	select {
	case <-bc.done:
	case <-time.After(time.Second):
	}
}
