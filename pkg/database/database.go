package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNoStore is returned by history queries when persistence is disabled.
	ErrNoStore = errors.New("persistence is not configured")
	// ErrClosed is returned for writes attempted after Close.
	ErrClosed = errors.New("database is closed")
	// ErrUserNotFound indicates no user row exists for the id.
	ErrUserNotFound = errors.New("user not found")
	// ErrDuplicateMessageID is returned when a wire message id is already stored.
	ErrDuplicateMessageID = errors.New("duplicate message id")
)

// DB wraps the SQLite database connection
type DB struct {
	conn        *sql.DB // Read connection pool
	writeConn   *sql.DB // Dedicated write connection (1 connection)
	snowflake   *Snowflake
	WriteBuffer *WriteBuffer

	closeOnce sync.Once
	closeErr  error
}

// User is a participant row. ID is the relay session id.
type User struct {
	ID        string
	Username  string
	Color     string
	IPAddress string
	Online    bool
	FirstSeen int64
	LastSeen  int64
}

// Message is a stored chat line.
type Message struct {
	ID             int64  `json:"dbId"`
	MessageID      string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	SenderName     string `json:"sender"`
	Text           string `json:"text"`
	CreatedAt      int64  `json:"createdAt"`
}

// Stats summarizes what has been persisted.
type Stats struct {
	TotalUsers    int64 `json:"totalUsers"`
	OnlineUsers   int64 `json:"onlineUsers"`
	TotalMessages int64 `json:"totalMessages"`
	Conversations int64 `json:"conversations"`
}

// pragmas applied to every connection pool. WAL lets readers proceed while
// the single writer holds the lock.
var pragmas = []struct {
	stmt string
	what string
}{
	{"PRAGMA journal_mode = WAL", "enable WAL mode"},
	{"PRAGMA busy_timeout = 5000", "set busy timeout"},
	{"PRAGMA foreign_keys = ON", "enable foreign keys"},
	{"PRAGMA synchronous = NORMAL", "set synchronous mode"},
}

func openPool(path string, maxOpen, maxIdle int, lifetime time.Duration) (*sql.DB, error) {
	pool, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	pool.SetMaxOpenConns(maxOpen)
	pool.SetMaxIdleConns(maxIdle)
	pool.SetConnMaxLifetime(lifetime)

	for _, p := range pragmas {
		if _, err := pool.Exec(p.stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}
	return pool, nil
}

// Open opens the SQLite database at path, applies pending migrations and
// starts the write buffer.
func Open(path string) (*DB, error) {
	conn, err := openPool(path, 25, 5, 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer; give it a connection of its own that
	// never expires.
	writeConn, err := openPool(path, 1, 1, 0)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}

	if err := runMigrations(writeConn, path); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	db := &DB{
		conn:      conn,
		writeConn: writeConn,
		snowflake: NewSnowflake(messageEpoch, 0),
	}
	db.WriteBuffer = NewWriteBuffer(db, 100*time.Millisecond)
	return db, nil
}

// Close flushes buffered writes and closes both connection pools. Calling it
// more than once is harmless.
func (db *DB) Close() error {
	db.closeOnce.Do(func() {
		db.WriteBuffer.Close()
		writeErr := db.writeConn.Close()
		db.closeErr = errors.Join(db.conn.Close(), writeErr)
	})
	return db.closeErr
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// SaveUser queues an upsert of the user row. first_seen is kept from the
// existing row.
func (db *DB) SaveUser(u User) {
	db.WriteBuffer.SaveUser(u)
}

// UpdateUserStatus queues an online/offline flip for the user.
func (db *DB) UpdateUserStatus(id string, online bool) {
	db.WriteBuffer.UpdateUserStatus(id, online)
}

// SaveMessage stores a relayed chat line and returns its Snowflake id. It
// blocks until the write buffer has committed the batch.
func (db *DB) SaveMessage(messageID, conversationID, senderID, text string) (int64, error) {
	return db.WriteBuffer.SaveMessage(messageID, conversationID, senderID, text)
}

// GetUser loads one user row.
func (db *DB) GetUser(id string) (*User, error) {
	u := &User{}
	var online int
	err := db.conn.QueryRow(`
		SELECT id, username, color, ip_address, online, first_seen, last_seen
		FROM users
		WHERE id = ?
	`, id).Scan(&u.ID, &u.Username, &u.Color, &u.IPAddress, &online, &u.FirstSeen, &u.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Online = online != 0
	return u, nil
}

// ListMessages returns a page of a conversation in chronological order.
// offset counts back from the newest message.
func (db *DB) ListMessages(conversationID string, limit, offset int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := db.conn.Query(`
		SELECT m.id, m.message_id, m.conversation_id, m.sender_id, COALESCE(u.username, ''), m.text, m.created_at
		FROM messages m
		LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.conversation_id = ?
		ORDER BY m.id DESC
		LIMIT ? OFFSET ?
	`, conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*Message, 0, limit)
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.MessageID, &m.ConversationID, &m.SenderID, &m.SenderName, &m.Text, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// Stats counts stored users and messages.
func (db *DB) Stats() (Stats, error) {
	var s Stats
	err := db.conn.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM users WHERE online = 1),
			(SELECT COUNT(*) FROM messages),
			(SELECT COUNT(DISTINCT conversation_id) FROM messages)
	`).Scan(&s.TotalUsers, &s.OnlineUsers, &s.TotalMessages, &s.Conversations)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read stats: %w", err)
	}
	return s, nil
}

// Ping checks that the database still answers queries.
func (db *DB) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return db.conn.PingContext(ctx)
}

// ResetOnlineStatus marks every user offline. Run at startup: sessions do
// not survive a restart.
func (db *DB) ResetOnlineStatus() (int64, error) {
	start := time.Now()
	result, err := db.writeConn.Exec(`UPDATE users SET online = 0 WHERE online = 1`)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if n > 0 {
		log.Printf("DB: reset %d stale online users in %v", n, time.Since(start))
	}
	return n, err
}
