package database

import (
	"log"
	"sync"
	"time"
)

// WriteBuffer batches database writes to reduce lock contention
type WriteBuffer struct {
	db            *DB
	flushInterval time.Duration

	// User upserts and status flips, keyed by user id. Later writes for the
	// same id replace earlier ones.
	userMu        sync.Mutex
	userUpserts   map[string]User
	statusUpdates map[string]statusUpdate

	// Message inserts
	messageMu      sync.Mutex
	messageInserts []*pendingMessage
	closed         bool

	// Held for the whole of a flush so batches commit one at a time.
	flushMu sync.Mutex

	// Shutdown
	shutdown chan struct{}
	wg       sync.WaitGroup
}

type statusUpdate struct {
	online    bool
	timestamp int64
}

type pendingMessage struct {
	messageID      string
	conversationID string
	senderID       string
	text           string
	timestamp      int64
	result         chan messageResult
}

type messageResult struct {
	id  int64
	err error
}

// NewWriteBuffer creates a new write buffer with the given flush interval
func NewWriteBuffer(db *DB, flushInterval time.Duration) *WriteBuffer {
	wb := &WriteBuffer{
		db:             db,
		flushInterval:  flushInterval,
		userUpserts:    make(map[string]User),
		statusUpdates:  make(map[string]statusUpdate),
		messageInserts: make([]*pendingMessage, 0, 100),
		shutdown:       make(chan struct{}),
	}

	wb.wg.Add(1)
	go wb.flushLoop()

	return wb
}

// SaveUser queues an upsert. A pending status flip for the same user is
// folded into it so the newest state wins.
func (wb *WriteBuffer) SaveUser(u User) {
	now := nowMillis()
	if u.LastSeen == 0 {
		u.LastSeen = now
	}
	if u.FirstSeen == 0 {
		u.FirstSeen = now
	}

	wb.userMu.Lock()
	delete(wb.statusUpdates, u.ID)
	wb.userUpserts[u.ID] = u
	wb.userMu.Unlock()
}

// UpdateUserStatus queues an online flag change.
func (wb *WriteBuffer) UpdateUserStatus(id string, online bool) {
	now := nowMillis()

	wb.userMu.Lock()
	if u, ok := wb.userUpserts[id]; ok {
		u.Online = online
		u.LastSeen = now
		wb.userUpserts[id] = u
	} else {
		wb.statusUpdates[id] = statusUpdate{online: online, timestamp: now}
	}
	wb.userMu.Unlock()
}

// SaveMessage queues a message insert and waits for the batch holding it to
// commit.
func (wb *WriteBuffer) SaveMessage(messageID, conversationID, senderID, text string) (int64, error) {
	resultChan := make(chan messageResult, 1)

	wb.messageMu.Lock()
	if wb.closed {
		wb.messageMu.Unlock()
		return 0, ErrClosed
	}
	wb.messageInserts = append(wb.messageInserts, &pendingMessage{
		messageID:      messageID,
		conversationID: conversationID,
		senderID:       senderID,
		text:           text,
		timestamp:      nowMillis(),
		result:         resultChan,
	})
	wb.messageMu.Unlock()

	result := <-resultChan
	return result.id, result.err
}

// flushLoop periodically flushes buffered writes
func (wb *WriteBuffer) flushLoop() {
	defer wb.wg.Done()

	ticker := time.NewTicker(wb.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			wb.flush()
		case <-wb.shutdown:
			// Final flush on shutdown
			wb.flush()
			return
		}
	}
}

// flush writes everything pending in a single transaction on the write
// connection. Message results are only delivered once the outcome of the
// commit is known.
func (wb *WriteBuffer) flush() {
	wb.flushMu.Lock()
	defer wb.flushMu.Unlock()

	start := time.Now()

	wb.userMu.Lock()
	users := wb.userUpserts
	statuses := wb.statusUpdates
	wb.userUpserts = make(map[string]User)
	wb.statusUpdates = make(map[string]statusUpdate)
	wb.userMu.Unlock()

	wb.messageMu.Lock()
	messages := wb.messageInserts
	wb.messageInserts = make([]*pendingMessage, 0, 100)
	wb.messageMu.Unlock()

	if len(users) == 0 && len(statuses) == 0 && len(messages) == 0 {
		return
	}

	results := make([]messageResult, len(messages))
	deliver := func(commitErr error) {
		for i, msg := range messages {
			if commitErr != nil {
				msg.result <- messageResult{err: commitErr}
				continue
			}
			msg.result <- results[i]
		}
	}

	lockStart := time.Now()
	tx, err := wb.db.writeConn.Begin()
	lockWait := time.Since(lockStart)
	if err != nil {
		log.Printf("WriteBuffer: failed to begin transaction: %v", err)
		// Put user writes back for the next attempt unless newer ones
		// arrived meanwhile.
		wb.userMu.Lock()
		for id, u := range users {
			if _, ok := wb.userUpserts[id]; !ok {
				wb.userUpserts[id] = u
			}
		}
		for id, s := range statuses {
			if _, ok := wb.statusUpdates[id]; !ok {
				wb.statusUpdates[id] = s
			}
		}
		wb.userMu.Unlock()
		deliver(err)
		return
	}
	defer tx.Rollback()

	// 1. User upserts
	if len(users) > 0 {
		stmt, err := tx.Prepare(`
			INSERT INTO users (id, username, color, ip_address, online, first_seen, last_seen)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				username = excluded.username,
				color = excluded.color,
				ip_address = excluded.ip_address,
				online = excluded.online,
				last_seen = excluded.last_seen
		`)
		if err != nil {
			log.Printf("WriteBuffer: failed to prepare user upsert: %v", err)
		} else {
			defer stmt.Close()
			for id, u := range users {
				if _, err := stmt.Exec(id, u.Username, u.Color, u.IPAddress, boolToInt(u.Online), u.FirstSeen, u.LastSeen); err != nil {
					log.Printf("WriteBuffer: failed to save user %s: %v", id, err)
				}
			}
		}
	}

	// 2. Status flips
	if len(statuses) > 0 {
		stmt, err := tx.Prepare(`UPDATE users SET online = ?, last_seen = ? WHERE id = ?`)
		if err != nil {
			log.Printf("WriteBuffer: failed to prepare status statement: %v", err)
		} else {
			defer stmt.Close()
			for id, s := range statuses {
				if _, err := stmt.Exec(boolToInt(s.online), s.timestamp, id); err != nil {
					log.Printf("WriteBuffer: failed to update status for %s: %v", id, err)
				}
			}
		}
	}

	// 3. Message inserts
	if len(messages) > 0 {
		stmt, err := tx.Prepare(`
			INSERT INTO messages (id, message_id, conversation_id, sender_id, text, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(message_id) DO NOTHING
		`)
		if err != nil {
			log.Printf("WriteBuffer: failed to prepare message insert: %v", err)
			for i := range results {
				results[i].err = err
			}
		} else {
			defer stmt.Close()
			for i, msg := range messages {
				id := wb.db.snowflake.NextID()
				res, err := stmt.Exec(id, msg.messageID, msg.conversationID, msg.senderID, msg.text, msg.timestamp)
				if err != nil {
					results[i].err = err
					continue
				}
				if n, err := res.RowsAffected(); err == nil && n == 0 {
					results[i].err = ErrDuplicateMessageID
					continue
				}
				results[i].id = id
			}
		}
	}

	if err := tx.Commit(); err != nil {
		log.Printf("WriteBuffer: failed to commit transaction: %v", err)
		deliver(err)
		return
	}
	deliver(nil)

	elapsed := time.Since(start)
	// Only log slow flushes (those that exceed the flush interval)
	if elapsed > wb.flushInterval {
		log.Printf("WriteBuffer: flushed %d items (user_upsert:%d, user_status:%d, message_insert:%d) lock_wait=%v total=%v",
			len(users)+len(statuses)+len(messages), len(users), len(statuses), len(messages), lockWait, elapsed)
	}
}

// Close stops accepting message writes, flushes what is pending and waits
// for the flush loop to exit.
func (wb *WriteBuffer) Close() {
	wb.messageMu.Lock()
	if wb.closed {
		wb.messageMu.Unlock()
		return
	}
	wb.closed = true
	wb.messageMu.Unlock()

	close(wb.shutdown)
	wb.wg.Wait()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
