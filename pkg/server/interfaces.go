package server

import "github.com/aeolun/chatrelay/pkg/database"

// Store defines the persistence operations used by the server.
// Real-time delivery never waits on it; *database.DB implements it.
type Store interface {
	// User operations (queued, never block the caller)
	SaveUser(u database.User)
	UpdateUserStatus(id string, online bool)
	GetUser(id string) (*database.User, error)

	// Message operations
	SaveMessage(messageID, conversationID, senderID, text string) (int64, error)
	ListMessages(conversationID string, limit, offset int) ([]*database.Message, error)

	Stats() (database.Stats, error)
	Ping() error
	Close() error
}

// noopStore is used when no database is configured.
type noopStore struct{}

func (noopStore) SaveUser(database.User)        {}
func (noopStore) UpdateUserStatus(string, bool) {}

func (noopStore) GetUser(string) (*database.User, error) {
	return nil, database.ErrNoStore
}

func (noopStore) SaveMessage(string, string, string, string) (int64, error) {
	return 0, nil
}

func (noopStore) ListMessages(string, int, int) ([]*database.Message, error) {
	return nil, database.ErrNoStore
}

func (noopStore) Stats() (database.Stats, error) {
	return database.Stats{}, database.ErrNoStore
}

func (noopStore) Ping() error  { return database.ErrNoStore }
func (noopStore) Close() error { return nil }
