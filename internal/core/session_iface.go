package core

import "time"

// Session is the persisted reconnect credential.
type Session struct {
	Token     string
	RoomCode  string
	UserID    string
	Username  string
	IsHost    bool
	StartedAt time.Time
}

// SessionStore persists a Session across process restarts.
type SessionStore interface {
	Save(Session) error
	// Load returns storage.ErrNoSession when nothing usable is stored.
	Load() (Session, error)
	Clear() error
	Close() error
}
