package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/jointly/internal/core"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const schemaSession = `
CREATE TABLE IF NOT EXISTS session (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	token TEXT NOT NULL,
	room_code TEXT NOT NULL,
	user_id TEXT NOT NULL,
	username TEXT NOT NULL,
	is_host INTEGER NOT NULL DEFAULT 0,
	started_at INTEGER NOT NULL
);`

// SQLiteStore keeps a single session row.
type SQLiteStore struct {
	db    *sql.DB
	grace time.Duration
	now   func() time.Time
}

func OpenSQLite(path string, grace time.Duration) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection keeps ":memory:" databases shared
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &SQLiteStore{db: db, grace: grace, now: time.Now}
	if err := s.EnsureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) EnsureSchema() error {
	if _, err := s.db.Exec(schemaSession); err != nil {
		return fmt.Errorf("storage: create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Save(sess core.Session) error {
	r := toRecord(sess)
	_, err := s.db.Exec(`
		INSERT INTO session (id, token, room_code, user_id, username, is_host, started_at)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			token = excluded.token,
			room_code = excluded.room_code,
			user_id = excluded.user_id,
			username = excluded.username,
			is_host = excluded.is_host,
			started_at = excluded.started_at`,
		r.Token, r.RoomCode, r.UserID, r.Username, r.IsHost, r.StartedAt)
	if err != nil {
		return fmt.Errorf("storage: save session: %w", err)
	}
	log.Debug().Str("module", "storage").Str("room", r.RoomCode).Msg("session saved")
	return nil
}

func (s *SQLiteStore) Load() (core.Session, error) {
	var r record
	err := s.db.QueryRow(`
		SELECT token, room_code, user_id, username, is_host, started_at
		FROM session WHERE id = 1`).
		Scan(&r.Token, &r.RoomCode, &r.UserID, &r.Username, &r.IsHost, &r.StartedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Session{}, ErrNoSession
	}
	if err != nil {
		return core.Session{}, fmt.Errorf("storage: load session: %w", err)
	}
	if expired(r, s.grace, s.now()) {
		log.Info().Str("module", "storage").Str("room", r.RoomCode).Msg("stored session expired")
		if err := s.Clear(); err != nil {
			return core.Session{}, err
		}
		return core.Session{}, ErrNoSession
	}
	return r.session(), nil
}

func (s *SQLiteStore) Clear() error {
	if _, err := s.db.Exec("DELETE FROM session"); err != nil {
		return fmt.Errorf("storage: clear session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
