package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dkeye/jointly/internal/core"
	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"
)

var (
	sessionBucket = []byte("session")
	currentKey    = []byte("current")
)

// BoltStore keeps the session as one JSON value in a bbolt file.
type BoltStore struct {
	db    *bbolt.DB
	grace time.Duration
	now   func() time.Time
}

func OpenBolt(path string, grace time.Duration) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open bolt: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: create bucket: %w", err)
	}
	return &BoltStore{db: db, grace: grace, now: time.Now}, nil
}

func (s *BoltStore) Save(sess core.Session) error {
	b, err := json.Marshal(toRecord(sess))
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionBucket).Put(currentKey, b)
	})
	if err != nil {
		return fmt.Errorf("storage: save session: %w", err)
	}
	log.Debug().Str("module", "storage").Str("room", sess.RoomCode).Msg("session saved")
	return nil
}

func (s *BoltStore) Load() (core.Session, error) {
	var raw []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(sessionBucket).Get(currentKey); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return core.Session{}, fmt.Errorf("storage: load session: %w", err)
	}
	if raw == nil {
		return core.Session{}, ErrNoSession
	}
	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		log.Warn().Err(err).Str("module", "storage").Msg("stored session unreadable")
		return core.Session{}, ErrNoSession
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

func (s *BoltStore) Clear() error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionBucket).Delete(currentKey)
	})
	if err != nil {
		return fmt.Errorf("storage: clear session: %w", err)
	}
	return nil
}

func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
