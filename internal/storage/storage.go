// Package storage persists the reconnect session so a restarted client
// can resume its room.
package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dkeye/jointly/internal/core"
)

// ErrNoSession is returned by Load when nothing is stored or the stored
// session is past its grace period.
var ErrNoSession = errors.New("storage: no session")

// DefaultGracePeriod matches how long the relay keeps a dropped seat.
const DefaultGracePeriod = 10 * time.Minute

type Options struct {
	Driver      string
	Path        string
	GracePeriod time.Duration
}

// Open returns the store selected by Driver. Driver "none" (or empty)
// yields a nil store and no error.
func Open(opts Options) (core.SessionStore, error) {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	switch strings.ToLower(opts.Driver) {
	case "", "none":
		return nil, nil
	case "sqlite":
		s, err := OpenSQLite(opts.Path, opts.GracePeriod)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "bolt", "bbolt":
		s, err := OpenBolt(opts.Path, opts.GracePeriod)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("storage: unknown driver %q", opts.Driver)
}

// record is the stored form of core.Session.
type record struct {
	Token     string `json:"token"`
	RoomCode  string `json:"room_code"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	IsHost    bool   `json:"is_host"`
	StartedAt int64  `json:"started_at"`
}

func toRecord(s core.Session) record {
	return record{
		Token:     s.Token,
		RoomCode:  s.RoomCode,
		UserID:    s.UserID,
		Username:  s.Username,
		IsHost:    s.IsHost,
		StartedAt: s.StartedAt.UnixMilli(),
	}
}

func (r record) session() core.Session {
	return core.Session{
		Token:     r.Token,
		RoomCode:  r.RoomCode,
		UserID:    r.UserID,
		Username:  r.Username,
		IsHost:    r.IsHost,
		StartedAt: time.UnixMilli(r.StartedAt),
	}
}

func expired(r record, grace time.Duration, now time.Time) bool {
	return r.Token == "" || now.Sub(time.UnixMilli(r.StartedAt)) > grace
}
