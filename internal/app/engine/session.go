package engine

import (
	"errors"

	"github.com/dkeye/jointly/internal/app/events"
	"github.com/dkeye/jointly/internal/core"
	"github.com/dkeye/jointly/internal/domain"
	"github.com/dkeye/jointly/internal/storage"
	"github.com/rs/zerolog/log"
)

// The engine is the connection manager's Handler. Every callback hands
// the work over to the loop.

func (e *Engine) OnOpen() { e.post(e.onOpen) }

func (e *Engine) OnFrame(f core.Frame) {
	e.postGuarded(func() { e.handleFrame(f) })
}

func (e *Engine) OnState(s domain.ConnectionState, attempt int) {
	e.post(func() { e.onConnState(s, attempt) })
}

func (e *Engine) OnGiveUp(err error) {
	e.post(func() { e.onGiveUp(err) })
}

func (e *Engine) HoldsSession() bool { return e.holds.Load() }

func (e *Engine) onOpen() {
	if e.token != "" {
		log.Info().Str("module", "engine").Str("room", e.roomCode).Msg("resuming session")
		e.send(domain.TypeReconnect, domain.ReconnectPayload{SessionToken: e.token})
		return
	}
	e.runPending()
}

func (e *Engine) runPending() {
	act := e.pending
	if act == nil {
		return
	}
	e.pending = nil
	e.refreshHolds()
	if act.create {
		log.Info().Str("module", "engine").Str("username", act.username).Msg("creating room")
		e.send(domain.TypeCreateRoom, domain.CreateRoomPayload{Username: act.username})
		return
	}
	log.Info().Str("module", "engine").Str("room", act.roomCode).Str("username", act.username).Msg("joining room")
	e.send(domain.TypeJoinRoom, domain.JoinRoomPayload{RoomCode: act.roomCode, Username: act.username})
}

func (e *Engine) onConnState(s domain.ConnectionState, attempt int) {
	e.connState = s
	e.Conn.Set(s)
	e.metrics.ConnectionState(s)

	switch s {
	case domain.Connected:
		e.publish(events.KindConnected, events.Connected{})
	case domain.Reconnecting:
		e.reg.ClearTransient()
		// Echoes in flight on the old socket will not arrive.
		e.queueEchoes = nil
		e.publish(events.KindReconnecting, events.Reconnecting{Attempt: attempt, MaxAttempts: e.maxAttempts()})
	case domain.Disconnected:
		e.reg.ClearTransient()
		e.publish(events.KindDisconnected, events.Disconnected{})
	}
}

func (e *Engine) maxAttempts() int {
	if m, ok := e.transport.(interface{ MaxAttempts() int }); ok {
		return m.MaxAttempts()
	}
	return 0
}

func (e *Engine) onGiveUp(err error) {
	log.Error().Err(err).Str("module", "engine").Msg("connection lost")
	if e.token == "" {
		// Nothing to resume later.
		e.teardown("connection failed")
	}
	e.publish(events.KindConnectionError, events.ConnectionError{Err: err.Error()})
}

// restore loads a persisted session so the next Connect resumes it.
func (e *Engine) restore() {
	if e.store == nil {
		return
	}
	s, err := e.store.Load()
	if err != nil {
		if !errors.Is(err, storage.ErrNoSession) {
			log.Warn().Err(err).Str("module", "engine").Msg("load session")
		}
		return
	}
	e.token = s.Token
	e.roomCode = s.RoomCode
	e.username = s.Username
	e.wasHost = s.IsHost
	e.setUserID(s.UserID)
	e.refreshHolds()
	log.Info().Str("module", "engine").Str("room", s.RoomCode).Bool("host", s.IsHost).Msg("loaded persisted session")
}

func (e *Engine) saveSession() {
	if e.store == nil || e.token == "" {
		return
	}
	err := e.store.Save(core.Session{
		Token:     e.token,
		RoomCode:  e.roomCode,
		UserID:    e.userID,
		Username:  e.username,
		IsHost:    e.wasHost,
		StartedAt: e.now(),
	})
	if err != nil {
		log.Warn().Err(err).Str("module", "engine").Msg("save session")
	}
}

func (e *Engine) clearStoredSession() {
	if e.store == nil {
		return
	}
	if err := e.store.Clear(); err != nil {
		log.Warn().Err(err).Str("module", "engine").Msg("clear session")
	}
}

// dropToken forgets the reconnect credential but keeps the room.
func (e *Engine) dropToken() {
	e.token = ""
	e.clearStoredSession()
	e.refreshHolds()
}
