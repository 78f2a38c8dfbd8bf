package engine

import (
	"time"

	"github.com/dkeye/jointly/internal/app"
	"github.com/dkeye/jointly/internal/app/events"
	"github.com/dkeye/jointly/internal/codec"
	"github.com/dkeye/jointly/internal/core"
	"github.com/dkeye/jointly/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

func (e *Engine) handleFrame(f core.Frame) {
	msg, err := e.codec.Decode(f)
	if err != nil {
		e.metrics.DecodeError()
		log.Warn().Err(err).Str("module", "engine").Int("bytes", len(f)).Msg("frame dropped")
		return
	}
	e.metrics.FrameReceived(msg.Type)
	if !codec.Known(msg.Type) {
		log.Warn().Str("module", "engine").Str("type", msg.Type).Msg("unknown message type")
		return
	}
	if msg.Payload == nil && !codec.Bare(msg.Type) {
		e.metrics.FrameDropped(msg.Type, "payload")
		log.Warn().Str("module", "engine").Str("type", msg.Type).Msg("message without usable payload")
		return
	}

	switch p := msg.Payload.(type) {
	case domain.RoomCreatedPayload:
		e.onRoomCreated(p)
	case domain.JoinRequestPayload:
		e.onJoinRequest(p)
	case domain.JoinApprovedPayload:
		e.onJoinApproved(p)
	case domain.JoinRejectedPayload:
		e.onJoinRejected(p)
	case domain.UserEventPayload:
		e.onUserEvent(msg.Type, p)
	case domain.HostChangedPayload:
		e.onHostChanged(p)
	case domain.KickedPayload:
		e.onKicked(p)
	case domain.PlaybackActionPayload:
		e.onSyncPlayback(p)
	case domain.BufferWaitPayload:
		e.reg.SetBuffering(p.WaitingFor)
		e.publish(events.KindBufferWait, events.BufferWait{TrackID: p.TrackID, WaitingFor: p.WaitingFor})
	case domain.BufferCompletePayload:
		e.onBufferComplete(p)
	case domain.SyncStatePayload:
		e.onSyncState(p)
	case domain.ChatMessagePayload:
		e.publish(events.KindChatReceived, events.ChatReceived{
			UserID:    p.UserID,
			Username:  p.Username,
			Message:   p.Message,
			Timestamp: p.Timestamp,
		})
	case domain.ErrorPayload:
		e.onServerError(p)
	case domain.RoomState:
		if e.inRoom() {
			e.setRoom(&p)
		}
	case domain.ReconnectedPayload:
		e.onReconnected(p)
	case domain.SuggestionReceivedPayload:
		e.onSuggestionReceived(p)
	case domain.SuggestionApprovedPayload:
		e.reg.TakeSuggestion(p.SuggestionID)
		e.publish(events.KindSuggestionApproved, events.SuggestionApproved{SuggestionID: p.SuggestionID, Track: p.TrackInfo})
	case domain.SuggestionRejectedPayload:
		e.reg.TakeSuggestion(p.SuggestionID)
		e.publish(events.KindSuggestionRejected, events.SuggestionRejected{SuggestionID: p.SuggestionID, Reason: p.Reason})
	case nil:
		if msg.Type != domain.TypePong {
			log.Debug().Str("module", "engine").Str("type", msg.Type).Msg("ignored")
		}
	default:
		log.Debug().Str("module", "engine").Str("type", msg.Type).Msg("not handled by the client")
	}
}

func (e *Engine) onRoomCreated(p domain.RoomCreatedPayload) {
	e.token = p.SessionToken
	e.roomCode = p.RoomCode
	e.wasHost = true
	e.setUserID(p.UserID)
	e.setRoom(&domain.RoomState{
		RoomCode: p.RoomCode,
		HostID:   p.UserID,
		Users: []domain.UserInfo{{
			UserID:      p.UserID,
			Username:    e.username,
			IsHost:      true,
			IsConnected: true,
		}},
	})
	e.saveSession()
	log.Info().Str("module", "engine").Str("room", p.RoomCode).Str("user_id", p.UserID).Msg("room created")
	e.publish(events.KindRoomCreated, events.RoomCreated{RoomCode: p.RoomCode, UserID: p.UserID})
	e.broadcastCurrent()
}

func (e *Engine) onJoinRequest(p domain.JoinRequestPayload) {
	if !e.isHost() {
		log.Debug().Str("module", "engine").Str("user_id", p.UserID).Msg("join request while not host")
		return
	}
	if e.reg.IsBlocked(p.Username) {
		log.Info().Str("module", "engine").Str("username", p.Username).Msg("blocked user rejected")
		e.rejectJoin(p.UserID, "blocked")
		return
	}
	if !e.limiter.Allow(p.UserID) {
		log.Warn().Str("module", "engine").Str("user_id", p.UserID).Msg("join request rate limited")
		e.rejectJoin(p.UserID, "too many requests")
		return
	}
	e.reg.AddRequest(app.JoinRequest{UserID: p.UserID, Username: p.Username, At: e.now()})
	e.publish(events.KindJoinRequestReceived, events.JoinRequestReceived{UserID: p.UserID, Username: p.Username})
}

func (e *Engine) onJoinApproved(p domain.JoinApprovedPayload) {
	e.token = p.SessionToken
	e.roomCode = p.RoomCode
	e.wasHost = false
	e.setUserID(p.UserID)
	state := p.State
	e.setRoom(&state)
	e.saveSession()
	log.Info().Str("module", "engine").Str("room", p.RoomCode).Str("user_id", p.UserID).Msg("joined room")
	e.publish(events.KindJoinApproved, events.JoinApproved{RoomCode: p.RoomCode, UserID: p.UserID, State: *state.Clone()})

	if state.CurrentTrack != nil && !e.isHost() {
		pos := catchUp(state.Position, state.IsPlaying, state.LastUpdate, e.now())
		e.syncTo(*state.CurrentTrack, state.Queue, true, state.IsPlaying, pos)
	}
}

func (e *Engine) onJoinRejected(p domain.JoinRejectedPayload) {
	log.Info().Str("module", "engine").Str("reason", p.Reason).Msg("join rejected")
	e.teardown("join rejected")
	e.publish(events.KindJoinRejected, events.JoinRejected{Reason: p.Reason})
}

func (e *Engine) onUserEvent(msgType string, p domain.UserEventPayload) {
	ev := events.User{UserID: p.UserID, Username: p.Username}
	switch msgType {
	case domain.TypeUserJoined:
		e.reg.RemoveRequest(p.UserID)
		if e.room != nil {
			e.setRoom(e.room.WithUser(domain.UserInfo{UserID: p.UserID, Username: p.Username, IsConnected: true}))
		}
		e.publish(events.KindUserJoined, ev)
		if e.isHost() {
			e.broadcastCurrent()
		}
	case domain.TypeUserLeft:
		if e.room != nil {
			e.setRoom(e.room.WithoutUser(p.UserID))
		}
		e.publish(events.KindUserLeft, ev)
	case domain.TypeUserReconnected:
		if e.room != nil {
			e.setRoom(e.room.WithConnected(p.UserID, true))
		}
		e.publish(events.KindUserReconnected, ev)
	case domain.TypeUserDisconnected:
		if e.room != nil {
			e.setRoom(e.room.WithConnected(p.UserID, false))
		}
		e.publish(events.KindUserDisconnected, ev)
	}
}

func (e *Engine) onHostChanged(p domain.HostChangedPayload) {
	wasHost := e.isHost()
	if e.room != nil {
		e.setRoom(e.room.WithHost(p.NewHostID))
	}
	e.publish(events.KindHostChanged, events.HostChanged{NewHostID: p.NewHostID, NewHostName: p.NewHostName})

	switch {
	case e.isHost() && !wasHost:
		e.wasHost = true
		e.saveSession()
		e.broadcastCurrent()
	case !e.isHost() && wasHost:
		e.wasHost = false
		e.reg.Reset()
		e.saveSession()
	}
}

func (e *Engine) onKicked(p domain.KickedPayload) {
	log.Warn().Str("module", "engine").Str("reason", p.Reason).Msg("kicked from room")
	e.teardown("kicked")
	e.publish(events.KindKicked, events.Kicked{Reason: p.Reason})
	if e.transport != nil {
		e.transport.Disconnect("kicked")
	}
}

func (e *Engine) onSyncPlayback(p domain.PlaybackActionPayload) {
	if !e.inRoom() {
		return
	}
	e.patchRoom(p)
	e.publish(events.KindPlaybackSync, events.PlaybackSync{Action: p})

	if e.isHost() {
		// The relay echoes every action back. Only queue edits made by
		// someone else are applied on the host; its own edits were applied
		// when they were made and their echoes are skipped once. This relies
		// on the relay echoing queue edits to their sender.
		if !domain.IsQueueAction(p.Action) || e.consumeEcho(p.Action, p.TrackID) {
			return
		}
	}
	e.metrics.RemoteApplied(p.Action)
	e.applyRemote(p)
}

// patchRoom mirrors a playback action into the room snapshot.
func (e *Engine) patchRoom(p domain.PlaybackActionPayload) {
	r := e.room.Clone()
	switch p.Action {
	case domain.ActionPlay, domain.ActionPause:
		r.IsPlaying = p.Action == domain.ActionPlay
		if p.Position != nil {
			r.Position = *p.Position
		}
	case domain.ActionSeek:
		if p.Position != nil {
			r.Position = *p.Position
		}
	case domain.ActionChangeTrack:
		if p.TrackInfo != nil {
			t := *p.TrackInfo
			r.CurrentTrack = &t
		}
		r.IsPlaying = false
		r.Position = 0
	case domain.ActionQueueAdd:
		if p.TrackInfo == nil {
			return
		}
		if p.InsertNext != nil && *p.InsertNext {
			r.Queue = append([]domain.TrackInfo{*p.TrackInfo}, r.Queue...)
		} else {
			r.Queue = append(r.Queue, *p.TrackInfo)
		}
	case domain.ActionQueueRemove:
		r = r.WithoutQueued(p.TrackID)
	case domain.ActionQueueClear:
		r.Queue = nil
	case domain.ActionSyncQueue:
		r.Queue = append([]domain.TrackInfo(nil), p.Queue...)
	case domain.ActionSetVolume:
		if p.Volume != nil {
			v := *p.Volume
			r.Volume = &v
		}
	default:
		return
	}
	r.LastUpdate = e.now().UnixMilli()
	e.setRoom(r)
}

func (e *Engine) onBufferComplete(p domain.BufferCompletePayload) {
	e.reg.SetBuffering(nil)
	e.publish(events.KindBufferComplete, events.BufferComplete{TrackID: p.TrackID})
	if e.buf.trackID == "" || e.buf.trackID != p.TrackID {
		return
	}
	e.buf.completeFor = p.TrackID
	e.applyPendingIfReady()
}

func (e *Engine) onSyncState(p domain.SyncStatePayload) {
	e.publish(events.KindSyncStateReceived, events.SyncStateReceived{State: p})
	if !e.inRoom() {
		return
	}
	r := e.room.Clone()
	r.CurrentTrack = p.CurrentTrack
	r.IsPlaying = p.IsPlaying
	r.Position = p.Position
	r.LastUpdate = p.LastUpdate
	if p.Queue != nil {
		r.Queue = append([]domain.TrackInfo(nil), p.Queue...)
	}
	e.setRoom(r)

	if e.isHost() || p.CurrentTrack == nil {
		return
	}
	pos := catchUp(p.Position, p.IsPlaying, p.LastUpdate, e.now())
	e.applyHostVolume(p.Volume)
	if e.guestTrack() == p.CurrentTrack.ID {
		e.correct(p.CurrentTrack.ID, p.IsPlaying, pos)
		return
	}
	e.syncTo(*p.CurrentTrack, p.Queue, true, p.IsPlaying, pos)
}

func (e *Engine) onServerError(p domain.ErrorPayload) {
	log.Warn().Str("module", "engine").Str("code", p.Code).Str("message", p.Message).Msg("server error")
	e.publish(events.KindServerError, events.ServerError{Code: p.Code, Message: p.Message})
	if p.Code != domain.ErrCodeSessionNotFound {
		return
	}

	if !e.wasHost && e.roomCode != "" && e.username != "" {
		code, name := e.roomCode, e.username
		e.dropToken()
		log.Info().Str("module", "engine").Str("room", code).Msg("session expired, rejoining")
		e.after(e.cfg.RejoinDelay, func() {
			e.enter(pendingAction{roomCode: code, username: name})
		})
		return
	}
	e.dropToken()
}

func (e *Engine) onReconnected(p domain.ReconnectedPayload) {
	e.roomCode = p.RoomCode
	e.wasHost = p.IsHost
	e.setUserID(p.UserID)
	state := p.State
	if p.IsHost {
		state = *state.WithHost(p.UserID)
	}
	e.setRoom(&state)
	e.reg.ClearSuggestions()
	e.saveSession()
	log.Info().Str("module", "engine").Str("room", p.RoomCode).Bool("host", p.IsHost).Msg("session resumed")
	e.publish(events.KindReconnected, events.Reconnected{RoomCode: p.RoomCode, UserID: p.UserID, State: *state.Clone(), IsHost: p.IsHost})

	if e.isHost() {
		e.resumeAsHost(state)
		return
	}
	e.resumeAsGuest(state)
}

func (e *Engine) onSuggestionReceived(p domain.SuggestionReceivedPayload) {
	if !e.isHost() {
		return
	}
	e.reg.AddSuggestion(app.Suggestion{
		ID:           p.SuggestionID,
		FromUserID:   p.FromUserID,
		FromUsername: p.FromUsername,
		Track:        p.TrackInfo,
		At:           e.now(),
	})
	e.publish(events.KindSuggestionReceived, events.SuggestionReceived{
		SuggestionID: p.SuggestionID,
		FromUserID:   p.FromUserID,
		FromUsername: p.FromUsername,
		Track:        p.TrackInfo,
	})
}

type queueEcho struct {
	key string
	at  time.Time
}

// recordEcho remembers a queue edit the host made so its relay echo is
// not applied twice. An echo that has not arrived within EchoWindow is
// assumed lost.
func (e *Engine) recordEcho(action, trackID string) {
	const keep = 32
	e.pruneEchoes()
	e.queueEchoes = append(e.queueEchoes, queueEcho{key: action + ":" + trackID, at: e.now()})
	if len(e.queueEchoes) > keep {
		e.queueEchoes = e.queueEchoes[len(e.queueEchoes)-keep:]
	}
}

func (e *Engine) consumeEcho(action, trackID string) bool {
	e.pruneEchoes()
	key := action + ":" + trackID
	_, i, ok := lo.FindIndexOf(e.queueEchoes, func(q queueEcho) bool { return q.key == key })
	if !ok {
		return false
	}
	e.queueEchoes = append(e.queueEchoes[:i], e.queueEchoes[i+1:]...)
	return true
}

func (e *Engine) pruneEchoes() {
	cutoff := e.now().Add(-e.cfg.EchoWindow)
	e.queueEchoes = lo.Filter(e.queueEchoes, func(q queueEcho, _ int) bool { return q.at.After(cutoff) })
}
