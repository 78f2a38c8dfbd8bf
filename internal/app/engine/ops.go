package engine

import (
	"github.com/dkeye/jointly/internal/app"
	"github.com/dkeye/jointly/internal/domain"
	"github.com/rs/zerolog/log"
)

// Public operations. Each one is posted to the loop; role guards run
// there and turn a disallowed call into a logged no-op. Only input
// validation is reported synchronously.

func (e *Engine) Connect() { e.post(e.connect) }

func (e *Engine) connect() {
	if e.transport != nil {
		e.transport.Connect()
	}
}

// Resume connects only when a persisted session was restored.
func (e *Engine) Resume() {
	e.post(func() {
		if e.token != "" {
			e.connect()
		}
	})
}

// Disconnect closes the socket and forgets the room and the session.
func (e *Engine) Disconnect(reason string) {
	if reason == "" {
		reason = "user"
	}
	e.post(func() {
		e.teardown(reason)
		if e.transport != nil {
			e.transport.Disconnect(reason)
		}
	})
}

func (e *Engine) ForceReconnect() {
	e.post(func() {
		if e.transport != nil {
			e.transport.ForceReconnect()
		}
	})
}

func (e *Engine) CreateRoom(username string) error {
	if err := domain.ValidateUsername(username); err != nil {
		return err
	}
	e.post(func() { e.enter(pendingAction{create: true, username: username}) })
	return nil
}

func (e *Engine) JoinRoom(roomCode, username string) error {
	code, err := domain.NormalizeRoomCode(roomCode)
	if err != nil {
		return err
	}
	if err := domain.ValidateUsername(username); err != nil {
		return err
	}
	e.post(func() { e.enter(pendingAction{roomCode: code, username: username}) })
	return nil
}

// enter drops any stored session and either sends the create/join right
// away or queues it for the next open.
func (e *Engine) enter(act pendingAction) {
	e.token = ""
	e.clearStoredSession()
	e.username = act.username
	e.roomCode = act.roomCode
	e.pending = &act
	e.refreshHolds()

	switch e.connState {
	case domain.Connected:
		e.runPending()
	case domain.Disconnected, domain.Error:
		e.connect()
	}
}

func (e *Engine) LeaveRoom() {
	e.post(func() {
		if !e.guardRoom("leave_room") {
			return
		}
		e.send(domain.TypeLeaveRoom, nil)
		e.teardown("left room")
	})
}

func (e *Engine) SendChat(message string) {
	e.post(func() {
		if !e.guardRoom("chat") {
			return
		}
		e.send(domain.TypeChat, domain.ChatPayload{Message: message})
	})
}

func (e *Engine) RequestSync() {
	e.post(func() {
		if !e.guardGuest("request_sync") {
			return
		}
		e.send(domain.TypeRequestSync, nil)
	})
}

func (e *Engine) SuggestTrack(track domain.TrackInfo) {
	e.post(func() {
		if !e.guardGuest("suggest_track") {
			return
		}
		e.send(domain.TypeSuggestTrack, domain.SuggestTrackPayload{TrackInfo: track})
	})
}

func (e *Engine) ApproveJoin(userID string) {
	e.post(func() {
		if !e.guardHost("approve_join") {
			return
		}
		e.reg.RemoveRequest(userID)
		e.send(domain.TypeApproveJoin, domain.ApproveJoinPayload{UserID: userID})
	})
}

func (e *Engine) RejectJoin(userID, reason string) {
	e.post(func() {
		if !e.guardHost("reject_join") {
			return
		}
		e.rejectJoin(userID, reason)
	})
}

func (e *Engine) rejectJoin(userID, reason string) {
	e.reg.RemoveRequest(userID)
	e.send(domain.TypeRejectJoin, domain.RejectJoinPayload{UserID: userID, Reason: reason})
}

func (e *Engine) KickUser(userID, reason string) {
	e.post(func() {
		if !e.guardHost("kick_user") {
			return
		}
		e.send(domain.TypeKickUser, domain.KickUserPayload{UserID: userID, Reason: reason})
	})
}

func (e *Engine) TransferHost(userID string) {
	e.post(func() {
		if !e.guardHost("transfer_host") {
			return
		}
		e.send(domain.TypeTransferHost, domain.TransferHostPayload{NewHostID: userID})
	})
}

func (e *Engine) ApproveSuggestion(id string) {
	e.post(func() {
		if !e.guardHost("approve_suggestion") {
			return
		}
		e.reg.TakeSuggestion(id)
		e.send(domain.TypeApproveSuggestion, domain.ApproveSuggestionPayload{SuggestionID: id})
	})
}

func (e *Engine) RejectSuggestion(id, reason string) {
	e.post(func() {
		if !e.guardHost("reject_suggestion") {
			return
		}
		e.reg.TakeSuggestion(id)
		e.send(domain.TypeRejectSuggestion, domain.RejectSuggestionPayload{SuggestionID: id, Reason: reason})
	})
}

// SendPlaybackAction sends a raw playback action without touching the
// local player.
func (e *Engine) SendPlaybackAction(p domain.PlaybackActionPayload) {
	e.post(func() {
		if !e.guardHost("playback_action") {
			return
		}
		e.send(domain.TypePlaybackAction, p)
	})
}

// Block rejects pending and future join requests from username.
func (e *Engine) Block(username string) {
	e.post(func() {
		e.reg.Block(username)
		if !e.isHost() {
			return
		}
		for _, req := range e.reg.RequestsFrom(username) {
			e.rejectJoin(req.UserID, "blocked")
		}
	})
}

func (e *Engine) Unblock(username string) {
	e.post(func() { e.reg.Unblock(username) })
}

func (e *Engine) guardRoom(op string) bool {
	if e.inRoom() {
		return true
	}
	log.Debug().Str("module", "engine").Str("op", op).Msg("ignored: not in a room")
	return false
}

func (e *Engine) guardHost(op string) bool {
	if e.isHost() {
		return true
	}
	log.Debug().Str("module", "engine").Str("op", op).Str("role", e.role.String()).Msg("ignored: not host")
	return false
}

func (e *Engine) guardGuest(op string) bool {
	if e.inRoom() && e.role != domain.RoleHost {
		return true
	}
	log.Debug().Str("module", "engine").Str("op", op).Str("role", e.role.String()).Msg("ignored: not a guest")
	return false
}

// State is a point-in-time view assembled from the observable slices.
type State struct {
	Connection   domain.ConnectionState `json:"connection"`
	Role         domain.RoomRole        `json:"role"`
	UserID       string                 `json:"user_id,omitempty"`
	Room         *domain.RoomState      `json:"room,omitempty"`
	JoinRequests []app.JoinRequest      `json:"join_requests"`
	Suggestions  []app.Suggestion       `json:"suggestions"`
	Buffering    []string               `json:"buffering"`
	Blocked      []string               `json:"blocked"`
}

// Snapshot is safe to call from any goroutine.
func (e *Engine) Snapshot() State {
	return State{
		Connection:   e.Conn.Get(),
		Role:         e.Role.Get(),
		UserID:       e.UserID.Get(),
		Room:         e.Room.Get(),
		JoinRequests: e.reg.Requests.Get(),
		Suggestions:  e.reg.Suggestions.Get(),
		Buffering:    e.reg.Buffering.Get(),
		Blocked:      e.reg.Blocked.Get(),
	}
}
