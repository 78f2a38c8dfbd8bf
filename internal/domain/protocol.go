package domain

// Client -> server message types.
const (
	TypeCreateRoom        = "create_room"
	TypeJoinRoom          = "join_room"
	TypeLeaveRoom         = "leave_room"
	TypeApproveJoin       = "approve_join"
	TypeRejectJoin        = "reject_join"
	TypePlaybackAction    = "playback_action"
	TypeBufferReady       = "buffer_ready"
	TypeKickUser          = "kick_user"
	TypePing              = "ping"
	TypeChat              = "chat"
	TypeRequestSync       = "request_sync"
	TypeReconnect         = "reconnect"
	TypeSuggestTrack      = "suggest_track"
	TypeApproveSuggestion = "approve_suggestion"
	TypeRejectSuggestion  = "reject_suggestion"
	TypeTransferHost      = "transfer_host"
)

// Server -> client message types.
const (
	TypeRoomCreated        = "room_created"
	TypeJoinRequest        = "join_request"
	TypeJoinApproved       = "join_approved"
	TypeJoinRejected       = "join_rejected"
	TypeUserJoined         = "user_joined"
	TypeUserLeft           = "user_left"
	TypeSyncPlayback       = "sync_playback"
	TypeBufferWait         = "buffer_wait"
	TypeBufferComplete     = "buffer_complete"
	TypeError              = "error"
	TypePong               = "pong"
	TypeRoomState          = "room_state"
	TypeChatMessage        = "chat_message"
	TypeHostChanged        = "host_changed"
	TypeKicked             = "kicked"
	TypeSyncState          = "sync_state"
	TypeReconnected        = "reconnected"
	TypeUserReconnected    = "user_reconnected"
	TypeUserDisconnected   = "user_disconnected"
	TypeSuggestionReceived = "suggestion_received"
	TypeSuggestionApproved = "suggestion_approved"
	TypeSuggestionRejected = "suggestion_rejected"
)

// Playback actions carried by playback_action / sync_playback.
const (
	ActionPlay        = "play"
	ActionPause       = "pause"
	ActionSeek        = "seek"
	ActionSkipNext    = "skip_next"
	ActionSkipPrev    = "skip_prev"
	ActionChangeTrack = "change_track"
	ActionQueueAdd    = "queue_add"
	ActionQueueRemove = "queue_remove"
	ActionQueueClear  = "queue_clear"
	ActionSyncQueue   = "sync_queue"
	ActionSetVolume   = "set_volume"
)

// ErrCodeSessionNotFound is sent by the relay when a reconnect token expired.
const ErrCodeSessionNotFound = "session_not_found"

// IsQueueAction reports whether the host also applies the action when it
// comes back from the relay.
func IsQueueAction(action string) bool {
	switch action {
	case ActionQueueAdd, ActionQueueRemove, ActionQueueClear:
		return true
	}
	return false
}
