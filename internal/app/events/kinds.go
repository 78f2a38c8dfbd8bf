package events

import "github.com/dkeye/jointly/internal/domain"

type Kind int

const (
	KindConnected Kind = iota + 1
	KindDisconnected
	KindConnectionError
	KindReconnecting
	KindRoomCreated
	KindJoinRequestReceived
	KindJoinApproved
	KindJoinRejected
	KindUserJoined
	KindUserLeft
	KindHostChanged
	KindKicked
	KindReconnected
	KindUserReconnected
	KindUserDisconnected
	KindPlaybackSync
	KindBufferWait
	KindBufferComplete
	KindSyncStateReceived
	KindChatReceived
	KindServerError
	KindSuggestionReceived
	KindSuggestionApproved
	KindSuggestionRejected
)

func (k Kind) String() string {
	switch k {
	case KindConnected:
		return "connected"
	case KindDisconnected:
		return "disconnected"
	case KindConnectionError:
		return "connection_error"
	case KindReconnecting:
		return "reconnecting"
	case KindRoomCreated:
		return "room_created"
	case KindJoinRequestReceived:
		return "join_request_received"
	case KindJoinApproved:
		return "join_approved"
	case KindJoinRejected:
		return "join_rejected"
	case KindUserJoined:
		return "user_joined"
	case KindUserLeft:
		return "user_left"
	case KindHostChanged:
		return "host_changed"
	case KindKicked:
		return "kicked"
	case KindReconnected:
		return "reconnected"
	case KindUserReconnected:
		return "user_reconnected"
	case KindUserDisconnected:
		return "user_disconnected"
	case KindPlaybackSync:
		return "playback_sync"
	case KindBufferWait:
		return "buffer_wait"
	case KindBufferComplete:
		return "buffer_complete"
	case KindSyncStateReceived:
		return "sync_state_received"
	case KindChatReceived:
		return "chat_received"
	case KindServerError:
		return "server_error"
	case KindSuggestionReceived:
		return "suggestion_received"
	case KindSuggestionApproved:
		return "suggestion_approved"
	case KindSuggestionRejected:
		return "suggestion_rejected"
	}
	return "unknown"
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Variant payloads. Each Kind carries exactly one of these in Event.Data.

type Connected struct{}

type Disconnected struct {
	Reason string `json:"reason,omitempty"`
}

type ConnectionError struct {
	Err string `json:"error"`
}

type Reconnecting struct {
	Attempt     int `json:"attempt"`
	MaxAttempts int `json:"max_attempts"`
}

type RoomCreated struct {
	RoomCode string `json:"room_code"`
	UserID   string `json:"user_id"`
}

type JoinRequestReceived struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

type JoinApproved struct {
	RoomCode string           `json:"room_code"`
	UserID   string           `json:"user_id"`
	State    domain.RoomState `json:"state"`
}

type JoinRejected struct {
	Reason string `json:"reason"`
}

// User is shared by UserJoined, UserLeft, UserReconnected and
// UserDisconnected.
type User struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

type HostChanged struct {
	NewHostID   string `json:"new_host_id"`
	NewHostName string `json:"new_host_name"`
}

type Kicked struct {
	Reason string `json:"reason"`
}

type Reconnected struct {
	RoomCode string           `json:"room_code"`
	UserID   string           `json:"user_id"`
	State    domain.RoomState `json:"state"`
	IsHost   bool             `json:"is_host"`
}

type PlaybackSync struct {
	Action domain.PlaybackActionPayload `json:"action"`
}

type BufferWait struct {
	TrackID    string   `json:"track_id"`
	WaitingFor []string `json:"waiting_for"`
}

type BufferComplete struct {
	TrackID string `json:"track_id"`
}

type SyncStateReceived struct {
	State domain.SyncStatePayload `json:"state"`
}

type ChatReceived struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

type ServerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type SuggestionReceived struct {
	SuggestionID string           `json:"suggestion_id"`
	FromUserID   string           `json:"from_user_id"`
	FromUsername string           `json:"from_username"`
	Track        domain.TrackInfo `json:"track"`
}

type SuggestionApproved struct {
	SuggestionID string           `json:"suggestion_id"`
	Track        domain.TrackInfo `json:"track"`
}

type SuggestionRejected struct {
	SuggestionID string `json:"suggestion_id"`
	Reason       string `json:"reason,omitempty"`
}
