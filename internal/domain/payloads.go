package domain

// Request payloads.

type CreateRoomPayload struct {
	Username string `json:"username" wire:"1"`
}

type JoinRoomPayload struct {
	RoomCode string `json:"room_code" wire:"1"`
	Username string `json:"username" wire:"2"`
}

type ApproveJoinPayload struct {
	UserID string `json:"user_id" wire:"1"`
}

type RejectJoinPayload struct {
	UserID string `json:"user_id" wire:"1"`
	Reason string `json:"reason,omitempty" wire:"2"`
}

// PlaybackActionPayload is shared by playback_action and sync_playback.
// Volume and ServerTime only travel in the binary format.
type PlaybackActionPayload struct {
	Action     string      `json:"action" wire:"1"`
	TrackID    string      `json:"track_id,omitempty" wire:"2"`
	Position   *int64      `json:"position,omitempty" wire:"3"`
	TrackInfo  *TrackInfo  `json:"track_info,omitempty" wire:"4"`
	InsertNext *bool       `json:"insert_next,omitempty" wire:"5"`
	Queue      []TrackInfo `json:"queue,omitempty" wire:"6"`
	QueueTitle string      `json:"queue_title,omitempty" wire:"7"`
	Volume     *float32    `json:"-" wire:"8"`
	ServerTime *int64      `json:"-" wire:"9"`
}

type BufferReadyPayload struct {
	TrackID string `json:"track_id" wire:"1"`
}

type KickUserPayload struct {
	UserID string `json:"user_id" wire:"1"`
	Reason string `json:"reason,omitempty" wire:"2"`
}

type ChatPayload struct {
	Message string `json:"message" wire:"1"`
}

type ReconnectPayload struct {
	SessionToken string `json:"session_token" wire:"1"`
}

type SuggestTrackPayload struct {
	TrackInfo TrackInfo `json:"track_info" wire:"1"`
}

type ApproveSuggestionPayload struct {
	SuggestionID string `json:"suggestion_id" wire:"1"`
}

type RejectSuggestionPayload struct {
	SuggestionID string `json:"suggestion_id" wire:"1"`
	Reason       string `json:"reason,omitempty" wire:"2"`
}

type TransferHostPayload struct {
	NewHostID string `json:"new_host_id" wire:"1"`
}

// Response payloads.

type RoomCreatedPayload struct {
	RoomCode     string `json:"room_code" wire:"1"`
	UserID       string `json:"user_id" wire:"2"`
	SessionToken string `json:"session_token" wire:"3"`
}

type JoinRequestPayload struct {
	UserID   string `json:"user_id" wire:"1"`
	Username string `json:"username" wire:"2"`
}

type JoinApprovedPayload struct {
	RoomCode     string    `json:"room_code" wire:"1"`
	UserID       string    `json:"user_id" wire:"2"`
	SessionToken string    `json:"session_token" wire:"3"`
	State        RoomState `json:"state" wire:"4"`
}

type JoinRejectedPayload struct {
	Reason string `json:"reason" wire:"1"`
}

// UserEventPayload is the shape of user_joined, user_left,
// user_reconnected and user_disconnected.
type UserEventPayload struct {
	UserID   string `json:"user_id" wire:"1"`
	Username string `json:"username" wire:"2"`
}

type BufferWaitPayload struct {
	TrackID    string   `json:"track_id" wire:"1"`
	WaitingFor []string `json:"waiting_for,omitempty" wire:"2"`
}

type BufferCompletePayload struct {
	TrackID string `json:"track_id" wire:"1"`
}

type ErrorPayload struct {
	Code    string `json:"code" wire:"1"`
	Message string `json:"message" wire:"2"`
}

type ChatMessagePayload struct {
	UserID    string `json:"user_id" wire:"1"`
	Username  string `json:"username" wire:"2"`
	Message   string `json:"message" wire:"3"`
	Timestamp int64  `json:"timestamp" wire:"4"`
}

type HostChangedPayload struct {
	NewHostID   string `json:"new_host_id" wire:"1"`
	NewHostName string `json:"new_host_name" wire:"2"`
}

type KickedPayload struct {
	Reason string `json:"reason" wire:"1"`
}

type SyncStatePayload struct {
	CurrentTrack *TrackInfo  `json:"current_track" wire:"1"`
	IsPlaying    bool        `json:"is_playing" wire:"2"`
	Position     int64       `json:"position" wire:"3"`
	LastUpdate   int64       `json:"last_update" wire:"4"`
	Queue        []TrackInfo `json:"queue,omitempty" wire:"5"`
	Volume       *float32    `json:"-" wire:"6"`
}

type ReconnectedPayload struct {
	RoomCode string    `json:"room_code" wire:"1"`
	UserID   string    `json:"user_id" wire:"2"`
	State    RoomState `json:"state" wire:"3"`
	IsHost   bool      `json:"is_host" wire:"4"`
}

type SuggestionReceivedPayload struct {
	SuggestionID string    `json:"suggestion_id" wire:"1"`
	FromUserID   string    `json:"from_user_id" wire:"2"`
	FromUsername string    `json:"from_username" wire:"3"`
	TrackInfo    TrackInfo `json:"track_info" wire:"4"`
}

type SuggestionApprovedPayload struct {
	SuggestionID string    `json:"suggestion_id" wire:"1"`
	TrackInfo    TrackInfo `json:"track_info" wire:"2"`
}

type SuggestionRejectedPayload struct {
	SuggestionID string `json:"suggestion_id" wire:"1"`
	Reason       string `json:"reason,omitempty" wire:"2"`
}

// Int64 and Bool build optional payload fields.
func Int64(v int64) *int64 { return &v }

func Bool(v bool) *bool { return &v }

func Float32(v float32) *float32 { return &v }
