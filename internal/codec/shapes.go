package codec

import "github.com/dkeye/jointly/internal/domain"

type shape struct {
	// newPayload returns a pointer to a zero payload; nil for bare messages.
	newPayload func() any
	// binaryOnly types are never written in the legacy format.
	binaryOnly bool
}

func of[T any]() shape {
	return shape{newPayload: func() any { return new(T) }}
}

var bare = shape{}

var shapes = map[string]shape{
	domain.TypeCreateRoom:        of[domain.CreateRoomPayload](),
	domain.TypeJoinRoom:          of[domain.JoinRoomPayload](),
	domain.TypeLeaveRoom:         bare,
	domain.TypeApproveJoin:       of[domain.ApproveJoinPayload](),
	domain.TypeRejectJoin:        of[domain.RejectJoinPayload](),
	domain.TypePlaybackAction:    of[domain.PlaybackActionPayload](),
	domain.TypeBufferReady:       of[domain.BufferReadyPayload](),
	domain.TypeKickUser:          of[domain.KickUserPayload](),
	domain.TypePing:              bare,
	domain.TypeChat:              of[domain.ChatPayload](),
	domain.TypeRequestSync:       bare,
	domain.TypeReconnect:         of[domain.ReconnectPayload](),
	domain.TypeSuggestTrack:      of[domain.SuggestTrackPayload](),
	domain.TypeApproveSuggestion: of[domain.ApproveSuggestionPayload](),
	domain.TypeRejectSuggestion:  of[domain.RejectSuggestionPayload](),
	domain.TypeTransferHost:      {newPayload: of[domain.TransferHostPayload]().newPayload, binaryOnly: true},

	domain.TypeRoomCreated:        of[domain.RoomCreatedPayload](),
	domain.TypeJoinRequest:        of[domain.JoinRequestPayload](),
	domain.TypeJoinApproved:       of[domain.JoinApprovedPayload](),
	domain.TypeJoinRejected:       of[domain.JoinRejectedPayload](),
	domain.TypeUserJoined:         of[domain.UserEventPayload](),
	domain.TypeUserLeft:           of[domain.UserEventPayload](),
	domain.TypeSyncPlayback:       of[domain.PlaybackActionPayload](),
	domain.TypeBufferWait:         of[domain.BufferWaitPayload](),
	domain.TypeBufferComplete:     of[domain.BufferCompletePayload](),
	domain.TypeError:              of[domain.ErrorPayload](),
	domain.TypePong:               bare,
	domain.TypeRoomState:          of[domain.RoomState](),
	domain.TypeChatMessage:        of[domain.ChatMessagePayload](),
	domain.TypeHostChanged:        of[domain.HostChangedPayload](),
	domain.TypeKicked:             of[domain.KickedPayload](),
	domain.TypeSyncState:          of[domain.SyncStatePayload](),
	domain.TypeReconnected:        of[domain.ReconnectedPayload](),
	domain.TypeUserReconnected:    of[domain.UserEventPayload](),
	domain.TypeUserDisconnected:   of[domain.UserEventPayload](),
	domain.TypeSuggestionReceived: of[domain.SuggestionReceivedPayload](),
	domain.TypeSuggestionApproved: of[domain.SuggestionApprovedPayload](),
	domain.TypeSuggestionRejected: of[domain.SuggestionRejectedPayload](),
}

// Known reports whether msgType is in the payload table.
func Known(msgType string) bool {
	_, ok := shapes[msgType]
	return ok
}

// Bare reports whether msgType is known and carries no payload.
func Bare(msgType string) bool {
	s, ok := shapes[msgType]
	return ok && s.newPayload == nil
}
