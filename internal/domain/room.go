package domain

import (
	"encoding/json"

	"github.com/samber/lo"
)

type RoomRole int

const (
	RoleNone RoomRole = iota
	RoleHost
	RoleGuest
)

func (r RoomRole) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleGuest:
		return "guest"
	default:
		return "none"
	}
}

func (r RoomRole) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// TrackInfo is the catalog metadata shared between host and guests.
type TrackInfo struct {
	ID          string `json:"id" wire:"1"`
	Title       string `json:"title" wire:"2"`
	Artist      string `json:"artist" wire:"3"`
	Album       string `json:"album,omitempty" wire:"4"`
	Duration    int64  `json:"duration" wire:"5"`
	Thumbnail   string `json:"thumbnail,omitempty" wire:"6"`
	SuggestedBy string `json:"suggested_by,omitempty" wire:"7"`
}

type UserInfo struct {
	UserID      string `json:"user_id" wire:"1"`
	Username    string `json:"username" wire:"2"`
	IsHost      bool   `json:"is_host" wire:"3"`
	IsConnected bool   `json:"is_connected" wire:"4"`
}

// UnmarshalJSON treats a missing is_connected as connected.
func (u *UserInfo) UnmarshalJSON(b []byte) error {
	type plain UserInfo
	v := plain{IsConnected: true}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*u = UserInfo(v)
	return nil
}

type RoomState struct {
	RoomCode     string      `json:"room_code" wire:"1"`
	HostID       string      `json:"host_id" wire:"2"`
	Users        []UserInfo  `json:"users" wire:"3"`
	CurrentTrack *TrackInfo  `json:"current_track,omitempty" wire:"4"`
	IsPlaying    bool        `json:"is_playing" wire:"5"`
	Position     int64       `json:"position" wire:"6"`
	LastUpdate   int64       `json:"last_update" wire:"7"`
	Queue        []TrackInfo `json:"queue,omitempty" wire:"8"`
	Volume       *float32    `json:"-" wire:"9"`
}

// Clone returns a deep copy so published snapshots never alias engine state.
func (s *RoomState) Clone() *RoomState {
	if s == nil {
		return nil
	}
	c := *s
	c.Users = append([]UserInfo(nil), s.Users...)
	c.Queue = append([]TrackInfo(nil), s.Queue...)
	if s.CurrentTrack != nil {
		t := *s.CurrentTrack
		c.CurrentTrack = &t
	}
	if s.Volume != nil {
		v := *s.Volume
		c.Volume = &v
	}
	return &c
}

func (s *RoomState) User(id string) (UserInfo, bool) {
	return lo.Find(s.Users, func(u UserInfo) bool { return u.UserID == id })
}

func (s *RoomState) WithUser(u UserInfo) *RoomState {
	c := s.Clone()
	c.Users = append(lo.Reject(c.Users, func(x UserInfo, _ int) bool { return x.UserID == u.UserID }), u)
	return c
}

func (s *RoomState) WithoutUser(id string) *RoomState {
	c := s.Clone()
	c.Users = lo.Reject(c.Users, func(x UserInfo, _ int) bool { return x.UserID == id })
	return c
}

func (s *RoomState) WithConnected(id string, connected bool) *RoomState {
	c := s.Clone()
	c.Users = lo.Map(c.Users, func(x UserInfo, _ int) UserInfo {
		if x.UserID == id {
			x.IsConnected = connected
		}
		return x
	})
	return c
}

// WithHost moves the host flag in a single replacement.
func (s *RoomState) WithHost(id string) *RoomState {
	c := s.Clone()
	c.HostID = id
	c.Users = lo.Map(c.Users, func(x UserInfo, _ int) UserInfo {
		x.IsHost = x.UserID == id
		return x
	})
	return c
}

func (s *RoomState) WithoutQueued(trackID string) *RoomState {
	c := s.Clone()
	c.Queue = lo.Reject(c.Queue, func(t TrackInfo, _ int) bool { return t.ID == trackID })
	return c
}
