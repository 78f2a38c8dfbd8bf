package app

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/jointly/internal/domain"
	"github.com/dkeye/jointly/internal/watch"
	"github.com/rs/zerolog/log"
)

type JoinRequest struct {
	UserID   string    `json:"user_id"`
	Username string    `json:"username"`
	At       time.Time `json:"at"`
}

type Suggestion struct {
	ID           string           `json:"id"`
	FromUserID   string           `json:"from_user_id"`
	FromUsername string           `json:"from_username"`
	Track        domain.TrackInfo `json:"track"`
	At           time.Time        `json:"at"`
}

// Registry keeps the room bookkeeping that is not part of RoomState:
// pending join requests and suggestions, users the relay is still waiting
// on, and locally blocked usernames. Every change is republished on the
// matching watch value.
type Registry struct {
	mu          sync.RWMutex
	requests    map[string]JoinRequest
	suggestions map[string]Suggestion
	blocked     map[string]string

	Requests    *watch.Value[[]JoinRequest]
	Suggestions *watch.Value[[]Suggestion]
	Buffering   *watch.Value[[]string]
	Blocked     *watch.Value[[]string]
}

func NewRegistry() *Registry {
	return &Registry{
		requests:    make(map[string]JoinRequest),
		suggestions: make(map[string]Suggestion),
		blocked:     make(map[string]string),
		Requests:    watch.New[[]JoinRequest](nil),
		Suggestions: watch.New[[]Suggestion](nil),
		Buffering:   watch.New[[]string](nil),
		Blocked:     watch.New[[]string](nil),
	}
}

func (r *Registry) AddRequest(req JoinRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests[req.UserID] = req
	r.publishRequests()
	log.Info().Str("module", "app.registry").Str("user", req.UserID).Str("username", req.Username).Msg("join request")
}

// RemoveRequest reports whether a request for userID was pending.
func (r *Registry) RemoveRequest(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.requests[userID]; !ok {
		return false
	}
	delete(r.requests, userID)
	r.publishRequests()
	return true
}

func (r *Registry) HasRequest(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.requests[userID]
	return ok
}

func (r *Registry) AddSuggestion(s Suggestion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suggestions[s.ID] = s
	r.publishSuggestions()
	log.Info().Str("module", "app.registry").Str("suggestion", s.ID).Str("from", s.FromUserID).Str("track", s.Track.ID).Msg("suggestion")
}

func (r *Registry) TakeSuggestion(id string) (Suggestion, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.suggestions[id]
	if ok {
		delete(r.suggestions, id)
		r.publishSuggestions()
	}
	return s, ok
}

func (r *Registry) ClearSuggestions() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suggestions = make(map[string]Suggestion)
	r.publishSuggestions()
}

func (r *Registry) SetBuffering(userIDs []string) {
	r.Buffering.Set(append([]string(nil), userIDs...))
}

// Block is case-insensitive on the username.
func (r *Registry) Block(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocked[strings.ToLower(username)] = username
	r.publishBlocked()
	log.Info().Str("module", "app.registry").Str("username", username).Msg("blocked")
}

func (r *Registry) Unblock(username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := strings.ToLower(username)
	if _, ok := r.blocked[key]; !ok {
		return false
	}
	delete(r.blocked, key)
	r.publishBlocked()
	return true
}

// RequestsFrom returns pending requests raised under username.
func (r *Registry) RequestsFrom(username string) []JoinRequest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []JoinRequest
	for _, req := range r.requests {
		if strings.EqualFold(req.Username, username) {
			out = append(out, req)
		}
	}
	return out
}

func (r *Registry) IsBlocked(username string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.blocked[strings.ToLower(username)]
	return ok
}

// ClearTransient drops join requests and the buffering list. Both are
// resent by the relay after a reconnect.
func (r *Registry) ClearTransient() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = make(map[string]JoinRequest)
	r.publishRequests()
	r.Buffering.Set(nil)
}

// Reset drops everything tied to the current room. Blocks survive.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = make(map[string]JoinRequest)
	r.suggestions = make(map[string]Suggestion)
	r.publishRequests()
	r.publishSuggestions()
	r.Buffering.Set(nil)
}

// caller holds mu
func (r *Registry) publishRequests() {
	out := make([]JoinRequest, 0, len(r.requests))
	for _, v := range r.requests {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	r.Requests.Set(out)
}

func (r *Registry) publishSuggestions() {
	out := make([]Suggestion, 0, len(r.suggestions))
	for _, v := range r.suggestions {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	r.Suggestions.Set(out)
}

func (r *Registry) publishBlocked() {
	out := make([]string, 0, len(r.blocked))
	for _, v := range r.blocked {
		out = append(out, v)
	}
	sort.Strings(out)
	r.Blocked.Set(out)
}
