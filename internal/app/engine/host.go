package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/dkeye/jointly/internal/core"
	"github.com/dkeye/jointly/internal/domain"
	"github.com/rs/zerolog/log"
)

// DefaultDuration is announced for tracks whose length is unknown.
const DefaultDuration int64 = 180000

// playerEvents turns player callbacks into loop work. Whether a callback
// is synthetic is decided twice: when it fires and when it runs.
type playerEvents struct{ e *Engine }

func (p playerEvents) OnPlayWhenReadyChanged(playing bool) {
	synthetic := p.e.suppress.Load() != 0
	p.e.postGuarded(func() { p.e.onLocalPlaying(playing, synthetic) })
}

func (p playerEvents) OnTransition(itemID string) {
	synthetic := p.e.suppress.Load() != 0
	p.e.postGuarded(func() { p.e.onLocalTransition(itemID, synthetic) })
}

func (p playerEvents) OnPositionDiscontinuity(reason core.DiscontinuityReason, positionMs int64) {
	synthetic := p.e.suppress.Load() != 0
	p.e.postGuarded(func() { p.e.onLocalSeek(reason, positionMs, synthetic) })
}

func (e *Engine) broadcasting(synthetic bool) bool {
	return !synthetic && e.suppress.Load() == 0 && e.isHost()
}

func (e *Engine) onLocalPlaying(playing, synthetic bool) {
	if !e.broadcasting(synthetic) || playing == e.lastSyncedPlaying {
		return
	}
	if cur := e.player.CurrentItemID(); cur != "" && cur != e.lastSyncedTrack {
		e.sendTrackChange()
		if !playing {
			return
		}
	}
	if playing {
		e.sendPlayState(domain.ActionPlay)
	} else {
		e.sendPlayState(domain.ActionPause)
	}
}

func (e *Engine) onLocalTransition(itemID string, synthetic bool) {
	if !e.broadcasting(synthetic) || itemID == "" {
		return
	}
	e.sendTrackChange()
	if e.player.PlayWhenReady() {
		e.sendPlayState(domain.ActionPlay)
	}
}

func (e *Engine) onLocalSeek(reason core.DiscontinuityReason, pos int64, synthetic bool) {
	if reason != core.DiscontinuitySeek || !e.broadcasting(synthetic) {
		return
	}
	e.send(domain.TypePlaybackAction, domain.PlaybackActionPayload{
		Action:   domain.ActionSeek,
		TrackID:  e.player.CurrentItemID(),
		Position: domain.Int64(pos),
	})
}

// sendTrackChange announces the loaded item together with the whole
// queue. Guests start their buffering handshake on it.
func (e *Engine) sendTrackChange() bool {
	t, ok := e.player.Current()
	if !ok {
		return false
	}
	if t.Duration <= 0 {
		t.Duration = DefaultDuration
	}
	e.lastSyncedTrack = t.ID
	e.lastSyncedPlaying = false
	return e.send(domain.TypePlaybackAction, domain.PlaybackActionPayload{
		Action:     domain.ActionChangeTrack,
		TrackID:    t.ID,
		TrackInfo:  &t,
		Position:   domain.Int64(0),
		Queue:      e.player.Queue(),
		QueueTitle: e.cfg.QueueTitle,
	})
}

func (e *Engine) sendPlayState(action string) {
	e.lastSyncedPlaying = action == domain.ActionPlay
	e.send(domain.TypePlaybackAction, domain.PlaybackActionPayload{
		Action:   action,
		TrackID:  e.player.CurrentItemID(),
		Position: domain.Int64(e.player.Position()),
	})
}

// broadcastCurrent re-announces what the host is playing.
func (e *Engine) broadcastCurrent() {
	e.lastSyncedTrack = e.player.CurrentItemID()
	e.lastSyncedPlaying = e.player.PlayWhenReady()
	if !e.sendTrackChange() {
		return
	}
	if e.player.PlayWhenReady() {
		e.sendPlayState(domain.ActionPlay)
	}
}

func (e *Engine) resumeAsHost(state domain.RoomState) {
	local := e.player.CurrentItemID()
	e.lastSyncedTrack = local
	e.lastSyncedPlaying = e.player.PlayWhenReady()
	if local == "" {
		return
	}
	if state.CurrentTrack == nil || state.CurrentTrack.ID != local {
		e.sendTrackChange()
	}
	e.after(e.cfg.HostPlayDelay, func() {
		if e.isHost() && e.player.PlayWhenReady() {
			e.sendPlayState(domain.ActionPlay)
		}
	})
}

func (e *Engine) startHeartbeat() {
	e.heartbeatSeq++
	if e.cfg.Heartbeat > 0 {
		e.scheduleHeartbeat(e.heartbeatSeq)
	}
}

func (e *Engine) stopHeartbeat() { e.heartbeatSeq++ }

func (e *Engine) scheduleHeartbeat(seq uint64) {
	e.after(e.cfg.Heartbeat, func() {
		if seq != e.heartbeatSeq || !e.isHost() {
			return
		}
		if e.player.PlayWhenReady() && e.player.Ready() && e.suppress.Load() == 0 {
			e.sendPlayState(domain.ActionPlay)
		}
		e.scheduleHeartbeat(seq)
	})
}

// Command is a local playback request from the CLI or the control API.
type Command struct {
	Action     string            `json:"action"`
	Position   int64             `json:"position,omitempty"`
	TrackID    string            `json:"track_id,omitempty"`
	TrackInfo  *domain.TrackInfo `json:"track_info,omitempty"`
	InsertNext bool              `json:"insert_next,omitempty"`
	Volume     float32           `json:"volume,omitempty"`
}

var ErrUnknownAction = errors.New("engine: unknown playback action")

// Control drives the local player as host. Guests are refused on the loop.
func (e *Engine) Control(c Command) error {
	switch c.Action {
	case domain.ActionPlay:
		e.hostOp(c.Action, e.player.Play)
	case domain.ActionPause:
		e.hostOp(c.Action, e.player.Pause)
	case domain.ActionSeek:
		e.hostOp(c.Action, func() { e.seekLocal(c.Position) })
	case domain.ActionSkipNext:
		e.hostOp(c.Action, e.player.Next)
	case domain.ActionSkipPrev:
		e.hostOp(c.Action, e.player.Previous)
	case domain.ActionChangeTrack:
		t, err := commandTrack(c)
		if err != nil {
			return err
		}
		e.LoadTrack(t)
	case domain.ActionQueueAdd:
		t, err := commandTrack(c)
		if err != nil {
			return err
		}
		e.QueueAdd(t, c.InsertNext)
	case domain.ActionQueueRemove:
		if c.TrackID == "" {
			return fmt.Errorf("%w: %s needs track_id", ErrUnknownAction, c.Action)
		}
		e.QueueRemove(c.TrackID)
	case domain.ActionQueueClear:
		e.QueueClear()
	case domain.ActionSyncQueue:
		e.SyncQueue()
	case domain.ActionSetVolume:
		e.SetVolume(c.Volume)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, c.Action)
	}
	return nil
}

func commandTrack(c Command) (domain.TrackInfo, error) {
	if c.TrackInfo != nil && c.TrackInfo.ID != "" {
		return *c.TrackInfo, nil
	}
	if c.TrackID != "" {
		return domain.TrackInfo{ID: c.TrackID}, nil
	}
	return domain.TrackInfo{}, fmt.Errorf("%w: %s needs a track", ErrUnknownAction, c.Action)
}

func (e *Engine) hostOp(op string, fn func()) {
	e.post(func() {
		if e.guardHost(op) {
			fn()
		}
	})
}

// seekLocal seeks programmatically, so the SEEK is sent here rather than
// from the discontinuity callback.
func (e *Engine) seekLocal(pos int64) {
	e.player.SeekTo(pos)
	e.send(domain.TypePlaybackAction, domain.PlaybackActionPayload{
		Action:   domain.ActionSeek,
		TrackID:  e.player.CurrentItemID(),
		Position: domain.Int64(pos),
	})
}

// LoadTrack replaces the host's items with track. The transition callback
// announces it.
func (e *Engine) LoadTrack(track domain.TrackInfo) {
	e.hostOp(domain.ActionChangeTrack, func() {
		e.resolveThen(track, func(p core.Playable) {
			e.player.SetItems([]core.Playable{p}, 0, 0)
		})
	})
}

func (e *Engine) QueueAdd(track domain.TrackInfo, insertNext bool) {
	e.hostOp(domain.ActionQueueAdd, func() {
		e.resolveThen(track, func(p core.Playable) {
			at := e.player.ItemCount()
			if insertNext {
				at = min(e.player.CurrentIndex()+1, at)
			}
			e.player.Insert(at, p)
			e.recordEcho(domain.ActionQueueAdd, track.ID)
			e.send(domain.TypePlaybackAction, domain.PlaybackActionPayload{
				Action:     domain.ActionQueueAdd,
				TrackID:    track.ID,
				TrackInfo:  &p.Track,
				InsertNext: domain.Bool(insertNext),
			})
		})
	})
}

func (e *Engine) QueueRemove(trackID string) {
	e.hostOp(domain.ActionQueueRemove, func() {
		if !e.removeUpcoming(trackID) {
			log.Debug().Str("module", "engine").Str("track", trackID).Msg("not in upcoming queue")
			return
		}
		e.recordEcho(domain.ActionQueueRemove, trackID)
		e.send(domain.TypePlaybackAction, domain.PlaybackActionPayload{Action: domain.ActionQueueRemove, TrackID: trackID})
	})
}

func (e *Engine) QueueClear() {
	e.hostOp(domain.ActionQueueClear, func() {
		e.clearUpcoming()
		e.recordEcho(domain.ActionQueueClear, "")
		e.send(domain.TypePlaybackAction, domain.PlaybackActionPayload{Action: domain.ActionQueueClear})
	})
}

func (e *Engine) SyncQueue() {
	e.hostOp(domain.ActionSyncQueue, func() {
		e.send(domain.TypePlaybackAction, domain.PlaybackActionPayload{
			Action:     domain.ActionSyncQueue,
			Queue:      e.player.Queue(),
			QueueTitle: e.cfg.QueueTitle,
		})
	})
}

// SetVolume applies v locally and shares it unless it barely moved.
func (e *Engine) SetVolume(v float32) {
	e.hostOp(domain.ActionSetVolume, func() {
		v := clampVolume(v)
		e.player.SetVolume(v)
		if e.lastVolume != nil && math.Abs(float64(*e.lastVolume-v)) < 0.01 {
			return
		}
		e.lastVolume = &v
		e.send(domain.TypePlaybackAction, domain.PlaybackActionPayload{Action: domain.ActionSetVolume, Volume: domain.Float32(v)})
	})
}

// resolveThen resolves track off the loop and runs fn on it, unless the
// room was left meanwhile.
func (e *Engine) resolveThen(track domain.TrackInfo, fn func(core.Playable)) {
	gen := e.gen.Load()
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.ResolveTimeout)
	go func() {
		defer cancel()
		p, err := e.resolver.Resolve(ctx, track.ID)
		e.post(func() {
			if e.gen.Load() != gen {
				return
			}
			if err != nil {
				e.metrics.ResolveFailed()
				log.Error().Err(err).Str("module", "engine").Str("track", track.ID).Msg("track could not be loaded")
				return
			}
			p.ID = track.ID
			if p.Track.ID == "" || track.Title != "" {
				p.Track = track
			}
			fn(p)
		})
	}()
}
