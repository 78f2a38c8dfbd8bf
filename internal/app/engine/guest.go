package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/jointly/internal/core"
	"github.com/dkeye/jointly/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/iter"
)

// buffering tracks one load. While trackID is set a handshake is
// outstanding: remote play state is parked in pending until the relay
// reports buffer_complete for that track and the local load finished.
type buffering struct {
	seq         uint64
	trackID     string
	pending     *pendingSync
	completeFor string
	loadedFor   string
}

type pendingSync struct {
	playing  bool
	position *int64
}

func (b *buffering) active() bool { return b.trackID != "" }

func (b *buffering) merge(playing *bool, position *int64) {
	if b.pending == nil {
		b.pending = &pendingSync{}
	}
	if playing != nil {
		b.pending.playing = *playing
	}
	if position != nil {
		b.pending.position = position
	}
}

// beginSync marks the start of a remote action applied to the player.
// Callbacks fired while it is current are not broadcast.
func (e *Engine) beginSync() uint64 {
	e.syncSeq++
	e.suppress.Store(e.syncSeq)
	return e.syncSeq
}

func (e *Engine) endSync(seq uint64) {
	time.AfterFunc(e.cfg.SuppressionDelay, func() {
		e.suppress.CompareAndSwap(seq, 0)
	})
}

func (e *Engine) withSync(fn func()) {
	seq := e.beginSync()
	defer e.endSync(seq)
	fn()
}

// catchUp moves a playing position forward by the time since it was
// stamped.
func catchUp(pos int64, playing bool, stampMs int64, now time.Time) int64 {
	if !playing || stampMs <= 0 {
		return pos
	}
	if d := now.UnixMilli() - stampMs; d > 0 {
		return pos + d
	}
	return pos
}

// guestTrack is the track a guest is on or is loading.
func (e *Engine) guestTrack() string {
	if e.buf.active() {
		return e.buf.trackID
	}
	return e.player.CurrentItemID()
}

func (e *Engine) applyRemote(p domain.PlaybackActionPayload) {
	switch p.Action {
	case domain.ActionPlay, domain.ActionPause:
		playing := p.Action == domain.ActionPlay
		var pos *int64
		if p.Position != nil {
			at := *p.Position
			if p.ServerTime != nil {
				at = catchUp(at, playing, *p.ServerTime, e.now())
			}
			pos = &at
		}
		if e.buf.active() {
			e.buf.merge(&playing, pos)
			return
		}
		e.applyPlaybackState(playing, pos)
	case domain.ActionSeek:
		if p.Position == nil {
			return
		}
		if e.buf.active() {
			e.buf.merge(nil, p.Position)
			return
		}
		e.withSync(func() { e.player.SeekTo(*p.Position) })
	case domain.ActionChangeTrack:
		track := domain.TrackInfo{ID: p.TrackID}
		if p.TrackInfo != nil {
			track = *p.TrackInfo
		}
		if track.ID == "" {
			log.Warn().Str("module", "engine").Msg("change_track without a track")
			return
		}
		e.syncTo(track, p.Queue, false, false, 0)
	case domain.ActionSkipNext:
		e.withSync(e.player.Next)
	case domain.ActionSkipPrev:
		e.withSync(e.player.Previous)
	case domain.ActionQueueAdd:
		if p.TrackInfo == nil {
			return
		}
		e.queueInsert(*p.TrackInfo, p.InsertNext != nil && *p.InsertNext)
	case domain.ActionQueueRemove:
		e.withSync(func() { e.removeUpcoming(p.TrackID) })
	case domain.ActionQueueClear:
		e.withSync(e.clearUpcoming)
	case domain.ActionSyncQueue:
		e.replaceQueue(p.Queue)
	case domain.ActionSetVolume:
		e.applyHostVolume(p.Volume)
	default:
		log.Debug().Str("module", "engine").Str("action", p.Action).Msg("unknown playback action")
	}
}

// applyPlaybackState seeks only when the drift exceeds the tolerance.
func (e *Engine) applyPlaybackState(playing bool, pos *int64) {
	e.withSync(func() {
		if playing {
			e.seekIfDrifted(pos)
			e.player.Play()
			return
		}
		e.player.Pause()
		e.seekIfDrifted(pos)
	})
}

func (e *Engine) seekIfDrifted(pos *int64) {
	if pos == nil {
		return
	}
	drift := e.player.Position() - *pos
	if drift < 0 {
		drift = -drift
	}
	if drift > e.cfg.DriftTolerance.Milliseconds() {
		e.player.SeekTo(*pos)
	}
}

// correct aligns a guest already on trackID. A handshake still waiting for
// that track is completed with the given state instead.
func (e *Engine) correct(trackID string, playing bool, pos int64) {
	if e.buf.active() && e.buf.trackID == trackID {
		e.buf.pending = &pendingSync{playing: playing, position: &pos}
		e.buf.completeFor = trackID
		e.applyPendingIfReady()
		return
	}
	e.applyPlaybackState(playing, &pos)
}

func (e *Engine) applyPendingIfReady() {
	b := e.buf
	if !b.active() || b.completeFor != b.trackID || b.loadedFor != b.trackID {
		return
	}
	e.buf = buffering{seq: b.seq}
	if b.pending == nil {
		return
	}
	log.Debug().Str("module", "engine").Str("track", b.trackID).Bool("playing", b.pending.playing).Msg("buffering complete")
	e.applyPlaybackState(b.pending.playing, b.pending.position)
}

func (e *Engine) applyHostVolume(v *float32) {
	if v == nil || !e.cfg.SyncVolume || e.isHost() {
		return
	}
	vol := clampVolume(*v)
	e.withSync(func() { e.player.SetVolume(vol) })
}

func clampVolume(v float32) float32 {
	return min(max(v, 0), 1)
}

// syncTo loads track (and the queue around it when given). With bypass the
// target state is applied as soon as the player is ready; otherwise the
// buffer_ready handshake runs and the state waits for buffer_complete.
func (e *Engine) syncTo(track domain.TrackInfo, queue []domain.TrackInfo, bypass, playing bool, pos int64) {
	seq := e.buf.seq + 1
	e.buf = buffering{seq: seq}
	if !bypass {
		e.buf.trackID = track.ID
		e.buf.pending = &pendingSync{playing: playing, position: &pos}
	}

	list, index := loadList(track, queue)
	gen := e.gen.Load()
	started := e.now()
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.ResolveTimeout)
	go func() {
		defer cancel()
		items, at, err := e.resolveAll(ctx, list, index)
		e.post(func() {
			if e.gen.Load() != gen || e.buf.seq != seq {
				return
			}
			if err != nil {
				e.resolveFailed(track.ID, err)
				return
			}
			e.load(items, at, track.ID, bypass, playing, pos, started)
		})
	}()
}

// loadList returns the items to load and the index of track in them.
func loadList(track domain.TrackInfo, queue []domain.TrackInfo) ([]domain.TrackInfo, int) {
	for i, t := range queue {
		if t.ID == track.ID {
			return queue, i
		}
	}
	return []domain.TrackInfo{track}, 0
}

type resolved struct {
	item core.Playable
	err  error
}

// resolveAll resolves list concurrently. Items other than the one at index
// are dropped when they fail; failing to resolve index fails the load.
func (e *Engine) resolveAll(ctx context.Context, list []domain.TrackInfo, index int) ([]core.Playable, int, error) {
	mapper := iter.Mapper[domain.TrackInfo, resolved]{MaxGoroutines: 4}
	results := mapper.Map(list, func(t *domain.TrackInfo) resolved {
		p, err := e.resolver.Resolve(ctx, t.ID)
		if err != nil {
			return resolved{err: err}
		}
		p.ID = t.ID
		p.Track = *t
		return resolved{item: p}
	})

	items := make([]core.Playable, 0, len(results))
	at := 0
	for i, r := range results {
		if r.err != nil {
			if i == index {
				return nil, 0, fmt.Errorf("resolve %s: %w", list[i].ID, r.err)
			}
			log.Warn().Err(r.err).Str("module", "engine").Str("track", list[i].ID).Msg("queue item skipped")
			continue
		}
		if i == index {
			at = len(items)
		}
		items = append(items, r.item)
	}
	return items, at, nil
}

func (e *Engine) resolveFailed(trackID string, err error) {
	e.metrics.ResolveFailed()
	log.Error().Err(err).Str("module", "engine").Str("track", trackID).Msg("track could not be loaded")
	e.buf = buffering{seq: e.buf.seq}
}

func (e *Engine) load(items []core.Playable, index int, trackID string, bypass, playing bool, pos int64, started time.Time) {
	seq := e.buf.seq
	start := int64(0)
	if bypass {
		start = pos
	}
	e.withSync(func() {
		e.player.Pause()
		e.player.SetItems(items, index, start)
	})

	timeout := e.cfg.ReadyTimeout
	if bypass {
		timeout = e.cfg.BypassTimeout
	}
	e.waitReady(seq, timeout, func(ready bool) {
		if !ready {
			log.Warn().Str("module", "engine").Str("track", trackID).Msg("player not ready in time, continuing")
		}
		if bypass {
			at := pos
			if playing {
				at += e.now().Sub(started).Milliseconds()
			}
			e.applyPlaybackState(playing, &at)
			return
		}
		e.withSync(e.player.Pause)
		e.buf.loadedFor = trackID
		e.send(domain.TypeBufferReady, domain.BufferReadyPayload{TrackID: trackID})
		e.applyPendingIfReady()
	})
}

// waitReady polls the player until it is ready or timeout passes. It gives
// up silently when another load supersedes this one.
func (e *Engine) waitReady(seq uint64, timeout time.Duration, done func(ready bool)) {
	deadline := e.now().Add(timeout)
	var poll func()
	poll = func() {
		if e.buf.seq != seq {
			return
		}
		if e.player.Ready() {
			done(true)
			return
		}
		if !e.now().Before(deadline) {
			done(false)
			return
		}
		e.after(e.cfg.ReadyPoll, poll)
	}
	poll()
}

func (e *Engine) resumeAsGuest(state domain.RoomState) {
	if state.CurrentTrack == nil {
		return
	}
	pos := catchUp(state.Position, state.IsPlaying, state.LastUpdate, e.now())
	e.applyHostVolume(state.Volume)
	if e.guestTrack() == state.CurrentTrack.ID {
		e.correct(state.CurrentTrack.ID, state.IsPlaying, pos)
		return
	}
	e.syncTo(*state.CurrentTrack, state.Queue, false, state.IsPlaying, pos)
	e.after(e.cfg.RequestSyncDelay, func() {
		if e.inRoom() && !e.isHost() {
			e.send(domain.TypeRequestSync, nil)
		}
	})
}

// Queue edits splice only after the current item.

func (e *Engine) queueInsert(track domain.TrackInfo, next bool) {
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
				log.Warn().Err(err).Str("module", "engine").Str("track", track.ID).Msg("queue add skipped")
				return
			}
			p.ID = track.ID
			p.Track = track
			e.withSync(func() {
				at := e.player.ItemCount()
				if next {
					at = min(e.player.CurrentIndex()+1, at)
				}
				e.player.Insert(at, p)
			})
		})
	}()
}

func (e *Engine) removeUpcoming(trackID string) bool {
	for i := e.player.CurrentIndex() + 1; i < e.player.ItemCount(); i++ {
		if e.player.ItemIDAt(i) == trackID {
			e.player.Remove(i)
			return true
		}
	}
	return false
}

func (e *Engine) clearUpcoming() {
	from := e.player.CurrentIndex() + 1
	if n := e.player.ItemCount() - from; n > 0 {
		e.player.RemoveRange(from, n)
	}
}

// replaceQueue swaps the item list and keeps the current item and its
// position when the new list still contains it.
func (e *Engine) replaceQueue(queue []domain.TrackInfo) {
	if len(queue) == 0 {
		e.withSync(e.clearUpcoming)
		return
	}
	gen := e.gen.Load()
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.ResolveTimeout)
	go func() {
		defer cancel()
		mapper := iter.Mapper[domain.TrackInfo, resolved]{MaxGoroutines: 4}
		results := mapper.Map(queue, func(t *domain.TrackInfo) resolved {
			p, err := e.resolver.Resolve(ctx, t.ID)
			p.ID, p.Track = t.ID, *t
			return resolved{item: p, err: err}
		})
		e.post(func() {
			if e.gen.Load() != gen {
				return
			}
			var items []core.Playable
			for _, r := range results {
				if r.err != nil {
					e.metrics.ResolveFailed()
					continue
				}
				items = append(items, r.item)
			}
			e.applyQueue(items)
		})
	}()
}

func (e *Engine) applyQueue(items []core.Playable) {
	cur := e.player.CurrentItemID()
	for i, it := range items {
		if it.ID != cur || cur == "" {
			continue
		}
		playing := e.player.PlayWhenReady()
		pos := e.player.Position()
		e.withSync(func() {
			e.player.SetItems(items, i, pos)
			if playing {
				e.player.Play()
			}
		})
		return
	}
	e.withSync(func() {
		e.clearUpcoming()
		at := e.player.ItemCount()
		for _, it := range items {
			e.player.Insert(at, it)
			at++
		}
	})
}
