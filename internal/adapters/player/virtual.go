// Package player provides a headless, clock-driven Player. It keeps the
// same bookkeeping a real audio engine would (items, current index,
// play-when-ready, position) without producing sound.
package player

import (
	"sync"
	"time"

	"github.com/dkeye/jointly/internal/core"
	"github.com/dkeye/jointly/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// Virtual implements core.Player. The position is anchored to wall time
// and only advances while playing and ready.
type Virtual struct {
	mu sync.Mutex

	items         []core.Playable
	index         int
	playWhenReady bool
	volume        float32

	// position at anchorAt; the anchor moves on every state change
	anchorPos int64
	anchorAt  time.Time
	loadedAt  time.Time
	loadDelay time.Duration

	now      func() time.Time
	listener core.PlayerListener
}

func NewVirtual(loadDelay time.Duration) *Virtual {
	return &Virtual{
		volume:    1,
		loadDelay: loadDelay,
		now:       time.Now,
	}
}

func (v *Virtual) SetListener(l core.PlayerListener) {
	v.mu.Lock()
	v.listener = l
	v.mu.Unlock()
}

// notes collects listener calls made under the lock; they fire once it is
// released.
type notes []func(core.PlayerListener)

func (v *Virtual) fire(n notes) {
	v.mu.Lock()
	l := v.listener
	v.mu.Unlock()
	if l == nil {
		return
	}
	for _, fn := range n {
		fn(l)
	}
}

func (v *Virtual) Play() {
	v.fire(v.setPlaying(true))
}

func (v *Virtual) Pause() {
	v.fire(v.setPlaying(false))
}

func (v *Virtual) setPlaying(on bool) notes {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.playWhenReady == on {
		return nil
	}
	v.rebaseLocked()
	v.playWhenReady = on
	log.Debug().Str("module", "player").Bool("playing", on).Int64("position", v.anchorPos).Msg("play state")
	return notes{func(l core.PlayerListener) { l.OnPlayWhenReadyChanged(on) }}
}

// SeekTo is a programmatic seek.
func (v *Virtual) SeekTo(ms int64) {
	v.fire(v.seek(ms, core.DiscontinuityInternal))
}

// UserSeek is a seek the listener asked for, as from a scrub bar.
func (v *Virtual) UserSeek(ms int64) {
	v.fire(v.seek(ms, core.DiscontinuitySeek))
}

func (v *Virtual) seek(ms int64, reason core.DiscontinuityReason) notes {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.items) == 0 {
		return nil
	}
	ms = v.clampLocked(ms)
	v.anchorPos = ms
	v.anchorAt = v.now()
	return notes{func(l core.PlayerListener) { l.OnPositionDiscontinuity(reason, ms) }}
}

func (v *Virtual) Position() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.positionLocked()
}

func (v *Virtual) positionLocked() int64 {
	if !v.playWhenReady || len(v.items) == 0 {
		return v.anchorPos
	}
	now := v.now()
	start := v.anchorAt
	if ready := v.loadedAt.Add(v.loadDelay); ready.After(start) {
		start = ready
	}
	if !now.After(start) {
		return v.anchorPos
	}
	return v.clampLocked(v.anchorPos + now.Sub(start).Milliseconds())
}

func (v *Virtual) rebaseLocked() {
	v.anchorPos = v.positionLocked()
	v.anchorAt = v.now()
}

func (v *Virtual) clampLocked(ms int64) int64 {
	if ms < 0 {
		return 0
	}
	if d := v.items[v.index].Track.Duration; d > 0 && ms > d {
		return d
	}
	return ms
}

func (v *Virtual) PlayWhenReady() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.playWhenReady
}

func (v *Virtual) Ready() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.items) > 0 && !v.now().Before(v.loadedAt.Add(v.loadDelay))
}

func (v *Virtual) CurrentItemID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.currentIDLocked()
}

func (v *Virtual) currentIDLocked() string {
	if len(v.items) == 0 {
		return ""
	}
	return v.items[v.index].ID
}

func (v *Virtual) CurrentIndex() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.items) == 0 {
		return -1
	}
	return v.index
}

func (v *Virtual) ItemCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.items)
}

func (v *Virtual) ItemIDAt(i int) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if i < 0 || i >= len(v.items) {
		return ""
	}
	return v.items[i].ID
}

func (v *Virtual) Current() (domain.TrackInfo, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.items) == 0 {
		return domain.TrackInfo{}, false
	}
	return v.items[v.index].Track, true
}

func (v *Virtual) Queue() []domain.TrackInfo {
	v.mu.Lock()
	defer v.mu.Unlock()
	return lo.Map(v.items, func(p core.Playable, _ int) domain.TrackInfo { return p.Track })
}

func (v *Virtual) Volume() float32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.volume
}

func (v *Virtual) SetVolume(vol float32) {
	v.mu.Lock()
	v.volume = min(max(vol, 0), 1)
	v.mu.Unlock()
}

// SetItems keeps play-when-ready as it was; a playing player starts the
// new item once it is ready.
func (v *Virtual) SetItems(items []core.Playable, index int, startMs int64) {
	v.mu.Lock()
	prev := v.currentIDLocked()
	v.items = append([]core.Playable(nil), items...)
	v.index = 0
	if index > 0 && index < len(v.items) {
		v.index = index
	}
	v.loadLocked(startMs)
	n := v.transitionLocked(prev)
	v.mu.Unlock()
	v.fire(n)
}

func (v *Virtual) Insert(index int, item core.Playable) {
	v.mu.Lock()
	prev := v.currentIDLocked()
	index = min(max(index, 0), len(v.items))
	v.items = append(v.items[:index], append([]core.Playable{item}, v.items[index:]...)...)
	switch {
	case len(v.items) == 1:
		v.index = 0
		v.loadLocked(0)
	case index <= v.index:
		v.index++
	}
	n := v.transitionLocked(prev)
	v.mu.Unlock()
	v.fire(n)
}

func (v *Virtual) Remove(index int) {
	v.RemoveRange(index, 1)
}

func (v *Virtual) RemoveRange(from, count int) {
	v.mu.Lock()
	if from < 0 || count <= 0 || from >= len(v.items) {
		v.mu.Unlock()
		return
	}
	to := min(from+count, len(v.items))
	prev := v.currentIDLocked()
	v.items = append(v.items[:from], v.items[to:]...)
	switch {
	case len(v.items) == 0:
		v.index = 0
		v.anchorPos = 0
	case v.index >= to:
		v.index -= to - from
	case v.index >= from:
		// the current item went away; continue with what took its place
		v.index = min(from, len(v.items)-1)
		v.loadLocked(0)
	}
	n := v.transitionLocked(prev)
	v.mu.Unlock()
	v.fire(n)
}

func (v *Virtual) Next() {
	v.mu.Lock()
	if v.index+1 >= len(v.items) {
		v.mu.Unlock()
		return
	}
	prev := v.currentIDLocked()
	v.index++
	v.loadLocked(0)
	n := v.transitionLocked(prev)
	v.mu.Unlock()
	v.fire(n)
}

// Previous restarts the current item when it is the first one.
func (v *Virtual) Previous() {
	v.mu.Lock()
	if len(v.items) == 0 {
		v.mu.Unlock()
		return
	}
	if v.index == 0 {
		v.mu.Unlock()
		v.SeekTo(0)
		return
	}
	prev := v.currentIDLocked()
	v.index--
	v.loadLocked(0)
	n := v.transitionLocked(prev)
	v.mu.Unlock()
	v.fire(n)
}

func (v *Virtual) loadLocked(startMs int64) {
	now := v.now()
	v.loadedAt = now
	v.anchorAt = now
	v.anchorPos = 0
	if len(v.items) > 0 {
		v.anchorPos = v.clampLocked(startMs)
	}
}

func (v *Virtual) transitionLocked(prev string) notes {
	cur := v.currentIDLocked()
	if cur == prev || cur == "" {
		return nil
	}
	log.Debug().Str("module", "player").Str("item", cur).Msg("transition")
	return notes{func(l core.PlayerListener) { l.OnTransition(cur) }}
}
