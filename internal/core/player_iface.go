package core

import (
	"context"

	"github.com/dkeye/jointly/internal/domain"
)

type DiscontinuityReason int

const (
	// DiscontinuityInternal covers programmatic seeks and auto transitions.
	DiscontinuityInternal DiscontinuityReason = iota
	// DiscontinuitySeek is a seek the user asked for.
	DiscontinuitySeek
)

// Playable is a resolved catalog item the player can load.
type Playable struct {
	ID     string
	Source string
	Track  domain.TrackInfo
}

// Player is the audio engine capability.
// All methods must be called from the goroutine that owns playback.
type Player interface {
	Play()
	Pause()
	SeekTo(ms int64)
	Position() int64
	PlayWhenReady() bool
	// Ready reports whether the current item is buffered enough to start.
	Ready() bool

	CurrentItemID() string
	CurrentIndex() int
	ItemCount() int
	ItemIDAt(i int) string
	// Current returns metadata of the loaded item.
	Current() (domain.TrackInfo, bool)
	Queue() []domain.TrackInfo

	// SetItems replaces the item list without starting playback.
	SetItems(items []Playable, index int, startMs int64)
	Insert(index int, item Playable)
	Remove(index int)
	RemoveRange(from, count int)
	Next()
	Previous()
	SetVolume(v float32)

	SetListener(l PlayerListener)
}

// PlayerListener receives player notifications. Implementations must not
// call back into the Player synchronously.
type PlayerListener interface {
	OnPlayWhenReadyChanged(playing bool)
	OnTransition(itemID string)
	OnPositionDiscontinuity(reason DiscontinuityReason, positionMs int64)
}

// TrackResolver turns a catalog id into something the player can load.
type TrackResolver interface {
	Resolve(ctx context.Context, trackID string) (Playable, error)
}
