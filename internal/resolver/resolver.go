// Package resolver turns catalog track ids into playable sources.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/dkeye/jointly/internal/core"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
)

// DefaultTemplate leaves the id as the source.
const DefaultTemplate = "{id}"

var ErrEmptyID = errors.New("resolver: empty track id")

// Template builds the source by substituting the escaped id into a URL
// pattern such as "https://media.example/tracks/{id}.mp3".
type Template struct {
	Pattern string
}

func (t Template) Resolve(ctx context.Context, trackID string) (core.Playable, error) {
	if err := ctx.Err(); err != nil {
		return core.Playable{}, err
	}
	if strings.TrimSpace(trackID) == "" {
		return core.Playable{}, ErrEmptyID
	}
	pattern := t.Pattern
	if pattern == "" {
		pattern = DefaultTemplate
	}
	src := strings.ReplaceAll(pattern, "{id}", url.PathEscape(trackID))
	return core.Playable{ID: trackID, Source: src}, nil
}

// Cached remembers successful resolutions. Failures are not cached.
type Cached struct {
	next  core.TrackResolver
	cache *lru.Cache[string, core.Playable]
}

func NewCached(next core.TrackResolver, size int) (*Cached, error) {
	if size <= 0 {
		size = 256
	}
	c, err := lru.New[string, core.Playable](size)
	if err != nil {
		return nil, fmt.Errorf("resolver: cache: %w", err)
	}
	return &Cached{next: next, cache: c}, nil
}

func (c *Cached) Resolve(ctx context.Context, trackID string) (core.Playable, error) {
	if p, ok := c.cache.Get(trackID); ok {
		return p, nil
	}
	p, err := c.next.Resolve(ctx, trackID)
	if err != nil {
		return core.Playable{}, err
	}
	c.cache.Add(trackID, p)
	log.Debug().Str("module", "resolver").Str("track", trackID).Msg("resolved")
	return p, nil
}

func (c *Cached) Len() int { return c.cache.Len() }
