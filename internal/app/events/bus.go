// Package events is the ordered stream of domain events produced by the
// synchronization engine.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type Event struct {
	Kind Kind      `json:"kind"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// Bus fans events out to subscribers. Publish never blocks: every
// subscriber owns an unbounded queue drained by its own goroutine.
type Bus struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
	now    func() time.Time
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{}), now: time.Now}
}

func (b *Bus) Publish(kind Kind, data any) {
	ev := Event{Kind: kind, At: b.now(), Data: data}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		s.push(ev)
	}
	log.Debug().Str("module", "events").Str("kind", kind.String()).Int("subscribers", len(b.subs)).Msg("published")
}

// Subscribe returns a stream that sees every event published after the
// call, in publish order.
func (b *Bus) Subscribe() (ch <-chan Event, cancel func()) {
	s := newSubscriber()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.stop()
		return s.out, func() {}
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel = func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			s.stop()
		})
	}
	return s.out, cancel
}

// Close ends every subscription. Queued events not yet read are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*subscriber]struct{})
	b.mu.Unlock()

	for s := range subs {
		s.stop()
	}
}

type subscriber struct {
	mu     sync.Mutex
	queue  []Event
	wake   chan struct{}
	done   chan struct{}
	out    chan Event
	closed sync.Once
}

func newSubscriber() *subscriber {
	s := &subscriber{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan Event),
	}
	go s.run()
	return s
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.closed.Do(func() { close(s.done) })
}

func (s *subscriber) run() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
	}
}
