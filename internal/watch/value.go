// Package watch holds observable values. A subscriber first receives the
// current value and afterwards only the latest one; intermediate values
// may be skipped when the reader is slow.
package watch

import "sync"

type Value[T any] struct {
	mu   sync.RWMutex
	v    T
	subs map[chan T]struct{}
}

func New[T any](initial T) *Value[T] {
	return &Value[T]{v: initial, subs: make(map[chan T]struct{})}
}

func (w *Value[T]) Get() T {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.v
}

// Set stores v and notifies subscribers without blocking.
func (w *Value[T]) Set(v T) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.v = v
	for ch := range w.subs {
		offer(ch, v)
	}
}

// Update applies fn to the current value under the lock.
func (w *Value[T]) Update(fn func(T) T) T {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.v = fn(w.v)
	for ch := range w.subs {
		offer(ch, w.v)
	}
	return w.v
}

// Subscribe returns a channel primed with the current value. cancel closes
// the channel and is safe to call more than once.
func (w *Value[T]) Subscribe() (ch <-chan T, cancel func()) {
	c := make(chan T, 1)

	w.mu.Lock()
	c <- w.v
	w.subs[c] = struct{}{}
	w.mu.Unlock()

	cancel = func() {
		w.mu.Lock()
		if _, ok := w.subs[c]; ok {
			delete(w.subs, c)
			close(c)
		}
		w.mu.Unlock()
	}
	return c, cancel
}

// offer replaces a stale unread value with v. Callers hold w.mu, so the
// channel has no other writer.
func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- v
}
