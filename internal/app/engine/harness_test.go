package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/jointly/internal/adapters/player"
	"github.com/dkeye/jointly/internal/app/events"
	"github.com/dkeye/jointly/internal/codec"
	"github.com/dkeye/jointly/internal/core"
	"github.com/dkeye/jointly/internal/domain"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu          sync.Mutex
	wire        *codec.Codec
	frames      []codec.Message
	connects    int
	forced      int
	disconnects []string
	err         error
}

func (f *fakeTransport) Connect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
}

func (f *fakeTransport) Disconnect(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, reason)
}

func (f *fakeTransport) ForceReconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forced++
}

func (f *fakeTransport) Send(fr core.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	msg, err := f.wire.Decode(fr)
	if err != nil {
		return err
	}
	f.frames = append(f.frames, msg)
	return nil
}

func (f *fakeTransport) sent() []codec.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]codec.Message(nil), f.frames...)
}

func (f *fakeTransport) count(msgType string) int {
	n := 0
	for _, m := range f.sent() {
		if m.Type == msgType {
			n++
		}
	}
	return n
}

func (f *fakeTransport) last(msgType string) (codec.Message, bool) {
	msgs := f.sent()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Type == msgType {
			return msgs[i], true
		}
	}
	return codec.Message{}, false
}

// actions lists the playback actions sent, in order.
func (f *fakeTransport) actions() []string {
	var out []string
	for _, m := range f.sent() {
		if p, ok := m.Payload.(domain.PlaybackActionPayload); ok && m.Type == domain.TypePlaybackAction {
			out = append(out, p.Action)
		}
	}
	return out
}

func (f *fakeTransport) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeTransport) stats() (connects, forced int, disconnects []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.forced, append([]string(nil), f.disconnects...)
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = nil
}

type fakeResolver struct {
	mu    sync.Mutex
	fail  map[string]bool
	delay time.Duration
}

func (r *fakeResolver) Resolve(ctx context.Context, id string) (core.Playable, error) {
	r.mu.Lock()
	fail, delay := r.fail[id], r.delay
	r.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return core.Playable{}, ctx.Err()
		}
	}
	if fail {
		return core.Playable{}, errors.New("no such track")
	}
	return core.Playable{ID: id, Source: "mem://" + id}, nil
}

func (r *fakeResolver) failOn(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[id] = true
}

func (r *fakeResolver) setDelay(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delay = d
}

type countingMetrics struct {
	nopMetrics
	decodeErrors  atomic.Int32
	resolveFailed atomic.Int32
	applied       atomic.Int32
}

func (m *countingMetrics) DecodeError()         { m.decodeErrors.Add(1) }
func (m *countingMetrics) ResolveFailed()       { m.resolveFailed.Add(1) }
func (m *countingMetrics) RemoteApplied(string) { m.applied.Add(1) }

type harness struct {
	tb      testing.TB
	e       *Engine
	tr      *fakeTransport
	p       *player.Virtual
	res     *fakeResolver
	wire    *codec.Codec
	metrics *countingMetrics
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SuppressionDelay = 20 * time.Millisecond
	cfg.ReadyPoll = 5 * time.Millisecond
	cfg.ReadyTimeout = 300 * time.Millisecond
	cfg.BypassTimeout = 300 * time.Millisecond
	cfg.ResolveTimeout = time.Second
	cfg.Heartbeat = 0
	cfg.HostPlayDelay = 20 * time.Millisecond
	cfg.RequestSyncDelay = 20 * time.Millisecond
	cfg.RejoinDelay = 20 * time.Millisecond
	return cfg
}

type option func(*Config, *Deps, *harness)

func withStore(s core.SessionStore) option {
	return func(_ *Config, d *Deps, _ *harness) { d.Store = s }
}

func withHeartbeat(d time.Duration) option {
	return func(c *Config, _ *Deps, _ *harness) { c.Heartbeat = d }
}

func withLoadDelay(d time.Duration) option {
	return func(_ *Config, _ *Deps, h *harness) { h.p = player.NewVirtual(d) }
}

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	wire := codec.New(codec.Options{Format: codec.FormatBinary})
	h := &harness{
		tb:      t,
		tr:      &fakeTransport{wire: wire},
		p:       player.NewVirtual(0),
		res:     &fakeResolver{fail: map[string]bool{}},
		wire:    wire,
		metrics: &countingMetrics{},
	}
	cfg := testConfig()
	deps := Deps{Codec: wire, Metrics: h.metrics}
	for _, o := range opts {
		o(&cfg, &deps, h)
	}
	deps.Player = h.p
	deps.Resolver = h.res
	h.e = New(cfg, deps)
	h.e.Bind(h.tr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		h.e.Bus().Close()
	})
	return h
}

// onLoop runs fn on the engine loop and waits for it, which also drains
// everything posted before.
func (h *harness) onLoop(fn func()) {
	h.tb.Helper()
	done := make(chan struct{})
	h.e.post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		h.tb.Fatal("engine loop stuck")
	}
}

func (h *harness) sync() { h.onLoop(func() {}) }

func (h *harness) inbound(msgType string, payload any) {
	h.tb.Helper()
	f, err := h.wire.Encode(msgType, payload)
	require.NoError(h.tb, err)
	h.e.OnFrame(f)
}

func (h *harness) open() {
	h.e.OnState(domain.Connected, 0)
	h.e.OnOpen()
	h.sync()
}

var (
	trackA = domain.TrackInfo{ID: "t1", Title: "One", Artist: "A", Duration: 200000}
	trackB = domain.TrackInfo{ID: "t2", Title: "Two", Artist: "B", Duration: 180000}
	trackC = domain.TrackInfo{ID: "t3", Title: "Three", Artist: "C", Duration: 240000}
)

// asHost creates a room as alice and leaves the engine hosting it.
func (h *harness) asHost() {
	h.tb.Helper()
	require.NoError(h.tb, h.e.CreateRoom("alice"))
	h.open()
	h.inbound(domain.TypeRoomCreated, domain.RoomCreatedPayload{RoomCode: "ABC", UserID: "u-host", SessionToken: "tok-host"})
	h.sync()
	require.Equal(h.tb, domain.RoleHost, h.e.Role.Get())
}

func guestRoom() domain.RoomState {
	return domain.RoomState{
		RoomCode: "ABC",
		HostID:   "u-host",
		Users: []domain.UserInfo{
			{UserID: "u-host", Username: "alice", IsHost: true, IsConnected: true},
			{UserID: "u-guest", Username: "bob", IsConnected: true},
		},
	}
}

// asGuest joins room ABC as bob with the given room state.
func (h *harness) asGuest(state domain.RoomState) {
	h.tb.Helper()
	require.NoError(h.tb, h.e.JoinRoom("abc", "bob"))
	h.open()
	h.inbound(domain.TypeJoinApproved, domain.JoinApprovedPayload{
		RoomCode:     "ABC",
		UserID:       "u-guest",
		SessionToken: "tok-guest",
		State:        state,
	})
	h.sync()
	require.Equal(h.tb, domain.RoleGuest, h.e.Role.Get())
}

func waitEvent(t *testing.T, ch <-chan events.Event, kind events.Kind) events.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "bus closed")
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", kind)
			return events.Event{}
		}
	}
}

const eventually = 2 * time.Second
const tick = 5 * time.Millisecond
