// Package engine is the synchronization engine. It is the only owner of
// room state and role, and the only caller of the Player on behalf of
// remote peers.
//
// All state lives on one goroutine (Run). Public operations, inbound
// frames, player callbacks and timers are posted to an unbounded mailbox
// and executed there in order.
package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/dkeye/jointly/internal/adapters/signal"
	"github.com/dkeye/jointly/internal/app"
	"github.com/dkeye/jointly/internal/app/events"
	"github.com/dkeye/jointly/internal/codec"
	"github.com/dkeye/jointly/internal/core"
	"github.com/dkeye/jointly/internal/domain"
	"github.com/dkeye/jointly/internal/watch"
	"github.com/rs/zerolog/log"
)

// Transport is the connection manager as seen by the engine.
type Transport interface {
	Connect()
	Disconnect(reason string)
	ForceReconnect()
	Send(f core.Frame) error
}

type Metrics interface {
	FrameSent(msgType string)
	FrameReceived(msgType string)
	FrameDropped(msgType, reason string)
	DecodeError()
	ConnectionState(s domain.ConnectionState)
	RemoteApplied(action string)
	ResolveFailed()
}

type nopMetrics struct{}

func (nopMetrics) FrameSent(string)                       {}
func (nopMetrics) FrameReceived(string)                   {}
func (nopMetrics) FrameDropped(string, string)            {}
func (nopMetrics) DecodeError()                           {}
func (nopMetrics) ConnectionState(domain.ConnectionState) {}
func (nopMetrics) RemoteApplied(string)                   {}
func (nopMetrics) ResolveFailed()                         {}

type Config struct {
	SuppressionDelay time.Duration
	DriftTolerance   time.Duration
	ReadyPoll        time.Duration
	ReadyTimeout     time.Duration
	BypassTimeout    time.Duration
	ResolveTimeout   time.Duration
	Heartbeat        time.Duration
	HostPlayDelay    time.Duration
	RequestSyncDelay time.Duration
	RejoinDelay      time.Duration
	EchoWindow       time.Duration
	SyncVolume       bool
	QueueTitle       string
	JoinLimit        int
	JoinInterval     time.Duration
}

func DefaultConfig() Config {
	return Config{
		SuppressionDelay: 200 * time.Millisecond,
		DriftTolerance:   100 * time.Millisecond,
		ReadyPoll:        50 * time.Millisecond,
		ReadyTimeout:     2 * time.Second,
		BypassTimeout:    5 * time.Second,
		ResolveTimeout:   10 * time.Second,
		Heartbeat:        15 * time.Second,
		HostPlayDelay:    500 * time.Millisecond,
		RequestSyncDelay: time.Second,
		RejoinDelay:      500 * time.Millisecond,
		EchoWindow:       3 * time.Second,
		SyncVolume:       true,
		QueueTitle:       "Listen Together",
		JoinLimit:        3,
		JoinInterval:     time.Minute,
	}
}

type Deps struct {
	Player   core.Player
	Resolver core.TrackResolver
	Codec    *codec.Codec
	Bus      *events.Bus
	// Store is optional; without it sessions do not survive a restart.
	Store    core.SessionStore
	Registry *app.Registry
	Policy   app.Policy
	Metrics  Metrics
}

type pendingAction struct {
	create   bool
	roomCode string
	username string
}

type Engine struct {
	cfg       Config
	player    core.Player
	resolver  core.TrackResolver
	codec     *codec.Codec
	bus       *events.Bus
	store     core.SessionStore
	reg       *app.Registry
	policy    app.Policy
	metrics   Metrics
	limiter   *app.JoinLimiter
	transport Transport

	box *mailbox
	ctx context.Context
	now func() time.Time

	Conn   *watch.Value[domain.ConnectionState]
	Room   *watch.Value[*domain.RoomState]
	Role   *watch.Value[domain.RoomRole]
	UserID *watch.Value[string]

	// loop-owned
	room      *domain.RoomState
	role      domain.RoomRole
	userID    string
	token     string
	roomCode  string
	username  string
	wasHost   bool
	pending   *pendingAction
	connState domain.ConnectionState

	lastSyncedPlaying bool
	lastSyncedTrack   string
	lastVolume        *float32
	heartbeatSeq      uint64
	queueEchoes       []queueEcho

	syncSeq uint64
	buf     buffering

	// gen is bumped on teardown; timers and continuations compare against
	// it before touching state.
	gen atomic.Uint64
	// suppress holds the sync generation of the remote action currently
	// being applied, or zero.
	suppress atomic.Uint64
	holds    atomic.Bool
}

func New(cfg Config, deps Deps) *Engine {
	if deps.Bus == nil {
		deps.Bus = events.NewBus()
	}
	if deps.Registry == nil {
		deps.Registry = app.NewRegistry()
	}
	if deps.Policy == nil {
		deps.Policy = app.SimplePolicy{}
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.Codec == nil {
		deps.Codec = codec.New(codec.Options{Format: codec.FormatBinary})
	}
	e := &Engine{
		cfg:      cfg,
		player:   deps.Player,
		resolver: deps.Resolver,
		codec:    deps.Codec,
		bus:      deps.Bus,
		store:    deps.Store,
		reg:      deps.Registry,
		policy:   deps.Policy,
		metrics:  deps.Metrics,
		limiter:  app.NewJoinLimiter(cfg.JoinLimit, cfg.JoinInterval),
		box:      newMailbox(),
		ctx:      context.Background(),
		now:      time.Now,
		Conn:     watch.New(domain.Disconnected),
		Room:     watch.New[*domain.RoomState](nil),
		Role:     watch.New(domain.RoleNone),
		UserID:   watch.New(""),
	}
	e.player.SetListener(playerEvents{e})
	return e
}

// Bind attaches the connection manager. It must be called before Run.
func (e *Engine) Bind(t Transport) { e.transport = t }

func (e *Engine) Bus() *events.Bus { return e.bus }

func (e *Engine) Registry() *app.Registry { return e.reg }

// Run executes the engine loop until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	e.ctx = ctx
	e.restore()
	log.Info().Str("module", "engine").Msg("engine started")
	for {
		select {
		case <-ctx.Done():
			e.box.close()
			log.Info().Str("module", "engine").Msg("engine stopped")
			return nil
		case <-e.box.wake:
			for _, fn := range e.box.drain() {
				fn()
			}
		}
	}
}

func (e *Engine) post(fn func()) {
	if !e.box.post(fn) {
		log.Debug().Str("module", "engine").Msg("engine stopped, work dropped")
	}
}

// postGuarded drops fn when a teardown happens between the post and its
// execution.
func (e *Engine) postGuarded(fn func()) {
	gen := e.gen.Load()
	e.post(func() {
		if e.gen.Load() != gen {
			return
		}
		fn()
	})
}

// after schedules fn on the loop. It is discarded after a teardown.
func (e *Engine) after(d time.Duration, fn func()) {
	gen := e.gen.Load()
	time.AfterFunc(d, func() {
		e.post(func() {
			if e.gen.Load() != gen {
				return
			}
			fn()
		})
	})
}

func (e *Engine) send(msgType string, payload any) bool {
	f, err := e.codec.Encode(msgType, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "engine").Str("type", msgType).Msg("encode")
		return false
	}
	if e.transport == nil {
		e.metrics.FrameDropped(msgType, "unbound")
		return false
	}
	if err := e.transport.Send(f); err != nil {
		switch {
		case errors.Is(err, signal.ErrBackpressure):
			e.metrics.FrameDropped(msgType, "backpressure")
			if e.policy.OnBackpressure(msgType) == app.ForceReconnect {
				log.Warn().Str("module", "engine").Str("type", msgType).Msg("send queue stalled, reconnecting")
				e.transport.ForceReconnect()
				return false
			}
		case errors.Is(err, signal.ErrNotConnected):
			e.metrics.FrameDropped(msgType, "not_connected")
		default:
			e.metrics.FrameDropped(msgType, "error")
		}
		log.Debug().Err(err).Str("module", "engine").Str("type", msgType).Msg("send dropped")
		return false
	}
	e.metrics.FrameSent(msgType)
	return true
}

func (e *Engine) publish(kind events.Kind, data any) {
	e.bus.Publish(kind, data)
}

// setRoom replaces the room snapshot and re-derives the role from it.
func (e *Engine) setRoom(r *domain.RoomState) {
	e.room = r
	e.Room.Set(r.Clone())
	e.deriveRole()
	e.refreshHolds()
}

func (e *Engine) setUserID(id string) {
	e.userID = id
	e.UserID.Set(id)
}

func (e *Engine) deriveRole() {
	role := domain.RoleNone
	if e.room != nil {
		role = domain.RoleGuest
		if e.userID != "" && e.room.HostID == e.userID {
			role = domain.RoleHost
		}
	}
	if role == e.role {
		return
	}
	old := e.role
	e.role = role
	e.Role.Set(role)
	log.Info().Str("module", "engine").Str("from", old.String()).Str("to", role.String()).Msg("role changed")
	if role == domain.RoleHost {
		e.startHeartbeat()
	} else {
		e.stopHeartbeat()
	}
}

func (e *Engine) refreshHolds() {
	e.holds.Store(e.room != nil || e.token != "" || e.pending != nil)
}

// teardown forgets the room, the session and every in-flight handshake.
// Pending timers and continuations become inert.
func (e *Engine) teardown(reason string) {
	e.gen.Add(1)
	e.suppress.Store(0)
	e.buf = buffering{}
	e.stopHeartbeat()
	e.token = ""
	e.roomCode = ""
	e.wasHost = false
	e.pending = nil
	e.lastSyncedPlaying = false
	e.lastSyncedTrack = ""
	e.lastVolume = nil
	e.queueEchoes = nil
	e.reg.Reset()
	e.limiter.Reset()
	e.setUserID("")
	e.setRoom(nil)
	e.clearStoredSession()
	log.Info().Str("module", "engine").Str("reason", reason).Msg("room state cleared")
}

func (e *Engine) inRoom() bool { return e.room != nil }

func (e *Engine) isHost() bool { return e.room != nil && e.role == domain.RoleHost }
