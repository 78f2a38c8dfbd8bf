package signal

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/jointly/internal/app"
	"github.com/dkeye/jointly/internal/core"
	"github.com/dkeye/jointly/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

// Handler receives connection events. Methods run with the manager lock
// held: they must not block and must not call back into the Manager.
type Handler interface {
	OnOpen()
	OnFrame(f core.Frame)
	OnState(s domain.ConnectionState, attempt int)
	OnGiveUp(err error)
	// HoldsSession reports whether a room, a session token or a pending
	// create/join exists, which makes a dropped socket worth reconnecting.
	HoldsSession() bool
}

type Options struct {
	URL          string
	PingInterval time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
	Reconnect    app.ReconnectPolicy
	// PingFrame builds the keepalive frame in the configured wire format.
	PingFrame func() (core.Frame, error)
}

type Manager struct {
	opts    Options
	dialer  Dialer
	handler Handler

	mu      sync.Mutex
	state   domain.ConnectionState
	attempt int
	conn    *WsSignalConn
	retry   *time.Timer
	cancel  context.CancelFunc

	// gen is bumped under mu on every teardown; pumps and timers compare
	// against it lock-free before acting.
	gen atomic.Uint64
}

func NewManager(opts Options, dialer Dialer, handler Handler) *Manager {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Reconnect == nil {
		opts.Reconnect = app.LinearPolicy{Base: time.Second, Max: 30 * time.Second, Attempts: 15}
	}
	return &Manager{opts: opts, dialer: dialer, handler: handler}
}

func (m *Manager) State() domain.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) MaxAttempts() int { return m.opts.Reconnect.MaxAttempts() }

// Connect dials in the background. It is a no-op while connecting or
// connected.
func (m *Manager) Connect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == domain.Connecting || m.state == domain.Connected {
		return
	}
	m.startLocked()
}

// Disconnect tears the socket down and cancels keepalive and any pending
// retry.
func (m *Manager) Disconnect(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
	m.attempt = 0
	log.Info().Str("module", "signal").Str("reason", reason).Msg("disconnect")
	m.setStateLocked(domain.Disconnected)
}

// ForceReconnect drops the current socket and dials again with a fresh
// attempt counter.
func (m *Manager) ForceReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
	m.attempt = 0
	log.Info().Str("module", "signal").Msg("forced reconnect")
	m.startLocked()
}

// Send queues f on the live socket without blocking.
func (m *Manager) Send(f core.Frame) error {
	m.mu.Lock()
	conn, state := m.conn, m.state
	m.mu.Unlock()
	if conn == nil || state != domain.Connected {
		return ErrNotConnected
	}
	return conn.TrySend(f)
}

// caller holds mu
func (m *Manager) startLocked() {
	m.stopRetryLocked()
	gen := m.gen.Add(1)
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.setStateLocked(domain.Connecting)
	go m.dial(ctx, gen)
}

// caller holds mu
func (m *Manager) teardownLocked() {
	m.gen.Add(1)
	m.stopRetryLocked()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}

func (m *Manager) stopRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

func (m *Manager) setStateLocked(s domain.ConnectionState) {
	if m.state == s {
		return
	}
	m.state = s
	log.Debug().Str("module", "signal").Str("state", s.String()).Int("attempt", m.attempt).Msg("state")
	m.handler.OnState(s, m.attempt)
}

func (m *Manager) dial(ctx context.Context, gen uint64) {
	ws, err := m.dialer.Dial(ctx, m.opts.URL)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen.Load() != gen {
		if ws != nil {
			_ = ws.Close()
		}
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("url", m.opts.URL).Msg("dial failed")
		m.failLocked(err, true)
		return
	}

	conn := newWsSignalConn(ws, m.opts.SendBuffer)
	m.conn = conn
	m.attempt = 0
	log.Info().Str("module", "signal").Str("conn", conn.id).Str("url", m.opts.URL).Msg("connected")
	m.setStateLocked(domain.Connected)
	m.handler.OnOpen()

	go m.run(ctx, gen, conn)
}

// run owns one socket until it dies. The read pump runs here; the write
// pump and keepalive run beside it and are joined before the close is
// reported.
func (m *Manager) run(ctx context.Context, gen uint64, conn *WsSignalConn) {
	connCtx, cancel := context.WithCancel(ctx)

	var wg conc.WaitGroup
	wg.Go(func() { m.writePump(connCtx, conn) })
	wg.Go(func() { m.keepalive(connCtx, gen, conn) })

	err := m.readPump(connCtx, gen, conn)
	cancel()
	conn.Close()
	wg.Wait()

	m.onClosed(gen, conn, err)
}

func (m *Manager) onClosed(gen uint64, conn *WsSignalConn, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen.Load() != gen {
		return
	}
	log.Info().Err(err).Str("module", "signal").Str("conn", conn.id).Msg("connection closed")
	m.conn = nil
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.failLocked(err, false)
}

// failLocked decides between retry, give-up and idle after a dial failure
// or an unexpected close.
func (m *Manager) failLocked(cause error, dialFailed bool) {
	limit := m.opts.Reconnect.MaxAttempts()
	if m.handler.HoldsSession() {
		if m.attempt < limit {
			m.attempt++
			delay := m.opts.Reconnect.Delay(m.attempt)
			gen := m.gen.Load()
			log.Info().Str("module", "signal").Int("attempt", m.attempt).Int("max", limit).Dur("delay", delay).Msg("reconnecting")
			m.setStateLocked(domain.Reconnecting)
			m.retry = time.AfterFunc(delay, func() { m.retryFire(gen) })
			return
		}
		log.Error().Str("module", "signal").Int("attempts", m.attempt).Msg("giving up")
		m.setStateLocked(domain.Error)
		m.handler.OnGiveUp(fmt.Errorf("signal: gave up after %d attempts: %w", m.attempt, cause))
		return
	}
	if dialFailed {
		m.setStateLocked(domain.Error)
		m.handler.OnGiveUp(fmt.Errorf("signal: dial: %w", cause))
		return
	}
	m.setStateLocked(domain.Disconnected)
}

func (m *Manager) retryFire(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen.Load() != gen || m.state != domain.Reconnecting {
		return
	}
	m.retry = nil
	m.startLocked()
}
