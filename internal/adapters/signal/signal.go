// Package signal owns the relay socket: dialing, the connection state
// machine, keepalive and reconnect with backoff. It moves opaque frames and
// never interprets them.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/jointly/internal/core"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

//go:generate mockgen -destination=mock_dialer_test.go -package=signal . Dialer

var (
	ErrBackpressure = errors.New("backpressure")
	ErrNotConnected = errors.New("signal: not connected")
)

// WSConn is the part of *websocket.Conn the manager uses.
type WSConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (WSConn, error)
}

type WebsocketDialer struct {
	HandshakeTimeout time.Duration
	Header           http.Header
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (WSConn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// WsSignalConn is one live socket with its outbound queue.
type WsSignalConn struct {
	id   string
	conn WSConn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

var _ core.SignalConnection = (*WsSignalConn)(nil)

func newWsSignalConn(ws WSConn, buffer int) *WsSignalConn {
	if buffer <= 0 {
		buffer = 32
	}
	return &WsSignalConn{
		id:   uuid.NewString(),
		conn: ws,
		send: make(chan core.Frame, buffer),
	}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrNotConnected
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}
