package signal

import (
	"context"
	"time"

	"github.com/dkeye/jointly/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (m *Manager) writePump(ctx context.Context, c *WsSignalConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Str("conn", c.id).Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout)); err != nil {
				log.Error().Err(err).Str("module", "signal").Str("conn", c.id).Msg("writePump set deadline")
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(messageType(data), data); err != nil {
				log.Error().Err(err).Str("module", "signal").Str("conn", c.id).Msg("writePump write error")
				c.Close()
				return
			}
		}
	}
}

// readPump delivers inbound frames in order until the socket fails.
func (m *Manager) readPump(ctx context.Context, gen uint64, c *WsSignalConn) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		if m.gen.Load() != gen {
			return context.Canceled
		}
		m.handler.OnFrame(data)
	}
}

// messageType keeps legacy JSON frames on text messages.
func messageType(f core.Frame) int {
	if len(f) > 0 && f[0] == '{' {
		return websocket.TextMessage
	}
	return websocket.BinaryMessage
}
