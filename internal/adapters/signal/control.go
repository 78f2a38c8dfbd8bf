package signal

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

func (m *Manager) keepalive(ctx context.Context, gen uint64, c *WsSignalConn) {
	if m.opts.PingInterval <= 0 || m.opts.PingFrame == nil {
		return
	}
	t := time.NewTicker(m.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if m.gen.Load() != gen {
				return
			}
			m.handlePing(c)
		}
	}
}

func (m *Manager) handlePing(c *WsSignalConn) {
	f, err := m.opts.PingFrame()
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("encode ping")
		return
	}
	if err := c.TrySend(f); err != nil && !errors.Is(err, ErrNotConnected) {
		log.Warn().Err(err).Str("module", "signal").Str("conn", c.id).Msg("ping dropped")
	}
}
