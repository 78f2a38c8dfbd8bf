// Package metrics exposes client counters for Prometheus.
package metrics

import (
	"github.com/dkeye/jointly/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "jointly"

var states = []domain.ConnectionState{
	domain.Disconnected,
	domain.Connecting,
	domain.Connected,
	domain.Reconnecting,
	domain.Error,
}

// Metrics implements the engine's Metrics sink.
type Metrics struct {
	framesSent     *prometheus.CounterVec
	framesReceived *prometheus.CounterVec
	framesDropped  *prometheus.CounterVec
	decodeErrors   prometheus.Counter
	connState      *prometheus.GaugeVec
	remoteApplied  *prometheus.CounterVec
	resolveFailed  prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		framesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames handed to the socket, by message type.",
		}, []string{"type"}),
		framesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Decoded inbound frames, by message type.",
		}, []string{"type"}),
		framesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames that were not sent or not handled.",
		}, []string{"type", "reason"}),
		decodeErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Inbound frames whose envelope could not be read.",
		}),
		connState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		remoteApplied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_actions_applied_total",
			Help:      "Playback actions from the room applied to the local player.",
		}, []string{"action"}),
		resolveFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolve_failures_total",
			Help:      "Tracks that could not be resolved for playback.",
		}),
	}
}

func (m *Metrics) FrameSent(msgType string)     { m.framesSent.WithLabelValues(msgType).Inc() }
func (m *Metrics) FrameReceived(msgType string) { m.framesReceived.WithLabelValues(msgType).Inc() }

func (m *Metrics) FrameDropped(msgType, reason string) {
	m.framesDropped.WithLabelValues(msgType, reason).Inc()
}

func (m *Metrics) DecodeError() { m.decodeErrors.Inc() }

func (m *Metrics) ConnectionState(s domain.ConnectionState) {
	for _, st := range states {
		v := 0.0
		if st == s {
			v = 1
		}
		m.connState.WithLabelValues(st.String()).Set(v)
	}
}

func (m *Metrics) RemoteApplied(action string) { m.remoteApplied.WithLabelValues(action).Inc() }

func (m *Metrics) ResolveFailed() { m.resolveFailed.Inc() }
