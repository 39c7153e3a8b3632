package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the realtime instrumentation. All fields are safe for
// concurrent use; a nil *Metrics disables instrumentation entirely.
type Metrics struct {
	OnlineUsers       prometheus.Gauge
	Connections       prometheus.Gauge
	ConnectsTotal     prometheus.Counter
	DisconnectsTotal  prometheus.Counter
	HandshakeRejects  *prometheus.CounterVec
	BroadcastsTotal   prometheus.Counter
	BroadcastsDropped prometheus.Counter
}

// NewMetrics registers the realtime collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		OnlineUsers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "wave_online_users",
			Help: "Number of identities with at least one live connection.",
		}),
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "wave_ws_connections",
			Help: "Number of live websocket connections.",
		}),
		ConnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "wave_ws_connects_total",
			Help: "Total websocket connections accepted.",
		}),
		DisconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "wave_ws_disconnects_total",
			Help: "Total websocket connections torn down.",
		}),
		HandshakeRejects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wave_ws_handshake_rejects_total",
			Help: "Handshakes rejected before reaching the open state.",
		}, []string{"reason"}),
		BroadcastsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "wave_presence_broadcasts_total",
			Help: "Presence snapshots broadcast to connected peers.",
		}),
		BroadcastsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "wave_presence_broadcasts_dropped_total",
			Help: "Per-peer snapshot deliveries dropped due to backpressure.",
		}),
	}
}

func (m *Metrics) rejectHandshake(reason string) {
	if m == nil {
		return
	}
	m.HandshakeRejects.WithLabelValues(reason).Inc()
}
