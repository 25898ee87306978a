// Package metrics holds the relay's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Envelope kind labels.
const (
	KindJoin         = "join"
	KindDisplay      = "display"
	KindChat         = "chat"
	KindUnrecognized = "unrecognized"
	KindMalformed    = "malformed"
)

type Metrics struct {
	connections prometheus.Gauge
	envelopes   *prometheus.CounterVec
	deliveries  prometheus.Counter
	dropped     prometheus.Counter
	snapshots   *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connections_active",
			Help: "Number of live websocket connections.",
		}),
		envelopes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_envelopes_total",
			Help: "Inbound envelopes by kind.",
		}, []string{"kind"}),
		deliveries: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Frames queued to a recipient.",
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_dropped_sends_total",
			Help: "Frames skipped because the recipient queue was full or closed.",
		}),
		snapshots: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_snapshots_recorded_total",
			Help: "Snapshots stored per kind.",
		}, []string{"kind"}),
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) Envelope(kind string) {
	if m != nil {
		m.envelopes.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Delivered(n int) {
	if m != nil {
		m.deliveries.Add(float64(n))
	}
}

func (m *Metrics) Dropped() {
	if m != nil {
		m.dropped.Inc()
	}
}

func (m *Metrics) SnapshotRecorded(kind string) {
	if m != nil {
		m.snapshots.WithLabelValues(kind).Inc()
	}
}
