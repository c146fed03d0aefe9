// Package metrics provides Prometheus metrics for pingtun.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "pingtun"
)

// Drop and decode reasons used as label values.
const (
	ReasonNoPeer     = "no_peer"
	ReasonSendError  = "send_error"
	ReasonUnknownID  = "unknown_conn_id"
	ReasonQueueClose = "queue_closed"
)

// Relay directions used as label values.
const (
	DirectionToTunnel   = "to_tunnel"
	DirectionFromTunnel = "from_tunnel"
)

// Metrics contains all Prometheus metrics for a tunnel endpoint.
type Metrics struct {
	// Transport metrics
	FramesSent     prometheus.Counter
	FramesReceived prometheus.Counter
	FramesDropped  *prometheus.CounterVec
	DecodeErrors   *prometheus.CounterVec
	TransportState prometheus.Gauge
	PeerChanges    prometheus.Counter

	// Relay metrics
	RelaysActive  prometheus.Gauge
	RelaysTotal   prometheus.Counter
	RelayErrors   *prometheus.CounterVec
	RelayDuration prometheus.Histogram
	BytesRelayed  *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the metrics instance registered with the default registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		FramesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total tunnel frames written to the ICMP socket",
		}),
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total tunnel frames decoded from the ICMP socket",
		}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Total frames dropped before delivery by reason",
		}, []string{"reason"}),
		DecodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Total inbound datagrams that failed to decode by reason",
		}, []string{"reason"}),
		TransportState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transport_state",
			Help:      "Transport state (0=idle, 1=running, 2=stopped)",
		}),
		PeerChanges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_changes_total",
			Help:      "Number of times the learned peer address changed",
		}),

		RelaysActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relays_active",
			Help:      "Number of currently active TCP relays",
		}),
		RelaysTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relays_total",
			Help:      "Total TCP relays started",
		}),
		RelayErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_errors_total",
			Help:      "Total relay I/O errors by operation",
		}, []string{"op"}),
		RelayDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_duration_seconds",
			Help:      "Histogram of TCP relay lifetimes in seconds",
			Buckets:   []float64{.01, .1, .5, 1, 5, 10, 30, 60, 300, 900, 3600},
		}),
		BytesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Total stream bytes relayed by direction",
		}, []string{"direction"}),
	}
}

// RecordFrameSent records a frame written to the wire.
func (m *Metrics) RecordFrameSent() {
	m.FramesSent.Inc()
}

// RecordFrameReceived records a frame decoded from the wire.
func (m *Metrics) RecordFrameReceived() {
	m.FramesReceived.Inc()
}

// RecordFrameDropped records a frame dropped before delivery.
func (m *Metrics) RecordFrameDropped(reason string) {
	m.FramesDropped.WithLabelValues(reason).Inc()
}

// RecordDecodeError records an inbound datagram that failed to decode.
func (m *Metrics) RecordDecodeError(reason string) {
	m.DecodeErrors.WithLabelValues(reason).Inc()
}

// SetTransportState records the transport state.
func (m *Metrics) SetTransportState(state int) {
	m.TransportState.Set(float64(state))
}

// RecordPeerChange records the learned peer address switching.
func (m *Metrics) RecordPeerChange() {
	m.PeerChanges.Inc()
}

// RecordRelayOpen records a relay starting.
func (m *Metrics) RecordRelayOpen() {
	m.RelaysActive.Inc()
	m.RelaysTotal.Inc()
}

// RecordRelayClose records a relay ending after the given lifetime.
func (m *Metrics) RecordRelayClose(durationSeconds float64) {
	m.RelaysActive.Dec()
	m.RelayDuration.Observe(durationSeconds)
}

// RecordRelayError records a relay I/O error.
func (m *Metrics) RecordRelayError(op string) {
	m.RelayErrors.WithLabelValues(op).Inc()
}

// RecordBytes records stream bytes relayed in one direction.
func (m *Metrics) RecordBytes(direction string, n int) {
	m.BytesRelayed.WithLabelValues(direction).Add(float64(n))
}
