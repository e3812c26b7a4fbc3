package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/syncbox/syncbox/pkg/metrics"
)

// syncMetrics is the Prometheus implementation of metrics.SyncMetrics.
type syncMetrics struct {
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	bytesTransferred  *prometheus.CounterVec
	activeConnections prometheus.Gauge
	connsAccepted     prometheus.Counter
	connsClosed       prometheus.Counter
	connsRejected     *prometheus.CounterVec
	fanoutPushes      *prometheus.CounterVec
}

// NewSyncMetrics creates a new Prometheus-backed SyncMetrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewSyncMetrics() metrics.SyncMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &syncMetrics{
		requestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncbox_requests_total",
				Help: "Total number of protocol operations by operation and outcome",
			},
			[]string{"op", "outcome"}, // outcome: "ok" or error kind
		),
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "syncbox_request_duration_milliseconds",
				Help: "Duration of protocol operations in milliseconds",
				Buckets: []float64{
					0.5,  // 500us - handshakes, deletes
					1,    // 1ms
					5,    // 5ms
					10,   // 10ms
					50,   // 50ms - small transfers
					100,  // 100ms
					500,  // 500ms
					1000, // 1s
					5000, // 5s - large transfers
				},
			},
			[]string{"op"},
		),
		bytesTransferred: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncbox_bytes_transferred_total",
				Help: "Total file bytes moved over the wire by operation and direction",
			},
			[]string{"op", "direction"}, // direction: "in", "out"
		),
		activeConnections: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "syncbox_active_connections",
				Help: "Current number of connected devices",
			},
		),
		connsAccepted: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "syncbox_connections_accepted_total",
				Help: "Total number of accepted TCP connections",
			},
		),
		connsClosed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "syncbox_connections_closed_total",
				Help: "Total number of closed connections",
			},
		),
		connsRejected: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncbox_connections_rejected_total",
				Help: "Total number of rejected connections by reason",
			},
			[]string{"reason"}, // "session_full", "handshake", "capacity"
		),
		fanoutPushes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncbox_fanout_pushes_total",
				Help: "Total number of peer notifications by outcome",
			},
			[]string{"outcome"}, // "delivered", "failed", "skipped"
		),
	}
}

func (m *syncMetrics) RecordRequest(op string, duration time.Duration, errorKind string) {
	if m == nil {
		return
	}

	outcome := errorKind
	if outcome == "" {
		outcome = "ok"
	}
	m.requestsTotal.WithLabelValues(op, outcome).Inc()
	m.requestDuration.WithLabelValues(op).Observe(duration.Seconds() * 1000)
}

func (m *syncMetrics) RecordBytesTransferred(op string, direction string, bytes uint64) {
	if m == nil {
		return
	}

	m.bytesTransferred.WithLabelValues(op, direction).Add(float64(bytes))
}

func (m *syncMetrics) SetActiveConnections(count int32) {
	if m == nil {
		return
	}

	m.activeConnections.Set(float64(count))
}

func (m *syncMetrics) RecordConnectionAccepted() {
	if m == nil {
		return
	}

	m.connsAccepted.Inc()
}

func (m *syncMetrics) RecordConnectionClosed() {
	if m == nil {
		return
	}

	m.connsClosed.Inc()
}

func (m *syncMetrics) RecordConnectionRejected(reason string) {
	if m == nil {
		return
	}

	m.connsRejected.WithLabelValues(reason).Inc()
}

func (m *syncMetrics) RecordFanoutPush(outcome string) {
	if m == nil {
		return
	}

	m.fanoutPushes.WithLabelValues(outcome).Inc()
}
