package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

// Metrics holds all Prometheus metrics for the server. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Broadcast metrics
	broadcastFanout   *prometheus.HistogramVec
	broadcastDuration *prometheus.HistogramVec
	deliveryFailures  *prometheus.CounterVec

	// Session metrics
	activeSessions       prometheus.Gauge
	sessionsCreated      prometheus.Counter
	sessionsDisconnected prometheus.Counter
	sessionsReaped       prometheus.Counter

	// Message type metrics
	messagesReceived *prometheus.CounterVec // by message type
	messagesSent     *prometheus.CounterVec // by message type
	rateLimited      prometheus.Counter

	persistenceFailures prometheus.Counter
}

// NewMetrics registers the server metrics on reg. A nil reg gets a fresh
// registry, which keeps tests from colliding on the default one.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		broadcastFanout: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatrelay_broadcast_fanout",
				Help:    "Number of sessions that received each broadcast message",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000, 2000, 5000},
			},
			[]string{"type"},
		),
		broadcastDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatrelay_broadcast_duration_seconds",
				Help:    "Time taken to enqueue a broadcast for every recipient",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		deliveryFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatrelay_delivery_failures_total",
				Help: "Outbound messages that could not be enqueued, by reason",
			},
			[]string{"reason"},
		),
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatrelay_active_sessions",
				Help: "Current number of active sessions",
			},
		),
		sessionsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatrelay_sessions_created_total",
				Help: "Total number of sessions created",
			},
		),
		sessionsDisconnected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatrelay_sessions_disconnected_total",
				Help: "Total number of sessions disconnected",
			},
		),
		sessionsReaped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatrelay_sessions_reaped_total",
				Help: "Sessions asked to close for inactivity",
			},
		),
		messagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatrelay_messages_received_total",
				Help: "Total number of messages received from clients by type",
			},
			[]string{"type"},
		),
		messagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatrelay_messages_sent_total",
				Help: "Total number of messages sent to clients by type",
			},
			[]string{"type"},
		),
		rateLimited: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatrelay_rate_limited_total",
				Help: "Inbound frames dropped by the per-session rate limiter",
			},
		),
		persistenceFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatrelay_persistence_failures_total",
				Help: "Messages that could not be written to the store",
			},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordBroadcastFanout records how many sessions received a broadcast
func (m *Metrics) RecordBroadcastFanout(messageType string, recipientCount int) {
	if m == nil {
		return
	}
	m.broadcastFanout.WithLabelValues(messageType).Observe(float64(recipientCount))
}

// RecordBroadcastDuration records how long a broadcast took
func (m *Metrics) RecordBroadcastDuration(messageType string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.broadcastDuration.WithLabelValues(messageType).Observe(durationSeconds)
}

// RecordDeliveryFailure counts a failed enqueue.
func (m *Metrics) RecordDeliveryFailure(reason string) {
	if m == nil {
		return
	}
	m.deliveryFailures.WithLabelValues(reason).Inc()
}

// RecordActiveSessions updates the active session count
func (m *Metrics) RecordActiveSessions(count int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(count))
}

// RecordSessionCreated increments the session creation counter
func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

// RecordSessionDisconnected increments the session disconnection counter
func (m *Metrics) RecordSessionDisconnected() {
	if m == nil {
		return
	}
	m.sessionsDisconnected.Inc()
}

// RecordSessionReaped increments the idle reaper counter
func (m *Metrics) RecordSessionReaped() {
	if m == nil {
		return
	}
	m.sessionsReaped.Inc()
}

// RecordMessageReceived increments the message received counter for a type
func (m *Metrics) RecordMessageReceived(messageType string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(messageTypeLabel(messageType)).Inc()
}

// RecordMessageSent increments the message sent counter for a type
func (m *Metrics) RecordMessageSent(messageType string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(messageType).Inc()
}

// RecordRateLimited counts a dropped inbound frame.
func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// RecordPersistenceFailure counts a failed message write.
func (m *Metrics) RecordPersistenceFailure() {
	if m == nil {
		return
	}
	m.persistenceFailures.Inc()
}

// messageTypeLabel keeps label cardinality bounded: client-chosen type
// strings that are not part of the protocol collapse into one label.
func messageTypeLabel(messageType string) string {
	if protocol.IsInboundType(messageType) || messageType == labelInvalid {
		return messageType
	}
	return "unknown"
}

const labelInvalid = "invalid"
