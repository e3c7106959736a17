package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the server.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Session metrics
	activeSessions       prometheus.Gauge
	sessionsCreated      prometheus.Counter
	sessionsDisconnected *prometheus.CounterVec // by reason
	registeredUsers      prometheus.Gauge

	// Message type metrics
	messagesReceived *prometheus.CounterVec // by message type
	messagesSent     *prometheus.CounterVec // by message type

	// Failure metrics
	decodeErrors   *prometheus.CounterVec // by error kind
	rejections     *prometheus.CounterVec // by error code
	healthFailures prometheus.Counter
	rateLimited    prometheus.Counter

	// Performance metrics
	handleDuration *prometheus.HistogramVec
}

// NewMetrics registers the server metrics with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "edoras_active_sessions",
				Help: "Current number of registered sessions",
			},
		),
		sessionsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "edoras_sessions_created_total",
				Help: "Total number of sessions created",
			},
		),
		sessionsDisconnected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edoras_sessions_disconnected_total",
				Help: "Total number of sessions removed, by reason",
			},
			[]string{"reason"},
		),
		registeredUsers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "edoras_registered_users",
				Help: "Number of registered usernames",
			},
		),
		messagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edoras_messages_received_total",
				Help: "Total number of messages received from clients by type",
			},
			[]string{"type"},
		),
		messagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edoras_messages_sent_total",
				Help: "Total number of messages sent to clients by type",
			},
			[]string{"type"},
		),
		decodeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edoras_decode_errors_total",
				Help: "Total number of sessions torn down by a decode error, by kind",
			},
			[]string{"kind"},
		),
		rejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edoras_rejections_total",
				Help: "Total number of Register/Login requests rejected, by error code",
			},
			[]string{"code"},
		),
		healthFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "edoras_health_check_failures_total",
				Help: "Total number of failed session health checks",
			},
		),
		rateLimited: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "edoras_connections_rate_limited_total",
				Help: "Total number of connections refused by the per-IP rate limit",
			},
		),
		handleDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edoras_handle_duration_seconds",
				Help:    "Time taken to handle one inbound message",
				Buckets: prometheus.ExponentialBuckets(0.00005, 4, 8),
			},
			[]string{"type"},
		),
	}
}

// RecordSessionCreated counts a new session and bumps the active gauge
func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
	m.activeSessions.Inc()
}

// RecordSessionDisconnected counts a removed session and drops the active gauge
func (m *Metrics) RecordSessionDisconnected(reason string) {
	if m == nil {
		return
	}
	m.sessionsDisconnected.WithLabelValues(reason).Inc()
	m.activeSessions.Dec()
}

// RecordUserRegistered bumps the registered user gauge
func (m *Metrics) RecordUserRegistered() {
	if m == nil {
		return
	}
	m.registeredUsers.Inc()
}

// RecordMessageReceived increments the message received counter for a type
func (m *Metrics) RecordMessageReceived(messageType string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(messageType).Inc()
}

// RecordMessageSent increments the message sent counter for a type
func (m *Metrics) RecordMessageSent(messageType string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(messageType).Inc()
}

// RecordDecodeError counts a decode failure by kind
func (m *Metrics) RecordDecodeError(kind string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(kind).Inc()
}

// RecordRejection counts a rejected request by error code name
func (m *Metrics) RecordRejection(code string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(code).Inc()
}

// RecordHealthFailure counts a failed health check
func (m *Metrics) RecordHealthFailure() {
	if m == nil {
		return
	}
	m.healthFailures.Inc()
}

// RecordRateLimited counts a connection refused by the per-IP limiter
func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// RecordHandleDuration observes how long handling one message took
func (m *Metrics) RecordHandleDuration(messageType string, d time.Duration) {
	if m == nil {
		return
	}
	m.handleDuration.WithLabelValues(messageType).Observe(d.Seconds())
}
