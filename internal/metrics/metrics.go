// Cartpulse - Realtime Shopping Event Gateway
// Copyright 2026 Cartpulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cartpulse/gateway

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the gateway:
// - connection lifecycle (admissions, rejections, evictions)
// - message throughput in both directions
// - rate limiting outcomes
// - session queueing and replay

var (
	// Connection Metrics
	Connections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_connections",
			Help: "Current number of active WebSocket connections",
		},
	)

	ConnectionsAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_connections_accepted_total",
			Help: "Total number of connections admitted",
		},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_connections_rejected_total",
			Help: "Total number of connections rejected before or at admission",
		},
		[]string{"reason"}, // "capacity", "ip_limit", "attempt_rate", "auth"
	)

	ConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_connection_duration_seconds",
			Help:    "Lifetime of closed connections in seconds",
			Buckets: []float64{1, 10, 30, 60, 300, 900, 1800, 3600, 14400},
		},
	)

	HeartbeatEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_heartbeat_evictions_total",
			Help: "Total number of connections evicted for missed pongs",
		},
	)

	// Message Metrics
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_messages_received_total",
			Help: "Total number of inbound messages by type",
		},
		[]string{"type"},
	)

	MessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_messages_sent_total",
			Help: "Total number of outbound messages",
		},
	)

	MessageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_message_errors_total",
			Help: "Total number of inbound messages rejected",
		},
		[]string{"reason"}, // "invalid_json", "validation", "too_large", "permission"
	)

	BroadcastFanout = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_broadcast_fanout",
			Help:    "Number of subscribers reached per channel broadcast",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	// Rate Limit Metrics
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rate_limit_rejections_total",
			Help: "Total number of rate-limited messages",
		},
		[]string{"violation"}, // "SOFT_EXCEEDED", "PERSISTENT_ABUSE"
	)

	RateLimitDisconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_rate_limit_disconnects_total",
			Help: "Total number of connections closed for persistent abuse",
		},
	)

	// Session Metrics
	Sessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_sessions",
			Help: "Current number of sessions, attached or detached",
		},
	)

	SessionsResumed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_sessions_resumed_total",
			Help: "Total number of successful reconnect-token resumes",
		},
	)

	SessionsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_sessions_expired_total",
			Help: "Total number of detached sessions swept after timeout",
		},
	)

	ReplayFlushSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_replay_flush_size",
			Help:    "Number of queued messages flushed on session attach",
			Buckets: []float64{1, 5, 10, 25, 50, 100},
		},
	)

	QueueDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_queue_drops_total",
			Help: "Total number of queued messages evicted on queue overflow",
		},
	)

	// HTTP Metrics (non-WebSocket endpoints: health, stats, metrics)
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "Total number of HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_http_active_requests",
			Help: "Current number of in-flight HTTP requests",
		},
	)

	// System Metrics
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_info",
			Help: "Application version and build information",
		},
		[]string{"version", "go_version"},
	)

	AppUptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "app_uptime_seconds",
			Help: "Application uptime in seconds",
		},
	)
)

// RecordAdmission records a successful connection admission.
func RecordAdmission() {
	ConnectionsAccepted.Inc()
	Connections.Inc()
}

// RecordDisconnect records a connection teardown and its lifetime.
func RecordDisconnect(connectedAt time.Time) {
	Connections.Dec()
	ConnectionDuration.Observe(time.Since(connectedAt).Seconds())
}

// RecordRejection records a pre-admission rejection by reason.
func RecordRejection(reason string) {
	ConnectionsRejected.WithLabelValues(reason).Inc()
}

// RecordInbound records a decoded inbound message.
func RecordInbound(msgType string) {
	MessagesReceived.WithLabelValues(msgType).Inc()
}

// RecordRateLimited records a rate-limit violation by severity.
func RecordRateLimited(violation string, disconnected bool) {
	RateLimitRejections.WithLabelValues(violation).Inc()
	if disconnected {
		RateLimitDisconnects.Inc()
	}
}

// RecordReplayFlush records a session attach that flushed queued messages.
func RecordReplayFlush(flushed int) {
	if flushed > 0 {
		ReplayFlushSize.Observe(float64(flushed))
	}
}

// TrackActiveRequest adjusts the in-flight HTTP request gauge.
func TrackActiveRequest(start bool) {
	if start {
		HTTPActiveRequests.Inc()
	} else {
		HTTPActiveRequests.Dec()
	}
}

// RecordHTTPRequest records a completed HTTP request.
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	HTTPRequests.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
