// Cartpulse - Realtime Shopping Event Gateway
// Copyright 2026 Cartpulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cartpulse/gateway

/*
Package metrics provides Prometheus metrics collection and export for observability.

This package instruments the gateway with the Prometheus client library,
exposing counters, gauges, and histograms for monitoring connection
lifecycle, message throughput, rate limiting, and session replay.

# Metrics Endpoint

Metrics are exposed at the /metrics endpoint in Prometheus text format:

	curl http://localhost:8080/metrics

# Available Metrics

Connection Metrics:
  - gateway_connections: Active WebSocket connections (gauge)
  - gateway_connections_accepted_total: Admitted connections (counter)
  - gateway_connections_rejected_total: Pre-admission rejections (counter)
    Labels: reason (capacity, ip_limit, attempt_rate, auth)
  - gateway_connection_duration_seconds: Connection lifetime (histogram)
  - gateway_heartbeat_evictions_total: Liveness evictions (counter)

Message Metrics:
  - gateway_messages_received_total: Inbound messages (counter)
    Labels: type
  - gateway_messages_sent_total: Outbound messages (counter)
  - gateway_message_errors_total: Rejected inbound messages (counter)
    Labels: reason (invalid_json, validation, too_large, permission)
  - gateway_broadcast_fanout: Subscribers reached per broadcast (histogram)

Rate Limit Metrics:
  - gateway_rate_limit_rejections_total: Rate-limited messages (counter)
    Labels: violation (SOFT_EXCEEDED, PERSISTENT_ABUSE)
  - gateway_rate_limit_disconnects_total: Abuse disconnects (counter)

Session Metrics:
  - gateway_sessions: Sessions, attached or detached (gauge)
  - gateway_sessions_resumed_total: Reconnect-token resumes (counter)
  - gateway_sessions_expired_total: Swept detached sessions (counter)
  - gateway_replay_flush_size: Queued messages flushed on attach (histogram)
  - gateway_queue_drops_total: Queue overflow evictions (counter)

# Thread Safety

All recording functions are safe for concurrent use; the Prometheus
client library handles synchronization internally.

# Cardinality Management

Label values are limited to predefined constants. Per-user, per-session,
and per-channel labels are deliberately avoided.
*/
package metrics
