// Cartpulse - Realtime Shopping Event Gateway
// Copyright 2026 Cartpulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cartpulse/gateway

/*
Package middleware provides HTTP middleware for the gateway's plain
HTTP surface (health, stats, metrics endpoints).

Key components:

  - RequestID: UUID-based request tracking for log correlation
  - PrometheusMetrics: request/response instrumentation

Both compose with chi's Use chain:

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.PrometheusMetrics)

The WebSocket upgrade path deliberately bypasses PrometheusMetrics:
wrapping the response writer hides http.Hijacker from the upgrader,
and connection-level metrics are recorded by the gateway itself.
*/
package middleware
