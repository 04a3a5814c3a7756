// Cartpulse - Realtime Shopping Event Gateway
// Copyright 2026 Cartpulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cartpulse/gateway

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/cartpulse/gateway/internal/metrics"
)

func TestPrometheusMetrics_RecordsRequest(t *testing.T) {
	before := testutil.ToFloat64(metrics.HTTPRequests.WithLabelValues("GET", "/healthz", "200"))

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	PrometheusMetrics(handler).ServeHTTP(httptest.NewRecorder(), req)

	after := testutil.ToFloat64(metrics.HTTPRequests.WithLabelValues("GET", "/healthz", "200"))
	if after-before != 1 {
		t.Errorf("gateway_http_requests_total delta = %v, want 1", after-before)
	}
}

func TestPrometheusMetrics_CapturesStatusCode(t *testing.T) {
	before := testutil.ToFloat64(metrics.HTTPRequests.WithLabelValues("GET", "/missing", "404"))

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})

	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	PrometheusMetrics(handler).ServeHTTP(httptest.NewRecorder(), req)

	after := testutil.ToFloat64(metrics.HTTPRequests.WithLabelValues("GET", "/missing", "404"))
	if after-before != 1 {
		t.Errorf("404 counter delta = %v, want 1", after-before)
	}
}

func TestPrometheusMetrics_ActiveGaugeReturnsToBaseline(t *testing.T) {
	baseline := testutil.ToFloat64(metrics.HTTPActiveRequests)

	var during float64
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		during = testutil.ToFloat64(metrics.HTTPActiveRequests)
	})

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	PrometheusMetrics(handler).ServeHTTP(httptest.NewRecorder(), req)

	if during != baseline+1 {
		t.Errorf("active gauge during request = %v, want %v", during, baseline+1)
	}
	if after := testutil.ToFloat64(metrics.HTTPActiveRequests); after != baseline {
		t.Errorf("active gauge after request = %v, want baseline %v", after, baseline)
	}
}

func TestPrometheusMetrics_DefaultStatusIsOK(t *testing.T) {
	before := testutil.ToFloat64(metrics.HTTPRequests.WithLabelValues("GET", "/implicit", "200"))

	// Handler that writes a body without calling WriteHeader.
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/implicit", nil)
	PrometheusMetrics(handler).ServeHTTP(httptest.NewRecorder(), req)

	after := testutil.ToFloat64(metrics.HTTPRequests.WithLabelValues("GET", "/implicit", "200"))
	if after-before != 1 {
		t.Errorf("implicit 200 counter delta = %v, want 1", after-before)
	}
}
