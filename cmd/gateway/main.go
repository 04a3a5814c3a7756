// Cartpulse - Realtime Shopping Event Gateway
// Copyright 2026 Cartpulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cartpulse/gateway

// Package main is the entry point for the Cartpulse gateway.
//
// Cartpulse is a WebSocket gateway for realtime shopping events: it
// admits and authenticates clients, rate limits their traffic, keeps
// heartbeat liveness, fans out channel broadcasts, and lets clients
// reconnect within a session window without losing queued messages.
//
// # Startup order
//
//  1. Configuration: Koanf v2 layered loading (defaults, config.yaml,
//     environment variables)
//  2. Logging: zerolog, JSON or console format
//  3. Gateway: registry, rate limiter, session manager, heartbeat
//     monitor, subscription router
//  4. Supervision: suture tree running the heartbeat monitor, sweeper,
//     stats publisher, optional NATS source, and the HTTP server
//
// # Configuration
//
// Key environment variables (see internal/config for the full map):
//
//	HTTP_PORT=8090
//	REQUIRE_AUTH=true
//	JWT_SECRET=$(openssl rand -base64 32)
//	CORS_ORIGINS=https://shop.example.com
//	NATS_ENABLED=true NATS_URL=nats://broker:4222
//
// # Build tags
//
//	go build ./cmd/gateway              # no broker, Broadcast API only
//	go build -tags nats ./cmd/gateway   # NATS event source enabled
//
// # Signal handling
//
// SIGINT and SIGTERM trigger a two-phase shutdown: the gateway first
// notifies clients and closes WebSocket connections with 1001 within
// the shutdown grace period, then the supervisor tree stops the HTTP
// server and background services.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cartpulse/gateway/internal/authgate"
	"github.com/cartpulse/gateway/internal/config"
	"github.com/cartpulse/gateway/internal/gateway"
	"github.com/cartpulse/gateway/internal/logging"
	"github.com/cartpulse/gateway/internal/middleware"
	"github.com/cartpulse/gateway/internal/ratelimit"
	"github.com/cartpulse/gateway/internal/session"
	"github.com/cartpulse/gateway/internal/supervisor"
	"github.com/cartpulse/gateway/internal/supervisor/services"
)

func main() {
	cfg, err := config.LoadWithKoanf()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Bool("require_auth", cfg.Security.RequireAuth).
		Msg("Starting Cartpulse gateway")

	var verifier authgate.TokenVerifier
	if cfg.Security.JWTSecret != "" {
		verifier, err = authgate.NewJWTVerifier(cfg.Security.JWTSecret, cfg.Security.JWTIssuer)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to initialize JWT verifier")
		}
		logging.Info().Str("issuer", cfg.Security.JWTIssuer).Msg("JWT verification enabled")
	} else if cfg.Security.RequireAuth {
		logging.Fatal().Msg("REQUIRE_AUTH is set but JWT_SECRET is empty")
	} else {
		logging.Warn().Msg("No JWT secret configured: all clients are admitted as anonymous read-only")
	}

	source, err := initEventSource(cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize event source")
	}

	// Domain business logic stays outside the gateway; this binary wires
	// no message handler, so domain frames from clients get a validation
	// error while broker events still fan out.
	g := gateway.New(gateway.Options{
		RequireAuth:       cfg.Security.RequireAuth,
		MaxConnections:    cfg.Gateway.MaxConnections,
		HeartbeatInterval: cfg.Gateway.HeartbeatInterval,
		MaxPayloadBytes:   cfg.Gateway.MaxPayloadBytes,
		WriteTimeout:      cfg.Gateway.WriteTimeout,
		ShutdownGrace:     cfg.Gateway.ShutdownGrace,
		SweepInterval:     cfg.Gateway.SweepInterval,
		StatsInterval:     cfg.Gateway.StatsInterval,
		RateLimit: ratelimit.Config{
			MaxMessagesPerWindow: cfg.RateLimit.MaxMessagesPerWindow,
			Window:               cfg.RateLimit.Window,
			AbuseMultiplier:      cfg.RateLimit.AbuseMultiplier,
			MaxConnectionsPerIP:  cfg.RateLimit.MaxConnectionsPerIP,
			AttemptRate:          cfg.RateLimit.AttemptRate,
			AttemptBurst:         cfg.RateLimit.AttemptBurst,
		},
		Session: session.Config{
			SessionTimeout: cfg.Session.Timeout,
			MaxQueueSize:   cfg.Session.MaxQueueSize,
			MaxHistorySize: cfg.Session.MaxHistorySize,
		},
	}, verifier, nil, source)

	router := buildRouter(cfg, g)

	server := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: 60 * time.Second,
	}

	slogLogger := logging.NewSlogLogger()
	tree, err := supervisor.NewSupervisorTree(slogLogger, supervisor.DefaultTreeConfig())
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create supervisor tree")
	}

	tree.AddRealtimeService(g.Monitor())
	tree.AddRealtimeService(g.NewSweeper())
	if stats := g.NewStatsPublisher(); stats != nil {
		tree.AddRealtimeService(stats)
	}
	if source != nil {
		tree.AddRealtimeService(services.NewEventSourceService("nats-event-source", source, g))
		logging.Info().Str("url", cfg.NATS.URL).Str("prefix", cfg.NATS.SubjectPrefix).Msg("NATS event source added")
	}
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

		// Phase one: tell clients and close their connections before the
		// supervisor pulls the HTTP server out from under them.
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Gateway.ShutdownGrace)
		defer shutdownCancel()
		if err := g.Shutdown(shutdownCtx); err != nil {
			logging.Warn().Err(err).Msg("Gateway shutdown incomplete within grace period")
		}

		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Gateway stopped gracefully")
}

// buildRouter assembles the HTTP surface: the WebSocket endpoint plus
// the operational endpoints (health, stats, metrics).
func buildRouter(cfg *config.Config, g *gateway.Gateway) chi.Router {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID", "X-Reconnect-Token"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// WebSocket upgrade path: no request-ID or metrics wrappers, they
	// would hide http.Hijacker from the upgrader.
	r.Get("/ws", g.HandleWS)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequestID)
		r.Use(middleware.PrometheusMetrics)
		r.Use(httprate.LimitByIP(cfg.Server.HTTPRateLimit, cfg.Server.HTTPRateWindow))

		r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		})

		r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(g.Stats()); err != nil {
				logging.Ctx(req.Context()).Warn().Err(err).Msg("stats encode failed")
			}
		})

		r.Handle("/metrics", promhttp.Handler())
	})

	return r
}
