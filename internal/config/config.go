// Cartpulse - Realtime Shopping Event Gateway
// Copyright 2026 Cartpulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cartpulse/gateway

// Package config loads and validates gateway configuration from
// defaults, an optional YAML file, and environment variables, in that
// precedence order.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Gateway   GatewayConfig   `koanf:"gateway"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Session   SessionConfig   `koanf:"session"`
	Security  SecurityConfig  `koanf:"security"`
	NATS      NATSConfig      `koanf:"nats"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// HTTPRateLimit throttles the plain HTTP endpoints (stats, health);
	// the WebSocket path has its own admission limits.
	HTTPRateLimit  int           `koanf:"http_rate_limit"`
	HTTPRateWindow time.Duration `koanf:"http_rate_window"`

	CORSOrigins []string `koanf:"cors_origins"`
}

// GatewayConfig holds the realtime endpoint tunables.
type GatewayConfig struct {
	MaxConnections    int           `koanf:"max_connections"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	MaxPayloadBytes   int           `koanf:"max_payload_bytes"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	ShutdownGrace     time.Duration `koanf:"shutdown_grace"`
	SweepInterval     time.Duration `koanf:"sweep_interval"`
	StatsInterval     time.Duration `koanf:"stats_interval"`
}

// RateLimitConfig holds per-client message and connection limits.
type RateLimitConfig struct {
	MaxMessagesPerWindow int           `koanf:"max_messages_per_window"`
	Window               time.Duration `koanf:"window"`
	AbuseMultiplier      int           `koanf:"abuse_multiplier"`
	MaxConnectionsPerIP  int           `koanf:"max_connections_per_ip"`
	AttemptRate          float64       `koanf:"attempt_rate"`
	AttemptBurst         int           `koanf:"attempt_burst"`
}

// SessionConfig holds reconnect-session tunables.
type SessionConfig struct {
	Timeout        time.Duration `koanf:"timeout"`
	MaxQueueSize   int           `koanf:"max_queue_size"`
	MaxHistorySize int           `koanf:"max_history_size"`
}

// SecurityConfig holds authentication settings. The gateway verifies
// JWTs minted by an external identity system; it never issues them.
type SecurityConfig struct {
	RequireAuth bool   `koanf:"require_auth"`
	JWTSecret   string `koanf:"jwt_secret"`
	JWTIssuer   string `koanf:"jwt_issuer"`
}

// NATSConfig holds the optional broker event source settings.
type NATSConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Validate checks invariants that would otherwise surface as confusing
// runtime behavior.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Gateway.MaxPayloadBytes < 1024 {
		return fmt.Errorf("gateway.max_payload_bytes must be at least 1024, got %d", c.Gateway.MaxPayloadBytes)
	}
	if c.Gateway.HeartbeatInterval < time.Second {
		return fmt.Errorf("gateway.heartbeat_interval must be at least 1s, got %s", c.Gateway.HeartbeatInterval)
	}
	if c.RateLimit.Window < time.Second {
		return fmt.Errorf("rate_limit.window must be at least 1s, got %s", c.RateLimit.Window)
	}
	if c.RateLimit.AbuseMultiplier < 2 {
		return fmt.Errorf("rate_limit.abuse_multiplier must be at least 2, got %d", c.RateLimit.AbuseMultiplier)
	}
	if c.Session.Timeout < c.Gateway.HeartbeatInterval {
		return fmt.Errorf("session.timeout (%s) must not be shorter than gateway.heartbeat_interval (%s)",
			c.Session.Timeout, c.Gateway.HeartbeatInterval)
	}
	if c.Security.RequireAuth && len(c.Security.JWTSecret) < 32 {
		return fmt.Errorf("security.jwt_secret must be at least 32 characters when require_auth is enabled")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats.enabled is true")
	}
	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error", "fatal", "panic", "":
	default:
		return fmt.Errorf("logging.level %q is not a valid level", c.Logging.Level)
	}
	return nil
}
