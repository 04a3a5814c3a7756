// Cartpulse - Realtime Shopping Event Gateway
// Copyright 2026 Cartpulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cartpulse/gateway

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/cartpulse/config.yaml",
	"/etc/cartpulse/config.yml",
}

// ConfigPathEnvVar overrides the config file search.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by the config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8090,
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			HTTPRateLimit:   100,
			HTTPRateWindow:  time.Minute,
			CORSOrigins:     []string{"*"},
		},
		Gateway: GatewayConfig{
			MaxConnections:    10000,
			HeartbeatInterval: 30 * time.Second,
			MaxPayloadBytes:   64 << 10,
			WriteTimeout:      10 * time.Second,
			ShutdownGrace:     5 * time.Second,
			SweepInterval:     time.Minute,
			StatsInterval:     15 * time.Second,
		},
		RateLimit: RateLimitConfig{
			MaxMessagesPerWindow: 60,
			Window:               time.Minute,
			AbuseMultiplier:      3,
			MaxConnectionsPerIP:  10,
			AttemptRate:          2.0,
			AttemptBurst:         10,
		},
		Session: SessionConfig{
			Timeout:        5 * time.Minute,
			MaxQueueSize:   100,
			MaxHistorySize: 256,
		},
		Security: SecurityConfig{
			RequireAuth: false,
			JWTSecret:   "",
			JWTIssuer:   "cartpulse",
		},
		NATS: NATSConfig{
			Enabled:       false,
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "shop.events",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// LoadWithKoanf loads configuration with layered sources:
//  1. Defaults: built-in values
//  2. Config file: optional YAML file (if found)
//  3. Environment variables: override any setting
//
// Precedence is ENV > file > defaults. The result is validated before
// being returned.
func LoadWithKoanf() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	configPath := findConfigFile()
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Transform env variable names to koanf paths:
	// HTTP_PORT -> server.port, JWT_SECRET -> security.jwt_secret
	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile returns the first config file that exists, honoring
// the CONFIG_PATH override, or empty string if none is found.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// sliceConfigPaths lists config paths parsed as comma-separated slices
// when they arrive via environment variables.
var sliceConfigPaths = []string{
	"server.cors_origins",
}

// processSliceFields converts comma-separated string values to slices
// for known slice fields. Env vars come in as strings, but the config
// expects slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}

		// Already a slice (from YAML): nothing to do.
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}

		if strVal, ok := val.(string); ok {
			if strVal == "" {
				continue
			}
			parts := strings.Split(strVal, ",")
			trimmed := make([]string, 0, len(parts))
			for _, p := range parts {
				p = strings.TrimSpace(p)
				if p != "" {
					trimmed = append(trimmed, p)
				}
			}
			if len(trimmed) > 0 {
				if err := k.Set(path, trimmed); err != nil {
					return fmt.Errorf("failed to set %s: %w", path, err)
				}
			}
		}
	}
	return nil
}

// envTransformFunc maps environment variable names to koanf config
// paths. Unmapped variables return empty string and are skipped, so
// unrelated environment noise never pollutes the config.
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		// Server mappings
		"http_host":             "server.host",
		"http_port":             "server.port",
		"http_read_timeout":     "server.read_timeout",
		"http_shutdown_timeout": "server.shutdown_timeout",
		"http_rate_limit":       "server.http_rate_limit",
		"http_rate_window":      "server.http_rate_window",
		"cors_origins":          "server.cors_origins",

		// Gateway mappings
		"max_connections":    "gateway.max_connections",
		"heartbeat_interval": "gateway.heartbeat_interval",
		"max_payload_bytes":  "gateway.max_payload_bytes",
		"write_timeout":      "gateway.write_timeout",
		"shutdown_grace":     "gateway.shutdown_grace",
		"sweep_interval":     "gateway.sweep_interval",
		"stats_interval":     "gateway.stats_interval",

		// Rate limit mappings
		"rate_limit_messages":    "rate_limit.max_messages_per_window",
		"rate_limit_window":      "rate_limit.window",
		"rate_limit_abuse_mult":  "rate_limit.abuse_multiplier",
		"max_connections_per_ip": "rate_limit.max_connections_per_ip",
		"attempt_rate":           "rate_limit.attempt_rate",
		"attempt_burst":          "rate_limit.attempt_burst",

		// Session mappings
		"session_timeout":      "session.timeout",
		"session_queue_size":   "session.max_queue_size",
		"session_history_size": "session.max_history_size",

		// Security mappings
		"require_auth": "security.require_auth",
		"jwt_secret":   "security.jwt_secret",
		"jwt_issuer":   "security.jwt_issuer",

		// NATS mappings
		"nats_enabled":        "nats.enabled",
		"nats_url":            "nats.url",
		"nats_subject_prefix": "nats.subject_prefix",

		// Logging mappings
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}

	return ""
}

// WatchConfigFile sets up a file watcher for hot reload. The caller is
// responsible for mutex protection when swapping configuration during
// reloads.
func WatchConfigFile(path string, callback func()) error {
	provider := file.Provider(path)

	return provider.Watch(func(event interface{}, err error) {
		if err != nil {
			return
		}
		callback()
	})
}
