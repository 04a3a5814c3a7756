// Cartpulse - Realtime Shopping Event Gateway
// Copyright 2026 Cartpulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cartpulse/gateway

//go:build nats

package main

import (
	"github.com/cartpulse/gateway/internal/config"
	"github.com/cartpulse/gateway/internal/gateway"
)

// initEventSource creates the NATS event source when enabled. Returns
// nil when NATS is disabled in configuration.
func initEventSource(cfg *config.Config) (gateway.BusinessEventSource, error) {
	if !cfg.NATS.Enabled {
		return nil, nil
	}

	source, err := gateway.NewNATSSource(gateway.NATSSourceConfig{
		URL:           cfg.NATS.URL,
		SubjectPrefix: cfg.NATS.SubjectPrefix,
	})
	if err != nil {
		return nil, err
	}
	return source, nil
}
