// Cartpulse - Realtime Shopping Event Gateway
// Copyright 2026 Cartpulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cartpulse/gateway

//go:build !nats

package main

import (
	"fmt"

	"github.com/cartpulse/gateway/internal/config"
	"github.com/cartpulse/gateway/internal/gateway"
)

// initEventSource fails when NATS is enabled on a build without the
// nats tag, so misconfiguration surfaces at startup instead of as a
// silently missing event stream.
func initEventSource(cfg *config.Config) (gateway.BusinessEventSource, error) {
	if !cfg.NATS.Enabled {
		return nil, nil
	}
	return nil, fmt.Errorf("NATS is enabled but this binary was built without the nats tag (go build -tags nats ./cmd/gateway)")
}
