// Cartpulse - Realtime Shopping Event Gateway
// Copyright 2026 Cartpulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cartpulse/gateway

//go:build !nats

package gateway

import (
	"context"
	"fmt"
)

// NATSSourceConfig is a stub for non-NATS builds.
type NATSSourceConfig struct {
	URL           string
	SubjectPrefix string
}

// NATSSource is a stub for non-NATS builds.
type NATSSource struct{}

// NewNATSSource fails on builds without the nats tag.
func NewNATSSource(NATSSourceConfig) (*NATSSource, error) {
	return nil, fmt.Errorf("NATS support not compiled (build with -tags nats)")
}

// Serve never runs on non-NATS builds.
func (s *NATSSource) Serve(context.Context, EventSink) error {
	return fmt.Errorf("NATS support not compiled (build with -tags nats)")
}

func (s *NATSSource) String() string { return "nats-event-source" }
