// Cartpulse - Realtime Shopping Event Gateway
// Copyright 2026 Cartpulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cartpulse/gateway

package services

import (
	"context"
	"fmt"

	"github.com/cartpulse/gateway/internal/gateway"
)

// EventSourceService adapts a gateway.BusinessEventSource to
// suture.Service by binding it to a sink at construction time. When the
// source fails (broker outage, subscription loss) the supervisor
// restarts it with backoff while connected clients stay up.
type EventSourceService struct {
	source gateway.BusinessEventSource
	sink   gateway.EventSink
	name   string
}

// NewEventSourceService wraps an event source for supervision.
func NewEventSourceService(name string, source gateway.BusinessEventSource, sink gateway.EventSink) *EventSourceService {
	return &EventSourceService{
		source: source,
		sink:   sink,
		name:   name,
	}
}

// Serve implements suture.Service.
func (s *EventSourceService) Serve(ctx context.Context) error {
	if err := s.source.Serve(ctx, s.sink); err != nil {
		return fmt.Errorf("event source %s: %w", s.name, err)
	}
	return nil
}

// String implements fmt.Stringer; suture uses it in log messages.
func (s *EventSourceService) String() string {
	return s.name
}
