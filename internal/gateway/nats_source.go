// Cartpulse - Realtime Shopping Event Gateway
// Copyright 2026 Cartpulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cartpulse/gateway

//go:build nats

package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"

	"github.com/cartpulse/gateway/internal/logging"
	"github.com/cartpulse/gateway/internal/protocol"
)

// NATSSourceConfig configures the broker-backed event source.
type NATSSourceConfig struct {
	// URL is the NATS server address.
	URL string

	// SubjectPrefix is subscribed with a ".>"" wildcard; the remainder of
	// each subject becomes the broadcast channel and message type.
	// Example: prefix "shop.events", subject "shop.events.price_update"
	// broadcasts a price_update message on the price_update channel.
	SubjectPrefix string
}

// NATSSource bridges broker subjects onto gateway channels. Built only
// with the nats tag; other builds get the stub.
type NATSSource struct {
	cfg NATSSourceConfig
}

// NewNATSSource creates a broker-backed event source.
func NewNATSSource(cfg NATSSourceConfig) (*NATSSource, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats source: url is required")
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "shop.events"
	}
	return &NATSSource{cfg: cfg}, nil
}

// Serve connects, subscribes, and pumps broker events into the sink
// until the context is canceled. Reconnection is delegated to the NATS
// client; a permanently lost connection returns an error so the
// supervisor restarts the service.
func (s *NATSSource) Serve(ctx context.Context, sink EventSink) error {
	nc, err := natsgo.Connect(s.cfg.URL,
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer nc.Close()

	subject := s.cfg.SubjectPrefix + ".>"
	sub, err := nc.Subscribe(subject, func(m *natsgo.Msg) {
		channel := strings.TrimPrefix(m.Subject, s.cfg.SubjectPrefix+".")
		msg, err := protocol.NewMessage(channel, json.RawMessage(m.Data))
		if err != nil {
			logging.Error().Err(err).Str("subject", m.Subject).Msg("broker event rejected")
			return
		}
		sink.Broadcast(channel, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	logging.Info().Str("url", s.cfg.URL).Str("subject", subject).Msg("NATS event source started")
	<-ctx.Done()
	return ctx.Err()
}

func (s *NATSSource) String() string { return "nats-event-source" }
