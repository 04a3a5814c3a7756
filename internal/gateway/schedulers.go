// Cartpulse - Realtime Shopping Event Gateway
// Copyright 2026 Cartpulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cartpulse/gateway

package gateway

import (
	"context"
	"time"

	"github.com/cartpulse/gateway/internal/logging"
	"github.com/cartpulse/gateway/internal/metrics"
	"github.com/cartpulse/gateway/internal/protocol"
)

// Sweeper periodically expires detached sessions and idle rate-limit
// state. It satisfies suture's Service interface.
type Sweeper struct {
	g *Gateway
}

// NewSweeper returns the gateway's cleanup scheduler.
func (g *Gateway) NewSweeper() *Sweeper { return &Sweeper{g: g} }

// Serve runs the sweep loop until the context is canceled.
func (s *Sweeper) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.g.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := time.Now()
			sessions := s.g.sessions.Sweep(now)
			limits := s.g.limiter.Sweep(now)
			if sessions > 0 || limits > 0 {
				logging.Debug().
					Int("sessions", sessions).
					Int("limit_entries", limits).
					Msg("sweep completed")
			}
			snap := s.g.sessions.Snapshot()
			metrics.Sessions.Set(float64(snap.Sessions))
		}
	}
}

func (s *Sweeper) String() string { return "gateway-sweeper" }

// StatsPublisher pushes a stats_update to subscribers of the stats
// channel on a fixed cadence. It satisfies suture's Service interface.
type StatsPublisher struct {
	g *Gateway
}

// NewStatsPublisher returns the stats push scheduler, or nil when the
// stats interval is disabled.
func (g *Gateway) NewStatsPublisher() *StatsPublisher {
	if g.opts.StatsInterval <= 0 {
		return nil
	}
	return &StatsPublisher{g: g}
}

// Serve runs the publish loop until the context is canceled.
func (p *StatsPublisher) Serve(ctx context.Context) error {
	ticker := time.NewTicker(p.g.opts.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			msg, err := protocol.NewMessage(protocol.TypeStatsUpdate, p.g.Stats())
			if err != nil {
				logging.Error().Err(err).Msg("stats encode failed")
				continue
			}
			p.g.Broadcast(StatsChannel, msg)
		}
	}
}

func (p *StatsPublisher) String() string { return "gateway-stats-publisher" }
