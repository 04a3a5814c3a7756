// Cartpulse - Realtime Shopping Event Gateway
// Copyright 2026 Cartpulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cartpulse/gateway

// Package heartbeat detects dead connections via transport-level pings.
//
// Each tracked connection cycles through a small state machine: alive,
// awaiting pong, terminated. Every interval the monitor pings alive
// connections; a connection that has not answered by the next tick is
// evicted without a close handshake, since the peer is presumed gone.
// A silently dropped client is therefore detected within two intervals.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/cartpulse/gateway/internal/logging"
	"github.com/cartpulse/gateway/internal/registry"
)

type state int

const (
	stateAlive state = iota
	stateAwaitingPong
)

// DefaultInterval is the ping cadence when none is configured.
const DefaultInterval = 30 * time.Second

// Monitor pings tracked connections on a fixed interval and evicts the
// ones that stop answering. It runs as a supervised service.
type Monitor struct {
	interval time.Duration
	onEvict  func(*registry.Connection)

	mu      sync.Mutex
	tracked map[*registry.Connection]state

	evictions int64
}

// NewMonitor creates a monitor. onEvict is invoked after an unresponsive
// connection is aborted, so the caller can release registry and session
// state; it may be nil.
func NewMonitor(interval time.Duration, onEvict func(*registry.Connection)) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		interval: interval,
		onEvict:  onEvict,
		tracked:  make(map[*registry.Connection]state),
	}
}

// Interval returns the ping cadence, advertised to clients at welcome.
func (m *Monitor) Interval() time.Duration {
	return m.interval
}

// Track starts liveness monitoring for a connection. The connection
// begins alive, so its first ping arrives on the next tick.
func (m *Monitor) Track(c *registry.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracked[c] = stateAlive
}

// Untrack stops monitoring a connection. Called on any orderly teardown.
func (m *Monitor) Untrack(c *registry.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tracked, c)
}

// OnPong records a pong (or any other proof of life) from the peer,
// resetting the connection to alive.
func (m *Monitor) OnPong(c *registry.Connection) {
	c.Touch()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tracked[c]; ok {
		m.tracked[c] = stateAlive
	}
}

// Serve runs the ping loop until the context is canceled. It satisfies
// suture's Service interface.
func (m *Monitor) Serve(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	logging.Info().Dur("interval", m.interval).Msg("heartbeat monitor started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.tick()
		}
	}
}

// tick advances every tracked connection's state. Pings and evictions
// happen outside the lock: Ping is a deadline-bounded control write and
// Abort only closes the transport, but neither belongs under a mutex
// that Track and OnPong contend on.
func (m *Monitor) tick() {
	m.mu.Lock()
	var toPing, toEvict []*registry.Connection
	for c, st := range m.tracked {
		select {
		case <-c.Done():
			delete(m.tracked, c)
			continue
		default:
		}
		if st == stateAwaitingPong {
			delete(m.tracked, c)
			toEvict = append(toEvict, c)
			continue
		}
		m.tracked[c] = stateAwaitingPong
		toPing = append(toPing, c)
	}
	m.mu.Unlock()

	for _, c := range toEvict {
		m.evict(c, "pong timeout")
	}
	for _, c := range toPing {
		if err := c.Ping(); err != nil {
			m.Untrack(c)
			m.evict(c, "ping write failed")
		}
	}
}

func (m *Monitor) evict(c *registry.Connection, reason string) {
	logging.Warn().
		Str("connection_id", c.ID).
		Str("reason", reason).
		Time("last_activity", c.LastActivity()).
		Msg("evicting unresponsive connection")
	c.Abort()
	m.mu.Lock()
	m.evictions++
	m.mu.Unlock()
	if m.onEvict != nil {
		m.onEvict(c)
	}
}

// String implements fmt.Stringer; suture uses it in log messages.
func (m *Monitor) String() string {
	return "heartbeat-monitor"
}

// Evictions returns the total number of liveness evictions.
func (m *Monitor) Evictions() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictions
}

// Tracked returns the number of connections under monitoring.
func (m *Monitor) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracked)
}
