// Cartpulse - Realtime Shopping Event Gateway
// Copyright 2026 Cartpulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cartpulse/gateway

package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cartpulse/gateway/internal/authgate"
	"github.com/cartpulse/gateway/internal/heartbeat"
	"github.com/cartpulse/gateway/internal/logging"
	"github.com/cartpulse/gateway/internal/metrics"
	"github.com/cartpulse/gateway/internal/protocol"
	"github.com/cartpulse/gateway/internal/ratelimit"
	"github.com/cartpulse/gateway/internal/registry"
	"github.com/cartpulse/gateway/internal/session"
	"github.com/cartpulse/gateway/internal/subscription"
)

// StatsChannel receives a stats_update broadcast every stats interval.
const StatsChannel = "stats"

// ErrSessionNotFound is returned by SendToSession when the target
// session does not exist or has already expired.
var ErrSessionNotFound = errors.New("session not found")

// features advertised in the welcome message.
var features = []string{"reconnect", "replay", "channels", "heartbeat"}

// ClientInfo identifies the sender of a domain message to the business
// handler.
type ClientInfo struct {
	ConnectionID  string
	SessionID     string
	UserID        string
	Authenticated bool
}

// BusinessMessageHandler processes domain messages the gateway does not
// understand itself. RequiredPermission maps a message type to the
// permission its sender must hold; return an empty string for read-only
// message types. Handle may return a reply message, which the gateway
// sends back on the sender's session, or nil for no reply.
type BusinessMessageHandler interface {
	RequiredPermission(msgType string) string
	Handle(ctx context.Context, client ClientInfo, msg *protocol.Message) (*protocol.Message, error)
}

// EventSink is the outbound surface the gateway exposes to event
// sources and other collaborators.
type EventSink interface {
	Broadcast(channel string, msg *protocol.Message) int
	SendToUser(userID string, msg *protocol.Message) int
	SendToSession(sessionID string, msg *protocol.Message) error
}

// BusinessEventSource feeds externally produced events into the gateway,
// typically from a message broker. It runs as a supervised service.
type BusinessEventSource interface {
	Serve(ctx context.Context, sink EventSink) error
}

// Options configures a Gateway.
type Options struct {
	// RequireAuth rejects connections without a verifiable credential.
	// When false, credential-less clients get a read-only anonymous
	// identity.
	RequireAuth bool

	// MaxConnections caps live connections process-wide. Zero disables
	// the cap.
	MaxConnections int

	// HeartbeatInterval is the server ping cadence.
	HeartbeatInterval time.Duration

	// MaxPayloadBytes caps a single inbound frame.
	MaxPayloadBytes int

	// WriteTimeout bounds each transport write.
	WriteTimeout time.Duration

	// ShutdownGrace bounds how long Shutdown waits for close frames to
	// drain.
	ShutdownGrace time.Duration

	// SweepInterval is the cadence of session and rate-limit cleanup.
	SweepInterval time.Duration

	// StatsInterval is the cadence of stats_update pushes. Zero disables
	// the publisher.
	StatsInterval time.Duration

	RateLimit ratelimit.Config
	Session   session.Config
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		MaxConnections:    10000,
		HeartbeatInterval: 30 * time.Second,
		MaxPayloadBytes:   64 * 1024,
		WriteTimeout:      10 * time.Second,
		ShutdownGrace:     5 * time.Second,
		SweepInterval:     time.Minute,
		StatsInterval:     15 * time.Second,
	}
}

// maxInternalErrors is how many handler failures one connection may
// cause before it is closed with an internal-error close code.
const maxInternalErrors = 5

// Gateway composes admission, rate limiting, sessions, heartbeat, and
// channel routing into one WebSocket endpoint.
type Gateway struct {
	opts     Options
	codec    *protocol.Codec
	gate     *authgate.Gate
	limiter  *ratelimit.Limiter
	registry *registry.Registry
	sessions *session.Manager
	monitor  *heartbeat.Monitor
	router   *subscription.Router
	handler  BusinessMessageHandler
	source   BusinessEventSource

	upgrader websocket.Upgrader
	draining atomic.Bool
	started  time.Time
}

// New wires a gateway from options and collaborators. verifier may be
// nil when Options.RequireAuth is false; handler and source may be nil.
func New(opts Options, verifier authgate.TokenVerifier, handler BusinessMessageHandler, source BusinessEventSource) *Gateway {
	def := DefaultOptions()
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = def.HeartbeatInterval
	}
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = def.MaxPayloadBytes
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = def.ShutdownGrace
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = def.SweepInterval
	}

	g := &Gateway{
		opts:     opts,
		codec:    protocol.NewCodec(opts.MaxPayloadBytes),
		limiter:  ratelimit.New(opts.RateLimit),
		registry: registry.New(),
		handler:  handler,
		source:   source,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser origin enforcement is a deployment concern handled
			// by the CORS layer in front of the upgrade.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		started: time.Now().UTC(),
	}
	g.sessions = session.NewManager(opts.Session, g.codec)
	g.gate = authgate.New(verifier, opts.RequireAuth, opts.MaxConnections, g.registry.Len)
	g.monitor = heartbeat.NewMonitor(opts.HeartbeatInterval, g.onHeartbeatEvict)
	g.router = subscription.NewRouter(subscription.DeliveryFunc(g.deliverToSession))
	g.sessions.OnExpire(func(sessionID string) {
		g.router.OnDisconnect(sessionID)
		metrics.SessionsExpired.Inc()
	})
	return g
}

// Monitor exposes the heartbeat monitor for supervision.
func (g *Gateway) Monitor() *heartbeat.Monitor { return g.monitor }

// deliverToSession adapts the session manager to the router's delivery
// interface. Unknown sessions report as such so the router can prune.
func (g *Gateway) deliverToSession(sessionID string, msg *protocol.Message) error {
	s := g.sessions.Get(sessionID)
	if s == nil {
		return subscription.ErrUnknownSubscriber
	}
	if err := g.sessions.EnqueueOrSend(s, msg, true); err != nil {
		return err
	}
	metrics.MessagesSent.Inc()
	return nil
}

// onHeartbeatEvict releases all state for a connection that stopped
// answering pings. The session stays for the reconnect window.
func (g *Gateway) onHeartbeatEvict(conn *registry.Connection) {
	metrics.HeartbeatEvictions.Inc()
	g.teardown(conn)
}

// teardown releases registry, session, and limiter state for a closed
// connection. Idempotent per connection via registry removal.
func (g *Gateway) teardown(conn *registry.Connection) {
	if g.registry.Remove(conn.ID) == nil {
		return
	}
	// On a client-initiated disconnect nothing else stops the write pump
	// or closes the socket. A no-op after an orderly close or eviction.
	conn.Abort()
	g.monitor.Untrack(conn)
	if s := g.sessions.Get(conn.SessionID()); s != nil {
		g.sessions.DetachConnection(s, conn)
	}
	g.limiter.ReleaseConnection(conn.IP)
	metrics.RecordDisconnect(conn.ConnectedAt)
	logging.Debug().
		Str("connection_id", conn.ID).
		Int64("messages", conn.MessageCount()).
		Msg("connection released")
}

// Broadcast fans a domain message out to every subscriber of a channel.
// Returns the number of sessions reached.
func (g *Gateway) Broadcast(channel string, msg *protocol.Message) int {
	n := g.router.Broadcast(channel, msg)
	metrics.BroadcastFanout.Observe(float64(n))
	return n
}

// SendToUser delivers a message to every session owned by a user.
// Returns the number of sessions reached.
func (g *Gateway) SendToUser(userID string, msg *protocol.Message) int {
	sent := 0
	for _, s := range g.sessions.ByUser(userID) {
		if err := g.sessions.EnqueueOrSend(s, msg, true); err == nil {
			sent++
			metrics.MessagesSent.Inc()
		}
	}
	return sent
}

// SendToSession delivers a message to one session, queueing it when the
// session is detached.
func (g *Gateway) SendToSession(sessionID string, msg *protocol.Message) error {
	s := g.sessions.Get(sessionID)
	if s == nil {
		return ErrSessionNotFound
	}
	if err := g.sessions.EnqueueOrSend(s, msg, true); err != nil {
		return err
	}
	metrics.MessagesSent.Inc()
	return nil
}

// Stats is the operational snapshot served on /stats and pushed on the
// stats channel.
type Stats struct {
	Connections   int           `json:"connections"`
	Channels      int           `json:"channels"`
	Evictions     int64         `json:"heartbeatEvictions"`
	Sessions      session.Stats `json:"sessions"`
	UptimeSeconds int64         `json:"uptimeSeconds"`
}

// Stats returns the current operational snapshot.
func (g *Gateway) Stats() Stats {
	return Stats{
		Connections:   g.registry.Len(),
		Channels:      g.router.ChannelCount(),
		Evictions:     g.monitor.Evictions(),
		Sessions:      g.sessions.Snapshot(),
		UptimeSeconds: int64(time.Since(g.started).Seconds()),
	}
}

// Shutdown drains the gateway: new upgrades are refused, every client
// receives a non-recoverable shutdown notice followed by a going-away
// close, and the call returns when connections have drained or the
// grace period (bounded by ctx) runs out.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.draining.Store(true)

	notice := protocol.NewErrorMessage(protocol.CodeServerShutdown, "server is shutting down", false)
	frame, err := g.codec.Encode(notice)
	if err != nil {
		return err
	}

	// Close blocks per connection until its write pump has flushed the
	// notice and the close frame, so fan the handshakes out and let the
	// drain loop below observe the registry emptying.
	g.registry.ForEach(func(conn *registry.Connection) {
		_ = conn.Send(frame)
		go func(conn *registry.Connection) {
			conn.Close(protocol.CloseGoingAway, "server shutdown")
			g.teardown(conn)
		}(conn)
	})

	grace := time.NewTimer(g.opts.ShutdownGrace)
	defer grace.Stop()
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()

	for g.registry.Len() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-grace.C:
			return nil
		case <-poll.C:
		}
	}
	logging.Info().Msg("gateway drained")
	return nil
}
