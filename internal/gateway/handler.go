// Cartpulse - Realtime Shopping Event Gateway
// Copyright 2026 Cartpulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cartpulse/gateway

package gateway

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/cartpulse/gateway/internal/authgate"
	"github.com/cartpulse/gateway/internal/logging"
	"github.com/cartpulse/gateway/internal/metrics"
	"github.com/cartpulse/gateway/internal/protocol"
	"github.com/cartpulse/gateway/internal/registry"
	"github.com/cartpulse/gateway/internal/session"
)

// HandleWS is the upgrade endpoint. Cheap checks (drain state, per-IP
// admission, global capacity) run before the upgrade so rejections cost
// an HTTP status; authentication runs after the upgrade so failures can
// carry a structured error message and a policy-violation close code.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if g.draining.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	if d := g.limiter.CheckConnection(r.RemoteAddr); !d.Allowed {
		metrics.RecordRejection("ip_limit")
		w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds())+1))
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	if err := g.gate.CheckGlobalCapacity(); err != nil {
		g.limiter.ReleaseConnection(r.RemoteAddr)
		metrics.RecordRejection("capacity")
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		g.limiter.ReleaseConnection(r.RemoteAddr)
		logging.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
		return
	}

	conn := registry.NewConnection(uuid.NewString(), r.RemoteAddr, ws, g.opts.WriteTimeout)
	go conn.WritePump()

	identity, err := g.gate.Authenticate(r.Context(), r)
	if err != nil {
		g.rejectAdmitted(conn, err)
		return
	}

	s, resumed, err := g.sessions.CreateOrResume(reconnectToken(r), identity.UserID)
	if err != nil {
		g.rejectAdmitted(conn, err)
		return
	}
	conn.SetIdentity(identity.UserID, s.ID, identity.Permissions, !identity.Anonymous)

	if !g.registry.Add(conn) {
		conn.Close(protocol.CloseInternalError, "duplicate connection id")
		g.limiter.ReleaseConnection(conn.IP)
		return
	}
	metrics.RecordAdmission()
	if resumed {
		metrics.SessionsResumed.Inc()
	}

	// Welcome goes out before the queued backlog so the client learns its
	// session and token first. It bypasses the sequence counter.
	welcome := protocol.MustMessage(protocol.TypeWelcome, protocol.WelcomeData{
		ClientID:            conn.ID,
		SessionID:           s.ID,
		ReconnectToken:      s.ReconnectToken,
		Resumed:             resumed,
		Features:            features,
		HeartbeatIntervalMs: g.monitor.Interval().Milliseconds(),
	})
	g.sendDirect(conn, welcome)

	// The reconnect ack goes out ahead of the attach so the queued
	// backlog follows it in order on the same writer.
	if resumed {
		g.sendDirect(conn, protocol.MustMessage(protocol.TypeReconnect, protocol.ReconnectData{
			SessionID: s.ID,
			Replayed:  g.sessions.QueueLen(s),
		}))
	}
	flushed := g.sessions.Attach(s, conn)
	metrics.RecordReplayFlush(flushed)
	if resumed {
		if since, ok := sinceParam(r); ok {
			g.sessions.ReplaySince(s, since)
		}
	}

	ws.SetPongHandler(func(string) error {
		g.monitor.OnPong(conn)
		return nil
	})
	g.monitor.Track(conn)

	logging.Info().
		Str("connection_id", conn.ID).
		Str("session_id", s.ID).
		Str("user_id", identity.UserID).
		Bool("resumed", resumed).
		Msg("connection admitted")

	g.readLoop(r.Context(), ws, conn, s)
}

// rejectAdmitted closes an upgraded but not yet registered connection
// with a structured error and a policy-violation close.
func (g *Gateway) rejectAdmitted(conn *registry.Connection, err error) {
	code := protocol.CodeAuthFailed
	text := "authentication failed"

	var authErr *authgate.Error
	switch {
	case errors.As(err, &authErr):
		code = authErr.Code
		text = authErr.Message
	case errors.Is(err, session.ErrTokenOwnerMismatch):
		code = authgate.CodeInvalidCredential
		text = "reconnect token does not belong to this identity"
	}

	metrics.RecordRejection("auth")
	g.sendDirect(conn, protocol.NewErrorMessage(code, text, false))
	conn.Close(protocol.ClosePolicyViolation, code)
	g.limiter.ReleaseConnection(conn.IP)
	logging.Warn().Str("remote", conn.IP).Str("code", code).Msg("admission rejected")
}

// sendDirect encodes and sends a message outside the session sequence,
// for control traffic tied to the connection rather than the stream.
func (g *Gateway) sendDirect(conn *registry.Connection, msg *protocol.Message) {
	frame, err := g.codec.Encode(msg)
	if err != nil {
		logging.Error().Err(err).Str("connection_id", conn.ID).Msg("encode failed")
		return
	}
	if err := conn.Send(frame); err == nil {
		metrics.MessagesSent.Inc()
	}
}

// reconnectToken pulls the resume token from the query or header.
func reconnectToken(r *http.Request) string {
	if t := r.URL.Query().Get("reconnect_token"); t != "" {
		return t
	}
	return r.Header.Get("X-Reconnect-Token")
}

// sinceParam parses the optional last-seen sequence number for replay.
func sinceParam(r *http.Request) (uint64, bool) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
