// Cartpulse - Realtime Shopping Event Gateway
// Copyright 2026 Cartpulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cartpulse/gateway

package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cartpulse/gateway/internal/authgate"
	"github.com/cartpulse/gateway/internal/logging"
	"github.com/cartpulse/gateway/internal/metrics"
	"github.com/cartpulse/gateway/internal/protocol"
	"github.com/cartpulse/gateway/internal/ratelimit"
	"github.com/cartpulse/gateway/internal/registry"
	"github.com/cartpulse/gateway/internal/session"
)

// readLoop consumes inbound frames for one connection until it closes.
// It is the connection's single reader; the write pump is its single
// writer.
func (g *Gateway) readLoop(ctx context.Context, ws *websocket.Conn, conn *registry.Connection, s *session.Session) {
	defer g.teardown(conn)

	ws.SetReadLimit(int64(g.opts.MaxPayloadBytes))

	internalErrors := 0
	for {
		select {
		case <-conn.Done():
			return
		default:
		}

		_, raw, err := ws.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				conn.Close(protocol.CloseMessageTooBig, "frame exceeds payload limit")
				metrics.MessageErrors.WithLabelValues("too_large").Inc()
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Debug().Err(err).Str("connection_id", conn.ID).Msg("read failed")
			}
			return
		}
		conn.Touch()
		conn.CountMessage()

		// The message budget follows the durable identity. Session IDs
		// rotate across reconnects and would reset the window, so
		// unauthenticated clients are keyed by IP instead, which also
		// puts them on the reduced anonymous budget.
		key := ratelimit.ClientKey(conn.UserID(), "", conn.IP)
		if d := g.limiter.CheckMessage(key); !d.Allowed {
			if d.Violation == ratelimit.ViolationPersistent {
				metrics.RecordRateLimited(string(d.Violation), true)
				g.sendDirect(conn, protocol.NewErrorMessage(
					protocol.CodeRateLimited, "persistent rate limit abuse", false))
				conn.Close(protocol.ClosePolicyViolation, "rate limit abuse")
				return
			}
			metrics.RecordRateLimited(string(d.Violation), false)
			g.sendDirect(conn, protocol.NewRateLimitMessage(d.RetryAfter))
			continue
		}

		msg, err := g.codec.Decode(raw)
		if err != nil {
			g.replyDecodeError(conn, err)
			continue
		}
		metrics.RecordInbound(msg.Type)

		if fatal := g.dispatch(ctx, conn, s, msg, &internalErrors); fatal {
			return
		}
	}
}

// replyDecodeError maps codec failures to recoverable error messages.
func (g *Gateway) replyDecodeError(conn *registry.Connection, err error) {
	var (
		tooLarge *protocol.PayloadTooLargeError
		badProto *protocol.ProtocolError
	)
	switch {
	case errors.As(err, &tooLarge):
		metrics.MessageErrors.WithLabelValues("too_large").Inc()
		g.sendDirect(conn, protocol.NewErrorMessage(
			protocol.CodePayloadTooLarge, err.Error(), true))
	case errors.As(err, &badProto):
		metrics.MessageErrors.WithLabelValues("invalid_json").Inc()
		g.sendDirect(conn, protocol.NewErrorMessage(
			protocol.CodeInvalidJSON, "message is not valid JSON", true))
	default:
		metrics.MessageErrors.WithLabelValues("validation").Inc()
		g.sendDirect(conn, protocol.NewErrorMessage(
			protocol.CodeValidationError, err.Error(), true))
	}
}

// dispatch routes one decoded message. Returns true when the connection
// must be torn down.
func (g *Gateway) dispatch(ctx context.Context, conn *registry.Connection, s *session.Session, msg *protocol.Message, internalErrors *int) bool {
	switch msg.Type {
	case protocol.TypeAuth:
		g.handleAuth(ctx, conn, msg)
	case protocol.TypeSubscribe:
		g.handleSubscribe(conn, s, msg)
	case protocol.TypeUnsubscribe:
		g.handleUnsubscribe(conn, s, msg)
	case protocol.TypePing:
		g.handlePing(conn, msg)
	default:
		return g.handleDomain(ctx, conn, s, msg, internalErrors)
	}
	return false
}

// handleAuth upgrades the connection's identity in-band. A failed
// re-auth keeps the existing identity.
func (g *Gateway) handleAuth(ctx context.Context, conn *registry.Connection, msg *protocol.Message) {
	payload, err := protocol.DecodeAuth(msg)
	if err != nil {
		g.replyError(conn, msg, protocol.CodeValidationError, err.Error())
		return
	}

	identity, err := g.gate.Verify(ctx, payload.Token)
	if err != nil {
		code := protocol.CodeAuthFailed
		var authErr *authgate.Error
		if errors.As(err, &authErr) {
			code = authErr.Code
		}
		g.replyError(conn, msg, code, "credential rejected")
		return
	}

	conn.SetIdentity(identity.UserID, conn.SessionID(), identity.Permissions, true)
	g.replyAck(conn, msg, protocol.AckData{Op: protocol.TypeAuth})
	logging.Info().
		Str("connection_id", conn.ID).
		Str("user_id", identity.UserID).
		Msg("connection re-authenticated")
}

func (g *Gateway) handleSubscribe(conn *registry.Connection, s *session.Session, msg *protocol.Message) {
	if !conn.HasPermission(authgate.PermissionRead) {
		metrics.MessageErrors.WithLabelValues("permission").Inc()
		g.replyError(conn, msg, protocol.CodePermissionDenied, "subscribe requires read permission")
		return
	}

	payload, err := protocol.DecodeSubscribe(msg)
	if err != nil {
		g.replyError(conn, msg, protocol.CodeValidationError, err.Error())
		return
	}

	channels := g.router.Subscribe(s.ID, payload.Channels)
	g.replyAck(conn, msg, protocol.AckData{Op: protocol.TypeSubscribe, Channels: channels})
}

func (g *Gateway) handleUnsubscribe(conn *registry.Connection, s *session.Session, msg *protocol.Message) {
	payload, err := protocol.DecodeUnsubscribe(msg)
	if err != nil {
		g.replyError(conn, msg, protocol.CodeValidationError, err.Error())
		return
	}

	channels := g.router.Unsubscribe(s.ID, payload.Channels)
	g.replyAck(conn, msg, protocol.AckData{Op: protocol.TypeUnsubscribe, Channels: channels})
}

func (g *Gateway) handlePing(conn *registry.Connection, msg *protocol.Message) {
	payload, err := protocol.DecodePing(msg)
	if err != nil {
		g.replyError(conn, msg, protocol.CodeValidationError, err.Error())
		return
	}
	g.monitor.OnPong(conn)

	reply := protocol.MustMessage(protocol.TypeHeartbeat, protocol.HeartbeatData{
		Echo:       payload.Echo,
		ServerTime: time.Now().UTC().Format(time.RFC3339Nano),
	})
	reply.CorrelationID = msg.CorrelationID
	g.sendDirect(conn, reply)
}

// handleDomain forwards a non-control message to the business handler
// after checking the sender's permission. Returns true when repeated
// handler failures doom the connection.
func (g *Gateway) handleDomain(ctx context.Context, conn *registry.Connection, s *session.Session, msg *protocol.Message, internalErrors *int) bool {
	if g.handler == nil {
		g.replyError(conn, msg, protocol.CodeValidationError, "unsupported message type: "+msg.Type)
		return false
	}

	if perm := g.handler.RequiredPermission(msg.Type); perm != "" && !conn.HasPermission(perm) {
		metrics.MessageErrors.WithLabelValues("permission").Inc()
		g.replyError(conn, msg, protocol.CodePermissionDenied, "missing permission: "+perm)
		return false
	}

	client := ClientInfo{
		ConnectionID:  conn.ID,
		SessionID:     s.ID,
		UserID:        conn.UserID(),
		Authenticated: conn.Authenticated(),
	}
	reply, err := g.handler.Handle(ctx, client, msg)
	if err != nil {
		*internalErrors++
		logging.Error().Err(err).
			Str("connection_id", conn.ID).
			Str("type", msg.Type).
			Int("failures", *internalErrors).
			Msg("business handler failed")
		g.replyError(conn, msg, protocol.CodeInternalError, "message processing failed")
		if *internalErrors >= maxInternalErrors {
			conn.Close(protocol.CloseInternalError, "repeated processing failures")
			return true
		}
		return false
	}

	if reply != nil {
		reply.CorrelationID = msg.CorrelationID
		if err := g.sessions.EnqueueOrSend(s, reply, false); err == nil {
			metrics.MessagesSent.Inc()
		}
	}
	return false
}

// replyAck sends an acknowledgement correlated to the triggering message.
func (g *Gateway) replyAck(conn *registry.Connection, cause *protocol.Message, data protocol.AckData) {
	reply := protocol.MustMessage(protocol.TypeAck, data)
	reply.CorrelationID = cause.CorrelationID
	g.sendDirect(conn, reply)
}

// replyError sends a recoverable error correlated to the triggering message.
func (g *Gateway) replyError(conn *registry.Connection, cause *protocol.Message, code, text string) {
	reply := protocol.NewErrorMessage(code, text, true)
	reply.CorrelationID = cause.CorrelationID
	g.sendDirect(conn, reply)
}
