// Cartpulse - Realtime Shopping Event Gateway
// Copyright 2026 Cartpulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cartpulse/gateway

package protocol

import (
	"time"

	"github.com/goccy/go-json"
)

// Inbound message types handled by the gateway itself. Any other type is
// a domain message forwarded to the business handler after permission checks.
const (
	TypeAuth        = "auth"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
)

// Outbound message types produced by the gateway.
const (
	TypeWelcome     = "welcome"
	TypeAck         = "ack"
	TypeError       = "error"
	TypeHeartbeat   = "heartbeat"
	TypeReconnect   = "reconnect"
	TypeStatsUpdate = "stats_update"
)

// Message is the wire envelope used in both directions.
//
// Data stays raw at the envelope level; control payloads are decoded into
// their typed forms by the codec, domain payloads pass through untouched.
type Message struct {
	Type           string          `json:"type"`
	Data           json.RawMessage `json:"data,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	SessionID      string          `json:"sessionId,omitempty"`
	UserID         string          `json:"userId,omitempty"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	SequenceNumber uint64          `json:"sequenceNumber,omitempty"`
}

// IsControl reports whether the message type is handled by the gateway
// rather than forwarded to the business handler.
func (m *Message) IsControl() bool {
	switch m.Type {
	case TypeAuth, TypeSubscribe, TypeUnsubscribe, TypePing:
		return true
	}
	return false
}

// AuthPayload carries a credential for in-band (re-)authentication.
type AuthPayload struct {
	Token string `json:"token" validate:"required"`
}

// SubscribePayload lists channels the client wants broadcasts for.
type SubscribePayload struct {
	Channels []string `json:"channels" validate:"required,min=1,max=64,dive,required,max=128"`
}

// UnsubscribePayload lists channels to drop; empty means all.
type UnsubscribePayload struct {
	Channels []string `json:"channels,omitempty" validate:"omitempty,max=64,dive,required,max=128"`
}

// PingPayload is an application-level liveness probe. Echo is returned
// verbatim in the heartbeat reply.
type PingPayload struct {
	Echo string `json:"echo,omitempty"`
}

// WelcomeData is sent once after a connection is admitted.
type WelcomeData struct {
	ClientID            string   `json:"clientId"`
	SessionID           string   `json:"sessionId"`
	ReconnectToken      string   `json:"reconnectToken"`
	Resumed             bool     `json:"resumed"`
	Features            []string `json:"features"`
	HeartbeatIntervalMs int64    `json:"heartbeatIntervalMs"`
}

// ReconnectData acknowledges a resumed session before queued messages flush.
type ReconnectData struct {
	SessionID string `json:"sessionId"`
	Replayed  int    `json:"replayed"`
}

// AckData confirms a control operation.
type AckData struct {
	Op       string   `json:"op"`
	Channels []string `json:"channels,omitempty"`
}

// HeartbeatData answers a client ping.
type HeartbeatData struct {
	Echo       string `json:"echo,omitempty"`
	ServerTime string `json:"serverTime"`
}

// ErrorData is the payload of every outbound error message. Recoverable
// tells the client whether the connection survives; RetryAfterMs is set
// for rate-limit rejections.
type ErrorData struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Recoverable  bool   `json:"recoverable"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

// NewMessage builds an envelope with the current timestamp and a marshaled
// payload. Marshaling gateway-owned payload structs cannot fail; errors
// here indicate an internal invariant violation.
func NewMessage(msgType string, data interface{}) (*Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      msgType,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// MustMessage is NewMessage for payloads the gateway constructs itself.
// It panics on marshal failure, which would be a programming error.
func MustMessage(msgType string, data interface{}) *Message {
	msg, err := NewMessage(msgType, data)
	if err != nil {
		panic("protocol: marshal of gateway payload failed: " + err.Error())
	}
	return msg
}

// NewErrorMessage builds an outbound error envelope.
func NewErrorMessage(code, text string, recoverable bool) *Message {
	return MustMessage(TypeError, ErrorData{
		Code:        code,
		Message:     text,
		Recoverable: recoverable,
	})
}

// NewRateLimitMessage builds a recoverable rate-limit rejection with a
// retry hint.
func NewRateLimitMessage(retryAfter time.Duration) *Message {
	return MustMessage(TypeError, ErrorData{
		Code:         CodeRateLimited,
		Message:      "message rate limit exceeded",
		Recoverable:  true,
		RetryAfterMs: retryAfter.Milliseconds(),
	})
}
