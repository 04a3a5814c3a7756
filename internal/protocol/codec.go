// Cartpulse - Realtime Shopping Event Gateway
// Copyright 2026 Cartpulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cartpulse/gateway

// Package protocol defines the wire envelope exchanged with clients and
// the codec that parses, validates, and serializes it.
//
// The codec is pure: it holds only configuration, performs no I/O, and
// returns every failure as a typed error. Control payloads (auth,
// subscribe, unsubscribe, ping) are validated against their schemas at
// this boundary so no handler ever sees a loosely typed payload; domain
// message payloads are passed through as raw JSON for the business
// handler.
package protocol

import (
	"github.com/goccy/go-json"

	"github.com/cartpulse/gateway/internal/validation"
)

// Codec parses and serializes wire envelopes.
type Codec struct {
	maxPayloadBytes int
}

// NewCodec creates a codec enforcing the given payload size cap.
// A cap of zero or less disables the size check (the transport read
// limit still applies).
func NewCodec(maxPayloadBytes int) *Codec {
	return &Codec{maxPayloadBytes: maxPayloadBytes}
}

// Decode parses raw bytes as a message envelope.
//
// Failure modes:
//   - *PayloadTooLargeError: input exceeds the configured cap
//   - *ProtocolError: malformed JSON
//   - *ValidationError: missing type, or a control payload violating its schema
func (c *Codec) Decode(raw []byte) (*Message, error) {
	if c.maxPayloadBytes > 0 && len(raw) > c.maxPayloadBytes {
		return nil, &PayloadTooLargeError{Size: len(raw), Limit: c.maxPayloadBytes}
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, &ProtocolError{Detail: err.Error()}
	}

	if msg.Type == "" {
		return nil, &ValidationError{Detail: "missing message type"}
	}

	if msg.IsControl() {
		if err := c.validateControl(&msg); err != nil {
			return nil, err
		}
	}

	return &msg, nil
}

// Encode serializes a message envelope. It fails only on internal
// invariant violations, never on a valid message.
func (c *Codec) Encode(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

// validateControl decodes and schema-checks the payload of a control message.
func (c *Codec) validateControl(msg *Message) error {
	switch msg.Type {
	case TypeAuth:
		var p AuthPayload
		return c.checkPayload(msg.Data, &p)
	case TypeSubscribe:
		var p SubscribePayload
		return c.checkPayload(msg.Data, &p)
	case TypeUnsubscribe:
		var p UnsubscribePayload
		if len(msg.Data) == 0 {
			return nil // absent payload means unsubscribe from all
		}
		return c.checkPayload(msg.Data, &p)
	case TypePing:
		var p PingPayload
		if len(msg.Data) == 0 {
			return nil
		}
		return c.checkPayload(msg.Data, &p)
	}
	return nil
}

// checkPayload unmarshals data into dst and validates its schema tags.
func (c *Codec) checkPayload(data json.RawMessage, dst interface{}) error {
	if len(data) == 0 {
		return &ValidationError{Detail: "missing payload"}
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return &ValidationError{Detail: "malformed payload: " + err.Error()}
	}
	if err := validation.ValidateStruct(dst); err != nil {
		return &ValidationError{Detail: err.Error()}
	}
	return nil
}

// DecodeAuth extracts the typed auth payload from a validated message.
func DecodeAuth(msg *Message) (*AuthPayload, error) {
	var p AuthPayload
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		return nil, &ValidationError{Detail: "malformed auth payload"}
	}
	return &p, nil
}

// DecodeSubscribe extracts the typed subscribe payload from a validated message.
func DecodeSubscribe(msg *Message) (*SubscribePayload, error) {
	var p SubscribePayload
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		return nil, &ValidationError{Detail: "malformed subscribe payload"}
	}
	return &p, nil
}

// DecodeUnsubscribe extracts the typed unsubscribe payload; an absent
// payload yields the zero value (unsubscribe from all).
func DecodeUnsubscribe(msg *Message) (*UnsubscribePayload, error) {
	var p UnsubscribePayload
	if len(msg.Data) == 0 {
		return &p, nil
	}
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		return nil, &ValidationError{Detail: "malformed unsubscribe payload"}
	}
	return &p, nil
}

// DecodePing extracts the typed ping payload; an absent payload is valid.
func DecodePing(msg *Message) (*PingPayload, error) {
	var p PingPayload
	if len(msg.Data) == 0 {
		return &p, nil
	}
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		return nil, &ValidationError{Detail: "malformed ping payload"}
	}
	return &p, nil
}
