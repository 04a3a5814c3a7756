// Cartpulse - Realtime Shopping Event Gateway
// Copyright 2026 Cartpulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cartpulse/gateway

package protocol

import "fmt"

// Error codes carried in outbound error payloads.
const (
	CodeInvalidJSON      = "INVALID_JSON"
	CodeValidationError  = "VALIDATION_ERROR"
	CodePayloadTooLarge  = "PAYLOAD_TOO_LARGE"
	CodeRateLimited      = "RATE_LIMITED"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeAuthFailed       = "AUTH_FAILED"
	CodeServerShutdown   = "SERVER_SHUTDOWN"
	CodeInternalError    = "INTERNAL_ERROR"
	CodeCapacityExceeded = "CAPACITY_EXCEEDED"
)

// WebSocket close codes used by the gateway (RFC 6455 registry).
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseMessageTooBig   = 1009
	CloseInternalError   = 1011
)

// ProtocolError reports bytes that are not a parsable envelope.
// Recoverable: the client receives a structured error reply and the
// connection stays open.
type ProtocolError struct {
	Detail string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Detail
}

// ValidationError reports a well-formed envelope that violates the schema:
// a missing or unrecognized control payload field, or a missing type.
// Recoverable.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Detail
}

// PayloadTooLargeError reports input exceeding the configured payload cap.
type PayloadTooLargeError struct {
	Size  int
	Limit int
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("payload of %d bytes exceeds limit of %d", e.Size, e.Limit)
}
