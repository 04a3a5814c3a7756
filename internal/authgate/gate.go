// Cartpulse - Realtime Shopping Event Gateway
// Copyright 2026 Cartpulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cartpulse/gateway

// Package authgate gates connection admission. It verifies credentials
// through a pluggable TokenVerifier and enforces the global connection
// capacity before any verification work is done.
//
// The gateway never issues credentials; identity lives with an external
// system and this package only checks what it is handed.
package authgate

import (
	"context"
	"net/http"
	"strings"
)

// Auth error codes.
const (
	CodeMissingCredential = "MISSING_CREDENTIAL"
	CodeInvalidCredential = "INVALID_CREDENTIAL"
	CodeExpiredCredential = "EXPIRED_CREDENTIAL"
	CodeCapacityExceeded  = "CAPACITY_EXCEEDED"
)

// Permission names checked on subscribe and domain message dispatch.
const (
	PermissionRead  = "read"
	PermissionWrite = "write"
)

// Identity is the verified result of authentication.
type Identity struct {
	UserID      string
	SessionID   string
	Permissions []string
	Anonymous   bool
}

// Can reports whether the identity holds the given permission.
func (id Identity) Can(permission string) bool {
	for _, p := range id.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// Error is an authentication failure. Every Error is fatal to the
// admission attempt: the caller closes the transport with a policy
// violation and creates no connection or session state.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// TokenVerifier validates a raw credential. Implementations are external
// collaborators; JWTVerifier in this package is the bundled default.
type TokenVerifier interface {
	Verify(ctx context.Context, credential string) (Identity, error)
}

// Gate performs admission checks for new connections.
type Gate struct {
	verifier    TokenVerifier
	requireAuth bool
	maxTotal    int

	// connectionCount reports the current live connection total; wired to
	// the registry at construction.
	connectionCount func() int
}

// New creates a gate. connectionCount must be non-nil; verifier may be
// nil only when requireAuth is false.
func New(verifier TokenVerifier, requireAuth bool, maxTotal int, connectionCount func() int) *Gate {
	return &Gate{
		verifier:        verifier,
		requireAuth:     requireAuth,
		maxTotal:        maxTotal,
		connectionCount: connectionCount,
	}
}

// Authenticate admits or rejects an upgrade request. Capacity is checked
// before any credential verification so overload rejections stay cheap.
//
// Credential sources, in order: "Authorization: Bearer <token>" header,
// then the "token" query parameter.
//
// Without requireAuth, a missing credential yields an anonymous
// read-only identity; a present credential is still verified so clients
// that do authenticate get their real permissions.
func (g *Gate) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	if err := g.CheckGlobalCapacity(); err != nil {
		return Identity{}, err
	}

	credential := extractCredential(r)
	if credential == "" {
		if g.requireAuth {
			return Identity{}, &Error{Code: CodeMissingCredential, Message: "no credential in header or query"}
		}
		return AnonymousIdentity(), nil
	}

	if g.verifier == nil {
		if g.requireAuth {
			return Identity{}, &Error{Code: CodeInvalidCredential, Message: "no verifier configured"}
		}
		return AnonymousIdentity(), nil
	}

	return g.verifier.Verify(ctx, credential)
}

// CheckGlobalCapacity rejects admission when the live connection total
// has reached the configured maximum.
func (g *Gate) CheckGlobalCapacity() error {
	if g.maxTotal > 0 && g.connectionCount() >= g.maxTotal {
		return &Error{Code: CodeCapacityExceeded, Message: "maximum connection count reached"}
	}
	return nil
}

// Verify re-checks a credential for in-band auth messages on an already
// admitted connection.
func (g *Gate) Verify(ctx context.Context, credential string) (Identity, error) {
	if g.verifier == nil {
		return Identity{}, &Error{Code: CodeInvalidCredential, Message: "no verifier configured"}
	}
	return g.verifier.Verify(ctx, credential)
}

// AnonymousIdentity is the read-only identity minted when authentication
// is disabled.
func AnonymousIdentity() Identity {
	return Identity{
		Permissions: []string{PermissionRead},
		Anonymous:   true,
	}
}

// extractCredential pulls the raw token from the request.
func extractCredential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
