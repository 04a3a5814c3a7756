// Cartpulse - Realtime Shopping Event Gateway
// Copyright 2026 Cartpulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cartpulse/gateway

package authgate

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// signToken mints a test token the way the external identity system would.
func signToken(t *testing.T, secret string, mutate func(*Claims)) string {
	t.Helper()
	claims := &Claims{
		Permissions: []string{PermissionRead, PermissionWrite},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	if mutate != nil {
		mutate(claims)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func newTestGate(t *testing.T, requireAuth bool, maxTotal, current int) *Gate {
	t.Helper()
	verifier, err := NewJWTVerifier(testSecret, "")
	if err != nil {
		t.Fatalf("NewJWTVerifier: %v", err)
	}
	return New(verifier, requireAuth, maxTotal, func() int { return current })
}

func authCode(t *testing.T, err error) string {
	t.Helper()
	var aerr *Error
	if !errors.As(err, &aerr) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	return aerr.Code
}

func TestAuthenticate_ValidBearerToken(t *testing.T) {
	gate := newTestGate(t, true, 100, 0)

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, nil))

	id, err := gate.Authenticate(context.Background(), r)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if id.UserID != "user-1" {
		t.Errorf("userID = %q, want user-1", id.UserID)
	}
	if !id.Can(PermissionWrite) {
		t.Error("expected write permission")
	}
	if id.Anonymous {
		t.Error("verified identity must not be anonymous")
	}
}

func TestAuthenticate_QueryParameterToken(t *testing.T) {
	gate := newTestGate(t, true, 100, 0)

	r := httptest.NewRequest("GET", "/ws?token="+signToken(t, testSecret, nil), nil)
	id, err := gate.Authenticate(context.Background(), r)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if id.UserID != "user-1" {
		t.Errorf("userID = %q, want user-1", id.UserID)
	}
}

func TestAuthenticate_MissingCredential(t *testing.T) {
	gate := newTestGate(t, true, 100, 0)

	r := httptest.NewRequest("GET", "/ws", nil)
	_, err := gate.Authenticate(context.Background(), r)
	if code := authCode(t, err); code != CodeMissingCredential {
		t.Errorf("code = %q, want %q", code, CodeMissingCredential)
	}
}

func TestAuthenticate_InvalidSignature(t *testing.T) {
	gate := newTestGate(t, true, 100, 0)

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer "+signToken(t, "wrong-secret-wrong-secret-wrong!", nil))

	_, err := gate.Authenticate(context.Background(), r)
	if code := authCode(t, err); code != CodeInvalidCredential {
		t.Errorf("code = %q, want %q", code, CodeInvalidCredential)
	}
}

func TestAuthenticate_ExpiredToken(t *testing.T) {
	gate := newTestGate(t, true, 100, 0)

	expired := signToken(t, testSecret, func(c *Claims) {
		c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	})
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer "+expired)

	_, err := gate.Authenticate(context.Background(), r)
	if code := authCode(t, err); code != CodeExpiredCredential {
		t.Errorf("code = %q, want %q", code, CodeExpiredCredential)
	}
}

func TestAuthenticate_CapacityCheckedBeforeCredential(t *testing.T) {
	gate := newTestGate(t, true, 10, 10)

	// Even a valid token is rejected when at capacity.
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, nil))

	_, err := gate.Authenticate(context.Background(), r)
	if code := authCode(t, err); code != CodeCapacityExceeded {
		t.Errorf("code = %q, want %q", code, CodeCapacityExceeded)
	}
}

func TestAuthenticate_OptionalAuthMintsAnonymous(t *testing.T) {
	gate := newTestGate(t, false, 100, 0)

	r := httptest.NewRequest("GET", "/ws", nil)
	id, err := gate.Authenticate(context.Background(), r)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if !id.Anonymous {
		t.Error("expected anonymous identity")
	}
	if !id.Can(PermissionRead) || id.Can(PermissionWrite) {
		t.Errorf("anonymous identity should be read-only, got %v", id.Permissions)
	}
}

func TestAuthenticate_OptionalAuthStillVerifiesPresentToken(t *testing.T) {
	gate := newTestGate(t, false, 100, 0)

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer garbage")

	if _, err := gate.Authenticate(context.Background(), r); err == nil {
		t.Error("a present but invalid credential must fail even in optional mode")
	}
}

func TestJWTVerifier_SubjectRequired(t *testing.T) {
	verifier, err := NewJWTVerifier(testSecret, "")
	if err != nil {
		t.Fatalf("NewJWTVerifier: %v", err)
	}

	noSubject := signToken(t, testSecret, func(c *Claims) { c.Subject = "" })
	if _, err := verifier.Verify(context.Background(), noSubject); err == nil {
		t.Error("token without subject should be rejected")
	}
}

func TestJWTVerifier_IssuerEnforced(t *testing.T) {
	verifier, err := NewJWTVerifier(testSecret, "shop-identity")
	if err != nil {
		t.Fatalf("NewJWTVerifier: %v", err)
	}

	wrongIssuer := signToken(t, testSecret, func(c *Claims) { c.Issuer = "someone-else" })
	if _, err := verifier.Verify(context.Background(), wrongIssuer); err == nil {
		t.Error("token with wrong issuer should be rejected")
	}

	rightIssuer := signToken(t, testSecret, func(c *Claims) { c.Issuer = "shop-identity" })
	if _, err := verifier.Verify(context.Background(), rightIssuer); err != nil {
		t.Errorf("token with matching issuer rejected: %v", err)
	}
}

func TestNewJWTVerifier_ShortSecret(t *testing.T) {
	if _, err := NewJWTVerifier("short", ""); err == nil {
		t.Error("short secret should be rejected")
	}
}

func TestJWTVerifier_DefaultsToReadPermission(t *testing.T) {
	verifier, err := NewJWTVerifier(testSecret, "")
	if err != nil {
		t.Fatalf("NewJWTVerifier: %v", err)
	}

	noPerms := signToken(t, testSecret, func(c *Claims) { c.Permissions = nil })
	id, err := verifier.Verify(context.Background(), noPerms)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !id.Can(PermissionRead) || id.Can(PermissionWrite) {
		t.Errorf("permissions = %v, want read only", id.Permissions)
	}
}
