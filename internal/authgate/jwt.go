// Cartpulse - Realtime Shopping Event Gateway
// Copyright 2026 Cartpulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cartpulse/gateway

package authgate

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims the gateway understands. Subject carries the
// user ID; Permissions and SessionID are custom claims set by the
// token-issuing system.
type Claims struct {
	Permissions []string `json:"permissions"`
	SessionID   string   `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256-signed tokens from the external identity
// system. The gateway only verifies; it never mints tokens.
type JWTVerifier struct {
	secret []byte
	issuer string
}

// NewJWTVerifier creates a verifier. The secret must be at least 32
// bytes; issuer is optional and, when set, enforced.
func NewJWTVerifier(secret, issuer string) (*JWTVerifier, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("jwt secret must be at least 32 characters, got %d", len(secret))
	}
	return &JWTVerifier{secret: []byte(secret), issuer: issuer}, nil
}

// Verify implements TokenVerifier.
func (v *JWTVerifier) Verify(_ context.Context, credential string) (Identity, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(credential, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, &Error{Code: CodeExpiredCredential, Message: "token expired"}
		}
		return Identity{}, &Error{Code: CodeInvalidCredential, Message: "token rejected"}
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return Identity{}, &Error{Code: CodeInvalidCredential, Message: "token missing subject"}
	}

	perms := claims.Permissions
	if len(perms) == 0 {
		perms = []string{PermissionRead}
	}

	return Identity{
		UserID:      claims.Subject,
		SessionID:   claims.SessionID,
		Permissions: perms,
	}, nil
}
