// SPDX-FileCopyrightText: Copyright 2025 Agentexec Authors
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	errs "github.com/agentexec/agentexec/pkg/errors"
)

// DefaultTokenTTL is the access-token lifetime when none is configured.
const DefaultTokenTTL = 24 * time.Hour

// reservedClaims cannot be shadowed by per-code token claims.
var reservedClaims = map[string]struct{}{
	"iss": {}, "aud": {}, "sub": {}, "exp": {}, "iat": {}, "nbf": {}, "jti": {}, "provider": {},
}

// TokenIssuer mints and verifies the anonymous RS256 access tokens.
type TokenIssuer struct {
	keys   *KeyManager
	issuer string
	ttl    time.Duration
}

// NewTokenIssuer creates a TokenIssuer for the given issuer origin.
func NewTokenIssuer(keys *KeyManager, issuer string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenIssuer{keys: keys, issuer: issuer, ttl: ttl}
}

// Audience is the token audience: the MCP endpoint under the issuer.
func (t *TokenIssuer) Audience() string {
	return t.issuer + "/mcp"
}

// Mint issues an access token for an actor. extra carries the stored
// per-code claims (workspace_id, session_id); reserved claim names in it
// are ignored.
func (t *TokenIssuer) Mint(actorID string, extra map[string]string) (token string, expiresIn int64, err error) {
	private := t.keys.PrivateKey()
	if private == nil {
		return "", 0, fmt.Errorf("no signing key loaded")
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":      t.issuer,
		"aud":      t.Audience(),
		"sub":      actorID,
		"provider": "anonymous",
		"iat":      now.Unix(),
		"exp":      now.Add(t.ttl).Unix(),
		"jti":      uuid.NewString(),
	}
	for name, value := range extra {
		if _, reserved := reservedClaims[name]; reserved {
			continue
		}
		claims[name] = value
	}

	jot := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	jot.Header["kid"] = t.keys.KeyID()

	signed, err := jot.SignedString(private)
	if err != nil {
		return "", 0, fmt.Errorf("sign token: %w", err)
	}
	return signed, int64(t.ttl.Seconds()), nil
}

// Verify validates a token against the local key set and the issuer and
// audience this server mints for.
func (t *TokenIssuer) Verify(tokenString string) (jwt.MapClaims, error) {
	parsed, err := jwt.Parse(tokenString,
		func(token *jwt.Token) (any, error) {
			kid, _ := token.Header["kid"].(string)
			public := t.keys.PublicKey(kid)
			if public == nil {
				return nil, fmt.Errorf("unknown signing key %q", kid)
			}
			return public, nil
		},
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(t.issuer),
		jwt.WithAudience(t.Audience()),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, errs.Wrap(errs.ErrUnauthorized, "invalid token", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errs.New(errs.ErrUnauthorized, "invalid token claims")
	}
	return claims, nil
}
