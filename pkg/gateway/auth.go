// SPDX-FileCopyrightText: Copyright 2025 Agentexec Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/agentexec/agentexec/pkg/authserver"
	errs "github.com/agentexec/agentexec/pkg/errors"
	"github.com/agentexec/agentexec/pkg/logger"
	"github.com/agentexec/agentexec/pkg/sessions"
)

// Identity is the authenticated caller attached to every request.
type Identity struct {
	WorkspaceID string
	SessionID   string
	ActorID     string
	AccountID   string
	ClientID    string

	// Provider records how the caller authenticated:
	// anonymous (self-issued JWT), oidc (external issuer), or legacy
	// (unauthenticated actorId query parameter).
	Provider string
}

// Identity providers.
const (
	ProviderAnonymous = "anonymous"
	ProviderOIDC      = "oidc"
	ProviderLegacy    = "legacy"
)

type identityKey struct{}

func withIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom extracts the authenticated caller from a request context.
func IdentityFrom(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	return id, ok
}

// ExternalVerifier validates bearer tokens minted by an external OIDC
// issuer and returns the subject.
type ExternalVerifier interface {
	Verify(ctx context.Context, rawToken string) (subject string, err error)
}

// OIDCVerifier adapts a go-oidc verifier to ExternalVerifier.
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier discovers the issuer's configuration and builds a
// verifier. The audience check is skipped; external tokens are accepted for
// any client of the configured issuer.
func NewOIDCVerifier(ctx context.Context, issuerURL string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("discover authorization server %s: %w", issuerURL, err)
	}
	return &OIDCVerifier{
		verifier: provider.Verifier(&oidc.Config{SkipClientIDCheck: true}),
	}, nil
}

// Verify implements ExternalVerifier.
func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (string, error) {
	token, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return "", err
	}
	return token.Subject, nil
}

// Authenticator resolves the caller identity for MCP and API requests. The
// order is: self-issued anonymous JWT, external OIDC JWT, then the legacy
// unauthenticated actorId query parameter.
type Authenticator struct {
	sessions *sessions.Manager
	tokens   *authserver.TokenIssuer
	external ExternalVerifier
	issuer   string
}

// NewAuthenticator creates an Authenticator. tokens and external may each
// be nil when the corresponding scheme is disabled.
func NewAuthenticator(sm *sessions.Manager, tokens *authserver.TokenIssuer, external ExternalVerifier, issuer string) *Authenticator {
	return &Authenticator{sessions: sm, tokens: tokens, external: external, issuer: issuer}
}

// Middleware authenticates the request and injects the Identity into the
// context. Failures answer 401 with a WWW-Authenticate challenge pointing
// at the protected-resource metadata.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.authenticate(r)
		if err != nil {
			a.challenge(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
	})
}

func (a *Authenticator) authenticate(r *http.Request) (*Identity, error) {
	q := r.URL.Query()
	workspaceID := q.Get("workspaceId")
	sessionID := q.Get("sessionId")
	clientID := q.Get("clientId")

	bearer := bearerToken(r)
	if bearer == "" {
		return a.legacyIdentity(r.Context(), workspaceID, sessionID, clientID, q.Get("actorId"))
	}

	if a.tokens != nil {
		claims, err := a.tokens.Verify(bearer)
		if err == nil {
			return anonymousIdentity(claims, workspaceID, sessionID, clientID)
		}
	}

	if a.external != nil {
		subject, err := a.external.Verify(r.Context(), bearer)
		if err == nil {
			return a.externalIdentity(r.Context(), subject, workspaceID, sessionID, clientID)
		}
	}

	return nil, errs.New(errs.ErrUnauthorized, "bearer token is not valid for this resource")
}

// anonymousIdentity binds a self-issued token to the request. The token's
// workspace_id and session_id claims are authoritative; explicit query
// parameters must agree with them.
func anonymousIdentity(claims map[string]any, workspaceID, sessionID, clientID string) (*Identity, error) {
	sub, _ := claims["sub"].(string)
	tokenWorkspace, _ := claims["workspace_id"].(string)
	tokenSession, _ := claims["session_id"].(string)
	if sub == "" || tokenWorkspace == "" || tokenSession == "" {
		return nil, errs.New(errs.ErrUnauthorized, "token is missing its session binding")
	}

	if workspaceID != "" && workspaceID != tokenWorkspace {
		return nil, errs.New(errs.ErrUnauthorized, "token workspace does not match the requested workspace")
	}
	if sessionID != "" && sessionID != tokenSession {
		return nil, errs.New(errs.ErrUnauthorized, "token session does not match the requested session")
	}

	return &Identity{
		WorkspaceID: tokenWorkspace,
		SessionID:   tokenSession,
		ActorID:     sub,
		AccountID:   sub,
		ClientID:    clientID,
		Provider:    ProviderAnonymous,
	}, nil
}

// externalIdentity binds an external-OIDC subject to an explicit workspace.
func (a *Authenticator) externalIdentity(ctx context.Context, subject, workspaceID, sessionID, clientID string) (*Identity, error) {
	if workspaceID == "" {
		return nil, errs.New(errs.ErrUnauthorized, "workspaceId is required for external tokens")
	}
	session, err := a.sessions.Ensure(ctx, workspaceID, sessionID)
	if err != nil {
		return nil, err
	}
	return &Identity{
		WorkspaceID: workspaceID,
		SessionID:   session.SessionID,
		ActorID:     subject,
		AccountID:   subject,
		ClientID:    clientID,
		Provider:    ProviderOIDC,
	}, nil
}

// legacyIdentity serves unauthenticated callers: an anonymous session is
// ensured for the workspace and the actorId query parameter, when present,
// overrides the session's minted actor.
func (a *Authenticator) legacyIdentity(ctx context.Context, workspaceID, sessionID, clientID, actorID string) (*Identity, error) {
	if workspaceID == "" {
		return nil, errs.New(errs.ErrUnauthorized, "workspaceId is required")
	}
	session, err := a.sessions.Ensure(ctx, workspaceID, sessionID)
	if err != nil {
		return nil, err
	}
	if actorID == "" {
		actorID = session.ActorID
	}
	return &Identity{
		WorkspaceID: workspaceID,
		SessionID:   session.SessionID,
		ActorID:     actorID,
		AccountID:   session.AccountID,
		ClientID:    clientID,
		Provider:    ProviderLegacy,
	}, nil
}

// challenge writes the 401 response with the RFC 9728 resource_metadata
// pointer MCP clients use to bootstrap OAuth.
func (a *Authenticator) challenge(w http.ResponseWriter, err error) {
	logger.Debugw("request rejected", "error", err.Error())
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(
		`Bearer error="invalid_token", resource_metadata=%q`,
		a.issuer+"/.well-known/oauth-protected-resource"))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             "unauthorized",
		"error_description": err.Error(),
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
