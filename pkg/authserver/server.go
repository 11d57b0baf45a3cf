// SPDX-FileCopyrightText: Copyright 2025 Agentexec Authors
// SPDX-License-Identifier: Apache-2.0

// Package authserver implements the embedded anonymous OAuth authorization
// server: RFC 7591 dynamic client registration, a PKCE-only authorization
// code flow bound to anonymous sessions, RS256 token minting, and the
// discovery metadata MCP clients use to find all of it.
package authserver

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ory/fosite"

	"github.com/agentexec/agentexec/pkg/logger"
	"github.com/agentexec/agentexec/pkg/store"
)

const (
	// codeTTL is the lifetime of an authorization code.
	codeTTL = 120 * time.Second

	// DefaultMaxPendingCodes caps stored authorization codes; expired codes
	// are purged lazily when the cap is hit.
	DefaultMaxPendingCodes = 10_000
)

// Config tunes the authorization server.
type Config struct {
	// Issuer is the gateway's public origin.
	Issuer string

	// Enabled turns the anonymous flow on. When false, discovery proxies
	// the configured upstream and the local endpoints refuse service.
	Enabled bool

	// Upstream is the external authorization server advertised for
	// non-anonymous sessions.
	Upstream string

	// TokenTTL overrides the 24h default access-token lifetime.
	TokenTTL time.Duration

	// MaxPendingCodes overrides DefaultMaxPendingCodes.
	MaxPendingCodes int
}

// Server is the HTTP surface of the authorization server.
type Server struct {
	store      store.Store
	keys       *KeyManager
	tokens     *TokenIssuer
	cfg        Config
	httpClient *http.Client
}

// NewServer creates the authorization server.
func NewServer(st store.Store, cfg Config, httpClient *http.Client) *Server {
	if cfg.MaxPendingCodes <= 0 {
		cfg.MaxPendingCodes = DefaultMaxPendingCodes
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	keys := NewKeyManager(st)
	return &Server{
		store:      st,
		keys:       keys,
		tokens:     NewTokenIssuer(keys, cfg.Issuer, cfg.TokenTTL),
		cfg:        cfg,
		httpClient: httpClient,
	}
}

// Init loads or generates the signing key. Required before serving when
// anonymous mode is enabled.
func (s *Server) Init(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	return s.keys.Ensure(ctx)
}

// Tokens exposes the issuer for transport-level verification.
func (s *Server) Tokens() *TokenIssuer {
	return s.tokens
}

// Mount attaches the OAuth endpoints to a router.
func (s *Server) Mount(r chi.Router) {
	r.Get("/.well-known/oauth-protected-resource", s.handleProtectedResource)
	r.Get("/.well-known/oauth-authorization-server", s.handleServerMetadata)
	r.Post("/register", s.handleRegister)
	r.Get("/authorize", s.handleAuthorize)
	r.Post("/token", s.handleToken)
	r.Get("/oauth2/jwks", s.handleJWKS)
}

// oauthError is the RFC 6749 error shape every endpoint uses.
func oauthError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warnw("encoding response failed", "error", err.Error())
	}
}

// handleProtectedResource serves RFC 9728 protected-resource metadata. For
// anonymous sessions the authorization server is this process; external
// sessions are pointed at the upstream.
func (s *Server) handleProtectedResource(w http.ResponseWriter, r *http.Request) {
	authServer := s.cfg.Issuer
	if !s.isAnonymousQuery(r) {
		if s.cfg.Upstream != "" {
			authServer = s.cfg.Upstream
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"resource":                 s.cfg.Issuer + "/mcp",
		"authorization_servers":    []string{authServer},
		"bearer_methods_supported": []string{"header"},
	})
}

// isAnonymousQuery reports whether the request's sessionId names an
// anonymous session (or no session at all, when anonymous mode is on).
func (s *Server) isAnonymousQuery(r *http.Request) bool {
	if !s.cfg.Enabled {
		return false
	}
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		return true
	}
	found := false
	_ = s.store.View(r.Context(), func(tx store.ReadTx) error {
		_, found = tx.GetSession(sessionID)
		return nil
	})
	return found
}

// handleServerMetadata serves RFC 8414 metadata for the anonymous flow, or
// proxies the upstream's document when anonymous mode is off.
func (s *Server) handleServerMetadata(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Enabled {
		s.proxyUpstreamMetadata(w, r)
		return
	}
	issuer := s.cfg.Issuer
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/authorize",
		"token_endpoint":                        issuer + "/token",
		"registration_endpoint":                 issuer + "/register",
		"jwks_uri":                              issuer + "/oauth2/jwks",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code"},
		"token_endpoint_auth_methods_supported": []string{"none"},
		"code_challenge_methods_supported":      []string{"S256"},
	})
}

func (s *Server) proxyUpstreamMetadata(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Upstream == "" {
		oauthError(w, http.StatusNotFound, "invalid_request", "no authorization server configured")
		return
	}
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet,
		s.cfg.Upstream+"/.well-known/oauth-authorization-server", nil)
	if err != nil {
		oauthError(w, http.StatusBadGateway, "server_error", "upstream metadata unavailable")
		return
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		oauthError(w, http.StatusBadGateway, "server_error", "upstream metadata unavailable")
		return
	}
	defer resp.Body.Close()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// registrationRequest is the RFC 7591 request subset the server accepts.
type registrationRequest struct {
	RedirectURIs []string `json:"redirect_uris"`
	ClientName   string   `json:"client_name"`
}

// handleRegister implements dynamic client registration for public PKCE
// clients.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Enabled {
		oauthError(w, http.StatusNotFound, "invalid_request", "anonymous registration is disabled")
		return
	}

	var req registrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_client_metadata", "invalid JSON request body")
		return
	}
	if len(req.RedirectURIs) == 0 {
		oauthError(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uris must be a non-empty array")
		return
	}
	for _, raw := range req.RedirectURIs {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" {
			oauthError(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect uri "+raw+" is not a valid URI")
			return
		}
	}

	clientID := "anon_client_" + uuid.NewString()
	record := &store.OAuthClient{
		ClientID:     clientID,
		ClientName:   req.ClientName,
		RedirectURIs: req.RedirectURIs,
	}
	err := s.store.Mutate(r.Context(), "", func(tx store.Tx) error {
		tx.PutOAuthClient(record)
		return nil
	})
	if err != nil {
		oauthError(w, http.StatusInternalServerError, "server_error", "registration failed")
		return
	}

	logger.Infow("registered anonymous OAuth client",
		"client_id", clientID, "client_name", req.ClientName)

	writeJSON(w, http.StatusCreated, map[string]any{
		"client_id":                  clientID,
		"client_id_issued_at":        time.Now().Unix(),
		"redirect_uris":              req.RedirectURIs,
		"client_name":                req.ClientName,
		"token_endpoint_auth_method": "none",
		"grant_types":                []string{"authorization_code"},
		"response_types":             []string{"code"},
	})
}

// fositeClient adapts a stored registration to fosite's client model,
// which owns redirect-URI matching.
func fositeClient(c *store.OAuthClient) *fosite.DefaultClient {
	return &fosite.DefaultClient{
		ID:            c.ClientID,
		RedirectURIs:  c.RedirectURIs,
		ResponseTypes: []string{"code"},
		GrantTypes:    []string{"authorization_code"},
		Public:        true,
	}
}

// handleAuthorize implements the PKCE authorization leg. The required
// resource parameter must point at an anonymous session; the minted code
// carries that session's identity into the token.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Enabled {
		oauthError(w, http.StatusNotFound, "invalid_request", "anonymous authorization is disabled")
		return
	}
	q := r.URL.Query()

	if q.Get("response_type") != "code" {
		oauthError(w, http.StatusBadRequest, "unsupported_response_type", "response_type must be code")
		return
	}

	var client *store.OAuthClient
	err := s.store.View(r.Context(), func(tx store.ReadTx) error {
		if c, ok := tx.GetOAuthClient(q.Get("client_id")); ok {
			client = c
		}
		return nil
	})
	if err != nil || client == nil {
		oauthError(w, http.StatusBadRequest, "invalid_client", "unknown client_id")
		return
	}

	redirectURI := q.Get("redirect_uri")
	if !slices.Contains(fositeClient(client).GetRedirectURIs(), redirectURI) {
		oauthError(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uri is not registered for this client")
		return
	}

	challenge := q.Get("code_challenge")
	if challenge == "" || q.Get("code_challenge_method") != "S256" {
		oauthError(w, http.StatusBadRequest, "invalid_request", "PKCE with S256 is required")
		return
	}

	session, errCode, errDesc := s.sessionFromResource(r, q.Get("resource"))
	if session == nil {
		oauthError(w, http.StatusBadRequest, errCode, errDesc)
		return
	}

	code := uuid.NewString()
	record := &store.AuthorizationCode{
		Code:                code,
		ClientID:            client.ClientID,
		RedirectURI:         redirectURI,
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		ActorID:             session.ActorID,
		TokenClaims: map[string]string{
			"workspace_id": session.WorkspaceID,
			"session_id":   session.SessionID,
		},
		ExpiresAt: store.NowMillis() + codeTTL.Milliseconds(),
	}

	err = s.store.Mutate(r.Context(), "", func(tx store.Tx) error {
		if tx.CountAuthorizationCodes() >= s.cfg.MaxPendingCodes {
			tx.PurgeExpiredAuthorizationCodes(store.NowMillis())
			if tx.CountAuthorizationCodes() >= s.cfg.MaxPendingCodes {
				return errTooManyCodes
			}
		}
		tx.PutAuthorizationCode(record)
		return nil
	})
	if err != nil {
		if errors.Is(err, errTooManyCodes) {
			oauthError(w, http.StatusBadRequest, "invalid_request", "too many pending authorization requests")
			return
		}
		oauthError(w, http.StatusInternalServerError, "server_error", "authorization failed")
		return
	}

	target, err := url.Parse(redirectURI)
	if err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uri is not parseable")
		return
	}
	params := target.Query()
	params.Set("code", code)
	if state := q.Get("state"); state != "" {
		params.Set("state", state)
	}
	target.RawQuery = params.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

var errTooManyCodes = errors.New("authorization code cap reached")

// sessionFromResource resolves the resource parameter to the anonymous
// session it names.
func (s *Server) sessionFromResource(r *http.Request, resource string) (*store.AnonymousSession, string, string) {
	if resource == "" {
		return nil, "invalid_request", "resource parameter is required"
	}
	u, err := url.Parse(resource)
	if err != nil {
		return nil, "invalid_request", "resource parameter is not a URL"
	}
	workspaceID := u.Query().Get("workspaceId")
	sessionID := u.Query().Get("sessionId")
	if workspaceID == "" || sessionID == "" {
		return nil, "invalid_request", "resource must carry workspaceId and sessionId"
	}

	var session *store.AnonymousSession
	_ = s.store.View(r.Context(), func(tx store.ReadTx) error {
		if found, ok := tx.GetSession(sessionID); ok {
			session = found
		}
		return nil
	})
	if session == nil || session.WorkspaceID != workspaceID {
		return nil, "invalid_request", "resource does not identify an anonymous session"
	}
	return session, "", ""
}

// handleToken implements the authorization_code grant with PKCE. The code
// is consumed atomically; a replay sees invalid_grant.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Enabled {
		oauthError(w, http.StatusNotFound, "invalid_request", "anonymous token issuance is disabled")
		return
	}
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	if r.PostForm.Get("grant_type") != "authorization_code" {
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type", "grant_type must be authorization_code")
		return
	}

	var code *store.AuthorizationCode
	err := s.store.Mutate(r.Context(), "", func(tx store.Tx) error {
		code = nil
		if c, ok := tx.ConsumeAuthorizationCode(r.PostForm.Get("code")); ok {
			code = c
		}
		return nil
	})
	if err != nil || code == nil {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "authorization code is invalid or already used")
		return
	}
	if code.ExpiresAt <= store.NowMillis() {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "authorization code has expired")
		return
	}
	if code.ClientID != r.PostForm.Get("client_id") {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "client_id does not match the authorization code")
		return
	}
	if code.RedirectURI != r.PostForm.Get("redirect_uri") {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri does not match the authorization code")
		return
	}
	if !verifyPKCE(code.CodeChallenge, r.PostForm.Get("code_verifier")) {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
		return
	}

	token, expiresIn, err := s.tokens.Mint(code.ActorID, code.TokenClaims)
	if err != nil {
		logger.Errorw("token minting failed", "error", err.Error())
		oauthError(w, http.StatusInternalServerError, "server_error", "token minting failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   expiresIn,
	})
}

// verifyPKCE checks base64url(SHA-256(verifier)) against the challenge.
func verifyPKCE(challenge, verifier string) bool {
	if challenge == "" || verifier == "" {
		return false
	}
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:]) == challenge
}

func (s *Server) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	jwks := s.keys.JWKS()
	if len(jwks) == 0 {
		oauthError(w, http.StatusNotFound, "invalid_request", "no signing key available")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(jwks)
}
