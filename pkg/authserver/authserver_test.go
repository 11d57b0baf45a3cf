// SPDX-FileCopyrightText: Copyright 2025 Agentexec Authors
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentexec/agentexec/pkg/store"
)

const testIssuer = "http://127.0.0.1:8080"

func newTestServer(t *testing.T, cfg Config) (*Server, *store.MemoryStore, chi.Router) {
	t.Helper()
	st := store.NewMemoryStore()
	if cfg.Issuer == "" {
		cfg.Issuer = testIssuer
	}
	srv := NewServer(st, cfg, nil)
	require.NoError(t, srv.Init(context.Background()))
	r := chi.NewRouter()
	srv.Mount(r)
	return srv, st, r
}

func seedSession(t *testing.T, st *store.MemoryStore) *store.AnonymousSession {
	t.Helper()
	session := &store.AnonymousSession{
		SessionID:   "anon_session_" + uuid.NewString(),
		WorkspaceID: "ws1",
		ActorID:     "anon_" + uuid.NewString(),
	}
	require.NoError(t, st.Mutate(context.Background(), "ws1", func(tx store.Tx) error {
		tx.PutSession(session)
		return nil
	}))
	return session
}

func registerClient(t *testing.T, r chi.Router) (clientID, redirectURI string) {
	t.Helper()
	redirectURI = "http://127.0.0.1:43121/callback"
	body := `{"redirect_uris":["` + redirectURI + `"],"client_name":"test-client"}`
	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	clientID, _ = resp["client_id"].(string)
	require.True(t, strings.HasPrefix(clientID, "anon_client_"), clientID)
	return clientID, redirectURI
}

func pkcePair() (verifier, challenge string) {
	verifier = uuid.NewString() + uuid.NewString()
	sum := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(sum[:])
}

func authorize(t *testing.T, r chi.Router, clientID, redirectURI, challenge string, session *store.AnonymousSession) string {
	t.Helper()
	resource := testIssuer + "/mcp?workspaceId=" + session.WorkspaceID + "&sessionId=" + session.SessionID
	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {redirectURI},
		"state":                 {"xyz"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"resource":              {resource},
	}
	req := httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "xyz", loc.Query().Get("state"))
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func exchange(t *testing.T, r chi.Router, clientID, redirectURI, code, verifier string) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {clientID},
		"redirect_uri":  {redirectURI},
		"code_verifier": {verifier},
	}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestFullAuthorizationCodeFlow(t *testing.T) {
	t.Parallel()
	srv, st, r := newTestServer(t, Config{Enabled: true})
	session := seedSession(t, st)
	clientID, redirectURI := registerClient(t, r)
	verifier, challenge := pkcePair()

	code := authorize(t, r, clientID, redirectURI, challenge, session)
	rec := exchange(t, r, clientID, redirectURI, code, verifier)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tokenResp))
	assert.Equal(t, "Bearer", tokenResp.TokenType)
	assert.EqualValues(t, 24*60*60, tokenResp.ExpiresIn)

	claims, err := srv.Tokens().Verify(tokenResp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, session.ActorID, claims["sub"])
	assert.Equal(t, "anonymous", claims["provider"])
	assert.Equal(t, session.WorkspaceID, claims["workspace_id"])
	assert.Equal(t, session.SessionID, claims["session_id"])
	assert.Equal(t, testIssuer, claims["iss"])
}

func TestAuthorizationCodeIsSingleUse(t *testing.T) {
	t.Parallel()
	_, st, r := newTestServer(t, Config{Enabled: true})
	session := seedSession(t, st)
	clientID, redirectURI := registerClient(t, r)
	verifier, challenge := pkcePair()

	code := authorize(t, r, clientID, redirectURI, challenge, session)
	require.Equal(t, http.StatusOK, exchange(t, r, clientID, redirectURI, code, verifier).Code)

	rec := exchange(t, r, clientID, redirectURI, code, verifier)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_grant")
}

func TestTokenRejectsWrongVerifier(t *testing.T) {
	t.Parallel()
	_, st, r := newTestServer(t, Config{Enabled: true})
	session := seedSession(t, st)
	clientID, redirectURI := registerClient(t, r)
	_, challenge := pkcePair()

	code := authorize(t, r, clientID, redirectURI, challenge, session)
	rec := exchange(t, r, clientID, redirectURI, code, "not-the-verifier")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "PKCE verification failed")
}

func TestTokenRejectsExpiredCode(t *testing.T) {
	t.Parallel()
	_, st, r := newTestServer(t, Config{Enabled: true})
	verifier, challenge := pkcePair()

	require.NoError(t, st.Mutate(context.Background(), "", func(tx store.Tx) error {
		tx.PutAuthorizationCode(&store.AuthorizationCode{
			Code: "stale", ClientID: "c1", RedirectURI: "http://127.0.0.1/cb",
			CodeChallenge: challenge, CodeChallengeMethod: "S256",
			ActorID: "anon_x", ExpiresAt: store.NowMillis() - 1,
		})
		return nil
	}))

	rec := exchange(t, r, "c1", "http://127.0.0.1/cb", "stale", verifier)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "expired")
}

func TestAuthorizeRejectsUnregisteredRedirect(t *testing.T) {
	t.Parallel()
	_, st, r := newTestServer(t, Config{Enabled: true})
	session := seedSession(t, st)
	clientID, _ := registerClient(t, r)
	_, challenge := pkcePair()

	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {"http://evil.example/cb"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"resource":              {testIssuer + "/mcp?workspaceId=ws1&sessionId=" + session.SessionID},
	}
	req := httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_redirect_uri")
}

func TestAuthorizeRequiresAnonymousSessionResource(t *testing.T) {
	t.Parallel()
	_, _, r := newTestServer(t, Config{Enabled: true})
	clientID, redirectURI := registerClient(t, r)
	_, challenge := pkcePair()

	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {redirectURI},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"resource":              {testIssuer + "/mcp?workspaceId=ws1&sessionId=anon_session_missing"},
	}
	req := httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "anonymous session")
}

func TestAuthorizePurgesExpiredCodesAtCap(t *testing.T) {
	t.Parallel()
	_, st, r := newTestServer(t, Config{Enabled: true, MaxPendingCodes: 2})
	session := seedSession(t, st)
	clientID, redirectURI := registerClient(t, r)
	_, challenge := pkcePair()

	// Fill the cap with expired codes; the next authorize must purge them.
	require.NoError(t, st.Mutate(context.Background(), "", func(tx store.Tx) error {
		for _, c := range []string{"old1", "old2"} {
			tx.PutAuthorizationCode(&store.AuthorizationCode{
				Code: c, ExpiresAt: store.NowMillis() - 1,
			})
		}
		return nil
	}))
	authorize(t, r, clientID, redirectURI, challenge, session)

	// With live codes at the cap, authorize fails.
	require.NoError(t, st.Mutate(context.Background(), "", func(tx store.Tx) error {
		tx.PutAuthorizationCode(&store.AuthorizationCode{
			Code: "live", ExpiresAt: store.NowMillis() + time.Minute.Milliseconds(),
		})
		return nil
	}))
	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {redirectURI},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"resource":              {testIssuer + "/mcp?workspaceId=ws1&sessionId=" + session.SessionID},
	}
	req := httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "too many pending authorization requests")
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()
	_, _, r := newTestServer(t, Config{Enabled: true})

	for name, body := range map[string]string{
		"empty redirect list": `{"redirect_uris":[]}`,
		"unparseable uri":     `{"redirect_uris":["not a uri"]}`,
		"bad json":            `{`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
}

func TestServerMetadata(t *testing.T) {
	t.Parallel()
	_, _, r := newTestServer(t, Config{Enabled: true})

	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var meta map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &meta))
	assert.Equal(t, testIssuer, meta["issuer"])
	assert.Equal(t, testIssuer+"/authorize", meta["authorization_endpoint"])
	assert.Equal(t, testIssuer+"/token", meta["token_endpoint"])
	assert.Equal(t, testIssuer+"/register", meta["registration_endpoint"])
	assert.Equal(t, testIssuer+"/oauth2/jwks", meta["jwks_uri"])
	assert.Equal(t, []any{"S256"}, meta["code_challenge_methods_supported"])
	assert.Equal(t, []any{"none"}, meta["token_endpoint_auth_methods_supported"])
}

func TestProtectedResourceMetadata(t *testing.T) {
	t.Parallel()
	_, _, r := newTestServer(t, Config{Enabled: true, Upstream: "https://idp.example"})

	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-protected-resource", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var meta map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &meta))
	assert.Equal(t, testIssuer+"/mcp", meta["resource"])
	assert.Equal(t, []any{testIssuer}, meta["authorization_servers"])
	assert.Equal(t, []any{"header"}, meta["bearer_methods_supported"])
}

func TestJWKSServesStoredPublicKey(t *testing.T) {
	t.Parallel()
	srv, _, r := newTestServer(t, Config{Enabled: true})

	req := httptest.NewRequest(http.MethodGet, "/oauth2/jwks", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	set, err := jwk.Parse(rec.Body.Bytes())
	require.NoError(t, err)
	require.Equal(t, 1, set.Len())
	_, ok := set.LookupKeyID(srv.keys.KeyID())
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(srv.keys.KeyID(), "anon_key_"))
}

func TestMintDoesNotShadowReservedClaims(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t, Config{Enabled: true})

	token, _, err := srv.Tokens().Mint("anon_actor", map[string]string{
		"iss":          "https://evil.example",
		"sub":          "someone-else",
		"workspace_id": "ws1",
	})
	require.NoError(t, err)

	claims, err := srv.Tokens().Verify(token)
	require.NoError(t, err)
	assert.Equal(t, testIssuer, claims["iss"])
	assert.Equal(t, "anon_actor", claims["sub"])
	assert.Equal(t, "ws1", claims["workspace_id"])
}

func TestSigningKeyLoadedAcrossRestarts(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore()

	first := NewServer(st, Config{Issuer: testIssuer, Enabled: true}, nil)
	require.NoError(t, first.Init(context.Background()))
	token, _, err := first.Tokens().Mint("anon_actor", nil)
	require.NoError(t, err)

	// A second server over the same store loads the persisted key and can
	// verify tokens minted before the restart.
	second := NewServer(st, Config{Issuer: testIssuer, Enabled: true}, nil)
	require.NoError(t, second.Init(context.Background()))
	assert.Equal(t, first.keys.KeyID(), second.keys.KeyID())

	claims, err := second.Tokens().Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "anon_actor", claims["sub"])
}
