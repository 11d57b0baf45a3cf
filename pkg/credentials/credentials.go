// SPDX-FileCopyrightText: Copyright 2025 Agentexec Authors
// SPDX-License-Identifier: Apache-2.0

// Package credentials resolves a tool's credential spec into concrete HTTP
// headers, reading the secret payload from the store or an external vault.
package credentials

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/agentexec/agentexec/pkg/errors"
	"github.com/agentexec/agentexec/pkg/store"
)

// Auth types a credential spec may declare.
const (
	AuthBearer = "bearer"
	AuthAPIKey = "apiKey"
	AuthBasic  = "basic"
)

// defaultAPIKeyHeader is used when an apiKey spec names no header.
const defaultAPIKeyHeader = "x-api-key"

// Spec is a tool's declaration of the credential it needs.
type Spec struct {
	// SourceKey names the logical connection, usually the tool source name.
	SourceKey string `json:"sourceKey"`

	// Scope selects workspace- or actor-level bindings.
	Scope store.CredentialScope `json:"scope"`

	// AuthType is one of bearer, apiKey, basic.
	AuthType string `json:"authType"`

	// HeaderName overrides the header for apiKey auth.
	HeaderName string `json:"headerName,omitempty"`

	// StaticSecretJSON is the fallback payload used when no binding exists.
	StaticSecretJSON json.RawMessage `json:"staticSecretJson,omitempty"`
}

// payload is the decoded secret payload shape shared by all backends.
type payload struct {
	Token    string `json:"token"`
	Value    string `json:"value"`
	Username string `json:"username"`
	Password string `json:"password"`

	// ObjectID points at an external vault object when the binding's
	// provider is vault.
	ObjectID string `json:"objectId"`
}

// SecretBackend resolves an opaque object id to the secret payload bytes.
type SecretBackend interface {
	// FetchObject fetches the payload stored under objectID.
	FetchObject(ctx context.Context, objectID string) ([]byte, error)

	// Name identifies the backend for logs.
	Name() string
}

// Resolver resolves credential specs against the store and a secret backend.
type Resolver struct {
	store store.Store
	vault SecretBackend
}

// NewResolver creates a Resolver. The vault backend may be nil when the
// deployment stores every secret locally.
func NewResolver(st store.Store, vault SecretBackend) *Resolver {
	return &Resolver{store: st, vault: vault}
}

// missing builds the canonical missing-credential error for a spec.
func missing(spec Spec) error {
	return errors.Newf(errors.ErrCredentialMissing,
		"Missing credential for source '%s' (%s scope)", spec.SourceKey, spec.Scope)
}

// Resolve turns a credential spec into the HTTP headers a tool call should
// carry. It returns a missing-credential error when neither a binding nor a
// static secret yields any header.
func (r *Resolver) Resolve(ctx context.Context, spec Spec, workspaceID, actorID string) (map[string]string, error) {
	var binding *store.CredentialBinding
	err := r.store.View(ctx, func(tx store.ReadTx) error {
		if b, ok := tx.FindCredential(workspaceID, spec.SourceKey, spec.Scope, actorID); ok {
			binding = b
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("credential lookup: %w", err)
	}

	var raw []byte
	switch {
	case binding != nil:
		raw, err = r.resolvePayload(ctx, binding)
		if err != nil {
			return nil, err
		}
	case len(spec.StaticSecretJSON) > 0:
		raw = spec.StaticSecretJSON
	default:
		return nil, missing(spec)
	}

	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.Wrap(errors.ErrCredentialMissing,
			fmt.Sprintf("secret payload for source '%s' is not valid JSON", spec.SourceKey), err)
	}

	headers := buildHeaders(spec, p)
	if binding != nil {
		for k, v := range binding.HeaderOverrides {
			headers[k] = v
		}
	}
	if len(headers) == 0 {
		return nil, missing(spec)
	}
	return headers, nil
}

// resolvePayload dereferences the binding's payload: local payloads are the
// secret itself, vault payloads carry an object id fetched remotely.
func (r *Resolver) resolvePayload(ctx context.Context, binding *store.CredentialBinding) ([]byte, error) {
	switch binding.Provider {
	case "", "local":
		return binding.Payload, nil
	case "vault":
		if r.vault == nil {
			return nil, errors.Newf(errors.ErrCredentialMissing,
				"credential %s requires a vault backend but none is configured", binding.CredentialID)
		}
		var p payload
		if err := json.Unmarshal(binding.Payload, &p); err != nil || p.ObjectID == "" {
			return nil, errors.Newf(errors.ErrCredentialMissing,
				"credential %s has no vault object id", binding.CredentialID)
		}
		raw, err := r.vault.FetchObject(ctx, p.ObjectID)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCredentialMissing,
				fmt.Sprintf("vault fetch for credential %s", binding.CredentialID), err)
		}
		return raw, nil
	default:
		return nil, errors.Newf(errors.ErrCredentialMissing,
			"credential %s has unknown provider %q", binding.CredentialID, binding.Provider)
	}
}

func buildHeaders(spec Spec, p payload) map[string]string {
	headers := make(map[string]string)
	switch spec.AuthType {
	case AuthBearer:
		token := p.Token
		if token == "" {
			token = p.Value
		}
		if token != "" {
			headers["Authorization"] = "Bearer " + token
		}
	case AuthAPIKey:
		name := spec.HeaderName
		if name == "" {
			name = defaultAPIKeyHeader
		}
		value := p.Value
		if value == "" {
			value = p.Token
		}
		if value != "" {
			headers[name] = value
		}
	case AuthBasic:
		if p.Username != "" || p.Password != "" {
			cred := base64.StdEncoding.EncodeToString([]byte(p.Username + ":" + p.Password))
			headers["Authorization"] = "Basic " + cred
		}
	}
	return headers
}
