// SPDX-FileCopyrightText: Copyright 2025 Agentexec Authors
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/agentexec/agentexec/pkg/logger"
)

const (
	vaultInitialInterval = 500 * time.Millisecond
	vaultMaxInterval     = 10 * time.Second
	vaultMaxTries        = 10
	vaultRequestTimeout  = 10 * time.Second
)

// VaultBackend fetches secret payloads from an external vault over HTTP.
// Objects that are still being written surface as transient "not yet ready"
// responses; those are retried with exponential backoff, everything else
// fails immediately.
type VaultBackend struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewVaultBackend creates a vault-backed secret backend.
func NewVaultBackend(baseURL, token string) *VaultBackend {
	return &VaultBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: vaultRequestTimeout},
	}
}

// Name implements SecretBackend.
func (*VaultBackend) Name() string { return "vault" }

// FetchObject implements SecretBackend.
func (v *VaultBackend) FetchObject(ctx context.Context, objectID string) ([]byte, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = vaultInitialInterval
	expBackoff.MaxInterval = vaultMaxInterval
	expBackoff.Reset()

	operation := func() ([]byte, error) {
		return v.fetchOnce(ctx, objectID)
	}

	raw, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(vaultMaxTries),
		backoff.WithNotify(func(err error, duration time.Duration) {
			logger.Debugw("retrying vault fetch", "object_id", objectID, "delay", duration, "error", err.Error())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("vault object %s: %w", objectID, err)
	}
	return raw, nil
}

func (v *VaultBackend) fetchOnce(ctx context.Context, objectID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/v1/objects/"+objectID, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	if v.token != "" {
		req.Header.Set("Authorization", "Bearer "+v.token)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		// Network errors are worth retrying.
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusConflict,
		resp.StatusCode == http.StatusTooEarly,
		resp.StatusCode == http.StatusServiceUnavailable:
		// The vault reports the object as not yet ready.
		return nil, fmt.Errorf("vault object %s not ready (status %d)", objectID, resp.StatusCode)
	default:
		return nil, backoff.Permanent(fmt.Errorf("vault returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
}
