// SPDX-FileCopyrightText: Copyright 2025 Agentexec Authors
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"fmt"

	"github.com/agentexec/agentexec/pkg/config"
	"github.com/agentexec/agentexec/pkg/store"
)

// NewResolverFromConfig builds a Resolver wired to the configured secret
// backend. The local backend needs no vault; bindings hold their payloads
// by value in the store.
func NewResolverFromConfig(cfg *config.Config, st store.Store) (*Resolver, error) {
	switch cfg.SecretBackend {
	case config.SecretBackendLocal:
		return NewResolver(st, nil), nil
	case config.SecretBackendVault:
		return NewResolver(st, NewVaultBackend(cfg.VaultURL, cfg.VaultToken)), nil
	default:
		return nil, fmt.Errorf("unknown secret backend %q", cfg.SecretBackend)
	}
}
