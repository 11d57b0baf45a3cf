// SPDX-FileCopyrightText: Copyright 2025 Agentexec Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads service configuration from the process environment.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Secret backend names.
const (
	// SecretBackendLocal stores credential payloads by value in the store.
	SecretBackendLocal = "local"

	// SecretBackendVault stores an opaque object id resolved against an
	// external vault over HTTP.
	SecretBackendVault = "vault"

	// SecretBackendLocalConvex and SecretBackendWorkOSVault are the
	// deployment-facing names for the two backends.
	SecretBackendLocalConvex = "local-convex"
	SecretBackendWorkOSVault = "workos-vault"
)

// Config holds the service configuration. All values come from the process
// environment; see the env tags below for the variable names.
type Config struct {
	// Host is the gateway bind address.
	Host string

	// Port is the gateway bind port.
	Port int

	// Issuer is the public origin of the gateway, used as the OAuth issuer
	// and the base for callback URLs. Defaults to http://<host>:<port>.
	Issuer string

	// EnableAnonymousOAuth enables the self-issued anonymous authorization
	// server (MCP_ENABLE_ANONYMOUS_OAUTH=1).
	EnableAnonymousOAuth bool

	// AuthorizationServer is the upstream issuer URL for non-anonymous
	// sessions (MCP_AUTHORIZATION_SERVER).
	AuthorizationServer string

	// InternalToken is the shared secret for runtime callbacks and
	// privileged OAuth storage functions (EXECUTOR_INTERNAL_TOKEN).
	InternalToken string

	// SecretBackend selects the credential secret backend
	// (EXECUTOR_SECRET_BACKEND, local-convex or workos-vault; the short
	// forms local|vault are accepted too). Load stores the short form.
	SecretBackend string

	// VaultURL is the base URL of the external vault, required when
	// SecretBackend is vault.
	VaultURL string

	// VaultToken authenticates vault fetches.
	VaultToken string

	// SandboxWorkerURL is the base URL of the remote sandbox runtime worker.
	// Empty disables the remote runtime.
	SandboxWorkerURL string

	// SpecCacheRedisURL enables the Redis-backed OpenAPI spec cache when
	// set; the in-memory cache is used otherwise.
	SpecCacheRedisURL string

	// TokenTTLSeconds is the lifetime of self-issued anonymous tokens.
	TokenTTLSeconds int
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("AGENTEXEC_HOST", "127.0.0.1")
	v.SetDefault("AGENTEXEC_PORT", 8612)
	v.SetDefault("MCP_TOKEN_TTL_SECONDS", 86400)

	cfg := &Config{
		Host:                 v.GetString("AGENTEXEC_HOST"),
		Port:                 v.GetInt("AGENTEXEC_PORT"),
		Issuer:               v.GetString("AGENTEXEC_ISSUER"),
		EnableAnonymousOAuth: v.GetString("MCP_ENABLE_ANONYMOUS_OAUTH") == "1",
		AuthorizationServer:  v.GetString("MCP_AUTHORIZATION_SERVER"),
		InternalToken:        v.GetString("EXECUTOR_INTERNAL_TOKEN"),
		SecretBackend:        v.GetString("EXECUTOR_SECRET_BACKEND"),
		VaultURL:             v.GetString("EXECUTOR_VAULT_URL"),
		VaultToken:           v.GetString("EXECUTOR_VAULT_TOKEN"),
		SandboxWorkerURL:     v.GetString("EXECUTOR_SANDBOX_WORKER_URL"),
		SpecCacheRedisURL:    v.GetString("AGENTEXEC_SPEC_CACHE_REDIS_URL"),
		TokenTTLSeconds:      v.GetInt("MCP_TOKEN_TTL_SECONDS"),
	}

	if cfg.Issuer == "" {
		cfg.Issuer = fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)
	}
	cfg.Issuer = strings.TrimRight(cfg.Issuer, "/")

	// The backend default is inferred from the presence of vault credentials.
	if cfg.SecretBackend == "" {
		if cfg.VaultURL != "" && cfg.VaultToken != "" {
			cfg.SecretBackend = SecretBackendVault
		} else {
			cfg.SecretBackend = SecretBackendLocal
		}
	}

	switch cfg.SecretBackend {
	case SecretBackendLocalConvex:
		cfg.SecretBackend = SecretBackendLocal
	case SecretBackendWorkOSVault:
		cfg.SecretBackend = SecretBackendVault
	}

	switch cfg.SecretBackend {
	case SecretBackendLocal:
	case SecretBackendVault:
		if cfg.VaultURL == "" {
			return nil, fmt.Errorf("EXECUTOR_SECRET_BACKEND=%s requires EXECUTOR_VAULT_URL", SecretBackendWorkOSVault)
		}
	default:
		return nil, fmt.Errorf("unknown secret backend %q (supported: local-convex, workos-vault)", cfg.SecretBackend)
	}

	return cfg, nil
}
