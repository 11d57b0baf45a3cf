// SPDX-FileCopyrightText: Copyright 2025 Agentexec Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentexec/agentexec/pkg/authserver"
	"github.com/agentexec/agentexec/pkg/config"
	"github.com/agentexec/agentexec/pkg/credentials"
	"github.com/agentexec/agentexec/pkg/gateway"
	"github.com/agentexec/agentexec/pkg/inventory"
	"github.com/agentexec/agentexec/pkg/logger"
	"github.com/agentexec/agentexec/pkg/mediator"
	"github.com/agentexec/agentexec/pkg/sessions"
	"github.com/agentexec/agentexec/pkg/sources"
	"github.com/agentexec/agentexec/pkg/store"
	"github.com/agentexec/agentexec/pkg/tasks"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agentexec gateway",
	Long: `Serve starts the HTTP gateway: the MCP transport, the management API,
the internal runtime callback surface, and (when enabled) the anonymous
OAuth authorization server.`,
	RunE: serveCmdFunc,
}

func serveCmdFunc(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	st := store.NewMemoryStore()

	var specCache sources.SpecCache
	if cfg.SpecCacheRedisURL != "" {
		redisCache, err := inventory.NewRedisSpecCache(cfg.SpecCacheRedisURL)
		if err != nil {
			return fmt.Errorf("connect spec cache: %w", err)
		}
		defer redisCache.Close()
		specCache = redisCache
		logger.Infow("using redis spec cache")
	} else {
		specCache = inventory.NewMemorySpecCache()
	}

	registry := sources.NewRegistry(sources.Deps{
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		SpecCache:  specCache,
	})
	inv := inventory.New(st, registry, nil)

	creds, err := credentials.NewResolverFromConfig(cfg, st)
	if err != nil {
		return fmt.Errorf("configure credential resolver: %w", err)
	}
	med := mediator.New(st, inv, creds)

	runtimes := []tasks.Runtime{tasks.NewLocalRuntime()}
	if cfg.SandboxWorkerURL != "" {
		runtimes = append(runtimes, tasks.NewSandboxRuntime(
			cfg.SandboxWorkerURL, cfg.Issuer+"/internal/runs", cfg.InternalToken, nil))
		logger.Infow("sandbox runtime enabled", "worker_url", cfg.SandboxWorkerURL)
	}
	engine := tasks.NewEngine(st, med.Invoke, runtimes...)

	auth := authserver.NewServer(st, authserver.Config{
		Issuer:   cfg.Issuer,
		Enabled:  cfg.EnableAnonymousOAuth,
		Upstream: cfg.AuthorizationServer,
		TokenTTL: time.Duration(cfg.TokenTTLSeconds) * time.Second,
	}, nil)
	if err := auth.Init(ctx); err != nil {
		return fmt.Errorf("initialize authorization server: %w", err)
	}

	var external gateway.ExternalVerifier
	if cfg.AuthorizationServer != "" {
		verifier, err := gateway.NewOIDCVerifier(ctx, cfg.AuthorizationServer)
		if err != nil {
			return fmt.Errorf("configure external token verification: %w", err)
		}
		external = verifier
	}

	if err := engine.RecoverQueued(ctx); err != nil {
		logger.Warnw("recovering queued tasks failed", "error", err.Error())
	}

	srv := gateway.New(cfg, gateway.Deps{
		Store:     st,
		Inventory: inv,
		Engine:    engine,
		Invoke:    med.Invoke,
		Mediator:  med,
		Sessions:  sessions.NewManager(st),
		Auth:      auth,
		External:  external,
	})
	return srv.Serve(ctx)
}
