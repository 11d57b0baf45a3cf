// SPDX-FileCopyrightText: Copyright 2025 Agentexec Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway is the HTTP front door of the service: the MCP
// streamable-HTTP transport, the JSON management API, the embedded OAuth
// endpoints, and the internal callback surface for remote runtimes.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/agentexec/agentexec/pkg/authserver"
	"github.com/agentexec/agentexec/pkg/config"
	"github.com/agentexec/agentexec/pkg/inventory"
	"github.com/agentexec/agentexec/pkg/logger"
	"github.com/agentexec/agentexec/pkg/mediator"
	"github.com/agentexec/agentexec/pkg/sessions"
	"github.com/agentexec/agentexec/pkg/store"
	"github.com/agentexec/agentexec/pkg/tasks"
	"github.com/agentexec/agentexec/pkg/versions"
)

const (
	readHeaderTimeout = 10 * time.Second
	middlewareTimeout = 15 * time.Minute
	shutdownTimeout   = 10 * time.Second
)

// Deps carries the assembled service components the gateway serves.
type Deps struct {
	Store     store.Store
	Inventory *inventory.Inventory
	Engine    *tasks.Engine
	Invoke    tasks.ToolInvoker
	Mediator  *mediator.Mediator
	Sessions  *sessions.Manager
	Auth      *authserver.Server

	// External verifies bearer tokens from the configured upstream OIDC
	// issuer. Nil disables external tokens.
	External ExternalVerifier
}

// Server is the gateway HTTP server.
type Server struct {
	cfg    *config.Config
	router chi.Router
	http   *http.Server
}

// New assembles the gateway router.
func New(cfg *config.Config, deps Deps) *Server {
	var tokens *authserver.TokenIssuer
	if deps.Auth != nil {
		tokens = deps.Auth.Tokens()
	}
	auth := NewAuthenticator(deps.Sessions, tokens, deps.External, cfg.Issuer)
	mcpHost := NewMCPHost(deps.Store, deps.Inventory, deps.Engine)
	api := newAPIRoutes(deps.Store, deps.Engine, deps.Mediator, deps.Inventory)
	internal := newInternalAPI(deps.Engine, deps.Invoke, cfg.InternalToken)

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Recoverer,
		middleware.Timeout(middlewareTimeout),
	)

	r.Get("/health", handleHealth)

	// OAuth discovery and flow endpoints are unauthenticated.
	if deps.Auth != nil {
		deps.Auth.Mount(r)
	}

	// Internal callbacks authenticate with the pre-shared secret, not the
	// bearer middleware.
	internal.Mount(r)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware)
		r.Handle("/mcp", mcpHost)
		r.Handle("/mcp/anonymous", mcpHost)
		api.Mount(r)
	})

	return &Server{
		cfg:    cfg,
		router: r,
		http: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:           r,
			ReadHeaderTimeout: readHeaderTimeout,
		},
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve runs the server until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Infow("gateway listening", "addr", s.http.Addr, "issuer", s.cfg.Issuer)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	return nil
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": versions.Version,
	})
}
