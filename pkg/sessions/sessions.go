// SPDX-FileCopyrightText: Copyright 2025 Agentexec Authors
// SPDX-License-Identifier: Apache-2.0

// Package sessions manages anonymous guest sessions: each one binds a
// minted actor identity and account to a workspace.
package sessions

import (
	"context"
	"strings"

	"github.com/google/uuid"

	errs "github.com/agentexec/agentexec/pkg/errors"
	"github.com/agentexec/agentexec/pkg/store"
)

// AnonymousProvider is the account provider for guest identities.
const AnonymousProvider = "anonymous"

// mcpSessionPrefix marks caller-supplied session ids that are honored
// verbatim instead of being replaced by a minted id.
const mcpSessionPrefix = "mcp_"

// Manager creates and resolves anonymous sessions.
type Manager struct {
	store store.Store
}

// NewManager creates a Manager.
func NewManager(st store.Store) *Manager {
	return &Manager{store: st}
}

// Ensure returns the session named by requestedID, creating it on first
// use. Ids starting with mcp_ are honored verbatim; any other requested id
// is replaced by a minted anon_session_<uuid>. An existing session bound
// to a different workspace is rejected.
func (m *Manager) Ensure(ctx context.Context, workspaceID, requestedID string) (*store.AnonymousSession, error) {
	if workspaceID == "" {
		return nil, errs.New(errs.ErrValidation, "session needs a workspace")
	}

	if requestedID != "" {
		var existing *store.AnonymousSession
		err := m.store.View(ctx, func(tx store.ReadTx) error {
			if s, ok := tx.GetSession(requestedID); ok {
				existing = s
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if existing.WorkspaceID != workspaceID {
				return nil, errs.Newf(errs.ErrUnauthorized,
					"session %s belongs to another workspace", requestedID)
			}
			return existing, nil
		}
	}

	sessionID := requestedID
	if !strings.HasPrefix(sessionID, mcpSessionPrefix) {
		sessionID = "anon_session_" + uuid.NewString()
	}
	actorID := "anon_" + uuid.NewString()

	session := &store.AnonymousSession{
		SessionID:   sessionID,
		WorkspaceID: workspaceID,
		ActorID:     actorID,
		AccountID:   actorID,
	}
	err := m.store.Mutate(ctx, workspaceID, func(tx store.Tx) error {
		// Re-check under the write lock; a concurrent request may have
		// created the same mcp_ session already.
		if s, ok := tx.GetSession(sessionID); ok {
			if s.WorkspaceID != workspaceID {
				return errs.Newf(errs.ErrUnauthorized,
					"session %s belongs to another workspace", sessionID)
			}
			session = s
			return nil
		}
		if _, ok := tx.GetWorkspace(workspaceID); !ok {
			tx.PutWorkspace(&store.Workspace{ID: workspaceID, Name: workspaceID})
		}
		tx.PutAccount(&store.Account{
			Provider:          AnonymousProvider,
			ProviderAccountID: actorID,
			Status:            "active",
		})
		tx.PutSession(session)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Get resolves an existing session.
func (m *Manager) Get(ctx context.Context, sessionID string) (*store.AnonymousSession, error) {
	var session *store.AnonymousSession
	err := m.store.View(ctx, func(tx store.ReadTx) error {
		s, ok := tx.GetSession(sessionID)
		if !ok {
			return errs.Newf(errs.ErrUnauthorized, "unknown session %s", sessionID)
		}
		session = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}
