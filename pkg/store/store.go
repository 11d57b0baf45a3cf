// SPDX-FileCopyrightText: Copyright 2025 Agentexec Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
)

// Sentinel errors returned by transaction methods.
var (
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a write violates a uniqueness constraint,
	// such as a duplicate tool source name within a workspace.
	ErrConflict = errors.New("record conflict")
)

// ReadTx is a consistent point-in-time read context with secondary-index
// lookups. All returned records are copies; mutating them has no effect on
// stored state.
type ReadTx interface {
	// GetTask looks up a task by its domain id.
	GetTask(taskID string) (*Task, bool)

	// ListTasksByStatus returns tasks in the given status ordered by
	// CreatedAt ascending. Used for queue scanning.
	ListTasksByStatus(status TaskStatus) []*Task

	// ListTasksByWorkspace returns a workspace's tasks ordered by CreatedAt.
	ListTasksByWorkspace(workspaceID string) []*Task

	// ListTaskEvents returns a task's event log ordered by sequence.
	ListTaskEvents(taskID string) []*TaskEvent

	// GetApproval looks up an approval by id.
	GetApproval(approvalID string) (*Approval, bool)

	// ListApprovals returns a workspace's approvals, optionally filtered by
	// status (empty matches all), ordered by CreatedAt.
	ListApprovals(workspaceID string, status ApprovalStatus) []*Approval

	// GetToolCall looks up the idempotency row for (taskID, callID).
	GetToolCall(taskID, callID string) (*ToolCall, bool)

	// GetToolSource looks up a tool source by id.
	GetToolSource(sourceID string) (*ToolSource, bool)

	// ListToolSources returns a workspace's tool sources ordered by name.
	ListToolSources(workspaceID string) []*ToolSource

	// ListPolicies returns a workspace's access policies in insertion order.
	ListPolicies(workspaceID string) []*AccessPolicy

	// FindCredential resolves the binding for (workspaceID, sourceKey,
	// scope). For actor scope, actorID must match the binding's.
	FindCredential(workspaceID, sourceKey string, scope CredentialScope, actorID string) (*CredentialBinding, bool)

	// GetCredential looks up a binding by (workspaceID, credentialID).
	GetCredential(workspaceID, credentialID string) (*CredentialBinding, bool)

	// GetSession looks up an anonymous session by id.
	GetSession(sessionID string) (*AnonymousSession, bool)

	// GetAccount looks up an account by its natural key.
	GetAccount(provider, providerAccountID string) (*Account, bool)

	// GetWorkspace looks up a workspace by id.
	GetWorkspace(workspaceID string) (*Workspace, bool)

	// ActiveSigningKey returns the active signing key, if any.
	ActiveSigningKey() (*SigningKey, bool)

	// GetOAuthClient looks up a registered OAuth client.
	GetOAuthClient(clientID string) (*OAuthClient, bool)

	// CountAuthorizationCodes returns the number of stored codes, expired
	// or not.
	CountAuthorizationCodes() int

	// GetInventoryState returns the inventory build row for a workspace.
	GetInventoryState(workspaceID string) (*InventoryState, bool)
}

// Tx is an atomic read-modify-write context. Every write returns the full
// post-image of the row.
type Tx interface {
	ReadTx

	// PutTask inserts or replaces a task row.
	PutTask(t *Task) *Task

	// AppendTaskEvent appends one event to a task's log, allocating the next
	// sequence number from the task row. The task must exist.
	AppendTaskEvent(taskID, eventName, eventType string, payload map[string]any) (*TaskEvent, error)

	// PutApproval inserts or replaces an approval row.
	PutApproval(a *Approval) *Approval

	// PutToolCall inserts or replaces the idempotency row for
	// (taskID, callID).
	PutToolCall(c *ToolCall) *ToolCall

	// PutToolSource inserts or replaces a tool source. Returns ErrConflict
	// when another source in the workspace already uses the name.
	PutToolSource(s *ToolSource) (*ToolSource, error)

	// PutPolicy inserts or replaces an access policy row.
	PutPolicy(p *AccessPolicy) *AccessPolicy

	// PutCredential inserts or replaces a credential binding.
	PutCredential(c *CredentialBinding) *CredentialBinding

	// PutSession inserts or replaces an anonymous session.
	PutSession(s *AnonymousSession) *AnonymousSession

	// PutAccount inserts or replaces an account.
	PutAccount(a *Account) *Account

	// PutWorkspace inserts or replaces a workspace.
	PutWorkspace(w *Workspace) *Workspace

	// PutSigningKey stores a key pair. A key stored with Active=true
	// atomically deactivates every other key.
	PutSigningKey(k *SigningKey) *SigningKey

	// PutOAuthClient stores a dynamically registered client.
	PutOAuthClient(c *OAuthClient) *OAuthClient

	// PutAuthorizationCode stores an ephemeral authorization code.
	PutAuthorizationCode(c *AuthorizationCode) *AuthorizationCode

	// ConsumeAuthorizationCode atomically reads and deletes a code. The
	// second consumer observes false.
	ConsumeAuthorizationCode(code string) (*AuthorizationCode, bool)

	// PurgeExpiredAuthorizationCodes deletes codes whose ExpiresAt is at or
	// before now, returning the number removed.
	PurgeExpiredAuthorizationCodes(now int64) int

	// PutInventoryState inserts or replaces the inventory build row.
	PutInventoryState(s *InventoryState) *InventoryState
}

// Store is the single shared mutable resource of the service.
//
// Mutate runs fn inside an atomic read-modify-write context scoped to one
// workspace; concurrent mutations of the same workspace serialize. View
// runs fn against a consistent snapshot. Both propagate fn's error and roll
// nothing back on error beyond never publishing partial writes.
type Store interface {
	Mutate(ctx context.Context, workspaceID string, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(tx ReadTx) error) error
}
