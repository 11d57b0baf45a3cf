// SPDX-FileCopyrightText: Copyright 2025 Agentexec Authors
// SPDX-License-Identifier: Apache-2.0

// Package store provides durable, transactional record storage for the
// service: tasks and their append-only event logs, approvals, tool calls,
// tool sources, access policies, credential bindings, anonymous sessions,
// and the OAuth records of the embedded authorization server.
package store

import (
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

// Task lifecycle states.
const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskTimedOut  TaskStatus = "timed_out"
	TaskDenied    TaskStatus = "denied"
)

// IsTerminal reports whether the status is one of the terminal states.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskTimedOut, TaskDenied:
		return true
	}
	return false
}

// ApprovalStatus is the resolution state of an approval.
type ApprovalStatus string

// Approval states. Resolution is monotone: pending may move to approved or
// denied exactly once and is never reversed.
const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
)

// ToolCallStatus is the state of a mediated tool call.
type ToolCallStatus string

// Tool call states.
const (
	ToolCallRequested       ToolCallStatus = "requested"
	ToolCallPendingApproval ToolCallStatus = "pending_approval"
	ToolCallCompleted       ToolCallStatus = "completed"
	ToolCallFailed          ToolCallStatus = "failed"
	ToolCallDenied          ToolCallStatus = "denied"
)

// SourceType identifies how a tool source's contract is expressed.
type SourceType string

// Tool source types.
const (
	SourceMCP     SourceType = "mcp"
	SourceOpenAPI SourceType = "openapi"
	SourceGraphQL SourceType = "graphql"
)

// Decision is a policy evaluation outcome.
type Decision string

// Policy decisions, ordered deny > require_approval > allow.
const (
	DecisionAllow           Decision = "allow"
	DecisionRequireApproval Decision = "require_approval"
	DecisionDeny            Decision = "deny"
)

// CredentialScope determines whether a binding applies to the whole
// workspace or to a single actor.
type CredentialScope string

// Credential scopes.
const (
	ScopeWorkspace CredentialScope = "workspace"
	ScopeActor     CredentialScope = "actor"
)

// NowMillis returns the current wall time in epoch milliseconds, the unit
// every record timestamp uses.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Account is an end-user or anonymous identity, keyed by
// (provider, providerAccountID). Accounts are never physically deleted.
type Account struct {
	Provider          string
	ProviderAccountID string
	Status            string // active | deleted
	CreatedAt         int64
	UpdatedAt         int64
}

// Workspace is the isolation unit. It owns tasks, tool sources,
// credentials, policies, and registry state.
type Workspace struct {
	ID             string
	OrganizationID string
	Name           string
	CreatedAt      int64
	UpdatedAt      int64
}

// Task is a single code-execution request.
type Task struct {
	TaskID      string // domain id, task_<uuid>
	WorkspaceID string
	AccountID   string
	ActorID     string
	ClientID    string // label only
	Code        string
	RuntimeID   string
	TimeoutMs   int64
	Metadata    map[string]any
	Status      TaskStatus
	ExitCode    *int
	Error       string

	// Result is the JSON-encoded return value of a completed run; nil when
	// the runtime reported none.
	Result json.RawMessage

	// NextEventSequence is the next sequence number to hand out for this
	// task's event log. Strictly increasing, never reused.
	NextEventSequence int64

	CreatedAt   int64
	UpdatedAt   int64
	CompletedAt int64 // 0 until terminal; immutable afterwards
}

// TaskEvent is one append-only row of a task's event log.
type TaskEvent struct {
	TaskID    string
	Sequence  int64
	EventName string // "task" | "approval"
	Type      string // e.g. task.created, tool.call.completed
	Payload   map[string]any
	CreatedAt int64
}

// Approval is a pending-or-resolved authorization decision for one tool call.
type Approval struct {
	ApprovalID  string
	TaskID      string
	WorkspaceID string
	ToolPath    string
	Input       map[string]any
	Status      ApprovalStatus
	ReviewerID  string
	Reason      string
	CreatedAt   int64
	ResolvedAt  int64
}

// ToolCall is the idempotency record of a mediated call. At most one row
// exists per (taskID, callID).
type ToolCall struct {
	TaskID      string
	CallID      string
	WorkspaceID string
	ToolPath    string
	Status      ToolCallStatus
	ApprovalID  string
	Error       string
	CreatedAt   int64
	UpdatedAt   int64
}

// ToolSource is an external tool definition attached to a workspace.
// Name is unique per workspace.
type ToolSource struct {
	SourceID    string
	WorkspaceID string
	Name        string
	Type        SourceType
	Config      map[string]any
	Enabled     bool
	CreatedAt   int64
	UpdatedAt   int64
}

// AccessPolicy is one row of the per-workspace policy set. A nil ActorID or
// ClientID matches any caller; a present value must equal the caller's.
type AccessPolicy struct {
	PolicyID        string
	WorkspaceID     string
	ToolPathPattern string // glob over .-separated segments; * matches any segment content
	ActorID         string // empty matches anything
	ClientID        string // empty matches anything
	Decision        Decision
	Priority        int
	CreatedAt       int64
	UpdatedAt       int64
}

// CredentialBinding maps a logical connection to a (sourceKey, scope) pair.
// The payload is either the secret itself (local backend) or an opaque
// object id resolved against an external vault.
type CredentialBinding struct {
	CredentialID    string
	WorkspaceID     string
	ConnectionID    string
	SourceKey       string
	Scope           CredentialScope
	ActorID         string // set for actor scope
	Provider        string // local | vault
	Payload         json.RawMessage
	HeaderOverrides map[string]string
	CreatedAt       int64
	UpdatedAt       int64
}

// AnonymousSession binds a guest identity to a workspace. Session ids come
// in two families: caller-provided ids starting with mcp_ are honored
// verbatim; anything else is replaced by a minted anon_session_<uuid>.
type AnonymousSession struct {
	SessionID   string
	WorkspaceID string
	ActorID     string
	AccountID   string
	CreatedAt   int64
}

// SigningKey is an RS256 key pair for the anonymous authorization server.
// Exactly one key is active process-wide; rotation replaces it atomically.
type SigningKey struct {
	KeyID      string
	PrivateJWK []byte
	PublicJWK  []byte
	Active     bool
	CreatedAt  int64
}

// OAuthClient is a dynamically registered OAuth client.
type OAuthClient struct {
	ClientID     string // anon_client_<uuid>
	ClientName   string
	RedirectURIs []string
	CreatedAt    int64
}

// AuthorizationCode is an ephemeral, single-use PKCE authorization code.
// A successful consume deletes it atomically.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	ActorID             string
	TokenClaims         map[string]string
	ExpiresAt           int64
	CreatedAt           int64
}

// InventoryState is the per-workspace single-flight build row for the tool
// inventory.
type InventoryState struct {
	WorkspaceID       string
	Signature         string
	ReadyBuildID      string
	BuildingBuildID   string
	BuildingStartedAt int64
	LastError         string
	UpdatedAt         int64
}
