// SPDX-FileCopyrightText: Copyright 2025 Agentexec Authors
// SPDX-License-Identifier: Apache-2.0

// Package mediator gates every tool call issued from inside a run: it
// resolves the tool, evaluates access policy, resolves credentials, holds
// calls for human approval, and dispatches to the tool handler. Each step
// is idempotent on (taskID, callID) so runtime retries never duplicate
// side effects in the record store.
package mediator

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentexec/agentexec/pkg/credentials"
	errs "github.com/agentexec/agentexec/pkg/errors"
	"github.com/agentexec/agentexec/pkg/inventory"
	"github.com/agentexec/agentexec/pkg/logger"
	"github.com/agentexec/agentexec/pkg/policy"
	"github.com/agentexec/agentexec/pkg/sources"
	"github.com/agentexec/agentexec/pkg/store"

	"github.com/google/uuid"
)

// DefaultRetryAfterMs is the interval runtimes wait before retrying a call
// held for approval.
const DefaultRetryAfterMs = 500

// PendingError signals that a call is parked on a human approval. Runtimes
// treat it as a suspension, not a failure.
type PendingError struct {
	ApprovalID   string
	RetryAfterMs int64
}

func (e *PendingError) Error() string {
	return "APPROVAL_PENDING: " + e.ApprovalID
}

// DeniedError signals a terminal policy or reviewer denial.
type DeniedError struct {
	ToolPath string
	Reason   string
}

func (e *DeniedError) Error() string {
	if e.Reason != "" {
		return "APPROVAL_DENIED: " + e.ToolPath + " (" + e.Reason + ")"
	}
	return "APPROVAL_DENIED: " + e.ToolPath
}

// CredentialResolver is the slice of the credential layer the mediator
// needs; *credentials.Resolver satisfies it.
type CredentialResolver interface {
	Resolve(ctx context.Context, spec credentials.Spec, workspaceID, actorID string) (map[string]string, error)
}

// Mediator wires the store, the tool inventory, and the credential
// resolver into the per-call procedure.
type Mediator struct {
	store       store.Store
	inventory   *inventory.Inventory
	credentials CredentialResolver
}

// New creates a Mediator.
func New(st store.Store, inv *inventory.Inventory, creds CredentialResolver) *Mediator {
	return &Mediator{store: st, inventory: inv, credentials: creds}
}

// Invoke mediates one tool call. It returns the tool's value, a
// *PendingError when the call awaits approval, a *DeniedError on denial,
// or a taxonomy error for every other failure.
func (m *Mediator) Invoke(ctx context.Context, task *store.Task, callID, toolPath string, input map[string]any) (any, error) {
	snap, err := m.inventory.ToolMap(ctx, task.WorkspaceID, inventory.ToolMapOptions{WaitForFresh: true})
	if err != nil {
		return nil, errs.Wrap(errs.ErrInternal, "load tool inventory", err)
	}

	tool, resolvedPath, err := resolveTool(snap, toolPath)
	if err != nil {
		return nil, err
	}

	prior, err := m.upsertCall(ctx, task, callID, resolvedPath)
	if err != nil {
		return nil, err
	}
	switch {
	case prior != nil && prior.Status == store.ToolCallCompleted:
		return nil, errs.Newf(errs.ErrIdempotencyConflict,
			"tool call %s already completed; output not retained", callID)
	case prior != nil && prior.Status == store.ToolCallDenied:
		return nil, &DeniedError{ToolPath: resolvedPath, Reason: prior.Error}
	case prior != nil && prior.Status == store.ToolCallFailed:
		return nil, errs.Newf(errs.ErrRuntime, "tool call %s previously failed: %s", callID, prior.Error)
	}

	caller := policy.Caller{ActorID: task.ActorID, ClientID: task.ClientID}
	policies, err := m.listPolicies(ctx, task.WorkspaceID)
	if err != nil {
		return nil, err
	}

	decision, effectivePath := m.decide(tool, resolvedPath, caller, policies, input)
	if decision == store.DecisionDeny {
		reason := "denied by policy"
		if err := m.markDenied(ctx, task, callID, effectivePath, reason); err != nil {
			return nil, err
		}
		return nil, &DeniedError{ToolPath: effectivePath, Reason: reason}
	}

	var credential map[string]string
	if spec := tool.CredentialSpec; spec != nil {
		credential, err = m.credentials.Resolve(ctx, *spec, task.WorkspaceID, task.ActorID)
		if err != nil {
			return nil, err
		}
	}

	if decision == store.DecisionRequireApproval {
		if err := m.approvalGate(ctx, task, callID, resolvedPath, input); err != nil {
			return nil, err
		}
	}

	rc := &sources.RunContext{
		TaskID:      task.TaskID,
		WorkspaceID: task.WorkspaceID,
		ActorID:     task.ActorID,
		ClientID:    task.ClientID,
		Credential:  credential,
		IsToolAllowed: func(path string) bool {
			return policy.Decide(policy.Tool{Path: path}, caller, policies) != store.DecisionDeny
		},
	}

	value, runErr := tool.Run(ctx, input, rc)
	if runErr != nil {
		if err := m.markFailed(ctx, task, callID, resolvedPath, runErr.Error()); err != nil {
			logger.Warnw("recording tool call failure", "task", task.TaskID, "call", callID, "error", err.Error())
		}
		return nil, errs.Wrap(errs.ErrRuntime, fmt.Sprintf("tool %s failed", resolvedPath), runErr)
	}

	if err := m.markCompleted(ctx, task, callID, resolvedPath); err != nil {
		return nil, err
	}
	return value, nil
}

// ResolveApproval moves an approval from pending to a terminal state. A
// second resolution is a no-op returning nil.
func (m *Mediator) ResolveApproval(ctx context.Context, workspaceID, approvalID string, decision store.ApprovalStatus, reviewerID, reason string) (*store.Approval, error) {
	if decision != store.ApprovalApproved && decision != store.ApprovalDenied {
		return nil, errs.Newf(errs.ErrValidation, "invalid approval decision %q", decision)
	}

	var resolved *store.Approval
	err := m.store.Mutate(ctx, workspaceID, func(tx store.Tx) error {
		approval, ok := tx.GetApproval(approvalID)
		if !ok {
			return errs.Newf(errs.ErrValidation, "unknown approval %s", approvalID)
		}
		if approval.Status != store.ApprovalPending {
			return nil
		}
		approval.Status = decision
		approval.ReviewerID = reviewerID
		approval.Reason = reason
		approval.ResolvedAt = store.NowMillis()
		resolved = tx.PutApproval(approval)
		return appendEvent(tx, approval.TaskID, "approval", "approval.resolved", map[string]any{
			"approvalId": approvalID,
			"toolPath":   approval.ToolPath,
			"decision":   string(decision),
			"reviewerId": reviewerID,
			"reason":     reason,
		})
	})
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

// resolveTool finds a tool by exact path, then by normalized alias; a miss
// returns an unknown-tool error carrying ranked suggestions.
func resolveTool(snap *inventory.Snapshot, toolPath string) (*sources.ToolDefinition, string, error) {
	if tool, ok := snap.Tools[toolPath]; ok {
		return tool, toolPath, nil
	}

	if alias := resolveAlias(snap.Tools, toolPath); alias != "" {
		return snap.Tools[alias], alias, nil
	}

	suggestions := suggest(snap.Tools, toolPath, 3)
	msg := fmt.Sprintf("Unknown tool: %s", toolPath)
	if len(suggestions) > 0 {
		msg += fmt.Sprintf(". Did you mean: %s?", strings.Join(suggestions, ", "))
	}
	return nil, "", errs.New(errs.ErrToolUnknown, msg)
}

// decide runs the policy evaluation, expanding raw GraphQL operations into
// per-field paths so a single raw query cannot bypass field policies.
func (m *Mediator) decide(tool *sources.ToolDefinition, resolvedPath string, caller policy.Caller, policies []*store.AccessPolicy, input map[string]any) (store.Decision, string) {
	if kind, _ := tool.Metadata["kind"].(string); kind == "graphql" {
		if _, hasField := tool.Metadata["field"]; !hasField {
			if query, _ := input["query"].(string); query != "" {
				source := strings.SplitN(resolvedPath, ".", 2)[0]
				if paths := policy.GraphQLFieldPaths(source, query); len(paths) > 0 {
					return policy.DecidePaths(paths, tool.ApprovalRequired, caller, policies)
				}
			}
		}
	}
	return policy.Decide(policy.Tool{Path: resolvedPath, ApprovalRequired: tool.ApprovalRequired}, caller, policies), resolvedPath
}

func (m *Mediator) listPolicies(ctx context.Context, workspaceID string) ([]*store.AccessPolicy, error) {
	var policies []*store.AccessPolicy
	err := m.store.View(ctx, func(tx store.ReadTx) error {
		policies = tx.ListPolicies(workspaceID)
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.ErrInternal, "list policies", err)
	}
	return policies, nil
}

// upsertCall creates the (taskID, callID) row if absent and emits
// tool.call.started exactly once. It returns the pre-existing row when the
// call is a retry.
func (m *Mediator) upsertCall(ctx context.Context, task *store.Task, callID, toolPath string) (*store.ToolCall, error) {
	var prior *store.ToolCall
	err := m.store.Mutate(ctx, task.WorkspaceID, func(tx store.Tx) error {
		prior = nil
		if existing, ok := tx.GetToolCall(task.TaskID, callID); ok {
			prior = existing
			return nil
		}
		tx.PutToolCall(&store.ToolCall{
			TaskID:      task.TaskID,
			CallID:      callID,
			WorkspaceID: task.WorkspaceID,
			ToolPath:    toolPath,
			Status:      store.ToolCallRequested,
		})
		return appendEvent(tx, task.TaskID, "task", "tool.call.started", map[string]any{
			"callId":   callID,
			"toolPath": toolPath,
		})
	})
	if err != nil {
		return nil, errs.Wrap(errs.ErrInternal, "upsert tool call", err)
	}
	return prior, nil
}

// approvalGate parks the call on a pending approval, or lets it through
// once the approval is granted.
func (m *Mediator) approvalGate(ctx context.Context, task *store.Task, callID, toolPath string, input map[string]any) error {
	var gateErr error
	err := m.store.Mutate(ctx, task.WorkspaceID, func(tx store.Tx) error {
		gateErr = nil
		call, ok := tx.GetToolCall(task.TaskID, callID)
		if !ok {
			return errs.Newf(errs.ErrInternal, "tool call %s/%s missing during approval gate", task.TaskID, callID)
		}

		if call.ApprovalID != "" {
			approval, ok := tx.GetApproval(call.ApprovalID)
			if !ok {
				return errs.Newf(errs.ErrInternal, "approval %s missing", call.ApprovalID)
			}
			switch approval.Status {
			case store.ApprovalApproved:
				return nil
			case store.ApprovalDenied:
				call.Status = store.ToolCallDenied
				call.Error = approval.Reason
				tx.PutToolCall(call)
				gateErr = &DeniedError{ToolPath: toolPath, Reason: approval.Reason}
				return appendEvent(tx, task.TaskID, "task", "tool.call.denied", map[string]any{
					"callId":     callID,
					"toolPath":   toolPath,
					"approvalId": approval.ApprovalID,
					"reason":     approval.Reason,
				})
			default:
				gateErr = &PendingError{ApprovalID: approval.ApprovalID, RetryAfterMs: DefaultRetryAfterMs}
				return nil
			}
		}

		approvalID := "approval_" + uuid.NewString()
		tx.PutApproval(&store.Approval{
			ApprovalID:  approvalID,
			TaskID:      task.TaskID,
			WorkspaceID: task.WorkspaceID,
			ToolPath:    toolPath,
			Input:       input,
			Status:      store.ApprovalPending,
		})
		call.Status = store.ToolCallPendingApproval
		call.ApprovalID = approvalID
		tx.PutToolCall(call)
		gateErr = &PendingError{ApprovalID: approvalID, RetryAfterMs: DefaultRetryAfterMs}
		return appendEvent(tx, task.TaskID, "approval", "approval.requested", map[string]any{
			"approvalId": approvalID,
			"callId":     callID,
			"toolPath":   toolPath,
		})
	})
	if err != nil {
		return err
	}
	return gateErr
}

func (m *Mediator) markDenied(ctx context.Context, task *store.Task, callID, toolPath, reason string) error {
	return m.store.Mutate(ctx, task.WorkspaceID, func(tx store.Tx) error {
		call, ok := tx.GetToolCall(task.TaskID, callID)
		if !ok {
			return errs.Newf(errs.ErrInternal, "tool call %s/%s missing", task.TaskID, callID)
		}
		call.Status = store.ToolCallDenied
		call.Error = reason
		tx.PutToolCall(call)
		return appendEvent(tx, task.TaskID, "task", "tool.call.denied", map[string]any{
			"callId":   callID,
			"toolPath": toolPath,
			"reason":   reason,
		})
	})
}

func (m *Mediator) markFailed(ctx context.Context, task *store.Task, callID, toolPath, errMsg string) error {
	return m.store.Mutate(ctx, task.WorkspaceID, func(tx store.Tx) error {
		call, ok := tx.GetToolCall(task.TaskID, callID)
		if !ok {
			return errs.Newf(errs.ErrInternal, "tool call %s/%s missing", task.TaskID, callID)
		}
		call.Status = store.ToolCallFailed
		call.Error = errMsg
		tx.PutToolCall(call)
		return appendEvent(tx, task.TaskID, "task", "tool.call.failed", map[string]any{
			"callId":   callID,
			"toolPath": toolPath,
			"error":    errMsg,
		})
	})
}

func appendEvent(tx store.Tx, taskID, eventName, eventType string, payload map[string]any) error {
	_, err := tx.AppendTaskEvent(taskID, eventName, eventType, payload)
	return err
}

// markCompleted records success. The payload deliberately omits the output.
func (m *Mediator) markCompleted(ctx context.Context, task *store.Task, callID, toolPath string) error {
	return m.store.Mutate(ctx, task.WorkspaceID, func(tx store.Tx) error {
		call, ok := tx.GetToolCall(task.TaskID, callID)
		if !ok {
			return errs.Newf(errs.ErrInternal, "tool call %s/%s missing", task.TaskID, callID)
		}
		call.Status = store.ToolCallCompleted
		call.Error = ""
		tx.PutToolCall(call)
		return appendEvent(tx, task.TaskID, "task", "tool.call.completed", map[string]any{
			"callId":   callID,
			"toolPath": toolPath,
		})
	})
}
