// SPDX-FileCopyrightText: Copyright 2025 Agentexec Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	errs "github.com/agentexec/agentexec/pkg/errors"
	"github.com/agentexec/agentexec/pkg/inventory"
	"github.com/agentexec/agentexec/pkg/logger"
	"github.com/agentexec/agentexec/pkg/mediator"
	"github.com/agentexec/agentexec/pkg/store"
	"github.com/agentexec/agentexec/pkg/tasks"
)

// apiRoutes is the JSON management surface: tasks, approvals, tool
// sources, policies, and the compiled tool catalog.
type apiRoutes struct {
	store     store.Store
	engine    *tasks.Engine
	mediator  *mediator.Mediator
	inventory *inventory.Inventory
}

func newAPIRoutes(st store.Store, engine *tasks.Engine, med *mediator.Mediator, inv *inventory.Inventory) *apiRoutes {
	return &apiRoutes{store: st, engine: engine, mediator: med, inventory: inv}
}

// Mount attaches the API routes to a router. The auth middleware runs
// before every handler here.
func (a *apiRoutes) Mount(r chi.Router) {
	r.Post("/api/tasks", a.submitTask)
	r.Get("/api/tasks/{taskID}", a.getTask)
	r.Get("/api/tasks/{taskID}/events", a.listTaskEvents)
	r.Get("/api/approvals", a.listApprovals)
	r.Post("/api/approvals/{approvalID}/resolve", a.resolveApproval)
	r.Get("/api/sources", a.listSources)
	r.Post("/api/sources", a.createSource)
	r.Put("/api/sources/{sourceID}", a.updateSource)
	r.Get("/api/tools", a.listTools)
	r.Get("/api/declarations/{hash}", a.getDeclarations)
	r.Post("/api/inventory/rebuild", a.rebuildInventory)
	r.Get("/api/policies", a.listPolicies)
	r.Post("/api/policies", a.createPolicy)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warnw("encoding response failed", "error", err.Error())
	}
}

// writeError maps the domain taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errs.TypeOf(err) {
	case errs.ErrValidation:
		status = http.StatusBadRequest
	case errs.ErrUnauthorized:
		status = http.StatusUnauthorized
	case errs.ErrForbidden:
		status = http.StatusForbidden
	case errs.ErrIdempotencyConflict:
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{
		"error":   errs.TypeOf(err),
		"message": err.Error(),
	})
}

func identityOr401(w http.ResponseWriter, r *http.Request) (*Identity, bool) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		writeError(w, errs.New(errs.ErrUnauthorized, "request is not authenticated"))
	}
	return id, ok
}

// taskView is the wire shape of a task record.
type taskView struct {
	TaskID      string          `json:"taskId"`
	WorkspaceID string          `json:"workspaceId"`
	ActorID     string          `json:"actorId,omitempty"`
	ClientID    string          `json:"clientId,omitempty"`
	RuntimeID   string          `json:"runtimeId"`
	Status      string          `json:"status"`
	TimeoutMs   int64           `json:"timeoutMs"`
	ExitCode    *int            `json:"exitCode,omitempty"`
	Error       string          `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   int64           `json:"createdAt"`
	CompletedAt int64           `json:"completedAt,omitempty"`
}

func viewTask(t *store.Task) taskView {
	return taskView{
		TaskID:      t.TaskID,
		WorkspaceID: t.WorkspaceID,
		ActorID:     t.ActorID,
		ClientID:    t.ClientID,
		RuntimeID:   t.RuntimeID,
		Status:      string(t.Status),
		TimeoutMs:   t.TimeoutMs,
		ExitCode:    t.ExitCode,
		Error:       t.Error,
		Result:      t.Result,
		CreatedAt:   t.CreatedAt,
		CompletedAt: t.CompletedAt,
	}
}

type submitTaskRequest struct {
	Code          string         `json:"code"`
	RuntimeID     string         `json:"runtimeId,omitempty"`
	TimeoutMs     int64          `json:"timeoutMs,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	WaitForResult bool           `json:"waitForResult,omitempty"`
}

func (a *apiRoutes) submitTask(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.ErrValidation, "invalid JSON request body"))
		return
	}

	task, err := a.engine.Submit(r.Context(), tasks.SubmitRequest{
		WorkspaceID:   id.WorkspaceID,
		AccountID:     id.AccountID,
		ActorID:       id.ActorID,
		ClientID:      id.ClientID,
		Code:          req.Code,
		RuntimeID:     req.RuntimeID,
		TimeoutMs:     req.TimeoutMs,
		Metadata:      req.Metadata,
		WaitForResult: req.WaitForResult,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusAccepted
	if task.Status.IsTerminal() {
		status = http.StatusOK
	}
	writeJSON(w, status, viewTask(task))
}

// loadWorkspaceTask fetches a task and enforces workspace ownership.
func (a *apiRoutes) loadWorkspaceTask(r *http.Request, id *Identity) (*store.Task, error) {
	task, err := a.engine.GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		return nil, err
	}
	if task.WorkspaceID != id.WorkspaceID {
		return nil, errs.New(errs.ErrForbidden, "task belongs to another workspace")
	}
	return task, nil
}

func (a *apiRoutes) getTask(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	task, err := a.loadWorkspaceTask(r, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewTask(task))
}

type eventView struct {
	Sequence  int64          `json:"sequence"`
	TaskID    string         `json:"taskId"`
	EventName string         `json:"eventName"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt int64          `json:"createdAt"`
}

func (a *apiRoutes) listTaskEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	task, err := a.loadWorkspaceTask(r, id)
	if err != nil {
		writeError(w, err)
		return
	}

	var events []*store.TaskEvent
	err = a.store.View(r.Context(), func(tx store.ReadTx) error {
		events = tx.ListTaskEvents(task.TaskID)
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]eventView, 0, len(events))
	for _, e := range events {
		payload := e.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		out = append(out, eventView{
			Sequence:  e.Sequence,
			TaskID:    e.TaskID,
			EventName: e.EventName,
			Type:      e.Type,
			Payload:   payload,
			CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type approvalView struct {
	ApprovalID string         `json:"approvalId"`
	TaskID     string         `json:"taskId"`
	ToolPath   string         `json:"toolPath"`
	Input      map[string]any `json:"input,omitempty"`
	Status     string         `json:"status"`
	ReviewerID string         `json:"reviewerId,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	CreatedAt  int64          `json:"createdAt"`
	ResolvedAt int64          `json:"resolvedAt,omitempty"`
}

func viewApproval(ap *store.Approval) approvalView {
	return approvalView{
		ApprovalID: ap.ApprovalID,
		TaskID:     ap.TaskID,
		ToolPath:   ap.ToolPath,
		Input:      ap.Input,
		Status:     string(ap.Status),
		ReviewerID: ap.ReviewerID,
		Reason:     ap.Reason,
		CreatedAt:  ap.CreatedAt,
		ResolvedAt: ap.ResolvedAt,
	}
}

func (a *apiRoutes) listApprovals(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	status := store.ApprovalStatus(r.URL.Query().Get("status"))

	var approvals []*store.Approval
	err := a.store.View(r.Context(), func(tx store.ReadTx) error {
		approvals = tx.ListApprovals(id.WorkspaceID, status)
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]approvalView, 0, len(approvals))
	for _, ap := range approvals {
		out = append(out, viewApproval(ap))
	}
	writeJSON(w, http.StatusOK, out)
}

type resolveApprovalRequest struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

// resolveApproval resolves a pending approval. Resolving a non-pending
// approval answers 200 with a null body, matching the idempotent no-op
// contract.
func (a *apiRoutes) resolveApproval(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	var req resolveApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.ErrValidation, "invalid JSON request body"))
		return
	}

	resolved, err := a.mediator.ResolveApproval(r.Context(), id.WorkspaceID,
		chi.URLParam(r, "approvalID"), store.ApprovalStatus(req.Decision), id.ActorID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	if resolved == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, viewApproval(resolved))
}

type sourceView struct {
	SourceID  string         `json:"sourceId"`
	Name      string         `json:"name"`
	Type      string         `json:"type"`
	Config    map[string]any `json:"config,omitempty"`
	Enabled   bool           `json:"enabled"`
	CreatedAt int64          `json:"createdAt"`
	UpdatedAt int64          `json:"updatedAt"`
}

func viewSource(s *store.ToolSource) sourceView {
	return sourceView{
		SourceID:  s.SourceID,
		Name:      s.Name,
		Type:      string(s.Type),
		Config:    s.Config,
		Enabled:   s.Enabled,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

func (a *apiRoutes) listSources(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	var srcs []*store.ToolSource
	err := a.store.View(r.Context(), func(tx store.ReadTx) error {
		srcs = tx.ListToolSources(id.WorkspaceID)
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]sourceView, 0, len(srcs))
	for _, s := range srcs {
		out = append(out, viewSource(s))
	}
	writeJSON(w, http.StatusOK, out)
}

type sourceRequest struct {
	Name    string         `json:"name"`
	Type    string         `json:"type"`
	Config  map[string]any `json:"config,omitempty"`
	Enabled *bool          `json:"enabled,omitempty"`
}

func validSourceType(t string) bool {
	switch store.SourceType(t) {
	case store.SourceMCP, store.SourceOpenAPI, store.SourceGraphQL:
		return true
	}
	return false
}

func (a *apiRoutes) createSource(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	var req sourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.ErrValidation, "invalid JSON request body"))
		return
	}
	if req.Name == "" {
		writeError(w, errs.New(errs.ErrValidation, "source name must not be empty"))
		return
	}
	if !validSourceType(req.Type) {
		writeError(w, errs.Newf(errs.ErrValidation, "unknown source type %q", req.Type))
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	source := &store.ToolSource{
		SourceID:    "source_" + uuid.NewString(),
		WorkspaceID: id.WorkspaceID,
		Name:        req.Name,
		Type:        store.SourceType(req.Type),
		Config:      req.Config,
		Enabled:     enabled,
	}
	err := a.store.Mutate(r.Context(), id.WorkspaceID, func(tx store.Tx) error {
		stored, err := tx.PutToolSource(source)
		if err != nil {
			return err
		}
		source = stored
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeJSON(w, http.StatusConflict, map[string]string{
				"error":   "conflict",
				"message": "a source named " + req.Name + " already exists in this workspace",
			})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewSource(source))
}

func (a *apiRoutes) updateSource(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	var req sourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.ErrValidation, "invalid JSON request body"))
		return
	}
	sourceID := chi.URLParam(r, "sourceID")

	var updated *store.ToolSource
	err := a.store.Mutate(r.Context(), id.WorkspaceID, func(tx store.Tx) error {
		source, ok := tx.GetToolSource(sourceID)
		if !ok {
			return errs.Newf(errs.ErrValidation, "unknown source %s", sourceID)
		}
		if source.WorkspaceID != id.WorkspaceID {
			return errs.New(errs.ErrForbidden, "source belongs to another workspace")
		}
		if req.Name != "" {
			source.Name = req.Name
		}
		if req.Type != "" {
			if !validSourceType(req.Type) {
				return errs.Newf(errs.ErrValidation, "unknown source type %q", req.Type)
			}
			source.Type = store.SourceType(req.Type)
		}
		if req.Config != nil {
			source.Config = req.Config
		}
		if req.Enabled != nil {
			source.Enabled = *req.Enabled
		}
		stored, err := tx.PutToolSource(source)
		if err != nil {
			return err
		}
		updated = stored
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewSource(updated))
}

// listTools serves the compiled catalog for the caller's workspace.
func (a *apiRoutes) listTools(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	snap, err := a.inventory.ToolMap(r.Context(), id.WorkspaceID, inventory.ToolMapOptions{})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"buildId":          snap.BuildID,
		"signature":        snap.Signature,
		"declarationsHash": snap.DeclarationsHash,
		"tools":            json.RawMessage(snap.Serialized),
		"warnings":         snap.Warnings,
	})
}

func (a *apiRoutes) getDeclarations(w http.ResponseWriter, r *http.Request) {
	if _, ok := identityOr401(w, r); !ok {
		return
	}
	blob, ok := a.inventory.Declarations(chi.URLParam(r, "hash"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error":   "not_found",
			"message": "no declarations stored under that hash",
		})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(blob)
}

func (a *apiRoutes) rebuildInventory(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	buildID, err := a.inventory.Rebuild(r.Context(), id.WorkspaceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"buildId": buildID})
}

type policyView struct {
	PolicyID        string `json:"policyId"`
	ToolPathPattern string `json:"toolPathPattern"`
	ActorID         string `json:"actorId,omitempty"`
	ClientID        string `json:"clientId,omitempty"`
	Decision        string `json:"decision"`
	Priority        int    `json:"priority"`
	CreatedAt       int64  `json:"createdAt"`
}

func (a *apiRoutes) listPolicies(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	var policies []*store.AccessPolicy
	err := a.store.View(r.Context(), func(tx store.ReadTx) error {
		policies = tx.ListPolicies(id.WorkspaceID)
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]policyView, 0, len(policies))
	for _, p := range policies {
		out = append(out, policyView{
			PolicyID:        p.PolicyID,
			ToolPathPattern: p.ToolPathPattern,
			ActorID:         p.ActorID,
			ClientID:        p.ClientID,
			Decision:        string(p.Decision),
			Priority:        p.Priority,
			CreatedAt:       p.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type policyRequest struct {
	ToolPathPattern string `json:"toolPathPattern"`
	ActorID         string `json:"actorId,omitempty"`
	ClientID        string `json:"clientId,omitempty"`
	Decision        string `json:"decision"`
	Priority        int    `json:"priority,omitempty"`
}

func (a *apiRoutes) createPolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	var req policyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.ErrValidation, "invalid JSON request body"))
		return
	}
	if req.ToolPathPattern == "" {
		writeError(w, errs.New(errs.ErrValidation, "toolPathPattern must not be empty"))
		return
	}
	switch store.Decision(req.Decision) {
	case store.DecisionAllow, store.DecisionRequireApproval, store.DecisionDeny:
	default:
		writeError(w, errs.Newf(errs.ErrValidation, "unknown decision %q", req.Decision))
		return
	}

	row := &store.AccessPolicy{
		PolicyID:        "policy_" + uuid.NewString(),
		WorkspaceID:     id.WorkspaceID,
		ToolPathPattern: req.ToolPathPattern,
		ActorID:         req.ActorID,
		ClientID:        req.ClientID,
		Decision:        store.Decision(req.Decision),
		Priority:        req.Priority,
	}
	err := a.store.Mutate(r.Context(), id.WorkspaceID, func(tx store.Tx) error {
		row = tx.PutPolicy(row)
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, policyView{
		PolicyID:        row.PolicyID,
		ToolPathPattern: row.ToolPathPattern,
		ActorID:         row.ActorID,
		ClientID:        row.ClientID,
		Decision:        string(row.Decision),
		Priority:        row.Priority,
		CreatedAt:       row.CreatedAt,
	})
}
