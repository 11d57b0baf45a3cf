// SPDX-FileCopyrightText: Copyright 2025 Agentexec Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	errs "github.com/agentexec/agentexec/pkg/errors"
	"github.com/agentexec/agentexec/pkg/logger"
	"github.com/agentexec/agentexec/pkg/mediator"
	"github.com/agentexec/agentexec/pkg/store"
	"github.com/agentexec/agentexec/pkg/tasks"
)

// internalAPI is the callback surface remote sandbox workers use. Every
// request must carry the pre-shared internal secret, either in the
// X-Internal-Token header or in the request body.
type internalAPI struct {
	engine *tasks.Engine
	invoke tasks.ToolInvoker
	secret string
}

func newInternalAPI(engine *tasks.Engine, invoke tasks.ToolInvoker, secret string) *internalAPI {
	return &internalAPI{engine: engine, invoke: invoke, secret: secret}
}

// Mount attaches the internal routes to a router.
func (i *internalAPI) Mount(r chi.Router) {
	r.Post("/internal/runs/{runID}/tool-call", i.handleToolCall)
	r.Post("/internal/runs/{runID}/complete", i.handleComplete)
}

// authorized compares the presented secret in constant time. An empty
// configured secret disables the surface entirely.
func (i *internalAPI) authorized(r *http.Request, bodySecret string) bool {
	if i.secret == "" {
		return false
	}
	presented := r.Header.Get("X-Internal-Token")
	if presented == "" {
		presented = bodySecret
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(i.secret)) == 1
}

type toolCallRequest struct {
	InternalSecret string         `json:"internalSecret,omitempty"`
	CallID         string         `json:"callId"`
	ToolPath       string         `json:"toolPath"`
	Input          map[string]any `json:"input,omitempty"`
}

// toolCallResponse is the sum-typed result a worker consumes: exactly one
// of the ok/pending/denied/failed variants.
type toolCallResponse struct {
	OK           bool   `json:"ok"`
	Value        any    `json:"value,omitempty"`
	Kind         string `json:"kind,omitempty"`
	ApprovalID   string `json:"approvalId,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
	Error        string `json:"error,omitempty"`
}

// handleToolCall mediates one tool call on behalf of a remote run. All
// mediation outcomes answer 200; the body discriminates them.
func (i *internalAPI) handleToolCall(w http.ResponseWriter, r *http.Request) {
	var req toolCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON request body", http.StatusBadRequest)
		return
	}
	if !i.authorized(r, req.InternalSecret) {
		http.Error(w, "invalid internal secret", http.StatusUnauthorized)
		return
	}
	runID := chi.URLParam(r, "runID")
	if req.CallID == "" || req.ToolPath == "" {
		http.Error(w, "callId and toolPath are required", http.StatusBadRequest)
		return
	}

	task, err := i.engine.GetTask(r.Context(), runID)
	if err != nil {
		http.Error(w, "unknown run "+runID, http.StatusNotFound)
		return
	}

	value, err := i.invoke(r.Context(), task, req.CallID, req.ToolPath, req.Input)
	resp := toolCallResponse{OK: true, Value: value}
	if err != nil {
		var pending *mediator.PendingError
		var denied *mediator.DeniedError
		switch {
		case errors.As(err, &pending):
			resp = toolCallResponse{Kind: "pending", ApprovalID: pending.ApprovalID, RetryAfterMs: pending.RetryAfterMs}
		case errors.As(err, &denied):
			resp = toolCallResponse{Kind: "denied", Error: denied.Error()}
		default:
			resp = toolCallResponse{Kind: "failed", Error: err.Error()}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type completeRunRequest struct {
	InternalSecret string          `json:"internalSecret,omitempty"`
	Status         string          `json:"status"`
	ExitCode       *int            `json:"exitCode,omitempty"`
	Error          string          `json:"error,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	DurationMs     int64           `json:"durationMs,omitempty"`
}

// handleComplete records a run's terminal outcome. Workers retry this call,
// so a repeat on an already-final task answers ok with alreadyFinal.
func (i *internalAPI) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON request body", http.StatusBadRequest)
		return
	}
	if !i.authorized(r, req.InternalSecret) {
		http.Error(w, "invalid internal secret", http.StatusUnauthorized)
		return
	}
	runID := chi.URLParam(r, "runID")

	task, err := i.engine.GetTask(r.Context(), runID)
	if err != nil {
		http.Error(w, "unknown run "+runID, http.StatusNotFound)
		return
	}

	outcome := tasks.RunOutcome{
		Status:   store.TaskStatus(req.Status),
		ExitCode: req.ExitCode,
		Result:   req.Result,
		Error:    req.Error,
	}
	alreadyFinal, err := i.engine.CompleteRun(r.Context(), task.WorkspaceID, task.TaskID, outcome, req.DurationMs)
	if err != nil {
		if errs.IsType(err, errs.ErrValidation) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		logger.Errorw("recording run completion failed", "run", runID, "error", err.Error())
		http.Error(w, "completion failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "alreadyFinal": alreadyFinal})
}
