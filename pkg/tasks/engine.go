// SPDX-FileCopyrightText: Copyright 2025 Agentexec Authors
// SPDX-License-Identifier: Apache-2.0

// Package tasks implements the task lifecycle engine: submission
// validation, queue admission, dispatch to a runtime, and terminal
// reconciliation via runtime callbacks.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	errs "github.com/agentexec/agentexec/pkg/errors"
	"github.com/agentexec/agentexec/pkg/logger"
	"github.com/agentexec/agentexec/pkg/mediator"
	"github.com/agentexec/agentexec/pkg/store"
)

const (
	// DefaultTimeoutMs bounds runs that declare no timeout.
	DefaultTimeoutMs = 60_000

	// MaxTimeoutMs caps the timeout a submission may request.
	MaxTimeoutMs = 10 * 60_000

	// waitPollInterval paces terminal polling for waited submissions on
	// asynchronous runtimes.
	waitPollInterval = 100 * time.Millisecond
)

// ToolInvoker routes a tool call from inside a run through the mediator.
type ToolInvoker func(ctx context.Context, task *store.Task, callID, toolPath string, input map[string]any) (any, error)

// RunOutcome is a runtime's synchronous verdict on a run.
type RunOutcome struct {
	Status   store.TaskStatus
	ExitCode *int
	Result   json.RawMessage
	Error    string
}

// Runtime executes task code. A nil outcome with a nil error means the
// runtime completes the task asynchronously through the internal callback
// API; the engine records task.dispatched and waits for completeRun.
type Runtime interface {
	ID() string
	Run(ctx context.Context, task *store.Task, invoke ToolInvoker) (*RunOutcome, error)
}

// SubmitRequest is a validated task submission.
type SubmitRequest struct {
	WorkspaceID   string
	AccountID     string
	ActorID       string
	ClientID      string
	Code          string
	RuntimeID     string
	TimeoutMs     int64
	Metadata      map[string]any
	WaitForResult bool
}

// Engine drives tasks through their lifecycle.
type Engine struct {
	store    store.Store
	invoke   ToolInvoker
	runtimes map[string]Runtime
}

// NewEngine creates an Engine over the given runtimes.
func NewEngine(st store.Store, invoke ToolInvoker, runtimes ...Runtime) *Engine {
	byID := make(map[string]Runtime, len(runtimes))
	for _, rt := range runtimes {
		byID[rt.ID()] = rt
	}
	return &Engine{store: st, invoke: invoke, runtimes: byID}
}

// Submit validates a submission, inserts the queued task with its first
// events in one mutation, and dispatches it. Waited submissions return the
// terminal record; others return the queued row immediately.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*store.Task, error) {
	if strings.TrimSpace(req.Code) == "" {
		return nil, errs.New(errs.ErrValidation, "task code must not be empty")
	}
	if req.WorkspaceID == "" {
		return nil, errs.New(errs.ErrValidation, "task needs a workspace")
	}
	runtimeID := req.RuntimeID
	if runtimeID == "" {
		runtimeID = e.defaultRuntimeID()
	}
	if _, ok := e.runtimes[runtimeID]; !ok {
		return nil, errs.Newf(errs.ErrValidation, "unknown runtime %q", runtimeID)
	}
	timeoutMs := req.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = DefaultTimeoutMs
	}
	if timeoutMs > MaxTimeoutMs {
		timeoutMs = MaxTimeoutMs
	}

	task := &store.Task{
		TaskID:      "task_" + uuid.NewString(),
		WorkspaceID: req.WorkspaceID,
		AccountID:   req.AccountID,
		ActorID:     req.ActorID,
		ClientID:    req.ClientID,
		Code:        req.Code,
		RuntimeID:   runtimeID,
		TimeoutMs:   timeoutMs,
		Metadata:    req.Metadata,
		Status:      store.TaskQueued,
	}

	err := e.store.Mutate(ctx, req.WorkspaceID, func(tx store.Tx) error {
		tx.PutTask(task)
		if err := appendEvent(tx, task.TaskID, "task.created", map[string]any{
			"runtimeId": runtimeID,
			"actorId":   req.ActorID,
			"clientId":  req.ClientID,
		}); err != nil {
			return err
		}
		return appendEvent(tx, task.TaskID, "task.queued", nil)
	})
	if err != nil {
		return nil, errs.Wrap(errs.ErrInternal, "persist submission", err)
	}

	if req.WaitForResult {
		e.Dispatch(ctx, task.TaskID)
		return e.waitTerminal(ctx, task.TaskID, timeoutMs)
	}

	go e.Dispatch(context.WithoutCancel(ctx), task.TaskID)
	return task, nil
}

// GetTask returns a task by id.
func (e *Engine) GetTask(ctx context.Context, taskID string) (*store.Task, error) {
	var task *store.Task
	err := e.store.View(ctx, func(tx store.ReadTx) error {
		t, ok := tx.GetTask(taskID)
		if !ok {
			return errs.Newf(errs.ErrValidation, "unknown task %s", taskID)
		}
		task = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// MarkRunning moves a queued task to running. A non-queued task yields a
// nil row and no error, making retries harmless.
func (e *Engine) MarkRunning(ctx context.Context, workspaceID, taskID string) (*store.Task, error) {
	var updated *store.Task
	err := e.store.Mutate(ctx, workspaceID, func(tx store.Tx) error {
		updated = nil
		task, ok := tx.GetTask(taskID)
		if !ok {
			return errs.Newf(errs.ErrValidation, "unknown task %s", taskID)
		}
		if task.Status != store.TaskQueued {
			return nil
		}
		task.Status = store.TaskRunning
		updated = tx.PutTask(task)
		return appendEvent(tx, taskID, "task.running", nil)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// CompleteRun performs the terminal transition reported by a runtime. When
// the task is already terminal the call is a no-op returning
// alreadyFinal=true.
func (e *Engine) CompleteRun(ctx context.Context, workspaceID, taskID string, outcome RunOutcome, durationMs int64) (alreadyFinal bool, err error) {
	if !outcome.Status.IsTerminal() {
		return false, errs.Newf(errs.ErrValidation, "status %q is not terminal", outcome.Status)
	}
	err = e.store.Mutate(ctx, workspaceID, func(tx store.Tx) error {
		alreadyFinal = false
		task, ok := tx.GetTask(taskID)
		if !ok {
			return errs.Newf(errs.ErrValidation, "unknown task %s", taskID)
		}
		if task.Status.IsTerminal() {
			alreadyFinal = true
			return nil
		}
		task.Status = outcome.Status
		task.ExitCode = outcome.ExitCode
		task.Error = outcome.Error
		task.Result = outcome.Result
		task.CompletedAt = store.NowMillis()
		tx.PutTask(task)

		payload := map[string]any{}
		if outcome.ExitCode != nil {
			payload["exitCode"] = *outcome.ExitCode
		}
		if outcome.Error != "" {
			payload["error"] = outcome.Error
		}
		if durationMs > 0 {
			payload["durationMs"] = durationMs
		}
		return appendEvent(tx, taskID, "task."+string(outcome.Status), payload)
	})
	return alreadyFinal, err
}

// Dispatch runs a queued task on its runtime. Errors surface on the task
// record, never to the caller.
func (e *Engine) Dispatch(ctx context.Context, taskID string) {
	task, err := e.GetTask(ctx, taskID)
	if err != nil {
		logger.Warnw("dispatch lookup failed", "task", taskID, "error", err.Error())
		return
	}
	if task.Status.IsTerminal() {
		return
	}

	if task.Status == store.TaskQueued {
		if _, err := e.MarkRunning(ctx, task.WorkspaceID, taskID); err != nil {
			logger.Warnw("mark running failed", "task", taskID, "error", err.Error())
			return
		}
		task.Status = store.TaskRunning
	}

	rt, ok := e.runtimes[task.RuntimeID]
	if !ok {
		e.finish(ctx, task, RunOutcome{Status: store.TaskFailed,
			Error: "runtime " + task.RuntimeID + " is not enabled"}, 0)
		return
	}

	started := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(task.TimeoutMs)*time.Millisecond)
	defer cancel()

	outcome, runErr := rt.Run(runCtx, task, e.invoke)
	elapsed := time.Since(started).Milliseconds()

	switch {
	case runErr != nil:
		e.finish(ctx, task, classifyRunError(runErr), elapsed)
	case outcome != nil:
		e.finish(ctx, task, *outcome, elapsed)
	default:
		// Asynchronous runtime: it acknowledged the run and will complete it
		// through the internal callback API.
		err := e.store.Mutate(ctx, task.WorkspaceID, func(tx store.Tx) error {
			return appendEvent(tx, taskID, "task.dispatched", map[string]any{
				"runtimeId": task.RuntimeID,
			})
		})
		if err != nil {
			logger.Warnw("recording dispatch failed", "task", taskID, "error", err.Error())
		}
	}
}

// RecoverQueued re-dispatches tasks left queued by a previous process, in
// admission order.
func (e *Engine) RecoverQueued(ctx context.Context) error {
	var queued []*store.Task
	err := e.store.View(ctx, func(tx store.ReadTx) error {
		queued = tx.ListTasksByStatus(store.TaskQueued)
		return nil
	})
	if err != nil {
		return err
	}
	for _, task := range queued {
		logger.Infow("re-dispatching queued task", "task", task.TaskID, "workspace", task.WorkspaceID)
		go e.Dispatch(context.WithoutCancel(ctx), task.TaskID)
	}
	return nil
}

func (e *Engine) finish(ctx context.Context, task *store.Task, outcome RunOutcome, durationMs int64) {
	if _, err := e.CompleteRun(ctx, task.WorkspaceID, task.TaskID, outcome, durationMs); err != nil {
		logger.Errorw("terminal transition failed", "task", task.TaskID, "error", err.Error())
	}
}

// classifyRunError maps a runtime error to a terminal outcome: denials
// terminate denied, deadline expiry terminates timed_out, everything else
// fails.
func classifyRunError(err error) RunOutcome {
	one := 1
	var denied *mediator.DeniedError
	switch {
	case errors.As(err, &denied):
		return RunOutcome{Status: store.TaskDenied, ExitCode: &one, Error: denied.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return RunOutcome{Status: store.TaskTimedOut, ExitCode: &one, Error: "run exceeded its timeout"}
	default:
		return RunOutcome{Status: store.TaskFailed, ExitCode: &one, Error: err.Error()}
	}
}

// waitTerminal polls until the task reaches a terminal state. The deadline
// allows the full run timeout plus scheduling slack.
func (e *Engine) waitTerminal(ctx context.Context, taskID string, timeoutMs int64) (*store.Task, error) {
	deadline := time.Now().Add(time.Duration(timeoutMs)*time.Millisecond + 5*time.Second)
	for {
		task, err := e.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if task.Status.IsTerminal() {
			return task, nil
		}
		if time.Now().After(deadline) {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return task, nil
		case <-time.After(waitPollInterval):
		}
	}
}

func (e *Engine) defaultRuntimeID() string {
	if _, ok := e.runtimes[LocalRuntimeID]; ok {
		return LocalRuntimeID
	}
	for id := range e.runtimes {
		return id
	}
	return ""
}

func appendEvent(tx store.Tx, taskID, eventType string, payload map[string]any) error {
	_, err := tx.AppendTaskEvent(taskID, "task", eventType, payload)
	return err
}
