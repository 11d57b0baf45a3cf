// SPDX-FileCopyrightText: Copyright 2025 Agentexec Authors
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/agentexec/agentexec/pkg/logger"
	"github.com/agentexec/agentexec/pkg/store"
)

// SandboxRuntimeID names the remote sandbox-worker runtime.
const SandboxRuntimeID = "sandbox"

// RunRequest is the dispatch payload POSTed to the sandbox worker.
type RunRequest struct {
	TaskID    string      `json:"taskId"`
	Code      string      `json:"code"`
	TimeoutMs int64       `json:"timeoutMs"`
	Callback  RunCallback `json:"callback"`
}

// RunCallback tells the worker where to report completions and tool calls,
// and the shared secret those callbacks must present.
type RunCallback struct {
	URL            string `json:"url"`
	InternalSecret string `json:"internalSecret"`
}

// SandboxRuntime dispatches runs to an external worker over HTTP. The
// worker enforces the task timeout and reports the terminal state and any
// tool calls through the internal callback API.
type SandboxRuntime struct {
	workerURL      string
	callbackURL    string
	internalSecret string
	httpClient     *http.Client
}

// NewSandboxRuntime creates the remote runtime. callbackURL is this
// coordinator's /internal/runs base.
func NewSandboxRuntime(workerURL, callbackURL, internalSecret string, httpClient *http.Client) *SandboxRuntime {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &SandboxRuntime{
		workerURL:      strings.TrimRight(workerURL, "/"),
		callbackURL:    strings.TrimRight(callbackURL, "/"),
		internalSecret: internalSecret,
		httpClient:     httpClient,
	}
}

// ID implements Runtime.
func (*SandboxRuntime) ID() string { return SandboxRuntimeID }

// Run implements Runtime. It hands the task to the worker and returns a
// nil outcome; the worker completes the task asynchronously.
func (r *SandboxRuntime) Run(ctx context.Context, task *store.Task, _ ToolInvoker) (*RunOutcome, error) {
	payload, err := json.Marshal(RunRequest{
		TaskID:    task.TaskID,
		Code:      task.Code,
		TimeoutMs: task.TimeoutMs,
		Callback: RunCallback{
			URL:            r.callbackURL,
			InternalSecret: r.internalSecret,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode run request: %w", err)
	}

	operation := func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.workerURL+"/runs", bytes.NewReader(payload))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.httpClient.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		switch {
		case resp.StatusCode < 300:
			return struct{}{}, nil
		case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return struct{}{}, fmt.Errorf("worker returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		default:
			return struct{}{}, backoff.Permanent(
				fmt.Errorf("worker rejected run: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
		}
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 200 * time.Millisecond
	expBackoff.MaxInterval = 2 * time.Second

	_, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(3),
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.Warnw("sandbox dispatch retrying", "task", task.TaskID, "delay", d.String(), "error", err.Error())
		}))
	if err != nil {
		return nil, fmt.Errorf("dispatch to sandbox worker: %w", err)
	}
	return nil, nil
}
