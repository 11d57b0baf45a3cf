// SPDX-FileCopyrightText: Copyright 2025 Agentexec Authors
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/agentexec/agentexec/pkg/errors"
	"github.com/agentexec/agentexec/pkg/mediator"
	"github.com/agentexec/agentexec/pkg/store"
)

func noToolInvoker(t *testing.T) ToolInvoker {
	return func(context.Context, *store.Task, string, string, map[string]any) (any, error) {
		t.Fatal("no tool call expected")
		return nil, nil
	}
}

func eventTypes(t *testing.T, st *store.MemoryStore, taskID string) []string {
	t.Helper()
	var types []string
	require.NoError(t, st.View(context.Background(), func(tx store.ReadTx) error {
		for _, e := range tx.ListTaskEvents(taskID) {
			types = append(types, e.Type)
		}
		return nil
	}))
	return types
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore()
	engine := NewEngine(st, noToolInvoker(t), NewLocalRuntime())

	_, err := engine.Submit(context.Background(), SubmitRequest{WorkspaceID: "ws1", Code: "   "})
	require.Error(t, err)
	assert.True(t, errs.IsType(err, errs.ErrValidation))

	_, err = engine.Submit(context.Background(), SubmitRequest{
		WorkspaceID: "ws1", Code: "return 1", RuntimeID: "quantum",
	})
	require.Error(t, err)
	assert.True(t, errs.IsType(err, errs.ErrValidation))
	assert.Contains(t, err.Error(), "quantum")
}

func TestSubmitWaitedHappyPath(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore()
	engine := NewEngine(st, noToolInvoker(t), NewLocalRuntime())

	task, err := engine.Submit(context.Background(), SubmitRequest{
		WorkspaceID: "ws1", ActorID: "actor1", Code: "return 1 + 1", WaitForResult: true,
	})
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, task.Status)
	require.NotNil(t, task.ExitCode)
	assert.Equal(t, 0, *task.ExitCode)
	assert.JSONEq(t, "2", string(task.Result))

	assert.Equal(t,
		[]string{"task.created", "task.queued", "task.running", "task.completed"},
		eventTypes(t, st, task.TaskID))
}

func TestLocalRuntimeToolCall(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore()

	var gotPath atomic.Value
	invoker := func(_ context.Context, _ *store.Task, callID, toolPath string, input map[string]any) (any, error) {
		gotPath.Store(toolPath)
		assert.Equal(t, "call_0", callID)
		assert.Equal(t, map[string]any{"channel": "general", "message": "hi"}, input)
		return map[string]any{"delivered": true, "message": input["message"]}, nil
	}
	engine := NewEngine(st, invoker, NewLocalRuntime())

	task, err := engine.Submit(context.Background(), SubmitRequest{
		WorkspaceID:   "ws1",
		Code:          "return await tools.admin.send_announcement({channel:'general', message:'hi'})",
		WaitForResult: true,
	})
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, task.Status)
	assert.Equal(t, "admin.send_announcement", gotPath.Load())
	assert.Contains(t, string(task.Result), "hi")
}

func TestLocalRuntimeRetriesPendingApproval(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore()

	var attempts atomic.Int32
	invoker := func(context.Context, *store.Task, string, string, map[string]any) (any, error) {
		if attempts.Add(1) < 3 {
			return nil, &mediator.PendingError{ApprovalID: "approval_1", RetryAfterMs: 10}
		}
		return "sent", nil
	}
	engine := NewEngine(st, invoker, NewLocalRuntime())

	task, err := engine.Submit(context.Background(), SubmitRequest{
		WorkspaceID:   "ws1",
		Code:          "return await tools.admin.send_announcement({message: 'hi'})",
		WaitForResult: true,
	})
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, task.Status)
	assert.EqualValues(t, 3, attempts.Load())
}

func TestDeniedToolCallTerminatesDenied(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore()

	invoker := func(context.Context, *store.Task, string, string, map[string]any) (any, error) {
		return nil, &mediator.DeniedError{ToolPath: "admin.send_announcement", Reason: "not allowed"}
	}
	engine := NewEngine(st, invoker, NewLocalRuntime())

	task, err := engine.Submit(context.Background(), SubmitRequest{
		WorkspaceID:   "ws1",
		Code:          "return await tools.admin.send_announcement({message: 'hi'})",
		WaitForResult: true,
	})
	require.NoError(t, err)
	assert.Equal(t, store.TaskDenied, task.Status)
	assert.Contains(t, task.Error, "APPROVAL_DENIED")
	assert.Contains(t, eventTypes(t, st, task.TaskID), "task.denied")
}

func TestTimeoutTerminatesTimedOut(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore()

	// Forever-pending approval: the run deadline fires first.
	invoker := func(context.Context, *store.Task, string, string, map[string]any) (any, error) {
		return nil, &mediator.PendingError{ApprovalID: "approval_1", RetryAfterMs: 10}
	}
	engine := NewEngine(st, invoker, NewLocalRuntime())

	task, err := engine.Submit(context.Background(), SubmitRequest{
		WorkspaceID:   "ws1",
		Code:          "return await tools.admin.send_announcement({message: 'hi'})",
		TimeoutMs:     150,
		WaitForResult: true,
	})
	require.NoError(t, err)
	assert.Equal(t, store.TaskTimedOut, task.Status)
}

func TestMarkRunningIdempotent(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore()
	engine := NewEngine(st, noToolInvoker(t), NewLocalRuntime())

	require.NoError(t, st.Mutate(context.Background(), "ws1", func(tx store.Tx) error {
		tx.PutTask(&store.Task{TaskID: "task_1", WorkspaceID: "ws1", Status: store.TaskQueued})
		return nil
	}))

	first, err := engine.MarkRunning(context.Background(), "ws1", "task_1")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, store.TaskRunning, first.Status)

	second, err := engine.MarkRunning(context.Background(), "ws1", "task_1")
	require.NoError(t, err)
	assert.Nil(t, second)

	assert.Equal(t, []string{"task.running"}, eventTypes(t, st, "task_1"))
}

func TestCompleteRunIdempotent(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore()
	engine := NewEngine(st, noToolInvoker(t), NewLocalRuntime())

	require.NoError(t, st.Mutate(context.Background(), "ws1", func(tx store.Tx) error {
		tx.PutTask(&store.Task{TaskID: "task_1", WorkspaceID: "ws1", Status: store.TaskRunning})
		return nil
	}))

	zero := 0
	alreadyFinal, err := engine.CompleteRun(context.Background(), "ws1", "task_1",
		RunOutcome{Status: store.TaskCompleted, ExitCode: &zero, Result: json.RawMessage("2")}, 42)
	require.NoError(t, err)
	assert.False(t, alreadyFinal)

	alreadyFinal, err = engine.CompleteRun(context.Background(), "ws1", "task_1",
		RunOutcome{Status: store.TaskFailed, Error: "late worker"}, 99)
	require.NoError(t, err)
	assert.True(t, alreadyFinal)

	task, err := engine.GetTask(context.Background(), "task_1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, task.Status)
	assert.Empty(t, task.Error)

	_, err = engine.CompleteRun(context.Background(), "ws1", "task_1",
		RunOutcome{Status: store.TaskRunning}, 0)
	require.Error(t, err)
	assert.True(t, errs.IsType(err, errs.ErrValidation))
}

func TestRecoverQueuedDispatches(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore()
	engine := NewEngine(st, noToolInvoker(t), NewLocalRuntime())

	require.NoError(t, st.Mutate(context.Background(), "ws1", func(tx store.Tx) error {
		tx.PutTask(&store.Task{
			TaskID: "task_1", WorkspaceID: "ws1", Status: store.TaskQueued,
			Code: "return 7", RuntimeID: LocalRuntimeID, TimeoutMs: 5000,
		})
		return nil
	}))

	require.NoError(t, engine.RecoverQueued(context.Background()))
	require.Eventually(t, func() bool {
		task, err := engine.GetTask(context.Background(), "task_1")
		return err == nil && task.Status == store.TaskCompleted
	}, 2*time.Second, 20*time.Millisecond)
}

func TestNormalizeObjectLiteral(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		`{channel:'general', message:'hi'}`: `{"channel":"general", "message":"hi"}`,
		`{"a": 1, b: true, c: null}`:        `{"a": 1, "b": true, "c": null}`,
		`{msg: 'it\'s fine'}`:               `{"msg": "it's fine"}`,
		`[1, 2, 'three']`:                   `[1, 2, "three"]`,
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizeObjectLiteral(in), "input %s", in)
	}
}

func TestObjectLiteralEscapeRoundTrip(t *testing.T) {
	t.Parallel()
	cases := map[string]struct {
		in   string
		want map[string]any
	}{
		"strict json passes through": {
			in:   `{"msg":"a\nb\tc"}`,
			want: map[string]any{"msg": "a\nb\tc"},
		},
		"html-safe unicode escapes": {
			in:   `{"frag":"\u003cb\u003e \u0026 more"}`,
			want: map[string]any{"frag": "<b> & more"},
		},
		"relaxed literal with escapes": {
			in:   `{msg: 'line one\nline two'}`,
			want: map[string]any{"msg": "line one\nline two"},
		},
		"relaxed unicode escape": {
			in:   `{arrow: '\u2192'}`,
			want: map[string]any{"arrow": "→"},
		},
		"surrogate pair": {
			in:   `{face: '\ud83d\ude00'}`,
			want: map[string]any{"face": "😀"},
		},
		"escaped quote and backslash": {
			in:   `{path: 'C:\\tmp says \'hi\''}`,
			want: map[string]any{"path": `C:\tmp says 'hi'`},
		},
	}
	for name, tc := range cases {
		normalized := normalizeObjectLiteral(tc.in)
		var got map[string]any
		require.NoError(t, json.Unmarshal([]byte(normalized), &got), "%s: normalized %s", name, normalized)
		assert.Equal(t, tc.want, got, name)
	}
}

func TestEvalExpression(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		expr string
		want any
	}{
		{"1 + 1", float64(2)},
		{"2 * (3 + 4)", float64(14)},
		{"10 / 4", 2.5},
		{"42", float64(42)},
		{"'hello'", "hello"},
		{"true", true},
		{"{a: 1}", map[string]any{"a": float64(1)}},
	} {
		got, err := evalExpression(tc.expr)
		require.NoError(t, err, "expr %s", tc.expr)
		assert.Equal(t, tc.want, got, "expr %s", tc.expr)
	}

	_, err := evalExpression("process.exit(1)")
	require.Error(t, err)
	assert.True(t, errs.IsType(err, errs.ErrValidation))
}
