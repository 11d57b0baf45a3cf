// SPDX-FileCopyrightText: Copyright 2025 Agentexec Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentexec/agentexec/pkg/authserver"
	"github.com/agentexec/agentexec/pkg/config"
	"github.com/agentexec/agentexec/pkg/credentials"
	"github.com/agentexec/agentexec/pkg/inventory"
	"github.com/agentexec/agentexec/pkg/mediator"
	"github.com/agentexec/agentexec/pkg/sessions"
	"github.com/agentexec/agentexec/pkg/sources"
	"github.com/agentexec/agentexec/pkg/store"
	"github.com/agentexec/agentexec/pkg/tasks"
)

// stubAsyncRuntime acknowledges the run and leaves completion to the
// internal callback API, like the remote sandbox runtime does.
type stubAsyncRuntime struct{}

func (stubAsyncRuntime) ID() string { return "stub" }

func (stubAsyncRuntime) Run(context.Context, *store.Task, tasks.ToolInvoker) (*tasks.RunOutcome, error) {
	return nil, nil
}

type testGateway struct {
	server *Server
	store  store.Store
	auth   *authserver.Server
	deps   Deps
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()

	st := store.NewMemoryStore()
	reg := sources.NewRegistry(sources.Deps{HTTPClient: http.DefaultClient})
	base := []*sources.ToolDefinition{
		{
			Path:        "echo",
			Description: "Echo the input back",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
			Run: func(_ context.Context, input map[string]any, _ *sources.RunContext) (any, error) {
				return input, nil
			},
		},
		{
			Path:             "admin.send_announcement",
			Description:      "Post an announcement",
			ApprovalRequired: true,
			InputSchema:      map[string]any{"type": "object", "properties": map[string]any{}},
			Run: func(_ context.Context, input map[string]any, _ *sources.RunContext) (any, error) {
				return input, nil
			},
		},
	}
	inv := inventory.New(st, reg, base)
	med := mediator.New(st, inv, credentials.NewResolver(st, nil))
	engine := tasks.NewEngine(st, med.Invoke, tasks.NewLocalRuntime(), stubAsyncRuntime{})

	cfg := &config.Config{
		Host:          "127.0.0.1",
		Port:          0,
		Issuer:        "http://gateway.test",
		InternalToken: "internal-secret",
	}
	auth := authserver.NewServer(st, authserver.Config{Issuer: cfg.Issuer, Enabled: true}, nil)
	require.NoError(t, auth.Init(context.Background()))

	deps := Deps{
		Store:     st,
		Inventory: inv,
		Engine:    engine,
		Invoke:    med.Invoke,
		Mediator:  med,
		Sessions:  sessions.NewManager(st),
		Auth:      auth,
	}
	return &testGateway{server: New(cfg, deps), store: st, auth: auth, deps: deps}
}

func (g *testGateway) do(t *testing.T, method, target string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	g.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t)

	rec := g.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "ok", body["status"])
}

func TestUnauthenticatedWithoutWorkspace(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t)

	rec := g.do(t, http.MethodGet, "/api/tools", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "resource_metadata=")
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "/.well-known/oauth-protected-resource")
}

func TestSubmitWaitedTaskAndEvents(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t)

	rec := g.do(t, http.MethodPost, "/api/tasks?workspaceId=ws1", map[string]any{
		"code":          "return 1 + 1",
		"waitForResult": true,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	task := decodeBody[taskView](t, rec)
	assert.Equal(t, "completed", task.Status)
	require.NotNil(t, task.ExitCode)
	assert.Equal(t, 0, *task.ExitCode)
	assert.JSONEq(t, "2", string(task.Result))

	rec = g.do(t, http.MethodGet, "/api/tasks/"+task.TaskID+"/events?workspaceId=ws1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decodeBody[[]eventView](t, rec)
	require.GreaterOrEqual(t, len(events), 4)

	var types []string
	last := int64(0)
	for _, e := range events {
		assert.Greater(t, e.Sequence, last)
		last = e.Sequence
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{"task.created", "task.queued", "task.running", "task.completed"}, types)
}

func TestSubmitTaskValidation(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t)

	rec := g.do(t, http.MethodPost, "/api/tasks?workspaceId=ws1", map[string]any{"code": "  "}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "validation", body["error"])
}

func TestTaskWorkspaceIsolation(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t)

	rec := g.do(t, http.MethodPost, "/api/tasks?workspaceId=ws1", map[string]any{
		"code":          "return 1",
		"waitForResult": true,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	task := decodeBody[taskView](t, rec)

	rec = g.do(t, http.MethodGet, "/api/tasks/"+task.TaskID+"?workspaceId=ws2", nil, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAnonymousTokenBinding(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t)
	ctx := context.Background()

	session, err := g.deps.Sessions.Ensure(ctx, "wsT", "mcp_tok1")
	require.NoError(t, err)
	token, _, err := g.auth.Tokens().Mint(session.ActorID, map[string]string{
		"workspace_id": "wsT",
		"session_id":   session.SessionID,
	})
	require.NoError(t, err)
	bearer := map[string]string{"Authorization": "Bearer " + token}

	// Matching workspace: accepted.
	rec := g.do(t, http.MethodGet, "/api/tools?workspaceId=wsT", nil, bearer)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// No explicit workspace: the claims supply it.
	rec = g.do(t, http.MethodGet, "/api/tools", nil, bearer)
	require.Equal(t, http.StatusOK, rec.Code)

	// Mismatched workspace: rejected with a challenge.
	rec = g.do(t, http.MethodGet, "/api/tools?workspaceId=other", nil, bearer)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "resource_metadata=")

	// Mismatched session: rejected.
	rec = g.do(t, http.MethodGet, "/api/tools?workspaceId=wsT&sessionId=mcp_other", nil, bearer)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGarbageBearerRejected(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t)

	rec := g.do(t, http.MethodGet, "/api/tools?workspaceId=ws1", nil,
		map[string]string{"Authorization": "Bearer not-a-jwt"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestInternalCompleteRoundTrip(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t)
	ctx := context.Background()

	task, err := g.deps.Engine.Submit(ctx, tasks.SubmitRequest{
		WorkspaceID: "ws1",
		Code:        "return 1",
		RuntimeID:   "stub",
	})
	require.NoError(t, err)

	secret := map[string]string{"X-Internal-Token": "internal-secret"}

	// Wrong secret is rejected before anything else.
	rec := g.do(t, http.MethodPost, "/internal/runs/"+task.TaskID+"/complete", map[string]any{
		"status": "completed",
	}, map[string]string{"X-Internal-Token": "wrong"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = g.do(t, http.MethodPost, "/internal/runs/"+task.TaskID+"/complete", map[string]any{
		"status":     "completed",
		"exitCode":   0,
		"result":     json.RawMessage("42"),
		"durationMs": 12,
	}, secret)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, false, body["alreadyFinal"])

	// Workers retry; the repeat is a no-op.
	rec = g.do(t, http.MethodPost, "/internal/runs/"+task.TaskID+"/complete", map[string]any{
		"status": "failed",
	}, secret)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody[map[string]any](t, rec)
	assert.Equal(t, true, body["alreadyFinal"])

	final, err := g.deps.Engine.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, final.Status)
	assert.JSONEq(t, "42", string(final.Result))
}

func TestInternalToolCallVariants(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t)
	ctx := context.Background()

	task, err := g.deps.Engine.Submit(ctx, tasks.SubmitRequest{
		WorkspaceID: "ws1",
		Code:        "return 1",
		RuntimeID:   "stub",
	})
	require.NoError(t, err)
	secret := map[string]string{"X-Internal-Token": "internal-secret"}

	rec := g.do(t, http.MethodPost, "/internal/runs/"+task.TaskID+"/tool-call", map[string]any{
		"callId":   "call_1",
		"toolPath": "echo",
		"input":    map[string]any{"msg": "hello"},
	}, secret)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	okResp := decodeBody[toolCallResponse](t, rec)
	assert.True(t, okResp.OK)

	rec = g.do(t, http.MethodPost, "/internal/runs/"+task.TaskID+"/tool-call", map[string]any{
		"callId":   "call_2",
		"toolPath": "admin.send_announcement",
		"input":    map[string]any{"msg": "hi"},
	}, secret)
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decodeBody[toolCallResponse](t, rec)
	assert.False(t, pending.OK)
	assert.Equal(t, "pending", pending.Kind)
	assert.NotEmpty(t, pending.ApprovalID)
	assert.Equal(t, int64(mediator.DefaultRetryAfterMs), pending.RetryAfterMs)

	// Deny the approval; the retry reports the denial.
	_, err = g.deps.Mediator.ResolveApproval(ctx, "ws1", pending.ApprovalID, store.ApprovalDenied, "reviewer", "not allowed")
	require.NoError(t, err)

	rec = g.do(t, http.MethodPost, "/internal/runs/"+task.TaskID+"/tool-call", map[string]any{
		"callId":   "call_2",
		"toolPath": "admin.send_announcement",
		"input":    map[string]any{"msg": "hi"},
	}, secret)
	require.Equal(t, http.StatusOK, rec.Code)
	denied := decodeBody[toolCallResponse](t, rec)
	assert.Equal(t, "denied", denied.Kind)
	assert.Contains(t, denied.Error, "APPROVAL_DENIED")

	rec = g.do(t, http.MethodPost, "/internal/runs/"+task.TaskID+"/tool-call", map[string]any{
		"callId":   "call_3",
		"toolPath": "no.such.tool",
	}, secret)
	require.Equal(t, http.StatusOK, rec.Code)
	failed := decodeBody[toolCallResponse](t, rec)
	assert.Equal(t, "failed", failed.Kind)
	assert.Contains(t, failed.Error, "Unknown tool")
}

func TestApprovalsAPI(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t)
	ctx := context.Background()

	// Park a call on an approval by running an approval-gated tool without
	// waiting for resolution.
	task, err := g.deps.Engine.Submit(ctx, tasks.SubmitRequest{
		WorkspaceID: "ws1",
		Code:        "return 1",
		RuntimeID:   "stub",
	})
	require.NoError(t, err)
	_, err = g.deps.Invoke(ctx, task, "call_1", "admin.send_announcement", map[string]any{"msg": "hi"})
	require.Error(t, err)

	rec := g.do(t, http.MethodGet, "/api/approvals?workspaceId=ws1&status=pending", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decodeBody[[]approvalView](t, rec)
	require.Len(t, pending, 1)
	assert.Equal(t, "admin.send_announcement", pending[0].ToolPath)

	rec = g.do(t, http.MethodPost, "/api/approvals/"+pending[0].ApprovalID+"/resolve?workspaceId=ws1",
		map[string]any{"decision": "approved"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resolved := decodeBody[approvalView](t, rec)
	assert.Equal(t, "approved", resolved.Status)
	assert.NotZero(t, resolved.ResolvedAt)

	// Resolving again is a no-op answering null.
	rec = g.do(t, http.MethodPost, "/api/approvals/"+pending[0].ApprovalID+"/resolve?workspaceId=ws1",
		map[string]any{"decision": "denied"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null", strings.TrimSpace(rec.Body.String()))
}

func TestSourcesAPI(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t)

	rec := g.do(t, http.MethodPost, "/api/sources?workspaceId=ws1", map[string]any{
		"name":   "github",
		"type":   "openapi",
		"config": map[string]any{"specUrl": "https://api.github.test/openapi.json"},
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[sourceView](t, rec)
	assert.True(t, strings.HasPrefix(created.SourceID, "source_"))
	assert.True(t, created.Enabled)

	// Duplicate name in the same workspace conflicts.
	rec = g.do(t, http.MethodPost, "/api/sources?workspaceId=ws1", map[string]any{
		"name": "github",
		"type": "openapi",
	}, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	// Disable it.
	rec = g.do(t, http.MethodPut, "/api/sources/"+created.SourceID+"?workspaceId=ws1", map[string]any{
		"enabled": false,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decodeBody[sourceView](t, rec)
	assert.False(t, updated.Enabled)

	rec = g.do(t, http.MethodGet, "/api/sources?workspaceId=ws1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decodeBody[[]sourceView](t, rec)
	require.Len(t, listed, 1)
}

func TestToolsAndDeclarations(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t)

	rec := g.do(t, http.MethodGet, "/api/tools?workspaceId=ws1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		BuildID          string                 `json:"buildId"`
		DeclarationsHash string                 `json:"declarationsHash"`
		Tools            []inventory.Descriptor `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.BuildID)
	paths := make([]string, 0, len(body.Tools))
	for _, d := range body.Tools {
		paths = append(paths, d.Path)
	}
	assert.Contains(t, paths, "echo")
	assert.Contains(t, paths, "admin.send_announcement")

	rec = g.do(t, http.MethodGet, "/api/declarations/"+body.DeclarationsHash+"?workspaceId=ws1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "declare namespace tools")
}

func TestPoliciesAPI(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t)

	rec := g.do(t, http.MethodPost, "/api/policies?workspaceId=ws1", map[string]any{
		"toolPathPattern": "admin.*",
		"decision":        "deny",
		"priority":        10,
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = g.do(t, http.MethodPost, "/api/policies?workspaceId=ws1", map[string]any{
		"toolPathPattern": "admin.*",
		"decision":        "sometimes",
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = g.do(t, http.MethodGet, "/api/policies?workspaceId=ws1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decodeBody[[]policyView](t, rec)
	require.Len(t, listed, 1)
	assert.Equal(t, "deny", listed[0].Decision)
}

func TestToolFilterAppliesPolicy(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t)
	ctx := context.Background()

	err := g.store.Mutate(ctx, "ws1", func(tx store.Tx) error {
		tx.PutPolicy(&store.AccessPolicy{
			PolicyID:        "policy_deny",
			WorkspaceID:     "ws1",
			ToolPathPattern: "echo",
			Decision:        store.DecisionDeny,
		})
		return nil
	})
	require.NoError(t, err)

	host := NewMCPHost(g.store, g.deps.Inventory, g.deps.Engine)
	snap, err := g.deps.Inventory.ToolMap(ctx, "ws1", inventory.ToolMapOptions{})
	require.NoError(t, err)

	id := &Identity{WorkspaceID: "ws1", ActorID: "anon_x"}
	listed := []mcp.Tool{
		{Name: "echo", Description: "Echo the input back"},
		{Name: "admin.send_announcement", Description: "Post an announcement"},
		{Name: runCodeToolName, Description: "Execute code"},
	}
	filtered := host.toolFilter(snap)(withIdentity(ctx, id), listed)

	names := make(map[string]string, len(filtered))
	for _, tool := range filtered {
		names[tool.Name] = tool.Description
	}
	_, echoVisible := names["echo"]
	assert.False(t, echoVisible, "denied tool must be hidden")
	assert.Contains(t, names["admin.send_announcement"], "(approval: required)")
	assert.Contains(t, names, runCodeToolName)
}

func TestRunCodeHandler(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t)
	host := NewMCPHost(g.store, g.deps.Inventory, g.deps.Engine)

	id := &Identity{WorkspaceID: "ws1", ActorID: "anon_x"}
	ctx := withIdentity(context.Background(), id)

	req := mcp.CallToolRequest{}
	req.Params.Name = runCodeToolName
	req.Params.Arguments = map[string]any{"code": "return 2 + 3"}

	result, err := host.handleRunCode(ctx, req)
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "status: completed")
	assert.Contains(t, text.Text, "5")
}

func TestDirectToolHandlerDenied(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t)
	ctx := context.Background()

	err := g.store.Mutate(ctx, "ws1", func(tx store.Tx) error {
		tx.PutPolicy(&store.AccessPolicy{
			PolicyID:        "policy_deny",
			WorkspaceID:     "ws1",
			ToolPathPattern: "echo",
			Decision:        store.DecisionDeny,
		})
		return nil
	})
	require.NoError(t, err)

	host := NewMCPHost(g.store, g.deps.Inventory, g.deps.Engine)
	id := &Identity{WorkspaceID: "ws1", ActorID: "anon_x"}

	req := mcp.CallToolRequest{}
	req.Params.Name = "echo"
	req.Params.Arguments = map[string]any{"msg": "hi"}

	result, err := host.toolHandler("echo")(withIdentity(ctx, id), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "status: denied")
}

func TestDirectToolHandlerEscapedArguments(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t)
	host := NewMCPHost(g.store, g.deps.Inventory, g.deps.Engine)
	id := &Identity{WorkspaceID: "ws1", ActorID: "anon_x"}

	msg := "<b>a & b</b>\nit's a \"test\""
	req := mcp.CallToolRequest{}
	req.Params.Name = "echo"
	req.Params.Arguments = map[string]any{"msg": msg}

	result, err := host.toolHandler("echo")(withIdentity(context.Background(), id), req)
	require.NoError(t, err)
	require.False(t, result.IsError)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)

	payload, found := strings.CutPrefix(text.Text, "status: completed\n")
	require.True(t, found, text.Text)
	var echoed map[string]any
	require.NoError(t, json.Unmarshal([]byte(payload), &echoed))
	assert.Equal(t, msg, echoed["msg"])
}

func TestRenderTaskResult(t *testing.T) {
	t.Parallel()

	completed := renderTaskResult(&store.Task{
		Status: store.TaskCompleted,
		Result: json.RawMessage(`{"sent":true}`),
	})
	require.False(t, completed.IsError)
	text := completed.Content[0].(mcp.TextContent).Text
	assert.True(t, strings.HasPrefix(text, "status: completed\n"))
	assert.Contains(t, text, `"sent":true`)

	denied := renderTaskResult(&store.Task{
		Status: store.TaskDenied,
		Error:  "APPROVAL_DENIED: admin.send_announcement (not allowed)",
	})
	assert.True(t, denied.IsError)
	assert.Contains(t, denied.Content[0].(mcp.TextContent).Text, "status: denied")
}

func TestDescriptorToolSchema(t *testing.T) {
	t.Parallel()

	tool := descriptorTool("github.create_issue", "Create an issue", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title": map[string]any{"type": "string"},
		},
		"required": []any{"title"},
	})
	assert.Equal(t, "github.create_issue", tool.Name)
	assert.Equal(t, "object", tool.InputSchema.Type)
	assert.Equal(t, []string{"title"}, tool.InputSchema.Required)
	assert.Contains(t, tool.InputSchema.Properties, "title")
}

func TestServeHTTPRequiresIdentity(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t)
	host := NewMCPHost(g.store, g.deps.Inventory, g.deps.Engine)

	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(nil))
	rec := httptest.NewRecorder()
	host.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
