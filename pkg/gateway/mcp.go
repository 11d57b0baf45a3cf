// SPDX-FileCopyrightText: Copyright 2025 Agentexec Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/agentexec/agentexec/pkg/inventory"
	"github.com/agentexec/agentexec/pkg/logger"
	"github.com/agentexec/agentexec/pkg/policy"
	"github.com/agentexec/agentexec/pkg/store"
	"github.com/agentexec/agentexec/pkg/tasks"
	"github.com/agentexec/agentexec/pkg/versions"
)

// runCodeToolName is the built-in code execution tool every workspace sees.
const runCodeToolName = "run_code"

// MCPHost serves MCP streamable-HTTP sessions. One MCP server is built per
// compiled inventory snapshot and cached by signature, so workspaces with
// identical tool sources share a server instance.
type MCPHost struct {
	store     store.Store
	inventory *inventory.Inventory
	engine    *tasks.Engine

	mu      sync.Mutex
	servers map[string]*server.StreamableHTTPServer
}

// NewMCPHost creates an MCPHost.
func NewMCPHost(st store.Store, inv *inventory.Inventory, engine *tasks.Engine) *MCPHost {
	return &MCPHost{
		store:     st,
		inventory: inv,
		engine:    engine,
		servers:   make(map[string]*server.StreamableHTTPServer),
	}
}

// ServeHTTP resolves the caller's workspace snapshot and hands the request
// to the matching MCP server. The auth middleware runs before this.
func (h *MCPHost) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	snap, err := h.inventory.ToolMap(r.Context(), id.WorkspaceID, inventory.ToolMapOptions{})
	if err != nil {
		logger.Errorw("loading tool inventory failed", "workspace", id.WorkspaceID, "error", err.Error())
		http.Error(w, "tool inventory unavailable", http.StatusInternalServerError)
		return
	}

	h.serverFor(snap).ServeHTTP(w, r)
}

func (h *MCPHost) serverFor(snap *inventory.Snapshot) *server.StreamableHTTPServer {
	h.mu.Lock()
	defer h.mu.Unlock()
	if srv, ok := h.servers[snap.Signature]; ok {
		return srv
	}

	mcpServer := server.NewMCPServer(
		"agentexec",
		versions.Version,
		server.WithToolCapabilities(false),
		server.WithLogging(),
		server.WithToolFilter(h.toolFilter(snap)),
	)

	mcpServer.AddTool(runCodeTool(), h.handleRunCode)
	for path, def := range snap.Tools {
		if path == runCodeToolName {
			continue
		}
		mcpServer.AddTool(descriptorTool(def.Path, def.Description, def.InputSchema), h.toolHandler(path))
	}

	streamable := server.NewStreamableHTTPServer(
		mcpServer,
		server.WithEndpointPath("/mcp"),
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if id, ok := IdentityFrom(r.Context()); ok {
				return withIdentity(ctx, id)
			}
			return ctx
		}),
	)
	h.servers[snap.Signature] = streamable
	return streamable
}

// toolFilter applies policy to tools/list: denied tools are hidden and
// approval-gated tools are marked in their description.
func (h *MCPHost) toolFilter(snap *inventory.Snapshot) server.ToolFilterFunc {
	return func(ctx context.Context, listed []mcp.Tool) []mcp.Tool {
		id, ok := IdentityFrom(ctx)
		if !ok {
			return listed
		}

		var policies []*store.AccessPolicy
		err := h.store.View(ctx, func(tx store.ReadTx) error {
			policies = tx.ListPolicies(id.WorkspaceID)
			return nil
		})
		if err != nil {
			logger.Warnw("listing policies for tool filter failed", "workspace", id.WorkspaceID, "error", err.Error())
			return listed
		}

		caller := policy.Caller{ActorID: id.ActorID, ClientID: id.ClientID}
		out := make([]mcp.Tool, 0, len(listed))
		for _, tool := range listed {
			def, known := snap.Tools[tool.Name]
			if !known {
				out = append(out, tool)
				continue
			}
			decision := policy.Decide(
				policy.Tool{Path: tool.Name, ApprovalRequired: def.ApprovalRequired},
				caller, policies)
			switch decision {
			case store.DecisionDeny:
				// Hidden entirely.
			case store.DecisionRequireApproval:
				tool.Description = strings.TrimSpace(tool.Description + " (approval: required)")
				out = append(out, tool)
			default:
				out = append(out, tool)
			}
		}
		return out
	}
}

func runCodeTool() mcp.Tool {
	return mcp.Tool{
		Name:        runCodeToolName,
		Description: "Execute code in this workspace and return the terminal status and result.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "The code to execute",
				},
				"runtimeId": map[string]any{
					"type":        "string",
					"description": "Runtime to execute on; defaults to the workspace default",
				},
				"timeoutMs": map[string]any{
					"type":        "number",
					"description": "Run timeout in milliseconds",
				},
			},
			Required: []string{"code"},
		},
	}
}

// descriptorTool converts a compiled tool definition's schema into the MCP
// wire shape.
func descriptorTool(path, description string, schema map[string]any) mcp.Tool {
	tool := mcp.Tool{
		Name:        path,
		Description: description,
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		tool.InputSchema.Properties = props
	}
	switch req := schema["required"].(type) {
	case []string:
		tool.InputSchema.Required = req
	case []any:
		for _, v := range req {
			if s, ok := v.(string); ok {
				tool.InputSchema.Required = append(tool.InputSchema.Required, s)
			}
		}
	}
	return tool
}

// handleRunCode creates a waited task and renders its terminal state.
func (h *MCPHost) handleRunCode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, ok := IdentityFrom(ctx)
	if !ok {
		return mcp.NewToolResultError("unauthenticated"), nil
	}

	var args struct {
		Code      string `json:"code"`
		RuntimeID string `json:"runtimeId"`
		TimeoutMs int64  `json:"timeoutMs"`
	}
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError("invalid run_code arguments: " + err.Error()), nil
	}

	task, err := h.engine.Submit(ctx, tasks.SubmitRequest{
		WorkspaceID:   id.WorkspaceID,
		AccountID:     id.AccountID,
		ActorID:       id.ActorID,
		ClientID:      id.ClientID,
		Code:          args.Code,
		RuntimeID:     args.RuntimeID,
		TimeoutMs:     args.TimeoutMs,
		WaitForResult: true,
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return renderTaskResult(task), nil
}

// toolHandler proxies a direct MCP tool call through the mediator by
// wrapping it in a single-statement task on the local runtime, so direct
// calls and in-run calls share policy, approvals, and the event log.
func (h *MCPHost) toolHandler(path string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, ok := IdentityFrom(ctx)
		if !ok {
			return mcp.NewToolResultError("unauthenticated"), nil
		}

		input := req.GetArguments()
		argText := ""
		if len(input) > 0 {
			// Plain encoding: HTML-escaped output would not survive the
			// script literal round trip.
			var buf bytes.Buffer
			enc := json.NewEncoder(&buf)
			enc.SetEscapeHTML(false)
			if err := enc.Encode(input); err != nil {
				return mcp.NewToolResultError("tool arguments are not serializable: " + err.Error()), nil
			}
			argText = strings.TrimRight(buf.String(), "\n")
		}

		task, err := h.engine.Submit(ctx, tasks.SubmitRequest{
			WorkspaceID:   id.WorkspaceID,
			AccountID:     id.AccountID,
			ActorID:       id.ActorID,
			ClientID:      id.ClientID,
			Code:          "return await tools." + path + "(" + argText + ")",
			RuntimeID:     tasks.LocalRuntimeID,
			WaitForResult: true,
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return renderTaskResult(task), nil
	}
}

// renderTaskResult formats a terminal task as MCP text content. A denied
// terminal is an error result.
func renderTaskResult(task *store.Task) *mcp.CallToolResult {
	text := "status: " + string(task.Status)
	switch {
	case len(task.Result) > 0:
		text += "\n" + string(task.Result)
	case task.Error != "":
		text += "\n" + task.Error
	}
	if task.Status == store.TaskDenied {
		return mcp.NewToolResultError(text)
	}
	return mcp.NewToolResultText(text)
}
