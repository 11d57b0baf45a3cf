// SPDX-FileCopyrightText: Copyright 2025 Agentexec Authors
// SPDX-License-Identifier: Apache-2.0

package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/agentexec/agentexec/pkg/logger"
	"github.com/agentexec/agentexec/pkg/store"
	"github.com/agentexec/agentexec/pkg/versions"
)

// MCPCompiler compiles a remote MCP server into tool definitions. Each
// tool's run re-opens the transport and forwards the call, so compiled
// snapshots hold no live connections.
type MCPCompiler struct{}

// NewMCPCompiler creates the MCP source compiler.
func NewMCPCompiler() *MCPCompiler { return &MCPCompiler{} }

// Type implements Compiler.
func (*MCPCompiler) Type() store.SourceType { return store.SourceMCP }

// Compile implements Compiler. A transport that cannot be opened degrades
// the source to a warning; the rest of the inventory still builds.
func (*MCPCompiler) Compile(ctx context.Context, src *store.ToolSource, deps Deps) (*CompiledSource, error) {
	endpoint := cfgString(src.Config, "url")
	if endpoint == "" {
		return nil, fmt.Errorf("mcp source %s has no url", src.Name)
	}

	out := &CompiledSource{SourceID: src.SourceID, SourceName: src.Name, Type: store.SourceMCP}

	cli, err := openMCPClient(ctx, endpoint, nil, deps.HTTPClient)
	if err != nil {
		out.Warning = fmt.Sprintf("mcp server %s unreachable: %v", endpoint, err)
		return out, nil
	}
	defer func() {
		if cerr := cli.Close(); cerr != nil {
			logger.Debugw("closing mcp compile client", "source", src.Name, "error", cerr.Error())
		}
	}()

	listed, err := cli.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		out.Warning = fmt.Sprintf("mcp tools/list on %s failed: %v", endpoint, err)
		return out, nil
	}

	credSpec := credentialSpecFromConfig(src)
	needsApproval := approvalRequired(src)
	httpClient := deps.HTTPClient

	for _, remote := range listed.Tools {
		remoteName := remote.Name
		path := src.Name + "." + pathSegment(remoteName)
		def := &ToolDefinition{
			Path:             path,
			Description:      remote.Description,
			ApprovalRequired: needsApproval,
			Source:           src.Name,
			InputSchema:      inputSchemaToMap(remote.InputSchema),
			Metadata: map[string]any{
				"kind":       "mcp",
				"endpoint":   endpoint,
				"remoteName": remoteName,
			},
			CredentialSpec: credSpec,
			Run: func(ctx context.Context, input map[string]any, rc *RunContext) (any, error) {
				return callRemoteTool(ctx, endpoint, remoteName, input, rc, httpClient)
			},
		}
		out.Tools = append(out.Tools, def)
	}
	return out, nil
}

// callRemoteTool opens a fresh transport, forwards one call, and closes.
func callRemoteTool(ctx context.Context, endpoint, remoteName string, input map[string]any, rc *RunContext, httpClient *http.Client) (any, error) {
	var headers map[string]string
	if rc != nil {
		headers = rc.Credential
	}
	cli, err := openMCPClient(ctx, endpoint, headers, httpClient)
	if err != nil {
		return nil, fmt.Errorf("mcp server %s unreachable: %w", endpoint, err)
	}
	defer cli.Close()

	req := mcp.CallToolRequest{}
	req.Params.Name = remoteName
	req.Params.Arguments = input

	res, err := cli.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("mcp call %s: %w", remoteName, err)
	}
	value := contentToValue(res.Content)
	if res.IsError {
		return nil, fmt.Errorf("mcp tool %s reported an error: %v", remoteName, value)
	}
	return value, nil
}

// openMCPClient connects over streamable HTTP and falls back to SSE when
// the server refuses the streamable transport.
func openMCPClient(ctx context.Context, endpoint string, headers map[string]string, httpClient *http.Client) (*client.Client, error) {
	streamable, serr := client.NewStreamableHttpClient(endpoint,
		transport.WithHTTPHeaders(headers),
		transport.WithHTTPBasicClient(httpClient),
	)
	if serr == nil {
		if serr = startAndInitialize(ctx, streamable); serr == nil {
			return streamable, nil
		}
		_ = streamable.Close()
	}
	logger.Debugw("streamable transport failed, trying SSE", "endpoint", endpoint, "error", serr.Error())

	sse, err := client.NewSSEMCPClient(endpoint,
		transport.WithHeaders(headers),
		transport.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("streamable: %v; sse: %w", serr, err)
	}
	if err := startAndInitialize(ctx, sse); err != nil {
		_ = sse.Close()
		return nil, fmt.Errorf("streamable: %v; sse: %w", serr, err)
	}
	return sse, nil
}

func startAndInitialize(ctx context.Context, c *client.Client) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "agentexec",
		Version: versions.Version,
	}
	_, err := c.Initialize(ctx, initReq)
	return err
}

// contentToValue flattens MCP content blocks to a plain value: a single
// text block becomes its (JSON-decoded when possible) payload, anything
// else becomes a list.
func contentToValue(content []mcp.Content) any {
	var values []any
	for _, item := range content {
		switch c := item.(type) {
		case mcp.TextContent:
			values = append(values, normalizeBody([]byte(c.Text)))
		default:
			raw, err := json.Marshal(item)
			if err != nil {
				continue
			}
			var v any
			_ = json.Unmarshal(raw, &v)
			values = append(values, v)
		}
	}
	switch len(values) {
	case 0:
		return nil
	case 1:
		return values[0]
	default:
		return values
	}
}

func inputSchemaToMap(schema mcp.ToolInputSchema) map[string]any {
	out := map[string]any{"type": "object"}
	if schema.Type != "" {
		out["type"] = schema.Type
	}
	if len(schema.Properties) > 0 {
		out["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		out["required"] = schema.Required
	}
	return out
}
