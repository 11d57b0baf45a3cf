// SPDX-FileCopyrightText: Copyright 2025 Agentexec Authors
// SPDX-License-Identifier: Apache-2.0

// Package sources compiles external tool contracts (MCP servers, OpenAPI
// specs, GraphQL endpoints) into callable tool definitions.
package sources

import (
	"context"
	"net/http"
	"runtime"

	"github.com/agentexec/agentexec/pkg/credentials"
	"github.com/agentexec/agentexec/pkg/store"
)

// RunContext is what a tool handler sees about the run invoking it.
type RunContext struct {
	TaskID      string
	WorkspaceID string
	ActorID     string
	ClientID    string

	// Credential carries the HTTP headers resolved for the tool's
	// credential spec; nil when the tool declares none.
	Credential map[string]string

	// IsToolAllowed lets composite tools check policy for the paths they
	// fan out to.
	IsToolAllowed func(path string) bool
}

// RunFunc executes a tool call.
type RunFunc func(ctx context.Context, input map[string]any, rc *RunContext) (any, error)

// ToolDefinition is one callable tool produced by compilation.
type ToolDefinition struct {
	// Path is the dotted tool path, e.g. "github.list_repos".
	Path string

	// Description is shown to clients in the catalog.
	Description string

	// ApprovalRequired marks tools that default to human approval when no
	// policy matches.
	ApprovalRequired bool

	// Source is the tool source name this definition came from; empty for
	// base tools.
	Source string

	// InputSchema is a JSON-Schema-shaped description of the input object.
	InputSchema map[string]any

	// Metadata carries per-tool descriptor extras; keys are serialized in
	// sorted order wherever the tool set is hashed.
	Metadata map[string]any

	// CredentialSpec, when set, is resolved before dispatch and injected
	// into the run context.
	CredentialSpec *credentials.Spec

	// Run executes the call. Nil only for descriptor-only definitions.
	Run RunFunc
}

// CompiledSource is the output of compiling one tool source.
type CompiledSource struct {
	SourceID   string
	SourceName string
	Type       store.SourceType

	// Tools is sorted by path; compilation is deterministic for a given
	// spec, so equal inputs yield identical tool sets.
	Tools []*ToolDefinition

	// Warning is set when the source degraded instead of failing the whole
	// inventory build, e.g. an MCP server that refused the transport.
	Warning string
}

// SpecCache stores fetched spec documents keyed by (url, schemaVersion) so
// that workspaces sharing a spec URL avoid refetching it.
type SpecCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte) error
}

// Deps carries the shared collaborators compilers need.
type Deps struct {
	// HTTPClient issues every outbound call; tests inject their own.
	HTTPClient *http.Client

	// SpecCache is consulted for OpenAPI spec URLs. May be nil.
	SpecCache SpecCache
}

// Compiler compiles one source type.
type Compiler interface {
	// Type reports which source type this compiler handles.
	Type() store.SourceType

	// Compile fetches/parses the external contract and produces the
	// callable tool set. Transport-level degradation is reported through
	// CompiledSource.Warning, not an error.
	Compile(ctx context.Context, src *store.ToolSource, deps Deps) (*CompiledSource, error)
}

// MaxCompileParallelism bounds the compiler fan-out: the lesser of the core
// count and 8.
func MaxCompileParallelism() int {
	n := runtime.GOMAXPROCS(0)
	if n > 8 {
		n = 8
	}
	if n < 1 {
		n = 1
	}
	return n
}
