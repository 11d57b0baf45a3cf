// SPDX-FileCopyrightText: Copyright 2025 Agentexec Authors
// SPDX-License-Identifier: Apache-2.0

package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentexec/agentexec/pkg/store"
)

const petstoreSpec = `{
  "openapi": "3.0.0",
  "info": {"title": "petstore", "version": "1.0.0"},
  "servers": [{"url": "%s"}],
  "paths": {
    "/pets": {
      "get": {
        "operationId": "listPets",
        "summary": "List pets",
        "parameters": [{"name": "limit", "in": "query", "schema": {"type": "integer"}}],
        "responses": {"200": {"description": "ok"}}
      },
      "post": {
        "operationId": "createPet",
        "requestBody": {"content": {"application/json": {"schema": {"type": "object"}}}},
        "responses": {"201": {"description": "created"}}
      }
    },
    "/pets/{petId}": {
      "get": {
        "operationId": "getPet",
        "parameters": [{"name": "petId", "in": "path", "required": true, "schema": {"type": "string"}}],
        "responses": {"200": {"description": "ok"}}
      }
    }
  }
}`

type memSpecCache struct {
	mu sync.Mutex
	m  map[string][]byte
}

func (c *memSpecCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[key]
	return v, ok
}

func (c *memSpecCache) Set(_ context.Context, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m == nil {
		c.m = make(map[string][]byte)
	}
	c.m[key] = value
	return nil
}

func openAPISource(spec string) *store.ToolSource {
	return &store.ToolSource{
		SourceID: "src1", WorkspaceID: "ws1", Name: "petstore",
		Type: store.SourceOpenAPI, Enabled: true,
		Config: map[string]any{"spec": spec},
	}
}

func TestOpenAPICompileEmitsOperations(t *testing.T) {
	t.Parallel()
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/pets" && r.Method == http.MethodGet:
			assert.Equal(t, "5", r.URL.Query().Get("limit"))
			_ = json.NewEncoder(w).Encode([]map[string]any{{"name": "rex"}})
		case r.URL.Path == "/pets/42":
			_ = json.NewEncoder(w).Encode(map[string]any{"id": 42})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer api.Close()

	src := openAPISource(fmt.Sprintf(petstoreSpec, api.URL))
	compiled, err := NewOpenAPICompiler().Compile(context.Background(), src, Deps{HTTPClient: api.Client()})
	require.NoError(t, err)
	require.Empty(t, compiled.Warning)

	paths := make([]string, 0, len(compiled.Tools))
	byPath := make(map[string]*ToolDefinition)
	for _, tool := range compiled.Tools {
		paths = append(paths, tool.Path)
		byPath[tool.Path] = tool
	}
	assert.ElementsMatch(t, []string{"petstore.listPets", "petstore.createPet", "petstore.getPet"}, paths)

	// Query parameter substitution.
	value, err := byPath["petstore.listPets"].Run(context.Background(), map[string]any{"limit": 5}, &RunContext{})
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"name": "rex"}}, value)

	// Path parameter substitution.
	value, err = byPath["petstore.getPet"].Run(context.Background(), map[string]any{"petId": "42"}, &RunContext{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": float64(42)}, value)

	// Missing required path parameter fails before any request.
	_, err = byPath["petstore.getPet"].Run(context.Background(), map[string]any{}, &RunContext{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "petId")
}

func TestOpenAPICompileDeterministic(t *testing.T) {
	t.Parallel()
	src := openAPISource(fmt.Sprintf(petstoreSpec, "http://api.example"))
	c := NewOpenAPICompiler()

	first, err := c.Compile(context.Background(), src, Deps{HTTPClient: http.DefaultClient})
	require.NoError(t, err)
	second, err := c.Compile(context.Background(), src, Deps{HTTPClient: http.DefaultClient})
	require.NoError(t, err)

	require.Len(t, second.Tools, len(first.Tools))
	for i := range first.Tools {
		assert.Equal(t, first.Tools[i].Path, second.Tools[i].Path)
		assert.Equal(t, first.Tools[i].Description, second.Tools[i].Description)
		assert.Equal(t, first.Tools[i].Metadata, second.Tools[i].Metadata)
	}
}

func TestOpenAPISpecURLGoesThroughCache(t *testing.T) {
	t.Parallel()
	var fetches int
	var mu sync.Mutex
	specSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		fetches++
		mu.Unlock()
		fmt.Fprintf(w, petstoreSpec, "http://api.example")
	}))
	defer specSrv.Close()

	cache := &memSpecCache{}
	deps := Deps{HTTPClient: specSrv.Client(), SpecCache: cache}
	src := openAPISource(specSrv.URL + "/spec.json")

	for i := 0; i < 3; i++ {
		compiled, err := NewOpenAPICompiler().Compile(context.Background(), src, deps)
		require.NoError(t, err)
		assert.NotEmpty(t, compiled.Tools)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, fetches, "spec URL must be fetched once and then served from cache")
}

func TestGraphQLCompileFromIntrospection(t *testing.T) {
	t.Parallel()
	gql := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query string `json:"query"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Query == introspectionQuery {
			_, _ = w.Write([]byte(`{"data":{"__schema":{
				"queryType":{"name":"Query","fields":[{"name":"user","description":"Look up a user"},{"name":"repos"}]},
				"mutationType":{"name":"Mutation","fields":[{"name":"deleteUser"}]}}}}`))
			return
		}
		assert.Equal(t, `query { user(id: 7) { name } }`, req.Query)
		_, _ = w.Write([]byte(`{"data":{"user":{"name":"ada"}}}`))
	}))
	defer gql.Close()

	src := &store.ToolSource{
		SourceID: "src1", WorkspaceID: "ws1", Name: "gh",
		Type: store.SourceGraphQL, Enabled: true,
		Config: map[string]any{"endpoint": gql.URL},
	}
	compiled, err := NewGraphQLCompiler().Compile(context.Background(), src, Deps{HTTPClient: gql.Client()})
	require.NoError(t, err)
	require.Empty(t, compiled.Warning)

	byPath := make(map[string]*ToolDefinition)
	for _, tool := range compiled.Tools {
		byPath[tool.Path] = tool
	}
	assert.Contains(t, byPath, "gh.query")
	assert.Contains(t, byPath, "gh.mutation")
	assert.Contains(t, byPath, "gh.query.user")
	assert.Contains(t, byPath, "gh.query.repos")
	assert.Contains(t, byPath, "gh.mutation.deleteUser")

	value, err := byPath["gh.query.user"].Run(context.Background(), map[string]any{
		"args":      map[string]any{"id": float64(7)},
		"selection": "{ name }",
	}, &RunContext{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"user": map[string]any{"name": "ada"}}, value)
}

func TestGraphQLIntrospectionFailureDegrades(t *testing.T) {
	t.Parallel()
	src := &store.ToolSource{
		SourceID: "src1", WorkspaceID: "ws1", Name: "gh",
		Type: store.SourceGraphQL, Enabled: true,
		Config: map[string]any{"endpoint": "http://127.0.0.1:1"},
	}
	compiled, err := NewGraphQLCompiler().Compile(context.Background(), src,
		Deps{HTTPClient: &http.Client{Timeout: 200 * time.Millisecond}})
	require.NoError(t, err)
	assert.NotEmpty(t, compiled.Warning)

	// Raw tools survive introspection failure.
	paths := make([]string, 0, len(compiled.Tools))
	for _, tool := range compiled.Tools {
		paths = append(paths, tool.Path)
	}
	assert.ElementsMatch(t, []string{"gh.query", "gh.mutation"}, paths)
}

func TestMCPUnreachableDegrades(t *testing.T) {
	t.Parallel()
	src := &store.ToolSource{
		SourceID: "src1", WorkspaceID: "ws1", Name: "files",
		Type: store.SourceMCP, Enabled: true,
		Config: map[string]any{"url": "http://127.0.0.1:1/mcp"},
	}
	compiled, err := NewMCPCompiler().Compile(context.Background(), src,
		Deps{HTTPClient: &http.Client{Timeout: 200 * time.Millisecond}})
	require.NoError(t, err)
	assert.NotEmpty(t, compiled.Warning)
	assert.Empty(t, compiled.Tools)
}

func TestRegistryCompileAllSkipsDisabled(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(Deps{HTTPClient: &http.Client{Timeout: 200 * time.Millisecond}})
	srcs := []*store.ToolSource{
		{
			SourceID: "a", WorkspaceID: "ws1", Name: "off",
			Type: store.SourceMCP, Enabled: false,
			Config: map[string]any{"url": "http://127.0.0.1:1/mcp"},
		},
		{
			SourceID: "b", WorkspaceID: "ws1", Name: "inline",
			Type: store.SourceOpenAPI, Enabled: true,
			Config: map[string]any{"spec": fmt.Sprintf(petstoreSpec, "http://api.example")},
		},
	}
	compiled, err := reg.CompileAll(context.Background(), srcs)
	require.NoError(t, err)
	require.Len(t, compiled, 1)
	assert.Equal(t, "inline", compiled[0].SourceName)
}

func TestBuildFieldOperationLiterals(t *testing.T) {
	t.Parallel()
	got := buildFieldOperation("mutation", "createUser", map[string]any{
		"name":  "ada",
		"age":   float64(36),
		"tags":  []any{"x", "y"},
		"flags": map[string]any{"admin": true},
	}, "{ id }")
	assert.Equal(t,
		`mutation { createUser(age: 36, flags: {admin: true}, name: "ada", tags: ["x", "y"]) { id } }`,
		got)
}
