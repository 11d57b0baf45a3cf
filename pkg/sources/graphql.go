// SPDX-FileCopyrightText: Copyright 2025 Agentexec Authors
// SPDX-License-Identifier: Apache-2.0

package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/agentexec/agentexec/pkg/store"
)

// introspectionQuery asks only for what the compiler needs: the names and
// fields of the root operation types.
const introspectionQuery = `query {
  __schema {
    queryType { name fields { name description } }
    mutationType { name fields { name description } }
  }
}`

// GraphQLCompiler compiles a GraphQL endpoint into one tool per root field
// plus raw <source>.query / <source>.mutation operation tools.
type GraphQLCompiler struct{}

// NewGraphQLCompiler creates the GraphQL source compiler.
func NewGraphQLCompiler() *GraphQLCompiler { return &GraphQLCompiler{} }

// Type implements Compiler.
func (*GraphQLCompiler) Type() store.SourceType { return store.SourceGraphQL }

type introspectionResult struct {
	Data struct {
		Schema struct {
			QueryType    *rootType `json:"queryType"`
			MutationType *rootType `json:"mutationType"`
		} `json:"__schema"`
	} `json:"data"`
}

type rootType struct {
	Name   string `json:"name"`
	Fields []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	} `json:"fields"`
}

// Compile implements Compiler. An unreachable endpoint degrades to a
// warning; the raw-operation tools are still emitted so a recovered
// endpoint is usable without a rebuild.
func (*GraphQLCompiler) Compile(ctx context.Context, src *store.ToolSource, deps Deps) (*CompiledSource, error) {
	endpoint := cfgString(src.Config, "endpoint")
	if endpoint == "" {
		return nil, fmt.Errorf("graphql source %s has no endpoint", src.Name)
	}

	out := &CompiledSource{SourceID: src.SourceID, SourceName: src.Name, Type: store.SourceGraphQL}
	credSpec := credentialSpecFromConfig(src)
	needsApproval := approvalRequired(src)
	httpClient := deps.HTTPClient

	rawTool := func(opType string) *ToolDefinition {
		return &ToolDefinition{
			Path:             src.Name + "." + opType,
			Description:      fmt.Sprintf("Execute a raw GraphQL %s against %s", opType, src.Name),
			ApprovalRequired: needsApproval,
			Source:           src.Name,
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query":     map[string]any{"type": "string", "description": "GraphQL operation source"},
					"variables": map[string]any{"type": "object"},
				},
				"required": []string{"query"},
			},
			Metadata:       map[string]any{"kind": "graphql", "operation": opType},
			CredentialSpec: credSpec,
			Run: func(ctx context.Context, input map[string]any, rc *RunContext) (any, error) {
				query := cfgString(input, "query")
				if query == "" {
					return nil, fmt.Errorf("graphql %s tool needs a query", opType)
				}
				return postGraphQL(ctx, httpClient, endpoint, query, cfgMap(input, "variables"), rc)
			},
		}
	}
	out.Tools = append(out.Tools, rawTool("query"), rawTool("mutation"))

	schema, err := introspect(ctx, httpClient, endpoint, deps, src)
	if err != nil {
		out.Warning = fmt.Sprintf("graphql introspection on %s failed: %v", endpoint, err)
		return out, nil
	}

	addFieldTools := func(opType string, root *rootType) {
		if root == nil {
			return
		}
		fields := append([]struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		}{}, root.Fields...)
		sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })

		for _, f := range fields {
			if strings.HasPrefix(f.Name, "__") {
				continue
			}
			fieldName := f.Name
			desc := f.Description
			if desc == "" {
				desc = fmt.Sprintf("GraphQL %s field %s", opType, fieldName)
			}
			out.Tools = append(out.Tools, &ToolDefinition{
				Path:             src.Name + "." + opType + "." + pathSegment(fieldName),
				Description:      desc,
				ApprovalRequired: needsApproval,
				Source:           src.Name,
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"args":      map[string]any{"type": "object", "description": "field arguments"},
						"selection": map[string]any{"type": "string", "description": "selection set, e.g. { id name }"},
					},
				},
				Metadata:       map[string]any{"kind": "graphql", "operation": opType, "field": fieldName},
				CredentialSpec: credSpec,
				Run: func(ctx context.Context, input map[string]any, rc *RunContext) (any, error) {
					query := buildFieldOperation(opType, fieldName, cfgMap(input, "args"), cfgString(input, "selection"))
					return postGraphQL(ctx, httpClient, endpoint, query, nil, rc)
				},
			})
		}
	}
	addFieldTools("query", schema.Data.Schema.QueryType)
	addFieldTools("mutation", schema.Data.Schema.MutationType)

	return out, nil
}

// introspect loads the schema, preferring an inline schema from the source
// config over a network round trip.
func introspect(ctx context.Context, httpClient *http.Client, endpoint string, _ Deps, src *store.ToolSource) (*introspectionResult, error) {
	if inline := cfgString(src.Config, "schemaJson"); inline != "" {
		var res introspectionResult
		if err := json.Unmarshal([]byte(inline), &res); err != nil {
			return nil, fmt.Errorf("inline schema: %w", err)
		}
		return &res, nil
	}

	value, err := postGraphQLRaw(ctx, httpClient, endpoint, introspectionQuery, nil, nil)
	if err != nil {
		return nil, err
	}
	var res introspectionResult
	if err := json.Unmarshal(value, &res); err != nil {
		return nil, fmt.Errorf("decode introspection: %w", err)
	}
	return &res, nil
}

// postGraphQL issues one operation and unwraps the GraphQL envelope.
func postGraphQL(ctx context.Context, httpClient *http.Client, endpoint, query string, variables map[string]any, rc *RunContext) (any, error) {
	raw, err := postGraphQLRaw(ctx, httpClient, endpoint, query, variables, rc)
	if err != nil {
		return nil, err
	}
	var envelope struct {
		Data   any `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode graphql response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		msgs := make([]string, 0, len(envelope.Errors))
		for _, e := range envelope.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, fmt.Errorf("graphql errors: %s", strings.Join(msgs, "; "))
	}
	return envelope.Data, nil
}

func postGraphQLRaw(ctx context.Context, httpClient *http.Client, endpoint, query string, variables map[string]any, rc *RunContext) ([]byte, error) {
	payload := map[string]any{"query": query}
	if len(variables) > 0 {
		payload["variables"] = variables
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if rc != nil {
		for k, v := range rc.Credential {
			req.Header.Set(k, v)
		}
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxSpecBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("graphql endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return raw, nil
}

// buildFieldOperation renders a single-field operation like
// `query { user(id: 1) { name } }` from JSON arguments.
func buildFieldOperation(opType, field string, args map[string]any, selection string) string {
	var b strings.Builder
	b.WriteString(opType)
	b.WriteString(" { ")
	b.WriteString(field)
	if len(args) > 0 {
		keys := make([]string, 0, len(args))
		for k := range args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("(")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(graphqlLiteral(args[k]))
		}
		b.WriteString(")")
	}
	if selection != "" {
		b.WriteString(" ")
		b.WriteString(selection)
	}
	b.WriteString(" }")
	return b.String()
}

// graphqlLiteral renders a JSON value as a GraphQL input literal.
func graphqlLiteral(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case string:
		return strconv.Quote(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			parts = append(parts, graphqlLiteral(item))
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+": "+graphqlLiteral(t[k]))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return "null"
		}
		return string(raw)
	}
}
