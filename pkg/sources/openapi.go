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
	"net/url"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/agentexec/agentexec/pkg/logger"
	"github.com/agentexec/agentexec/pkg/store"
)

// maxSpecBytes bounds fetched OpenAPI documents.
const maxSpecBytes = 8 << 20

// OpenAPICompiler turns an OpenAPI document into one tool per operation.
type OpenAPICompiler struct{}

// NewOpenAPICompiler creates the OpenAPI source compiler.
func NewOpenAPICompiler() *OpenAPICompiler { return &OpenAPICompiler{} }

// Type implements Compiler.
func (*OpenAPICompiler) Type() store.SourceType { return store.SourceOpenAPI }

// operationParam is the flattened view of one parameter a run needs.
type operationParam struct {
	Name     string
	In       string // path | query | header
	Required bool
}

// Compile implements Compiler. Spec URLs are fetched once through the spec
// cache; unreachable URLs degrade to a warning, malformed documents are an
// error since retrying cannot fix them.
func (*OpenAPICompiler) Compile(ctx context.Context, src *store.ToolSource, deps Deps) (*CompiledSource, error) {
	out := &CompiledSource{SourceID: src.SourceID, SourceName: src.Name, Type: store.SourceOpenAPI}

	specValue := cfgString(src.Config, "spec")
	if specValue == "" {
		return nil, fmt.Errorf("openapi source %s has no spec", src.Name)
	}

	var data []byte
	if strings.HasPrefix(specValue, "http://") || strings.HasPrefix(specValue, "https://") {
		fetched, err := fetchSpec(ctx, specValue, cfgString(src.Config, "schemaVersion"), deps)
		if err != nil {
			out.Warning = fmt.Sprintf("openapi spec %s unreachable: %v", specValue, err)
			return out, nil
		}
		data = fetched
	} else {
		data = []byte(specValue)
	}

	loader := openapi3.NewLoader()
	loader.Context = ctx
	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("openapi source %s: parse spec: %w", src.Name, err)
	}

	baseURL := cfgString(src.Config, "baseUrl")
	if baseURL == "" && len(doc.Servers) > 0 {
		baseURL = doc.Servers[0].URL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		out.Warning = fmt.Sprintf("openapi source %s declares no server url", src.Name)
	}

	credSpec := credentialSpecFromConfig(src)
	needsApproval := approvalRequired(src)
	httpClient := deps.HTTPClient

	paths := doc.Paths.Map()
	pathKeys := make([]string, 0, len(paths))
	for p := range paths {
		pathKeys = append(pathKeys, p)
	}
	sort.Strings(pathKeys)

	for _, apiPath := range pathKeys {
		item := paths[apiPath]
		ops := item.Operations()
		methods := make([]string, 0, len(ops))
		for m := range ops {
			methods = append(methods, m)
		}
		sort.Strings(methods)

		for _, method := range methods {
			op := ops[method]
			params := collectParams(item.Parameters, op.Parameters)
			hasBody := op.RequestBody != nil

			name := op.OperationID
			if name == "" {
				name = strings.ToLower(method) + "_" + pathToSegment(apiPath)
			}
			toolPath := src.Name + "." + pathSegment(name)

			desc := op.Summary
			if desc == "" {
				desc = op.Description
			}
			if desc == "" {
				desc = fmt.Sprintf("%s %s", method, apiPath)
			}

			method, apiPath := method, apiPath
			def := &ToolDefinition{
				Path:             toolPath,
				Description:      desc,
				ApprovalRequired: needsApproval,
				Source:           src.Name,
				InputSchema:      operationInputSchema(params, hasBody),
				Metadata: map[string]any{
					"kind":   "openapi",
					"method": method,
					"path":   apiPath,
				},
				CredentialSpec: credSpec,
				Run: func(ctx context.Context, input map[string]any, rc *RunContext) (any, error) {
					return runOperation(ctx, httpClient, baseURL, method, apiPath, params, hasBody, input, rc)
				},
			}
			out.Tools = append(out.Tools, def)
		}
	}
	return out, nil
}

// fetchSpec loads spec bytes through the shared spec cache.
func fetchSpec(ctx context.Context, specURL, schemaVersion string, deps Deps) ([]byte, error) {
	key := specURL + "|" + schemaVersion
	if deps.SpecCache != nil {
		if cached, ok := deps.SpecCache.Get(ctx, key); ok {
			return cached, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, specURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := deps.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d fetching spec", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSpecBytes))
	if err != nil {
		return nil, err
	}

	if deps.SpecCache != nil {
		if err := deps.SpecCache.Set(ctx, key, data); err != nil {
			logger.Debugw("spec cache write failed", "url", specURL, "error", err.Error())
		}
	}
	return data, nil
}

func collectParams(shared, own openapi3.Parameters) []operationParam {
	var out []operationParam
	add := func(refs openapi3.Parameters) {
		for _, ref := range refs {
			if ref == nil || ref.Value == nil {
				continue
			}
			p := ref.Value
			switch p.In {
			case openapi3.ParameterInPath, openapi3.ParameterInQuery, openapi3.ParameterInHeader:
				out = append(out, operationParam{Name: p.Name, In: p.In, Required: p.Required})
			}
		}
	}
	add(shared)
	add(own)
	return out
}

func operationInputSchema(params []operationParam, hasBody bool) map[string]any {
	props := make(map[string]any)
	var required []string
	for _, p := range params {
		props[p.Name] = map[string]any{"type": "string", "description": p.In + " parameter"}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	if hasBody {
		props["body"] = map[string]any{"type": "object", "description": "request body"}
	}
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		sort.Strings(required)
		schema["required"] = required
	}
	return schema
}

// runOperation constructs and issues one HTTP call for an OpenAPI tool.
func runOperation(
	ctx context.Context,
	httpClient *http.Client,
	baseURL, method, apiPath string,
	params []operationParam,
	hasBody bool,
	input map[string]any,
	rc *RunContext,
) (any, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("no server url configured for operation %s %s", method, apiPath)
	}

	resolvedPath := apiPath
	query := url.Values{}
	headerParams := make(map[string]string)
	for _, p := range params {
		raw, ok := input[p.Name]
		if !ok {
			if p.Required {
				return nil, fmt.Errorf("missing required parameter %q", p.Name)
			}
			continue
		}
		value := fmt.Sprintf("%v", raw)
		switch p.In {
		case openapi3.ParameterInPath:
			resolvedPath = strings.ReplaceAll(resolvedPath, "{"+p.Name+"}", url.PathEscape(value))
		case openapi3.ParameterInQuery:
			query.Set(p.Name, value)
		case openapi3.ParameterInHeader:
			headerParams[p.Name] = value
		}
	}
	if strings.Contains(resolvedPath, "{") {
		return nil, fmt.Errorf("unresolved path parameters in %s", resolvedPath)
	}

	var body io.Reader
	if hasBody {
		if payload, ok := input["body"]; ok {
			raw, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("marshal request body: %w", err)
			}
			body = bytes.NewReader(raw)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, baseURL+resolvedPath, body)
	if err != nil {
		return nil, err
	}
	if query.Encode() != "" {
		req.URL.RawQuery = query.Encode()
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headerParams {
		req.Header.Set(k, v)
	}
	if rc != nil {
		for k, v := range rc.Credential {
			req.Header.Set(k, v)
		}
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, resolvedPath, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxSpecBytes))
	if err != nil {
		return nil, err
	}
	value := normalizeBody(raw)
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s %s returned status %d: %v", method, resolvedPath, resp.StatusCode, value)
	}
	return value, nil
}

func pathToSegment(apiPath string) string {
	s := strings.Trim(apiPath, "/")
	s = strings.ReplaceAll(s, "{", "")
	s = strings.ReplaceAll(s, "}", "")
	s = strings.ReplaceAll(s, "/", "_")
	if s == "" {
		return "root"
	}
	return s
}
