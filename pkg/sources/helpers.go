// SPDX-FileCopyrightText: Copyright 2025 Agentexec Authors
// SPDX-License-Identifier: Apache-2.0

package sources

import (
	"encoding/json"
	"strings"

	"github.com/agentexec/agentexec/pkg/credentials"
	"github.com/agentexec/agentexec/pkg/store"
)

func cfgString(cfg map[string]any, key string) string {
	if v, ok := cfg[key].(string); ok {
		return v
	}
	return ""
}

func cfgMap(cfg map[string]any, key string) map[string]any {
	if v, ok := cfg[key].(map[string]any); ok {
		return v
	}
	return nil
}

// credentialSpecFromConfig decodes the optional "credential" block of a
// source config into a credentials.Spec. The source name is the default
// source key.
func credentialSpecFromConfig(src *store.ToolSource) *credentials.Spec {
	block := cfgMap(src.Config, "credential")
	if block == nil {
		return nil
	}
	raw, err := json.Marshal(block)
	if err != nil {
		return nil
	}
	var spec credentials.Spec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil
	}
	if spec.SourceKey == "" {
		spec.SourceKey = src.Name
	}
	if spec.Scope == "" {
		spec.Scope = store.ScopeWorkspace
	}
	return &spec
}

// approvalRequired reports whether the source marks its tools as requiring
// approval by default.
func approvalRequired(src *store.ToolSource) bool {
	return cfgString(src.Config, "approval") == "required"
}

// pathSegment makes a tool name safe for use as one dotted-path segment.
func pathSegment(name string) string {
	name = strings.ReplaceAll(name, ".", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}

// normalizeBody decodes a response body into a JSON value when possible and
// falls back to the raw string.
func normalizeBody(body []byte) any {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
		return v
	}
	return trimmed
}
