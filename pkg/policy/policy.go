// SPDX-FileCopyrightText: Copyright 2025 Agentexec Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy implements the pure tool-access policy evaluator.
//
// A decision is computed from (tool, caller, policy set) alone; the
// evaluator reads no external state, which keeps it trivially testable and
// safe to call from any request context.
package policy

import (
	"regexp"
	"sort"
	"strings"

	"github.com/agentexec/agentexec/pkg/store"
)

// Caller identifies who is invoking a tool.
type Caller struct {
	ActorID  string
	ClientID string
}

// Tool carries the evaluator's view of a tool: its dotted path and whether
// the tool itself declares that it wants human approval by default.
type Tool struct {
	Path             string
	ApprovalRequired bool
}

// DiscoverPath is the built-in catalog-introspection tool; it is always
// allowed regardless of policy.
const DiscoverPath = "discover"

// rank orders decisions from most to least permissive.
func rank(d store.Decision) int {
	switch d {
	case store.DecisionDeny:
		return 2
	case store.DecisionRequireApproval:
		return 1
	default:
		return 0
	}
}

// Worst returns the less permissive of two decisions
// (deny > require_approval > allow).
func Worst(a, b store.Decision) store.Decision {
	if rank(a) >= rank(b) {
		return a
	}
	return b
}

// Decide evaluates the policy set for a single tool path.
func Decide(tool Tool, caller Caller, policies []*store.AccessPolicy) store.Decision {
	if tool.Path == DiscoverPath {
		return store.DecisionAllow
	}

	type candidate struct {
		policy      *store.AccessPolicy
		specificity int
		order       int
	}
	var candidates []candidate

	for i, p := range policies {
		// A policy field present must equal the caller's; absent matches anything.
		if p.ActorID != "" && p.ActorID != caller.ActorID {
			continue
		}
		if p.ClientID != "" && p.ClientID != caller.ClientID {
			continue
		}
		if !patternMatches(p.ToolPathPattern, tool.Path) {
			continue
		}

		spec := 0
		if p.ActorID != "" {
			spec += 4
		}
		if p.ClientID != "" {
			spec += 2
		}
		patternWeight := len(p.ToolPathPattern) - strings.Count(p.ToolPathPattern, "*")
		if patternWeight < 1 {
			patternWeight = 1
		}
		spec += patternWeight + p.Priority
		candidates = append(candidates, candidate{policy: p, specificity: spec, order: i})
	}

	if len(candidates) == 0 {
		if tool.ApprovalRequired {
			return store.DecisionRequireApproval
		}
		return store.DecisionAllow
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].specificity != candidates[j].specificity {
			return candidates[i].specificity > candidates[j].specificity
		}
		if candidates[i].policy.Priority != candidates[j].policy.Priority {
			return candidates[i].policy.Priority > candidates[j].policy.Priority
		}
		return candidates[i].order < candidates[j].order
	})
	return candidates[0].policy.Decision
}

// DecidePaths evaluates each path independently and folds the results to
// the worst decision. Used for GraphQL operations that touch several
// fields. The returned effective path is the comma-joined list.
func DecidePaths(paths []string, approvalRequired bool, caller Caller, policies []*store.AccessPolicy) (store.Decision, string) {
	decision := store.DecisionAllow
	for _, p := range paths {
		d := Decide(Tool{Path: p, ApprovalRequired: approvalRequired}, caller, policies)
		decision = Worst(decision, d)
	}
	return decision, strings.Join(paths, ",")
}

// patternMatches reports whether a dotted tool path matches a glob pattern.
// Regex metacharacters in the pattern are escaped, * becomes .* and the
// result must match the full string.
func patternMatches(pattern, path string) bool {
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `.*`)
	re, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return false
	}
	return re.MatchString(path)
}
