// SPDX-FileCopyrightText: Copyright 2025 Agentexec Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentexec/agentexec/pkg/store"
)

func pol(pattern string, decision store.Decision, priority int) *store.AccessPolicy {
	return &store.AccessPolicy{ToolPathPattern: pattern, Decision: decision, Priority: priority}
}

func TestDecideDiscoverAlwaysAllowed(t *testing.T) {
	t.Parallel()
	policies := []*store.AccessPolicy{pol("*", store.DecisionDeny, 100)}
	got := Decide(Tool{Path: DiscoverPath}, Caller{}, policies)
	assert.Equal(t, store.DecisionAllow, got)
}

func TestDecideDefaults(t *testing.T) {
	t.Parallel()
	assert.Equal(t, store.DecisionAllow,
		Decide(Tool{Path: "github.list_repos"}, Caller{}, nil))
	assert.Equal(t, store.DecisionRequireApproval,
		Decide(Tool{Path: "admin.send_announcement", ApprovalRequired: true}, Caller{}, nil))
}

func TestDecideSpecificityOrdering(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		policies []*store.AccessPolicy
		caller   Caller
		want     store.Decision
	}{
		{
			name: "longer pattern beats wildcard",
			policies: []*store.AccessPolicy{
				pol("github.*", store.DecisionDeny, 0),
				pol("github.list_repos", store.DecisionAllow, 0),
			},
			want: store.DecisionAllow,
		},
		{
			name: "actor-bound policy beats pattern length",
			policies: []*store.AccessPolicy{
				pol("github.list_repos", store.DecisionDeny, 0),
				{ToolPathPattern: "github.*", ActorID: "anon_1", Decision: store.DecisionAllow, Priority: 7},
			},
			caller: Caller{ActorID: "anon_1"},
			want:   store.DecisionAllow,
		},
		{
			name: "priority breaks ties",
			policies: []*store.AccessPolicy{
				pol("github.*", store.DecisionDeny, 1),
				pol("github.*", store.DecisionAllow, 0),
			},
			want: store.DecisionDeny,
		},
		{
			name: "stable order breaks exact ties",
			policies: []*store.AccessPolicy{
				pol("github.*", store.DecisionRequireApproval, 0),
				pol("github.*", store.DecisionAllow, 0),
			},
			want: store.DecisionRequireApproval,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Decide(Tool{Path: "github.list_repos"}, tc.caller, tc.policies)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDecideCallerFiltering(t *testing.T) {
	t.Parallel()
	policies := []*store.AccessPolicy{
		{ToolPathPattern: "slack.*", ActorID: "anon_2", Decision: store.DecisionDeny, Priority: 10},
	}
	// Policy bound to another actor does not apply.
	got := Decide(Tool{Path: "slack.post"}, Caller{ActorID: "anon_1"}, policies)
	assert.Equal(t, store.DecisionAllow, got)
}

func TestPatternEscapesMetacharacters(t *testing.T) {
	t.Parallel()
	// A dot in the pattern must match a literal dot only.
	policies := []*store.AccessPolicy{pol("a.b", store.DecisionDeny, 0)}
	assert.Equal(t, store.DecisionAllow, Decide(Tool{Path: "aXb"}, Caller{}, policies))
	assert.Equal(t, store.DecisionDeny, Decide(Tool{Path: "a.b"}, Caller{}, policies))
}

func TestDecidePathsWorstWins(t *testing.T) {
	t.Parallel()
	policies := []*store.AccessPolicy{
		pol("gql.query.user", store.DecisionAllow, 0),
		pol("gql.mutation.deleteUser", store.DecisionDeny, 0),
	}
	decision, effective := DecidePaths(
		[]string{"gql.query.user", "gql.mutation.deleteUser"}, false, Caller{}, policies)
	assert.Equal(t, store.DecisionDeny, decision)
	assert.Equal(t, "gql.query.user,gql.mutation.deleteUser", effective)
}

func TestGraphQLFieldPaths(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{
			name:  "bare selection set",
			query: `{ user(id: 1) { name } repos { url } }`,
			want:  []string{"gh.query.user", "gh.query.repos"},
		},
		{
			name:  "named mutation",
			query: `mutation Do($id: ID!) { deleteUser(id: $id) { ok } }`,
			want:  []string{"gh.mutation.deleteUser"},
		},
		{
			name:  "aliases resolve to field names",
			query: `{ first: user(id: 1) { name } }`,
			want:  []string{"gh.query.user"},
		},
		{
			name:  "comments ignored",
			query: "# list\n{ repos { url } }",
			want:  []string{"gh.query.repos"},
		},
		{
			name:  "introspection fields skipped",
			query: `{ __typename repos { url } }`,
			want:  []string{"gh.query.repos"},
		},
		{
			name:  "malformed yields nil",
			query: `query {{{`,
			want:  nil,
		},
		{
			name:  "subscription unsupported",
			query: `subscription { events { id } }`,
			want:  nil,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, GraphQLFieldPaths("gh", tc.query))
		})
	}
}
