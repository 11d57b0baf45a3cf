// SPDX-FileCopyrightText: Copyright 2025 Agentexec Authors
// SPDX-License-Identifier: Apache-2.0

package mediator

import (
	"sort"
	"strings"

	"github.com/agentexec/agentexec/pkg/sources"
)

// resolveAlias matches a tool path after normalizing both sides segment by
// segment (lowercase, non-alphanumerics stripped). Only a unique hit is
// accepted; an ambiguous normalization resolves to nothing.
func resolveAlias(tools map[string]*sources.ToolDefinition, toolPath string) string {
	want := normalizePath(toolPath)
	match := ""
	for path := range tools {
		if normalizePath(path) != want {
			continue
		}
		if match != "" {
			return ""
		}
		match = path
	}
	return match
}

func normalizePath(path string) string {
	segments := strings.Split(path, ".")
	for i, seg := range segments {
		var b strings.Builder
		for _, r := range strings.ToLower(seg) {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
				b.WriteRune(r)
			}
		}
		segments[i] = b.String()
	}
	return strings.Join(segments, ".")
}

// suggest ranks candidate tool paths for a did-you-mean message. Lower
// scores rank higher: the base score is the Levenshtein distance, reduced
// by bonuses for a matching namespace (6), a substring relation (3), and a
// shared prefix per segment (2 each).
func suggest(tools map[string]*sources.ToolDefinition, toolPath string, limit int) []string {
	wantSegments := strings.Split(strings.ToLower(toolPath), ".")

	type scored struct {
		path  string
		score int
	}
	candidates := make([]scored, 0, len(tools))

	for path := range tools {
		candSegments := strings.Split(strings.ToLower(path), ".")
		score := levenshtein(strings.ToLower(toolPath), strings.ToLower(path))
		if wantSegments[0] == candSegments[0] {
			score -= 6
		}
		lp, lc := strings.ToLower(toolPath), strings.ToLower(path)
		if strings.Contains(lc, lp) || strings.Contains(lp, lc) {
			score -= 3
		}
		for i := 0; i < len(wantSegments) && i < len(candSegments); i++ {
			if wantSegments[i] != "" && strings.HasPrefix(candSegments[i], wantSegments[i]) {
				score -= 2
			}
		}
		candidates = append(candidates, scored{path: path, score: score})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score < candidates[j].score
		}
		return candidates[i].path < candidates[j].path
	})

	// Anything scoring worse than the raw length of the request is noise.
	cutoff := len(toolPath)
	out := make([]string, 0, limit)
	for _, c := range candidates {
		if len(out) == limit {
			break
		}
		if c.score > cutoff {
			break
		}
		out = append(out, c.path)
	}
	return out
}

// levenshtein is the standard two-row edit distance.
func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
