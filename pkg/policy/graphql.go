// SPDX-FileCopyrightText: Copyright 2025 Agentexec Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"strings"
	"unicode"
)

// GraphQLFieldPaths extracts the top-level field paths touched by a GraphQL
// operation, as <source>.query.<field> or <source>.mutation.<field>.
//
// The scanner is deliberately shallow: it reads the operation type, skips
// the optional name and variable definitions, and collects identifiers at
// brace depth 1. A query it cannot make sense of yields nil; callers fall
// back to the raw <source>.query path in that case.
func GraphQLFieldPaths(source, query string) []string {
	src := stripComments(query)
	src = strings.TrimSpace(src)
	if src == "" {
		return nil
	}

	opType := "query"
	rest := src
	switch {
	case strings.HasPrefix(src, "query"):
		rest = src[len("query"):]
	case strings.HasPrefix(src, "mutation"):
		opType = "mutation"
		rest = src[len("mutation"):]
	case strings.HasPrefix(src, "subscription"):
		// Subscriptions are not supported by the raw-operation tools.
		return nil
	case strings.HasPrefix(src, "{"):
		rest = src
	default:
		return nil
	}

	open := strings.Index(rest, "{")
	if open < 0 {
		return nil
	}
	body := rest[open+1:]

	var fields []string
	depth := 1
	parens := 0
	i := 0
	for i < len(body) && depth > 0 {
		c := body[i]
		switch {
		case c == '(':
			parens++
			i++
		case c == ')':
			parens--
			i++
		case c == '{':
			depth++
			i++
		case c == '}':
			depth--
			i++
		case c == '"':
			i = skipString(body, i)
		case depth == 1 && parens == 0 && isIdentStart(rune(c)):
			start := i
			for i < len(body) && isIdentPart(rune(body[i])) {
				i++
			}
			word := body[start:i]
			// An alias looks like `alias: field`; the policy subject is the
			// real field name, so drop the alias.
			j := skipSpaces(body, i)
			if j < len(body) && body[j] == ':' {
				i = j + 1
				continue
			}
			if word == "on" || strings.HasPrefix(word, "__") {
				i = j
				continue
			}
			fields = append(fields, source+"."+opType+"."+word)
		default:
			i++
		}
	}
	if depth != 0 {
		return nil
	}
	return dedupe(fields)
}

func stripComments(s string) string {
	var b strings.Builder
	for _, line := range strings.Split(s, "\n") {
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = line[:idx]
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

func skipString(s string, i int) int {
	i++ // opening quote
	for i < len(s) {
		if s[i] == '\\' {
			i += 2
			continue
		}
		if s[i] == '"' {
			return i + 1
		}
		i++
	}
	return i
}

func skipSpaces(s string, i int) int {
	for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r') {
		i++
	}
	return i
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
