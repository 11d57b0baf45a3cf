// SPDX-FileCopyrightText: Copyright 2025 Agentexec Authors
// SPDX-License-Identifier: Apache-2.0

package inventory

import (
	"fmt"
	"sort"
	"strings"
)

// GenerateDeclarations renders TypeScript declaration text for the tools
// namespace so agent-authored task code gets editor support. Descriptors
// must already be sorted by path; the output is deterministic.
func GenerateDeclarations(descriptors []Descriptor) []byte {
	root := newDeclNode()
	for i := range descriptors {
		d := &descriptors[i]
		segments := strings.Split(d.Path, ".")
		node := root
		for _, seg := range segments[:len(segments)-1] {
			node = node.child(seg)
		}
		node.tools[segments[len(segments)-1]] = d
	}

	var b strings.Builder
	b.WriteString("// Generated tool declarations. Do not edit.\n")
	b.WriteString("declare namespace tools {\n")
	root.render(&b, 1)
	b.WriteString("}\n")
	return []byte(b.String())
}

type declNode struct {
	children map[string]*declNode
	tools    map[string]*Descriptor
}

func newDeclNode() *declNode {
	return &declNode{children: make(map[string]*declNode), tools: make(map[string]*Descriptor)}
}

func (n *declNode) child(name string) *declNode {
	c, ok := n.children[name]
	if !ok {
		c = newDeclNode()
		n.children[name] = c
	}
	return c
}

func (n *declNode) render(b *strings.Builder, depth int) {
	indent := strings.Repeat("  ", depth)

	names := make([]string, 0, len(n.tools))
	for name := range n.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		d := n.tools[name]
		if d.Description != "" {
			fmt.Fprintf(b, "%s/** %s */\n", indent, strings.ReplaceAll(d.Description, "*/", "*\\/"))
		}
		fmt.Fprintf(b, "%sfunction %s(input%s): Promise<unknown>;\n",
			indent, sanitizeIdent(name), inputType(d.InputSchema))
	}

	childNames := make([]string, 0, len(n.children))
	for name := range n.children {
		childNames = append(childNames, name)
	}
	sort.Strings(childNames)
	for _, name := range childNames {
		fmt.Fprintf(b, "%snamespace %s {\n", indent, sanitizeIdent(name))
		n.children[name].render(b, depth+1)
		fmt.Fprintf(b, "%s}\n", indent)
	}
}

// inputType renders the input parameter's type annotation, marking it
// optional when the schema requires nothing.
func inputType(schema map[string]any) string {
	props, _ := schema["properties"].(map[string]any)
	required := make(map[string]bool)
	if reqs, ok := schema["required"].([]string); ok {
		for _, r := range reqs {
			required[r] = true
		}
	} else if reqs, ok := schema["required"].([]any); ok {
		for _, r := range reqs {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	}

	if len(props) == 0 {
		return "?: Record<string, unknown>"
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]string, 0, len(names))
	for _, name := range names {
		opt := "?"
		if required[name] {
			opt = ""
		}
		fields = append(fields, fmt.Sprintf("%s%s: %s", propertyKey(name), opt, tsType(props[name])))
	}

	marker := "?"
	if len(required) > 0 {
		marker = ""
	}
	return fmt.Sprintf("%s: { %s }", marker, strings.Join(fields, "; "))
}

func tsType(schema any) string {
	m, ok := schema.(map[string]any)
	if !ok {
		return "unknown"
	}
	switch m["type"] {
	case "string":
		return "string"
	case "integer", "number":
		return "number"
	case "boolean":
		return "boolean"
	case "array":
		return tsType(m["items"]) + "[]"
	case "object":
		return "Record<string, unknown>"
	default:
		return "unknown"
	}
}

func sanitizeIdent(name string) string {
	var b strings.Builder
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_', r == '$':
			b.WriteRune(r)
		case r >= '0' && r <= '9' && i > 0:
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

func propertyKey(name string) string {
	if name == sanitizeIdent(name) {
		return name
	}
	return fmt.Sprintf("%q", name)
}
