// SPDX-FileCopyrightText: Copyright 2025 Agentexec Authors
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	errs "github.com/agentexec/agentexec/pkg/errors"
	"github.com/agentexec/agentexec/pkg/mediator"
	"github.com/agentexec/agentexec/pkg/store"
)

// LocalRuntimeID names the in-process runtime.
const LocalRuntimeID = "local"

// LocalRuntime executes a restricted script form in-process: a single
// `return <expression>` statement where the expression is a literal, an
// arithmetic expression, or `await tools.<path>(<args>)`. Tool calls route
// through the injected invoker; a call held for approval is retried at the
// mediator's advertised interval until the run deadline expires.
type LocalRuntime struct{}

// NewLocalRuntime creates the in-process runtime.
func NewLocalRuntime() *LocalRuntime { return &LocalRuntime{} }

// ID implements Runtime.
func (*LocalRuntime) ID() string { return LocalRuntimeID }

// Run implements Runtime.
func (*LocalRuntime) Run(ctx context.Context, task *store.Task, invoke ToolInvoker) (*RunOutcome, error) {
	value, err := evalScript(ctx, task, invoke)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode run result: %w", err)
	}
	zero := 0
	return &RunOutcome{Status: store.TaskCompleted, ExitCode: &zero, Result: raw}, nil
}

func evalScript(ctx context.Context, task *store.Task, invoke ToolInvoker) (any, error) {
	code := strings.TrimSpace(task.Code)
	code = strings.TrimSuffix(code, ";")
	if !strings.HasPrefix(code, "return") {
		return nil, errs.New(errs.ErrValidation, "local runtime scripts must be a single return statement")
	}
	expr := strings.TrimSpace(strings.TrimPrefix(code, "return"))
	if expr == "" {
		return nil, nil
	}

	if strings.HasPrefix(expr, "await tools.") {
		return evalToolCall(ctx, task, invoke, strings.TrimPrefix(expr, "await tools."))
	}
	return evalExpression(expr)
}

// evalToolCall parses `<path>(<args>)` and invokes the tool, looping on
// approval suspensions. The call id is derived from the task so retries
// hit the same idempotency row.
func evalToolCall(ctx context.Context, task *store.Task, invoke ToolInvoker, call string) (any, error) {
	open := strings.Index(call, "(")
	if open < 0 || !strings.HasSuffix(call, ")") {
		return nil, errs.New(errs.ErrValidation, "malformed tool call; expected tools.<path>(<args>)")
	}
	toolPath := strings.TrimSpace(call[:open])
	argText := strings.TrimSpace(call[open+1 : len(call)-1])

	var input map[string]any
	if argText != "" {
		normalized := normalizeObjectLiteral(argText)
		if err := json.Unmarshal([]byte(normalized), &input); err != nil {
			return nil, errs.Newf(errs.ErrValidation, "tool call arguments are not an object literal: %v", err)
		}
	}

	callID := "call_0"
	for {
		value, err := invoke(ctx, task, callID, toolPath, input)
		if err == nil {
			return value, nil
		}

		var pending *mediator.PendingError
		if !errors.As(err, &pending) {
			return nil, err
		}

		retryAfter := time.Duration(pending.RetryAfterMs) * time.Millisecond
		if retryAfter <= 0 {
			retryAfter = mediator.DefaultRetryAfterMs * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryAfter):
		}
	}
}

// evalExpression handles literals and flat arithmetic. JSON literals pass
// through unchanged; everything else must reduce to numbers and + - * /.
func evalExpression(expr string) (any, error) {
	normalized := normalizeObjectLiteral(expr)
	var value any
	if err := json.Unmarshal([]byte(normalized), &value); err == nil {
		return value, nil
	}
	n, err := evalArithmetic(expr)
	if err != nil {
		return nil, errs.Newf(errs.ErrValidation, "unsupported expression %q", expr)
	}
	return n, nil
}

// evalArithmetic evaluates + - * / over numbers with standard precedence
// and parentheses.
func evalArithmetic(expr string) (float64, error) {
	p := &arithParser{input: expr}
	v, err := p.parseSum()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return 0, fmt.Errorf("trailing input at %d", p.pos)
	}
	return v, nil
}

type arithParser struct {
	input string
	pos   int
}

func (p *arithParser) skipSpace() {
	for p.pos < len(p.input) && p.input[p.pos] == ' ' {
		p.pos++
	}
}

func (p *arithParser) parseSum() (float64, error) {
	left, err := p.parseProduct()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		if p.pos >= len(p.input) || (p.input[p.pos] != '+' && p.input[p.pos] != '-') {
			return left, nil
		}
		op := p.input[p.pos]
		p.pos++
		right, err := p.parseProduct()
		if err != nil {
			return 0, err
		}
		if op == '+' {
			left += right
		} else {
			left -= right
		}
	}
}

func (p *arithParser) parseProduct() (float64, error) {
	left, err := p.parseAtom()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		if p.pos >= len(p.input) || (p.input[p.pos] != '*' && p.input[p.pos] != '/') {
			return left, nil
		}
		op := p.input[p.pos]
		p.pos++
		right, err := p.parseAtom()
		if err != nil {
			return 0, err
		}
		if op == '*' {
			left *= right
		} else {
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left /= right
		}
	}
}

func (p *arithParser) parseAtom() (float64, error) {
	p.skipSpace()
	if p.pos < len(p.input) && p.input[p.pos] == '(' {
		p.pos++
		v, err := p.parseSum()
		if err != nil {
			return 0, err
		}
		p.skipSpace()
		if p.pos >= len(p.input) || p.input[p.pos] != ')' {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return v, nil
	}

	start := p.pos
	if p.pos < len(p.input) && (p.input[p.pos] == '-' || p.input[p.pos] == '+') {
		p.pos++
	}
	for p.pos < len(p.input) && (p.input[p.pos] >= '0' && p.input[p.pos] <= '9' || p.input[p.pos] == '.') {
		p.pos++
	}
	if start == p.pos {
		return 0, fmt.Errorf("expected number at %d", start)
	}
	return strconv.ParseFloat(p.input[start:p.pos], 64)
}

// normalizeObjectLiteral rewrites a relaxed object literal (single-quoted
// strings, bare keys) into strict JSON. Input that is already strict JSON
// passes through verbatim so its escape sequences survive untouched.
func normalizeObjectLiteral(s string) string {
	if json.Valid([]byte(s)) {
		return s
	}
	var b strings.Builder
	runes := []rune(s)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case r == '"' || r == '\'':
			quote := r
			var content strings.Builder
			i++
			for i < len(runes) && runes[i] != quote {
				if runes[i] == '\\' && i+1 < len(runes) {
					content.WriteRune(runes[i])
					content.WriteRune(runes[i+1])
					i += 2
					continue
				}
				content.WriteRune(runes[i])
				i++
			}
			i++ // closing quote
			b.WriteString(strconv.Quote(unescapeLiteral(content.String())))
		case isIdentStart(r):
			start := i
			for i < len(runes) && isIdentPart(runes[i]) {
				i++
			}
			word := string(runes[start:i])
			switch word {
			case "true", "false", "null":
				b.WriteString(word)
			default:
				b.WriteString(strconv.Quote(word))
			}
		default:
			b.WriteRune(r)
			i++
		}
	}
	return b.String()
}

// unescapeLiteral decodes the JSON/JS escape set inside a string literal's
// content. Escapes it cannot decode are kept verbatim.
func unescapeLiteral(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); {
		if s[i] != '\\' || i+1 >= len(s) {
			b.WriteByte(s[i])
			i++
			continue
		}
		switch e := s[i+1]; e {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		case '\'', '"', '\\', '/':
			b.WriteByte(e)
		case 'u':
			if r, size, ok := decodeUnicodeEscape(s[i:]); ok {
				b.WriteRune(r)
				i += size
				continue
			}
			b.WriteString(s[i : i+2])
		default:
			b.WriteString(s[i : i+2])
		}
		i += 2
	}
	return b.String()
}

// decodeUnicodeEscape reads a \uXXXX escape at the start of s, combining a
// surrogate pair when a second escape follows.
func decodeUnicodeEscape(s string) (rune, int, bool) {
	hex4 := func(offset int) (rune, bool) {
		if len(s) < offset+4 {
			return 0, false
		}
		n, err := strconv.ParseUint(s[offset:offset+4], 16, 32)
		if err != nil {
			return 0, false
		}
		return rune(n), true
	}
	r1, ok := hex4(2)
	if !ok {
		return 0, 0, false
	}
	if utf16.IsSurrogate(r1) && len(s) >= 12 && s[6] == '\\' && s[7] == 'u' {
		if r2, ok := hex4(8); ok {
			if r := utf16.DecodeRune(r1, r2); r != utf8.RuneError {
				return r, 12, true
			}
		}
	}
	return r1, 6, true
}

func isIdentStart(r rune) bool {
	return r == '_' || r == '$' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func isIdentPart(r rune) bool {
	return isIdentStart(r) || (r >= '0' && r <= '9')
}
