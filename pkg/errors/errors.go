// SPDX-FileCopyrightText: Copyright 2025 Agentexec Authors
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the domain error taxonomy surfaced to clients.
package errors

import (
	"errors"
	"fmt"
)

// Error types
const (
	// ErrValidation is returned when a submission carries a missing or
	// invalid field, or names an unknown runtime.
	ErrValidation = "validation"

	// ErrUnauthorized is returned for a missing or invalid bearer token,
	// or a token/context mismatch.
	ErrUnauthorized = "unauthorized"

	// ErrForbidden is returned when the workspace ACL rejects the caller.
	ErrForbidden = "forbidden"

	// ErrPolicyDeny is returned when the policy evaluator denies a tool call.
	ErrPolicyDeny = "policy_deny"

	// ErrApprovalDenied is returned when a human reviewer denied a tool call.
	ErrApprovalDenied = "approval_denied"

	// ErrApprovalPending is an internal outcome while a tool call awaits a
	// human decision; runtimes translate it into a retry loop.
	ErrApprovalPending = "approval_pending"

	// ErrCredentialMissing is returned when a tool has no credential binding
	// and no static secret.
	ErrCredentialMissing = "credential_missing"

	// ErrToolUnknown is returned when a tool path resolves to nothing, even
	// after alias resolution.
	ErrToolUnknown = "tool_unknown"

	// ErrRuntime is returned when the sandbox worker crashed, the network
	// failed, or the run timed out.
	ErrRuntime = "runtime_error"

	// ErrIdempotencyConflict is returned when a tool call is re-invoked
	// after reaching a terminal state.
	ErrIdempotencyConflict = "idempotency_conflict"

	// ErrInternal is returned for everything else.
	ErrInternal = "internal"
)

// Error represents a domain error in the service.
type Error struct {
	// Type is the error type from the taxonomy above.
	Type string

	// Message is the error message.
	Message string

	// Cause is the underlying error.
	Cause error
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new Error with the given type and message.
func New(errType, message string) *Error {
	return &Error{Type: errType, Message: message}
}

// Newf creates a new Error with a formatted message.
func Newf(errType, format string, args ...any) *Error {
	return &Error{Type: errType, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a new Error wrapping a cause.
func Wrap(errType, message string, cause error) *Error {
	return &Error{Type: errType, Message: message, Cause: cause}
}

// TypeOf extracts the taxonomy type from an error chain. Errors outside the
// taxonomy report ErrInternal.
func TypeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Type
	}
	return ErrInternal
}

// IsType reports whether err carries the given taxonomy type.
func IsType(err error, errType string) bool {
	return TypeOf(err) == errType
}
