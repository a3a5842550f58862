// Package errdefs defines the daemon's error taxonomy. Every failure that
// crosses a component boundary is an *Error carrying a kind, a stable
// machine-readable code, and a details map that the HTTP layer serializes
// verbatim into failure responses.
package errdefs

import (
	"errors"
	"fmt"
)

// Kind groups errors by the subsystem responsible for them.
type Kind string

const (
	KindProtocol      Kind = "protocol"
	KindSecurity      Kind = "security"
	KindOrchestration Kind = "orchestration"
	KindCapability    Kind = "capability"
	KindState         Kind = "state"
)

// Stable error codes. Handlers and tests match on these, never on message
// text.
const (
	CodeParseError       = "parse_error"
	CodeValidationFailed = "validation_failed"
	CodeMigrationMissing = "migration_path_missing"
	CodeTemplateError    = "template_error"

	CodeScanRejected             = "input_scan_rejected"
	CodeIntentRejected           = "intent_verification_rejected"
	CodeApprovalRejected         = "approval_rejected"
	CodePermissionDenied         = "permission_not_granted"
	CodeProfileDenied            = "profile_denied"
	CodeRateLimited              = "rate_limit_exceeded"
	CodeEnvAccessDisabled        = "env_access_disabled"
	CodeModuleVersionUnsupported = "module_version_unsupported"

	CodeDependencyCycle  = "dependency_cycle"
	CodeDependencyFailed = "dependency_failed"
	CodeActionTimeout    = "action_timeout"
	CodePlanCancelled    = "plan_cancelled"
	CodePlanNotFound     = "plan_not_found"
	CodePlanNotRunning   = "plan_not_running"
	CodeSyncTimeout      = "sync_wait_timeout"

	CodeModuleNotFound  = "module_not_found"
	CodeActionNotFound  = "action_not_found"
	CodeExecutionFailed = "action_execution_failed"

	CodeStateIO = "state_store_io"
)

// Error is the single concrete error type used across the daemon.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// WithDetail attaches a key/value to the details map and returns e.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// WithCause records the underlying error and returns e.
func (e *Error) WithCause(cause error) *Error {
	e.cause = cause
	return e
}

// New constructs an Error.
func New(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Protocol builds a protocol-kind error.
func Protocol(code, format string, args ...any) *Error {
	return New(KindProtocol, code, format, args...)
}

// Security builds a security-kind error.
func Security(code, format string, args ...any) *Error {
	return New(KindSecurity, code, format, args...)
}

// Orchestration builds an orchestration-kind error.
func Orchestration(code, format string, args ...any) *Error {
	return New(KindOrchestration, code, format, args...)
}

// Capability builds a capability-kind error.
func Capability(code, format string, args ...any) *Error {
	return New(KindCapability, code, format, args...)
}

// State builds a state-kind error wrapping a store failure.
func State(format string, args ...any) *Error {
	return New(KindState, CodeStateIO, format, args...)
}

// AsError extracts the taxonomy error from an error chain, or nil.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// CodeOf returns the stable code of err, or "" when err is not an *Error.
func CodeOf(err error) string {
	if e := AsError(err); e != nil {
		return e.Code
	}
	return ""
}

// IsKind reports whether err belongs to the given kind.
func IsKind(err error, kind Kind) bool {
	e := AsError(err)
	return e != nil && e.Kind == kind
}
