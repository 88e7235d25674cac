package hook

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrHookInvocation marks a hook whose own computation failed.
	ErrHookInvocation = errors.New("hook invocation failed")
	// ErrSchemaViolation marks a hook result that is missing a required
	// field or has the wrong shape.
	ErrSchemaViolation = errors.New("hook result violates schema")
	// ErrConversion is reserved for boundary conversions that can fail.
	// Every conversion in this package is total, so nothing returns it yet.
	ErrConversion = errors.New("boundary conversion failed")
	// ErrInvalidRegistration is returned when a plugin cannot be registered.
	ErrInvalidRegistration = errors.New("invalid plugin registration")
)

// HookError is a stage-scoped failure with full provenance.
type HookError struct {
	Plugin  string
	Hook    HookName
	Stage   Stage
	Subject string // module id, specifier or chunk file name; empty for build-wide hooks
	Field   string // offending field for schema violations
	Kind    error  // one of ErrHookInvocation, ErrSchemaViolation, ErrConversion
	Err     error
}

func (e *HookError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "plugin %q hook %s (stage %s", e.Plugin, e.Hook, e.Stage)
	if e.Subject != "" {
		fmt.Fprintf(&b, ", subject %q", e.Subject)
	}
	b.WriteString("): ")
	b.WriteString(e.Kind.Error())
	if e.Field != "" {
		fmt.Fprintf(&b, " at field %q", e.Field)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the failure kind and the underlying cause.
func (e *HookError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// FieldError reports a malformed plugin response. Field is the JSON name of
// the offending field, or empty when the whole document is wrong.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("field %q: %s", e.Field, e.Reason)
}
