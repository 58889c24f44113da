// Package orcherr defines the orchestrator's error taxonomy: a small set of
// semantic kinds that every component maps its failures onto, independent of
// the underlying cause. Callers use errors.As to recover the Kind and decide
// whether to retry.
package orcherr

import (
	"errors"
	"fmt"
)

// Kind is one of the semantic error categories the orchestrator surfaces to
// callers and clients.
type Kind string

const (
	Validation        Kind = "validation"
	Conflict          Kind = "conflict"
	NotFound          Kind = "not_found"
	Contention        Kind = "contention"
	Backpressure      Kind = "backpressure"
	TransientExternal Kind = "transient_external"
	PermanentExternal Kind = "permanent_external"
	IntegrityViolation Kind = "integrity_violation"
	Cancelled         Kind = "cancelled"
)

// Error wraps an underlying cause with a semantic Kind and a stable Code used
// in the user-visible error({code, message}) event.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind. code defaults to the kind string
// when empty.
func New(kind Kind, code, message string, cause error) *Error {
	if code == "" {
		code = string(kind)
	}
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return New(kind, string(kind), message, cause)
}

// KindOf returns the Kind of err if it (or something it wraps) is an *Error,
// otherwise "" with ok=false.
func KindOf(err error) (Kind, bool) {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind, true
	}
	return "", false
}

// CodeOf returns the stable Code of err for the user-visible error({code,
// message}) event, or "internal_error" if err is not an *Error.
func CodeOf(err error) string {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Code
	}
	return "internal_error"
}

// Retryable reports whether a client SHOULD retry this error, per spec §7:
// only Backpressure/Contention/TransientExternal are retryable.
func Retryable(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	switch kind {
	case Backpressure, Contention, TransientExternal:
		return true
	default:
		return false
	}
}

// Common sentinel constructors used across components.

func NotFoundf(format string, args ...any) error {
	return New(NotFound, "not_found", fmt.Sprintf(format, args...), nil)
}

func Conflictf(format string, args ...any) error {
	return New(Conflict, "conflict", fmt.Sprintf(format, args...), nil)
}

func Validationf(format string, args ...any) error {
	return New(Validation, "validation", fmt.Sprintf(format, args...), nil)
}

var (
	ErrContention   = New(Contention, "contention", "lock not acquired", nil)
	ErrBackpressure = New(Backpressure, "backpressure", "too many concurrent requests", nil)
	ErrCancelled    = New(Cancelled, "cancelled", "operation cancelled", nil)
)
