package domain

import (
	"errors"
	"fmt"
)

// ─── Error Kinds ────────────────────────────────────────────────────────────
// Every expected failure mode is a value, not a panic. Callers of the
// sync engine and the approval machine receive a classified error and
// decide retry/surface behavior from the kind alone.

// ErrorKind is the error taxonomy exposed to callers.
type ErrorKind string

const (
	KindValidationFailed   ErrorKind = "validation_failed"   // malformed payload, business-rule violation — never retried
	KindPreconditionFailed ErrorKind = "precondition_failed" // stale state, concurrent modification — refresh and retry
	KindForbidden          ErrorKind = "forbidden"           // wrong role
	KindUnauthorized       ErrorKind = "unauthorized"        // no valid session — re-authenticate
	KindNotFound           ErrorKind = "not_found"
	KindTransient          ErrorKind = "transient" // network, timeout, storage unavailable — retriable
	KindUnknown            ErrorKind = "unknown"
)

// Error is a classified domain error.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error // wrapped cause, may be nil
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.Err }

// E constructs a classified error.
func E(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind ErrorKind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// NotFound builds the standard missing-record error.
func NotFound(entity, id string) *Error {
	return E(KindNotFound, "%s %s not found", entity, id)
}

// StoreUnavailable classifies a storage I/O failure. Callers must treat
// it as retriable, never as a semantic rejection.
func StoreUnavailable(err error) *Error {
	return Wrap(KindTransient, err, "local store unavailable")
}

// KindOf classifies any error. Unclassified errors map to KindUnknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}

// IsTransient reports whether err should be retried by the sync engine.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// Permanent reports whether repeating the identical payload cannot
// succeed (validation rejected by the remote).
func Permanent(err error) bool {
	switch KindOf(err) {
	case KindValidationFailed, KindForbidden, KindUnauthorized:
		return true
	}
	return false
}
