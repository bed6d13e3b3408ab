package call

import (
	"errors"
	"fmt"
)

// Kind classifies an error for transport mapping. Kinds are stable across
// the socket and REST surfaces.
type Kind string

const (
	KindUnauthenticated Kind = "unauthenticated"
	KindBadInput        Kind = "bad-input"
	KindConflict        Kind = "conflict"
	KindForbidden       Kind = "forbidden"
	KindNotFound        Kind = "not-found"
	KindTimeout         Kind = "timeout"
	KindValidation      Kind = "validation-failed"
	KindExternal        Kind = "external"
	KindInternal        Kind = "internal"
)

// Error is a kinded error. Wrapped causes stay available to errors.Is/As
// while the Kind drives the client-facing code.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a kinded error.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to a cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from an error chain, defaulting to internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
