package job

import (
	"errors"
	"fmt"
)

// Kind classifies errors surfaced to producers and pool callers.
// Every error carries a stable kind plus a human-readable message.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindNotFound        Kind = "not_found"
	KindUnknownTaskType Kind = "unknown_task_type"
	KindTimeout         Kind = "timeout"
	KindHandler         Kind = "handler"
)

// Error is the taxonomy type for queue/pool failures.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string { return e.msg }
func (e *Error) Unwrap() error { return e.err }

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// NewValidation reports a request rejected synchronously at admission.
func NewValidation(format string, args ...any) *Error {
	return newError(KindValidation, format, args...)
}

// NewNotFound reports a lookup of a nonexistent job or schedule.
func NewNotFound(format string, args ...any) *Error {
	return newError(KindNotFound, format, args...)
}

// NewUnknownTaskType reports an execute call for an unregistered worker type.
func NewUnknownTaskType(t Type) *Error {
	return newError(KindUnknownTaskType, "unknown task type: %s", t)
}

// NewTimeout reports a handler that exceeded its deadline.
func NewTimeout(t Type, format string, args ...any) *Error {
	e := newError(KindTimeout, format, args...)
	e.err = fmt.Errorf("task type %s", t)
	return e
}

// WrapHandler captures a fault raised by the task handler itself.
func WrapHandler(t Type, err error) *Error {
	return &Error{Kind: KindHandler, msg: fmt.Sprintf("handler for %s failed: %v", t, err), err: err}
}

// IsKind reports whether err (or anything it wraps) is an Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

func IsValidation(err error) bool { return IsKind(err, KindValidation) }
func IsNotFound(err error) bool   { return IsKind(err, KindNotFound) }
func IsTimeout(err error) bool    { return IsKind(err, KindTimeout) }
