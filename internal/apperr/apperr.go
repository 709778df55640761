// Package apperr is the error taxonomy shared by every orchestration component.
// The API layer maps a Kind to an HTTP status in exactly one place.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrConflict            = errors.New("conflict")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidInput        = errors.New("invalid input")
	ErrDependency          = errors.New("dependency failure")
	ErrTimeout             = errors.New("timeout")
	ErrInternal            = errors.New("internal error")
)

// Kind is the category of an error
type Kind string

const (
	KindValidation          Kind = "validation"
	KindAuth                Kind = "auth"
	KindForbidden           Kind = "forbidden"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindInsufficientCredits Kind = "insufficient_credits"
	KindDependency          Kind = "dependency"
	KindTimeout             Kind = "timeout"
	KindInternal            Kind = "internal"
)

// Error is a structured orchestration error.
type Error struct {
	Kind    Kind
	Op      string // Operation that failed (e.g., "start_production", "handle_callback")
	Message string // Safe to show to callers
	Err     error  // Underlying error

	// Set on KindConflict when a lease is held.
	LockedUntil *time.Time
	LockReason  string
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrUnauthorized:
		return e.Kind == KindAuth
	case ErrForbidden:
		return e.Kind == KindForbidden
	case ErrConflict:
		return e.Kind == KindConflict
	case ErrInsufficientCredits:
		return e.Kind == KindInsufficientCredits
	case ErrInvalidInput:
		return e.Kind == KindValidation
	case ErrDependency:
		return e.Kind == KindDependency
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrInternal:
		return e.Kind == KindInternal
	}

	return errors.Is(e.Err, target)
}

// Retryable reports whether a caller may retry the same request later.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindConflict, KindDependency, KindTimeout, KindInternal:
		return true
	default:
		return false
	}
}

func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

func Wrap(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

func Validation(op, message string) *Error {
	return New(KindValidation, op, message)
}

func NotFound(op, what string) *Error {
	return New(KindNotFound, op, what+" not found")
}

func Auth(op, message string) *Error {
	return New(KindAuth, op, message)
}

func Forbidden(op, message string) *Error {
	return New(KindForbidden, op, message)
}

// Conflict reports a held lease, carrying its expiry so clients know when to retry.
func Conflict(op string, lockedUntil *time.Time, reason string) *Error {
	return &Error{
		Kind:        KindConflict,
		Op:          op,
		Message:     "conversation is locked",
		LockedUntil: lockedUntil,
		LockReason:  reason,
	}
}

func InsufficientCredits(op string, have, need float64) *Error {
	return New(KindInsufficientCredits, op, fmt.Sprintf("need %.1f credits, have %.1f", need, have))
}

func Dependency(op, message string, err error) *Error {
	return Wrap(KindDependency, op, message, err)
}

func Internal(op string, err error) *Error {
	return Wrap(KindInternal, op, "internal error", err)
}

// KindOf returns the kind of err, defaulting to KindInternal for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// As is a convenience for errors.As on *Error.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
