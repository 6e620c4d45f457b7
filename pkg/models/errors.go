package models

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is.
var (
	ErrValidation   = errors.New("validation error")
	ErrNotFound     = errors.New("not found")
	ErrUnknownNode  = fmt.Errorf("unknown node: %w", ErrNotFound)
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrTransport    = errors.New("transport error")
	ErrCapacity     = errors.New("no eligible node")
	ErrUnauthorized = errors.New("unauthorized")
)

// Error wraps a scheduler error with the operation and entity it concerns
type Error struct {
	Kind   error  // One of the Err* kinds above
	Op     string // "register", "heartbeat", "apply_progress", ...
	Entity string // Node or job ID
	Msg    string
	Err    error
}

// Error implements error interface
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.Error()
	}
	prefix := e.Op
	if e.Entity != "" {
		prefix = fmt.Sprintf("%s %s", e.Op, e.Entity)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, msg)
}

// Unwrap exposes both the kind and the underlying cause
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewError creates a new error of the given kind
func NewError(kind error, op, entity, msg string) *Error {
	return &Error{Kind: kind, Op: op, Entity: entity, Msg: msg}
}

// WrapError creates a new error of the given kind around a cause
func WrapError(kind error, op, entity string, err error) *Error {
	return &Error{Kind: kind, Op: op, Entity: entity, Err: err}
}

// Validationf is shorthand for a formatted ValidationError
func Validationf(op, format string, args ...interface{}) *Error {
	return NewError(ErrValidation, op, "", fmt.Sprintf(format, args...))
}

// IsRetryable reports whether the error is worth retrying against another node
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport)
}
