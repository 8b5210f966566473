// Package result provides the success/failure wrapper returned across
// component boundaries in the streaming pipeline, and the error codes
// the orchestrator switches on.
package result

import (
	"errors"
	"fmt"
)

// Code classifies a failure. The orchestrator decides per code whether
// to report it to the client, abort silently, or log it.
type Code string

const (
	InvalidRequest Code = "invalid_request"
	InvalidCommand Code = "invalid_command"
	UnknownCommand Code = "unknown_command"
	NotFound       Code = "not_found"
	ProviderError  Code = "provider_error"
	WriteFailed    Code = "write_failed"
	InternalError  Code = "internal_error"
)

// Error is a coded failure. It wraps an optional underlying cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// Error returns the code and message. The message already includes the
// cause's text.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a coded error with a formatted message. A %w verb in
// format is recorded as the cause.
func Errorf(code Code, format string, args ...any) *Error {
	wrapped := fmt.Errorf(format, args...)
	return &Error{Code: code, Message: wrapped.Error(), Err: errors.Unwrap(wrapped)}
}

// CodeOf returns the code carried by err, or InternalError when err has
// none. A nil err has no code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return InternalError
}

// Result is either a value or a coded error, never both.
type Result[T any] struct {
	val T
	err *Error
}

// Ok wraps a successful value.
func Ok[T any](v T) Result[T] {
	return Result[T]{val: v}
}

// Fail wraps a coded error.
func Fail[T any](code Code, format string, args ...any) Result[T] {
	return Result[T]{err: Errorf(code, format, args...)}
}

// FromError converts err into a failed Result, keeping its code when it
// already carries one. A nil err panics, since there is no value to hold.
func FromError[T any](err error) Result[T] {
	if err == nil {
		panic("result: FromError called with nil error")
	}
	var e *Error
	if errors.As(err, &e) {
		return Result[T]{err: e}
	}
	return Result[T]{err: &Error{Code: InternalError, Message: err.Error(), Err: err}}
}

// Ok reports whether r holds a value.
func (r Result[T]) Ok() bool { return r.err == nil }

// Value returns the held value, or the zero value on failure.
func (r Result[T]) Value() T { return r.val }

// Err returns the coded error, or nil on success.
func (r Result[T]) Err() *Error { return r.err }

// Unwrap splits r into the conventional value, error pair.
func (r Result[T]) Unwrap() (T, error) {
	if r.err != nil {
		var zero T
		return zero, r.err
	}
	return r.val, nil
}
