// Package errorir defines the error taxonomy of the dashboard kernel. Every
// failure that reaches an event is expressed as an *Error with one Kind.
package errorir

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind identifies the taxonomy bucket of an error.
type Kind string

const (
	KindUnknownCommand   Kind = "UnknownCommand"
	KindInvalidArguments Kind = "InvalidArguments"
	KindBackendError     Kind = "BackendError"
	KindTimedOut         Kind = "TimedOut"
	KindCancelled        Kind = "Cancelled"
	// KindInternal marks programming defects, e.g. a panicking reducer.
	KindInternal Kind = "Internal"
)

// Classification defines the retry behavior for errors.
type Classification string

const (
	ClassificationRetryable    Classification = "RETRYABLE"
	ClassificationNonRetryable Classification = "NON_RETRYABLE"
)

// Canonical error codes.
const (
	CodeUnknownCommand   = "DASH/CORE/COMMAND/UNKNOWN"
	CodeInvalidArguments = "DASH/CORE/VALIDATION/INVALID_ARGUMENTS"
	CodeBackendError     = "DASH/CORE/EFFECT/UPSTREAM_ERROR"
	CodeTimedOut         = "DASH/CORE/EFFECT/TIMEOUT"
	CodeCancelled        = "DASH/CORE/LANE/CANCELLED"
	CodeInternal         = "DASH/CORE/INTERNAL/DEFECT"
)

var codes = map[Kind]string{
	KindUnknownCommand:   CodeUnknownCommand,
	KindInvalidArguments: CodeInvalidArguments,
	KindBackendError:     CodeBackendError,
	KindTimedOut:         CodeTimedOut,
	KindCancelled:        CodeCancelled,
	KindInternal:         CodeInternal,
}

// Error is a taxonomy error. Op names the command tag, query tag or backend
// operation the error originated from.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	} else if e.Cause != nil {
		msg = msg + ": " + e.Cause.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s %s: %s", e.Kind, e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error of the same kind, so errors.Is(err, &Error{Kind: KindTimedOut}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// Code returns the canonical error code.
func (e *Error) Code() string {
	if c, ok := codes[e.Kind]; ok {
		return c
	}
	return CodeInternal
}

// Classification reports whether a retry may succeed.
func (e *Error) Classification() Classification {
	switch e.Kind {
	case KindBackendError, KindTimedOut:
		return ClassificationRetryable
	default:
		return ClassificationNonRetryable
	}
}

// UnknownCommand reports an unregistered command tag. suggestion may be empty.
func UnknownCommand(tag, suggestion string) *Error {
	msg := "command type is not registered"
	if suggestion != "" {
		msg += fmt.Sprintf(" (did you mean %s?)", suggestion)
	}
	return &Error{Kind: KindUnknownCommand, Op: tag, Message: msg}
}

// InvalidArguments reports a payload validation failure.
func InvalidArguments(op, format string, args ...any) *Error {
	return &Error{Kind: KindInvalidArguments, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Backend wraps a failed external operation.
func Backend(op string, cause error) *Error {
	return &Error{Kind: KindBackendError, Op: op, Message: "operation failed", Cause: cause}
}

// TimedOut reports an invoke that exceeded its deadline.
func TimedOut(op string, after time.Duration) *Error {
	return &Error{Kind: KindTimedOut, Op: op, Message: fmt.Sprintf("no result within %s", after), Cause: context.DeadlineExceeded}
}

// Cancelled reports a pre-empted or explicitly cancelled lane.
func Cancelled(op, reason string) *Error {
	return &Error{Kind: KindCancelled, Op: op, Message: reason, Cause: context.Canceled}
}

// Internal reports a programming defect.
func Internal(op string, cause error) *Error {
	return &Error{Kind: KindInternal, Op: op, Message: "internal defect", Cause: cause}
}

// From maps any error onto the taxonomy. Unclassified errors become Internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimedOut, Message: "deadline exceeded", Cause: err}
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindCancelled, Message: "context cancelled", Cause: err}
	}
	return Internal("", err)
}

// KindOf returns the taxonomy kind of err, or "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return From(err).Kind
}

// IsKind reports whether err belongs to kind k.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}
