// Package errdefs defines the error kinds surfaced by the orchestrator.
// Request-time kinds (NotFound, Validation, EngineSubmission) are returned
// synchronously to callers; everything else lands in the job record.
package errdefs

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindValidation       Kind = "validation"
	KindEngineSubmission Kind = "engine_submission"
	KindEngineExecution  Kind = "engine_execution"
	KindDelivery         Kind = "delivery"
	KindNotification     Kind = "notification"
)

// Error carries an error kind plus human-readable detail.
type Error struct {
	Kind   Kind
	Detail string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.cause }

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Detail: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Detail: fmt.Sprintf(format, args...)}
}

func EngineSubmission(cause error, format string, args ...any) *Error {
	return &Error{Kind: KindEngineSubmission, Detail: fmt.Sprintf(format, args...), cause: cause}
}

func EngineExecution(format string, args ...any) *Error {
	return &Error{Kind: KindEngineExecution, Detail: fmt.Sprintf(format, args...)}
}

func Delivery(cause error, format string, args ...any) *Error {
	return &Error{Kind: KindDelivery, Detail: fmt.Sprintf(format, args...), cause: cause}
}

func Notification(cause error, format string, args ...any) *Error {
	return &Error{Kind: KindNotification, Detail: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf returns the kind of err if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
