// Package apperr defines the error kinds shared by the control plane and mapped to HTTP status codes by the API layer.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need to react to it
type Kind string

const (
	// KindNotFound means a referenced user or resource does not exist
	KindNotFound Kind = "not_found"
	// KindInvalidArgument means the caller supplied a value the operation cannot accept
	KindInvalidArgument Kind = "invalid_argument"
	// KindUnavailable means a required backing service could not be reached
	KindUnavailable Kind = "unavailable"
)

// Error is a classified error with a human readable message
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NotFound creates a KindNotFound error
func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// InvalidArgument creates a KindInvalidArgument error
func InvalidArgument(format string, args ...any) error {
	return &Error{Kind: KindInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

// Unavailable wraps err as a KindUnavailable error
func Unavailable(err error, format string, args ...any) error {
	return &Error{Kind: KindUnavailable, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first classified error in err's chain, or "" if there is none
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsNotFound reports whether err is classified as KindNotFound
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsInvalidArgument reports whether err is classified as KindInvalidArgument
func IsInvalidArgument(err error) bool {
	return KindOf(err) == KindInvalidArgument
}
