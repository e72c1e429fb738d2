// Package apperr provides structured errors shared by the gateway components.
package apperr

import (
	"errors"
	"fmt"
)

// Code categorizes an error.
type Code string

const (
	CodeStorage         Code = "STORAGE"
	CodeNoActiveSession Code = "NO_ACTIVE_SESSION"
	CodeLeaseHeld       Code = "LEASE_HELD"
	CodeUnauthorized    Code = "UNAUTHORIZED"
	CodeInvalidPattern  Code = "INVALID_PATTERN"
	CodeWebhookPolicy   Code = "WEBHOOK_POLICY"
	CodeTransmission    Code = "TRANSMISSION"
	CodeInvalidInput    Code = "INVALID_INPUT"
	CodeNotFound        Code = "NOT_FOUND"
	CodeBroker          Code = "BROKER"
	CodeInternal        Code = "INTERNAL"
)

// Error is a categorized application error.
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Cause     error  `json:"-"`
	Retryable bool   `json:"retryable"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error without a cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err with a code and message.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Cause: err}
}

// WrapRetryable wraps err and marks it as retryable.
func WrapRetryable(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Cause: err, Retryable: true}
}

// CodeOf extracts the code from err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsRetryable reports whether err was marked retryable.
func IsRetryable(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}
