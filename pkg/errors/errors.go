// Package errors defines the service's error taxonomy: every error that can
// cross the HTTP boundary carries a stable machine code and a status.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinels for the error classes the service produces. Handlers and
// services derive concrete errors from these with Clone or Wrap.
var (
	ErrValidation  = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrNotFound    = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrForbidden   = New("FORBIDDEN", http.StatusForbidden, "forbidden")
	ErrConflict    = New("CONFLICT", http.StatusConflict, "conflict")
	ErrUnavailable = New("UPSTREAM_UNAVAILABLE", http.StatusBadGateway, "upstream data source unavailable")
	ErrInternal    = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")
)

// Error is a typed error with a machine-readable code, an HTTP status for
// the response boundary, a caller-safe message, and an optional cause that
// never leaves the process.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap exposes the cause to errors.Is/As chains.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches by code, so a Clone of a sentinel still satisfies
// errors.Is(err, sentinel).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e != nil && t != nil && e.Code == t.Code
}

// New builds an Error with no cause.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap builds an Error carrying err as its cause.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// Clone copies an Error, optionally overriding the message. Sentinels are
// shared; mutate only clones.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	return &clone
}

// FromError normalises any error for the response boundary. Errors without
// a taxonomy entry become INTERNAL_ERROR with the generic message, keeping
// infrastructure details out of responses.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}
