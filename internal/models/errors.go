package models

import (
	"errors"
	"fmt"
)

// ErrorType represents different categories of errors
type ErrorType int

const (
	ErrUpstreamRateLimited ErrorType = iota
	ErrUpstreamTransient
	ErrUpstreamAuthFailed
	ErrNotFound
	ErrParseFailure
	ErrProtocolViolation
	ErrInvalidConfig
	ErrStorage
)

// String returns the string representation of ErrorType
func (e ErrorType) String() string {
	switch e {
	case ErrUpstreamRateLimited:
		return "UpstreamRateLimited"
	case ErrUpstreamTransient:
		return "UpstreamTransient"
	case ErrUpstreamAuthFailed:
		return "UpstreamAuthFailed"
	case ErrNotFound:
		return "NotFound"
	case ErrParseFailure:
		return "ParseFailure"
	case ErrProtocolViolation:
		return "ProtocolViolation"
	case ErrInvalidConfig:
		return "InvalidConfig"
	case ErrStorage:
		return "Storage"
	default:
		return "Unknown"
	}
}

// NotFound is the typed absence shared by the store, the index and the
// upstream client. Match it with errors.Is.
var NotFound = &Error{Type: ErrNotFound, Err: errors.New("not found")}

// Error is the error type returned across package boundaries.
type Error struct {
	Type    ErrorType
	Package string
	Err     error
}

// NewError wraps err with a category and, optionally, the package it concerns.
func NewError(t ErrorType, pkg string, err error) *Error {
	return &Error{Type: t, Package: pkg, Err: err}
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Package != "" {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Package, e.Err)
	}
	return fmt.Sprintf("[%s] %v", e.Type, e.Err)
}

// Unwrap returns the wrapped error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports a match for any *Error of the same type, so that
// errors.Is(err, NotFound) holds for every not-found error regardless of
// the package or cause it carries.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Type == e.Type && (t.Package == "" || t.Package == e.Package)
}

// TypeOf returns the category of the first *Error in err's chain.
func TypeOf(err error) (ErrorType, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Type, true
	}
	return 0, false
}

// IsType reports whether err carries the given category.
func IsType(err error, t ErrorType) bool {
	got, ok := TypeOf(err)
	return ok && got == t
}
