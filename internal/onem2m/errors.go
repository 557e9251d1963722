package onem2m

import (
	"errors"
	"fmt"
)

// Error is the domain error every component returns for protocol failures.
// It carries the oneM2M Response Status Code so the dispatcher can convert
// it to a wire response without inspecting error strings.
type Error struct {
	// Code is the response status code conveyed to the originator.
	Code RSC

	// Message is the human-readable description placed in m2m:dbg.
	Message string

	// Cause is the wrapped underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (rsc %d): %v", e.Message, e.Code, e.Cause)
	}
	return fmt.Sprintf("%s (rsc %d)", e.Message, e.Code)
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Errorf builds an Error with a formatted message.
func Errorf(code RSC, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an Error wrapping cause.
func WrapError(code RSC, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// RSCFromError extracts the response status code from an error chain.
// Errors that do not carry an RSC map to 5000.
func RSCFromError(err error) RSC {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return RSCInternalServerError
}

// Convenience constructors for the codes components raise most often.

// ErrNotFound reports a target that does not resolve.
func ErrNotFound(target string) *Error {
	return Errorf(RSCNotFound, "resource not found: %s", target)
}

// ErrBadRequest reports a malformed or invalid primitive.
func ErrBadRequest(format string, args ...any) *Error {
	return Errorf(RSCBadRequest, format, args...)
}

// ErrNoPrivilege reports a denied operation for an originator.
func ErrNoPrivilege(originator string, op Operation) *Error {
	return Errorf(RSCOriginatorHasNoPrivilege, "originator %s has no %s privilege", originator, op)
}
