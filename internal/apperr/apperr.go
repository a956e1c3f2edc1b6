// Package apperr is the error taxonomy shared by services and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindInternal   Kind = "internal"
	KindNotFound   Kind = "not_found"
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindExpired    Kind = "expired"
	KindTransient  Kind = "transient"
	KindForbidden  Kind = "forbidden"
)

type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details any
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// WithDetails returns a copy of e carrying details.
func (e *Error) WithDetails(details any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

func newError(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: cause}
}

func NotFound(code, message string) *Error {
	return newError(KindNotFound, code, message, nil)
}

func Validation(code, message string) *Error {
	return newError(KindValidation, code, message, nil)
}

func Conflict(code, message string) *Error {
	return newError(KindConflict, code, message, nil)
}

func Expired(code, message string) *Error {
	return newError(KindExpired, code, message, nil)
}

func Forbidden(code, message string) *Error {
	return newError(KindForbidden, code, message, nil)
}

func Transient(code, message string, cause error) *Error {
	return newError(KindTransient, code, message, cause)
}

func Internal(code, message string, cause error) *Error {
	return newError(KindInternal, code, message, cause)
}

// KindOf reports the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// Message returns a user-facing message for err.
func Message(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Message != "" {
		return appErr.Message
	}
	return "Something went wrong"
}
