// Package apperr defines the error taxonomy shared by the coverage core.
// Every failure surfaced to a caller is an *Error whose Kind says who is at
// fault and whether retrying can help.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error.
type Kind string

const (
	// KindValidation is bad input shape or values.  Never retried.
	KindValidation Kind = "validation_error"
	// KindClassification is missing or inconsistent reference data.
	KindClassification Kind = "classification_error"
	// KindCoverage is an illegal state transition or a missing envelope.
	KindCoverage Kind = "coverage_error"
	// KindAccessDenied is reserved for grant references that do not exist.
	KindAccessDenied Kind = "access_denied"
	KindInternal     Kind = "internal_error"
)

// Error is an application error with context.
type Error struct {
	Kind    Kind   `json:"type"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Details != "" {
		msg += " (" + e.Details + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, message string, details []string) *Error {
	e := &Error{Kind: kind, Message: message}
	if len(details) > 0 {
		e.Details = details[0]
	}
	return e
}

func Validation(message string, details ...string) *Error {
	return newError(KindValidation, message, details)
}

func Classification(message string, details ...string) *Error {
	return newError(KindClassification, message, details)
}

func Coverage(message string, details ...string) *Error {
	return newError(KindCoverage, message, details)
}

func AccessDenied(message string, details ...string) *Error {
	return newError(KindAccessDenied, message, details)
}

func Internal(message string, err error) *Error {
	return &Error{Kind: KindInternal, Message: message, Err: err}
}

// Wrap attaches cause to e and returns e.
func (e *Error) Wrap(cause error) *Error {
	e.Err = cause
	return e
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Kind == kind
}

// HTTPStatus maps err to the status code an HTTP adapter should return.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindClassification:
		return http.StatusUnprocessableEntity
	case KindCoverage:
		return http.StatusConflict
	case KindAccessDenied:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
