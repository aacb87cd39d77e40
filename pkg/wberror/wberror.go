// Package wberror defines the gateway's error taxonomy.
//
// Every error surfaced to a client is an *Error carrying a Kind. Each Kind
// maps to exactly one HTTP status code, and the API layer renders errors as
//
//	{"code": "<kind>", "message": "...", "data": {...}}
//
// Provider adapters are responsible for normalising backend failures into
// this taxonomy; raw backend status codes never reach the client.
package wberror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies one class of failure.
type Kind string

const (
	InvalidPath         Kind = "InvalidPath"
	InvalidArgument     Kind = "InvalidArgument"
	Unauthorized        Kind = "Unauthorized"
	Forbidden           Kind = "Forbidden"
	NotFound            Kind = "NotFound"
	NotSupported        Kind = "NotSupported"
	LengthRequired      Kind = "LengthRequired"
	RangeNotSatisfiable Kind = "RangeNotSatisfiable"
	NamingConflict      Kind = "NamingConflict"
	Gone                Kind = "Gone"
	PayloadTooLarge     Kind = "PayloadTooLarge"
	UploadIncomplete    Kind = "UploadIncomplete"
	Truncated           Kind = "Truncated"
	HashMismatch        Kind = "HashMismatch"
	RateLimited         Kind = "RateLimited"
	NotImplemented      Kind = "NotImplemented"
	ProviderError       Kind = "ProviderError"
	ServiceUnavailable  Kind = "ServiceUnavailable"
	Unexpected          Kind = "Unexpected"
)

var statuses = map[Kind]int{
	InvalidPath:         http.StatusBadRequest,
	InvalidArgument:     http.StatusBadRequest,
	Unauthorized:        http.StatusUnauthorized,
	Forbidden:           http.StatusForbidden,
	NotFound:            http.StatusNotFound,
	NotSupported:        http.StatusMethodNotAllowed,
	LengthRequired:      http.StatusLengthRequired,
	RangeNotSatisfiable: http.StatusRequestedRangeNotSatisfiable,
	NamingConflict:      http.StatusConflict,
	Gone:                http.StatusGone,
	PayloadTooLarge:     http.StatusRequestEntityTooLarge,
	UploadIncomplete:    http.StatusBadRequest,
	Truncated:           http.StatusBadRequest,
	HashMismatch:        http.StatusInternalServerError,
	RateLimited:         http.StatusTooManyRequests,
	NotImplemented:      http.StatusNotImplemented,
	ProviderError:       http.StatusBadGateway,
	ServiceUnavailable:  http.StatusServiceUnavailable,
	Unexpected:          http.StatusInternalServerError,
}

// Status returns the HTTP status code for k. Unknown kinds map to 500.
func (k Kind) Status() int {
	if s, ok := statuses[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is the structured gateway error.
type Error struct {
	Kind    Kind
	Message string
	Data    map[string]any
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// Status returns the HTTP status for the error's kind.
func (e *Error) Status() int { return e.Kind.Status() }

// New builds an *Error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches an underlying cause to a new *Error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), wrapped: err}
}

// WithData returns e with the given context map attached.
func (e *Error) WithData(data map[string]any) *Error {
	e.Data = data
	return e
}

// From coerces any error into an *Error. Non-taxonomy errors become Unexpected.
func From(err error) *Error {
	var werr *Error
	if errors.As(err, &werr) {
		return werr
	}
	return &Error{Kind: Unexpected, Message: err.Error(), wrapped: err}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var werr *Error
	return errors.As(err, &werr) && werr.Kind == kind
}
