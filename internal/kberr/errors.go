// Package kberr defines the error taxonomy shared by the query builder, the
// record-operation layer, and the HTTP handlers.
package kberr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for status mapping and errors.Is checks.
type Kind int

const (
	// Validation covers bad input shape, failed casts, unknown
	// properties/operators/edges, and out-of-range numerics.
	Validation Kind = iota + 1
	// NoRecordFound is returned when a select expecting records returned fewer,
	// or a recordId does not resolve.
	NoRecordFound
	// MultipleRecordsFound is returned when an exactly-one select matched more.
	MultipleRecordsFound
	// RecordExists signals an active-index collision or a store-level unique
	// violation.
	RecordExists
	// Permission signals a class bitmask or group-restriction denial.
	Permission
	// Authentication signals a missing or invalid credential.
	Authentication
	// NotImplemented covers operations the model forbids, such as updating an
	// edge record.
	NotImplemented
	// DatabaseConnection covers pool and driver failures.
	DatabaseConnection
)

// String returns the wire name of the kind, matching the response payload.
func (k Kind) String() string {
	switch k {
	case Validation:
		return "ValidationError"
	case NoRecordFound:
		return "NoRecordFoundError"
	case MultipleRecordsFound:
		return "MultipleRecordsFoundError"
	case RecordExists:
		return "RecordExistsError"
	case Permission:
		return "PermissionError"
	case Authentication:
		return "AuthenticationError"
	case NotImplemented:
		return "NotImplementedError"
	case DatabaseConnection:
		return "DatabaseConnectionError"
	}
	return "Error"
}

// Error implements the error interface and is comparable with errors.Is
// against a bare Kind.
func (k Kind) Error() string { return k.String() }

// Error is a classified error with a human message and an optional payload
// describing the offending input.
type Error struct {
	Kind    Kind
	Message string
	Payload map[string]any
	cause   error
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind preserving the underlying cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithPayload attaches context describing the offending input.
func (e *Error) WithPayload(payload map[string]any) *Error {
	e.Payload = payload
	return e
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause chain to errors.Is and errors.As.
func (e *Error) Unwrap() error { return e.cause }

// Is matches either another *Error of the same kind or a bare Kind.
func (e *Error) Is(target error) bool {
	if k, ok := target.(Kind); ok {
		return e.Kind == k
	}
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// StatusCode maps an error to the HTTP status the routing layer responds with.
func StatusCode(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case Validation:
		return http.StatusBadRequest
	case Authentication:
		return http.StatusUnauthorized
	case Permission:
		return http.StatusForbidden
	case NoRecordFound:
		return http.StatusNotFound
	case RecordExists:
		return http.StatusConflict
	case NotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
