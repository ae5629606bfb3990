// Package errors defines the coded error taxonomy shared by all layers.
// Repositories and services attach a code (and optionally a machine-readable
// reason) at the point of detection; the HTTP handler maps codes to statuses.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgconn"
)

// Error codes.
const (
	ErrCodeInvalidInput = "INVALID_INPUT"
	ErrCodeUnauthorized = "UNAUTHORIZED"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeConflict     = "CONFLICT"
	ErrCodeDependency   = "DEPENDENCY"
	ErrCodeInternal     = "INTERNAL"
)

// Error is a coded application error.
type Error struct {
	Code    string
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a coded error.
func New(code, message string) error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code, message string) error {
	return &Error{Code: code, Message: message, Err: err}
}

// InvalidInput reports a field-level validation failure. The field doubles as
// the machine-readable reason.
func InvalidInput(field, message string) error {
	return &Error{Code: ErrCodeInvalidInput, Reason: field, Message: message}
}

// NotFound reports a missing entity within the caller's scope.
func NotFound(resource, id string) error {
	return &Error{Code: ErrCodeNotFound, Reason: "not_found", Message: fmt.Sprintf("%s %s not found", resource, id)}
}

// Unauthorized reports a failed token check.
func Unauthorized(message string) error {
	return &Error{Code: ErrCodeUnauthorized, Reason: "unauthorized", Message: message}
}

// Conflict reports a business-rule violation with a specific reason tag.
func Conflict(reason, message string) error {
	return &Error{Code: ErrCodeConflict, Reason: reason, Message: message}
}

// Dependency reports an external collaborator failure.
func Dependency(service, message string) error {
	return &Error{Code: ErrCodeDependency, Reason: service, Message: message}
}

// CodeOf extracts the code from an error, defaulting to internal.
func CodeOf(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// ReasonOf extracts the machine-readable reason tag, if any.
func ReasonOf(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// MessageOf extracts the caller-facing message.
func MessageOf(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

// HTTPStatus maps an error to its HTTP response status.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeDependency:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505).
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == "23505"
}
