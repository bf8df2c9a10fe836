// Package errs defines the typed failure kinds surfaced to clients as
// {code, message} payloads.
package errs

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/flowboard/flowboard/internal/v1/types"
)

// Code identifies a failure kind.
type Code string

const (
	CodeUnauthenticated Code = "unauthenticated"
	CodeForbidden       Code = "forbidden"
	CodeValidation      Code = "validation"
	CodeNotFound        Code = "not_found"
	CodeDuplicateTitle  Code = "duplicate_title"
	CodeReservedTitle   Code = "reserved_title"
	CodeInvalidAssignee Code = "invalid_assignee"
	CodeConflict        Code = "conflict"
	CodeUnknownConflict Code = "unknown_conflict"
	CodeNoEligibleUser  Code = "no_eligible_user"
	CodeInternal        Code = "internal"
)

// FieldError names a single schema violation.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// Error is the typed failure carried across service boundaries.
type Error struct {
	Code     Code                      `json:"code"`
	Message  string                    `json:"message"`
	Fields   []FieldError              `json:"fields,omitempty"`
	Conflict *types.ConflictDescriptor `json:"conflict,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New constructs an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf constructs an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Validation builds a validation error from field violations.
func Validation(fields ...FieldError) *Error {
	return &Error{Code: CodeValidation, Message: "validation failed", Fields: fields}
}

// ConflictError builds a version-mismatch error carrying its descriptor.
func ConflictError(d *types.ConflictDescriptor) *Error {
	return &Error{
		Code:     CodeConflict,
		Message:  fmt.Sprintf("task version mismatch: client has %d, server has %d", d.ClientVersion, d.ServerVersion),
		Conflict: d,
	}
}

// Internal wraps an unexpected error without leaking its detail to clients.
func Internal(err error) *Error {
	return &Error{Code: CodeInternal, Message: "internal error"}
}

// From extracts an *Error from err, wrapping unknown errors as internal.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, types.ErrTaskNotFound) {
		return New(CodeNotFound, "task not found")
	}
	return Internal(err)
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// HTTPStatus maps a failure code to an HTTP status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeValidation, CodeInvalidAssignee, CodeReservedTitle:
		return http.StatusBadRequest
	case CodeNotFound, CodeUnknownConflict:
		return http.StatusNotFound
	case CodeDuplicateTitle, CodeConflict:
		return http.StatusConflict
	case CodeNoEligibleUser:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
