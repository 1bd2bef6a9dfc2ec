package types

import (
	"errors"
	"fmt"
	"maps"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error codes. The prefix before the first underscore (not_found_ counts as
// one prefix) selects the HTTP status.
const (
	// Validation (400)
	ErrCodeValidationMissingField    ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidTimezone ErrorCode = "validation_invalid_timezone"
	ErrCodeValidationInvalidID       ErrorCode = "validation_invalid_id"
	ErrCodeValidationInvalidTime     ErrorCode = "validation_invalid_time_of_day"
	ErrCodeValidationInvalidCallsign ErrorCode = "validation_invalid_callsign"

	// Unauthorized (401)
	ErrCodeUnauthorizedToken ErrorCode = "unauthorized_invalid_token"

	// Not Found (404)
	ErrCodeNotFoundUser        ErrorCode = "not_found_user"
	ErrCodeNotFoundPreference  ErrorCode = "not_found_preference"
	ErrCodeNotFoundDigestBatch ErrorCode = "not_found_digest_batch"

	// Conflict (409)
	ErrCodeConflictJobRunning ErrorCode = "conflict_job_running"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB            ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected    ErrorCode = "internal_unexpected_error"
	ErrCodeInternalCrypto        ErrorCode = "internal_crypto_error"
	ErrCodeUpstreamEmailProvider ErrorCode = "upstream_email_provider_unavailable"
	ErrCodeUpstreamPushService   ErrorCode = "upstream_push_service_unavailable"
	ErrCodeUpstreamUnavailable   ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited   ErrorCode = "upstream_rate_limited"

	ErrCodeEmailBlocked ErrorCode = "email_blocked"
)

// Category returns the code family: the prefix before the first underscore,
// except "not_found" and "blocked".
func (c ErrorCode) Category() string {
	s := string(c)
	if strings.HasPrefix(s, "not_found_") {
		return "not_found"
	}
	if c == ErrCodeEmailBlocked {
		return "blocked"
	}
	head, _, _ := strings.Cut(s, "_")
	return head
}

var categoryStatus = map[string]int{
	"validation":   http.StatusBadRequest,
	"unauthorized": http.StatusUnauthorized,
	"not_found":    http.StatusNotFound,
	"conflict":     http.StatusConflict,
	"blocked":      http.StatusForbidden,
	"upstream":     http.StatusBadGateway,
}

// HTTPStatus maps c to a response status. Unknown categories are 500.
func (c ErrorCode) HTTPStatus() int {
	if status, ok := categoryStatus[c.Category()]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// AppError is the standard application error type.
// Domain, repository and handler errors are expressed as AppError so that the
// diagnostics API can format them consistently and callers can match on Code.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of e with details merged over its own.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+len(details))
	maps.Copy(cp.Details, e.Details)
	maps.Copy(cp.Details, details)
	return &cp
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// CodeOf returns the code of the first AppError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsNotFound reports whether err carries a not_found_* code.
func IsNotFound(err error) bool {
	return CodeOf(err).Category() == "not_found"
}
