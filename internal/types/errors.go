package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// All handlers and services MUST use these constants instead of hardcoded
// strings so that clients can rely on stable reason codes.
const (
	// Validation (400)
	ErrCodeValidationInvalidUser  ErrorCode = "validation_invalid_user"
	ErrCodeValidationInvalidTool  ErrorCode = "validation_invalid_tool"
	ErrCodeValidationInvalidTier  ErrorCode = "validation_invalid_tier"
	ErrCodeValidationMissingField ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidJSON  ErrorCode = "validation_invalid_json"

	// Auth (401) - only used by the webhook relay; end-user identity is
	// resolved upstream by the identity provider.
	ErrCodeAuthSignatureMissing ErrorCode = "auth_signature_missing"
	ErrCodeAuthSignatureInvalid ErrorCode = "auth_signature_invalid"

	// Configuration (500)
	ErrCodeToolUnknown ErrorCode = "config_tool_unknown"

	// Limits (429)
	ErrCodeQuotaExceeded ErrorCode = "quota_limit_exceeded"

	// Concurrency (409/429)
	ErrCodeLockTimeout        ErrorCode = "lock_timeout"
	ErrCodeConflictConcurrent ErrorCode = "conflict_concurrent_modification"

	// Not Found (404)
	ErrCodeNotFoundSubscriber ErrorCode = "not_found_subscriber"
	ErrCodeNotFoundUsage      ErrorCode = "not_found_usage"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamAlertSink  ErrorCode = "upstream_alert_sink_unavailable"
	ErrCodeUpstreamRateLimit  ErrorCode = "upstream_rate_limited"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest // 400
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized // 401
	case c == ErrCodeQuotaExceeded, c == ErrCodeLockTimeout:
		return http.StatusTooManyRequests // 429
	case c == ErrCodeConflictConcurrent:
		return http.StatusConflict // 409
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound // 404
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway // 502
	case strings.HasPrefix(s, "internal_"), strings.HasPrefix(s, "config_"):
		return http.StatusInternalServerError // 500
	default:
		return http.StatusInternalServerError // 500
	}
}

// AppError is the standard application error type used throughout the
// entitlement core. All domain and handler errors should be expressed as
// AppError to enable consistent formatting, HTTP status mapping, and
// error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
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

// NewAppError creates a new AppError with the given code, message, and
// optional underlying error. This is the standard constructor for domain
// errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with structured details
// that are safe to expose to API clients.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// IsCode reports whether err is (or wraps) an AppError with the given code.
func IsCode(err error, code ErrorCode) bool {
	for err != nil {
		if appErr, ok := err.(*AppError); ok {
			return appErr.Code == code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
