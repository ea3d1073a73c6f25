package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// AppError represents an application error with additional context
type AppError struct {
	Code       string      `json:"code"`
	Message    string      `json:"message"`
	StatusCode int         `json:"-"`
	Internal   error       `json:"-"`
	Details    interface{} `json:"details,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Internal != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Internal)
	}
	return e.Message
}

// Unwrap returns the internal error for errors.Is and errors.As
func (e *AppError) Unwrap() error {
	return e.Internal
}

// Is matches any AppError carrying the same code, so sentinel values such as
// ErrNotFound can be compared with errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// Error codes. The first four form the failure taxonomy of the engine:
// scan, store and sync failures are retried on the next tick, config
// failures are returned to the caller at registration time.
const (
	ErrCodeScan               = "SCAN_ERROR"
	ErrCodeStore              = "STORE_ERROR"
	ErrCodeSync               = "SYNC_ERROR"
	ErrCodeConfig             = "CONFIG_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeInternal           = "INTERNAL_ERROR"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// ErrNotFound matches every NOT_FOUND error regardless of message.
var ErrNotFound = &AppError{Code: ErrCodeNotFound}

// New creates a new AppError
func New(code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap wraps an error with an AppError
func Wrap(err error, code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Internal:   err,
	}
}

// WithDetails adds details to an AppError
func (e *AppError) WithDetails(details interface{}) *AppError {
	e.Details = details
	return e
}

// ScanError reports a failed directory walk. Unreadable entries inside a
// walk are warnings; this is used when the walk as a whole failed.
func ScanError(message string, err error) *AppError {
	return Wrap(err, ErrCodeScan, message, http.StatusInternalServerError)
}

// StoreError reports a change-set persistence failure
func StoreError(message string, err error) *AppError {
	return Wrap(err, ErrCodeStore, message, http.StatusInternalServerError)
}

// SyncError reports a failed transfer to the remote collector
func SyncError(message string, err error) *AppError {
	return Wrap(err, ErrCodeSync, message, http.StatusBadGateway)
}

// ConfigError reports a malformed drift definition or configuration value
func ConfigError(message string, details interface{}) *AppError {
	return New(ErrCodeConfig, message, http.StatusBadRequest).WithDetails(details)
}

// NotFound creates a not found error
func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

// Timeout reports an operation that exceeded its wall-clock budget
func Timeout(message string, err error) *AppError {
	return Wrap(err, ErrCodeTimeout, message, http.StatusGatewayTimeout)
}

// BadRequest creates a bad request error
func BadRequest(message string) *AppError {
	return New(ErrCodeBadRequest, message, http.StatusBadRequest)
}

// Internal creates an internal server error
func Internal(message string, err error) *AppError {
	return Wrap(err, ErrCodeInternal, message, http.StatusInternalServerError)
}

// RateLimited creates a rate limited error
func RateLimited(message string) *AppError {
	return New(ErrCodeRateLimited, message, http.StatusTooManyRequests)
}

// ServiceUnavailable creates a service unavailable error
func ServiceUnavailable(message string) *AppError {
	return New(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

// Code returns the code of the outermost AppError in err's chain, or
// ErrCodeInternal when there is none.
func Code(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsNotFound reports whether err carries a NOT_FOUND code
func IsNotFound(err error) bool {
	return stderrors.Is(err, ErrNotFound)
}

// IsConfig reports whether err carries a CONFIG_ERROR code
func IsConfig(err error) bool {
	return Code(err) == ErrCodeConfig
}

// As converts err to an AppError, wrapping foreign errors as internal ones.
func As(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return Internal("Internal error", err)
}
