// Package errors provides the scheduler's error taxonomy.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeConfigMissing     = "CONFIG_MISSING"
	ErrCodeCredentialMissing = "CREDENTIAL_MISSING"
	ErrCodeUpstreamUnavail   = "UPSTREAM_UNAVAILABLE"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeInvalidPayload    = "INVALID_PAYLOAD"
	ErrCodeDuplicateContent  = "DUPLICATE_CONTENT"
	ErrCodeRaceLost          = "RACE_LOST"
	ErrCodeStorageBusy       = "STORAGE_BUSY"
	ErrCodeStorageCorrupt    = "STORAGE_CORRUPT"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeCancelled         = "CANCELLED"
)

// AppError represents a scheduler-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// ConfigMissing creates an error for an absent or empty required config key.
func ConfigMissing(key string) *AppError {
	return &AppError{
		Code:       ErrCodeConfigMissing,
		Message:    fmt.Sprintf("required configuration key '%s' is missing", key),
		HTTPStatus: http.StatusInternalServerError,
	}
}

// CredentialMissing creates an error for a linked account without a usable session credential.
func CredentialMissing(ref string) *AppError {
	return &AppError{
		Code:       ErrCodeCredentialMissing,
		Message:    fmt.Sprintf("no credential available for '%s'", ref),
		HTTPStatus: http.StatusUnauthorized,
	}
}

// UpstreamUnavailable creates an error for a failed upstream reader session or API call.
func UpstreamUnavailable(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeUpstreamUnavail,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// RateLimited creates an error for a publish attempt throttled by the gate or upstream flood-wait.
func RateLimited(message string) *AppError {
	return &AppError{
		Code:       ErrCodeRateLimited,
		Message:    message,
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// InvalidPayload creates an error for content that cannot be published as-is.
func InvalidPayload(message string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidPayload,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// DuplicateContent creates an error for content whose fingerprint was already published to a channel.
func DuplicateContent(channelID int64, fingerprint string) *AppError {
	return &AppError{
		Code:       ErrCodeDuplicateContent,
		Message:    fmt.Sprintf("fingerprint %s already published to channel %d", fingerprint, channelID),
		HTTPStatus: http.StatusConflict,
	}
}

// RaceLost creates an error for a compare-and-set that found the row already claimed.
func RaceLost(message string) *AppError {
	return &AppError{
		Code:       ErrCodeRaceLost,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// StorageBusy creates an error for a tenant store that could not acquire its writer lock in time.
func StorageBusy(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeStorageBusy,
		Message:    message,
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// StorageCorrupt creates an error for a tenant database that failed migration or integrity checks.
func StorageCorrupt(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeStorageCorrupt,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// NotFound creates a not-found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// Cancelled creates an error for work abandoned due to context cancellation or shutdown.
func Cancelled(message string) *AppError {
	return &AppError{
		Code:       ErrCodeCancelled,
		Message:    message,
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	return &AppError{
		Code:       ErrCodeStorageCorrupt,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Is reports whether err is an AppError carrying the given code.
func Is(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
