package httputil

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is a stable, caller-visible error identifier
type ErrorCode string

const (
	CodeAuthRequired            ErrorCode = "AUTH_REQUIRED"
	CodeInsufficientPermissions ErrorCode = "INSUFFICIENT_PERMISSIONS"
	CodeRateLimitExceeded       ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeInvalidIdempotencyKey   ErrorCode = "INVALID_IDEMPOTENCY_KEY"
	CodeIdempotencyConflict     ErrorCode = "IDEMPOTENCY_CONFLICT"
	CodeIdempotencyInProgress   ErrorCode = "IDEMPOTENCY_IN_PROGRESS"
	CodeValidation              ErrorCode = "VALIDATION_ERROR"
	CodeNotFound                ErrorCode = "NOT_FOUND"
	CodeInternal                ErrorCode = "INTERNAL_ERROR"
	CodeGatewayTimeout          ErrorCode = "GATEWAY_TIMEOUT"
)

var codeStatus = map[ErrorCode]int{
	CodeAuthRequired:            http.StatusUnauthorized,
	CodeInsufficientPermissions: http.StatusForbidden,
	CodeRateLimitExceeded:       http.StatusTooManyRequests,
	CodeInvalidIdempotencyKey:   http.StatusBadRequest,
	CodeIdempotencyConflict:     http.StatusBadRequest,
	CodeIdempotencyInProgress:   http.StatusConflict,
	CodeValidation:              http.StatusBadRequest,
	CodeNotFound:                http.StatusNotFound,
	CodeInternal:                http.StatusInternalServerError,
	CodeGatewayTimeout:          http.StatusGatewayTimeout,
}

// Status returns the HTTP status for the code, 500 for unknown codes
func (c ErrorCode) Status() int {
	if status, ok := codeStatus[c]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// APIError is an error with a stable code and a message safe to show callers.
// Protected operations return one to fail with a specific status instead of 500.
type APIError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// NewAPIError creates an APIError
func NewAPIError(code ErrorCode, message string) *APIError {
	return &APIError{Code: code, Message: message}
}

// Errorf creates an APIError with a formatted message
func Errorf(code ErrorCode, format string, args ...interface{}) *APIError {
	return &APIError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches an underlying cause that is logged but never shown to callers
func (e *APIError) Wrap(err error) *APIError {
	return &APIError{Code: e.Code, Message: e.Message, Err: err}
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Status returns the HTTP status for the error's code
func (e *APIError) Status() int {
	return e.Code.Status()
}

// AsAPIError extracts an *APIError from an error chain
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// ValidationError is shorthand for a VALIDATION_ERROR APIError
func ValidationError(message string) *APIError {
	return NewAPIError(CodeValidation, message)
}

// NotFoundError is shorthand for a NOT_FOUND APIError
func NotFoundError(message string) *APIError {
	return NewAPIError(CodeNotFound, message)
}
