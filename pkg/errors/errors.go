package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is a machine-readable error code, stable across releases.
// Clients dispatch on the code, never on the message.
type ErrorCode string

const (
	// Generic
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeConflict     ErrorCode = "CONFLICT"
	ErrCodeRateLimited  ErrorCode = "RATE_LIMITED"

	// Authentication
	ErrCodeInvalidCredentials  ErrorCode = "INVALID_CREDENTIALS"
	ErrCodeAccountLocked       ErrorCode = "ACCOUNT_LOCKED"
	ErrCodeSessionExpired      ErrorCode = "SESSION_EXPIRED"
	ErrCodeNoSignInInProgress  ErrorCode = "NO_SIGN_IN_IN_PROGRESS"
	ErrCodeInvalidCode         ErrorCode = "INVALID_CODE"
	ErrCodeExpiredCode         ErrorCode = "EXPIRED_CODE"
	ErrCodeMfaMethodNotAllowed ErrorCode = "MFA_METHOD_NOT_ALLOWED"
	ErrCodeAlreadyEnabled      ErrorCode = "ALREADY_ENABLED"
	ErrCodeNotEnabled          ErrorCode = "NOT_ENABLED"

	// Password
	ErrCodePasswordComplexity ErrorCode = "PASSWORD_COMPLEXITY"
	ErrCodePasswordReused     ErrorCode = "PASSWORD_REUSED"

	// Account
	ErrCodeDuplicateAccount     ErrorCode = "DUPLICATE_ACCOUNT"
	ErrCodeEmailAlreadyVerified ErrorCode = "EMAIL_ALREADY_VERIFIED"
)

// Error is a structured error carrying a code and optional details.
type Error struct {
	Code    ErrorCode
	Message string
	// RetryAfterSeconds is set for ACCOUNT_LOCKED and RATE_LIMITED.
	RetryAfterSeconds int
	Err               error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the status this error maps to.
func (e *Error) HTTPStatusCode() int {
	return MapErrorCodeToHTTPStatus(e.Code)
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// As extracts an *Error from err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// MapErrorCodeToHTTPStatus maps a code to its HTTP status.
func MapErrorCodeToHTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeInvalidInput, ErrCodePasswordComplexity, ErrCodePasswordReused,
		ErrCodeMfaMethodNotAllowed:
		return http.StatusBadRequest
	case ErrCodeInvalidCredentials, ErrCodeSessionExpired, ErrCodeNoSignInInProgress,
		ErrCodeInvalidCode, ErrCodeExpiredCode:
		return http.StatusUnauthorized
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict, ErrCodeAlreadyEnabled, ErrCodeNotEnabled,
		ErrCodeDuplicateAccount, ErrCodeEmailAlreadyVerified:
		return http.StatusConflict
	case ErrCodeAccountLocked:
		return http.StatusLocked
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
