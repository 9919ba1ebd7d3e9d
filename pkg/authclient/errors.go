package authclient

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind classifies every failure the client can surface. Callers branch
// on the kind, never on message text.
type ErrorKind string

const (
	KindInvalidCredentials ErrorKind = "invalid_credentials"
	KindAccountLocked      ErrorKind = "account_locked"
	KindTooManyAttempts    ErrorKind = "too_many_attempts"
	KindInvalidCode        ErrorKind = "invalid_code"
	KindExpiredCode        ErrorKind = "expired_code"
	KindNoSignIn           ErrorKind = "no_sign_in_in_progress"
	KindMethodNotAllowed   ErrorKind = "method_not_allowed"
	KindAlreadyEnabled     ErrorKind = "already_enabled"
	KindNotEnabled         ErrorKind = "not_enabled"
	KindSessionExpired     ErrorKind = "session_expired"
	KindInvalidInput       ErrorKind = "invalid_input"
	KindTimeout            ErrorKind = "timeout"
	KindConnectionLost     ErrorKind = "connection_lost"
	KindServerUnavailable  ErrorKind = "server_unavailable"
	KindUnknown            ErrorKind = "unknown"
)

// Error is the client-side error. Kind is always set; Code and HTTPStatus
// are present when the server produced a structured response.
type Error struct {
	Kind       ErrorKind
	Code       string
	Message    string
	HTTPStatus int
	// RetryAfter is set for account_locked and too_many_attempts.
	RetryAfter time.Duration
	err        error
	// stateToken carries a rotated continuation token delivered alongside
	// an error, e.g. a rate-limited resend.
	stateToken string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is matches any *Error with the same kind, so callers can use errors.Is
// against the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrInvalidCredentials = &Error{Kind: KindInvalidCredentials}
	ErrAccountLocked      = &Error{Kind: KindAccountLocked}
	ErrTooManyAttempts    = &Error{Kind: KindTooManyAttempts}
	ErrInvalidCode        = &Error{Kind: KindInvalidCode}
	ErrExpiredCode        = &Error{Kind: KindExpiredCode}
	ErrNoSignIn           = &Error{Kind: KindNoSignIn}
	ErrMethodNotAllowed   = &Error{Kind: KindMethodNotAllowed}
	ErrSessionExpired     = &Error{Kind: KindSessionExpired}
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrConnectionLost     = &Error{Kind: KindConnectionLost}
	ErrServerUnavailable  = &Error{Kind: KindServerUnavailable}
)

type wireError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	StateToken string `json:"state_token"`
}

// kindForCode maps server error codes onto client kinds. Unrecognized codes
// fall through to unknown rather than guessing.
func kindForCode(code string) ErrorKind {
	switch code {
	case "INVALID_CREDENTIALS":
		return KindInvalidCredentials
	case "ACCOUNT_LOCKED":
		return KindAccountLocked
	case "RATE_LIMITED":
		return KindTooManyAttempts
	case "INVALID_CODE":
		return KindInvalidCode
	case "EXPIRED_CODE":
		return KindExpiredCode
	case "NO_SIGN_IN_IN_PROGRESS":
		return KindNoSignIn
	case "MFA_METHOD_NOT_ALLOWED":
		return KindMethodNotAllowed
	case "ALREADY_ENABLED":
		return KindAlreadyEnabled
	case "NOT_ENABLED":
		return KindNotEnabled
	case "SESSION_EXPIRED":
		return KindSessionExpired
	case "INVALID_INPUT", "PASSWORD_COMPLEXITY", "PASSWORD_REUSED":
		return KindInvalidInput
	default:
		return KindUnknown
	}
}

// errorFromResponse builds an Error from a non-2xx response, consuming the
// body.
func errorFromResponse(resp *http.Response) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	e := &Error{Kind: KindUnknown, HTTPStatus: resp.StatusCode}

	var wire wireError
	if err := json.Unmarshal(body, &wire); err == nil && wire.Error.Code != "" {
		e.Kind = kindForCode(wire.Error.Code)
		e.Code = wire.Error.Code
		e.Message = wire.Error.Message
		e.stateToken = wire.StateToken
	}
	if resp.StatusCode >= 500 {
		// Any 5xx counts as the server being unavailable, envelope or not.
		e.Kind = KindServerUnavailable
	} else if e.Kind == KindUnknown {
		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			e.Kind = KindTooManyAttempts
		case http.StatusUnauthorized, http.StatusForbidden:
			// Bare 401/403 from a proxy or middleware still means the
			// credential was rejected.
			e.Kind = KindSessionExpired
		case http.StatusRequestTimeout:
			e.Kind = KindTimeout
		}
	}

	if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
		e.RetryAfter = time.Duration(seconds) * time.Second
	}
	return e
}
