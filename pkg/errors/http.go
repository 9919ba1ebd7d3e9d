package errors

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/render"

	"github.com/eduardc77/shopauth/pkg/emailverification"
	"github.com/eduardc77/shopauth/pkg/login"
	"github.com/eduardc77/shopauth/pkg/sessions"
	"github.com/eduardc77/shopauth/pkg/signinflow"
	"github.com/eduardc77/shopauth/pkg/tokengenerator"
	"github.com/eduardc77/shopauth/pkg/twofa"
)

// ErrorBody is the error envelope every endpoint uses.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// WriteError maps a domain error onto the wire. Locked accounts and rate
// limits carry a Retry-After header.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := Classify(err)

	if apiErr.Code == ErrCodeInternal {
		slog.Error("Request failed", "err", err)
	}
	if apiErr.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(apiErr.RetryAfterSeconds))
	}

	render.Status(r, apiErr.HTTPStatusCode())
	render.JSON(w, r, ErrorBody{Error: ErrorDetail{
		Code:    apiErr.Code,
		Message: apiErr.Message,
	}})
}

// Classify resolves a domain error to its wire code. Unrecognized errors
// become INTERNAL_ERROR so internals never leak.
func Classify(err error) *Error {
	if apiErr, ok := As(err); ok {
		return apiErr
	}

	var locked *login.AccountLockedError
	if errors.As(err, &locked) {
		e := New(ErrCodeAccountLocked, "account is temporarily locked")
		e.RetryAfterSeconds = int(locked.RetryAfter.Seconds()) + 1
		return e
	}

	switch {
	case errors.Is(err, login.ErrInvalidCredentials),
		errors.Is(err, login.ErrNoPasswordSet),
		errors.Is(err, login.ErrCurrentPasswordWrong):
		return New(ErrCodeInvalidCredentials, "invalid credentials")

	case errors.Is(err, signinflow.ErrSignInStateNotFound):
		return New(ErrCodeNoSignInInProgress, "no sign-in in progress")
	case errors.Is(err, signinflow.ErrMethodNotAllowed):
		return New(ErrCodeMfaMethodNotAllowed, "mfa method not available")

	case errors.Is(err, twofa.ErrInvalidPasscode),
		errors.Is(err, twofa.ErrInvalidRecoveryCode),
		errors.Is(err, emailverification.ErrCodeNotFound),
		errors.Is(err, emailverification.ErrCodeUsed),
		errors.Is(err, login.ErrResetCodeNotFound),
		errors.Is(err, login.ErrResetCodeUsed):
		return New(ErrCodeInvalidCode, "invalid code")
	case errors.Is(err, emailverification.ErrCodeExpired),
		errors.Is(err, login.ErrResetCodeExpired):
		return New(ErrCodeExpiredCode, "code expired")
	case errors.Is(err, emailverification.ErrAlreadyVerified):
		return New(ErrCodeEmailAlreadyVerified, "email already verified")
	case errors.Is(err, emailverification.ErrResendRateLimited):
		e := New(ErrCodeRateLimited, "too many requests")
		e.RetryAfterSeconds = 60
		return e

	case errors.Is(err, twofa.ErrAlreadyEnabled):
		return New(ErrCodeAlreadyEnabled, "factor already enabled")
	case errors.Is(err, twofa.ErrNotEnabled), errors.Is(err, twofa.ErrFactorNotFound):
		return New(ErrCodeNotEnabled, "factor not enabled")

	case errors.Is(err, login.ErrPasswordComplexity):
		return New(ErrCodePasswordComplexity, err.Error())
	case errors.Is(err, login.ErrPasswordReused),
		errors.Is(err, login.ErrPasswordSameAsCurrent):
		return New(ErrCodePasswordReused, err.Error())

	case errors.Is(err, login.ErrDuplicateUsername),
		errors.Is(err, login.ErrDuplicateEmail):
		return New(ErrCodeDuplicateAccount, err.Error())

	case errors.Is(err, tokengenerator.ErrTokenExpired),
		errors.Is(err, tokengenerator.ErrTokenInvalid),
		errors.Is(err, tokengenerator.ErrWrongTokenUse),
		errors.Is(err, tokengenerator.ErrEpochOutOfDate),
		errors.Is(err, sessions.ErrSessionNotFound):
		return New(ErrCodeSessionExpired, "session expired")

	case errors.Is(err, login.ErrAccountNotFound):
		return New(ErrCodeNotFound, "account not found")
	}

	return New(ErrCodeInternal, "internal error")
}
