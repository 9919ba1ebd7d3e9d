package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/jinzhu/copier"

	"github.com/eduardc77/shopauth/pkg/authn"
	apierrors "github.com/eduardc77/shopauth/pkg/errors"
	"github.com/eduardc77/shopauth/pkg/login"
	"github.com/eduardc77/shopauth/pkg/signinflow"
	"github.com/eduardc77/shopauth/pkg/tokengenerator"
)

// Handle serves the sign-in ceremony and token lifecycle endpoints.
type Handle struct {
	flowService  *signinflow.Service
	loginService *login.LoginService
	cookieSetter tokengenerator.CookieSetter
}

type Option func(*Handle)

func WithFlowService(fs *signinflow.Service) Option {
	return func(h *Handle) {
		h.flowService = fs
	}
}

func WithLoginService(ls *login.LoginService) Option {
	return func(h *Handle) {
		h.loginService = ls
	}
}

// WithCookieSetter makes the handlers mirror tokens into cookies for
// browser clients. Without it tokens travel in the JSON body only.
func WithCookieSetter(cs tokengenerator.CookieSetter) Option {
	return func(h *Handle) {
		h.cookieSetter = cs
	}
}

func NewHandle(opts ...Option) *Handle {
	h := &Handle{}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts the public endpoints.
func Routes(r chi.Router, h *Handle) {
	r.Post("/sign-in", h.SignIn)
	r.Post("/refresh", h.Refresh)
	r.Post("/sign-out", h.SignOut)
	r.Post("/token/reissue", h.Reissue)

	r.Post("/mfa/select", h.SelectMfaMethod)
	r.Post("/mfa/totp/verify", h.VerifyTotp)
	r.Post("/mfa/email/verify", h.VerifyEmailCode)
	r.Post("/mfa/email/resend", h.ResendEmailCode)
	r.Post("/mfa/recovery/verify", h.VerifyRecoveryCode)

	r.Post("/verify-email", h.VerifyEmail)
	r.Post("/verify-email/resend", h.ResendEmailCode)

	r.Post("/forgot-password", h.ForgotPassword)
	r.Post("/reset-password", h.ResetPassword)
}

// AuthRoutes mounts endpoints that require an authenticated caller.
func AuthRoutes(r chi.Router, h *Handle) {
	r.Post("/change-password", h.ChangePassword)
	r.Post("/change-email", h.ChangeEmail)
}

type UserResponse struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Role          string `json:"role,omitempty"`
}

// SignInResponse is the wire shape for every ceremony step. Status drives
// the client; the other fields are populated per status.
type SignInResponse struct {
	Status           string        `json:"status"`
	AccessToken      string        `json:"access_token,omitempty"`
	RefreshToken     string        `json:"refresh_token,omitempty"`
	AccessExpiresAt  *time.Time    `json:"expires_at,omitempty"`
	StateToken       string        `json:"state_token,omitempty"`
	AvailableMethods []string      `json:"available_methods,omitempty"`
	MaskedEmail      string        `json:"masked_email,omitempty"`
	User             *UserResponse `json:"user,omitempty"`
}

func (h *Handle) renderResult(w http.ResponseWriter, r *http.Request, result signinflow.Result) {
	resp := SignInResponse{
		Status:           result.Status,
		StateToken:       result.StateToken,
		AvailableMethods: result.AvailableMethods,
		MaskedEmail:      result.MaskedEmail,
	}
	if result.User != nil {
		user := UserResponse{}
		if err := copier.Copy(&user, result.User); err != nil {
			slog.Error("Failed to map user response", "err", err)
		}
		user.ID = result.User.ID.String()
		resp.User = &user
	}

	status := http.StatusAccepted
	if result.Status == signinflow.StatusSuccess && result.Tokens != nil {
		status = http.StatusOK
		resp.AccessToken = result.Tokens.AccessToken
		resp.RefreshToken = result.Tokens.RefreshToken
		expiresAt := result.Tokens.AccessExpiresAt
		resp.AccessExpiresAt = &expiresAt
		h.setTokenCookies(w, *result.Tokens)
	}

	render.Status(r, status)
	render.JSON(w, r, resp)
}

func (h *Handle) setTokenCookies(w http.ResponseWriter, pair tokengenerator.TokenPair) {
	if h.cookieSetter == nil {
		return
	}
	_ = h.cookieSetter.SetCookie(w, tokengenerator.AccessTokenCookie, pair.AccessToken, pair.AccessExpiresAt)
	_ = h.cookieSetter.SetCookie(w, tokengenerator.RefreshTokenCookie, pair.RefreshToken, pair.RefreshExpiresAt)
}

func (h *Handle) clearTokenCookies(w http.ResponseWriter) {
	if h.cookieSetter == nil {
		return
	}
	_ = h.cookieSetter.ClearCookie(w, tokengenerator.AccessTokenCookie)
	_ = h.cookieSetter.ClearCookie(w, tokengenerator.RefreshTokenCookie)
}

// SignIn starts the ceremony.
// (POST /auth/sign-in)
func (h *Handle) SignIn(w http.ResponseWriter, r *http.Request) {
	var data struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := render.DecodeJSON(r.Body, &data); err != nil {
		apierrors.WriteError(w, r, apierrors.New(apierrors.ErrCodeInvalidInput, "unable to parse request body"))
		return
	}

	result, err := h.flowService.ProcessSignIn(r.Context(), data.Username, data.Password)
	if err != nil {
		apierrors.WriteError(w, r, err)
		return
	}
	h.renderResult(w, r, result)
}

// SelectMfaMethod picks the factor for a pending ceremony.
// (POST /auth/mfa/select)
func (h *Handle) SelectMfaMethod(w http.ResponseWriter, r *http.Request) {
	var data struct {
		StateToken string `json:"state_token"`
		Method     string `json:"method"`
	}
	if err := render.DecodeJSON(r.Body, &data); err != nil {
		apierrors.WriteError(w, r, apierrors.New(apierrors.ErrCodeInvalidInput, "unable to parse request body"))
		return
	}

	result, err := h.flowService.SelectMfaMethod(r.Context(), data.StateToken, data.Method)
	if err != nil {
		apierrors.WriteError(w, r, err)
		return
	}
	h.renderResult(w, r, result)
}

// VerifyTotp completes the authenticator step.
// (POST /auth/mfa/totp/verify)
func (h *Handle) VerifyTotp(w http.ResponseWriter, r *http.Request) {
	h.verifyStep(w, r, h.flowService.VerifyTotpSignIn)
}

// VerifyEmailCode completes the emailed-passcode step.
// (POST /auth/mfa/email/verify)
func (h *Handle) VerifyEmailCode(w http.ResponseWriter, r *http.Request) {
	h.verifyStep(w, r, h.flowService.VerifyEmailCodeSignIn)
}

// VerifyRecoveryCode completes the ceremony with a backup code.
// (POST /auth/mfa/recovery/verify)
func (h *Handle) VerifyRecoveryCode(w http.ResponseWriter, r *http.Request) {
	h.verifyStep(w, r, h.flowService.VerifyRecoveryCodeSignIn)
}

// VerifyEmail completes the email-verification step during sign-in.
// (POST /auth/verify-email)
func (h *Handle) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	h.verifyStep(w, r, h.flowService.CompleteEmailVerification)
}

func (h *Handle) verifyStep(w http.ResponseWriter, r *http.Request,
	verify func(ctx context.Context, stateToken, code string) (signinflow.Result, error)) {
	var data struct {
		StateToken string `json:"state_token"`
		Passcode   string `json:"passcode"`
		Code       string `json:"code"`
	}
	if err := render.DecodeJSON(r.Body, &data); err != nil {
		apierrors.WriteError(w, r, apierrors.New(apierrors.ErrCodeInvalidInput, "unable to parse request body"))
		return
	}
	code := data.Passcode
	if code == "" {
		code = data.Code
	}

	result, err := verify(r.Context(), data.StateToken, code)
	if err != nil {
		apierrors.WriteError(w, r, err)
		return
	}
	h.renderResult(w, r, result)
}

// ResendEmailCode re-sends the pending email and rotates the continuation
// token. On a rate-limited resend the fresh token still comes back so the
// ceremony can proceed with the previously delivered code.
// (POST /auth/mfa/email/resend, POST /auth/verify-email/resend)
func (h *Handle) ResendEmailCode(w http.ResponseWriter, r *http.Request) {
	var data struct {
		StateToken string `json:"state_token"`
	}
	if err := render.DecodeJSON(r.Body, &data); err != nil {
		apierrors.WriteError(w, r, apierrors.New(apierrors.ErrCodeInvalidInput, "unable to parse request body"))
		return
	}

	result, err := h.flowService.ResendEmailCode(r.Context(), data.StateToken)
	if err != nil {
		if result.StateToken != "" {
			apiErr := apierrors.Classify(err)
			if apiErr.RetryAfterSeconds > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(apiErr.RetryAfterSeconds))
			}
			render.Status(r, apiErr.HTTPStatusCode())
			render.JSON(w, r, struct {
				Error      apierrors.ErrorDetail `json:"error"`
				StateToken string                `json:"state_token"`
			}{
				Error:      apierrors.ErrorDetail{Code: apiErr.Code, Message: apiErr.Message},
				StateToken: result.StateToken,
			})
			return
		}
		apierrors.WriteError(w, r, err)
		return
	}
	h.renderResult(w, r, result)
}

// Refresh rotates the refresh token.
// (POST /auth/refresh)
func (h *Handle) Refresh(w http.ResponseWriter, r *http.Request) {
	refreshToken := h.refreshTokenFromRequest(r)
	if refreshToken == "" {
		apierrors.WriteError(w, r, apierrors.New(apierrors.ErrCodeSessionExpired, "missing refresh token"))
		return
	}

	pair, err := h.flowService.Refresh(r.Context(), refreshToken)
	if err != nil {
		h.clearTokenCookies(w)
		apierrors.WriteError(w, r, err)
		return
	}

	h.setTokenCookies(w, pair)
	expiresAt := pair.AccessExpiresAt
	render.JSON(w, r, SignInResponse{
		Status:          signinflow.StatusSuccess,
		AccessToken:     pair.AccessToken,
		RefreshToken:    pair.RefreshToken,
		AccessExpiresAt: &expiresAt,
	})
}

// SignOut revokes the session.
// (POST /auth/sign-out)
func (h *Handle) SignOut(w http.ResponseWriter, r *http.Request) {
	refreshToken := h.refreshTokenFromRequest(r)
	if refreshToken != "" {
		if err := h.flowService.SignOut(r.Context(), refreshToken); err != nil {
			slog.Error("Failed to revoke session on sign-out", "err", err)
		}
	}
	h.clearTokenCookies(w)
	render.NoContent(w, r)
}

// Reissue mints a fresh pair after an identity change, authenticated by the
// caller's access token rather than a password.
// (POST /auth/token/reissue)
func (h *Handle) Reissue(w http.ResponseWriter, r *http.Request) {
	accessToken := bearerToken(r)
	if accessToken == "" {
		apierrors.WriteError(w, r, apierrors.New(apierrors.ErrCodeSessionExpired, "missing access token"))
		return
	}

	result, err := h.flowService.ReissueAfterIdentityChange(r.Context(), accessToken)
	if err != nil {
		apierrors.WriteError(w, r, err)
		return
	}
	h.renderResult(w, r, result)
}

// ForgotPassword starts the reset flow. It never reveals whether the email
// is registered.
// (POST /auth/forgot-password)
func (h *Handle) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var data struct {
		Email string `json:"email"`
	}
	if err := render.DecodeJSON(r.Body, &data); err != nil {
		apierrors.WriteError(w, r, apierrors.New(apierrors.ErrCodeInvalidInput, "unable to parse request body"))
		return
	}

	if err := h.loginService.PasswordManager().InitPasswordReset(r.Context(), data.Email); err != nil {
		slog.Error("Failed to init password reset", "err", err)
	}
	render.NoContent(w, r)
}

// ResetPassword finishes the reset flow with the emailed code.
// (POST /auth/reset-password)
func (h *Handle) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var data struct {
		Email       string `json:"email"`
		Code        string `json:"code"`
		NewPassword string `json:"new_password"`
	}
	if err := render.DecodeJSON(r.Body, &data); err != nil {
		apierrors.WriteError(w, r, apierrors.New(apierrors.ErrCodeInvalidInput, "unable to parse request body"))
		return
	}

	err := h.loginService.PasswordManager().ResetPassword(r.Context(), data.Email, data.Code, data.NewPassword)
	if err != nil {
		apierrors.WriteError(w, r, err)
		return
	}
	render.NoContent(w, r)
}

// ChangePassword updates the authenticated caller's password.
// (POST /auth/change-password)
func (h *Handle) ChangePassword(w http.ResponseWriter, r *http.Request) {
	user, ok := authn.FromContext(r.Context())
	if !ok {
		apierrors.WriteError(w, r, apierrors.New(apierrors.ErrCodeSessionExpired, "not authenticated"))
		return
	}

	var data struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := render.DecodeJSON(r.Body, &data); err != nil {
		apierrors.WriteError(w, r, apierrors.New(apierrors.ErrCodeInvalidInput, "unable to parse request body"))
		return
	}

	err := h.loginService.PasswordManager().ChangePassword(r.Context(), user.AccountID, data.CurrentPassword, data.NewPassword)
	if err != nil {
		apierrors.WriteError(w, r, err)
		return
	}
	render.NoContent(w, r)
}

// ChangeEmail updates the caller's email after re-verifying the password.
// The response directs the client to the reissue endpoint since the epoch
// just moved.
// (POST /auth/change-email)
func (h *Handle) ChangeEmail(w http.ResponseWriter, r *http.Request) {
	user, ok := authn.FromContext(r.Context())
	if !ok {
		apierrors.WriteError(w, r, apierrors.New(apierrors.ErrCodeSessionExpired, "not authenticated"))
		return
	}

	var data struct {
		Password string `json:"password"`
		NewEmail string `json:"new_email"`
	}
	if err := render.DecodeJSON(r.Body, &data); err != nil {
		apierrors.WriteError(w, r, apierrors.New(apierrors.ErrCodeInvalidInput, "unable to parse request body"))
		return
	}

	account, err := h.loginService.ChangeEmail(r.Context(), user.AccountID, data.Password, data.NewEmail)
	if err != nil {
		apierrors.WriteError(w, r, err)
		return
	}
	render.JSON(w, r, struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
	}{Email: account.Email, EmailVerified: account.EmailVerified})
}

// refreshTokenFromRequest accepts the refresh token from the Authorization
// header, the request body, or the refresh cookie, in that order.
func (h *Handle) refreshTokenFromRequest(r *http.Request) string {
	if token := bearerToken(r); token != "" {
		return token
	}
	var data struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := render.DecodeJSON(r.Body, &data); err == nil && data.RefreshToken != "" {
		return data.RefreshToken
	}
	if cookie, err := r.Cookie(tokengenerator.RefreshTokenCookie); err == nil {
		return cookie.Value
	}
	return ""
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}
