package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/eduardc77/shopauth/pkg/authn"
	apierrors "github.com/eduardc77/shopauth/pkg/errors"
	"github.com/eduardc77/shopauth/pkg/twofa"
)

// Handle serves authenticated MFA factor management. Every endpoint acts on
// the caller's own account, taken from the request context.
type Handle struct {
	twoFaService *twofa.TwoFaService
}

func NewHandle(twoFaService *twofa.TwoFaService) *Handle {
	return &Handle{twoFaService: twoFaService}
}

// Routes mounts the factor management endpoints. Mount behind the authn
// middleware.
func Routes(r chi.Router, h *Handle) {
	r.Get("/status", h.Status)

	r.Post("/totp/setup", h.SetupTotp)
	r.Post("/totp/activate", h.ActivateTotp)
	r.Post("/totp/disable", h.DisableTotp)

	r.Post("/email/enable", h.EnableEmail)
	r.Post("/email/disable", h.DisableEmail)

	r.Post("/recovery/generate", h.GenerateRecoveryCodes)
	r.Post("/recovery/regenerate", h.GenerateRecoveryCodes)
	r.Get("/recovery/status", h.RecoveryStatus)
}

type StatusResponse struct {
	EnabledMethods []string `json:"enabled_methods"`
}

type TotpSetupResponse struct {
	Secret     string `json:"secret"`
	OtpauthURL string `json:"otpauth_url"`
}

type RecoveryCodesResponse struct {
	// Codes are shown exactly once; only hashes are stored.
	Codes []string `json:"codes"`
}

type RecoveryStatusResponse struct {
	Total            int        `json:"total"`
	Remaining        int        `json:"remaining"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	ShouldRegenerate bool       `json:"should_regenerate"`
}

// Status lists the caller's enabled MFA methods.
// (GET /auth/mfa/status)
func (h *Handle) Status(w http.ResponseWriter, r *http.Request) {
	user, ok := authn.FromContext(r.Context())
	if !ok {
		apierrors.WriteError(w, r, apierrors.New(apierrors.ErrCodeSessionExpired, "not authenticated"))
		return
	}

	methods, err := h.twoFaService.EnabledMethods(r.Context(), user.AccountID)
	if err != nil {
		apierrors.WriteError(w, r, err)
		return
	}
	if methods == nil {
		methods = []string{}
	}
	render.JSON(w, r, StatusResponse{EnabledMethods: methods})
}

// SetupTotp starts authenticator enrollment. The factor stays pending until
// the caller proves possession via the activate endpoint.
// (POST /auth/mfa/totp/setup)
func (h *Handle) SetupTotp(w http.ResponseWriter, r *http.Request) {
	user, ok := authn.FromContext(r.Context())
	if !ok {
		apierrors.WriteError(w, r, apierrors.New(apierrors.ErrCodeSessionExpired, "not authenticated"))
		return
	}

	setup, err := h.twoFaService.SetupTotp(r.Context(), user.AccountID, user.Email)
	if err != nil {
		apierrors.WriteError(w, r, err)
		return
	}
	render.JSON(w, r, TotpSetupResponse{
		Secret:     setup.Secret,
		OtpauthURL: setup.OtpauthURL,
	})
}

// ActivateTotp confirms enrollment with a passcode from the authenticator.
// (POST /auth/mfa/totp/activate)
func (h *Handle) ActivateTotp(w http.ResponseWriter, r *http.Request) {
	h.passcodeAction(w, r, h.twoFaService.ActivateTotp)
}

// DisableTotp turns the authenticator factor off. A valid current passcode
// is required so a hijacked session cannot silently weaken the account.
// (POST /auth/mfa/totp/disable)
func (h *Handle) DisableTotp(w http.ResponseWriter, r *http.Request) {
	h.passcodeAction(w, r, h.twoFaService.DisableTotp)
}

// EnableEmail turns on emailed sign-in passcodes.
// (POST /auth/mfa/email/enable)
func (h *Handle) EnableEmail(w http.ResponseWriter, r *http.Request) {
	h.simpleAction(w, r, h.twoFaService.EnableEmailFactor)
}

// DisableEmail turns emailed passcodes off.
// (POST /auth/mfa/email/disable)
func (h *Handle) DisableEmail(w http.ResponseWriter, r *http.Request) {
	h.simpleAction(w, r, h.twoFaService.DisableEmailFactor)
}

// GenerateRecoveryCodes mints a fresh batch of backup codes, invalidating
// any previous batch.
// (POST /auth/mfa/recovery/generate)
func (h *Handle) GenerateRecoveryCodes(w http.ResponseWriter, r *http.Request) {
	user, ok := authn.FromContext(r.Context())
	if !ok {
		apierrors.WriteError(w, r, apierrors.New(apierrors.ErrCodeSessionExpired, "not authenticated"))
		return
	}

	codes, err := h.twoFaService.GenerateRecoveryCodes(r.Context(), user.AccountID, user.Email)
	if err != nil {
		apierrors.WriteError(w, r, err)
		return
	}
	render.JSON(w, r, RecoveryCodesResponse{Codes: codes})
}

// RecoveryStatus reports how many backup codes remain.
// (GET /auth/mfa/recovery/status)
func (h *Handle) RecoveryStatus(w http.ResponseWriter, r *http.Request) {
	user, ok := authn.FromContext(r.Context())
	if !ok {
		apierrors.WriteError(w, r, apierrors.New(apierrors.ErrCodeSessionExpired, "not authenticated"))
		return
	}

	status, err := h.twoFaService.GetRecoveryCodeStatus(r.Context(), user.AccountID)
	if err != nil {
		apierrors.WriteError(w, r, err)
		return
	}
	resp := RecoveryStatusResponse{
		Total:            status.Total,
		Remaining:        status.Remaining,
		ShouldRegenerate: status.ShouldRegenerate,
	}
	if !status.ExpiresAt.IsZero() {
		resp.ExpiresAt = &status.ExpiresAt
	}
	render.JSON(w, r, resp)
}

func (h *Handle) passcodeAction(w http.ResponseWriter, r *http.Request,
	action func(ctx context.Context, accountID uuid.UUID, passcode string) error) {
	user, ok := authn.FromContext(r.Context())
	if !ok {
		apierrors.WriteError(w, r, apierrors.New(apierrors.ErrCodeSessionExpired, "not authenticated"))
		return
	}

	var data struct {
		Passcode string `json:"passcode"`
	}
	if err := render.DecodeJSON(r.Body, &data); err != nil {
		apierrors.WriteError(w, r, apierrors.New(apierrors.ErrCodeInvalidInput, "unable to parse request body"))
		return
	}

	if err := action(r.Context(), user.AccountID, data.Passcode); err != nil {
		apierrors.WriteError(w, r, err)
		return
	}
	render.NoContent(w, r)
}

func (h *Handle) simpleAction(w http.ResponseWriter, r *http.Request,
	action func(ctx context.Context, accountID uuid.UUID) error) {
	user, ok := authn.FromContext(r.Context())
	if !ok {
		apierrors.WriteError(w, r, apierrors.New(apierrors.ErrCodeSessionExpired, "not authenticated"))
		return
	}

	if err := action(r.Context(), user.AccountID); err != nil {
		apierrors.WriteError(w, r, err)
		return
	}
	render.NoContent(w, r)
}
