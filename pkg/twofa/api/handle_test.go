package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eduardc77/shopauth/pkg/authn"
	apierrors "github.com/eduardc77/shopauth/pkg/errors"
	"github.com/eduardc77/shopauth/pkg/notification"
	"github.com/eduardc77/shopauth/pkg/twofa"
)

type apiHarness struct {
	router  chi.Router
	service *twofa.TwoFaService
	user    *authn.AuthUser
}

// newAPIHarness wires the handlers behind a middleware that injects a fixed
// caller, standing in for the real token verification chain.
func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()

	service := twofa.NewTwoFaService(
		twofa.NewInMemoryRepository(),
		notification.NewNotificationManager(notification.NewMockNotifier()))

	user := &authn.AuthUser{
		AccountID: uuid.New(),
		Username:  "alice",
		Email:     "alice@example.com",
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(authn.WithAuthUser(r.Context(), user)))
		})
	})
	router.Route("/auth/mfa", func(r chi.Router) {
		Routes(r, NewHandle(service))
	})

	return &apiHarness{router: router, service: service, user: user}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func totpCode(t *testing.T, secret string) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, time.Now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return code
}

func TestStatus_NoFactors(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodGet, "/auth/mfa/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.EnabledMethods)
}

func TestTotpEnrollment(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/auth/mfa/totp/setup", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var setup TotpSetupResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &setup))
	require.NotEmpty(t, setup.Secret)
	assert.Contains(t, setup.OtpauthURL, "otpauth://totp/")

	// Pending until activated.
	rec = h.do(t, http.MethodGet, "/auth/mfa/status", nil)
	var status StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Empty(t, status.EnabledMethods)

	rec = h.do(t, http.MethodPost, "/auth/mfa/totp/activate",
		map[string]string{"passcode": totpCode(t, setup.Secret)})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, http.MethodGet, "/auth/mfa/status", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Contains(t, status.EnabledMethods, twofa.MethodTotp)
}

func TestTotpActivate_WrongPasscode(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/auth/mfa/totp/setup", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/auth/mfa/totp/activate",
		map[string]string{"passcode": "000000"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var body apierrors.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "INVALID_CODE", string(body.Error.Code))
}

func TestTotpDisable_RequiresPasscode(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/auth/mfa/totp/setup", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var setup TotpSetupResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &setup))
	rec = h.do(t, http.MethodPost, "/auth/mfa/totp/activate",
		map[string]string{"passcode": totpCode(t, setup.Secret)})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, http.MethodPost, "/auth/mfa/totp/disable",
		map[string]string{"passcode": "000000"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodPost, "/auth/mfa/totp/disable",
		map[string]string{"passcode": totpCode(t, setup.Secret)})
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestEmailFactorToggle(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/auth/mfa/email/enable", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, http.MethodPost, "/auth/mfa/email/enable", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	var body apierrors.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ALREADY_ENABLED", string(body.Error.Code))

	rec = h.do(t, http.MethodPost, "/auth/mfa/email/disable", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, http.MethodGet, "/auth/mfa/status", nil)
	var status StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Empty(t, status.EnabledMethods)
}

func TestRecoveryCodes(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/auth/mfa/recovery/generate", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp RecoveryCodesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Codes, 10)
	pattern := regexp.MustCompile(`^[A-Z2-7]{4}-[A-Z2-7]{4}-[A-Z2-7]{4}$`)
	for _, code := range resp.Codes {
		assert.Regexp(t, pattern, code)
	}

	rec = h.do(t, http.MethodGet, "/auth/mfa/recovery/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status RecoveryStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 10, status.Total)
	assert.Equal(t, 10, status.Remaining)
	assert.False(t, status.ShouldRegenerate)

	// Using one through the service shows up in the status.
	require.NoError(t, h.service.VerifyRecoveryCode(context.Background(), h.user.AccountID, resp.Codes[0]))
	rec = h.do(t, http.MethodGet, "/auth/mfa/recovery/status", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 9, status.Remaining)
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	service := twofa.NewTwoFaService(
		twofa.NewInMemoryRepository(),
		notification.NewNotificationManager(notification.NewMockNotifier()))

	router := chi.NewRouter()
	router.Route("/auth/mfa", func(r chi.Router) {
		Routes(r, NewHandle(service))
	})

	req := httptest.NewRequest(http.MethodGet, "/auth/mfa/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
