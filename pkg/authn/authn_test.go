package authn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eduardc77/shopauth/pkg/login"
	"github.com/eduardc77/shopauth/pkg/notification"
	"github.com/eduardc77/shopauth/pkg/tokengenerator"
)

const testSecret = "test-secret"

func newTestSetup(t *testing.T) (*Middleware, *tokengenerator.TokenService, login.Account, *login.InMemoryAccountRepository) {
	t.Helper()
	repo := login.NewInMemoryAccountRepository()
	nm := notification.NewNotificationManager(notification.NewMockNotifier())
	pm := login.NewPasswordManager(repo, nil, nm)
	loginService := login.NewLoginService(repo, pm)

	account, err := loginService.Register(context.Background(), "alice", "alice@example.com", "Correct#Horse7")
	require.NoError(t, err)

	ts := tokengenerator.NewTokenService(
		tokengenerator.NewJwtTokenGenerator(testSecret, "shopauth-test", "shopauth-api"))
	return NewMiddleware(repo, testSecret), ts, account, repo
}

func protectedHandler(t *testing.T, m *Middleware, onUser func(*AuthUser)) http.Handler {
	t.Helper()
	var inner http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := FromContext(r.Context())
		require.True(t, ok)
		if onUser != nil {
			onUser(user)
		}
		w.WriteHeader(http.StatusOK)
	})
	return m.Verifier(m.Authenticator(inner))
}

func doRequest(handler http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestAuthenticator_ValidToken(t *testing.T) {
	m, ts, account, _ := newTestSetup(t)
	pair, err := ts.GenerateTokenPair(identityFor(account))
	require.NoError(t, err)

	var got *AuthUser
	handler := protectedHandler(t, m, func(u *AuthUser) { got = u })

	rec := doRequest(handler, pair.AccessToken)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, account.ID, got.AccountID)
	assert.Equal(t, "alice", got.Username)
}

func TestAuthenticator_MissingToken(t *testing.T) {
	m, _, _, _ := newTestSetup(t)
	rec := doRequest(protectedHandler(t, m, nil), "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthenticator_RefreshTokenRejected(t *testing.T) {
	m, ts, account, _ := newTestSetup(t)
	pair, err := ts.GenerateTokenPair(identityFor(account))
	require.NoError(t, err)

	rec := doRequest(protectedHandler(t, m, nil), pair.RefreshToken)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthenticator_StaleEpochRejected(t *testing.T) {
	m, ts, account, repo := newTestSetup(t)
	pair, err := ts.GenerateTokenPair(identityFor(account))
	require.NoError(t, err)

	_, err = repo.UpdateAccount(context.Background(), account.ID, func(a *login.Account) error {
		a.TokenEpoch++
		return nil
	})
	require.NoError(t, err)

	rec := doRequest(protectedHandler(t, m, nil), pair.AccessToken)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthenticator_TokenFromCookie(t *testing.T) {
	m, ts, account, _ := newTestSetup(t)
	pair, err := ts.GenerateTokenPair(identityFor(account))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.AddCookie(&http.Cookie{Name: tokengenerator.AccessTokenCookie, Value: pair.AccessToken})
	rec := httptest.NewRecorder()
	protectedHandler(t, m, nil).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func identityFor(account login.Account) tokengenerator.Identity {
	return tokengenerator.Identity{
		AccountID:     account.ID,
		Username:      account.Username,
		Email:         account.Email,
		EmailVerified: account.EmailVerified,
		Role:          account.Role,
		TokenEpoch:    account.TokenEpoch,
	}
}
