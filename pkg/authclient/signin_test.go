package authclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAuthServer scripts the server side of the ceremony: password "good"
// with TOTP enrolled, passcode "123456", state tokens rotate per step and
// are single use.
type fakeAuthServer struct {
	t          *testing.T
	mux        *http.ServeMux
	mfaEnabled bool
	validToken string
	tokenSeq   int
}

func newFakeAuthServer(t *testing.T, mfaEnabled bool) (*httptest.Server, *fakeAuthServer) {
	t.Helper()
	f := &fakeAuthServer{t: t, mux: http.NewServeMux(), mfaEnabled: mfaEnabled}

	f.mux.HandleFunc("/auth/sign-in", func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		if body["password"] != "good" {
			writeJSON(t, w, http.StatusUnauthorized, map[string]any{
				"error": map[string]string{"code": "INVALID_CREDENTIALS", "message": "invalid credentials"},
			})
			return
		}
		if !f.mfaEnabled {
			f.writeSuccess(w)
			return
		}
		writeJSON(t, w, http.StatusAccepted, map[string]any{
			"status":      "MFA_TOTP_REQUIRED",
			"state_token": f.issueToken(),
		})
	})

	f.mux.HandleFunc("/auth/mfa/totp/verify", func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		if !f.consumeToken(body["state_token"]) {
			writeJSON(t, w, http.StatusUnauthorized, map[string]any{
				"error": map[string]string{"code": "NO_SIGN_IN_IN_PROGRESS", "message": "no sign-in in progress"},
			})
			return
		}
		if body["passcode"] != "123456" {
			writeJSON(t, w, http.StatusUnauthorized, map[string]any{
				"error": map[string]string{"code": "INVALID_CODE", "message": "invalid code"},
			})
			return
		}
		f.writeSuccess(w)
	})

	server := httptest.NewServer(f.mux)
	t.Cleanup(server.Close)
	return server, f
}

func (f *fakeAuthServer) issueToken() string {
	f.tokenSeq++
	f.validToken = "state-" + string(rune('a'+f.tokenSeq))
	return f.validToken
}

func (f *fakeAuthServer) consumeToken(token string) bool {
	if token == "" || token != f.validToken {
		return false
	}
	f.validToken = ""
	return true
}

func (f *fakeAuthServer) writeSuccess(w http.ResponseWriter) {
	writeJSON(f.t, w, http.StatusOK, map[string]any{
		"status":        "SUCCESS",
		"access_token":  "access-1",
		"refresh_token": "refresh-1",
		"expires_at":    time.Now().Add(time.Hour),
		"user":          map[string]any{"id": "u1", "username": "alice"},
	})
}

func decodeBody(t *testing.T, r *http.Request) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	return body
}

func TestFlow_PasswordOnly(t *testing.T) {
	server, _ := newFakeAuthServer(t, false)
	client := NewClient(server.URL)

	status, err := client.Flow().SignIn(context.Background(), "alice", "good")
	require.NoError(t, err)
	assert.Equal(t, StateSignedIn, status.State)
	require.NotNil(t, status.User)
	assert.Equal(t, "alice", status.User.Username)

	token, err := client.Authority().GetValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", token)
}

func TestFlow_BadPassword(t *testing.T) {
	server, _ := newFakeAuthServer(t, false)
	client := NewClient(server.URL)

	_, err := client.Flow().SignIn(context.Background(), "alice", "bad")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, StateIdle, client.Flow().State())
}

func TestFlow_TotpCeremony(t *testing.T) {
	server, _ := newFakeAuthServer(t, true)
	client := NewClient(server.URL)

	status, err := client.Flow().SignIn(context.Background(), "alice", "good")
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingTotp, status.State)

	status, err = client.Flow().VerifyTotp(context.Background(), "123456")
	require.NoError(t, err)
	assert.Equal(t, StateSignedIn, status.State)
}

func TestFlow_WrongPasscodeResetsCeremony(t *testing.T) {
	server, _ := newFakeAuthServer(t, true)
	client := NewClient(server.URL)

	_, err := client.Flow().SignIn(context.Background(), "alice", "good")
	require.NoError(t, err)

	_, err = client.Flow().VerifyTotp(context.Background(), "000000")
	assert.ErrorIs(t, err, ErrInvalidCode)
	assert.Equal(t, StateIdle, client.Flow().State())

	// The machine refuses further verification without a new sign-in.
	_, err = client.Flow().VerifyTotp(context.Background(), "123456")
	assert.ErrorIs(t, err, ErrNoSignIn)
}

func TestFlow_CancelAbandonsCeremony(t *testing.T) {
	server, _ := newFakeAuthServer(t, true)
	client := NewClient(server.URL)

	_, err := client.Flow().SignIn(context.Background(), "alice", "good")
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingTotp, client.Flow().State())

	client.Flow().Cancel()
	assert.Equal(t, StateIdle, client.Flow().State())

	_, err = client.Flow().VerifyTotp(context.Background(), "123456")
	assert.ErrorIs(t, err, ErrNoSignIn)
}

func TestFlow_VerifyWithoutSignIn(t *testing.T) {
	server, _ := newFakeAuthServer(t, true)
	client := NewClient(server.URL)

	_, err := client.Flow().VerifyTotp(context.Background(), "123456")
	assert.ErrorIs(t, err, ErrNoSignIn)
}

func TestFlow_UnrecognizedStatusFailsClosed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/sign-in", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{
			"status":      "BIOMETRIC_REQUIRED",
			"state_token": "state-x",
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := NewClient(server.URL)
	_, err := client.Flow().SignIn(context.Background(), "alice", "good")
	require.Error(t, err)
	var clientErr *Error
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, KindUnknown, clientErr.Kind)
	assert.Equal(t, StateIdle, client.Flow().State())
}

func TestFlow_SuccessWithoutTokensFailsClosed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/sign-in", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{"status": "SUCCESS"})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := NewClient(server.URL)
	_, err := client.Flow().SignIn(context.Background(), "alice", "good")
	require.Error(t, err)
	assert.Equal(t, StateIdle, client.Flow().State())

	_, err = client.Authority().GetValidToken(context.Background())
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestFlow_SignOutClearsTokens(t *testing.T) {
	var signOutCalled bool
	server, f := newFakeAuthServer(t, false)
	f.mux.HandleFunc("/auth/sign-out", func(w http.ResponseWriter, r *http.Request) {
		signOutCalled = true
		w.WriteHeader(http.StatusNoContent)
	})

	client := NewClient(server.URL)
	_, err := client.Flow().SignIn(context.Background(), "alice", "good")
	require.NoError(t, err)

	require.NoError(t, client.Flow().SignOut(context.Background()))
	assert.True(t, signOutCalled)

	_, err = client.Authority().GetValidToken(context.Background())
	assert.ErrorIs(t, err, ErrSessionExpired)
}
