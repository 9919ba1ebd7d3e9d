package signinflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eduardc77/shopauth/pkg/emailverification"
	"github.com/eduardc77/shopauth/pkg/login"
	"github.com/eduardc77/shopauth/pkg/notification"
	"github.com/eduardc77/shopauth/pkg/sessions"
	"github.com/eduardc77/shopauth/pkg/statetoken"
	"github.com/eduardc77/shopauth/pkg/tokengenerator"
	"github.com/eduardc77/shopauth/pkg/twofa"
)

const testPassword = "Correct#Horse7"

type testHarness struct {
	service      *Service
	loginService *login.LoginService
	twoFaService *twofa.TwoFaService
	tokenService *tokengenerator.TokenService
	notifier     *notification.MockNotifier
	account      login.Account
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	accountRepo := login.NewInMemoryAccountRepository()
	notifier := notification.NewMockNotifier()
	nm := notification.NewNotificationManager(notifier)
	pm := login.NewPasswordManager(accountRepo, nil, nm)
	loginService := login.NewLoginService(accountRepo, pm)

	twoFaService := twofa.NewTwoFaService(twofa.NewInMemoryRepository(), nm)
	tokenService := tokengenerator.NewTokenService(
		tokengenerator.NewJwtTokenGenerator("test-secret", "shopauth-test", "shopauth-api"))
	emailVerification := emailverification.NewService(
		emailverification.NewInMemoryRepository(), loginService, nm)

	service := NewService(
		loginService,
		twoFaService,
		tokenService,
		sessions.NewRedisStore(client),
		statetoken.NewRedisStore(client),
		emailVerification,
	)

	account, err := loginService.Register(ctx, "alice", "alice@example.com", testPassword)
	require.NoError(t, err)
	account, err = loginService.MarkEmailVerified(ctx, account.ID)
	require.NoError(t, err)

	return &testHarness{
		service:      service,
		loginService: loginService,
		twoFaService: twoFaService,
		tokenService: tokenService,
		notifier:     notifier,
		account:      account,
	}
}

func (h *testHarness) enableTotp(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	setup, err := h.twoFaService.SetupTotp(ctx, h.account.ID, h.account.Email)
	require.NoError(t, err)
	require.NoError(t, h.twoFaService.ActivateTotp(ctx, h.account.ID, totpCode(t, setup.Secret)))
	return setup.Secret
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

func TestProcessSignIn_NoMfa(t *testing.T) {
	h := newHarness(t)

	result, err := h.service.ProcessSignIn(context.Background(), "alice", testPassword)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
	require.NotNil(t, result.Tokens)
	assert.NotEmpty(t, result.Tokens.AccessToken)
	assert.Empty(t, result.StateToken)
	require.NotNil(t, result.User)
	assert.Equal(t, "alice", result.User.Username)
}

func TestProcessSignIn_BadCredentials(t *testing.T) {
	h := newHarness(t)

	_, err := h.service.ProcessSignIn(context.Background(), "alice", "Wrong#Pass9x")
	assert.ErrorIs(t, err, login.ErrInvalidCredentials)
}

func TestProcessSignIn_UnverifiedEmail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.loginService.ChangeEmail(ctx, h.account.ID, testPassword, "fresh@example.com")
	require.NoError(t, err)

	result, err := h.service.ProcessSignIn(ctx, "alice", testPassword)
	require.NoError(t, err)
	assert.Equal(t, StatusEmailVerificationRequired, result.Status)
	assert.Nil(t, result.Tokens)
	require.NotEmpty(t, result.StateToken)
	assert.Equal(t, "f***h@example.com", result.MaskedEmail)

	notice, ok := h.notifier.LastTo("fresh@example.com")
	require.True(t, ok)
	require.Equal(t, notification.EmailVerificationNotice, notice.Type)

	done, err := h.service.CompleteEmailVerification(ctx, result.StateToken, notice.Data["Code"])
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, done.Status)
	require.NotNil(t, done.Tokens)
}

func TestTotpCeremony(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	secret := h.enableTotp(t)

	result, err := h.service.ProcessSignIn(ctx, "alice", testPassword)
	require.NoError(t, err)
	assert.Equal(t, StatusMfaTotpRequired, result.Status)
	assert.Nil(t, result.Tokens)
	require.NotEmpty(t, result.StateToken)

	// A wrong passcode fails and consumes the continuation token.
	_, err = h.service.VerifyTotpSignIn(ctx, result.StateToken, "000000")
	assert.ErrorIs(t, err, twofa.ErrInvalidPasscode)
	_, err = h.service.VerifyTotpSignIn(ctx, result.StateToken, totpCode(t, secret))
	assert.ErrorIs(t, err, ErrSignInStateNotFound)

	// The ceremony restarts from the top.
	result, err = h.service.ProcessSignIn(ctx, "alice", testPassword)
	require.NoError(t, err)
	done, err := h.service.VerifyTotpSignIn(ctx, result.StateToken, totpCode(t, secret))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, done.Status)
	require.NotNil(t, done.Tokens)
}

func TestEmailCeremony(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.twoFaService.EnableEmailFactor(ctx, h.account.ID))

	result, err := h.service.ProcessSignIn(ctx, "alice", testPassword)
	require.NoError(t, err)
	assert.Equal(t, StatusMfaEmailRequired, result.Status)
	assert.Equal(t, "a***e@example.com", result.MaskedEmail)

	notice, ok := h.notifier.LastTo("alice@example.com")
	require.True(t, ok)
	require.Equal(t, notification.SignInPasscodeNotice, notice.Type)

	done, err := h.service.VerifyEmailCodeSignIn(ctx, result.StateToken, notice.Data["Passcode"])
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, done.Status)
}

func TestEmailCeremony_Resend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.twoFaService.EnableEmailFactor(ctx, h.account.ID))

	result, err := h.service.ProcessSignIn(ctx, "alice", testPassword)
	require.NoError(t, err)

	resent, err := h.service.ResendEmailCode(ctx, result.StateToken)
	require.NoError(t, err)
	assert.Equal(t, StatusMfaEmailRequired, resent.Status)
	assert.NotEqual(t, result.StateToken, resent.StateToken)

	// The old token was consumed by the resend.
	_, err = h.service.VerifyEmailCodeSignIn(ctx, result.StateToken, "000000")
	assert.ErrorIs(t, err, ErrSignInStateNotFound)

	notice, ok := h.notifier.LastTo("alice@example.com")
	require.True(t, ok)
	done, err := h.service.VerifyEmailCodeSignIn(ctx, resent.StateToken, notice.Data["Passcode"])
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, done.Status)
}

func TestEmailCeremony_ResendFailureKeepsCeremonyAlive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.twoFaService.EnableEmailFactor(ctx, h.account.ID))

	result, err := h.service.ProcessSignIn(ctx, "alice", testPassword)
	require.NoError(t, err)
	notice, ok := h.notifier.LastTo("alice@example.com")
	require.True(t, ok)

	// A resend that cannot deliver still hands back a fresh token, so the
	// passcode that already arrived can finish the ceremony.
	h.notifier.FailWith(errors.New("smtp down"))
	resent, err := h.service.ResendEmailCode(ctx, result.StateToken)
	require.Error(t, err)
	require.NotEmpty(t, resent.StateToken)
	h.notifier.FailWith(nil)

	done, err := h.service.VerifyEmailCodeSignIn(ctx, resent.StateToken, notice.Data["Passcode"])
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, done.Status)
}

func TestMethodSelectionCeremony(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enableTotp(t)
	require.NoError(t, h.twoFaService.EnableEmailFactor(ctx, h.account.ID))

	result, err := h.service.ProcessSignIn(ctx, "alice", testPassword)
	require.NoError(t, err)
	assert.Equal(t, StatusMfaRequired, result.Status)
	assert.ElementsMatch(t, []string{twofa.MethodTotp, twofa.MethodEmail}, result.AvailableMethods)

	selected, err := h.service.SelectMfaMethod(ctx, result.StateToken, twofa.MethodEmail)
	require.NoError(t, err)
	assert.Equal(t, StatusMfaEmailRequired, selected.Status)

	notice, ok := h.notifier.LastTo("alice@example.com")
	require.True(t, ok)
	done, err := h.service.VerifyEmailCodeSignIn(ctx, selected.StateToken, notice.Data["Passcode"])
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, done.Status)
}

func TestSelectMfaMethod_DisallowedMethod(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enableTotp(t)
	require.NoError(t, h.twoFaService.EnableEmailFactor(ctx, h.account.ID))

	result, err := h.service.ProcessSignIn(ctx, "alice", testPassword)
	require.NoError(t, err)

	// No recovery codes were generated, so the method is not offered.
	_, err = h.service.SelectMfaMethod(ctx, result.StateToken, twofa.MethodRecovery)
	assert.ErrorIs(t, err, ErrMethodNotAllowed)
}

func TestRecoveryCodeCeremony(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enableTotp(t)
	codes, err := h.twoFaService.GenerateRecoveryCodes(ctx, h.account.ID, "")
	require.NoError(t, err)

	// Recovery is accepted directly at the totp step.
	result, err := h.service.ProcessSignIn(ctx, "alice", testPassword)
	require.NoError(t, err)
	assert.Equal(t, StatusMfaTotpRequired, result.Status)
	assert.Contains(t, result.AvailableMethods, twofa.MethodRecovery)

	done, err := h.service.VerifyRecoveryCodeSignIn(ctx, result.StateToken, codes[0])
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, done.Status)

	// The used code never works again.
	result, err = h.service.ProcessSignIn(ctx, "alice", testPassword)
	require.NoError(t, err)
	_, err = h.service.VerifyRecoveryCodeSignIn(ctx, result.StateToken, codes[0])
	assert.ErrorIs(t, err, twofa.ErrInvalidRecoveryCode)
}

func TestRefreshRotation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result, err := h.service.ProcessSignIn(ctx, "alice", testPassword)
	require.NoError(t, err)
	first := result.Tokens

	second, err := h.service.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	// Replaying the rotated-out token fails and kills the whole session
	// family, including the fresh one.
	_, err = h.service.Refresh(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, sessions.ErrSessionNotFound)
	_, err = h.service.Refresh(ctx, second.RefreshToken)
	assert.ErrorIs(t, err, sessions.ErrSessionNotFound)
}

func TestRefresh_EpochInvalidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result, err := h.service.ProcessSignIn(ctx, "alice", testPassword)
	require.NoError(t, err)

	_, err = h.loginService.BumpTokenEpoch(ctx, h.account.ID)
	require.NoError(t, err)

	_, err = h.service.Refresh(ctx, result.Tokens.RefreshToken)
	assert.ErrorIs(t, err, tokengenerator.ErrEpochOutOfDate)
}

func TestSignOut(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result, err := h.service.ProcessSignIn(ctx, "alice", testPassword)
	require.NoError(t, err)

	require.NoError(t, h.service.SignOut(ctx, result.Tokens.RefreshToken))
	_, err = h.service.Refresh(ctx, result.Tokens.RefreshToken)
	assert.ErrorIs(t, err, sessions.ErrSessionNotFound)

	// Signing out twice is fine.
	assert.NoError(t, h.service.SignOut(ctx, result.Tokens.RefreshToken))
	assert.NoError(t, h.service.SignOut(ctx, "garbage"))
}

func TestReissueAfterIdentityChange(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result, err := h.service.ProcessSignIn(ctx, "alice", testPassword)
	require.NoError(t, err)
	oldAccess := result.Tokens.AccessToken

	// Changing the email bumps the epoch and opens a short reissue grant,
	// so the old access token is still accepted by the dedicated path.
	_, err = h.loginService.ChangeEmail(ctx, h.account.ID, testPassword, "new@example.com")
	require.NoError(t, err)

	reissued, err := h.service.ReissueAfterIdentityChange(ctx, oldAccess)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, reissued.Status)
	require.NotNil(t, reissued.Tokens)
	assert.Equal(t, "new@example.com", reissued.User.Email)

	// The new email is unverified, so a verification code went out.
	notice, ok := h.notifier.LastTo("new@example.com")
	require.True(t, ok)
	assert.Equal(t, notification.EmailVerificationNotice, notice.Type)

	// A second epoch bump puts the old token two behind; then it is dead
	// even for reissue.
	_, err = h.loginService.BumpTokenEpoch(ctx, h.account.ID)
	require.NoError(t, err)
	_, err = h.service.ReissueAfterIdentityChange(ctx, oldAccess)
	assert.ErrorIs(t, err, tokengenerator.ErrEpochOutOfDate)
}

func TestReissue_RejectedAfterPasswordChange(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result, err := h.service.ProcessSignIn(ctx, "alice", testPassword)
	require.NoError(t, err)
	oldAccess := result.Tokens.AccessToken

	// A password change bumps the epoch without opening a reissue grant, so
	// a token stolen before the change cannot be laundered into a fresh
	// pair through the reissue endpoint.
	err = h.loginService.PasswordManager().ChangePassword(ctx, h.account.ID, testPassword, "Fresh#Walrus8")
	require.NoError(t, err)

	_, err = h.service.ReissueAfterIdentityChange(ctx, oldAccess)
	assert.ErrorIs(t, err, tokengenerator.ErrEpochOutOfDate)
}

func TestReissue_PasswordChangeRevokesGrant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result, err := h.service.ProcessSignIn(ctx, "alice", testPassword)
	require.NoError(t, err)
	oldAccess := result.Tokens.AccessToken

	// The email change opens a grant for the old epoch, but the password
	// change right after must slam it shut.
	_, err = h.loginService.ChangeEmail(ctx, h.account.ID, testPassword, "new@example.com")
	require.NoError(t, err)
	err = h.loginService.PasswordManager().ChangePassword(ctx, h.account.ID, testPassword, "Fresh#Walrus8")
	require.NoError(t, err)

	_, err = h.service.ReissueAfterIdentityChange(ctx, oldAccess)
	assert.ErrorIs(t, err, tokengenerator.ErrEpochOutOfDate)
}

func TestPasswordExpired(t *testing.T) {
	mrPolicy := login.DefaultPasswordPolicy()
	mrPolicy.ExpirationDays = 30

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	accountRepo := login.NewInMemoryAccountRepository()
	nm := notification.NewNotificationManager(notification.NewMockNotifier())
	pm := login.NewPasswordManager(accountRepo, mrPolicy, nm)
	loginService := login.NewLoginService(accountRepo, pm)
	twoFaService := twofa.NewTwoFaService(twofa.NewInMemoryRepository(), nm)
	tokenService := tokengenerator.NewTokenService(
		tokengenerator.NewJwtTokenGenerator("test-secret", "shopauth-test", "shopauth-api"))
	emailVerification := emailverification.NewService(
		emailverification.NewInMemoryRepository(), loginService, nm)
	service := NewService(loginService, twoFaService, tokenService,
		sessions.NewRedisStore(client), statetoken.NewRedisStore(client), emailVerification)

	ctx := context.Background()
	account, err := loginService.Register(ctx, "bob", "bob@example.com", testPassword)
	require.NoError(t, err)
	_, err = loginService.MarkEmailVerified(ctx, account.ID)
	require.NoError(t, err)

	// Age the password past the expiration window.
	_, err = accountRepo.UpdateAccount(ctx, account.ID, func(a *login.Account) error {
		a.PasswordChangedAt = time.Now().AddDate(0, 0, -31)
		return nil
	})
	require.NoError(t, err)

	result, err := service.ProcessSignIn(ctx, "bob", testPassword)
	require.NoError(t, err)
	assert.Equal(t, StatusPasswordResetRequired, result.Status)
	assert.Nil(t, result.Tokens)
	assert.NotEmpty(t, result.StateToken)
}
