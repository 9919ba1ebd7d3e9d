package emailverification

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eduardc77/shopauth/pkg/login"
	"github.com/eduardc77/shopauth/pkg/notification"
)

func newTestService(t *testing.T, opts ...ServiceOption) (*Service, *login.LoginService, *notification.MockNotifier) {
	t.Helper()
	accountRepo := login.NewInMemoryAccountRepository()
	notifier := notification.NewMockNotifier()
	nm := notification.NewNotificationManager(notifier)
	pm := login.NewPasswordManager(accountRepo, nil, nm)
	loginService := login.NewLoginService(accountRepo, pm)
	return NewService(NewInMemoryRepository(), loginService, nm, opts...), loginService, notifier
}

func registerAccount(t *testing.T, svc *login.LoginService) login.Account {
	t.Helper()
	account, err := svc.Register(context.Background(), "alice", "alice@example.com", "Correct#Horse7")
	require.NoError(t, err)
	return account
}

func TestVerifyEmail(t *testing.T) {
	svc, loginService, notifier := newTestService(t)
	account := registerAccount(t, loginService)
	ctx := context.Background()

	require.NoError(t, svc.SendVerificationCode(ctx, account.ID))

	notice, ok := notifier.LastTo("alice@example.com")
	require.True(t, ok)
	require.Equal(t, notification.EmailVerificationNotice, notice.Type)
	code := notice.Data["Code"]
	require.Len(t, code, 6)

	require.NoError(t, svc.VerifyCode(ctx, account.ID, code))

	updated, err := loginService.GetAccountByID(ctx, account.ID)
	require.NoError(t, err)
	assert.True(t, updated.EmailVerified)

	// Verified accounts reject further codes and sends.
	assert.ErrorIs(t, svc.VerifyCode(ctx, account.ID, code), ErrAlreadyVerified)
	assert.ErrorIs(t, svc.SendVerificationCode(ctx, account.ID), ErrAlreadyVerified)
}

func TestVerifyCode_WrongCode(t *testing.T) {
	svc, loginService, _ := newTestService(t)
	account := registerAccount(t, loginService)
	ctx := context.Background()

	require.NoError(t, svc.SendVerificationCode(ctx, account.ID))
	assert.ErrorIs(t, svc.VerifyCode(ctx, account.ID, "999999x"), ErrCodeNotFound)
}

func TestResendRateLimit(t *testing.T) {
	svc, loginService, _ := newTestService(t, WithResendLimit(2), WithResendWindow(time.Hour))
	account := registerAccount(t, loginService)
	ctx := context.Background()

	require.NoError(t, svc.SendVerificationCode(ctx, account.ID))
	require.NoError(t, svc.SendVerificationCode(ctx, account.ID))
	assert.ErrorIs(t, svc.SendVerificationCode(ctx, account.ID), ErrResendRateLimited)
}

func TestCodeForOldEmailRejectedAfterChange(t *testing.T) {
	svc, loginService, notifier := newTestService(t)
	account := registerAccount(t, loginService)
	ctx := context.Background()

	require.NoError(t, svc.SendVerificationCode(ctx, account.ID))
	notice, ok := notifier.LastTo("alice@example.com")
	require.True(t, ok)
	code := notice.Data["Code"]

	_, err := loginService.ChangeEmail(ctx, account.ID, "Correct#Horse7", "new@example.com")
	require.NoError(t, err)

	assert.ErrorIs(t, svc.VerifyCode(ctx, account.ID, code), ErrCodeNotFound)
}

func TestExpiredCode(t *testing.T) {
	svc, loginService, notifier := newTestService(t, WithCodeExpiry(-time.Second))
	account := registerAccount(t, loginService)
	ctx := context.Background()

	require.NoError(t, svc.SendVerificationCode(ctx, account.ID))
	notice, ok := notifier.LastTo("alice@example.com")
	require.True(t, ok)

	assert.ErrorIs(t, svc.VerifyCode(ctx, account.ID, notice.Data["Code"]), ErrCodeExpired)
}
