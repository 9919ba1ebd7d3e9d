package login

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eduardc77/shopauth/pkg/notification"
)

func newTestPasswordManager(t *testing.T) (*PasswordManager, *InMemoryAccountRepository, *notification.MockNotifier) {
	t.Helper()
	repo := NewInMemoryAccountRepository()
	notifier := notification.NewMockNotifier()
	nm := notification.NewNotificationManager(notifier)
	return NewPasswordManager(repo, nil, nm), repo, notifier
}

func createAccountWithPassword(t *testing.T, repo *InMemoryAccountRepository, password string) Account {
	t.Helper()
	hash, err := HashPassword(password)
	require.NoError(t, err)
	account, err := repo.CreateAccount(context.Background(), CreateAccountParams{
		Username:     "bob",
		Email:        "bob@example.com",
		PasswordHash: hash,
	})
	require.NoError(t, err)
	return account
}

func TestCheckPasswordComplexity(t *testing.T) {
	pm, _, _ := newTestPasswordManager(t)

	tests := []struct {
		name     string
		password string
		wantErr  bool
	}{
		{"valid", "Correct#Horse7", false},
		{"too short", "Ab1#xyz", true},
		{"missing uppercase", "correct#horse7", true},
		{"missing lowercase", "CORRECT#HORSE7", true},
		{"missing digit", "Correct#Horse!", true},
		{"missing special char", "CorrectHorse77", true},
		{"repeated run", "Caaa#Horse777x", true},
		{"ascending sequence", "Abcd#Horse7!", true},
		{"keyboard row", "Qwer#Horse7!", true},
		{"common word", "MyPassword123#", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := pm.CheckPasswordComplexity(tt.password)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrPasswordComplexity)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestChangePassword(t *testing.T) {
	pm, repo, notifier := newTestPasswordManager(t)
	account := createAccountWithPassword(t, repo, "Old#Secret7a")
	ctx := context.Background()

	err := pm.ChangePassword(ctx, account.ID, "wrong", "New#Secret7a")
	assert.ErrorIs(t, err, ErrCurrentPasswordWrong)

	err = pm.ChangePassword(ctx, account.ID, "Old#Secret7a", "weak")
	assert.ErrorIs(t, err, ErrPasswordComplexity)

	err = pm.ChangePassword(ctx, account.ID, "Old#Secret7a", "Old#Secret7a")
	assert.ErrorIs(t, err, ErrPasswordSameAsCurrent)

	err = pm.ChangePassword(ctx, account.ID, "Old#Secret7a", "New#Secret7a")
	require.NoError(t, err)

	updated, err := repo.GetAccountByID(ctx, account.ID)
	require.NoError(t, err)
	match, err := CheckPasswordHash("New#Secret7a", updated.PasswordHash)
	require.NoError(t, err)
	assert.True(t, match)
	assert.Equal(t, account.TokenEpoch+1, updated.TokenEpoch, "change must invalidate outstanding tokens")

	notice, ok := notifier.LastTo("bob@example.com")
	require.True(t, ok)
	assert.Equal(t, notification.PasswordChangedNotice, notice.Type)
}

func TestChangePassword_RejectsRecentPasswords(t *testing.T) {
	pm, repo, _ := newTestPasswordManager(t)
	createAccountWithPassword(t, repo, "Seed#Secret7p0")
	ctx := context.Background()

	account, err := repo.FindAccountByUsername(ctx, "bob")
	require.NoError(t, err)

	current := "Seed#Secret7p0"
	for i := 1; i <= 11; i++ {
		next := fmt.Sprintf("Seed#Secret7p%d", i)
		require.NoError(t, pm.ChangePassword(ctx, account.ID, current, next))
		current = next
	}

	// The ten most recent prior passwords are still in the window.
	for i := 1; i <= 10; i++ {
		err := pm.ChangePassword(ctx, account.ID, current, fmt.Sprintf("Seed#Secret7p%d", i))
		assert.ErrorIs(t, err, ErrPasswordReused, "password p%d should still be remembered", i)
	}

	// The seed password has aged out of the 10-entry window.
	err = pm.ChangePassword(ctx, account.ID, current, "Seed#Secret7p0")
	assert.NoError(t, err)
}

func TestPasswordHistoryCapped(t *testing.T) {
	pm, repo, _ := newTestPasswordManager(t)
	account := createAccountWithPassword(t, repo, "Seed#Secret7p0")
	ctx := context.Background()

	current := "Seed#Secret7p0"
	for i := 1; i <= 12; i++ {
		next := fmt.Sprintf("Seed#Secret7p%d", i)
		require.NoError(t, pm.ChangePassword(ctx, account.ID, current, next))
		current = next
	}

	history, err := repo.GetPasswordHistory(ctx, account.ID, 0)
	require.NoError(t, err)
	assert.Len(t, history, 10)

	// Most recent first.
	match, err := CheckPasswordHash("Seed#Secret7p11", history[0].Hash)
	require.NoError(t, err)
	assert.True(t, match)
}

func TestPasswordReset(t *testing.T) {
	pm, repo, notifier := newTestPasswordManager(t)
	account := createAccountWithPassword(t, repo, "Old#Secret7a")
	ctx := context.Background()

	// Unknown email does not leak account existence.
	require.NoError(t, pm.InitPasswordReset(ctx, "stranger@example.com"))
	_, ok := notifier.LastTo("stranger@example.com")
	assert.False(t, ok)

	require.NoError(t, pm.InitPasswordReset(ctx, "bob@example.com"))
	notice, ok := notifier.LastTo("bob@example.com")
	require.True(t, ok)
	require.Equal(t, notification.PasswordResetNotice, notice.Type)
	code := notice.Data["Code"]
	require.Len(t, code, 6)

	err := pm.ResetPassword(ctx, "bob@example.com", "000000", "New#Secret7a")
	if code != "000000" {
		assert.Error(t, err, "wrong code must be rejected")
	}

	require.NoError(t, pm.ResetPassword(ctx, "bob@example.com", code, "New#Secret7a"))

	updated, err := repo.GetAccountByID(ctx, account.ID)
	require.NoError(t, err)
	match, err := CheckPasswordHash("New#Secret7a", updated.PasswordHash)
	require.NoError(t, err)
	assert.True(t, match)

	// Codes are single use.
	err = pm.ResetPassword(ctx, "bob@example.com", code, "Third#Secret7a")
	assert.Error(t, err)
}

func TestIsPasswordExpired(t *testing.T) {
	repo := NewInMemoryAccountRepository()
	nm := notification.NewNotificationManager(notification.NewMockNotifier())

	policy := DefaultPasswordPolicy()
	policy.ExpirationDays = 90
	pm := NewPasswordManager(repo, policy, nm)

	account := createAccountWithPassword(t, repo, "Old#Secret7a")
	assert.False(t, pm.IsPasswordExpired(account))

	account.PasswordChangedAt = account.PasswordChangedAt.AddDate(0, 0, -91)
	assert.True(t, pm.IsPasswordExpired(account))
}
