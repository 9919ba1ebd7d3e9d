package login

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// reissueGraceWindow is how long after an identity change a token minted
// under the previous epoch may still be exchanged at the reissue endpoint.
const reissueGraceWindow = 5 * time.Minute

// LockoutPolicy controls the failed-attempt lockout.
type LockoutPolicy struct {
	MaxFailedAttempts int
	LockoutDuration   time.Duration
}

// DefaultLockoutPolicy locks after 5 failures for 15 minutes.
func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{
		MaxFailedAttempts: 5,
		LockoutDuration:   15 * time.Minute,
	}
}

// LoginService verifies credentials and enforces the lockout policy.
type LoginService struct {
	repo            AccountRepository
	passwordManager *PasswordManager
	lockout         LockoutPolicy
}

type LoginServiceOption func(*LoginService)

func WithLockoutPolicy(policy LockoutPolicy) LoginServiceOption {
	return func(s *LoginService) {
		s.lockout = policy
	}
}

func NewLoginService(repo AccountRepository, pm *PasswordManager, opts ...LoginServiceOption) *LoginService {
	s := &LoginService{
		repo:            repo,
		passwordManager: pm,
		lockout:         DefaultLockoutPolicy(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PasswordManager exposes the password manager for lifecycle operations.
func (s *LoginService) PasswordManager() *PasswordManager {
	return s.passwordManager
}

// Register creates a new account with a hashed password.
func (s *LoginService) Register(ctx context.Context, username, email, password string) (Account, error) {
	if err := s.passwordManager.CheckPasswordComplexity(password); err != nil {
		return Account{}, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return Account{}, fmt.Errorf("failed to hash password: %w", err)
	}
	account, err := s.repo.CreateAccount(ctx, CreateAccountParams{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
	})
	if err != nil {
		return Account{}, err
	}
	slog.Info("Account registered", "accountID", account.ID)
	return account, nil
}

// VerifyPassword checks the credentials for the given username or email.
//
// A locked account is rejected before the password is checked, so attempts
// during a lockout neither extend the lock nor leak whether the password was
// right. An expired lockout is cleared lazily on the next attempt. The
// failure counter and the lock decision are applied inside a single atomic
// repository update, so two racing failed attempts cannot double count.
//
// The attempt that reaches the failure threshold still reports
// ErrInvalidCredentials; only subsequent attempts see the lock.
func (s *LoginService) VerifyPassword(ctx context.Context, usernameOrEmail, password string) (Account, error) {
	account, err := s.findAccount(ctx, usernameOrEmail)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return Account{}, ErrInvalidCredentials
		}
		return Account{}, err
	}

	now := time.Now()
	if account.LockedOut {
		if now.Before(account.LockoutUntil) {
			return Account{}, &AccountLockedError{RetryAfter: account.LockoutUntil.Sub(now)}
		}
		account, err = s.repo.UpdateAccount(ctx, account.ID, func(a *Account) error {
			if a.LockedOut && !time.Now().Before(a.LockoutUntil) {
				a.LockedOut = false
				a.LockoutUntil = time.Time{}
				a.FailedAttempts = 0
			}
			return nil
		})
		if err != nil {
			return Account{}, err
		}
		// Another request may have re-locked the account in between.
		if account.LockedOut && time.Now().Before(account.LockoutUntil) {
			return Account{}, &AccountLockedError{RetryAfter: account.LockoutUntil.Sub(time.Now())}
		}
	}

	if len(account.PasswordHash) == 0 {
		return Account{}, ErrNoPasswordSet
	}

	match, err := CheckPasswordHash(password, account.PasswordHash)
	if err != nil {
		return Account{}, fmt.Errorf("failed to verify password: %w", err)
	}

	if !match {
		_, updateErr := s.repo.UpdateAccount(ctx, account.ID, func(a *Account) error {
			a.FailedAttempts++
			a.LastFailedAt = time.Now().UTC()
			if a.FailedAttempts >= s.lockout.MaxFailedAttempts {
				a.LockedOut = true
				a.LockoutUntil = time.Now().Add(s.lockout.LockoutDuration)
			}
			return nil
		})
		if updateErr != nil {
			slog.Error("Failed to record failed sign-in attempt", "err", updateErr)
		}
		return Account{}, ErrInvalidCredentials
	}

	if account.FailedAttempts > 0 {
		account, err = s.repo.UpdateAccount(ctx, account.ID, func(a *Account) error {
			a.FailedAttempts = 0
			a.LockedOut = false
			a.LockoutUntil = time.Time{}
			return nil
		})
		if err != nil {
			return Account{}, err
		}
	}

	return account, nil
}

// ChangeEmail updates the email after re-verifying the password. The new
// address starts unverified and the token epoch is bumped; a reissue grant
// for the previous epoch is opened so the calling device can exchange its
// now-stale access token without re-entering the password.
func (s *LoginService) ChangeEmail(ctx context.Context, accountID uuid.UUID, password, newEmail string) (Account, error) {
	account, err := s.repo.GetAccountByID(ctx, accountID)
	if err != nil {
		return Account{}, err
	}
	if len(account.PasswordHash) == 0 {
		return Account{}, ErrNoPasswordSet
	}
	match, err := CheckPasswordHash(password, account.PasswordHash)
	if err != nil {
		return Account{}, err
	}
	if !match {
		return Account{}, ErrInvalidCredentials
	}

	return s.repo.UpdateAccount(ctx, accountID, func(a *Account) error {
		a.Email = newEmail
		a.EmailVerified = false
		a.ReissueEpoch = a.TokenEpoch
		a.ReissueUntil = time.Now().Add(reissueGraceWindow)
		a.TokenEpoch++
		return nil
	})
}

// BumpTokenEpoch invalidates all outstanding tokens for the account,
// including any open reissue grant.
func (s *LoginService) BumpTokenEpoch(ctx context.Context, accountID uuid.UUID) (Account, error) {
	return s.repo.UpdateAccount(ctx, accountID, func(a *Account) error {
		a.TokenEpoch++
		a.ReissueUntil = time.Time{}
		return nil
	})
}

// GetAccountByID looks up a single account.
func (s *LoginService) GetAccountByID(ctx context.Context, accountID uuid.UUID) (Account, error) {
	return s.repo.GetAccountByID(ctx, accountID)
}

// MarkEmailVerified flips the verified flag for the account's current email.
func (s *LoginService) MarkEmailVerified(ctx context.Context, accountID uuid.UUID) (Account, error) {
	return s.repo.UpdateAccount(ctx, accountID, func(a *Account) error {
		a.EmailVerified = true
		return nil
	})
}

func (s *LoginService) findAccount(ctx context.Context, usernameOrEmail string) (Account, error) {
	account, err := s.repo.FindAccountByUsername(ctx, usernameOrEmail)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return Account{}, err
	}
	return s.repo.FindAccountByEmail(ctx, usernameOrEmail)
}
