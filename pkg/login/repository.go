package login

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Domain models for the account repository

// Account represents one credential record. PasswordHash is nil for accounts
// that originated from an external identity provider and never set a password.
type Account struct {
	ID                uuid.UUID
	Username          string
	Email             string
	PasswordHash      []byte
	PasswordChangedAt time.Time
	EmailVerified     bool
	Role              string

	// Lockout state
	FailedAttempts int
	LastFailedAt   time.Time
	LockedOut      bool
	LockoutUntil   time.Time

	// TokenEpoch is incremented on credential-affecting changes; tokens
	// minted under an older epoch are rejected.
	TokenEpoch int64

	// ReissueEpoch and ReissueUntil form a short-lived grant opened by an
	// identity change: a token minted under ReissueEpoch may still be
	// exchanged for a current pair until ReissueUntil. Password changes
	// revoke the grant, so their epoch bump stays absolute.
	ReissueEpoch int64
	ReissueUntil time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PasswordHistoryEntry is one prior password hash, most recent first.
type PasswordHistoryEntry struct {
	Hash      []byte
	ChangedAt time.Time
}

// ResetCode is a single-use password-reset code bound to an account.
type ResetCode struct {
	AccountID uuid.UUID
	Code      string
	ExpiresAt time.Time
	UsedAt    *time.Time
}

// CreateAccountParams carries the fields needed to create an account.
type CreateAccountParams struct {
	Username     string
	Email        string
	PasswordHash []byte
	Role         string
}

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrDuplicateUsername = errors.New("username already taken")
	ErrDuplicateEmail    = errors.New("email already registered")
	ErrResetCodeNotFound = errors.New("reset code not found")
	ErrResetCodeExpired  = errors.New("reset code expired")
	ErrResetCodeUsed     = errors.New("reset code already used")
)

// AccountRepository defines account persistence. UpdateAccount applies the
// mutation atomically with respect to concurrent updates on the same account:
// the in-memory implementation holds its lock across the closure, the
// Postgres implementation runs it inside a row-locking transaction. This is
// what keeps two racing failed sign-in attempts from double counting.
type AccountRepository interface {
	CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error)
	GetAccountByID(ctx context.Context, id uuid.UUID) (Account, error)
	FindAccountByUsername(ctx context.Context, username string) (Account, error)
	FindAccountByEmail(ctx context.Context, email string) (Account, error)

	// UpdateAccount loads the account, applies fn, and persists the result
	// atomically. If fn returns an error nothing is written and the error is
	// returned as-is.
	UpdateAccount(ctx context.Context, id uuid.UUID, fn func(*Account) error) (Account, error)

	// Password history, most recent first, capped by the caller.
	GetPasswordHistory(ctx context.Context, accountID uuid.UUID, limit int) ([]PasswordHistoryEntry, error)
	SetPasswordHistory(ctx context.Context, accountID uuid.UUID, history []PasswordHistoryEntry) error

	// Password reset codes (single use).
	SaveResetCode(ctx context.Context, code ResetCode) error
	ConsumeResetCode(ctx context.Context, accountID uuid.UUID, code string) error
}
