package twofa

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// MFA method identifiers, as they appear on the wire.
const (
	MethodTotp     = "totp"
	MethodEmail    = "email"
	MethodRecovery = "recovery_code"
)

var (
	ErrFactorNotFound = errors.New("mfa factor not found")
	ErrNotEnabled     = errors.New("mfa factor not enabled")
	ErrAlreadyEnabled = errors.New("mfa factor already enabled")
)

// TotpFactor is an authenticator-app factor. A factor exists in a
// provisioned-but-disabled state between setup and activation; only an
// enabled factor participates in sign-in.
type TotpFactor struct {
	AccountID uuid.UUID
	Secret    string
	Enabled   bool
	EnabledAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EmailFactor is an email-passcode factor. It carries its own secret, used
// to derive short-lived passcodes.
type EmailFactor struct {
	AccountID uuid.UUID
	Secret    string
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RecoveryCode is one single-use backup code. Only the hash is stored; the
// plaintext is shown exactly once, at generation time.
type RecoveryCode struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	Hash      []byte
	UsedAt    *time.Time
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Repository persists MFA factors and recovery codes.
type Repository interface {
	// SaveTotpFactor upserts the factor; disabling stores Enabled=false
	// rather than deleting, so the secret survives for re-activation.
	GetTotpFactor(ctx context.Context, accountID uuid.UUID) (TotpFactor, error)
	SaveTotpFactor(ctx context.Context, factor TotpFactor) error

	GetEmailFactor(ctx context.Context, accountID uuid.UUID) (EmailFactor, error)
	SaveEmailFactor(ctx context.Context, factor EmailFactor) error
	DeleteEmailFactor(ctx context.Context, accountID uuid.UUID) error

	GetRecoveryCodes(ctx context.Context, accountID uuid.UUID) ([]RecoveryCode, error)
	// ReplaceRecoveryCodes swaps the whole set; previous codes stop working.
	ReplaceRecoveryCodes(ctx context.Context, accountID uuid.UUID, codes []RecoveryCode) error
	MarkRecoveryCodeUsed(ctx context.Context, accountID, codeID uuid.UUID) error
}
