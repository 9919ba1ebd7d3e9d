package login

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/eduardc77/shopauth/pkg/notification"
)

// PasswordPolicy defines the requirements for password complexity.
type PasswordPolicy struct {
	MinLength          int
	MaxLength          int
	RequireUppercase   bool
	RequireLowercase   bool
	RequireDigit       bool
	RequireSpecialChar bool
	DisallowCommonPwds bool
	MaxRepeatedChars   int
	HistoryCheckCount  int
	ExpirationDays     int
}

// DefaultPasswordPolicy returns a default password policy.
func DefaultPasswordPolicy() *PasswordPolicy {
	return &PasswordPolicy{
		MinLength:          8,
		MaxLength:          128,
		RequireUppercase:   true,
		RequireLowercase:   true,
		RequireDigit:       true,
		RequireSpecialChar: true,
		DisallowCommonPwds: true,
		MaxRepeatedChars:   3,
		HistoryCheckCount:  10,
		ExpirationDays:     0,
	}
}

var (
	ErrPasswordComplexity    = errors.New("password does not meet complexity requirements")
	ErrPasswordReused        = errors.New("new password cannot match any of your recent passwords")
	ErrPasswordSameAsCurrent = errors.New("new password cannot be the same as your current password")
	ErrCurrentPasswordWrong  = errors.New("current password is incorrect")
	ErrPasswordExpired       = errors.New("password has expired and must be changed")
)

const resetCodeExpiry = 15 * time.Minute

// PasswordManager handles password hashing, complexity, history, and the
// reset/change flows.
type PasswordManager struct {
	repo                AccountRepository
	policy              *PasswordPolicy
	notificationManager *notification.NotificationManager
	commonPasswords     map[string]bool
}

// NewPasswordManager creates a new PasswordManager with the specified policy.
// A nil policy falls back to the default.
func NewPasswordManager(repo AccountRepository, policy *PasswordPolicy, nm *notification.NotificationManager) *PasswordManager {
	if policy == nil {
		policy = DefaultPasswordPolicy()
	}
	return &PasswordManager{
		repo:                repo,
		policy:              policy,
		notificationManager: nm,
		commonPasswords:     loadCommonPasswords(),
	}
}

// HashPassword hashes the plain-text password using bcrypt.
func HashPassword(password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("password cannot be empty")
	}
	return bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
}

// CheckPasswordHash compares the plain-text password with the stored hash.
// A mismatch is (false, nil), not an error.
func CheckPasswordHash(password string, hash []byte) (bool, error) {
	if password == "" || len(hash) == 0 {
		return false, errors.New("password and hash cannot be empty")
	}
	err := bcrypt.CompareHashAndPassword(hash, []byte(password))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CheckPasswordComplexity verifies that a password meets the policy.
func (pm *PasswordManager) CheckPasswordComplexity(password string) error {
	if len(password) < pm.policy.MinLength {
		return fmt.Errorf("%w: must be at least %d characters long", ErrPasswordComplexity, pm.policy.MinLength)
	}
	if pm.policy.MaxLength > 0 && len(password) > pm.policy.MaxLength {
		return fmt.Errorf("%w: must be at most %d characters long", ErrPasswordComplexity, pm.policy.MaxLength)
	}
	if pm.policy.RequireUppercase && !regexp.MustCompile(`[A-Z]`).MatchString(password) {
		return fmt.Errorf("%w: must contain at least one uppercase letter", ErrPasswordComplexity)
	}
	if pm.policy.RequireLowercase && !regexp.MustCompile(`[a-z]`).MatchString(password) {
		return fmt.Errorf("%w: must contain at least one lowercase letter", ErrPasswordComplexity)
	}
	if pm.policy.RequireDigit && !regexp.MustCompile(`[0-9]`).MatchString(password) {
		return fmt.Errorf("%w: must contain at least one digit", ErrPasswordComplexity)
	}
	if pm.policy.RequireSpecialChar && !regexp.MustCompile(`[^a-zA-Z0-9]`).MatchString(password) {
		return fmt.Errorf("%w: must contain at least one special character", ErrPasswordComplexity)
	}
	if pm.policy.MaxRepeatedChars > 0 && hasRepeatedRun(password, pm.policy.MaxRepeatedChars) {
		return fmt.Errorf("%w: cannot contain %d or more identical consecutive characters", ErrPasswordComplexity, pm.policy.MaxRepeatedChars)
	}
	if hasSequentialPattern(password) {
		return fmt.Errorf("%w: cannot contain sequential or keyboard patterns", ErrPasswordComplexity)
	}
	if pm.policy.DisallowCommonPwds && pm.containsCommonWord(password) {
		return fmt.Errorf("%w: is too common and easily guessable", ErrPasswordComplexity)
	}
	return nil
}

// CheckPasswordHistory verifies that a new password has not been used
// recently. It compares against the current password and the stored history
// using the hashing function itself, not a separate equality index.
func (pm *PasswordManager) CheckPasswordHistory(ctx context.Context, accountID uuid.UUID, newPassword string) error {
	if pm.policy.HistoryCheckCount <= 0 {
		return nil
	}

	account, err := pm.repo.GetAccountByID(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to get account for history check: %w", err)
	}

	if len(account.PasswordHash) > 0 {
		match, err := CheckPasswordHash(newPassword, account.PasswordHash)
		if err != nil {
			return fmt.Errorf("error checking against current password: %w", err)
		}
		if match {
			return ErrPasswordSameAsCurrent
		}
	}

	history, err := pm.repo.GetPasswordHistory(ctx, accountID, pm.policy.HistoryCheckCount)
	if err != nil {
		slog.Error("Failed to get password history", "err", err)
		return nil
	}
	for _, entry := range history {
		match, err := CheckPasswordHash(newPassword, entry.Hash)
		if err != nil {
			slog.Error("Error checking password history entry", "err", err)
			continue
		}
		if match {
			return ErrPasswordReused
		}
	}
	return nil
}

// ChangePassword changes a password after verifying the current one.
// On success the old hash is prepended to history, the change timestamp is
// updated, and the token epoch is incremented so tokens minted before the
// change stop validating.
func (pm *PasswordManager) ChangePassword(ctx context.Context, accountID uuid.UUID, currentPassword, newPassword string) error {
	account, err := pm.repo.GetAccountByID(ctx, accountID)
	if err != nil {
		return err
	}

	if len(account.PasswordHash) == 0 {
		return ErrCurrentPasswordWrong
	}
	match, err := CheckPasswordHash(currentPassword, account.PasswordHash)
	if err != nil {
		return err
	}
	if !match {
		return ErrCurrentPasswordWrong
	}

	if err := pm.CheckPasswordComplexity(newPassword); err != nil {
		return err
	}
	if err := pm.CheckPasswordHistory(ctx, accountID, newPassword); err != nil {
		return err
	}

	return pm.applyPasswordChange(ctx, account, newPassword)
}

// ResetPassword changes a password using a single-use emailed reset code.
// History and complexity checks still apply.
func (pm *PasswordManager) ResetPassword(ctx context.Context, email, code, newPassword string) error {
	account, err := pm.repo.FindAccountByEmail(ctx, email)
	if err != nil {
		return ErrInvalidCredentials
	}

	if err := pm.repo.ConsumeResetCode(ctx, account.ID, code); err != nil {
		return fmt.Errorf("invalid or expired reset code: %w", err)
	}

	if err := pm.CheckPasswordComplexity(newPassword); err != nil {
		return err
	}
	if err := pm.CheckPasswordHistory(ctx, account.ID, newPassword); err != nil {
		return err
	}

	return pm.applyPasswordChange(ctx, account, newPassword)
}

// InitPasswordReset generates a reset code and emails it. An unknown email
// is not reported to the caller.
func (pm *PasswordManager) InitPasswordReset(ctx context.Context, email string) error {
	account, err := pm.repo.FindAccountByEmail(ctx, email)
	if err != nil {
		slog.Warn("Password reset requested for unknown email")
		return nil
	}

	code, err := GenerateNumericCode(6)
	if err != nil {
		return fmt.Errorf("failed to generate reset code: %w", err)
	}

	err = pm.repo.SaveResetCode(ctx, ResetCode{
		AccountID: account.ID,
		Code:      code,
		ExpiresAt: time.Now().Add(resetCodeExpiry),
	})
	if err != nil {
		slog.Error("Failed to save reset code", "err", err)
		return err
	}

	return pm.notificationManager.Send(notification.PasswordResetNotice, notification.NotificationData{
		To: account.Email,
		Data: map[string]string{
			"Code":      code,
			"ExpiresIn": resetCodeExpiry.String(),
		},
	})
}

// IsPasswordExpired reports whether the account's password is older than the
// policy's expiration window.
func (pm *PasswordManager) IsPasswordExpired(account Account) bool {
	if pm.policy.ExpirationDays <= 0 || account.PasswordChangedAt.IsZero() {
		return false
	}
	expiresAt := account.PasswordChangedAt.AddDate(0, 0, pm.policy.ExpirationDays)
	return time.Now().After(expiresAt)
}

func (pm *PasswordManager) applyPasswordChange(ctx context.Context, account Account, newPassword string) error {
	newHash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}

	oldHash := account.PasswordHash
	now := time.Now().UTC()

	updated, err := pm.repo.UpdateAccount(ctx, account.ID, func(a *Account) error {
		a.PasswordHash = newHash
		a.PasswordChangedAt = now
		a.TokenEpoch++
		// A password change must invalidate every outstanding token with no
		// grace, so any identity-change reissue grant dies with it.
		a.ReissueUntil = time.Time{}
		a.FailedAttempts = 0
		a.LockedOut = false
		a.LockoutUntil = time.Time{}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}

	if len(oldHash) > 0 && pm.policy.HistoryCheckCount > 0 {
		history, err := pm.repo.GetPasswordHistory(ctx, account.ID, 0)
		if err != nil {
			slog.Error("Failed to load password history", "err", err)
			history = nil
		}
		history = append([]PasswordHistoryEntry{{Hash: oldHash, ChangedAt: now}}, history...)
		if len(history) > pm.policy.HistoryCheckCount {
			history = history[:pm.policy.HistoryCheckCount]
		}
		if err := pm.repo.SetPasswordHistory(ctx, account.ID, history); err != nil {
			slog.Error("Failed to store password history", "err", err)
		}
	}

	if pm.notificationManager != nil {
		err = pm.notificationManager.Send(notification.PasswordChangedNotice, notification.NotificationData{
			To: updated.Email,
			Data: map[string]string{
				"ChangedAt": now.Format(time.RFC3339),
			},
		})
		if err != nil {
			slog.Error("Failed to send password changed notice", "err", err)
		}
	}
	return nil
}

func (pm *PasswordManager) containsCommonWord(password string) bool {
	lowered := strings.ToLower(password)
	if pm.commonPasswords[lowered] {
		return true
	}
	for word := range pm.commonPasswords {
		if len(word) >= 6 && strings.Contains(lowered, word) {
			return true
		}
	}
	return false
}

// hasRepeatedRun reports whether the password contains runLength or more
// identical consecutive characters.
func hasRepeatedRun(password string, runLength int) bool {
	run := 1
	for i := 1; i < len(password); i++ {
		if password[i] == password[i-1] {
			run++
			if run >= runLength {
				return true
			}
		} else {
			run = 1
		}
	}
	return false
}

// hasSequentialPattern checks for ascending/descending runs and common
// keyboard rows of length 4 or more.
func hasSequentialPattern(password string) bool {
	lowered := strings.ToLower(password)

	const seqLen = 4
	for i := 0; i+seqLen <= len(lowered); i++ {
		ascending, descending := true, true
		for j := 1; j < seqLen; j++ {
			if lowered[i+j] != lowered[i+j-1]+1 {
				ascending = false
			}
			if lowered[i+j] != lowered[i+j-1]-1 {
				descending = false
			}
		}
		if ascending || descending {
			return true
		}
	}

	keyboardRows := []string{"qwertyuiop", "asdfghjkl", "zxcvbnm"}
	for _, row := range keyboardRows {
		for i := 0; i+seqLen <= len(row); i++ {
			if strings.Contains(lowered, row[i:i+seqLen]) {
				return true
			}
		}
	}
	return false
}

func loadCommonPasswords() map[string]bool {
	commonPwds := []string{
		"password", "123456", "12345678", "qwerty", "admin",
		"welcome", "password123", "abc123", "letmein", "monkey",
		"iloveyou", "dragon", "sunshine", "princess", "football",
	}
	result := make(map[string]bool, len(commonPwds))
	for _, pwd := range commonPwds {
		result[pwd] = true
	}
	return result
}

// GenerateNumericCode returns a cryptographically random numeric code of the
// given length.
func GenerateNumericCode(length int) (string, error) {
	var sb strings.Builder
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		sb.WriteByte(byte('0' + n.Int64()))
	}
	return sb.String(), nil
}
