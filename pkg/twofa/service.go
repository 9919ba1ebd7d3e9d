package twofa

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/xlzd/gotp"
	"golang.org/x/crypto/bcrypt"

	"github.com/eduardc77/shopauth/pkg/notification"
)

var (
	ErrInvalidPasscode     = errors.New("invalid passcode")
	ErrInvalidRecoveryCode = errors.New("invalid recovery code")
)

const (
	totpPeriod = 30
	totpSkew   = 1

	// Email passcodes are TOTP codes over the factor's own secret with a
	// 5 minute window, so they validate without storing the code itself.
	emailPasscodeInterval = 300
	emailPasscodeDigits   = 6

	// Below this many unused codes the status response suggests
	// regenerating the set.
	recoveryCodeLowWatermark = 3

	// Within this much of the batch expiry the status response suggests
	// regenerating as well.
	recoveryCodeExpiryWarning = 30 * 24 * time.Hour
)

// TotpSetup is returned from authenticator provisioning. The secret and URL
// are shown to the user exactly once.
type TotpSetup struct {
	Secret     string
	OtpauthURL string
}

// RecoveryCodeStatus summarizes the recovery code set without revealing any
// code material.
type RecoveryCodeStatus struct {
	Total            int
	Remaining        int
	ExpiresAt        time.Time
	ShouldRegenerate bool
}

// TwoFaService manages authenticator, email, and recovery-code factors.
type TwoFaService struct {
	repo                Repository
	notificationManager *notification.NotificationManager
	issuer              string
	recoveryCodeCount   int
	recoveryCodeExpiry  time.Duration
}

type TwoFaServiceOption func(*TwoFaService)

func WithIssuer(issuer string) TwoFaServiceOption {
	return func(s *TwoFaService) {
		s.issuer = issuer
	}
}

func WithRecoveryCodeCount(n int) TwoFaServiceOption {
	return func(s *TwoFaService) {
		s.recoveryCodeCount = n
	}
}

func WithRecoveryCodeExpiry(d time.Duration) TwoFaServiceOption {
	return func(s *TwoFaService) {
		s.recoveryCodeExpiry = d
	}
}

func NewTwoFaService(repo Repository, nm *notification.NotificationManager, opts ...TwoFaServiceOption) *TwoFaService {
	s := &TwoFaService{
		repo:                repo,
		notificationManager: nm,
		issuer:              "shopauth",
		recoveryCodeCount:   10,
		recoveryCodeExpiry:  365 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetupTotp provisions an authenticator factor in the disabled state. A
// repeat call before activation replaces the pending secret; a call after
// activation fails with ErrAlreadyEnabled.
func (s *TwoFaService) SetupTotp(ctx context.Context, accountID uuid.UUID, accountName string) (TotpSetup, error) {
	existing, err := s.repo.GetTotpFactor(ctx, accountID)
	if err == nil && existing.Enabled {
		return TotpSetup{}, ErrAlreadyEnabled
	}
	if err != nil && !errors.Is(err, ErrFactorNotFound) {
		return TotpSetup{}, err
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: accountName,
	})
	if err != nil {
		slog.Error("Failed to generate totp secret", "accountID", accountID, "err", err)
		return TotpSetup{}, err
	}

	err = s.repo.SaveTotpFactor(ctx, TotpFactor{
		AccountID: accountID,
		Secret:    key.Secret(),
		Enabled:   false,
	})
	if err != nil {
		return TotpSetup{}, fmt.Errorf("failed to save totp factor: %w", err)
	}

	slog.Info("Provisioned totp factor", "accountID", accountID)
	return TotpSetup{Secret: key.Secret(), OtpauthURL: key.URL()}, nil
}

// ActivateTotp turns a provisioned factor on after the user proves they have
// the secret by producing one valid passcode.
func (s *TwoFaService) ActivateTotp(ctx context.Context, accountID uuid.UUID, passcode string) error {
	factor, err := s.repo.GetTotpFactor(ctx, accountID)
	if err != nil {
		return err
	}
	if factor.Enabled {
		return ErrAlreadyEnabled
	}

	valid, err := validateTotpPasscode(factor.Secret, passcode)
	if err != nil {
		return err
	}
	if !valid {
		return ErrInvalidPasscode
	}

	factor.Enabled = true
	factor.EnabledAt = time.Now().UTC()
	if err := s.repo.SaveTotpFactor(ctx, factor); err != nil {
		return fmt.Errorf("failed to enable totp factor: %w", err)
	}
	slog.Info("Enabled totp factor", "accountID", accountID)
	return nil
}

// VerifyTotp checks a passcode against the enabled authenticator factor.
func (s *TwoFaService) VerifyTotp(ctx context.Context, accountID uuid.UUID, passcode string) error {
	factor, err := s.repo.GetTotpFactor(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrFactorNotFound) {
			return ErrNotEnabled
		}
		return err
	}
	if !factor.Enabled {
		return ErrNotEnabled
	}

	valid, err := validateTotpPasscode(factor.Secret, passcode)
	if err != nil {
		return err
	}
	if !valid {
		return ErrInvalidPasscode
	}
	return nil
}

// DisableTotp turns the authenticator factor off after one last passcode
// check. The secret stays provisioned, so re-enabling only takes a fresh
// passcode through ActivateTotp, not a new enrollment.
func (s *TwoFaService) DisableTotp(ctx context.Context, accountID uuid.UUID, passcode string) error {
	if err := s.VerifyTotp(ctx, accountID, passcode); err != nil {
		return err
	}
	factor, err := s.repo.GetTotpFactor(ctx, accountID)
	if err != nil {
		return err
	}
	factor.Enabled = false
	factor.EnabledAt = time.Time{}
	if err := s.repo.SaveTotpFactor(ctx, factor); err != nil {
		return fmt.Errorf("failed to disable totp factor: %w", err)
	}
	slog.Info("Disabled totp factor", "accountID", accountID)
	return nil
}

// EnableEmailFactor turns on email passcodes for the account.
func (s *TwoFaService) EnableEmailFactor(ctx context.Context, accountID uuid.UUID) error {
	existing, err := s.repo.GetEmailFactor(ctx, accountID)
	if err == nil && existing.Enabled {
		return ErrAlreadyEnabled
	}
	if err != nil && !errors.Is(err, ErrFactorNotFound) {
		return err
	}

	secret, err := newBase32Secret(32)
	if err != nil {
		return err
	}
	return s.repo.SaveEmailFactor(ctx, EmailFactor{
		AccountID: accountID,
		Secret:    secret,
		Enabled:   true,
	})
}

// DisableEmailFactor removes the email factor.
func (s *TwoFaService) DisableEmailFactor(ctx context.Context, accountID uuid.UUID) error {
	factor, err := s.repo.GetEmailFactor(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrFactorNotFound) {
			return ErrNotEnabled
		}
		return err
	}
	if !factor.Enabled {
		return ErrNotEnabled
	}
	return s.repo.DeleteEmailFactor(ctx, accountID)
}

// SendEmailPasscode derives the current passcode for the account's email
// factor and mails it.
func (s *TwoFaService) SendEmailPasscode(ctx context.Context, accountID uuid.UUID, email string) error {
	passcode, err := s.currentEmailPasscode(ctx, accountID)
	if err != nil {
		return err
	}

	err = s.notificationManager.Send(notification.SignInPasscodeNotice, notification.NotificationData{
		To: email,
		Data: map[string]string{
			"Passcode":  passcode,
			"ExpiresIn": (emailPasscodeInterval * time.Second).String(),
		},
	})
	if err != nil {
		slog.Error("Failed to send sign-in passcode", "accountID", accountID, "err", err)
		return err
	}
	return nil
}

// VerifyEmailPasscode checks an emailed passcode.
func (s *TwoFaService) VerifyEmailPasscode(ctx context.Context, accountID uuid.UUID, passcode string) error {
	factor, err := s.repo.GetEmailFactor(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrFactorNotFound) {
			return ErrNotEnabled
		}
		return err
	}
	if !factor.Enabled {
		return ErrNotEnabled
	}

	generator := gotp.NewTOTP(factor.Secret, emailPasscodeDigits, emailPasscodeInterval, nil)
	if !generator.Verify(passcode, time.Now().Unix()) {
		return ErrInvalidPasscode
	}
	return nil
}

// EnabledMethods lists the MFA methods the account can complete sign-in
// with. Recovery codes only count while unused ones remain.
func (s *TwoFaService) EnabledMethods(ctx context.Context, accountID uuid.UUID) ([]string, error) {
	var methods []string

	totpFactor, err := s.repo.GetTotpFactor(ctx, accountID)
	if err == nil && totpFactor.Enabled {
		methods = append(methods, MethodTotp)
	} else if err != nil && !errors.Is(err, ErrFactorNotFound) {
		return nil, err
	}

	emailFactor, err := s.repo.GetEmailFactor(ctx, accountID)
	if err == nil && emailFactor.Enabled {
		methods = append(methods, MethodEmail)
	} else if err != nil && !errors.Is(err, ErrFactorNotFound) {
		return nil, err
	}

	if len(methods) > 0 {
		status, err := s.GetRecoveryCodeStatus(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if status.Remaining > 0 {
			methods = append(methods, MethodRecovery)
		}
	}
	return methods, nil
}

// GenerateRecoveryCodes replaces the account's recovery codes with a fresh
// set and returns the plaintexts. This is the only time they are visible.
// When email is non-empty a rotation notice is sent, best effort.
func (s *TwoFaService) GenerateRecoveryCodes(ctx context.Context, accountID uuid.UUID, email string) ([]string, error) {
	plaintexts := make([]string, 0, s.recoveryCodeCount)
	codes := make([]RecoveryCode, 0, s.recoveryCodeCount)
	now := time.Now().UTC()

	for i := 0; i < s.recoveryCodeCount; i++ {
		plaintext, err := newRecoveryCode()
		if err != nil {
			return nil, err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash recovery code: %w", err)
		}
		plaintexts = append(plaintexts, plaintext)
		codes = append(codes, RecoveryCode{
			ID:        uuid.New(),
			AccountID: accountID,
			Hash:      hash,
			ExpiresAt: now.Add(s.recoveryCodeExpiry),
			CreatedAt: now,
		})
	}

	if err := s.repo.ReplaceRecoveryCodes(ctx, accountID, codes); err != nil {
		return nil, fmt.Errorf("failed to store recovery codes: %w", err)
	}

	if s.notificationManager != nil && email != "" {
		err := s.notificationManager.Send(notification.RecoveryCodesNotice, notification.NotificationData{
			To: email,
		})
		if err != nil {
			slog.Error("Failed to send recovery codes notice", "accountID", accountID, "err", err)
		}
	}

	slog.Info("Generated recovery codes", "accountID", accountID, "count", len(codes))
	return plaintexts, nil
}

// VerifyRecoveryCode consumes one unused recovery code. A code matches at
// most once; on success it is marked used before returning.
func (s *TwoFaService) VerifyRecoveryCode(ctx context.Context, accountID uuid.UUID, code string) error {
	codes, err := s.repo.GetRecoveryCodes(ctx, accountID)
	if err != nil {
		return err
	}

	normalized := normalizeRecoveryCode(code)
	now := time.Now().UTC()
	for _, rc := range codes {
		if rc.UsedAt != nil {
			continue
		}
		if !rc.ExpiresAt.IsZero() && now.After(rc.ExpiresAt) {
			continue
		}
		if bcrypt.CompareHashAndPassword(rc.Hash, []byte(normalized)) == nil {
			if err := s.repo.MarkRecoveryCodeUsed(ctx, accountID, rc.ID); err != nil {
				return fmt.Errorf("failed to mark recovery code used: %w", err)
			}
			return nil
		}
	}
	return ErrInvalidRecoveryCode
}

// GetRecoveryCodeStatus reports how many codes remain.
func (s *TwoFaService) GetRecoveryCodeStatus(ctx context.Context, accountID uuid.UUID) (RecoveryCodeStatus, error) {
	codes, err := s.repo.GetRecoveryCodes(ctx, accountID)
	if err != nil {
		return RecoveryCodeStatus{}, err
	}

	now := time.Now().UTC()
	remaining := 0
	var expiresAt time.Time
	for _, rc := range codes {
		if rc.UsedAt == nil && (rc.ExpiresAt.IsZero() || now.Before(rc.ExpiresAt)) {
			remaining++
		}
		if rc.ExpiresAt.After(expiresAt) {
			expiresAt = rc.ExpiresAt
		}
	}

	nearExpiry := !expiresAt.IsZero() && now.Add(recoveryCodeExpiryWarning).After(expiresAt)
	return RecoveryCodeStatus{
		Total:            len(codes),
		Remaining:        remaining,
		ExpiresAt:        expiresAt,
		ShouldRegenerate: len(codes) > 0 && (remaining <= recoveryCodeLowWatermark || nearExpiry),
	}, nil
}

// currentEmailPasscode derives the passcode for the current window.
func (s *TwoFaService) currentEmailPasscode(ctx context.Context, accountID uuid.UUID) (string, error) {
	factor, err := s.repo.GetEmailFactor(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrFactorNotFound) {
			return "", ErrNotEnabled
		}
		return "", err
	}
	if !factor.Enabled {
		return "", ErrNotEnabled
	}
	return gotp.NewTOTP(factor.Secret, emailPasscodeDigits, emailPasscodeInterval, nil).Now(), nil
}

func validateTotpPasscode(secret, passcode string) (bool, error) {
	valid, err := totp.ValidateCustom(passcode, secret, time.Now().UTC(), totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		slog.Error("Failed to validate totp passcode", "err", err)
		return false, err
	}
	return valid, nil
}

func newBase32Secret(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf), nil
}

// newRecoveryCode returns a code like "A3F9-K2MX-7QRD".
func newRecoveryCode() (string, error) {
	raw, err := newBase32Secret(8)
	if err != nil {
		return "", err
	}
	raw = raw[:12]
	return raw[0:4] + "-" + raw[4:8] + "-" + raw[8:12], nil
}

func normalizeRecoveryCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
