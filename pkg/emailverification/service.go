package emailverification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/eduardc77/shopauth/pkg/login"
	"github.com/eduardc77/shopauth/pkg/notification"
)

// Service issues and checks email verification codes. Verifying a code
// flips the account's verified flag through the login service.
type Service struct {
	repo                Repository
	loginService        *login.LoginService
	notificationManager *notification.NotificationManager
	codeExpiry          time.Duration
	resendLimit         int
	resendWindow        time.Duration
}

type ServiceOption func(*Service)

// WithCodeExpiry sets how long issued codes stay valid.
func WithCodeExpiry(expiry time.Duration) ServiceOption {
	return func(s *Service) {
		s.codeExpiry = expiry
	}
}

// WithResendLimit caps codes issued per account per resend window.
func WithResendLimit(limit int) ServiceOption {
	return func(s *Service) {
		s.resendLimit = limit
	}
}

// WithResendWindow sets the rate-limit window.
func WithResendWindow(window time.Duration) ServiceOption {
	return func(s *Service) {
		s.resendWindow = window
	}
}

func NewService(repo Repository, loginService *login.LoginService, nm *notification.NotificationManager, opts ...ServiceOption) *Service {
	s := &Service{
		repo:                repo,
		loginService:        loginService,
		notificationManager: nm,
		codeExpiry:          24 * time.Hour,
		resendLimit:         3,
		resendWindow:        time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SendVerificationCode issues a fresh code for the account's current email
// and mails it. Already verified accounts and accounts over the resend
// limit are rejected.
func (s *Service) SendVerificationCode(ctx context.Context, accountID uuid.UUID) error {
	account, err := s.loginService.GetAccountByID(ctx, accountID)
	if err != nil {
		return err
	}
	if account.EmailVerified {
		return ErrAlreadyVerified
	}

	cutoff := time.Now().UTC().Add(-s.resendWindow)
	count, err := s.repo.CountRecentCodes(ctx, accountID, cutoff)
	if err != nil {
		return fmt.Errorf("failed to check resend limit: %w", err)
	}
	if count >= s.resendLimit {
		slog.Warn("Verification resend limit exceeded", "accountID", accountID, "count", count)
		return ErrResendRateLimited
	}

	code, err := login.GenerateNumericCode(6)
	if err != nil {
		return fmt.Errorf("failed to generate verification code: %w", err)
	}

	err = s.repo.SaveCode(ctx, VerificationCode{
		ID:        uuid.New(),
		AccountID: accountID,
		Email:     account.Email,
		Code:      code,
		ExpiresAt: time.Now().UTC().Add(s.codeExpiry),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to save verification code: %w", err)
	}

	err = s.notificationManager.Send(notification.EmailVerificationNotice, notification.NotificationData{
		To: account.Email,
		Data: map[string]string{
			"Code":      code,
			"ExpiresIn": s.codeExpiry.String(),
		},
	})
	if err != nil {
		slog.Error("Failed to send verification email", "accountID", accountID, "err", err)
		return err
	}
	return nil
}

// VerifyCode consumes a code and marks the account's email verified. A code
// issued for a previous email address no longer counts.
func (s *Service) VerifyCode(ctx context.Context, accountID uuid.UUID, code string) error {
	account, err := s.loginService.GetAccountByID(ctx, accountID)
	if err != nil {
		return err
	}
	if account.EmailVerified {
		return ErrAlreadyVerified
	}

	consumed, err := s.repo.ConsumeCode(ctx, accountID, code)
	if err != nil {
		return err
	}
	if consumed.Email != account.Email {
		return ErrCodeNotFound
	}

	if _, err := s.loginService.MarkEmailVerified(ctx, accountID); err != nil {
		return fmt.Errorf("failed to mark email verified: %w", err)
	}
	slog.Info("Email verified", "accountID", accountID)
	return nil
}

// IsVerificationError reports whether err is one of this package's
// user-facing errors.
func IsVerificationError(err error) bool {
	return errors.Is(err, ErrCodeNotFound) ||
		errors.Is(err, ErrCodeExpired) ||
		errors.Is(err, ErrCodeUsed) ||
		errors.Is(err, ErrAlreadyVerified) ||
		errors.Is(err, ErrResendRateLimited)
}
