package signinflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/eduardc77/shopauth/pkg/emailverification"
	"github.com/eduardc77/shopauth/pkg/login"
	"github.com/eduardc77/shopauth/pkg/sessions"
	"github.com/eduardc77/shopauth/pkg/statetoken"
	"github.com/eduardc77/shopauth/pkg/tokengenerator"
	"github.com/eduardc77/shopauth/pkg/twofa"
)

// Sign-in result statuses, as they appear on the wire. Clients must treat
// any value outside this set as a failed sign-in.
const (
	StatusSuccess                   = "SUCCESS"
	StatusMfaRequired               = "MFA_REQUIRED"
	StatusMfaTotpRequired           = "MFA_TOTP_REQUIRED"
	StatusMfaEmailRequired          = "MFA_EMAIL_REQUIRED"
	StatusEmailVerificationRequired = "EMAIL_VERIFICATION_REQUIRED"
	StatusPasswordResetRequired     = "PASSWORD_RESET_REQUIRED"
)

var (
	// ErrSignInStateNotFound means the continuation token was missing,
	// expired, or already consumed; the ceremony must restart.
	ErrSignInStateNotFound = errors.New("no sign-in in progress for this token")

	ErrMethodNotAllowed = errors.New("mfa method not available for this account")
)

// UserInfo is the account snapshot included in a successful result.
type UserInfo struct {
	ID            uuid.UUID `json:"id"`
	Username      string    `json:"username"`
	Email         string    `json:"email"`
	EmailVerified bool      `json:"email_verified"`
	Role          string    `json:"role,omitempty"`
}

// Result is the outcome of one sign-in ceremony step. Exactly one of Tokens
// or StateToken is set: Tokens on SUCCESS, StateToken for every intermediate
// status.
type Result struct {
	Status           string
	Tokens           *tokengenerator.TokenPair
	StateToken       string
	AvailableMethods []string
	MaskedEmail      string
	User             *UserInfo
}

// Service runs the server side of the sign-in ceremony. Every intermediate
// status hands the client a single-use continuation token; each subsequent
// step consumes it and either finishes the ceremony or issues the next one.
type Service struct {
	loginService      *login.LoginService
	twoFaService      *twofa.TwoFaService
	tokenService      *tokengenerator.TokenService
	sessionStore      sessions.Store
	stateStore        statetoken.Store
	emailVerification *emailverification.Service
	stateTokenTTL     time.Duration
}

type ServiceOption func(*Service)

// WithStateTokenTTL sets how long a pending ceremony step stays resumable.
func WithStateTokenTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		s.stateTokenTTL = ttl
	}
}

func NewService(
	loginService *login.LoginService,
	twoFaService *twofa.TwoFaService,
	tokenService *tokengenerator.TokenService,
	sessionStore sessions.Store,
	stateStore statetoken.Store,
	emailVerification *emailverification.Service,
	opts ...ServiceOption,
) *Service {
	s := &Service{
		loginService:      loginService,
		twoFaService:      twoFaService,
		tokenService:      tokenService,
		sessionStore:      sessionStore,
		stateStore:        stateStore,
		emailVerification: emailVerification,
		stateTokenTTL:     5 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ProcessSignIn checks credentials and decides what the client must do
// next. Lockout and invalid-credential errors from the login service pass
// through unchanged.
func (s *Service) ProcessSignIn(ctx context.Context, usernameOrEmail, password string) (Result, error) {
	account, err := s.loginService.VerifyPassword(ctx, usernameOrEmail, password)
	if err != nil {
		return Result{}, err
	}

	if s.loginService.PasswordManager().IsPasswordExpired(account) {
		token, err := s.stateStore.Issue(ctx, statetoken.State{
			AccountID: account.ID,
			Step:      statetoken.StepPasswordReset,
		}, s.stateTokenTTL)
		if err != nil {
			return Result{}, err
		}
		return Result{Status: StatusPasswordResetRequired, StateToken: token}, nil
	}

	methods, err := s.twoFaService.EnabledMethods(ctx, account.ID)
	if err != nil {
		return Result{}, err
	}
	if len(methods) == 0 {
		return s.completeSignIn(ctx, account.ID)
	}

	primary := primaryMethods(methods)
	if len(primary) == 1 {
		switch primary[0] {
		case twofa.MethodTotp:
			return s.beginTotpStep(ctx, account.ID, methods)
		case twofa.MethodEmail:
			return s.beginEmailCodeStep(ctx, account, methods)
		}
	}

	token, err := s.stateStore.Issue(ctx, statetoken.State{
		AccountID:      account.ID,
		Step:           statetoken.StepMethodSelection,
		AllowedMethods: methods,
	}, s.stateTokenTTL)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Status:           StatusMfaRequired,
		StateToken:       token,
		AvailableMethods: methods,
		MaskedEmail:      maskEmail(account.Email),
	}, nil
}

// SelectMfaMethod moves a parked ceremony from method selection to the
// chosen factor's verification step.
func (s *Service) SelectMfaMethod(ctx context.Context, stateToken, method string) (Result, error) {
	state, err := s.consume(ctx, stateToken)
	if err != nil {
		return Result{}, err
	}
	if state.Step != statetoken.StepMethodSelection {
		return Result{}, ErrSignInStateNotFound
	}
	if !containsMethod(state.AllowedMethods, method) {
		return Result{}, ErrMethodNotAllowed
	}

	account, err := s.loginService.GetAccountByID(ctx, state.AccountID)
	if err != nil {
		return Result{}, err
	}

	switch method {
	case twofa.MethodTotp:
		return s.beginTotpStep(ctx, account.ID, state.AllowedMethods)
	case twofa.MethodEmail:
		return s.beginEmailCodeStep(ctx, account, state.AllowedMethods)
	case twofa.MethodRecovery:
		token, err := s.stateStore.Issue(ctx, statetoken.State{
			AccountID:      account.ID,
			Step:           statetoken.StepRecoveryCodeVerify,
			AllowedMethods: state.AllowedMethods,
		}, s.stateTokenTTL)
		if err != nil {
			return Result{}, err
		}
		return Result{
			Status:           StatusMfaRequired,
			StateToken:       token,
			AvailableMethods: state.AllowedMethods,
		}, nil
	default:
		return Result{}, ErrMethodNotAllowed
	}
}

// VerifyTotpSignIn completes the authenticator step. A wrong passcode still
// consumes the continuation token, so the ceremony restarts from the top.
func (s *Service) VerifyTotpSignIn(ctx context.Context, stateToken, passcode string) (Result, error) {
	state, err := s.consume(ctx, stateToken)
	if err != nil {
		return Result{}, err
	}
	if state.Step != statetoken.StepTotpVerify {
		return Result{}, ErrSignInStateNotFound
	}

	if err := s.twoFaService.VerifyTotp(ctx, state.AccountID, passcode); err != nil {
		slog.Warn("Totp sign-in verification failed", "accountID", state.AccountID)
		return Result{}, err
	}
	return s.completeSignIn(ctx, state.AccountID)
}

// VerifyEmailCodeSignIn completes the emailed-passcode step.
func (s *Service) VerifyEmailCodeSignIn(ctx context.Context, stateToken, passcode string) (Result, error) {
	state, err := s.consume(ctx, stateToken)
	if err != nil {
		return Result{}, err
	}
	if state.Step != statetoken.StepEmailCodeVerify {
		return Result{}, ErrSignInStateNotFound
	}

	if err := s.twoFaService.VerifyEmailPasscode(ctx, state.AccountID, passcode); err != nil {
		slog.Warn("Email passcode sign-in verification failed", "accountID", state.AccountID)
		return Result{}, err
	}
	return s.completeSignIn(ctx, state.AccountID)
}

// VerifyRecoveryCodeSignIn accepts a recovery code at any MFA step, as long
// as recovery codes are among the allowed methods for the ceremony.
func (s *Service) VerifyRecoveryCodeSignIn(ctx context.Context, stateToken, code string) (Result, error) {
	state, err := s.consume(ctx, stateToken)
	if err != nil {
		return Result{}, err
	}
	switch state.Step {
	case statetoken.StepMethodSelection, statetoken.StepTotpVerify,
		statetoken.StepEmailCodeVerify, statetoken.StepRecoveryCodeVerify:
	default:
		return Result{}, ErrSignInStateNotFound
	}
	if !containsMethod(state.AllowedMethods, twofa.MethodRecovery) {
		return Result{}, ErrMethodNotAllowed
	}

	if err := s.twoFaService.VerifyRecoveryCode(ctx, state.AccountID, code); err != nil {
		slog.Warn("Recovery code sign-in verification failed", "accountID", state.AccountID)
		return Result{}, err
	}
	return s.completeSignIn(ctx, state.AccountID)
}

// ResendEmailCode re-sends the pending email (passcode or verification
// code) and hands back a fresh continuation token for the same step.
func (s *Service) ResendEmailCode(ctx context.Context, stateToken string) (Result, error) {
	state, err := s.consume(ctx, stateToken)
	if err != nil {
		return Result{}, err
	}

	account, err := s.loginService.GetAccountByID(ctx, state.AccountID)
	if err != nil {
		return Result{}, err
	}

	switch state.Step {
	case statetoken.StepEmailCodeVerify:
		// Reissue first so a failed or rate-limited send does not strand
		// the ceremony; the previously delivered passcode still works.
		token, issueErr := s.stateStore.Issue(ctx, statetoken.State{
			AccountID:      account.ID,
			Step:           statetoken.StepEmailCodeVerify,
			AllowedMethods: state.AllowedMethods,
		}, s.stateTokenTTL)
		if issueErr != nil {
			return Result{}, issueErr
		}
		result := Result{
			Status:           StatusMfaEmailRequired,
			StateToken:       token,
			AvailableMethods: state.AllowedMethods,
			MaskedEmail:      maskEmail(account.Email),
		}
		if err := s.twoFaService.SendEmailPasscode(ctx, account.ID, account.Email); err != nil {
			return result, err
		}
		return result, nil
	case statetoken.StepEmailVerification:
		// Reissue first so a rate-limited resend does not strand the
		// ceremony; the previously delivered code still works.
		token, issueErr := s.stateStore.Issue(ctx, statetoken.State{
			AccountID: account.ID,
			Step:      statetoken.StepEmailVerification,
		}, s.stateTokenTTL)
		if issueErr != nil {
			return Result{}, issueErr
		}
		result := Result{
			Status:      StatusEmailVerificationRequired,
			StateToken:  token,
			MaskedEmail: maskEmail(account.Email),
		}
		if err := s.emailVerification.SendVerificationCode(ctx, account.ID); err != nil {
			return result, err
		}
		return result, nil
	default:
		return Result{}, ErrSignInStateNotFound
	}
}

// CompleteEmailVerification verifies the emailed code during sign-in and,
// on success, finishes the ceremony with a token pair.
func (s *Service) CompleteEmailVerification(ctx context.Context, stateToken, code string) (Result, error) {
	state, err := s.consume(ctx, stateToken)
	if err != nil {
		return Result{}, err
	}
	if state.Step != statetoken.StepEmailVerification {
		return Result{}, ErrSignInStateNotFound
	}

	if err := s.emailVerification.VerifyCode(ctx, state.AccountID, code); err != nil {
		return Result{}, err
	}
	return s.completeSignIn(ctx, state.AccountID)
}

// Refresh rotates a refresh token into a new pair. A token minted under an
// older epoch, or one that was already rotated away, is rejected; replay of
// a rotated token additionally revokes every live session for the account.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (tokengenerator.TokenPair, error) {
	claims, err := s.tokenService.ParseRefreshToken(refreshToken)
	if err != nil {
		return tokengenerator.TokenPair{}, err
	}
	accountID, err := claims.AccountID()
	if err != nil {
		return tokengenerator.TokenPair{}, tokengenerator.ErrTokenInvalid
	}

	account, err := s.loginService.GetAccountByID(ctx, accountID)
	if err != nil {
		return tokengenerator.TokenPair{}, tokengenerator.ErrTokenInvalid
	}
	if claims.TokenEpoch < account.TokenEpoch {
		return tokengenerator.TokenPair{}, tokengenerator.ErrEpochOutOfDate
	}

	pair, err := s.tokenService.GenerateTokenPair(identityOf(account))
	if err != nil {
		return tokengenerator.TokenPair{}, err
	}

	err = s.sessionStore.Rotate(ctx, accountID, claims.ID, pair.RefreshTokenID, pair.RefreshExpiresAt)
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			slog.Warn("Refresh token replay detected, revoking all sessions", "accountID", accountID)
			if revokeErr := s.sessionStore.RevokeAll(ctx, accountID); revokeErr != nil {
				slog.Error("Failed to revoke sessions after replay", "err", revokeErr)
			}
		}
		return tokengenerator.TokenPair{}, err
	}
	return pair, nil
}

// SignOut revokes the session behind the refresh token. Unknown or invalid
// tokens are not an error; sign-out is idempotent.
func (s *Service) SignOut(ctx context.Context, refreshToken string) error {
	claims, err := s.tokenService.ParseRefreshToken(refreshToken)
	if err != nil {
		return nil
	}
	accountID, err := claims.AccountID()
	if err != nil {
		return nil
	}
	return s.sessionStore.Revoke(ctx, accountID, claims.ID)
}

// ReissueAfterIdentityChange mints a fresh pair for a caller whose identity
// (email, username) just changed. It requires a valid access token, not a
// password. A stale token is accepted only inside the reissue grant the
// identity change opened; a token orphaned by a password change finds no
// grant and is rejected like anywhere else. If the new email is unverified a
// verification code is sent along with the new pair.
func (s *Service) ReissueAfterIdentityChange(ctx context.Context, accessToken string) (Result, error) {
	claims, err := s.tokenService.ParseAccessToken(accessToken)
	if err != nil {
		return Result{}, err
	}
	accountID, err := claims.AccountID()
	if err != nil {
		return Result{}, tokengenerator.ErrTokenInvalid
	}

	account, err := s.loginService.GetAccountByID(ctx, accountID)
	if err != nil {
		return Result{}, tokengenerator.ErrTokenInvalid
	}
	if claims.TokenEpoch < account.TokenEpoch {
		granted := claims.TokenEpoch == account.ReissueEpoch &&
			time.Now().Before(account.ReissueUntil)
		if !granted {
			return Result{}, tokengenerator.ErrEpochOutOfDate
		}
	}

	pair, err := s.tokenService.GenerateTokenPair(identityOf(account))
	if err != nil {
		return Result{}, err
	}
	if err := s.sessionStore.Save(ctx, account.ID, pair.RefreshTokenID, pair.RefreshExpiresAt); err != nil {
		return Result{}, err
	}

	if !account.EmailVerified {
		if err := s.emailVerification.SendVerificationCode(ctx, account.ID); err != nil {
			slog.Error("Failed to send verification code after identity change", "err", err)
		}
	}

	user := userInfoOf(account)
	return Result{Status: StatusSuccess, Tokens: &pair, User: &user}, nil
}

func (s *Service) completeSignIn(ctx context.Context, accountID uuid.UUID) (Result, error) {
	account, err := s.loginService.GetAccountByID(ctx, accountID)
	if err != nil {
		return Result{}, err
	}

	if !account.EmailVerified {
		if err := s.emailVerification.SendVerificationCode(ctx, account.ID); err != nil &&
			!errors.Is(err, emailverification.ErrResendRateLimited) {
			return Result{}, err
		}
		token, err := s.stateStore.Issue(ctx, statetoken.State{
			AccountID: account.ID,
			Step:      statetoken.StepEmailVerification,
		}, s.stateTokenTTL)
		if err != nil {
			return Result{}, err
		}
		return Result{
			Status:      StatusEmailVerificationRequired,
			StateToken:  token,
			MaskedEmail: maskEmail(account.Email),
		}, nil
	}

	pair, err := s.tokenService.GenerateTokenPair(identityOf(account))
	if err != nil {
		return Result{}, err
	}
	if err := s.sessionStore.Save(ctx, account.ID, pair.RefreshTokenID, pair.RefreshExpiresAt); err != nil {
		return Result{}, err
	}

	slog.Info("Sign-in completed", "accountID", account.ID)
	user := userInfoOf(account)
	return Result{Status: StatusSuccess, Tokens: &pair, User: &user}, nil
}

func (s *Service) beginTotpStep(ctx context.Context, accountID uuid.UUID, methods []string) (Result, error) {
	token, err := s.stateStore.Issue(ctx, statetoken.State{
		AccountID:      accountID,
		Step:           statetoken.StepTotpVerify,
		AllowedMethods: methods,
	}, s.stateTokenTTL)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Status:           StatusMfaTotpRequired,
		StateToken:       token,
		AvailableMethods: methods,
	}, nil
}

func (s *Service) beginEmailCodeStep(ctx context.Context, account login.Account, methods []string) (Result, error) {
	if err := s.twoFaService.SendEmailPasscode(ctx, account.ID, account.Email); err != nil {
		return Result{}, err
	}
	token, err := s.stateStore.Issue(ctx, statetoken.State{
		AccountID:      account.ID,
		Step:           statetoken.StepEmailCodeVerify,
		AllowedMethods: methods,
	}, s.stateTokenTTL)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Status:           StatusMfaEmailRequired,
		StateToken:       token,
		AvailableMethods: methods,
		MaskedEmail:      maskEmail(account.Email),
	}, nil
}

func (s *Service) consume(ctx context.Context, token string) (statetoken.State, error) {
	state, err := s.stateStore.Consume(ctx, token)
	if err != nil {
		if errors.Is(err, statetoken.ErrStateTokenNotFound) {
			return statetoken.State{}, ErrSignInStateNotFound
		}
		return statetoken.State{}, fmt.Errorf("failed to load sign-in state: %w", err)
	}
	return state, nil
}

func identityOf(account login.Account) tokengenerator.Identity {
	return tokengenerator.Identity{
		AccountID:     account.ID,
		Username:      account.Username,
		Email:         account.Email,
		EmailVerified: account.EmailVerified,
		Role:          account.Role,
		TokenEpoch:    account.TokenEpoch,
	}
}

func userInfoOf(account login.Account) UserInfo {
	return UserInfo{
		ID:            account.ID,
		Username:      account.Username,
		Email:         account.Email,
		EmailVerified: account.EmailVerified,
		Role:          account.Role,
	}
}

// primaryMethods filters out recovery codes, which never drive the ceremony
// on their own.
func primaryMethods(methods []string) []string {
	var out []string
	for _, m := range methods {
		if m != twofa.MethodRecovery {
			out = append(out, m)
		}
	}
	return out
}

func containsMethod(methods []string, method string) bool {
	for _, m := range methods {
		if m == method {
			return true
		}
	}
	return false
}

// maskEmail hides most of the local part: "alice@example.com" becomes
// "a***e@example.com".
func maskEmail(email string) string {
	at := strings.Index(email, "@")
	if at <= 0 {
		return email
	}
	local := email[:at]
	if len(local) <= 2 {
		return local[:1] + "***" + email[at:]
	}
	return local[:1] + "***" + local[len(local)-1:] + email[at:]
}
