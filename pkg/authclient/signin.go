package authclient

import (
	"context"
	"errors"
	"sync"
	"time"
)

// FlowState is where the client-side sign-in state machine currently sits.
type FlowState string

const (
	StateIdle                      FlowState = "idle"
	StateAwaitingMethodSelection   FlowState = "awaiting_method_selection"
	StateAwaitingTotp              FlowState = "awaiting_totp"
	StateAwaitingEmailCode         FlowState = "awaiting_email_code"
	StateAwaitingRecoveryCode      FlowState = "awaiting_recovery_code"
	StateAwaitingEmailVerification FlowState = "awaiting_email_verification"
	StateAwaitingPasswordReset     FlowState = "awaiting_password_reset"
	StateSignedIn                  FlowState = "signed_in"
)

// User is the account snapshot returned on success.
type User struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Role          string `json:"role,omitempty"`
}

// FlowStatus is what each step hands back to the caller.
type FlowStatus struct {
	State            FlowState
	AvailableMethods []string
	MaskedEmail      string
	User             *User
}

type signInWire struct {
	Status           string    `json:"status"`
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"expires_at"`
	StateToken       string    `json:"state_token"`
	AvailableMethods []string  `json:"available_methods"`
	MaskedEmail      string    `json:"masked_email"`
	User             *User     `json:"user"`
}

// SignInFlow drives the multi-step sign-in ceremony. It holds the
// continuation token internally; callers only see states and supply
// whatever the current state asks for. All methods are safe for concurrent
// use, though a ceremony is inherently sequential.
type SignInFlow struct {
	mu     sync.Mutex
	client *Client

	state      FlowState
	stateToken string
	methods    []string
}

func newSignInFlow(client *Client) *SignInFlow {
	return &SignInFlow{client: client, state: StateIdle}
}

// State reports the current position without advancing.
func (f *SignInFlow) State() FlowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// AvailableMethods lists the MFA factors offered for the pending ceremony.
func (f *SignInFlow) AvailableMethods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.methods))
	copy(out, f.methods)
	return out
}

// SignIn starts a fresh ceremony, abandoning any in progress.
func (f *SignInFlow) SignIn(ctx context.Context, username, password string) (FlowStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetLocked()

	var wire signInWire
	err := f.client.public(ctx, "/auth/sign-in", map[string]string{
		"username": username,
		"password": password,
	}, &wire)
	if err != nil {
		return FlowStatus{State: StateIdle}, err
	}
	return f.dispatchLocked(wire)
}

// SelectMethod picks an MFA factor while awaiting method selection.
func (f *SignInFlow) SelectMethod(ctx context.Context, method string) (FlowStatus, error) {
	return f.step(ctx, "/auth/mfa/select", map[string]string{"method": method},
		StateAwaitingMethodSelection)
}

// VerifyTotp submits an authenticator passcode.
func (f *SignInFlow) VerifyTotp(ctx context.Context, passcode string) (FlowStatus, error) {
	return f.step(ctx, "/auth/mfa/totp/verify", map[string]string{"passcode": passcode},
		StateAwaitingTotp)
}

// VerifyEmailCode submits an emailed sign-in passcode.
func (f *SignInFlow) VerifyEmailCode(ctx context.Context, passcode string) (FlowStatus, error) {
	return f.step(ctx, "/auth/mfa/email/verify", map[string]string{"passcode": passcode},
		StateAwaitingEmailCode)
}

// VerifyRecoveryCode submits a backup code. Valid from any MFA state where
// the server allows recovery codes.
func (f *SignInFlow) VerifyRecoveryCode(ctx context.Context, code string) (FlowStatus, error) {
	return f.step(ctx, "/auth/mfa/recovery/verify", map[string]string{"code": code},
		StateAwaitingMethodSelection, StateAwaitingTotp, StateAwaitingEmailCode, StateAwaitingRecoveryCode)
}

// VerifyEmail completes the email-verification step with the mailed code.
func (f *SignInFlow) VerifyEmail(ctx context.Context, code string) (FlowStatus, error) {
	return f.step(ctx, "/auth/verify-email", map[string]string{"code": code},
		StateAwaitingEmailVerification)
}

// ResendEmailCode asks for a new email during a passcode or verification
// step.
func (f *SignInFlow) ResendEmailCode(ctx context.Context) (FlowStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateAwaitingEmailCode && f.state != StateAwaitingEmailVerification {
		return FlowStatus{State: f.state}, ErrNoSignIn
	}

	path := "/auth/mfa/email/resend"
	if f.state == StateAwaitingEmailVerification {
		path = "/auth/verify-email/resend"
	}

	var wire signInWire
	err := f.client.public(ctx, path, map[string]string{"state_token": f.stateToken}, &wire)
	if err != nil {
		// A rate-limited resend still rotates the token.
		var clientErr *Error
		if errors.As(err, &clientErr) && clientErr.stateToken != "" {
			f.stateToken = clientErr.stateToken
		}
		return FlowStatus{State: f.state}, err
	}
	return f.dispatchLocked(wire)
}

// Cancel abandons a ceremony in progress. The server forgets the
// continuation token when it expires; the client just stops holding it.
func (f *SignInFlow) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateSignedIn {
		f.resetLocked()
	}
}

// SignOut revokes the session server-side and clears local tokens either
// way.
func (f *SignInFlow) SignOut(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetLocked()

	pair, ok := f.client.authority.store.Load()
	defer f.client.authority.Invalidate()
	if !ok {
		return nil
	}
	return f.client.public(ctx, "/auth/sign-out", map[string]string{
		"refresh_token": pair.RefreshToken,
	}, nil)
}

func (f *SignInFlow) step(ctx context.Context, path string, body map[string]string,
	allowed ...FlowState) (FlowStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !stateIn(f.state, allowed) || f.stateToken == "" {
		return FlowStatus{State: f.state}, ErrNoSignIn
	}

	body["state_token"] = f.stateToken

	var wire signInWire
	err := f.client.public(ctx, path, body, &wire)
	if err != nil {
		// A failed verification consumed the continuation token; the
		// ceremony must restart from credentials.
		if isCeremonyFatal(err) {
			f.resetLocked()
		}
		return FlowStatus{State: f.state}, err
	}
	return f.dispatchLocked(wire)
}

// dispatchLocked advances the machine from a server status. Unrecognized
// statuses abandon the ceremony rather than guessing.
func (f *SignInFlow) dispatchLocked(wire signInWire) (FlowStatus, error) {
	f.stateToken = wire.StateToken
	f.methods = wire.AvailableMethods

	switch wire.Status {
	case "SUCCESS":
		if wire.AccessToken == "" {
			f.resetLocked()
			return FlowStatus{State: StateIdle}, &Error{Kind: KindUnknown, Message: "success response without tokens"}
		}
		f.client.authority.SetTokens(TokenPair{
			AccessToken:     wire.AccessToken,
			RefreshToken:    wire.RefreshToken,
			AccessExpiresAt: wire.AccessExpiresAt,
		})
		f.state = StateSignedIn
		f.stateToken = ""
		return FlowStatus{State: StateSignedIn, User: wire.User}, nil

	case "MFA_REQUIRED":
		f.state = StateAwaitingMethodSelection
	case "MFA_TOTP_REQUIRED":
		f.state = StateAwaitingTotp
	case "MFA_EMAIL_REQUIRED":
		f.state = StateAwaitingEmailCode
	case "EMAIL_VERIFICATION_REQUIRED":
		f.state = StateAwaitingEmailVerification
	case "PASSWORD_RESET_REQUIRED":
		f.state = StateAwaitingPasswordReset

	default:
		f.resetLocked()
		return FlowStatus{State: StateIdle}, &Error{
			Kind:    KindUnknown,
			Message: "unrecognized sign-in status " + wire.Status,
		}
	}

	return FlowStatus{
		State:            f.state,
		AvailableMethods: wire.AvailableMethods,
		MaskedEmail:      wire.MaskedEmail,
	}, nil
}

func (f *SignInFlow) resetLocked() {
	f.state = StateIdle
	f.stateToken = ""
	f.methods = nil
}

func stateIn(state FlowState, allowed []FlowState) bool {
	for _, s := range allowed {
		if s == state {
			return true
		}
	}
	return false
}

// isCeremonyFatal reports whether the server has discarded the continuation
// token for this error.
func isCeremonyFatal(err error) bool {
	var clientErr *Error
	if !errors.As(err, &clientErr) {
		return true
	}
	switch clientErr.Kind {
	case KindTimeout, KindConnectionLost, KindServerUnavailable, KindTooManyAttempts:
		return false
	default:
		return true
	}
}
