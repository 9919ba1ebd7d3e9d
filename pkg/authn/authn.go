package authn

import (
	"context"
	"net/http"

	"github.com/go-chi/jwtauth/v5"
	"github.com/google/uuid"

	"github.com/eduardc77/shopauth/pkg/login"
	"github.com/eduardc77/shopauth/pkg/tokengenerator"
)

// AuthUser is the authenticated caller, injected into the request context by
// Authenticator.
type AuthUser struct {
	AccountID     uuid.UUID
	Username      string
	Email         string
	EmailVerified bool
	Role          string
	TokenEpoch    int64
}

// contextKey is a value for use with context.WithValue. It's used as a
// pointer so it fits in an interface{} without allocation.
type contextKey struct {
	name string
}

func (k *contextKey) String() string {
	return "authn context value " + k.name
}

var authUserKey = &contextKey{"AuthUser"}

// FromContext returns the AuthUser stored by Authenticator.
func FromContext(ctx context.Context) (*AuthUser, bool) {
	user, ok := ctx.Value(authUserKey).(*AuthUser)
	return user, ok
}

// WithAuthUser returns a context carrying the user. Exposed for tests.
func WithAuthUser(ctx context.Context, user *AuthUser) context.Context {
	return context.WithValue(ctx, authUserKey, user)
}

// Middleware validates bearer access tokens and injects the AuthUser. The
// token's epoch must match the account's current epoch: a token minted
// before a password or email change is rejected even while unexpired.
type Middleware struct {
	accountRepo login.AccountRepository
	jwtAuth     *jwtauth.JWTAuth
}

func NewMiddleware(accountRepo login.AccountRepository, secret string) *Middleware {
	return &Middleware{
		accountRepo: accountRepo,
		jwtAuth:     jwtauth.New("HS256", []byte(secret), nil),
	}
}

// Verifier checks the token signature and expiry, reading the token from
// the Authorization header or the access_token cookie.
func (m *Middleware) Verifier(next http.Handler) http.Handler {
	return jwtauth.Verify(m.jwtAuth, jwtauth.TokenFromHeader, tokenFromCookie)(next)
}

// Authenticator inspects the claims the Verifier validated: the token must
// be an access token, belong to a live account, and carry the account's
// current epoch. On success the AuthUser lands in the request context.
func (m *Middleware) Authenticator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, claims, err := jwtauth.FromContext(r.Context())
		if err != nil {
			http.Error(w, "missing or invalid access token", http.StatusUnauthorized)
			return
		}

		if use, _ := claims["token_use"].(string); use != tokengenerator.AccessTokenUse {
			http.Error(w, "invalid access token", http.StatusUnauthorized)
			return
		}

		subject, _ := claims["sub"].(string)
		accountID, err := uuid.Parse(subject)
		if err != nil {
			http.Error(w, "invalid access token", http.StatusUnauthorized)
			return
		}

		account, err := m.accountRepo.GetAccountByID(r.Context(), accountID)
		if err != nil {
			http.Error(w, "invalid access token", http.StatusUnauthorized)
			return
		}

		tokenEpoch := claimInt64(claims, "token_epoch")
		if tokenEpoch < account.TokenEpoch {
			http.Error(w, "access token no longer valid", http.StatusUnauthorized)
			return
		}

		user := &AuthUser{
			AccountID:     account.ID,
			Username:      account.Username,
			Email:         account.Email,
			EmailVerified: account.EmailVerified,
			Role:          account.Role,
			TokenEpoch:    tokenEpoch,
		}
		next.ServeHTTP(w, r.WithContext(WithAuthUser(r.Context(), user)))
	})
}

// claimInt64 tolerates the numeric types JWT decoding produces.
func claimInt64(claims map[string]interface{}, key string) int64 {
	switch v := claims[key].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case int:
		return int64(v)
	default:
		return 0
	}
}

func tokenFromCookie(r *http.Request) string {
	cookie, err := r.Cookie(tokengenerator.AccessTokenCookie)
	if err != nil {
		return ""
	}
	return cookie.Value
}
