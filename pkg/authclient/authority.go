package authclient

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// RefreshFunc exchanges a refresh token for a fresh pair.
type RefreshFunc func(ctx context.Context, refreshToken string) (TokenPair, error)

// TokenAuthority owns the stored pair and is the only component allowed to
// refresh it. Concurrent callers needing a refresh are collapsed into a
// single request; everyone gets the one result.
type TokenAuthority struct {
	store   TokenStore
	refresh RefreshFunc
	leeway  time.Duration
	group   singleflight.Group
}

type AuthorityOption func(*TokenAuthority)

// WithExpiryLeeway treats tokens expiring within the window as already
// expired, so a request never leaves with a token about to die in flight.
func WithExpiryLeeway(leeway time.Duration) AuthorityOption {
	return func(a *TokenAuthority) {
		a.leeway = leeway
	}
}

func NewTokenAuthority(store TokenStore, refresh RefreshFunc, opts ...AuthorityOption) *TokenAuthority {
	a := &TokenAuthority{
		store:   store,
		refresh: refresh,
		leeway:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SetTokens installs a pair after sign-in.
func (a *TokenAuthority) SetTokens(pair TokenPair) {
	a.store.Save(pair)
}

// Invalidate drops the stored pair. The next GetValidToken fails with
// session_expired until a new sign-in.
func (a *TokenAuthority) Invalidate() {
	a.store.Clear()
}

// GetValidToken returns an access token that is not expired, refreshing if
// necessary.
func (a *TokenAuthority) GetValidToken(ctx context.Context) (string, error) {
	pair, ok := a.store.Load()
	if !ok {
		return "", &Error{Kind: KindSessionExpired, Message: "not signed in"}
	}
	if !a.isExpired(pair) {
		return pair.AccessToken, nil
	}
	return a.refreshNow(ctx, pair.AccessToken)
}

// RefreshStale refreshes only if staleToken is still the stored access
// token. When another caller already refreshed, the fresh token is returned
// without a second round trip.
func (a *TokenAuthority) RefreshStale(ctx context.Context, staleToken string) (string, error) {
	pair, ok := a.store.Load()
	if !ok {
		return "", &Error{Kind: KindSessionExpired, Message: "not signed in"}
	}
	if pair.AccessToken != staleToken {
		return pair.AccessToken, nil
	}
	return a.refreshNow(ctx, staleToken)
}

func (a *TokenAuthority) isExpired(pair TokenPair) bool {
	if pair.AccessExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(a.leeway).After(pair.AccessExpiresAt)
}

// refreshNow collapses concurrent refreshes for the same stale token into
// one upstream request.
func (a *TokenAuthority) refreshNow(ctx context.Context, staleToken string) (string, error) {
	token, err, _ := a.group.Do(staleToken, func() (interface{}, error) {
		// A winner may have completed while this call waited.
		if pair, ok := a.store.Load(); ok && pair.AccessToken != staleToken {
			return pair.AccessToken, nil
		}

		pair, ok := a.store.Load()
		if !ok {
			return "", &Error{Kind: KindSessionExpired, Message: "not signed in"}
		}
		if pair.RefreshToken == "" {
			// Nothing to refresh with; fail locally instead of sending a
			// doomed request.
			a.store.Clear()
			return "", &Error{Kind: KindSessionExpired, Message: "no refresh token stored"}
		}
		fresh, err := a.refresh(ctx, pair.RefreshToken)
		if err != nil {
			if errors.Is(err, ErrSessionExpired) {
				slog.Info("Refresh rejected, clearing stored tokens")
				a.store.Clear()
			}
			return "", err
		}
		a.store.Save(fresh)
		return fresh.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}
