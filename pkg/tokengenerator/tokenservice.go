package tokengenerator

import (
	"time"

	"github.com/google/uuid"
)

// Default token expiry durations
const (
	DefaultAccessTokenExpiry  = 15 * time.Minute
	DefaultRefreshTokenExpiry = 30 * 24 * time.Hour
)

// TokenPair is one minted access/refresh pair. RefreshTokenID is the refresh
// token's jti, used by the session store for rotation bookkeeping.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	RefreshTokenID   string
}

// Identity is the account snapshot baked into minted tokens.
type Identity struct {
	AccountID     uuid.UUID
	Username      string
	Email         string
	EmailVerified bool
	Role          string
	TokenEpoch    int64
}

// TokenService mints access/refresh pairs and parses them back.
type TokenService struct {
	generator          TokenGenerator
	accessTokenExpiry  time.Duration
	refreshTokenExpiry time.Duration
}

type TokenServiceOption func(*TokenService)

func WithAccessTokenExpiry(d time.Duration) TokenServiceOption {
	return func(ts *TokenService) {
		ts.accessTokenExpiry = d
	}
}

func WithRefreshTokenExpiry(d time.Duration) TokenServiceOption {
	return func(ts *TokenService) {
		ts.refreshTokenExpiry = d
	}
}

func NewTokenService(generator TokenGenerator, opts ...TokenServiceOption) *TokenService {
	ts := &TokenService{
		generator:          generator,
		accessTokenExpiry:  DefaultAccessTokenExpiry,
		refreshTokenExpiry: DefaultRefreshTokenExpiry,
	}
	for _, opt := range opts {
		opt(ts)
	}
	return ts
}

// GenerateTokenPair mints an access and a refresh token for the identity.
func (ts *TokenService) GenerateTokenPair(identity Identity) (TokenPair, error) {
	subject := identity.AccountID.String()

	access, accessExp, err := ts.generator.GenerateToken(subject, ts.accessTokenExpiry, AuthClaims{
		TokenUse:      AccessTokenUse,
		TokenEpoch:    identity.TokenEpoch,
		Username:      identity.Username,
		Email:         identity.Email,
		EmailVerified: identity.EmailVerified,
		Role:          identity.Role,
	})
	if err != nil {
		return TokenPair{}, err
	}

	refresh, refreshExp, err := ts.generator.GenerateToken(subject, ts.refreshTokenExpiry, AuthClaims{
		TokenUse:   RefreshTokenUse,
		TokenEpoch: identity.TokenEpoch,
	})
	if err != nil {
		return TokenPair{}, err
	}

	refreshClaims, err := ts.generator.ParseToken(refresh)
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExp,
		RefreshTokenID:   refreshClaims.ID,
	}, nil
}

// ParseAccessToken validates an access token and rejects any other kind.
func (ts *TokenService) ParseAccessToken(tokenStr string) (*AuthClaims, error) {
	return ts.parseWithUse(tokenStr, AccessTokenUse)
}

// ParseRefreshToken validates a refresh token and rejects any other kind.
func (ts *TokenService) ParseRefreshToken(tokenStr string) (*AuthClaims, error) {
	return ts.parseWithUse(tokenStr, RefreshTokenUse)
}

func (ts *TokenService) parseWithUse(tokenStr, use string) (*AuthClaims, error) {
	claims, err := ts.generator.ParseToken(tokenStr)
	if err != nil {
		return nil, err
	}
	if claims.TokenUse != use {
		return nil, ErrWrongTokenUse
	}
	return claims, nil
}

// AccountID extracts the subject as a UUID.
func (c *AuthClaims) AccountID() (uuid.UUID, error) {
	return uuid.Parse(c.Subject)
}
