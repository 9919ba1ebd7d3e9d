package tokengenerator

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token kinds carried in the "token_use" claim. Parsing checks the claim so
// a refresh token can never be presented where an access token is expected.
const (
	AccessTokenUse  = "access"
	RefreshTokenUse = "refresh"
)

var (
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenInvalid   = errors.New("token invalid")
	ErrWrongTokenUse  = errors.New("wrong token use")
	ErrEpochOutOfDate = errors.New("token epoch out of date")
	ErrMissingSubject = errors.New("token has no subject")
)

// AuthClaims are the claims minted for access and refresh tokens. TokenEpoch
// snapshots the account's epoch at mint time; validation compares it to the
// current value, so bumping the epoch invalidates everything outstanding.
type AuthClaims struct {
	TokenUse      string `json:"token_use"`
	TokenEpoch    int64  `json:"token_epoch"`
	Username      string `json:"username,omitempty"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`
	Role          string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// TokenGenerator mints and parses signed tokens.
type TokenGenerator interface {
	GenerateToken(subject string, expiry time.Duration, claims AuthClaims) (string, time.Time, error)
	ParseToken(tokenStr string) (*AuthClaims, error)
}

// JwtTokenGenerator signs tokens with HMAC-SHA256.
type JwtTokenGenerator struct {
	Secret   string
	Issuer   string
	Audience string
}

func NewJwtTokenGenerator(secret, issuer, audience string) *JwtTokenGenerator {
	return &JwtTokenGenerator{
		Secret:   secret,
		Issuer:   issuer,
		Audience: audience,
	}
}

// GenerateToken mints a token for the subject. Registered claims are filled
// in here; callers only provide the domain claims.
func (g *JwtTokenGenerator) GenerateToken(subject string, expiry time.Duration, claims AuthClaims) (string, time.Time, error) {
	now := time.Now().UTC()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
		Issuer:    g.Issuer,
		Subject:   subject,
		ID:        uuid.New().String(),
		Audience:  jwt.ClaimStrings{g.Audience},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	ss, err := token.SignedString([]byte(g.Secret))
	if err != nil {
		slog.Error("Failed to sign JWT", "err", err)
		return "", time.Time{}, err
	}
	return ss, claims.ExpiresAt.Time, nil
}

// ParseToken validates the signature, expiry, issuer and audience and
// returns the claims.
func (g *JwtTokenGenerator) ParseToken(tokenStr string) (*AuthClaims, error) {
	claims := &AuthClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(g.Secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(g.Issuer),
		jwt.WithAudience(g.Audience),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Subject == "" {
		return nil, ErrMissingSubject
	}
	return claims, nil
}
