package config

import "time"

// JWTConfig holds token signing configuration shared by the token service
// and the verification middleware.
type JWTConfig struct {
	Secret             string `env:"JWT_SECRET" env-default:"very-secure-jwt-secret"`
	Issuer             string `env:"JWT_ISSUER" env-default:"shopauth"`
	Audience           string `env:"JWT_AUDIENCE" env-default:"shopauth"`
	AccessTokenExpiry  string `env:"ACCESS_TOKEN_EXPIRY" env-default:"PT15M"`
	RefreshTokenExpiry string `env:"REFRESH_TOKEN_EXPIRY" env-default:"P30D"`
	StateTokenExpiry   string `env:"STATE_TOKEN_EXPIRY" env-default:"PT5M"`
}

// NewJWTConfigFromEnv creates a JWTConfig from environment variables.
func NewJWTConfigFromEnv() JWTConfig {
	return JWTConfig{
		Secret:             GetEnvOrDefault("JWT_SECRET", "very-secure-jwt-secret"),
		Issuer:             GetEnvOrDefault("JWT_ISSUER", "shopauth"),
		Audience:           GetEnvOrDefault("JWT_AUDIENCE", "shopauth"),
		AccessTokenExpiry:  GetEnvOrDefault("ACCESS_TOKEN_EXPIRY", "PT15M"),
		RefreshTokenExpiry: GetEnvOrDefault("REFRESH_TOKEN_EXPIRY", "P30D"),
		StateTokenExpiry:   GetEnvOrDefault("STATE_TOKEN_EXPIRY", "PT5M"),
	}
}

// ParseAccessTokenExpiry parses the access token expiry duration.
func (j JWTConfig) ParseAccessTokenExpiry() (time.Duration, error) {
	return ParseISO8601OrGoDuration(j.AccessTokenExpiry)
}

// ParseRefreshTokenExpiry parses the refresh token expiry duration.
func (j JWTConfig) ParseRefreshTokenExpiry() (time.Duration, error) {
	return ParseISO8601OrGoDuration(j.RefreshTokenExpiry)
}

// ParseStateTokenExpiry parses the sign-in state token expiry duration.
func (j JWTConfig) ParseStateTokenExpiry() (time.Duration, error) {
	return ParseISO8601OrGoDuration(j.StateTokenExpiry)
}
