package config

import "time"

// LoginConfig contains sign-in behavior settings.
type LoginConfig struct {
	// MaxFailedAttempts is the number of consecutive failed password
	// verifications before the account is locked out.
	MaxFailedAttempts int `env:"LOGIN_MAX_FAILED_ATTEMPTS" env-default:"5"`

	// LockoutDuration is how long a locked account stays locked
	// (ISO 8601 format, e.g., "PT15M").
	LockoutDuration string `env:"LOGIN_LOCKOUT_DURATION" env-default:"PT15M"`

	// RecoveryCodeCount is the number of recovery codes in a generated batch.
	RecoveryCodeCount int `env:"RECOVERY_CODE_COUNT" env-default:"10"`

	// RecoveryCodeExpiry is the validity period of a recovery code batch
	// (ISO 8601 format, e.g., "P365D").
	RecoveryCodeExpiry string `env:"RECOVERY_CODE_EXPIRY" env-default:"P365D"`
}

// NewLoginConfigFromEnv loads LoginConfig from standard environment variables.
func NewLoginConfigFromEnv() LoginConfig {
	return LoginConfig{
		MaxFailedAttempts:  GetEnvInt("LOGIN_MAX_FAILED_ATTEMPTS", 5),
		LockoutDuration:    GetEnvOrDefault("LOGIN_LOCKOUT_DURATION", "PT15M"),
		RecoveryCodeCount:  GetEnvInt("RECOVERY_CODE_COUNT", 10),
		RecoveryCodeExpiry: GetEnvOrDefault("RECOVERY_CODE_EXPIRY", "P365D"),
	}
}

// ParseLockoutDuration parses the LockoutDuration field as a time.Duration.
func (c *LoginConfig) ParseLockoutDuration() (time.Duration, error) {
	return ParseISO8601OrGoDuration(c.LockoutDuration)
}

// ParseRecoveryCodeExpiry parses the RecoveryCodeExpiry field as a time.Duration.
func (c *LoginConfig) ParseRecoveryCodeExpiry() (time.Duration, error) {
	return ParseISO8601OrGoDuration(c.RecoveryCodeExpiry)
}
