package config

// PasswordConfig contains password policy settings.
type PasswordConfig struct {
	MinLength          int  `env:"PASSWORD_MIN_LENGTH" env-default:"8"`
	MaxLength          int  `env:"PASSWORD_MAX_LENGTH" env-default:"128"`
	RequireUppercase   bool `env:"PASSWORD_REQUIRE_UPPERCASE" env-default:"true"`
	RequireLowercase   bool `env:"PASSWORD_REQUIRE_LOWERCASE" env-default:"true"`
	RequireDigit       bool `env:"PASSWORD_REQUIRE_DIGIT" env-default:"true"`
	RequireSpecialChar bool `env:"PASSWORD_REQUIRE_SPECIAL" env-default:"true"`
	DisallowCommonPwds bool `env:"PASSWORD_DISALLOW_COMMON" env-default:"true"`
	MaxRepeatedChars   int  `env:"PASSWORD_MAX_REPEATED_CHARS" env-default:"3"`
	HistoryCheckCount  int  `env:"PASSWORD_HISTORY_CHECK_COUNT" env-default:"10"`

	// ExpirationDays of 0 disables password expiration.
	ExpirationDays int `env:"PASSWORD_EXPIRATION_DAYS" env-default:"0"`
}

// NewPasswordConfigFromEnv creates a PasswordConfig from environment variables.
func NewPasswordConfigFromEnv() PasswordConfig {
	return PasswordConfig{
		MinLength:          GetEnvInt("PASSWORD_MIN_LENGTH", 8),
		MaxLength:          GetEnvInt("PASSWORD_MAX_LENGTH", 128),
		RequireUppercase:   GetEnvBool("PASSWORD_REQUIRE_UPPERCASE", true),
		RequireLowercase:   GetEnvBool("PASSWORD_REQUIRE_LOWERCASE", true),
		RequireDigit:       GetEnvBool("PASSWORD_REQUIRE_DIGIT", true),
		RequireSpecialChar: GetEnvBool("PASSWORD_REQUIRE_SPECIAL", true),
		DisallowCommonPwds: GetEnvBool("PASSWORD_DISALLOW_COMMON", true),
		MaxRepeatedChars:   GetEnvInt("PASSWORD_MAX_REPEATED_CHARS", 3),
		HistoryCheckCount:  GetEnvInt("PASSWORD_HISTORY_CHECK_COUNT", 10),
		ExpirationDays:     GetEnvInt("PASSWORD_EXPIRATION_DAYS", 0),
	}
}
