package config

// EmailConfig holds SMTP settings for outbound notification email.
type EmailConfig struct {
	Host     string `env:"SMTP_HOST" env-default:"localhost"`
	Port     int    `env:"SMTP_PORT" env-default:"1025"`
	Username string `env:"SMTP_USERNAME" env-default:""`
	Password string `env:"SMTP_PASSWORD" env-default:""`
	From     string `env:"SMTP_FROM" env-default:"no-reply@shopauth.local"`
	TLS      bool   `env:"SMTP_TLS" env-default:"false"`
}

// NewEmailConfigFromEnv creates an EmailConfig from environment variables.
func NewEmailConfigFromEnv() EmailConfig {
	return EmailConfig{
		Host:     GetEnvOrDefault("SMTP_HOST", "localhost"),
		Port:     GetEnvInt("SMTP_PORT", 1025),
		Username: GetEnvOrDefault("SMTP_USERNAME", ""),
		Password: GetEnvOrDefault("SMTP_PASSWORD", ""),
		From:     GetEnvOrDefault("SMTP_FROM", "no-reply@shopauth.local"),
		TLS:      GetEnvBool("SMTP_TLS", false),
	}
}
