package config

import (
	"fmt"
	"time"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string        `env:"SERVER_HOST" env-default:"0.0.0.0"`
	Port         int           `env:"SERVER_PORT" env-default:"4000"`
	ReadTimeout  time.Duration `env:"SERVER_READ_TIMEOUT" env-default:"15s"`
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" env-default:"15s"`
	IdleTimeout  time.Duration `env:"SERVER_IDLE_TIMEOUT" env-default:"60s"`
}

// Addr returns the host:port listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NewServerConfigFromEnv creates a ServerConfig from environment variables.
func NewServerConfigFromEnv() ServerConfig {
	return ServerConfig{
		Host:         GetEnvOrDefault("SERVER_HOST", "0.0.0.0"),
		Port:         GetEnvInt("SERVER_PORT", 4000),
		ReadTimeout:  GetEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
		WriteTimeout: GetEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:  GetEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
	}
}
