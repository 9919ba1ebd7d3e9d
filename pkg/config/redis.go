package config

// RedisConfig holds connection settings for the state-token and
// refresh-session stores.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD" env-default:""`
	DB       int    `env:"REDIS_DB" env-default:"0"`
}

// NewRedisConfigFromEnv creates a RedisConfig from environment variables.
func NewRedisConfigFromEnv() RedisConfig {
	return RedisConfig{
		Addr:     GetEnvOrDefault("REDIS_ADDR", "localhost:6379"),
		Password: GetEnvOrDefault("REDIS_PASSWORD", ""),
		DB:       GetEnvInt("REDIS_DB", 0),
	}
}
