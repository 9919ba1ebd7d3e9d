package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/eduardc77/shopauth/pkg/authn"
	"github.com/eduardc77/shopauth/pkg/config"
	"github.com/eduardc77/shopauth/pkg/emailverification"
	"github.com/eduardc77/shopauth/pkg/login"
	"github.com/eduardc77/shopauth/pkg/notification"
	"github.com/eduardc77/shopauth/pkg/ratelimit"
	"github.com/eduardc77/shopauth/pkg/sessions"
	"github.com/eduardc77/shopauth/pkg/signinflow"
	signinflowapi "github.com/eduardc77/shopauth/pkg/signinflow/api"
	"github.com/eduardc77/shopauth/pkg/statetoken"
	"github.com/eduardc77/shopauth/pkg/tokengenerator"
	"github.com/eduardc77/shopauth/pkg/twofa"
	twofaapi "github.com/eduardc77/shopauth/pkg/twofa/api"
)

type DbConfig struct {
	Host     string `env:"PG_HOST" env-default:"localhost"`
	Port     uint16 `env:"PG_PORT" env-default:"5432"`
	Database string `env:"PG_DATABASE" env-default:"shopauth_db"`
	User     string `env:"PG_USER" env-default:"shopauth"`
	Password string `env:"PG_PASSWORD" env-default:"pwd"`
}

func (d DbConfig) toDatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Database)
}

type Config struct {
	Server   config.ServerConfig
	JWT      config.JWTConfig
	Login    config.LoginConfig
	Password config.PasswordConfig
	Email    config.EmailConfig
	Redis    config.RedisConfig
	Db       DbConfig

	CookieHTTPOnly bool `env:"COOKIE_HTTP_ONLY" env-default:"true"`
	CookieSecure   bool `env:"COOKIE_SECURE" env-default:"true"`

	// InMemoryStore swaps postgres for in-process storage; useful for
	// local development without a database.
	InMemoryStore bool `env:"IN_MEMORY_STORE" env-default:"false"`
}

func main() {
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env file")
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		slog.Error("Failed to read config from environment", "err", err)
		os.Exit(1)
	}

	// Storage
	var accountRepo login.AccountRepository
	if cfg.InMemoryStore {
		slog.Warn("Using in-memory account store, data will not survive restarts")
		accountRepo = login.NewInMemoryAccountRepository()
	} else {
		pool, err := pgxpool.New(context.Background(), cfg.Db.toDatabaseURL())
		if err != nil {
			slog.Error("Failed to create database pool", "err", err)
			os.Exit(1)
		}
		defer pool.Close()
		accountRepo = login.NewPostgresAccountRepository(pool)
		// MFA factors and email-verification codes have no postgres
		// repository yet; they live in-process even with a database
		// configured and are lost on restart.
		slog.Warn("MFA factor and email verification stores are in-memory, re-enrollment is required after a restart")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	// Notifications
	notifier, err := notification.NewEmailNotifier(notification.SMTPConfig{
		Host:     cfg.Email.Host,
		Port:     cfg.Email.Port,
		TLS:      cfg.Email.TLS,
		Username: cfg.Email.Username,
		Password: cfg.Email.Password,
		From:     cfg.Email.From,
	})
	if err != nil {
		slog.Error("Failed to create email notifier", "err", err)
		os.Exit(1)
	}
	notificationManager := notification.NewNotificationManager(notifier)

	// Services
	passwordPolicy := &login.PasswordPolicy{
		MinLength:          cfg.Password.MinLength,
		MaxLength:          cfg.Password.MaxLength,
		RequireUppercase:   cfg.Password.RequireUppercase,
		RequireLowercase:   cfg.Password.RequireLowercase,
		RequireDigit:       cfg.Password.RequireDigit,
		RequireSpecialChar: cfg.Password.RequireSpecialChar,
		DisallowCommonPwds: cfg.Password.DisallowCommonPwds,
		MaxRepeatedChars:   cfg.Password.MaxRepeatedChars,
		HistoryCheckCount:  cfg.Password.HistoryCheckCount,
		ExpirationDays:     cfg.Password.ExpirationDays,
	}
	passwordManager := login.NewPasswordManager(accountRepo, passwordPolicy, notificationManager)

	lockoutDuration, err := cfg.Login.ParseLockoutDuration()
	if err != nil {
		slog.Error("Failed to parse lockout duration", "err", err)
		os.Exit(1)
	}
	loginService := login.NewLoginService(accountRepo, passwordManager,
		login.WithLockoutPolicy(login.LockoutPolicy{
			MaxFailedAttempts: cfg.Login.MaxFailedAttempts,
			LockoutDuration:   lockoutDuration,
		}))

	recoveryCodeExpiry, err := cfg.Login.ParseRecoveryCodeExpiry()
	if err != nil {
		slog.Error("Failed to parse recovery code expiry", "err", err)
		os.Exit(1)
	}
	twoFaService := twofa.NewTwoFaService(twofa.NewInMemoryRepository(), notificationManager,
		twofa.WithIssuer(cfg.JWT.Issuer),
		twofa.WithRecoveryCodeCount(cfg.Login.RecoveryCodeCount),
		twofa.WithRecoveryCodeExpiry(recoveryCodeExpiry))

	accessExpiry, err := cfg.JWT.ParseAccessTokenExpiry()
	if err != nil {
		slog.Error("Failed to parse access token expiry", "err", err)
		os.Exit(1)
	}
	refreshExpiry, err := cfg.JWT.ParseRefreshTokenExpiry()
	if err != nil {
		slog.Error("Failed to parse refresh token expiry", "err", err)
		os.Exit(1)
	}
	stateTokenExpiry, err := cfg.JWT.ParseStateTokenExpiry()
	if err != nil {
		slog.Error("Failed to parse state token expiry", "err", err)
		os.Exit(1)
	}

	tokenService := tokengenerator.NewTokenService(
		tokengenerator.NewJwtTokenGenerator(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Audience),
		tokengenerator.WithAccessTokenExpiry(accessExpiry),
		tokengenerator.WithRefreshTokenExpiry(refreshExpiry))

	emailVerificationService := emailverification.NewService(
		emailverification.NewInMemoryRepository(), loginService, notificationManager)

	flowService := signinflow.NewService(
		loginService,
		twoFaService,
		tokenService,
		sessions.NewRedisStore(redisClient),
		statetoken.NewRedisStore(redisClient),
		emailVerificationService,
		signinflow.WithStateTokenTTL(stateTokenExpiry))

	// HTTP
	authMiddleware := authn.NewMiddleware(accountRepo, cfg.JWT.Secret)
	flowHandle := signinflowapi.NewHandle(
		signinflowapi.WithFlowService(flowService),
		signinflowapi.WithLoginService(loginService),
		signinflowapi.WithCookieSetter(
			tokengenerator.NewCookieSetter(cfg.CookieHTTPOnly, cfg.CookieSecure)))
	twoFaHandle := twofaapi.NewHandle(twoFaService)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	signInThrottle := ratelimit.New(10, 30)

	router.Route("/auth", func(r chi.Router) {
		r.Use(signInThrottle.Handler)
		signinflowapi.Routes(r, flowHandle)
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.Verifier, authMiddleware.Authenticator)
			signinflowapi.AuthRoutes(r, flowHandle)
			r.Route("/mfa", func(r chi.Router) {
				twofaapi.Routes(r, twoFaHandle)
			})
		})
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("Starting server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed", "err", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	slog.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Failed to shut down cleanly", "err", err)
	}
}
