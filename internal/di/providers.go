package di

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/replaysMike/binner-auth/internal/app"
	"github.com/replaysMike/binner-auth/internal/config"
	"github.com/replaysMike/binner-auth/internal/database"
	"github.com/replaysMike/binner-auth/internal/http/handler"
	"github.com/replaysMike/binner-auth/internal/http/router"
	"github.com/replaysMike/binner-auth/internal/observability"
	"github.com/replaysMike/binner-auth/internal/repository"
	"github.com/replaysMike/binner-auth/internal/security"
	"github.com/replaysMike/binner-auth/internal/service"
)

func ProvideLogger(rt *observability.Runtime) *slog.Logger {
	if rt == nil || rt.Logger == nil {
		return slog.Default()
	}
	return rt.Logger
}

func ProvideDatabase(ctx context.Context, cfg *config.Config) (*gorm.DB, func(), error) {
	db, err := database.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	return db, cleanup, nil
}

// ProvideRedis returns a nil client when REDIS_ADDR is unset.
func ProvideRedis(ctx context.Context, cfg *config.Config) (*redis.Client, func(), error) {
	if !cfg.RedisEnabled() {
		return nil, func() {}, nil
	}
	client, err := database.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, nil, err
	}
	return client, func() { _ = client.Close() }, nil
}

func ProvideStore(cfg *config.Config, db *gorm.DB) *repository.GormStore {
	return repository.NewGormStore(db,
		repository.WithIsolation(database.IsolationFor(cfg.DatabaseDriver)),
		repository.WithMaxAttempts(cfg.TxMaxAttempts),
	)
}

func ProvideTokenCodec(cfg *config.Config) *security.TokenCodec {
	return security.NewTokenCodec(security.CodecConfig{
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Secret:     cfg.JWTSecret,
		Pepper:     cfg.RefreshTokenPepper,
		AccessTTL:  cfg.AccessTokenTTL,
		RefreshTTL: cfg.RefreshTokenTTL,
		ResetTTL:   cfg.PasswordResetTTL,
	})
}

func ProvidePasswordHasher(cfg *config.Config) security.PasswordHasher {
	return security.NewBcryptHasher(cfg.BcryptCost)
}

func ProvideAbuseGuard(cfg *config.Config, client *redis.Client) service.AuthAbuseGuard {
	policy := service.AuthAbusePolicy{
		FreeAttempts: cfg.AuthAbuseFreeAttempts,
		BaseDelay:    cfg.AuthAbuseBaseDelay,
		Multiplier:   2,
		MaxDelay:     cfg.AuthAbuseMaxDelay,
		ResetWindow:  cfg.AuthAbuseResetWindow,
	}
	if client != nil {
		return service.NewRedisAuthAbuseGuard(client, "binner_auth:abuse", policy)
	}
	return service.NewInMemoryAuthAbuseGuard(policy)
}

func ProvideAuthService(
	cfg *config.Config,
	store repository.Store,
	codec *security.TokenCodec,
	hasher security.PasswordHasher,
	guard service.AuthAbuseGuard,
	logger *slog.Logger,
) (*service.AuthService, error) {
	svc, err := service.NewAuthService(store, codec, hasher, logger,
		service.WithAbuseGuard(guard),
		service.WithPasswordMinLength(cfg.PasswordMinLength),
	)
	if err != nil {
		return nil, fmt.Errorf("auth service: %w", err)
	}
	return svc, nil
}

func ProvideNotifier(cfg *config.Config, logger *slog.Logger) handler.Notifier {
	return handler.LogNotifier{Logger: logger, IncludeTokens: !cfg.IsProduction()}
}

func ProvideAuthHandler(cfg *config.Config, svc *service.AuthService, notifier handler.Notifier, logger *slog.Logger) *handler.AuthHandler {
	return handler.NewAuthHandler(svc, notifier, security.CookieOptions{Secure: cfg.CookieSecure, Domain: cfg.CookieDomain}, logger)
}

func ProvideRouter(
	cfg *config.Config,
	authHandler *handler.AuthHandler,
	userHandler *handler.UserHandler,
	codec *security.TokenCodec,
	svc *service.AuthService,
	db *gorm.DB,
	redisClient *redis.Client,
	logger *slog.Logger,
) http.Handler {
	checks := map[string]router.ReadinessCheck{
		"database": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}
	return router.NewRouter(router.Dependencies{
		AuthHandler:    authHandler,
		UserHandler:    userHandler,
		AccessToken:    codec,
		ImagesToken:    svc,
		Readiness:      checks,
		Logger:         logger,
		EnableOTelHTTP: cfg.OTELTracingEnabled || cfg.OTELMetricsEnabled,
	})
}

func ProvideHTTPServer(cfg *config.Config, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func ProvideApp(cfg *config.Config, logger *slog.Logger, server *http.Server, rt *observability.Runtime, svc *service.AuthService) *app.App {
	return app.New(cfg, logger, server, rt, svc)
}
