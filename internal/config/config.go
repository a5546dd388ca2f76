package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

const (
	devJWTSecret     = "dev-only-jwt-secret-change-me-0123456789abcdef"
	devRefreshPepper = "dev-only-refresh-pepper-change-me-0123456789ab"
	minSecretLength  = 32
)

type Config struct {
	AppEnv          string        `env:"APP_ENV" envDefault:"development"`
	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":8080"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	PruneInterval   time.Duration `env:"PRUNE_INTERVAL" envDefault:"1h"`

	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"sqlite"`
	DatabaseURL    string `env:"DATABASE_URL" envDefault:"file:binner-auth.db?_foreign_keys=on"`
	TxMaxAttempts  uint   `env:"TX_MAX_ATTEMPTS" envDefault:"5"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	JWTIssuer          string        `env:"JWT_ISSUER" envDefault:"binner-auth"`
	JWTAudience        string        `env:"JWT_AUDIENCE" envDefault:"binner"`
	JWTSecret          string        `env:"JWT_SECRET" envDefault:"dev-only-jwt-secret-change-me-0123456789abcdef"`
	RefreshTokenPepper string        `env:"REFRESH_TOKEN_PEPPER" envDefault:"dev-only-refresh-pepper-change-me-0123456789ab"`
	AccessTokenTTL     time.Duration `env:"JWT_ACCESS_TTL" envDefault:"15m"`
	RefreshTokenTTL    time.Duration `env:"JWT_REFRESH_TTL" envDefault:"168h"`
	PasswordResetTTL   time.Duration `env:"PASSWORD_RESET_TTL" envDefault:"24h"`
	PasswordMinLength  int           `env:"PASSWORD_MIN_LENGTH" envDefault:"8"`
	BcryptCost         int           `env:"BCRYPT_COST" envDefault:"12"`

	CookieSecure bool   `env:"COOKIE_SECURE" envDefault:"true"`
	CookieDomain string `env:"COOKIE_DOMAIN"`

	AuthAbuseFreeAttempts int           `env:"AUTH_ABUSE_FREE_ATTEMPTS" envDefault:"5"`
	AuthAbuseBaseDelay    time.Duration `env:"AUTH_ABUSE_BASE_DELAY" envDefault:"1s"`
	AuthAbuseMaxDelay     time.Duration `env:"AUTH_ABUSE_MAX_DELAY" envDefault:"5m"`
	AuthAbuseResetWindow  time.Duration `env:"AUTH_ABUSE_RESET_WINDOW" envDefault:"30m"`

	OTELServiceName           string        `env:"OTEL_SERVICE_NAME" envDefault:"binner-auth"`
	OTELEnvironment           string        `env:"OTEL_ENVIRONMENT" envDefault:"development"`
	OTELExporterOTLPEndpoint  string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	OTELExporterOTLPInsecure  bool          `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	OTELMetricsEnabled        bool          `env:"OTEL_METRICS_ENABLED" envDefault:"false"`
	OTELTracingEnabled        bool          `env:"OTEL_TRACING_ENABLED" envDefault:"false"`
	OTELLogsEnabled           bool          `env:"OTEL_LOGS_ENABLED" envDefault:"false"`
	OTELMetricsExportInterval time.Duration `env:"OTEL_METRICS_EXPORT_INTERVAL" envDefault:"30s"`
	OTELTraceSamplingRatio    float64       `env:"OTEL_TRACE_SAMPLING_RATIO" envDefault:"1"`
}

// Load parses the environment and validates the result. Every outcome is
// counted on config.validation.events.
func Load() (*Config, error) {
	cfg, err := load()
	profile := "unknown"
	if cfg != nil {
		profile = cfg.AppEnv
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	recordConfigValidationEvent(context.Background(), profile, outcome, classifyConfigLoadError(err))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.DatabaseDriver = strings.ToLower(strings.TrimSpace(cfg.DatabaseDriver))
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("DATABASE_DRIVER must be postgres or sqlite, got %q", c.DatabaseDriver))
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if len(c.JWTSecret) < minSecretLength {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be at least %d bytes", minSecretLength))
	}
	if len(c.RefreshTokenPepper) < minSecretLength {
		errs = append(errs, fmt.Errorf("REFRESH_TOKEN_PEPPER must be at least %d bytes", minSecretLength))
	}
	if c.IsProduction() {
		if c.JWTSecret == devJWTSecret {
			errs = append(errs, errors.New("JWT_SECRET must be set explicitly in production"))
		}
		if c.RefreshTokenPepper == devRefreshPepper {
			errs = append(errs, errors.New("REFRESH_TOKEN_PEPPER must be set explicitly in production"))
		}
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 || c.PasswordResetTTL <= 0 {
		errs = append(errs, errors.New("token TTLs must be positive"))
	}
	if c.RefreshTokenTTL <= c.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must exceed JWT_ACCESS_TTL"))
	}
	if c.PasswordMinLength < 1 {
		errs = append(errs, errors.New("PASSWORD_MIN_LENGTH must be positive"))
	}
	if c.PruneInterval < 0 {
		errs = append(errs, errors.New("PRUNE_INTERVAL must not be negative"))
	}
	if c.TxMaxAttempts < 1 {
		errs = append(errs, errors.New("TX_MAX_ATTEMPTS must be positive"))
	}
	if c.AuthAbuseFreeAttempts < 0 || c.AuthAbuseBaseDelay <= 0 || c.AuthAbuseMaxDelay < c.AuthAbuseBaseDelay {
		errs = append(errs, errors.New("AUTH_ABUSE_* settings are inconsistent"))
	}
	if c.OTELTraceSamplingRatio < 0 || c.OTELTraceSamplingRatio > 1 {
		errs = append(errs, errors.New("OTEL_TRACE_SAMPLING_RATIO must be within [0,1]"))
	}
	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return normalizeConfigProfile(c.AppEnv) == "production" || normalizeConfigProfile(c.AppEnv) == "prod"
}

func (c *Config) RedisEnabled() bool { return strings.TrimSpace(c.RedisAddr) != "" }
