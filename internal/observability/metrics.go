package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/replaysMike/binner-auth/internal/config"
)

const instrumentationName = "github.com/replaysMike/binner-auth"

type AppMetrics struct {
	authLoginCounter        metric.Int64Counter
	authRefreshCounter      metric.Int64Counter
	authRevokeCounter       metric.Int64Counter
	authRegisterCounter     metric.Int64Counter
	reuseDetectedCounter    metric.Int64Counter
	passwordResetCounter    metric.Int64Counter
	accessValidationCounter metric.Int64Counter
	repositoryOpCounter     metric.Int64Counter
}

var (
	metricsMu  sync.RWMutex
	appMetrics *AppMetrics
)

func InitMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sdkmetric.MeterProvider, error) {
	if !cfg.OTELMetricsEnabled {
		mp := sdkmetric.NewMeterProvider()
		otel.SetMeterProvider(mp)
		if err := RegisterMetrics(mp); err != nil {
			return nil, err
		}
		logger.Info("otel metrics disabled")
		return mp, nil
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTELExporterOTLPEndpoint)}
	if cfg.OTELExporterOTLPInsecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp metric exporter: %w", err)
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create metric resource: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.OTELMetricsExportInterval))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(mp)

	if err := RegisterMetrics(mp); err != nil {
		return nil, err
	}

	logger.Info("otel metrics initialized", "endpoint", cfg.OTELExporterOTLPEndpoint)
	return mp, nil
}

// RegisterMetrics creates the application counters on mp and makes them the
// target of the Record functions.
func RegisterMetrics(mp metric.MeterProvider) error {
	meter := mp.Meter(instrumentationName)
	m := &AppMetrics{}
	counters := []struct {
		name string
		dst  *metric.Int64Counter
	}{
		{"auth.login.attempts", &m.authLoginCounter},
		{"auth.refresh.attempts", &m.authRefreshCounter},
		{"auth.revoke.attempts", &m.authRevokeCounter},
		{"auth.register.attempts", &m.authRegisterCounter},
		{"auth.refresh.reuse_detected", &m.reuseDetectedCounter},
		{"auth.password_reset.events", &m.passwordResetCounter},
		{"auth.access_token.validations", &m.accessValidationCounter},
		{"repository.operations", &m.repositoryOpCounter},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name)
		if err != nil {
			return fmt.Errorf("create counter %s: %w", c.name, err)
		}
		*c.dst = counter
	}

	metricsMu.Lock()
	appMetrics = m
	metricsMu.Unlock()
	return nil
}

func currentMetrics() *AppMetrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return appMetrics
}

func RecordAuthLogin(ctx context.Context, status string) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.authLoginCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func RecordAuthRefresh(ctx context.Context, status string) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.authRefreshCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func RecordAuthRevoke(ctx context.Context, status string) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.authRevokeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func RecordAuthRegister(ctx context.Context, status string) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.authRegisterCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordReuseDetected counts presentations of an already-rotated refresh
// token and the number of descendants revoked because of it.
func RecordReuseDetected(ctx context.Context, revoked int) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.reuseDetectedCounter.Add(ctx, 1, metric.WithAttributes(attribute.Int("revoked_descendants", revoked)))
}

func RecordPasswordReset(ctx context.Context, action, status string) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.passwordResetCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("status", status),
	))
}

func RecordAccessTokenValidation(ctx context.Context, outcome, source string) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.accessValidationCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("source", source),
	))
}

func RecordRepositoryOperation(ctx context.Context, repository, operation, outcome string) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.repositoryOpCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("repository", repository),
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}
