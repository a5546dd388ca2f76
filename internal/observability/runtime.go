package observability

import (
	"context"
	"errors"
	"log/slog"

	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/replaysMike/binner-auth/internal/config"
)

type Runtime struct {
	MeterProvider  *sdkmetric.MeterProvider
	TracerProvider *sdktrace.TracerProvider
	LoggerProvider *sdklog.LoggerProvider
	Logger         *slog.Logger
}

// InitRuntime wires metrics, tracing and log export. Runtime.Logger is the
// logger the rest of the process should use.
func InitRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	lp, appLogger, err := InitLogging(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{LoggerProvider: lp, Logger: appLogger}
	mp, err := InitMetrics(ctx, cfg, appLogger)
	if err != nil {
		_ = rt.Shutdown(ctx)
		return nil, err
	}
	rt.MeterProvider = mp
	tp, err := InitTracing(ctx, cfg, appLogger)
	if err != nil {
		_ = rt.Shutdown(ctx)
		return nil, err
	}
	rt.TracerProvider = tp
	return rt, nil
}

func (r *Runtime) Shutdown(ctx context.Context) error {
	if r == nil {
		return nil
	}
	var errs []error
	if r.MeterProvider != nil {
		if err := r.MeterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if r.TracerProvider != nil {
		if err := r.TracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if r.LoggerProvider != nil {
		if err := r.LoggerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
