package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/replaysMike/binner-auth/internal/config"
	"github.com/replaysMike/binner-auth/internal/observability"
	"github.com/replaysMike/binner-auth/internal/service"
)

// Pruner is satisfied by *service.AuthService.
type Pruner interface {
	PruneExpired(ctx context.Context) (service.PruneStats, error)
}

type App struct {
	Config          *config.Config
	Logger          *slog.Logger
	Server          *http.Server
	Observability   *observability.Runtime
	Pruner          Pruner
	ShutdownTimeout time.Duration
	PruneInterval   time.Duration
	closers         []func() error
}

func New(cfg *config.Config, logger *slog.Logger, server *http.Server, runtime *observability.Runtime, pruner Pruner, closers ...func() error) *App {
	return &App{
		Config:          cfg,
		Logger:          logger,
		Server:          server,
		Observability:   runtime,
		Pruner:          pruner,
		ShutdownTimeout: cfg.ShutdownTimeout,
		PruneInterval:   cfg.PruneInterval,
		closers:         closers,
	}
}

// Run serves until ctx is cancelled or the server fails, then drains the
// server and releases resources.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info("http server listening", "addr", a.Server.Addr)
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.ShutdownTimeout)
		defer cancel()
		if err := a.Server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	if a.Pruner != nil && a.PruneInterval > 0 {
		g.Go(func() error {
			a.pruneLoop(gctx)
			return nil
		})
	}

	err := g.Wait()
	a.Logger.Info("http server stopped")
	return errors.Join(err, a.Close())
}

func (a *App) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(a.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Pruner.PruneExpired(ctx); err != nil && ctx.Err() == nil {
				a.Logger.Error("scheduled prune failed", "error", err)
			}
		}
	}
}

// Close flushes telemetry and runs the registered closers in reverse order.
func (a *App) Close() error {
	var errs []error
	ctx, cancel := context.WithTimeout(context.Background(), a.ShutdownTimeout)
	defer cancel()
	if err := a.Observability.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("observability shutdown: %w", err))
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
