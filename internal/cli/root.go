package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/replaysMike/binner-auth/internal/config"
	"github.com/replaysMike/binner-auth/internal/database"
	"github.com/replaysMike/binner-auth/internal/di"
	"github.com/replaysMike/binner-auth/internal/observability"
)

type options struct {
	envFile string
}

func NewRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "binner-auth",
		Short:         "Binner authentication service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return LoadEnvFile(opts.envFile)
		},
	}
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading configuration")
	cmd.AddCommand(
		newServeCommand(),
		newMigrateCommand(),
		newPruneCommand(),
		newLoginHistoryCommand(),
	)
	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Migrate the database and run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, rt, err := bootstrap(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if err := migrate(ctx, cfg, rt); err != nil {
				_ = rt.Shutdown(context.Background())
				return err
			}
			a, cleanup, err := di.InitializeApp(ctx, cfg, rt)
			if err != nil {
				_ = rt.Shutdown(context.Background())
				return fmt.Errorf("initialize app: %w", err)
			}
			defer cleanup()
			// App.Close shuts the runtime down.
			return a.Run(ctx)
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, rt, err := bootstrap(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Shutdown(context.Background())
			return migrate(ctx, cfg, rt)
		},
	}
}

func newPruneCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete expired refresh, images and reset tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, rt, err := bootstrap(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Shutdown(context.Background())

			svc, cleanup, err := di.InitializeAuthService(ctx, cfg, rt)
			if err != nil {
				return fmt.Errorf("initialize auth service: %w", err)
			}
			defer cleanup()
			stats, err := svc.PruneExpired(ctx)
			if err != nil {
				return fmt.Errorf("prune expired: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "pruned refresh_tokens=%d images_tokens=%d reset_tokens=%d\n",
				stats.RefreshTokens, stats.ImagesTokens, stats.ResetTokens)
			return err
		},
	}
}

// bootstrap loads configuration and telemetry. Logs go to w so command
// output on stdout stays clean.
func bootstrap(ctx context.Context, w io.Writer) (*config.Config, *observability.Runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	base := observability.NewLogger(cfg.LogLevel, w)
	rt, err := observability.InitRuntime(ctx, cfg, base)
	if err != nil {
		return nil, nil, fmt.Errorf("init observability: %w", err)
	}
	return cfg, rt, nil
}

func migrate(ctx context.Context, cfg *config.Config, rt *observability.Runtime) error {
	db, err := database.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	return database.Migrate(ctx, db, cfg.DatabaseDriver, rt.Logger)
}
