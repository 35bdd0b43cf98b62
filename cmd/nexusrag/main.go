package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nexusrag/nexusrag/internal/alerting"
	"github.com/nexusrag/nexusrag/internal/app"
	"github.com/nexusrag/nexusrag/internal/config"
	"github.com/nexusrag/nexusrag/internal/failover"
	"github.com/nexusrag/nexusrag/internal/platform"
	"github.com/nexusrag/nexusrag/internal/seed"
	"github.com/nexusrag/nexusrag/internal/telemetry"
)

func main() {
	root := &cobra.Command{
		Use:           "nexusrag",
		Short:         "NexusRAG API, worker, and operator CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		serveCmd(),
		workerCmd(),
		migrateCmd(),
		seedCmd(),
		failoverCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			cfg.Mode = "api"

			ctx, cancel := signalContext()
			defer cancel()
			return app.Run(ctx, cfg)
		},
	}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "run the ingestion worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			cfg.Mode = "worker"

			ctx, cancel := signalContext()
			defer cancel()
			return app.Run(ctx, cfg)
		},
	}
}

func migrateCmd() *cobra.Command {
	var tenantDSN string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "apply global (and optionally tenant) schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			if err := platform.RunGlobalMigrations(cfg.DatabaseURL, cfg.MigrationsGlobalDir); err != nil {
				return fmt.Errorf("running global migrations: %w", err)
			}
			slog.Info("global migrations applied")

			if tenantDSN != "" {
				if err := platform.RunTenantMigrations(tenantDSN, cfg.MigrationsTenantDir); err != nil {
					return fmt.Errorf("running tenant migrations: %w", err)
				}
				slog.Info("tenant migrations applied", "dsn", tenantDSN)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantDSN, "tenant-dsn", "", "if set, also apply tenant-schema migrations against this connection string")
	return cmd
}

func seedCmd() *cobra.Command {
	var name, slug string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "create a demo tenant and its first API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)

			ctx, cancel := signalContext()
			defer cancel()

			pool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connecting to database: %w", err)
			}
			defer pool.Close()

			result, err := seed.Demo(ctx, pool, logger, name, slug)
			if err != nil {
				return err
			}

			fmt.Printf("tenant %s (%s) seeded\napi key: %s\n", result.Slug, result.TenantID, result.RawKey)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "Demo Tenant", "display name for the seeded tenant")
	cmd.Flags().StringVar(&slug, "slug", "demo", "unique slug for the seeded tenant")
	return cmd
}

func failoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failover",
		Short: "inspect or drive the regional failover control plane",
	}
	cmd.AddCommand(
		failoverStatusCmd(),
		failoverTransitionCmd("promote"),
		failoverTransitionCmd("demote"),
	)
	return cmd
}

func newFailoverController(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*failover.Controller, func(), error) {
	pool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to database: %w", err)
	}
	notifier := alerting.NewNotifier(cfg.SlackBotToken, cfg.SlackOpsChannel, logger)
	hub := failover.NewHub(logger)
	controller := failover.NewController(pool, notifier, hub, cfg.FailoverRegion)
	return controller, func() { pool.Close() }, nil
}

func failoverStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "print the current region's failover state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)

			ctx, cancel := signalContext()
			defer cancel()

			controller, closePool, err := newFailoverController(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closePool()

			state, err := controller.Current(ctx, cfg.FailoverRegion)
			if err != nil {
				return fmt.Errorf("getting failover status: %w", err)
			}
			fmt.Printf("region=%s role=%s updated_at=%s\n", state.Region, state.Role, state.UpdatedAt)
			return nil
		},
	}
}

// failoverTransitionCmd builds the "promote" and "demote" subcommands, which
// share everything but which Controller method they call.
func failoverTransitionCmd(verb string) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   verb + " <region>",
		Short: verb + " a region in the failover control plane",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)

			ctx, cancel := signalContext()
			defer cancel()

			controller, closePool, err := newFailoverController(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closePool()

			region := args[0]
			var state failover.State
			switch verb {
			case "promote":
				state, err = controller.Promote(ctx, region, reason)
			case "demote":
				state, err = controller.Demote(ctx, region, reason)
			}
			if err != nil {
				return fmt.Errorf("%s %s: %w", verb, region, err)
			}
			fmt.Printf("region=%s role=%s updated_at=%s\n", state.Region, state.Role, state.UpdatedAt)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual CLI "+verb, "reason recorded in the audit trail for this transition")
	return cmd
}
