// Command alphawatch is the operator CLI.
//
// Usage:
//
//	alphawatch tick
//	alphawatch tick --dry-run
//	alphawatch ledger show 'ALPHA|10:00|30|voice'
//	alphawatch ledger release 'ALPHA|10:00|30|voice'
//	alphawatch ledger sweep
//	alphawatch migrate
//	alphawatch events import ./events.json
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/albapepper/alphawatch/internal/app"
	"github.com/albapepper/alphawatch/internal/config"
	"github.com/albapepper/alphawatch/internal/db"
	"github.com/albapepper/alphawatch/internal/ledger"
	"github.com/albapepper/alphawatch/internal/maintenance"
	"github.com/albapepper/alphawatch/internal/source"
)

var logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

func main() {
	// Load .env if present
	_ = godotenv.Load(".env")

	root := &cobra.Command{
		Use:          "alphawatch",
		Short:        "Listing reminder engine CLI",
		SilenceUsage: true,
	}

	root.AddCommand(tickCmd())
	root.AddCommand(ledgerCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(eventsCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// --------------------------------------------------------------------------
// tick command
// --------------------------------------------------------------------------

func tickCmd() *cobra.Command {
	var (
		dryRun bool
		at     string
	)
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Evaluate the current snapshot once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(func(ctx context.Context, a *app.App) error {
				now := time.Now()
				if at != "" {
					t, err := time.ParseInLocation("2006-01-02 15:04", at, a.Cfg.Location)
					if err != nil {
						return fmt.Errorf("--at: %w", err)
					}
					now = t
				}
				records, err := a.Source.Load(ctx, now)
				if err != nil {
					return err
				}

				if dryRun {
					plans, err := a.Engine.Preview(ctx, records, now)
					if err != nil {
						return err
					}
					return printJSON(cmd, plans)
				}

				rep := a.Engine.Tick(ctx, records, now)
				logger.Info("Tick finished", "summary", rep.Summary())
				return printJSON(cmd, rep)
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List due and missed reminders without claiming or sending")
	cmd.Flags().StringVar(&at, "at", "", `Evaluate at this local time ("2006-01-02 15:04") instead of now`)
	return cmd
}

// --------------------------------------------------------------------------
// ledger command
// --------------------------------------------------------------------------

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and maintain the dedupe ledger",
	}
	cmd.AddCommand(ledgerShowCmd())
	cmd.AddCommand(ledgerReleaseCmd())
	cmd.AddCommand(ledgerSweepCmd())
	return cmd
}

func ledgerShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show TASK_KEY",
		Short: "Print the ledger entry for a task key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := ledger.ParseTaskKey(args[0])
			if err != nil {
				return err
			}
			return runStore(func(ctx context.Context, store ledger.Store) error {
				entry, err := store.Get(ctx, key)
				if err != nil {
					return fmt.Errorf("%s: %w", key, err)
				}
				return printJSON(cmd, entry)
			})
		},
	}
}

func ledgerReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release TASK_KEY",
		Short: "Delete a ledger entry so the reminder can fire again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := ledger.ParseTaskKey(args[0])
			if err != nil {
				return err
			}
			return runStore(func(ctx context.Context, store ledger.Store) error {
				if err := store.Release(ctx, key); err != nil {
					return fmt.Errorf("%s: %w", key, err)
				}
				logger.Info("Ledger entry released", "task", key.String())
				return nil
			})
		},
	}
}

func ledgerSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired ledger entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStore(func(ctx context.Context, store ledger.Store) error {
				n, err := maintenance.Sweep(ctx, store, time.Now(), logger)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired entries\n", n)
				return nil
			})
		},
	}
}

// --------------------------------------------------------------------------
// migrate command
// --------------------------------------------------------------------------

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required")
			}
			if err := db.Migrate(ctx, cfg.DatabaseURL); err != nil {
				return err
			}
			logger.Info("Schema applied")
			return nil
		},
	}
}

// --------------------------------------------------------------------------
// events command
// --------------------------------------------------------------------------

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Manage the events table",
	}
	cmd.AddCommand(eventsImportCmd())
	return cmd
}

func eventsImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Upsert a JSON or YAML snapshot into the events table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(func(ctx context.Context, a *app.App) error {
				if a.EventTable == nil {
					return fmt.Errorf("DATABASE_URL is required")
				}
				records, err := source.NewFile(args[0], a.Cfg.Location, logger).Load(ctx, time.Now())
				if err != nil {
					return err
				}
				n, err := a.EventTable.Upsert(ctx, records)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d events\n", n)
				return nil
			})
		},
	}
}

// --------------------------------------------------------------------------
// Shared setup
// --------------------------------------------------------------------------

// runApp handles config loading, wiring and context cancellation.
func runApp(fn func(ctx context.Context, a *app.App) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger = app.NewLogger(cfg.LogLevel)

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

// runStore opens only the ledger, so ledger maintenance works without an
// event source or deliverer configured.
func runStore(fn func(ctx context.Context, store ledger.Store) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	backend := ledger.Backend{
		Driver:        cfg.StoreDriver,
		SQLitePath:    cfg.SQLitePath,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
	}
	if cfg.StoreDriver == config.DriverPostgres {
		pool, err := db.New(ctx, cfg)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer pool.Close()
		backend.Pool = pool.Pool
	}

	store, err := ledger.Open(ctx, backend, ledger.Options{ResolvedTTL: cfg.ResolvedTTL, ClaimTTL: cfg.ClaimTTL})
	if err != nil {
		return err
	}
	defer store.Close()

	return fn(ctx, store)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
