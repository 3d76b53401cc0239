package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/transfa/payout-service/internal/bootstrap"
	"github.com/transfa/payout-service/internal/config"
	"github.com/transfa/payout-service/internal/store"
	"github.com/transfa/payout-service/pkg/idempotency"
	"github.com/transfa/payout-service/pkg/ratelimit"
)

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	dir, _ := cmd.Flags().GetString("config-dir")
	return config.LoadConfig(dir)
}

func withServices(cmd *cobra.Command, fn func(ctx context.Context, services *bootstrap.Services) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	services, err := bootstrap.Build(ctx, cfg, bootstrap.NewLogger())
	if err != nil {
		return err
	}
	defer services.Close()
	return fn(ctx, services)
}

// parseDate reads a YYYY-MM-DD flag value; empty means today in UTC.
func parseDate(value string, now time.Time) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return now.UTC(), nil
	}
	date, err := idempotency.ParseDate(value)
	if err != nil {
		return time.Time{}, fmt.Errorf("--date must be YYYY-MM-DD: %w", err)
	}
	return date, nil
}

func settleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settle",
		Short: "Run settlement for a date",
		Long: `Run settlement for a UTC date (today by default).

The run takes the same period and creator locks as the scheduler. If another
worker already holds the date the command reports lock_held and pays nothing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString("date")
			date, err := parseDate(raw, time.Now())
			if err != nil {
				return err
			}
			return withServices(cmd, func(ctx context.Context, services *bootstrap.Services) error {
				result, err := services.Settlement.Run(ctx, date)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
	cmd.Flags().String("date", "", "settlement date (YYYY-MM-DD, UTC)")
	return cmd
}

func matureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mature",
		Short: "Make earnings past their holding period available",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, func(ctx context.Context, services *bootstrap.Services) error {
				n, err := services.Settlement.Mature(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]int64{"matured": n})
			})
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Resolve payouts stuck in PROCESSING against the processor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, func(ctx context.Context, services *bootstrap.Services) error {
				result, err := services.Reconciler.Run(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
}

func locksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "Inspect and manage idempotency locks",
	}

	release := &cobra.Command{
		Use:   "release <key>",
		Short: "Delete an idempotency lock",
		Long: `Delete an idempotency lock such as payout_period:2026-10-15 or
payout_creator:<creator-id>:2026-10-15.

Only release a lock after confirming the work it guards did not complete;
releasing a held creator lock allows that creator to be paid again for the date.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := strings.TrimSpace(args[0])
			if key == "" {
				return idempotency.ErrEmptyKey
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			client, shared, err := bootstrap.OpenRedis(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			guard := idempotency.NewGuard(shared, bootstrap.NewLogger())
			if err := guard.Release(cmd.Context(), key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", key)
			return nil
		},
	}

	cmd.AddCommand(release)
	return cmd
}

func ratelimitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ratelimit",
		Short: "Exercise the distributed rate limiter",
	}

	check := &cobra.Command{
		Use:   "check <subject>",
		Short: "Record one request for subject and print the decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			window, _ := cmd.Flags().GetDuration("window")
			if limit <= 0 || window <= 0 {
				return fmt.Errorf("--limit and --window must be positive")
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			client, shared, err := bootstrap.OpenRedis(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			decision, err := ratelimit.NewStoreWindow(shared, nil).Check(cmd.Context(), args[0], limit, window)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), decision)
		},
	}
	check.Flags().Int("limit", 60, "requests allowed per window")
	check.Flags().Duration("window", time.Minute, "window length")

	cmd.AddCommand(check)
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the payout-service database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			db, err := bootstrap.OpenDatabase(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := store.NewPostgresRepository(db).Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		},
	}
}
