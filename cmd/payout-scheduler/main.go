/**
 * @description
 * This is the main entry point for the payout scheduler.
 * It is a non-HTTP, long-running process that runs settlement, earnings maturation
 * and payout reconciliation on cron schedules. Several replicas may run at once;
 * the settlement engine's locks keep each date and creator to a single payout.
 */
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/transfa/payout-service/internal/app"
	"github.com/transfa/payout-service/internal/bootstrap"
	"github.com/transfa/payout-service/internal/config"
)

func main() {
	logger := bootstrap.NewLogger()

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, using environment variables")
	}

	// Load application configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	services, err := bootstrap.Build(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to initialise services", "error", err)
		os.Exit(1)
	}
	defer services.Close()

	jobs := app.NewJobs(services.Settlement, services.Reconciler, logger)
	scheduler := app.NewScheduler(jobs, logger, app.Schedules{
		Settlement: cfg.SettlementJobSchedule,
		Maturation: cfg.MaturationJobSchedule,
		Reconcile:  cfg.ReconcileJobSchedule,
	})

	// Start the cron scheduler in the background
	if err := scheduler.Start(); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		services.Close()
		os.Exit(1)
	}
	logger.Info("scheduler started", "jobs", scheduler.Entries())

	// Wait for termination signal to gracefully shut down
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, stopping scheduler")
	stopCtx := scheduler.Stop()
	<-stopCtx.Done() // Wait for running jobs to finish
	logger.Info("scheduler stopped gracefully")
}
