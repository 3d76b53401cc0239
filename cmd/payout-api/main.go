/**
 * @description
 * This is the main entry point for the payout-service API worker. It loads the
 * configuration, connects the database, shared store and message broker, consumes
 * sale events into creator earnings and serves the rate-limited internal API.
 *
 * @dependencies
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - internal/api, internal/app, internal/bootstrap, internal/config: Internal packages for the service.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/transfa/payout-service/internal/api"
	"github.com/transfa/payout-service/internal/app"
	"github.com/transfa/payout-service/internal/bootstrap"
	"github.com/transfa/payout-service/internal/config"
	"github.com/transfa/payout-service/pkg/rabbitmq"
)

func main() {
	logger := bootstrap.NewLogger()

	// Load .env file for local development.
	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, using environment variables")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, logger, ".")
	stop()
	if err != nil {
		logger.Error("payout-service api stopped", "error", err)
		os.Exit(1)
	}
}

// run returns instead of exiting so every deferred close executes.
func run(ctx context.Context, logger *slog.Logger, configDir string) error {
	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger.Info("starting payout-service api", "port", cfg.ServerPort)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	services, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialise services: %w", err)
	}
	defer services.Close()

	limiter, localWindow, err := bootstrap.NewLimiter(cfg, services.Store, services.Metrics, logger)
	if err != nil {
		return fmt.Errorf("load rate limit policy: %w", err)
	}
	go limiter.MonitorHealth(ctx, services.Store, 5*time.Second)
	localWindow.StartJanitor(ctx, time.Minute)

	// Sale events feed the earnings ledger.
	rabbitConsumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, logger)
	if err != nil {
		return fmt.Errorf("rabbitmq consumer init: %w", err)
	}
	defer rabbitConsumer.Close()

	webhookConsumer := app.NewWebhookConsumer(services.Guard, services.Earnings, services.Metrics, logger)
	if err := rabbitConsumer.ConsumeWithBindings(cfg.SaleEventsExchange, cfg.WebhookEventQueue, webhookConsumer.Bindings()); err != nil {
		return fmt.Errorf("sale event consumer start: %w", err)
	}

	handler := api.NewHandler(services.Settlement, services.Repository, services.Gateway.Breaker(), services.Metrics, logger, cfg.SettlementCurrency)
	router := api.NewRouter(handler, limiter, api.IdentityFromRequest(cfg.JWTSigningSecret), cfg.InternalAPIKey, logger)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		runErr = fmt.Errorf("server stopped unexpectedly: %w", err)
	case <-rabbitConsumer.Done():
		// Without the consumer sale events are no longer recorded; exit so the supervisor restarts us.
		runErr = errors.New("sale event consumer stopped")
	}
	logger.Info("shutdown started")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
	logger.Info("shutdown complete")
	return runErr
}
