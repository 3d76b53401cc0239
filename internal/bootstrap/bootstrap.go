/**
 * @description
 * Package bootstrap wires the payout-service components from configuration. The
 * API, the scheduler and payoutctl all build the same graph here, so every process
 * shares one view of the locks, breaker settings and retry budget.
 *
 * @notes
 * - The shared store is mandatory. Settlement and webhook dedup fail closed without
 *   it, so a process that cannot reach Redis at startup refuses to start.
 * - RabbitMQ is optional for publishing; the fallback publisher logs and drops events.
 */
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/payout-service/internal/app"
	"github.com/transfa/payout-service/internal/config"
	"github.com/transfa/payout-service/internal/store"
	"github.com/transfa/payout-service/pkg/circuitbreaker"
	"github.com/transfa/payout-service/pkg/idempotency"
	"github.com/transfa/payout-service/pkg/metrics"
	"github.com/transfa/payout-service/pkg/processor"
	"github.com/transfa/payout-service/pkg/rabbitmq"
	"github.com/transfa/payout-service/pkg/ratelimit"
	"github.com/transfa/payout-service/pkg/retry"
	"github.com/transfa/payout-service/pkg/sharedstore"
)

// NewLogger returns the JSON logger every binary writes with.
func NewLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

// OpenDatabase establishes the PostgreSQL connection pool.
func OpenDatabase(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return pool, nil
}

// OpenRedis connects to the shared store and checks it answers.
func OpenRedis(ctx context.Context, cfg config.Config) (*redis.Client, *sharedstore.RedisStore, error) {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		return nil, nil, errors.New("REDIS_URL is required")
	}
	options, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(options)
	shared := sharedstore.NewRedisStore(client, cfg.RedisKeyPrefix, cfg.SharedStoreTimeout())

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shared.Ping(pingCtx); err != nil {
		client.Close()
		return nil, nil, err
	}
	return client, shared, nil
}

// NewBreaker builds the processor circuit breaker. Only infrastructure failures count.
func NewBreaker(cfg config.Config, registry *metrics.Registry, logger *slog.Logger) *circuitbreaker.Breaker {
	return circuitbreaker.New(circuitbreaker.Settings{
		Name:             "processor",
		FailureThreshold: cfg.BreakerFailureThreshold,
		RollingPeriod:    time.Duration(cfg.BreakerRollingPeriodSeconds) * time.Second,
		ResetTimeout:     time.Duration(cfg.BreakerResetTimeoutSeconds) * time.Second,
		IsFailure:        processor.IsInfrastructure,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			registry.Inc("breaker_transitions", name, string(to))
			logger.Warn("circuit breaker state changed", "component", "circuit_breaker", "breaker", name, "from", string(from), "to", string(to))
		},
	})
}

// RetryPolicy is the processor retry budget from configuration.
func RetryPolicy(cfg config.Config) retry.Policy {
	return retry.Policy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   time.Duration(cfg.RetryBaseDelayMS) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.RetryMaxDelayMS) * time.Millisecond,
	}
}

// NewProcessorGateway builds the processor client behind its breaker and retry loop.
func NewProcessorGateway(cfg config.Config, registry *metrics.Registry, logger *slog.Logger) *app.ProcessorGateway {
	client := processor.NewClient(cfg.ProcessorAPIBaseURL, cfg.ProcessorAPIKey, cfg.ProcessorRatePerSecond, logger)
	retrier := retry.NewExecutor("processor", registry, logger)
	return app.NewProcessorGateway(client, NewBreaker(cfg, registry, logger), retrier, RetryPolicy(cfg), registry, logger)
}

// NewLimiter builds the request limiter on the shared store with an in-process
// fallback. The returned LocalWindow needs its janitor started by the caller.
func NewLimiter(cfg config.Config, shared sharedstore.Store, registry *metrics.Registry, logger *slog.Logger) (*ratelimit.Limiter, *ratelimit.LocalWindow, error) {
	policy, err := ratelimit.LoadPolicy(cfg.RateLimitPolicyFile, cfg.RateLimitAnonymousPerMinute)
	if err != nil {
		return nil, nil, err
	}
	local := ratelimit.NewLocalWindow(nil)
	limiter := ratelimit.NewLimiter(ratelimit.NewStoreWindow(shared, nil), local, policy, registry, logger)
	return limiter, local, nil
}

// NewPublisher connects the payout event producer, falling back to a logging
// publisher when RabbitMQ is not reachable.
func NewPublisher(cfg config.Config, logger *slog.Logger) rabbitmq.Publisher {
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		logger.Warn("rabbitmq url missing; payout events will not be published", "component", "bootstrap")
		return &rabbitmq.FallbackPublisher{Logger: logger}
	}
	producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Warn("rabbitmq producer unavailable; using fallback", "component", "bootstrap", "error", err)
		return &rabbitmq.FallbackPublisher{Logger: logger}
	}
	logger.Info("rabbitmq producer connected", "component", "bootstrap")
	return producer
}

// Services is the component graph shared by every binary.
type Services struct {
	Config     config.Config
	Logger     *slog.Logger
	Metrics    *metrics.Registry
	DB         *pgxpool.Pool
	Redis      *redis.Client
	Store      *sharedstore.RedisStore
	Guard      *idempotency.Guard
	Repository *store.PostgresRepository
	Gateway    *app.ProcessorGateway
	Publisher  rabbitmq.Publisher
	Settlement *app.SettlementEngine
	Reconciler *app.Reconciler
	Earnings   *app.EarningsRecorder
}

// Build opens the database and shared store and wires the payout components.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Services, error) {
	db, err := OpenDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	logger.Info("database connection established", "component", "bootstrap")

	redisClient, shared, err := OpenRedis(ctx, cfg)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("shared store: %w", err)
	}
	logger.Info("shared store connected", "component", "bootstrap")

	registry := metrics.NewRegistry()
	guard := idempotency.NewGuard(shared, logger)
	repository := store.NewPostgresRepository(db)
	gateway := NewProcessorGateway(cfg, registry, logger)
	publisher := NewPublisher(cfg, logger)

	return &Services{
		Config:     cfg,
		Logger:     logger,
		Metrics:    registry,
		DB:         db,
		Redis:      redisClient,
		Store:      shared,
		Guard:      guard,
		Repository: repository,
		Gateway:    gateway,
		Publisher:  publisher,
		Settlement: app.NewSettlementEngine(repository, guard, gateway, publisher, registry, logger, app.SettlementConfig{
			Currency:      cfg.SettlementCurrency,
			MinimumPayout: cfg.MinimumPayoutKobo,
			PayoutFee:     cfg.PayoutFeeKobo,
		}),
		Reconciler: app.NewReconciler(repository, gateway, guard, publisher, registry, logger, cfg.ReconcileStaleAfter()),
		Earnings:   app.NewEarningsRecorder(repository, cfg.PlatformFeePercent, cfg.HoldingPeriod(), registry, logger),
	}, nil
}

// Close releases every connection Build opened.
func (s *Services) Close() {
	s.Publisher.Close()
	s.Redis.Close()
	s.DB.Close()
}
