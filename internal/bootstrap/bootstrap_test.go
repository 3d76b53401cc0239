package bootstrap

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/transfa/payout-service/internal/config"
	"github.com/transfa/payout-service/pkg/circuitbreaker"
	"github.com/transfa/payout-service/pkg/metrics"
	"github.com/transfa/payout-service/pkg/processor"
	"github.com/transfa/payout-service/pkg/rabbitmq"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.Config {
	return config.Config{
		RedisKeyPrefix:              "test:payouts",
		SharedStoreTimeoutMS:        250,
		RateLimitAnonymousPerMinute: 30,
		BreakerFailureThreshold:     2,
		BreakerRollingPeriodSeconds: 60,
		BreakerResetTimeoutSeconds:  30,
		RetryMaxAttempts:            4,
		RetryBaseDelayMS:            100,
		RetryMaxDelayMS:             2000,
	}
}

func TestOpenRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.RedisURL = "redis://" + mr.Addr()

	client, shared, err := OpenRedis(context.Background(), cfg)
	if err != nil {
		t.Fatalf("OpenRedis returned error: %v", err)
	}
	defer client.Close()

	ok, err := shared.SetNX(context.Background(), "payout_period:2026-10-15", "worker-1", time.Hour)
	if err != nil || !ok {
		t.Fatalf("expected lock acquired, ok=%v err=%v", ok, err)
	}
	if !mr.Exists("test:payouts:payout_period:2026-10-15") {
		t.Fatal("expected key written under the configured prefix")
	}
}

func TestOpenRedis_RequiresURL(t *testing.T) {
	if _, _, err := OpenRedis(context.Background(), testConfig()); err == nil {
		t.Fatal("expected an error without REDIS_URL")
	}
}

func TestOpenRedis_UnreachableFails(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.RedisURL = "redis://" + mr.Addr()
	mr.Close()

	if _, _, err := OpenRedis(context.Background(), cfg); err == nil {
		t.Fatal("expected an error for an unreachable store")
	}
}

func TestNewBreaker_CountsOnlyInfrastructureFailures(t *testing.T) {
	registry := metrics.NewRegistry()
	breaker := NewBreaker(testConfig(), registry, discardLogger())
	ctx := context.Background()

	rejection := &processor.APIError{StatusCode: 400}
	for i := 0; i < 3; i++ {
		_ = breaker.Execute(ctx, func(context.Context) error { return rejection })
	}
	if breaker.State() != circuitbreaker.StateClosed {
		t.Fatalf("business rejections must not open the breaker")
	}

	outage := &processor.APIError{StatusCode: 503}
	for i := 0; i < 2; i++ {
		_ = breaker.Execute(ctx, func(context.Context) error { return outage })
	}
	if breaker.State() != circuitbreaker.StateOpen {
		t.Fatalf("expected breaker open after the configured threshold, got %s", breaker.State())
	}
	if got := registry.Counter("breaker_transitions", "processor", "OPEN"); got != 1 {
		t.Fatalf("expected one recorded transition, got %d", got)
	}
	err := breaker.Execute(ctx, func(context.Context) error { return nil })
	if !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
}

func TestRetryPolicy(t *testing.T) {
	policy := RetryPolicy(testConfig())
	if policy.MaxAttempts != 4 || policy.BaseDelay != 100*time.Millisecond || policy.MaxDelay != 2*time.Second {
		t.Fatalf("unexpected policy %+v", policy)
	}
}

func TestNewLimiter_BadPolicyFile(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitPolicyFile = filepath.Join(t.TempDir(), "missing.yaml")

	if _, _, err := NewLimiter(cfg, nil, metrics.NewRegistry(), discardLogger()); err == nil {
		t.Fatal("expected an error for a missing policy file")
	}
}

func TestNewPublisher_FallsBackWithoutBroker(t *testing.T) {
	publisher := NewPublisher(testConfig(), discardLogger())
	if _, ok := publisher.(*rabbitmq.FallbackPublisher); !ok {
		t.Fatalf("expected fallback publisher, got %T", publisher)
	}
	if err := publisher.Publish(context.Background(), rabbitmq.PayoutEventsExchange, "payout.completed", map[string]string{}); err != nil {
		t.Fatalf("fallback publish returned error: %v", err)
	}
}
