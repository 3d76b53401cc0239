/**
 * @description
 * ProcessorGateway is the only path from the payout-service to the payment
 * processor. Every call runs inside the processor's circuit breaker, and inside
 * the breaker a bounded retry loop. The breaker sees the outcome of the whole
 * retry sequence, so one exhausted sequence is one failure.
 *
 * @notes
 * - Business rejections (4xx other than 408/429) are returned on first occurrence
 *   and never move the breaker.
 * - CreateTransfer reuses the caller's idempotency key on every attempt.
 */
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/transfa/payout-service/pkg/circuitbreaker"
	"github.com/transfa/payout-service/pkg/metrics"
	"github.com/transfa/payout-service/pkg/processor"
	"github.com/transfa/payout-service/pkg/retry"
)

// TransferAPI is the subset of the processor API the payout-service uses.
type TransferAPI interface {
	CreateTransfer(ctx context.Context, req processor.TransferRequest) (*processor.Transfer, error)
	FindTransferByIdempotencyKey(ctx context.Context, key string) (*processor.Transfer, error)
	RetrieveAccount(ctx context.Context, accountID string) (*processor.Account, error)
}

// ProcessorGateway wraps a TransferAPI with a circuit breaker and a retry executor.
type ProcessorGateway struct {
	api     TransferAPI
	breaker *circuitbreaker.Breaker
	retrier *retry.Executor
	policy  retry.Policy
	metrics *metrics.Registry
	logger  *slog.Logger
}

// NewProcessorGateway creates a gateway. The policy's retryable set always includes
// processor infrastructure failures.
func NewProcessorGateway(api TransferAPI, breaker *circuitbreaker.Breaker, retrier *retry.Executor, policy retry.Policy, registry *metrics.Registry, logger *slog.Logger) *ProcessorGateway {
	policy.RetryableErrors = append([]error{processor.ErrInfrastructure}, policy.RetryableErrors...)
	return &ProcessorGateway{
		api:     api,
		breaker: breaker,
		retrier: retrier,
		policy:  policy,
		metrics: registry,
		logger:  logger,
	}
}

// Breaker exposes the processor breaker for health reporting.
func (g *ProcessorGateway) Breaker() *circuitbreaker.Breaker {
	return g.breaker
}

// CreateTransfer creates a transfer through the breaker and retry loop.
func (g *ProcessorGateway) CreateTransfer(ctx context.Context, req processor.TransferRequest) (*processor.Transfer, error) {
	return guarded(ctx, g, "create_transfer", func(ctx context.Context) (*processor.Transfer, error) {
		return g.api.CreateTransfer(ctx, req)
	})
}

// FindTransferByIdempotencyKey looks a transfer up through the breaker and retry loop.
func (g *ProcessorGateway) FindTransferByIdempotencyKey(ctx context.Context, key string) (*processor.Transfer, error) {
	return guarded(ctx, g, "find_transfer", func(ctx context.Context) (*processor.Transfer, error) {
		return g.api.FindTransferByIdempotencyKey(ctx, key)
	})
}

// RetrieveAccount fetches a connected account through the breaker and retry loop.
func (g *ProcessorGateway) RetrieveAccount(ctx context.Context, accountID string) (*processor.Account, error) {
	return guarded(ctx, g, "retrieve_account", func(ctx context.Context) (*processor.Account, error) {
		return g.api.RetrieveAccount(ctx, accountID)
	})
}

func guarded[T any](ctx context.Context, g *ProcessorGateway, op string, call func(ctx context.Context) (T, error)) (T, error) {
	start := time.Now()
	result, err := circuitbreaker.Call(ctx, g.breaker, func(ctx context.Context) (T, error) {
		return retry.Run(ctx, g.retrier, g.policy, func(ctx context.Context, attempt int) (T, error) {
			return call(ctx)
		})
	})
	g.metrics.Observe("processor_call_duration", time.Since(start), op)
	g.metrics.Inc("processor_calls", op, callOutcome(err))

	if err != nil && !errors.Is(err, processor.ErrTransferNotFound) {
		g.logger.Warn("processor call failed",
			"component", "processor_gateway",
			"operation", op,
			"breaker_state", string(g.breaker.State()),
			"error", err,
		)
	}
	return result, err
}

func callOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, circuitbreaker.ErrOpen):
		return "breaker_open"
	case processor.IsInfrastructure(err):
		return "infrastructure"
	default:
		return "rejected"
	}
}
