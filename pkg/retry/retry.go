/**
 * @description
 * Package retry runs an operation with bounded, jittered exponential backoff.
 * Only errors the policy marks as retryable are retried; anything else returns on
 * first occurrence. Callers are responsible for passing an idempotency token that
 * is stable across attempts so a retried call cannot duplicate its effect.
 */
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/transfa/payout-service/pkg/metrics"
)

// Policy bounds an operation's retries.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// RetryableErrors are matched with errors.Is.
	RetryableErrors []error
	// IsRetryable is consulted when no RetryableErrors entry matches.
	IsRetryable func(error) bool
}

// RetryAfterError is implemented by errors that carry a server-provided wait.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// Executor runs operations under a Policy.
type Executor struct {
	name    string
	sleep   func(ctx context.Context, d time.Duration) error
	jitter  func(d time.Duration) time.Duration
	metrics *metrics.Registry
	logger  *slog.Logger
}

// Option customises an Executor.
type Option func(*Executor)

// WithSleep replaces the context-aware sleep, mainly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = sleep }
}

// WithJitter replaces the jitter function, mainly for tests.
func WithJitter(jitter func(d time.Duration) time.Duration) Option {
	return func(e *Executor) { e.jitter = jitter }
}

// NewExecutor creates an executor. name tags its log lines and metrics.
func NewExecutor(name string, registry *metrics.Registry, logger *slog.Logger, opts ...Option) *Executor {
	e := &Executor{
		name:    name,
		sleep:   sleepContext,
		jitter:  equalJitter,
		metrics: registry,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Do runs op until it succeeds, fails with a non-retryable error, exhausts the
// policy or ctx is done. The last error is returned unwrapped.
func (e *Executor) Do(ctx context.Context, policy Policy, op func(ctx context.Context, attempt int) error) error {
	_, err := Run(ctx, e, policy, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, op(ctx, attempt)
	})
	return err
}

// Run is Do for operations that return a value.
func Run[T any](ctx context.Context, e *Executor, policy Policy, op func(ctx context.Context, attempt int) (T, error)) (T, error) {
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var zero T
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := op(ctx, attempt)
		if err == nil {
			if attempt > 1 {
				e.metrics.Inc("retry_recovered", e.name)
			}
			return result, nil
		}
		lastErr = err

		if !policy.retryable(err) {
			e.metrics.Inc("retry_permanent_failure", e.name)
			return zero, err
		}
		if attempt == maxAttempts {
			break
		}

		delay := e.delay(policy, attempt, err)
		e.metrics.Inc("retry_attempts", e.name)
		e.logger.Warn("retrying after transient failure",
			"component", "retry",
			"operation", e.name,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"delay_ms", delay.Milliseconds(),
			"error", err,
		)
		if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
			return zero, lastErr
		}
	}

	e.metrics.Inc("retry_exhausted", e.name)
	return zero, lastErr
}

// Backoff returns min(maxDelay, baseDelay * 2^(attempt-1)) before jitter.
func Backoff(base, maxDelay time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if maxDelay > 0 && delay >= maxDelay {
			return maxDelay
		}
	}
	if maxDelay > 0 && delay > maxDelay {
		return maxDelay
	}
	return delay
}

func (e *Executor) delay(policy Policy, attempt int, err error) time.Duration {
	var hinted RetryAfterError
	if errors.As(err, &hinted) {
		if wait := hinted.RetryAfter(); wait > 0 {
			if policy.MaxDelay > 0 && wait > policy.MaxDelay {
				return policy.MaxDelay
			}
			return wait
		}
	}
	return e.jitter(Backoff(policy.BaseDelay, policy.MaxDelay, attempt))
}

func (p Policy) retryable(err error) bool {
	for _, target := range p.RetryableErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	if p.IsRetryable != nil {
		return p.IsRetryable(err)
	}
	return false
}

// equalJitter keeps half the delay and randomises the rest, so delays stay in [d/2, d].
func equalJitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + rand.N(d-half+1)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
