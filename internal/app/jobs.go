/**
 * @description
 * Scheduled job implementations for the payout-service. Each job is a thin
 * wrapper that builds a context, calls into the engine and logs the outcome;
 * cross-worker exclusion lives in the engine's idempotency locks, not here.
 */
package app

import (
	"context"
	"log/slog"
	"time"
)

// Settler runs settlements and maturation.
type Settler interface {
	Run(ctx context.Context, date time.Time) (*SettlementResult, error)
	Mature(ctx context.Context) (int64, error)
}

// PayoutReconciler resolves stale PROCESSING payouts.
type PayoutReconciler interface {
	Run(ctx context.Context) (*ReconcileResult, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	settler    Settler
	reconciler PayoutReconciler
	logger     *slog.Logger
	now        func() time.Time
}

// NewJobs creates a new Jobs runner.
func NewJobs(settler Settler, reconciler PayoutReconciler, logger *slog.Logger) *Jobs {
	return &Jobs{
		settler:    settler,
		reconciler: reconciler,
		logger:     logger,
		now:        time.Now,
	}
}

// RunSettlement settles the current UTC date.
func (j *Jobs) RunSettlement() {
	j.logger.Info("starting settlement job")
	ctx := context.Background()

	result, err := j.settler.Run(ctx, j.now().UTC())
	if err != nil {
		j.logger.Error("settlement job failed", "error", err)
		return
	}
	if result.LockHeld {
		j.logger.Info("settlement job skipped; period handled by another worker", "date", result.Date)
		return
	}

	j.logger.Info("settlement job finished", "date", result.Date, "paid", result.Paid, "failed", result.Failed)
}

// MatureEarnings releases earnings whose holding period has passed.
func (j *Jobs) MatureEarnings() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if _, err := j.settler.Mature(ctx); err != nil {
		j.logger.Error("earnings maturation job failed", "error", err)
	}
}

// ReconcilePayouts resolves payouts stuck in PROCESSING.
func (j *Jobs) ReconcilePayouts() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	result, err := j.reconciler.Run(ctx)
	if err != nil {
		j.logger.Error("payout reconciliation job failed", "error", err)
		return
	}
	if result.Unresolved > 0 {
		j.logger.Warn("payouts still unresolved after reconciliation", "count", result.Unresolved)
	}
}
