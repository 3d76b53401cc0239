package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/transfa/payout-service/internal/domain"
	"github.com/transfa/payout-service/internal/store"
	"github.com/transfa/payout-service/pkg/idempotency"
	"github.com/transfa/payout-service/pkg/metrics"
	"github.com/transfa/payout-service/pkg/processor"
	"github.com/transfa/payout-service/pkg/rabbitmq"
)

const (
	failureReconcileNotFound = "reconcile_transfer_not_found"
	reconcileBatchSize       = 100
)

// ReconcileResult summarises one reconciliation pass.
type ReconcileResult struct {
	Checked    int `json:"checked"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Unresolved int `json:"unresolved"`
}

// Reconciler resolves payouts left PROCESSING by a crash or an ambiguous processor
// failure, using the payout id as the processor idempotency key.
type Reconciler struct {
	repo       store.Repository
	processor  TransferAPI
	guard      Locker
	publisher  rabbitmq.Publisher
	metrics    *metrics.Registry
	logger     *slog.Logger
	staleAfter time.Duration
	now        func() time.Time
}

// NewReconciler creates a reconciler for payouts older than staleAfter.
func NewReconciler(repo store.Repository, processorAPI TransferAPI, guard Locker, publisher rabbitmq.Publisher, registry *metrics.Registry, logger *slog.Logger, staleAfter time.Duration) *Reconciler {
	return &Reconciler{
		repo:       repo,
		processor:  processorAPI,
		guard:      guard,
		publisher:  publisher,
		metrics:    registry,
		logger:     logger,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Run checks one batch of stale PROCESSING payouts.
func (r *Reconciler) Run(ctx context.Context) (*ReconcileResult, error) {
	cutoff := r.now().Add(-r.staleAfter)
	payouts, err := r.repo.ListStaleProcessingPayouts(ctx, cutoff, reconcileBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list stale payouts: %w", err)
	}

	result := &ReconcileResult{}
	for i := range payouts {
		payout := &payouts[i]
		result.Checked++
		switch r.reconcile(ctx, payout) {
		case outcomePaid:
			result.Completed++
		case outcomeFailed:
			result.Failed++
		default:
			result.Unresolved++
		}
	}

	if result.Checked > 0 {
		r.logger.Info("reconciliation pass finished",
			"component", "reconciler",
			"checked", result.Checked,
			"completed", result.Completed,
			"failed", result.Failed,
			"unresolved", result.Unresolved,
		)
	}
	return result, nil
}

func (r *Reconciler) reconcile(ctx context.Context, payout *domain.Payout) creatorOutcome {
	log := r.logger.With("component", "reconciler", "payout_id", payout.ID.String(), "creator_id", payout.CreatorID.String())

	transfer, err := r.processor.FindTransferByIdempotencyKey(ctx, payout.ID.String())
	if err != nil && !errors.Is(err, processor.ErrTransferNotFound) {
		log.Warn("transfer lookup failed; will retry next pass", "error", err)
		r.metrics.Inc("reconcile_payouts", "unresolved")
		return outcomeUnresolved
	}

	var reason string
	switch {
	case err != nil:
		reason = failureReconcileNotFound
	case transfer.Failed():
		reason = failureProcessorReported
	case !transfer.Paid():
		log.Info("transfer still in flight at processor", "transfer_status", transfer.Status)
		r.metrics.Inc("reconcile_payouts", "pending")
		return outcomeUnresolved
	}

	if reason != "" {
		if err := r.repo.MarkPayoutFailed(ctx, payout.ID, reason); err != nil {
			return r.markError(log, err)
		}
		payout.Status = domain.PayoutStatusFailed
		payout.FailureReason = &reason
		creatorKey := idempotency.PayoutCreatorKey(payout.CreatorID.String(), payout.SettlementDate)
		if err := r.guard.Release(ctx, creatorKey); err != nil {
			log.Error("failed to release creator payout lock", "key", creatorKey, "error", err)
		}
		r.metrics.Inc("reconcile_payouts", "failed")
		log.Warn("payout reconciled as failed", "reason", reason)
		r.publish(ctx, routingPayoutFailed, payout)
		return outcomeFailed
	}

	if err := r.repo.MarkPayoutCompleted(ctx, payout.ID, transfer.ID); err != nil {
		return r.markError(log, err)
	}
	payout.Status = domain.PayoutStatusCompleted
	payout.ProcessorTransferID = &transfer.ID
	r.metrics.Inc("reconcile_payouts", "completed")
	log.Info("payout reconciled as completed", "transfer_id", transfer.ID)
	r.publish(ctx, routingPayoutCompleted, payout)
	return outcomePaid
}

func (r *Reconciler) markError(log *slog.Logger, err error) creatorOutcome {
	if errors.Is(err, store.ErrPayoutNotProcessing) {
		log.Info("payout resolved concurrently; nothing to do")
	} else {
		log.Error("failed to record reconciliation outcome", "error", err)
	}
	r.metrics.Inc("reconcile_payouts", "unresolved")
	return outcomeUnresolved
}

func (r *Reconciler) publish(ctx context.Context, routingKey string, payout *domain.Payout) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.Publish(ctx, rabbitmq.PayoutEventsExchange, routingKey, domain.NewPayoutEvent(payout, r.now().UTC())); err != nil {
		r.logger.Warn("failed to publish payout event", "component", "reconciler", "payout_id", payout.ID.String(), "routing_key", routingKey, "error", err)
	}
}
