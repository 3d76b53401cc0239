/**
 * @description
 * SettlementEngine matures creator earnings and pays out available balances.
 * A run for a settlement date is guarded twice: once for the whole period and
 * once per creator, so overlapping runs on several workers move each eligible
 * amount at most once.
 *
 * @notes
 * - The PROCESSING payout row and its earning links are committed before the
 *   processor is called. The payout id doubles as the processor idempotency key.
 * - Once the period lock is held the run ignores caller cancellation; abandoning
 *   the creator loop half way would strand locks and PROCESSING rows.
 * - Locks are released only on failure paths. A successful run keeps both locks
 *   until their TTL expires, which is what stops a second run for the same date.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/payout-service/internal/domain"
	"github.com/transfa/payout-service/internal/store"
	"github.com/transfa/payout-service/pkg/circuitbreaker"
	"github.com/transfa/payout-service/pkg/idempotency"
	"github.com/transfa/payout-service/pkg/metrics"
	"github.com/transfa/payout-service/pkg/processor"
	"github.com/transfa/payout-service/pkg/rabbitmq"
)

const (
	// PeriodLockTTL bounds a settlement run for one date.
	PeriodLockTTL = 24 * time.Hour
	// CreatorLockTTL keeps a paid creator from being paid again for the same date.
	CreatorLockTTL = 24 * time.Hour

	failureProcessorUnavailable = "processor_unavailable"
	failureProcessorReported    = "processor_reported_failed"

	routingPayoutCompleted = "payout.completed"
	routingPayoutFailed    = "payout.failed"
)

// Locker is the idempotency guard as seen by the settlement and webhook flows.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration, policy idempotency.FailurePolicy) (bool, error)
	Release(ctx context.Context, key string) error
}

// SettlementConfig holds the money rules for a settlement run.
type SettlementConfig struct {
	Currency      string
	MinimumPayout int64
	PayoutFee     int64
}

// SettlementResult summarises one run.
type SettlementResult struct {
	Date       string      `json:"date"`
	LockHeld   bool        `json:"lock_held"` // another worker already owns this date
	Matured    int64       `json:"matured"`
	Creators   int         `json:"creators"`
	Paid       int         `json:"paid"`
	Failed     int         `json:"failed"`
	Skipped    int         `json:"skipped"`
	Unresolved int         `json:"unresolved"` // left PROCESSING for the reconciler
	PaidAmount int64       `json:"paid_amount"`
	PayoutIDs  []uuid.UUID `json:"payout_ids"`
}

type creatorOutcome int

const (
	outcomeSkipped creatorOutcome = iota
	outcomePaid
	outcomeFailed
	outcomeUnresolved
)

// SettlementEngine runs settlements.
type SettlementEngine struct {
	repo      store.Repository
	guard     Locker
	processor TransferAPI
	publisher rabbitmq.Publisher
	metrics   *metrics.Registry
	logger    *slog.Logger
	config    SettlementConfig
	now       func() time.Time
}

// NewSettlementEngine creates a settlement engine.
func NewSettlementEngine(repo store.Repository, guard Locker, processorAPI TransferAPI, publisher rabbitmq.Publisher, registry *metrics.Registry, logger *slog.Logger, cfg SettlementConfig) *SettlementEngine {
	return &SettlementEngine{
		repo:      repo,
		guard:     guard,
		processor: processorAPI,
		publisher: publisher,
		metrics:   registry,
		logger:    logger,
		config:    cfg,
		now:       time.Now,
	}
}

// Mature moves PENDING earnings past their holding period to AVAILABLE.
func (e *SettlementEngine) Mature(ctx context.Context) (int64, error) {
	n, err := e.repo.MatureEarnings(ctx, e.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("mature earnings: %w", err)
	}
	if n > 0 {
		e.metrics.Add("earnings_matured", n)
		e.logger.Info("earnings matured", "component", "settlement", "count", n)
	}
	return n, nil
}

// Run settles the given date. If another worker holds the date the run is a
// successful no-op with LockHeld set.
func (e *SettlementEngine) Run(ctx context.Context, date time.Time) (*SettlementResult, error) {
	start := e.now()
	result := &SettlementResult{Date: idempotency.FormatDate(date)}

	periodKey := idempotency.PayoutPeriodKey(date)
	acquired, err := e.guard.Acquire(ctx, periodKey, PeriodLockTTL, idempotency.FailClosed)
	if err != nil {
		return nil, fmt.Errorf("acquire settlement period lock: %w", err)
	}
	if !acquired {
		e.logger.Info("settlement already running or done for period", "component", "settlement", "date", result.Date)
		e.metrics.Inc("settlement_runs", "lock_held")
		result.LockHeld = true
		return result, nil
	}

	ctx = context.WithoutCancel(ctx)
	e.logger.Info("settlement run started", "component", "settlement", "date", result.Date)

	matured, err := e.Mature(ctx)
	if err != nil {
		e.releaseLock(ctx, periodKey)
		return nil, err
	}
	result.Matured = matured

	earnings, err := e.repo.ListAvailableEarnings(ctx, e.config.Currency)
	if err != nil {
		e.releaseLock(ctx, periodKey)
		return nil, fmt.Errorf("list available earnings: %w", err)
	}

	groups := groupByCreator(earnings)
	result.Creators = len(groups)
	for _, group := range groups {
		payout, outcome := e.settleCreator(ctx, date, group)
		switch outcome {
		case outcomePaid:
			result.Paid++
			result.PaidAmount += payout.NetAmount
		case outcomeFailed:
			result.Failed++
		case outcomeUnresolved:
			result.Unresolved++
		default:
			result.Skipped++
		}
		if payout != nil {
			result.PayoutIDs = append(result.PayoutIDs, payout.ID)
		}
	}

	e.metrics.Inc("settlement_runs", "completed")
	e.metrics.Observe("settlement_run_duration", e.now().Sub(start))
	e.logger.Info("settlement run finished",
		"component", "settlement",
		"date", result.Date,
		"creators", result.Creators,
		"paid", result.Paid,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"unresolved", result.Unresolved,
		"paid_amount", result.PaidAmount,
	)
	return result, nil
}

type creatorEarnings struct {
	creatorID uuid.UUID
	earnings  []domain.Earning
	total     int64
}

// groupByCreator keeps creators in first-seen order.
func groupByCreator(earnings []domain.Earning) []*creatorEarnings {
	index := make(map[uuid.UUID]*creatorEarnings)
	var groups []*creatorEarnings
	for _, earning := range earnings {
		group, ok := index[earning.CreatorID]
		if !ok {
			group = &creatorEarnings{creatorID: earning.CreatorID}
			index[earning.CreatorID] = group
			groups = append(groups, group)
		}
		group.earnings = append(group.earnings, earning)
		group.total += earning.NetAmount
	}
	return groups
}

func (e *SettlementEngine) settleCreator(ctx context.Context, date time.Time, group *creatorEarnings) (*domain.Payout, creatorOutcome) {
	log := e.logger.With("component", "settlement", "creator_id", group.creatorID.String())

	if group.total < e.config.MinimumPayout || group.total <= e.config.PayoutFee {
		log.Info("balance below payout minimum; skipping", "balance", group.total, "minimum", e.config.MinimumPayout)
		return nil, outcomeSkipped
	}

	creatorKey := idempotency.PayoutCreatorKey(group.creatorID.String(), date)
	acquired, err := e.guard.Acquire(ctx, creatorKey, CreatorLockTTL, idempotency.FailClosed)
	if err != nil {
		log.Error("failed to acquire creator payout lock", "key", creatorKey, "error", err)
		return nil, outcomeSkipped
	}
	if !acquired {
		log.Info("creator already settled for period; skipping", "key", creatorKey)
		return nil, outcomeSkipped
	}

	destination, ok := e.eligibleDestination(ctx, log, group.creatorID, creatorKey)
	if !ok {
		return nil, outcomeSkipped
	}

	payout := buildPayout(group, destination, date, e.config)
	if err := e.repo.CreatePayoutWithEarnings(ctx, payout); err != nil {
		switch {
		case errors.Is(err, store.ErrPayoutInFlight), errors.Is(err, store.ErrEarningsChanged):
			log.Info("payout conflict; skipping", "error", err)
		default:
			log.Error("failed to create payout", "error", err)
		}
		e.releaseLock(ctx, creatorKey)
		return nil, outcomeSkipped
	}
	log = log.With("payout_id", payout.ID.String())
	e.metrics.Inc("payouts_created")

	transfer, err := e.processor.CreateTransfer(ctx, processor.TransferRequest{
		Amount:      payout.NetAmount,
		Currency:    payout.Currency,
		Destination: payout.DestinationAccountID,
		Description: "Creator payout " + idempotency.FormatDate(date),
		Metadata: map[string]string{
			"payout_id":  payout.ID.String(),
			"creator_id": payout.CreatorID.String(),
		},
		IdempotencyKey: payout.ID.String(),
	})
	if err != nil && outcomeUnknown(err) {
		// The request may have reached the processor. Ask before deciding.
		transfer, err = e.lookupAfterAmbiguousFailure(ctx, log, payout, err)
		if transfer == nil && err == nil {
			return payout, outcomeUnresolved
		}
	}

	if err != nil {
		reason := transferFailureReason(err)
		return payout, e.failPayout(ctx, log, payout, creatorKey, reason)
	}
	if transfer.Failed() {
		reason := failureProcessorReported
		if transfer.FailureCode != "" {
			reason = "processor_rejected:" + transfer.FailureCode
		}
		return payout, e.failPayout(ctx, log, payout, creatorKey, reason)
	}
	if !transfer.Paid() {
		// Accepted but not settled. Earnings stay linked until the reconciler sees a final status.
		log.Info("transfer accepted but not yet paid; leaving payout processing", "transfer_id", transfer.ID, "transfer_status", transfer.Status)
		e.metrics.Inc("payouts_in_flight", transfer.Status)
		return payout, outcomeUnresolved
	}

	if err := e.repo.MarkPayoutCompleted(ctx, payout.ID, transfer.ID); err != nil {
		log.Error("transfer created but payout not marked completed; leaving for reconciler", "transfer_id", transfer.ID, "error", err)
		return payout, outcomeUnresolved
	}
	payout.Status = domain.PayoutStatusCompleted
	payout.ProcessorTransferID = &transfer.ID
	e.metrics.Inc("payouts_completed")
	e.metrics.Add("payout_amount_paid", payout.NetAmount)
	log.Info("payout completed", "transfer_id", transfer.ID, "net_amount", payout.NetAmount)
	e.publish(ctx, routingPayoutCompleted, payout)
	return payout, outcomePaid
}

// eligibleDestination returns the creator's verified payout account. An
// unverifiable destination is skipped with the creator lock kept, except when the
// processor itself could not be asked.
func (e *SettlementEngine) eligibleDestination(ctx context.Context, log *slog.Logger, creatorID uuid.UUID, creatorKey string) (*domain.PayoutDestination, bool) {
	active, err := e.repo.HasActivePayout(ctx, creatorID)
	if err != nil {
		log.Error("failed to check in-flight payouts", "error", err)
		e.releaseLock(ctx, creatorKey)
		return nil, false
	}
	if active {
		log.Info("creator has a payout in flight; skipping")
		return nil, false
	}

	destination, err := e.repo.FindPayoutDestination(ctx, creatorID)
	if err != nil {
		if errors.Is(err, store.ErrDestinationNotFound) {
			log.Info("creator has no payout destination; skipping")
			return nil, false
		}
		log.Error("failed to load payout destination", "error", err)
		e.releaseLock(ctx, creatorKey)
		return nil, false
	}
	if !destination.Verified {
		log.Info("payout destination not verified; skipping")
		return nil, false
	}

	account, err := e.processor.RetrieveAccount(ctx, destination.ProcessorAccountID)
	if err != nil {
		if processor.IsBusinessRejection(err) {
			log.Info("processor rejected payout destination; skipping", "error", err)
			return nil, false
		}
		log.Warn("could not verify payout destination with processor; will retry next run", "error", err)
		e.releaseLock(ctx, creatorKey)
		return nil, false
	}
	if !account.Verified() {
		log.Info("processor account cannot receive payouts; skipping", "account_id", account.ID)
		return nil, false
	}
	return destination, true
}

func (e *SettlementEngine) lookupAfterAmbiguousFailure(ctx context.Context, log *slog.Logger, payout *domain.Payout, callErr error) (*processor.Transfer, error) {
	transfer, err := e.processor.FindTransferByIdempotencyKey(ctx, payout.ID.String())
	switch {
	case err == nil:
		log.Info("transfer found after ambiguous failure", "transfer_id", transfer.ID, "status", transfer.Status)
		return transfer, nil
	case errors.Is(err, processor.ErrTransferNotFound):
		return nil, callErr
	default:
		log.Warn("transfer outcome unknown; leaving payout processing for reconciler", "error", callErr, "lookup_error", err)
		e.metrics.Inc("payouts_unresolved")
		return nil, nil
	}
}

func (e *SettlementEngine) failPayout(ctx context.Context, log *slog.Logger, payout *domain.Payout, creatorKey, reason string) creatorOutcome {
	if err := e.repo.MarkPayoutFailed(ctx, payout.ID, reason); err != nil {
		log.Error("failed to mark payout failed; leaving for reconciler", "reason", reason, "error", err)
		return outcomeUnresolved
	}
	payout.Status = domain.PayoutStatusFailed
	payout.FailureReason = &reason
	e.releaseLock(ctx, creatorKey)
	e.metrics.Inc("payouts_failed", reason)
	log.Warn("payout failed", "reason", reason)
	e.publish(ctx, routingPayoutFailed, payout)
	return outcomeFailed
}

func (e *SettlementEngine) publish(ctx context.Context, routingKey string, payout *domain.Payout) {
	if e.publisher == nil {
		return
	}
	evt := domain.NewPayoutEvent(payout, e.now().UTC())
	if err := e.publisher.Publish(ctx, rabbitmq.PayoutEventsExchange, routingKey, evt); err != nil {
		e.logger.Warn("failed to publish payout event", "component", "settlement", "payout_id", payout.ID.String(), "routing_key", routingKey, "error", err)
	}
}

func (e *SettlementEngine) releaseLock(ctx context.Context, key string) {
	if err := e.guard.Release(ctx, key); err != nil {
		e.logger.Error("failed to release idempotency lock", "component", "settlement", "key", key, "error", err)
	}
}

func buildPayout(group *creatorEarnings, destination *domain.PayoutDestination, date time.Time, cfg SettlementConfig) *domain.Payout {
	payout := &domain.Payout{
		ID:                   uuid.New(),
		CreatorID:            group.creatorID,
		Amount:               group.total,
		Fee:                  cfg.PayoutFee,
		NetAmount:            group.total - cfg.PayoutFee,
		Currency:             cfg.Currency,
		Status:               domain.PayoutStatusProcessing,
		DestinationAccountID: destination.ProcessorAccountID,
		SettlementDate:       idempotency.TruncateDate(date),
		EarningIDs:           make([]uuid.UUID, 0, len(group.earnings)),
	}
	for i, earning := range group.earnings {
		payout.EarningIDs = append(payout.EarningIDs, earning.ID)
		if i == 0 || earning.EarnedAt.Before(payout.PeriodStart) {
			payout.PeriodStart = earning.EarnedAt
		}
		if earning.EarnedAt.After(payout.PeriodEnd) {
			payout.PeriodEnd = earning.EarnedAt
		}
	}
	return payout
}

// outcomeUnknown reports whether a failed transfer request may still have been
// executed by the processor.
func outcomeUnknown(err error) bool {
	if errors.Is(err, circuitbreaker.ErrOpen) || !processor.IsInfrastructure(err) {
		return false
	}
	var apiErr *processor.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == 429 {
		return false
	}
	return true
}

func transferFailureReason(err error) string {
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return failureProcessorUnavailable
	}
	return processor.FailureCode(err)
}
