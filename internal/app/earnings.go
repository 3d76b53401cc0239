package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/payout-service/internal/domain"
	"github.com/transfa/payout-service/internal/store"
	"github.com/transfa/payout-service/pkg/metrics"
)

// ErrInvalidSaleEvent marks events that can never be recorded.
var ErrInvalidSaleEvent = errors.New("invalid sale event")

// EarningsRecorder turns sale events into creator earnings.
type EarningsRecorder struct {
	repo          store.Repository
	feePercent    decimal.Decimal
	holdingPeriod time.Duration
	metrics       *metrics.Registry
	logger        *slog.Logger
	now           func() time.Time
}

// NewEarningsRecorder creates a recorder charging feePercent of each sale and
// holding earnings for holdingPeriod before they can be paid out.
func NewEarningsRecorder(repo store.Repository, feePercent float64, holdingPeriod time.Duration, registry *metrics.Registry, logger *slog.Logger) *EarningsRecorder {
	return &EarningsRecorder{
		repo:          repo,
		feePercent:    decimal.NewFromFloat(feePercent),
		holdingPeriod: holdingPeriod,
		metrics:       registry,
		logger:        logger,
		now:           time.Now,
	}
}

// PlatformFee is gross * percent / 100 rounded half away from zero to whole kobo.
func PlatformFee(gross int64, percent decimal.Decimal) int64 {
	return decimal.NewFromInt(gross).
		Mul(percent).
		Div(decimal.NewFromInt(100)).
		Round(0).
		IntPart()
}

// RecordSale stores a PENDING earning for a completed sale. It reports false when
// the sale was already recorded.
func (r *EarningsRecorder) RecordSale(ctx context.Context, evt domain.SaleCompletedEvent) (*domain.Earning, bool, error) {
	source := strings.ToLower(strings.TrimSpace(evt.Source))
	saleID := strings.TrimSpace(evt.SaleID)
	switch {
	case source == "" || saleID == "":
		return nil, false, fmt.Errorf("%w: source and sale_id are required", ErrInvalidSaleEvent)
	case evt.CreatorID == uuid.Nil:
		return nil, false, fmt.Errorf("%w: creator_id is required", ErrInvalidSaleEvent)
	case evt.GrossAmount <= 0:
		return nil, false, fmt.Errorf("%w: gross_amount must be positive", ErrInvalidSaleEvent)
	}

	earnedAt := evt.OccurredAt.UTC()
	if evt.OccurredAt.IsZero() {
		earnedAt = r.now().UTC()
	}
	currency := strings.ToUpper(strings.TrimSpace(evt.Currency))
	if currency == "" {
		currency = "NGN"
	}

	fee := PlatformFee(evt.GrossAmount, r.feePercent)
	earning := &domain.Earning{
		ID:          uuid.New(),
		CreatorID:   evt.CreatorID,
		Source:      source,
		SourceRef:   saleID,
		GrossAmount: evt.GrossAmount,
		PlatformFee: fee,
		NetAmount:   evt.GrossAmount - fee,
		Currency:    currency,
		Status:      domain.EarningStatusPending,
		EarnedAt:    earnedAt,
		AvailableAt: earnedAt.Add(r.holdingPeriod),
	}

	inserted, err := r.repo.InsertEarning(ctx, earning)
	if err != nil {
		return nil, false, fmt.Errorf("insert earning: %w", err)
	}
	if !inserted {
		r.logger.Info("sale already recorded", "component", "earnings", "source", source, "sale_id", saleID)
		r.metrics.Inc("earnings_recorded", "duplicate")
		return nil, false, nil
	}

	r.metrics.Inc("earnings_recorded", "inserted")
	r.logger.Info("earning recorded",
		"component", "earnings",
		"earning_id", earning.ID.String(),
		"creator_id", earning.CreatorID.String(),
		"net_amount", earning.NetAmount,
		"available_at", earning.AvailableAt,
	)
	return earning, true, nil
}

// RefundSale reverses the earning for a refunded sale if it has not been paid out.
func (r *EarningsRecorder) RefundSale(ctx context.Context, evt domain.SaleRefundedEvent) error {
	source := strings.ToLower(strings.TrimSpace(evt.Source))
	saleID := strings.TrimSpace(evt.SaleID)
	if source == "" || saleID == "" {
		return fmt.Errorf("%w: source and sale_id are required", ErrInvalidSaleEvent)
	}

	if err := r.repo.RefundEarning(ctx, source, saleID); err != nil {
		r.metrics.Inc("earnings_refunds", "rejected")
		return err
	}
	r.metrics.Inc("earnings_refunds", "applied")
	r.logger.Info("earning refunded", "component", "earnings", "source", source, "sale_id", saleID)
	return nil
}
