/**
 * @description
 * This file defines the `Repository` interface, the contract for every data access
 * operation the payout-service performs on earnings, payouts and payout destinations.
 * The settlement engine, the earnings recorder and the reconciler depend on this
 * interface rather than on PostgreSQL directly, so they can be tested with stubs.
 *
 * @dependencies
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/payout-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Earning methods
	// InsertEarning stores a PENDING earning. It reports false when an earning for the
	// same (source, source_ref) already exists.
	InsertEarning(ctx context.Context, earning *domain.Earning) (bool, error)
	RefundEarning(ctx context.Context, source, sourceRef string) error
	MatureEarnings(ctx context.Context, now time.Time) (int64, error)
	ListAvailableEarnings(ctx context.Context, currency string) ([]domain.Earning, error)
	GetCreatorBalance(ctx context.Context, creatorID uuid.UUID, currency string) (*domain.CreatorBalance, error)

	// Destination methods
	FindPayoutDestination(ctx context.Context, creatorID uuid.UUID) (*domain.PayoutDestination, error)

	// Payout methods
	HasActivePayout(ctx context.Context, creatorID uuid.UUID) (bool, error)
	// CreatePayoutWithEarnings inserts a PROCESSING payout and links its earnings in one
	// transaction. ErrEarningsChanged means another writer touched the earnings first.
	CreatePayoutWithEarnings(ctx context.Context, payout *domain.Payout) error
	MarkPayoutCompleted(ctx context.Context, payoutID uuid.UUID, transferID string) error
	MarkPayoutFailed(ctx context.Context, payoutID uuid.UUID, reason string) error
	FindPayoutByID(ctx context.Context, payoutID uuid.UUID) (*domain.Payout, error)
	ListStaleProcessingPayouts(ctx context.Context, olderThan time.Time, limit int) ([]domain.Payout, error)
}
