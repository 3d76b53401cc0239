/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains the SQL for the earnings, payouts, payout_items and
 * payout_destinations tables.
 *
 * @notes
 * - Linking earnings to a payout and creating the payout row happen in the same
 *   transaction; the UPDATE only matches unlinked AVAILABLE earnings, so a row
 *   count mismatch means a concurrent writer got there first.
 * - A failed payout unlinks its earnings so the next settlement run picks them up.
 *   payout_items keeps the history of which earnings each payout covered.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/payout-service/internal/domain"
)

var (
	ErrEarningNotFound      = errors.New("earning not found")
	ErrEarningNotRefundable = errors.New("earning already paid out or linked to a payout")
	ErrDestinationNotFound  = errors.New("payout destination not found")
	ErrPayoutNotFound       = errors.New("payout not found")
	ErrPayoutInFlight       = errors.New("creator already has a payout in flight")
	ErrPayoutNotProcessing  = errors.New("payout is not processing")
	ErrEarningsChanged      = errors.New("earnings changed while creating payout")
)

//go:embed schema.sql
var Schema string

const payoutColumns = `
	id, creator_id, amount, fee, net_amount, currency, status, destination_account_id,
	period_start, period_end, settlement_date, processor_transfer_id, failure_reason, created_at, updated_at
`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	_, err := r.db.Exec(ctx, Schema)
	return err
}

// InsertEarning stores a new earning unless one already exists for its source reference.
func (r *PostgresRepository) InsertEarning(ctx context.Context, e *domain.Earning) (bool, error) {
	query := `
		INSERT INTO earnings (
			id, creator_id, source, source_ref, gross_amount, platform_fee, net_amount,
			currency, status, earned_at, available_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (source, source_ref) DO NOTHING
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		e.ID,
		e.CreatorID,
		e.Source,
		e.SourceRef,
		e.GrossAmount,
		e.PlatformFee,
		e.NetAmount,
		e.Currency,
		e.Status,
		e.EarnedAt,
		e.AvailableAt,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RefundEarning marks an unpaid, unlinked earning REFUNDED. Refunding an already
// refunded earning is a no-op.
func (r *PostgresRepository) RefundEarning(ctx context.Context, source, sourceRef string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE earnings
		SET status = 'REFUNDED', updated_at = NOW()
		WHERE source = $1
		  AND source_ref = $2
		  AND status IN ('PENDING', 'AVAILABLE')
		  AND payout_id IS NULL
	`, source, sourceRef)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var status domain.EarningStatus
	err = r.db.QueryRow(ctx, "SELECT status FROM earnings WHERE source = $1 AND source_ref = $2", source, sourceRef).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrEarningNotFound
		}
		return err
	}
	if status == domain.EarningStatusRefunded {
		return nil
	}
	return ErrEarningNotRefundable
}

// MatureEarnings moves PENDING earnings whose holding period has elapsed to AVAILABLE.
func (r *PostgresRepository) MatureEarnings(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE earnings
		SET status = 'AVAILABLE', updated_at = NOW()
		WHERE status = 'PENDING'
		  AND available_at <= $1
	`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListAvailableEarnings returns unlinked AVAILABLE earnings in the given currency,
// ordered by creator and earned_at.
func (r *PostgresRepository) ListAvailableEarnings(ctx context.Context, currency string) ([]domain.Earning, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, creator_id, source, source_ref, gross_amount, platform_fee, net_amount,
		       currency, status, earned_at, available_at, payout_id, created_at, updated_at
		FROM earnings
		WHERE status = 'AVAILABLE'
		  AND payout_id IS NULL
		  AND currency = $1
		ORDER BY creator_id, earned_at
	`, currency)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var earnings []domain.Earning
	for rows.Next() {
		var e domain.Earning
		if err := rows.Scan(
			&e.ID, &e.CreatorID, &e.Source, &e.SourceRef, &e.GrossAmount, &e.PlatformFee, &e.NetAmount,
			&e.Currency, &e.Status, &e.EarnedAt, &e.AvailableAt, &e.PayoutID, &e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, err
		}
		earnings = append(earnings, e)
	}
	return earnings, rows.Err()
}

// GetCreatorBalance sums a creator's earnings by settlement state.
func (r *PostgresRepository) GetCreatorBalance(ctx context.Context, creatorID uuid.UUID, currency string) (*domain.CreatorBalance, error) {
	balance := &domain.CreatorBalance{CreatorID: creatorID, Currency: currency}
	err := r.db.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(net_amount) FILTER (WHERE status = 'PENDING'), 0),
			COALESCE(SUM(net_amount) FILTER (WHERE status = 'AVAILABLE' AND payout_id IS NULL), 0),
			COALESCE(SUM(net_amount) FILTER (WHERE status = 'AVAILABLE' AND payout_id IS NOT NULL), 0),
			COALESCE(SUM(net_amount) FILTER (WHERE status = 'PAID'), 0)
		FROM earnings
		WHERE creator_id = $1 AND currency = $2
	`, creatorID, currency).Scan(
		&balance.PendingAmount,
		&balance.AvailableAmount,
		&balance.InFlightAmount,
		&balance.PaidAmount,
	)
	if err != nil {
		return nil, err
	}
	return balance, nil
}

// FindPayoutDestination retrieves where a creator's payouts are sent.
func (r *PostgresRepository) FindPayoutDestination(ctx context.Context, creatorID uuid.UUID) (*domain.PayoutDestination, error) {
	var dest domain.PayoutDestination
	err := r.db.QueryRow(ctx, `
		SELECT creator_id, processor_account_id, verified
		FROM payout_destinations
		WHERE creator_id = $1
	`, creatorID).Scan(&dest.CreatorID, &dest.ProcessorAccountID, &dest.Verified)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDestinationNotFound
		}
		return nil, err
	}
	return &dest, nil
}

// HasActivePayout reports whether the creator has a PENDING or PROCESSING payout.
func (r *PostgresRepository) HasActivePayout(ctx context.Context, creatorID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM payouts
			WHERE creator_id = $1 AND status IN ('PENDING', 'PROCESSING')
		)
	`, creatorID).Scan(&exists)
	return exists, err
}

// CreatePayoutWithEarnings inserts the payout and links its earnings atomically.
func (r *PostgresRepository) CreatePayoutWithEarnings(ctx context.Context, p *domain.Payout) error {
	if len(p.EarningIDs) == 0 {
		return fmt.Errorf("payout %s has no earnings", p.ID)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO payouts (
			id, creator_id, amount, fee, net_amount, currency, status, destination_account_id,
			period_start, period_end, settlement_date
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`,
		p.ID,
		p.CreatorID,
		p.Amount,
		p.Fee,
		p.NetAmount,
		p.Currency,
		p.Status,
		p.DestinationAccountID,
		p.PeriodStart,
		p.PeriodEnd,
		p.SettlementDate,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrPayoutInFlight
		}
		return err
	}

	ids := uuidStrings(p.EarningIDs)
	tag, err := tx.Exec(ctx, `
		UPDATE earnings
		SET payout_id = $1, updated_at = NOW()
		WHERE id = ANY($2::uuid[])
		  AND creator_id = $3
		  AND status = 'AVAILABLE'
		  AND payout_id IS NULL
	`, p.ID, ids, p.CreatorID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != int64(len(ids)) {
		return ErrEarningsChanged
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO payout_items (payout_id, earning_id, net_amount)
		SELECT $1, id, net_amount FROM earnings WHERE payout_id = $1
	`, p.ID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// MarkPayoutCompleted records the processor transfer and marks the covered earnings PAID.
func (r *PostgresRepository) MarkPayoutCompleted(ctx context.Context, payoutID uuid.UUID, transferID string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE payouts
		SET status = 'COMPLETED', processor_transfer_id = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'PROCESSING'
	`, payoutID, transferID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPayoutNotProcessing
	}

	if _, err := tx.Exec(ctx, `
		UPDATE earnings
		SET status = 'PAID', updated_at = NOW()
		WHERE payout_id = $1 AND status = 'AVAILABLE'
	`, payoutID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// MarkPayoutFailed records the failure reason and unlinks the covered earnings.
func (r *PostgresRepository) MarkPayoutFailed(ctx context.Context, payoutID uuid.UUID, reason string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE payouts
		SET status = 'FAILED', failure_reason = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'PROCESSING'
	`, payoutID, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPayoutNotProcessing
	}

	if _, err := tx.Exec(ctx, `
		UPDATE earnings
		SET payout_id = NULL, updated_at = NOW()
		WHERE payout_id = $1 AND status = 'AVAILABLE'
	`, payoutID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// FindPayoutByID retrieves a payout and the ids of the earnings it covered.
func (r *PostgresRepository) FindPayoutByID(ctx context.Context, payoutID uuid.UUID) (*domain.Payout, error) {
	p, err := scanPayout(r.db.QueryRow(ctx, "SELECT "+payoutColumns+" FROM payouts WHERE id = $1", payoutID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPayoutNotFound
		}
		return nil, err
	}

	ids, err := r.payoutEarningIDs(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	p.EarningIDs = ids
	return p, nil
}

// ListStaleProcessingPayouts returns PROCESSING payouts created before olderThan, oldest first.
func (r *PostgresRepository) ListStaleProcessingPayouts(ctx context.Context, olderThan time.Time, limit int) ([]domain.Payout, error) {
	rows, err := r.db.Query(ctx, "SELECT "+payoutColumns+`
		FROM payouts
		WHERE status = 'PROCESSING' AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payouts []domain.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range payouts {
		ids, err := r.payoutEarningIDs(ctx, payouts[i].ID)
		if err != nil {
			return nil, err
		}
		payouts[i].EarningIDs = ids
	}
	return payouts, nil
}

func (r *PostgresRepository) payoutEarningIDs(ctx context.Context, payoutID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, "SELECT earning_id FROM payout_items WHERE payout_id = $1 ORDER BY earning_id", payoutID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanPayout(row pgx.Row) (*domain.Payout, error) {
	var p domain.Payout
	err := row.Scan(
		&p.ID,
		&p.CreatorID,
		&p.Amount,
		&p.Fee,
		&p.NetAmount,
		&p.Currency,
		&p.Status,
		&p.DestinationAccountID,
		&p.PeriodStart,
		&p.PeriodEnd,
		&p.SettlementDate,
		&p.ProcessorTransferID,
		&p.FailureReason,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
