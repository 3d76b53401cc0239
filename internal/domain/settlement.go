/**
 * @description
 * This file defines the core domain models for the payout-service: creator
 * earnings, the payouts that settle them, and payout destinations.
 *
 * @notes
 * - Amounts are stored as `int64` in the smallest currency unit (kobo), which
 *   avoids floating-point inaccuracies with financial data.
 * - Earning status only moves forward: PENDING -> AVAILABLE -> PAID, or REFUNDED
 *   from any state before PAID.
 * - Payout status only moves forward: PENDING -> PROCESSING -> COMPLETED | FAILED.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// EarningStatus is the lifecycle state of an earning.
type EarningStatus string

const (
	EarningStatusPending   EarningStatus = "PENDING"
	EarningStatusAvailable EarningStatus = "AVAILABLE"
	EarningStatusPaid      EarningStatus = "PAID"
	EarningStatusRefunded  EarningStatus = "REFUNDED"
)

// PayoutStatus is the lifecycle state of a payout.
type PayoutStatus string

const (
	PayoutStatusPending    PayoutStatus = "PENDING"
	PayoutStatusProcessing PayoutStatus = "PROCESSING"
	PayoutStatusCompleted  PayoutStatus = "COMPLETED"
	PayoutStatusFailed     PayoutStatus = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s PayoutStatus) Terminal() bool {
	return s == PayoutStatusCompleted || s == PayoutStatusFailed
}

// Earning is one creator's share of a completed sale.
// This struct maps directly to the `earnings` table.
type Earning struct {
	ID          uuid.UUID     `json:"id"`
	CreatorID   uuid.UUID     `json:"creator_id"`
	Source      string        `json:"source"`     // e.g., 'storefront', 'subscriptions'
	SourceRef   string        `json:"source_ref"` // sale id in the source system
	GrossAmount int64         `json:"gross_amount"`
	PlatformFee int64         `json:"platform_fee"`
	NetAmount   int64         `json:"net_amount"`
	Currency    string        `json:"currency"`
	Status      EarningStatus `json:"status"`
	EarnedAt    time.Time     `json:"earned_at"`
	AvailableAt time.Time     `json:"available_at"`
	PayoutID    *uuid.UUID    `json:"payout_id,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Payout is a single transfer to a creator covering a set of earnings.
// This struct maps to the `payouts` table plus its `payout_items` rows.
type Payout struct {
	ID                   uuid.UUID    `json:"id"`
	CreatorID            uuid.UUID    `json:"creator_id"`
	Amount               int64        `json:"amount"` // sum of covered earnings' net amounts
	Fee                  int64        `json:"fee"`
	NetAmount            int64        `json:"net_amount"` // amount - fee, the value transferred
	Currency             string       `json:"currency"`
	Status               PayoutStatus `json:"status"`
	EarningIDs           []uuid.UUID  `json:"earning_ids"`
	DestinationAccountID string       `json:"destination_account_id"`
	PeriodStart          time.Time    `json:"period_start"`
	PeriodEnd            time.Time    `json:"period_end"`
	SettlementDate       time.Time    `json:"settlement_date"` // run date; keys the creator lock
	ProcessorTransferID  *string      `json:"processor_transfer_id,omitempty"`
	FailureReason        *string      `json:"failure_reason,omitempty"`
	CreatedAt            time.Time    `json:"created_at"`
	UpdatedAt            time.Time    `json:"updated_at"`
}

// PayoutDestination is where a creator's payouts are sent.
type PayoutDestination struct {
	CreatorID          uuid.UUID `json:"creator_id"`
	ProcessorAccountID string    `json:"processor_account_id"`
	Verified           bool      `json:"verified"`
}

// CreatorBalance summarises a creator's unpaid earnings.
type CreatorBalance struct {
	CreatorID       uuid.UUID `json:"creator_id"`
	PendingAmount   int64     `json:"pending_amount"`
	AvailableAmount int64     `json:"available_amount"`
	InFlightAmount  int64     `json:"in_flight_amount"` // linked to a PROCESSING payout
	PaidAmount      int64     `json:"paid_amount"`
	Currency        string    `json:"currency"`
}
