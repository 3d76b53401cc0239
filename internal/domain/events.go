package domain

import (
	"time"

	"github.com/google/uuid"
)

// SaleCompletedEvent is published by the storefront once a sale has settled and its
// webhook signature has been verified.
type SaleCompletedEvent struct {
	EventID     string    `json:"event_id"`
	Source      string    `json:"source"`
	SaleID      string    `json:"sale_id"`
	CreatorID   uuid.UUID `json:"creator_id"`
	GrossAmount int64     `json:"gross_amount"`
	Currency    string    `json:"currency"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// SaleRefundedEvent reverses a sale's earning if it has not been paid out yet.
type SaleRefundedEvent struct {
	EventID    string    `json:"event_id"`
	Source     string    `json:"source"`
	SaleID     string    `json:"sale_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// PayoutEvent is published after a payout reaches a terminal state.
type PayoutEvent struct {
	PayoutID            uuid.UUID    `json:"payout_id"`
	CreatorID           uuid.UUID    `json:"creator_id"`
	Status              PayoutStatus `json:"status"`
	Amount              int64        `json:"amount"`
	Fee                 int64        `json:"fee"`
	NetAmount           int64        `json:"net_amount"`
	Currency            string       `json:"currency"`
	ProcessorTransferID string       `json:"processor_transfer_id,omitempty"`
	FailureReason       string       `json:"failure_reason,omitempty"`
	OccurredAt          time.Time    `json:"occurred_at"`
}

// NewPayoutEvent builds the event for p's current state.
func NewPayoutEvent(p *Payout, occurredAt time.Time) PayoutEvent {
	evt := PayoutEvent{
		PayoutID:   p.ID,
		CreatorID:  p.CreatorID,
		Status:     p.Status,
		Amount:     p.Amount,
		Fee:        p.Fee,
		NetAmount:  p.NetAmount,
		Currency:   p.Currency,
		OccurredAt: occurredAt,
	}
	if p.ProcessorTransferID != nil {
		evt.ProcessorTransferID = *p.ProcessorTransferID
	}
	if p.FailureReason != nil {
		evt.FailureReason = *p.FailureReason
	}
	return evt
}
