// Package models defines payment structures for the Virasat fulfillment engine.
package models

import "time"

// PaymentState represents the settlement state reported by the payment provider.
type PaymentState string

const (
	// PaymentStatePending means the order was created but not yet settled.
	PaymentStatePending PaymentState = "PENDING"
	// PaymentStateCompleted means the payment settled successfully. Terminal.
	PaymentStateCompleted PaymentState = "COMPLETED"
	// PaymentStateFailed means the payment failed or was abandoned. Terminal.
	PaymentStateFailed PaymentState = "FAILED"
)

// IsTerminal reports whether the state admits no further transitions.
func (s PaymentState) IsTerminal() bool {
	return s == PaymentStateCompleted || s == PaymentStateFailed
}

// PaymentOrder tracks one checkout attempt against the payment provider.
// State transitions only via status polling or webhook, and the row is
// immutable once COMPLETED or FAILED.
type PaymentOrder struct {
	MerchantOrderID string       `json:"merchant_order_id"`
	TrialID         string       `json:"trial_id"`
	AmountPaise     int64        `json:"amount_paise"`
	State           PaymentState `json:"state"`
	TransactionID   string       `json:"transaction_id,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// WebhookEvent is an idempotency ledger entry. A given key produces at most
// one side-effecting state transition no matter how often the provider
// redelivers the event.
type WebhookEvent struct {
	IdempotencyKey string    `json:"idempotency_key"`
	ProcessedAt    time.Time `json:"processed_at"`
}
