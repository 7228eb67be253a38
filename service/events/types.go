package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/perchpay/perch/service/db"
)

// TransferEvent represents a transfer reaching a terminal state giving it a
// place on the "transfers.{sender_id}" JetStream subject. Only durably
// recorded outcomes are published; nothing is announced from in-memory state.
type TransferEvent struct {
	TransactionID     uuid.UUID `json:"transaction_id"`
	SenderID          uuid.UUID `json:"sender_id"`
	RecipientID       uuid.UUID `json:"recipient_id"`
	AmountMinor       int64     `json:"amount_minor"`
	Currency          string    `json:"currency"`
	Status            string    `json:"status"`
	ProcessorChargeID *string   `json:"processor_charge_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	PublishedAt       time.Time `json:"published_at"`
}

// FromTransaction converts a ledger transaction to a TransferEvent for publishing.
func FromTransaction(txn *db.Transaction) *TransferEvent {
	return &TransferEvent{
		TransactionID:     txn.ID,
		SenderID:          txn.SenderID,
		RecipientID:       txn.RecipientID,
		AmountMinor:       txn.AmountMinor,
		Currency:          txn.Currency,
		Status:            txn.Status,
		ProcessorChargeID: txn.ProcessorChargeID,
		CreatedAt:         txn.CreatedAt,
		PublishedAt:       time.Now().UTC(),
	}
}
