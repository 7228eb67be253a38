package transfer

import "errors"

var (
	// ErrValidation indicates the transfer request failed structural
	// validation and no transaction row was created.
	ErrValidation = errors.New("invalid transfer request")

	// ErrRecipientNotFound indicates the recipient email does not match any
	// account.
	ErrRecipientNotFound = errors.New("recipient not found")

	// ErrPaymentMethodNotFound indicates the referenced payment method does
	// not exist.
	ErrPaymentMethodNotFound = errors.New("payment method not found")

	// ErrForbidden indicates the payment method exists but belongs to a
	// different account than the sender.
	ErrForbidden = errors.New("payment method not owned by sender")

	// ErrChargeDeclined indicates the processor definitively declined the
	// charge. The transaction is recorded with status failed and the sender
	// was not charged.
	ErrChargeDeclined = errors.New("charge declined")

	// ErrConcurrentDuplicate indicates another execution with the same
	// idempotency key is in flight and has not yet reached a terminal
	// status.
	ErrConcurrentDuplicate = errors.New("duplicate transfer in flight")

	// ErrReconciliationRequired indicates the charge outcome could not be
	// determined within the reconciliation budget. The transaction is
	// parked as failed_ambiguous and the sender may or may not have been
	// charged; an operator-driven reconciliation must finalize it.
	ErrReconciliationRequired = errors.New("charge outcome unknown, reconciliation required")
)
