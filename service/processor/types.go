package processor

import "errors"

// Charge statuses reported by the processor.
const (
	ChargeSucceeded = "succeeded"
	ChargeDeclined  = "declined"
	ChargePending   = "pending"
)

// CardDetails carries raw card input on its way to tokenization.
// These values are forwarded to the processor and never persisted.
type CardDetails struct {
	Number   string `json:"number"`
	CVC      string `json:"cvc"`
	ExpMonth int    `json:"exp_month"`
	ExpYear  int    `json:"exp_year"`
}

// Token is a processor-issued opaque card reference plus display metadata.
type Token struct {
	ID       string `json:"id"`
	Brand    string `json:"brand"`
	Last4    string `json:"last4"`
	ExpMonth int    `json:"exp_month"`
	ExpYear  int    `json:"exp_year"`
}

// ChargeParams contains the parameters for charging a tokenized card.
// IdempotencyReference is forwarded as the processor-side idempotency key,
// so retrying the same logical charge is deduplicated by the processor too.
type ChargeParams struct {
	AmountMinor          int64
	Currency             string
	Token                string
	IdempotencyReference string
}

// Charge is the processor's record of a charge attempt.
type Charge struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

var (
	// ErrDeclined means the processor explicitly refused the charge.
	// This is a confirmed, unambiguous failure.
	ErrDeclined = errors.New("charge declined by processor")

	// ErrRejected means the processor rejected the request itself
	// (invalid card during tokenization, malformed request).
	ErrRejected = errors.New("request rejected by processor")

	// ErrUnavailable means the call failed in a way that leaves the outcome
	// unknown: timeout, connection failure, or a processor-side 5xx. The
	// charge may or may not have happened; the caller must reconcile before
	// treating it as either.
	ErrUnavailable = errors.New("processor unavailable, outcome unknown")

	// ErrChargeNotFound means the processor has no record of a charge for
	// the given idempotency reference.
	ErrChargeNotFound = errors.New("no charge found for reference")
)
