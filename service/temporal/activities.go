package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/perchpay/perch/service/db"
	"github.com/perchpay/perch/service/events"
	"github.com/perchpay/perch/service/metrics"
	"github.com/perchpay/perch/service/processor"
	"github.com/perchpay/perch/service/transfer"
)

// GetUnsettledTransactionInput contains parameters for the GetUnsettledTransaction activity.
type GetUnsettledTransactionInput struct {
	TransactionID string `json:"transaction_id"`
}

// GetUnsettledTransactionResult describes the transaction under reconciliation.
type GetUnsettledTransactionResult struct {
	TransactionID  string `json:"transaction_id"`
	Status         string `json:"status"`
	IdempotencyKey string `json:"idempotency_key"`
	AmountMinor    int64  `json:"amount_minor"`
	Currency       string `json:"currency"`
}

// CheckChargeInput contains parameters for the CheckCharge activity.
type CheckChargeInput struct {
	// IdempotencyReference is the processor-side charge reference, which is
	// the transaction id.
	IdempotencyReference string `json:"idempotency_reference"`
}

// CheckChargeResult reports what the processor knows about the charge.
type CheckChargeResult struct {
	Found    bool   `json:"found"`
	Status   string `json:"status,omitempty"`
	ChargeID string `json:"charge_id,omitempty"`
}

// FinalizeTransactionInput contains parameters for the FinalizeTransaction activity.
type FinalizeTransactionInput struct {
	TransactionID string `json:"transaction_id"`
	// FromStatus is the status the transaction was observed at when the
	// workflow loaded it. Defaults to failed_ambiguous when empty.
	FromStatus        string  `json:"from_status,omitempty"`
	Outcome           string  `json:"outcome"` // "completed" or "failed"
	ProcessorChargeID *string `json:"processor_charge_id,omitempty"`
}

// FinalizeTransactionResult contains the finalized status.
type FinalizeTransactionResult struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
}

// StoreInterface defines the database operations needed by activities.
// This allows for easy mocking in tests.
type StoreInterface interface {
	GetTransaction(ctx context.Context, id uuid.UUID) (*db.Transaction, error)
	TransitionStatus(ctx context.Context, params db.TransitionStatusParams) (*db.Transaction, error)
	ResolveIdempotencyKey(ctx context.Context, key string, transactionID uuid.UUID, outcome string) error
}

// ProcessorInterface defines the processor operations needed by activities.
type ProcessorInterface interface {
	GetChargeStatus(ctx context.Context, idempotencyReference string) (*processor.Charge, error)
}

// PublisherInterface defines the event publishing operations needed by activities.
type PublisherInterface interface {
	PublishTransferEvent(ctx context.Context, event *events.TransferEvent) error
}

// Activities holds the dependencies needed by Temporal activities.
// All dependencies are explicit.
type Activities struct {
	store     StoreInterface
	processor ProcessorInterface
	publisher PublisherInterface
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded.
func NewActivities(store StoreInterface, proc ProcessorInterface, publisher PublisherInterface, m *metrics.Metrics, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		store:     store,
		processor: proc,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

// GetUnsettledTransaction loads the transaction under reconciliation and
// reports its current status.
func (a *Activities) GetUnsettledTransaction(ctx context.Context, input GetUnsettledTransactionInput) (*GetUnsettledTransactionResult, error) {
	id, err := uuid.Parse(input.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("invalid transaction id %q: %w", input.TransactionID, err)
	}
	txn, err := a.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", id, err)
	}
	return &GetUnsettledTransactionResult{
		TransactionID:  txn.ID.String(),
		Status:         txn.Status,
		IdempotencyKey: txn.IdempotencyKey,
		AmountMinor:    txn.AmountMinor,
		Currency:       txn.Currency,
	}, nil
}

// CheckCharge asks the processor for the true outcome of the charge. A charge
// the processor has never seen is reported as not found rather than an error,
// since that is a definitive answer.
func (a *Activities) CheckCharge(ctx context.Context, input CheckChargeInput) (*CheckChargeResult, error) {
	ch, err := a.processor.GetChargeStatus(ctx, input.IdempotencyReference)
	if errors.Is(err, processor.ErrChargeNotFound) {
		a.logger.Info("charge not found on processor",
			"idempotency_reference", input.IdempotencyReference)
		return &CheckChargeResult{Found: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("check charge %s: %w", input.IdempotencyReference, err)
	}
	return &CheckChargeResult{Found: true, Status: ch.Status, ChargeID: ch.ID}, nil
}

// FinalizeTransaction moves an unsettled transaction to its reconciled
// terminal status, resolves its idempotency key, and publishes the terminal
// event. The transition is compare-and-swap from the status the workflow
// observed, so a retried activity that finds the row already at the target
// status succeeds without a second write.
func (a *Activities) FinalizeTransaction(ctx context.Context, input FinalizeTransactionInput) (*FinalizeTransactionResult, error) {
	from := transfer.Status(input.FromStatus)
	if from == "" {
		from = transfer.StatusFailedAmbiguous
	}
	to := transfer.Status(input.Outcome)
	if !from.Reconcilable() || !transfer.CanTransition(from, to) {
		return nil, fmt.Errorf("cannot finalize %q as %q", from, input.Outcome)
	}
	id, err := uuid.Parse(input.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("invalid transaction id %q: %w", input.TransactionID, err)
	}

	txn, err := a.store.TransitionStatus(ctx, db.TransitionStatusParams{
		ID:                id,
		FromStatus:        string(from),
		ToStatus:          input.Outcome,
		ProcessorChargeID: input.ProcessorChargeID,
	})
	if errors.Is(err, db.ErrConflict) {
		current, getErr := a.store.GetTransaction(ctx, id)
		if getErr != nil {
			return nil, fmt.Errorf("re-read after conflict: %w", getErr)
		}
		if current.Status == input.Outcome {
			// Already finalized, likely by a retried activity attempt. The
			// key resolve below must still run in case the earlier attempt
			// died between the two writes.
			txn = current
		} else {
			return nil, fmt.Errorf("transaction %s is %s, cannot finalize as %s: %w",
				id, current.Status, input.Outcome, db.ErrConflict)
		}
	} else if err != nil {
		return nil, fmt.Errorf("finalize transaction %s: %w", id, err)
	}

	// An orphaned row can hold its idempotency key in_flight forever,
	// turning every retry of the same transfer into a duplicate error.
	// Resolving here restores replay for the key; the store update is
	// conditional so an already-resolved key is untouched.
	if err := a.store.ResolveIdempotencyKey(ctx, txn.IdempotencyKey, id, input.Outcome); err != nil {
		return nil, fmt.Errorf("resolve idempotency key for %s: %w", id, err)
	}

	if a.publisher != nil {
		if perr := a.publisher.PublishTransferEvent(ctx, events.FromTransaction(txn)); perr != nil {
			a.logger.Error("failed to publish reconciliation event",
				"transaction_id", txn.ID, "error", perr)
		}
	}
	if a.metrics != nil {
		a.metrics.RecordReconcileOutcome(input.Outcome)
	}

	a.logger.Info("transaction reconciled",
		"transaction_id", txn.ID, "status", txn.Status)
	return &FinalizeTransactionResult{TransactionID: input.TransactionID, Status: txn.Status}, nil
}
