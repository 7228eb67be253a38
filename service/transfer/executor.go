package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/perchpay/perch/service/db"
	"github.com/perchpay/perch/service/events"
	"github.com/perchpay/perch/service/metrics"
	"github.com/perchpay/perch/service/money"
	"github.com/perchpay/perch/service/processor"
	"github.com/perchpay/perch/service/vault"
)

// LedgerStore is the persistence surface the executor needs: the transaction
// ledger and the idempotency reservation store.
type LedgerStore interface {
	InsertPendingTransaction(ctx context.Context, params db.InsertPendingTransactionParams) (*db.Transaction, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (*db.Transaction, error)
	GetTransactionByIdempotencyKey(ctx context.Context, key string) (*db.Transaction, error)
	TransitionStatus(ctx context.Context, params db.TransitionStatusParams) (*db.Transaction, error)
	ClaimIdempotencyKey(ctx context.Context, key string, transactionID uuid.UUID) (*db.IdempotencyClaim, error)
	ResolveIdempotencyKey(ctx context.Context, key string, transactionID uuid.UUID, outcome string) error
}

// AccountDirectory resolves recipient accounts by email.
type AccountDirectory interface {
	GetAccountByEmail(ctx context.Context, email string) (*db.Account, error)
}

// PaymentMethodResolver returns a payment method only if it is owned by the
// given account.
type PaymentMethodResolver interface {
	ResolveOwned(ctx context.Context, id, ownerID uuid.UUID) (*db.PaymentMethod, error)
}

// Processor is the charge surface of the payment processor.
type Processor interface {
	Charge(ctx context.Context, params processor.ChargeParams) (*processor.Charge, error)
	GetChargeStatus(ctx context.Context, idempotencyReference string) (*processor.Charge, error)
}

// Request is a transfer submission.
type Request struct {
	SenderID        uuid.UUID
	RecipientEmail  string
	Amount          money.Amount
	PaymentMethodID uuid.UUID
	// IdempotencyKey, when set, is the caller-supplied deduplication key.
	// When empty a key is derived from the request fields and nonce.
	IdempotencyKey string
	// Nonce distinguishes intentional repeat transfers with identical
	// fields. Only used when IdempotencyKey is empty.
	Nonce string
}

// Result is the outcome of an execution. Transaction is set whenever a ledger
// row exists for the request, including declined and ambiguous outcomes.
type Result struct {
	Transaction *db.Transaction
	// Replayed is true when the request matched a previously finalized
	// execution and the stored outcome was returned without any processor
	// call.
	Replayed bool
}

// Executor drives a transfer from submission to a terminal ledger status. It
// owns the charge-then-record protocol: durable intent first, exactly one
// charge attempt per idempotency key, and bounded reconciliation when the
// processor's answer is lost.
type Executor struct {
	ledger    LedgerStore
	directory AccountDirectory
	methods   PaymentMethodResolver
	proc      Processor
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger

	reconcileMaxAttempts int
	reconcileBackoff     time.Duration

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Deps bundles the executor's collaborators. Publisher and Metrics are
// optional.
type Deps struct {
	Ledger    LedgerStore
	Directory AccountDirectory
	Methods   PaymentMethodResolver
	Processor Processor
	Publisher events.Publisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	ReconcileMaxAttempts int
	ReconcileBackoff     time.Duration
}

// NewExecutor creates a transfer executor.
func NewExecutor(deps Deps) *Executor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attempts := deps.ReconcileMaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff := deps.ReconcileBackoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	return &Executor{
		ledger:               deps.Ledger,
		directory:            deps.Directory,
		methods:              deps.Methods,
		proc:                 deps.Processor,
		publisher:            deps.Publisher,
		metrics:              deps.Metrics,
		logger:               logger,
		reconcileMaxAttempts: attempts,
		reconcileBackoff:     backoff,
		sleep:                sleepCtx,
	}
}

// Execute runs one transfer to a terminal outcome.
//
// The returned error classifies the outcome: nil for completed,
// ErrChargeDeclined for failed, ErrReconciliationRequired for
// failed_ambiguous, ErrConcurrentDuplicate when another execution holds the
// key, and the validation errors when no ledger row was created. Result holds
// the ledger row for every outcome that produced one.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	res, err := e.execute(ctx, req)
	if res != nil && res.Transaction != nil && !res.Replayed {
		e.recordTransfer(res.Transaction.Status, time.Since(start))
	}
	return res, err
}

func (e *Executor) execute(ctx context.Context, req Request) (*Result, error) {
	if err := e.validate(req); err != nil {
		return nil, err
	}

	recipient, err := e.directory.GetAccountByEmail(ctx, req.RecipientEmail)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrRecipientNotFound
		}
		return nil, fmt.Errorf("resolve recipient: %w", err)
	}
	if recipient.ID == req.SenderID {
		return nil, fmt.Errorf("%w: sender and recipient are the same account", ErrValidation)
	}

	method, err := e.methods.ResolveOwned(ctx, req.PaymentMethodID, req.SenderID)
	if err != nil {
		switch {
		case errors.Is(err, vault.ErrNotFound):
			return nil, ErrPaymentMethodNotFound
		case errors.Is(err, vault.ErrForbidden):
			return nil, ErrForbidden
		}
		return nil, fmt.Errorf("resolve payment method: %w", err)
	}

	key := req.IdempotencyKey
	if key == "" {
		key = DeriveKey(req.SenderID, recipient.ID, req.PaymentMethodID, req.Amount, req.Nonce)
	}

	// The transaction id doubles as the processor-side idempotency
	// reference, so it must exist before the claim that binds it to the key.
	txID := uuid.New()
	claim, err := e.ledger.ClaimIdempotencyKey(ctx, key, txID)
	if err != nil {
		return nil, fmt.Errorf("claim idempotency key: %w", err)
	}
	e.recordClaim(claim.State)

	switch claim.State {
	case db.ClaimResolved:
		txn, err := e.ledger.GetTransaction(ctx, claim.TransactionID)
		if err != nil {
			return nil, fmt.Errorf("load replayed transaction: %w", err)
		}
		e.logger.Info("replaying finalized transfer",
			"transaction_id", txn.ID, "status", txn.Status)
		return &Result{Transaction: txn, Replayed: true}, errForStatus(txn.Status)
	case db.ClaimInFlight:
		return nil, ErrConcurrentDuplicate
	}

	txn, err := e.ledger.InsertPendingTransaction(ctx, db.InsertPendingTransactionParams{
		ID:              txID,
		SenderID:        req.SenderID,
		RecipientID:     recipient.ID,
		AmountMinor:     req.Amount.MinorUnits,
		Currency:        req.Amount.Currency,
		PaymentMethodID: method.ID,
		Status:          string(StatusPending),
		IdempotencyKey:  key,
	})
	if err != nil {
		if errors.Is(err, db.ErrDuplicateIdempotencyKey) {
			// The ledger has a row for this key that the reservation store
			// lost track of. Replay it rather than charging again.
			return e.replayByKey(ctx, key)
		}
		return nil, fmt.Errorf("record transfer intent: %w", err)
	}

	txn, err = e.transition(ctx, db.TransitionStatusParams{
		ID:         txn.ID,
		FromStatus: string(StatusPending),
		ToStatus:   string(StatusCharging),
	})
	if err != nil {
		return &Result{Transaction: txn}, fmt.Errorf("advance to charging: %w", err)
	}

	return e.charge(ctx, txn, key, method)
}

// charge makes the single charge attempt for the transaction and settles the
// ledger row according to the processor's answer.
func (e *Executor) charge(ctx context.Context, txn *db.Transaction, key string, method *db.PaymentMethod) (*Result, error) {
	ch, err := e.proc.Charge(ctx, processor.ChargeParams{
		AmountMinor:          txn.AmountMinor,
		Currency:             txn.Currency,
		Token:                method.ProcessorToken,
		IdempotencyReference: txn.ID.String(),
	})
	switch {
	case err == nil && ch.Status == processor.ChargeSucceeded:
		return e.finalize(ctx, txn, key, StatusCharging, StatusCompleted, chargeID(ch))
	case errors.Is(err, processor.ErrDeclined), errors.Is(err, processor.ErrRejected):
		// A decline or request rejection is a definitive answer: no money
		// moved.
		res, ferr := e.finalize(ctx, txn, key, StatusCharging, StatusFailed, chargeID(ch))
		if ferr != nil {
			return res, ferr
		}
		return res, ErrChargeDeclined
	}

	// Anything else (timeout, connection failure, 5xx, malformed response)
	// leaves the charge outcome unknown. Park the row and reconcile.
	e.logger.Warn("charge outcome ambiguous",
		"transaction_id", txn.ID, "error", err)
	txn, terr := e.transition(ctx, db.TransitionStatusParams{
		ID:         txn.ID,
		FromStatus: string(StatusCharging),
		ToStatus:   string(StatusReconciling),
	})
	if terr != nil {
		return &Result{Transaction: txn}, fmt.Errorf("advance to reconciling: %w", terr)
	}
	return e.reconcile(ctx, txn, key)
}

// reconcile polls the processor for the true outcome of an ambiguous charge.
// If the budget is exhausted without a definitive answer the transaction is
// parked as failed_ambiguous for operator-driven reconciliation.
func (e *Executor) reconcile(ctx context.Context, txn *db.Transaction, key string) (*Result, error) {
	backoff := e.reconcileBackoff
	for attempt := 1; attempt <= e.reconcileMaxAttempts; attempt++ {
		if err := e.sleep(ctx, backoff); err != nil {
			break
		}
		backoff *= 2

		ch, err := e.proc.GetChargeStatus(ctx, txn.ID.String())
		switch {
		case err == nil && ch.Status == processor.ChargeSucceeded:
			e.recordReconcile("recovered")
			return e.finalize(ctx, txn, key, StatusReconciling, StatusCompleted, chargeID(ch))
		case err == nil && ch.Status == processor.ChargeDeclined:
			e.recordReconcile("declined")
			res, ferr := e.finalize(ctx, txn, key, StatusReconciling, StatusFailed, chargeID(ch))
			if ferr != nil {
				return res, ferr
			}
			return res, ErrChargeDeclined
		case err == nil:
			// Still pending on the processor's side.
			e.recordAttempt("pending")
		case errors.Is(err, processor.ErrChargeNotFound):
			// The processor never saw the charge, but the original attempt
			// may still land. Keep polling until the budget runs out.
			e.recordAttempt("not_found")
		default:
			e.recordAttempt("unavailable")
			e.logger.Warn("reconcile query failed",
				"transaction_id", txn.ID, "attempt", attempt, "error", err)
		}
	}

	e.recordReconcile("unresolved")
	res, ferr := e.finalize(ctx, txn, key, StatusReconciling, StatusFailedAmbiguous, nil)
	if ferr != nil {
		return res, ferr
	}
	return res, ErrReconciliationRequired
}

// finalize moves the transaction to a terminal status, resolves the
// idempotency key, and publishes the terminal event. Publish failures are
// logged, not surfaced: the ledger is the source of truth.
func (e *Executor) finalize(ctx context.Context, txn *db.Transaction, key string, from, to Status, processorChargeID *string) (*Result, error) {
	txn, err := e.transition(ctx, db.TransitionStatusParams{
		ID:                txn.ID,
		FromStatus:        string(from),
		ToStatus:          string(to),
		ProcessorChargeID: processorChargeID,
	})
	if err != nil {
		return &Result{Transaction: txn}, fmt.Errorf("finalize as %s: %w", to, err)
	}
	if err := e.ledger.ResolveIdempotencyKey(ctx, key, txn.ID, string(to)); err != nil {
		return &Result{Transaction: txn}, fmt.Errorf("resolve idempotency key: %w", err)
	}
	e.publish(ctx, txn)
	e.logger.Info("transfer finalized",
		"transaction_id", txn.ID, "status", txn.Status,
		"amount_minor", txn.AmountMinor, "currency", txn.Currency)
	return &Result{Transaction: txn}, nil
}

// transition applies a CAS status update. A conflict means another writer
// moved the row; re-read so callers can report the actual state.
func (e *Executor) transition(ctx context.Context, params db.TransitionStatusParams) (*db.Transaction, error) {
	txn, err := e.ledger.TransitionStatus(ctx, params)
	if !errors.Is(err, db.ErrConflict) {
		return txn, err
	}
	current, getErr := e.ledger.GetTransaction(ctx, params.ID)
	if getErr != nil {
		return nil, fmt.Errorf("re-read after conflict: %w", getErr)
	}
	if current.Status == params.ToStatus {
		// Another writer applied the same transition.
		return current, nil
	}
	e.logger.Warn("status transition lost race",
		"transaction_id", params.ID,
		"from", params.FromStatus, "to", params.ToStatus,
		"current", current.Status)
	return current, fmt.Errorf("transaction %s is %s, cannot move %s to %s: %w",
		params.ID, current.Status, params.FromStatus, params.ToStatus, db.ErrConflict)
}

// replayByKey returns the stored outcome for a key whose ledger row already
// exists.
func (e *Executor) replayByKey(ctx context.Context, key string) (*Result, error) {
	txn, err := e.ledger.GetTransactionByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load transaction for duplicate key: %w", err)
	}
	if !Status(txn.Status).Terminal() {
		return nil, ErrConcurrentDuplicate
	}
	return &Result{Transaction: txn, Replayed: true}, errForStatus(txn.Status)
}

func (e *Executor) validate(req Request) error {
	if req.SenderID == uuid.Nil {
		return fmt.Errorf("%w: sender is required", ErrValidation)
	}
	if req.RecipientEmail == "" {
		return fmt.Errorf("%w: recipient email is required", ErrValidation)
	}
	if req.PaymentMethodID == uuid.Nil {
		return fmt.Errorf("%w: payment method is required", ErrValidation)
	}
	if req.Amount.MinorUnits <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if !money.ValidCurrency(req.Amount.Currency) {
		return fmt.Errorf("%w: unknown currency %q", ErrValidation, req.Amount.Currency)
	}
	return nil
}

func (e *Executor) publish(ctx context.Context, txn *db.Transaction) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.PublishTransferEvent(ctx, events.FromTransaction(txn)); err != nil {
		e.logger.Error("failed to publish transfer event",
			"transaction_id", txn.ID, "error", err)
	}
}

func (e *Executor) recordTransfer(status string, d time.Duration) {
	if e.metrics != nil {
		e.metrics.RecordTransfer(status, d)
	}
}

func (e *Executor) recordClaim(state string) {
	if e.metrics != nil {
		e.metrics.RecordIdempotencyClaim(state)
	}
}

func (e *Executor) recordAttempt(result string) {
	if e.metrics != nil {
		e.metrics.RecordReconcileAttempt(result)
	}
}

func (e *Executor) recordReconcile(outcome string) {
	if e.metrics != nil {
		e.metrics.RecordReconcileOutcome(outcome)
	}
}

// errForStatus maps a stored terminal status to the error contract of
// Execute, so replays report the same outcome as the original call.
func errForStatus(status string) error {
	switch Status(status) {
	case StatusCompleted:
		return nil
	case StatusFailed:
		return ErrChargeDeclined
	case StatusFailedAmbiguous:
		return ErrReconciliationRequired
	}
	return ErrConcurrentDuplicate
}

func chargeID(ch *processor.Charge) *string {
	if ch == nil || ch.ID == "" {
		return nil
	}
	id := ch.ID
	return &id
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
