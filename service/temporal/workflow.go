package temporal

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/perchpay/perch/service/processor"
	"github.com/perchpay/perch/service/transfer"
)

// ReconcileTransactionInput contains input for reconciling an unsettled
// transaction.
type ReconcileTransactionInput struct {
	TransactionID string `json:"transaction_id"`

	// CheckInterval is how long to wait between processor checks while the
	// charge is still pending on the processor's side. Defaults to 30s.
	CheckInterval time.Duration `json:"check_interval"`
	// MaxChecks bounds how many times a still-pending charge is re-checked
	// before the workflow gives up. Defaults to 5.
	MaxChecks int `json:"max_checks"`
}

// ReconcileTransactionResult contains the result of a reconciliation.
type ReconcileTransactionResult struct {
	TransactionID     string  `json:"transaction_id"`
	PreviousStatus    string  `json:"previous_status"`
	FinalStatus       string  `json:"final_status"`
	ChargeFound       bool    `json:"charge_found"`
	ProcessorChargeID *string `json:"processor_charge_id,omitempty"`
}

// ReconcileTransactionWorkflow settles a transaction whose charge outcome
// never made it into the ledger: rows parked as failed_ambiguous, and rows
// orphaned at charging or reconciling when the ledger write after a charge
// failed or the process died mid-transfer. It asks the processor for the
// charge's true outcome and moves the row to completed or failed from
// whatever status it was observed at, unblocking the row's idempotency key.
// A charge the processor never saw is finalized as failed; a transaction is
// never finalized as completed without processor confirmation.
func ReconcileTransactionWorkflow(ctx workflow.Context, input ReconcileTransactionInput) (*ReconcileTransactionResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("ReconcileTransactionWorkflow started", "transaction_id", input.TransactionID)

	if input.CheckInterval <= 0 {
		input.CheckInterval = 30 * time.Second
	}
	if input.MaxChecks <= 0 {
		input.MaxChecks = 5
	}

	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    5,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	var txn *GetUnsettledTransactionResult
	err := workflow.ExecuteActivity(ctx, "GetUnsettledTransaction", GetUnsettledTransactionInput{
		TransactionID: input.TransactionID,
	}).Get(ctx, &txn)
	if err != nil {
		return nil, fmt.Errorf("load transaction: %w", err)
	}

	result := &ReconcileTransactionResult{
		TransactionID:  input.TransactionID,
		PreviousStatus: txn.Status,
	}

	if !transfer.Status(txn.Status).Reconcilable() {
		// Nothing to do; likely already settled.
		logger.Info("transaction does not need reconciliation",
			"transaction_id", input.TransactionID, "status", txn.Status)
		result.FinalStatus = txn.Status
		return result, nil
	}

	var check *CheckChargeResult
	for attempt := 0; ; attempt++ {
		err = workflow.ExecuteActivity(ctx, "CheckCharge", CheckChargeInput{
			IdempotencyReference: input.TransactionID,
		}).Get(ctx, &check)
		if err != nil {
			return nil, fmt.Errorf("check charge: %w", err)
		}
		if !check.Found || check.Status != processor.ChargePending {
			break
		}
		if attempt+1 >= input.MaxChecks {
			// The processor still has not settled the charge; leave the row
			// parked rather than guess.
			logger.Warn("charge still pending after max checks",
				"transaction_id", input.TransactionID, "checks", input.MaxChecks)
			return nil, fmt.Errorf("charge for transaction %s still pending after %d checks",
				input.TransactionID, input.MaxChecks)
		}
		if err := workflow.Sleep(ctx, input.CheckInterval); err != nil {
			return nil, err
		}
	}

	result.ChargeFound = check.Found
	outcome := string(transfer.StatusFailed)
	var chargeID *string
	if check.Found && check.Status == processor.ChargeSucceeded {
		outcome = string(transfer.StatusCompleted)
	}
	if check.Found && check.ChargeID != "" {
		chargeID = &check.ChargeID
	}

	logger.Info("finalizing reconciled transaction",
		"transaction_id", input.TransactionID,
		"from_status", txn.Status,
		"charge_found", check.Found,
		"outcome", outcome,
	)

	var finalized *FinalizeTransactionResult
	err = workflow.ExecuteActivity(ctx, "FinalizeTransaction", FinalizeTransactionInput{
		TransactionID:     input.TransactionID,
		FromStatus:        txn.Status,
		Outcome:           outcome,
		ProcessorChargeID: chargeID,
	}).Get(ctx, &finalized)
	if err != nil {
		return nil, fmt.Errorf("finalize transaction: %w", err)
	}

	result.FinalStatus = finalized.Status
	result.ProcessorChargeID = chargeID
	return result, nil
}
