package temporal

import (
	"context"
	"fmt"
	"log/slog"

	"go.temporal.io/sdk/client"
)

// Client starts reconciliation workflows on Temporal.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

// StartReconciliation starts a reconciliation workflow for an unsettled
// transaction. The workflow id is derived from the transaction id, so
// starting reconciliation twice for the same transaction reuses the running
// workflow instead of racing a second one.
func (c *Client) StartReconciliation(ctx context.Context, transactionID string) (string, error) {
	workflowID := reconcileWorkflowID(transactionID)

	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        workflowID,
		TaskQueue: c.taskQueue,
	}, "ReconcileTransactionWorkflow", ReconcileTransactionInput{
		TransactionID: transactionID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to start reconciliation for %q: %w", transactionID, err)
	}

	c.logger.Info("reconciliation workflow started",
		"transaction_id", transactionID,
		"workflow_id", workflowID,
		"run_id", run.GetRunID(),
	)
	return run.GetRunID(), nil
}

// AwaitReconciliation blocks until the reconciliation workflow for the
// transaction completes and returns its result.
func (c *Client) AwaitReconciliation(ctx context.Context, transactionID, runID string) (*ReconcileTransactionResult, error) {
	var result ReconcileTransactionResult
	run := c.client.GetWorkflow(ctx, reconcileWorkflowID(transactionID), runID)
	if err := run.Get(ctx, &result); err != nil {
		return nil, fmt.Errorf("reconciliation for %q failed: %w", transactionID, err)
	}
	return &result, nil
}

// SDKClient returns the underlying Temporal SDK client.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

func reconcileWorkflowID(transactionID string) string {
	return "reconcile-transaction-" + transactionID
}
