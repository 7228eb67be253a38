package temporal

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perchpay/perch/service/db"
	"github.com/perchpay/perch/service/events"
	"github.com/perchpay/perch/service/processor"
	"github.com/perchpay/perch/service/transfer"
)

// fakeStore is an in-memory StoreInterface with compare-and-swap semantics
// matching the database layer.
type fakeStore struct {
	transactions map[uuid.UUID]*db.Transaction
	claims       map[string]*fakeClaim
}

type fakeClaim struct {
	state   string
	outcome string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		transactions: make(map[uuid.UUID]*db.Transaction),
		claims:       make(map[string]*fakeClaim),
	}
}

func (s *fakeStore) GetTransaction(ctx context.Context, id uuid.UUID) (*db.Transaction, error) {
	txn, ok := s.transactions[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *txn
	return &cp, nil
}

func (s *fakeStore) TransitionStatus(ctx context.Context, params db.TransitionStatusParams) (*db.Transaction, error) {
	txn, ok := s.transactions[params.ID]
	if !ok {
		return nil, db.ErrNotFound
	}
	if txn.Status != params.FromStatus {
		return nil, db.ErrConflict
	}
	txn.Status = params.ToStatus
	if params.ProcessorChargeID != nil {
		txn.ProcessorChargeID = params.ProcessorChargeID
	}
	cp := *txn
	return &cp, nil
}

func (s *fakeStore) ResolveIdempotencyKey(ctx context.Context, key string, transactionID uuid.UUID, outcome string) error {
	claim, ok := s.claims[key]
	if !ok || claim.state != db.ClaimInFlight {
		return nil
	}
	claim.state = db.ClaimResolved
	claim.outcome = outcome
	return nil
}

func testActivities(store *fakeStore, proc ProcessorInterface, pub PublisherInterface) *Activities {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return NewActivities(store, proc, pub, nil, logger)
}

func TestCheckCharge(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		proc := processor.NewMockClient()
		proc.GetChargeStatusFunc = func(ctx context.Context, reference string) (*processor.Charge, error) {
			return &processor.Charge{ID: "ch_1", Status: processor.ChargeSucceeded}, nil
		}
		a := testActivities(newFakeStore(), proc, nil)

		result, err := a.CheckCharge(context.Background(), CheckChargeInput{IdempotencyReference: "txn-1"})
		require.NoError(t, err)
		assert.True(t, result.Found)
		assert.Equal(t, processor.ChargeSucceeded, result.Status)
		assert.Equal(t, "ch_1", result.ChargeID)
	})

	t.Run("not found is a definitive answer", func(t *testing.T) {
		proc := processor.NewMockClient()
		a := testActivities(newFakeStore(), proc, nil)

		result, err := a.CheckCharge(context.Background(), CheckChargeInput{IdempotencyReference: "txn-1"})
		require.NoError(t, err)
		assert.False(t, result.Found)
	})

	t.Run("unavailable is retryable", func(t *testing.T) {
		proc := processor.NewMockClient()
		proc.GetChargeStatusFunc = func(ctx context.Context, reference string) (*processor.Charge, error) {
			return nil, processor.ErrUnavailable
		}
		a := testActivities(newFakeStore(), proc, nil)

		_, err := a.CheckCharge(context.Background(), CheckChargeInput{IdempotencyReference: "txn-1"})
		assert.ErrorIs(t, err, processor.ErrUnavailable)
	})
}

func TestFinalizeTransaction(t *testing.T) {
	chargeID := "ch_1"

	newUnsettled := func(store *fakeStore, status transfer.Status) *db.Transaction {
		txn := &db.Transaction{
			ID:             uuid.New(),
			SenderID:       uuid.New(),
			RecipientID:    uuid.New(),
			AmountMinor:    5000,
			Currency:       "usd",
			Status:         string(status),
			IdempotencyKey: "key-" + uuid.NewString(),
		}
		store.transactions[txn.ID] = txn
		store.claims[txn.IdempotencyKey] = &fakeClaim{state: db.ClaimInFlight}
		return txn
	}
	newAmbiguous := func(store *fakeStore) *db.Transaction {
		return newUnsettled(store, transfer.StatusFailedAmbiguous)
	}

	t.Run("finalizes as completed and publishes", func(t *testing.T) {
		store := newFakeStore()
		txn := newAmbiguous(store)
		pub := events.NewMockPublisher()
		a := testActivities(store, processor.NewMockClient(), pub)

		result, err := a.FinalizeTransaction(context.Background(), FinalizeTransactionInput{
			TransactionID:     txn.ID.String(),
			Outcome:           string(transfer.StatusCompleted),
			ProcessorChargeID: &chargeID,
		})
		require.NoError(t, err)
		assert.Equal(t, string(transfer.StatusCompleted), result.Status)
		assert.Equal(t, string(transfer.StatusCompleted), store.transactions[txn.ID].Status)
		require.NotNil(t, store.transactions[txn.ID].ProcessorChargeID)
		assert.Equal(t, chargeID, *store.transactions[txn.ID].ProcessorChargeID)
		assert.Len(t, pub.GetPublishedEventsForTransaction(txn.ID), 1)
		assert.Equal(t, db.ClaimResolved, store.claims[txn.IdempotencyKey].state)
	})

	t.Run("settles a charged row orphaned at charging", func(t *testing.T) {
		// The charge landed on the processor but the ledger write after it
		// never did, leaving the row at charging with its key in flight.
		store := newFakeStore()
		txn := newUnsettled(store, transfer.StatusCharging)
		pub := events.NewMockPublisher()
		a := testActivities(store, processor.NewMockClient(), pub)

		result, err := a.FinalizeTransaction(context.Background(), FinalizeTransactionInput{
			TransactionID:     txn.ID.String(),
			FromStatus:        string(transfer.StatusCharging),
			Outcome:           string(transfer.StatusCompleted),
			ProcessorChargeID: &chargeID,
		})
		require.NoError(t, err)
		assert.Equal(t, string(transfer.StatusCompleted), result.Status)
		assert.Equal(t, string(transfer.StatusCompleted), store.transactions[txn.ID].Status)

		// The key must be released so replays of the transfer see the
		// settled outcome instead of a duplicate error.
		assert.Equal(t, db.ClaimResolved, store.claims[txn.IdempotencyKey].state)
		assert.Equal(t, string(transfer.StatusCompleted), store.claims[txn.IdempotencyKey].outcome)
		assert.Len(t, pub.GetPublishedEventsForTransaction(txn.ID), 1)
	})

	t.Run("settles a row orphaned at reconciling", func(t *testing.T) {
		store := newFakeStore()
		txn := newUnsettled(store, transfer.StatusReconciling)
		a := testActivities(store, processor.NewMockClient(), nil)

		result, err := a.FinalizeTransaction(context.Background(), FinalizeTransactionInput{
			TransactionID: txn.ID.String(),
			FromStatus:    string(transfer.StatusReconciling),
			Outcome:       string(transfer.StatusFailed),
		})
		require.NoError(t, err)
		assert.Equal(t, string(transfer.StatusFailed), result.Status)
		assert.Equal(t, db.ClaimResolved, store.claims[txn.IdempotencyKey].state)
	})

	t.Run("retried finalize is idempotent", func(t *testing.T) {
		store := newFakeStore()
		txn := newAmbiguous(store)
		a := testActivities(store, processor.NewMockClient(), nil)

		input := FinalizeTransactionInput{
			TransactionID: txn.ID.String(),
			Outcome:       string(transfer.StatusFailed),
		}
		_, err := a.FinalizeTransaction(context.Background(), input)
		require.NoError(t, err)

		result, err := a.FinalizeTransaction(context.Background(), input)
		require.NoError(t, err)
		assert.Equal(t, string(transfer.StatusFailed), result.Status)
	})

	t.Run("rejects finalizing from a stale observed status", func(t *testing.T) {
		store := newFakeStore()
		txn := newAmbiguous(store)
		store.transactions[txn.ID].Status = string(transfer.StatusCharging)
		a := testActivities(store, processor.NewMockClient(), nil)

		_, err := a.FinalizeTransaction(context.Background(), FinalizeTransactionInput{
			TransactionID: txn.ID.String(),
			Outcome:       string(transfer.StatusCompleted),
		})
		assert.Error(t, err)
		assert.Equal(t, db.ClaimInFlight, store.claims[txn.IdempotencyKey].state)
	})

	t.Run("rejects a non-reconcilable from status", func(t *testing.T) {
		store := newFakeStore()
		txn := newUnsettled(store, transfer.StatusPending)
		a := testActivities(store, processor.NewMockClient(), nil)

		_, err := a.FinalizeTransaction(context.Background(), FinalizeTransactionInput{
			TransactionID: txn.ID.String(),
			FromStatus:    string(transfer.StatusPending),
			Outcome:       string(transfer.StatusFailed),
		})
		assert.Error(t, err)
	})

	t.Run("rejects invalid outcome", func(t *testing.T) {
		store := newFakeStore()
		txn := newAmbiguous(store)
		a := testActivities(store, processor.NewMockClient(), nil)

		_, err := a.FinalizeTransaction(context.Background(), FinalizeTransactionInput{
			TransactionID: txn.ID.String(),
			Outcome:       string(transfer.StatusReconciling),
		})
		assert.Error(t, err)
	})
}
