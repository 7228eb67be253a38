package db

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixtures creates a sender, recipient, and a payment method owned by the
// sender for use in ledger tests.
func fixtures(t *testing.T, store *TestStore) (sender, recipient *Account, pm *PaymentMethod) {
	t.Helper()
	ctx := context.Background()

	sender, err := store.CreateAccount(ctx, "alice@example.com", "Alice")
	require.NoError(t, err)

	recipient, err = store.CreateAccount(ctx, "bob@example.com", "Bob")
	require.NoError(t, err)

	pm, err = store.CreatePaymentMethod(ctx, CreatePaymentMethodParams{
		AccountID:      sender.ID,
		ProcessorToken: "tok_visa_4242",
		Brand:          "visa",
		Last4:          "4242",
		ExpMonth:       12,
		ExpYear:        2030,
	})
	require.NoError(t, err)

	return sender, recipient, pm
}

func TestAccounts(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)
	store.Cleanup(t)

	ctx := context.Background()

	acct, err := store.CreateAccount(ctx, "carol@example.com", "Carol")
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, acct.ID)

	t.Run("resolve by email", func(t *testing.T) {
		got, err := store.GetAccountByEmail(ctx, "carol@example.com")
		require.NoError(t, err)
		assert.Equal(t, acct.ID, got.ID)
		assert.Equal(t, "Carol", got.Name)
	})

	t.Run("unknown email", func(t *testing.T) {
		_, err := store.GetAccountByEmail(ctx, "nobody@example.com")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("duplicate email rejected", func(t *testing.T) {
		_, err := store.CreateAccount(ctx, "carol@example.com", "Other Carol")
		require.Error(t, err)
	})
}

func TestPaymentMethods(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)
	store.Cleanup(t)

	ctx := context.Background()
	sender, _, pm := fixtures(t, store)

	t.Run("get by id", func(t *testing.T) {
		got, err := store.GetPaymentMethod(ctx, pm.ID)
		require.NoError(t, err)
		assert.Equal(t, sender.ID, got.AccountID)
		assert.Equal(t, "tok_visa_4242", got.ProcessorToken)
		assert.Equal(t, "4242", got.Last4)
	})

	t.Run("missing id", func(t *testing.T) {
		_, err := store.GetPaymentMethod(ctx, uuid.New())
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list by account", func(t *testing.T) {
		methods, err := store.ListPaymentMethodsByAccount(ctx, sender.ID)
		require.NoError(t, err)
		require.Len(t, methods, 1)
		assert.Equal(t, pm.ID, methods[0].ID)
	})
}

func TestInsertPendingTransaction(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)
	store.Cleanup(t)

	ctx := context.Background()
	sender, recipient, pm := fixtures(t, store)

	params := InsertPendingTransactionParams{
		ID:              uuid.New(),
		SenderID:        sender.ID,
		RecipientID:     recipient.ID,
		AmountMinor:     5000,
		Currency:        "usd",
		PaymentMethodID: pm.ID,
		Status:          "pending",
		IdempotencyKey:  "key-1",
	}

	txn, err := store.InsertPendingTransaction(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, params.ID, txn.ID)
	assert.Equal(t, int64(5000), txn.AmountMinor)
	assert.Equal(t, "usd", txn.Currency)
	assert.Equal(t, "pending", txn.Status)
	assert.Nil(t, txn.ProcessorChargeID)

	t.Run("duplicate idempotency key", func(t *testing.T) {
		dup := params
		dup.ID = uuid.New()
		_, err := store.InsertPendingTransaction(ctx, dup)
		require.ErrorIs(t, err, ErrDuplicateIdempotencyKey)
	})

	t.Run("lookup by idempotency key", func(t *testing.T) {
		got, err := store.GetTransactionByIdempotencyKey(ctx, "key-1")
		require.NoError(t, err)
		assert.Equal(t, params.ID, got.ID)
	})
}

func TestTransitionStatus(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)
	store.Cleanup(t)

	ctx := context.Background()
	sender, recipient, pm := fixtures(t, store)

	txn, err := store.InsertPendingTransaction(ctx, InsertPendingTransactionParams{
		ID:              uuid.New(),
		SenderID:        sender.ID,
		RecipientID:     recipient.ID,
		AmountMinor:     5000,
		Currency:        "usd",
		PaymentMethodID: pm.ID,
		Status:          "pending",
		IdempotencyKey:  "key-transition",
	})
	require.NoError(t, err)

	t.Run("forward transition", func(t *testing.T) {
		got, err := store.TransitionStatus(ctx, TransitionStatusParams{
			ID:         txn.ID,
			FromStatus: "pending",
			ToStatus:   "charging",
		})
		require.NoError(t, err)
		assert.Equal(t, "charging", got.Status)
	})

	t.Run("stale from-status conflicts", func(t *testing.T) {
		_, err := store.TransitionStatus(ctx, TransitionStatusParams{
			ID:         txn.ID,
			FromStatus: "pending", // already moved to charging
			ToStatus:   "failed",
		})
		require.ErrorIs(t, err, ErrConflict)

		// The stored status is untouched by the losing writer.
		got, err := store.GetTransaction(ctx, txn.ID)
		require.NoError(t, err)
		assert.Equal(t, "charging", got.Status)
	})

	t.Run("records processor charge id", func(t *testing.T) {
		chargeID := "ch_123"
		got, err := store.TransitionStatus(ctx, TransitionStatusParams{
			ID:                txn.ID,
			FromStatus:        "charging",
			ToStatus:          "completed",
			ProcessorChargeID: &chargeID,
		})
		require.NoError(t, err)
		assert.Equal(t, "completed", got.Status)
		require.NotNil(t, got.ProcessorChargeID)
		assert.Equal(t, "ch_123", *got.ProcessorChargeID)
	})

	t.Run("missing transaction", func(t *testing.T) {
		_, err := store.TransitionStatus(ctx, TransitionStatusParams{
			ID:         uuid.New(),
			FromStatus: "pending",
			ToStatus:   "charging",
		})
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestIdempotencyKeys(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)
	store.Cleanup(t)

	ctx := context.Background()
	txID := uuid.New()

	t.Run("fresh claim", func(t *testing.T) {
		claim, err := store.ClaimIdempotencyKey(ctx, "key-a", txID)
		require.NoError(t, err)
		assert.Equal(t, ClaimFresh, claim.State)
		assert.Equal(t, txID, claim.TransactionID)
	})

	t.Run("second claim sees in flight", func(t *testing.T) {
		claim, err := store.ClaimIdempotencyKey(ctx, "key-a", uuid.New())
		require.NoError(t, err)
		assert.Equal(t, ClaimInFlight, claim.State)
		assert.Equal(t, txID, claim.TransactionID, "reports the original attempt's transaction")
	})

	t.Run("claim after resolve sees outcome", func(t *testing.T) {
		require.NoError(t, store.ResolveIdempotencyKey(ctx, "key-a", txID, "completed"))

		claim, err := store.ClaimIdempotencyKey(ctx, "key-a", uuid.New())
		require.NoError(t, err)
		assert.Equal(t, ClaimResolved, claim.State)
		assert.Equal(t, txID, claim.TransactionID)
		require.NotNil(t, claim.Outcome)
		assert.Equal(t, "completed", *claim.Outcome)
	})

	t.Run("re-resolve is a no-op", func(t *testing.T) {
		require.NoError(t, store.ResolveIdempotencyKey(ctx, "key-a", txID, "failed"))

		claim, err := store.ClaimIdempotencyKey(ctx, "key-a", uuid.New())
		require.NoError(t, err)
		require.NotNil(t, claim.Outcome)
		assert.Equal(t, "completed", *claim.Outcome, "first resolution wins")
	})
}

func TestListTransactions(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)
	store.Cleanup(t)

	ctx := context.Background()
	sender, recipient, pm := fixtures(t, store)

	for i, key := range []string{"k1", "k2", "k3"} {
		_, err := store.InsertPendingTransaction(ctx, InsertPendingTransactionParams{
			ID:              uuid.New(),
			SenderID:        sender.ID,
			RecipientID:     recipient.ID,
			AmountMinor:     int64(1000 * (i + 1)),
			Currency:        "usd",
			PaymentMethodID: pm.ID,
			Status:          "pending",
			IdempotencyKey:  key,
		})
		require.NoError(t, err)
	}

	txns, err := store.ListTransactions(ctx, 100, 0)
	require.NoError(t, err)
	require.Len(t, txns, 3)

	// Newest first, with both emails joined.
	assert.Equal(t, int64(3000), txns[0].AmountMinor)
	assert.Equal(t, "alice@example.com", txns[0].SenderEmail)
	assert.Equal(t, "bob@example.com", txns[0].RecipientEmail)

	t.Run("pagination", func(t *testing.T) {
		page, err := store.ListTransactions(ctx, 2, 2)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, int64(1000), page[0].AmountMinor)
	})

	t.Run("by status", func(t *testing.T) {
		pending, err := store.ListTransactionsByStatus(ctx, "pending", 10)
		require.NoError(t, err)
		assert.Len(t, pending, 3)

		ambiguous, err := store.ListTransactionsByStatus(ctx, "failed_ambiguous", 10)
		require.NoError(t, err)
		assert.Empty(t, ambiguous)
	})
}

func TestListUnsettledTransactions(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)
	store.Cleanup(t)

	ctx := context.Background()
	sender, recipient, pm := fixtures(t, store)

	insert := func(key, status string) *Transaction {
		txn, err := store.InsertPendingTransaction(ctx, InsertPendingTransactionParams{
			ID:              uuid.New(),
			SenderID:        sender.ID,
			RecipientID:     recipient.ID,
			AmountMinor:     5000,
			Currency:        "usd",
			PaymentMethodID: pm.ID,
			Status:          status,
			IdempotencyKey:  key,
		})
		require.NoError(t, err)
		return txn
	}

	parked := insert("k-ambiguous", "failed_ambiguous")
	orphaned := insert("k-charging", "charging")
	insert("k-completed", "completed")

	// Let the rows age past a small staleness cutoff.
	time.Sleep(50 * time.Millisecond)

	t.Run("includes ambiguous and stale charging rows", func(t *testing.T) {
		txns, err := store.ListUnsettledTransactions(ctx, 10*time.Millisecond, 10)
		require.NoError(t, err)
		require.Len(t, txns, 2)
		assert.Equal(t, parked.ID, txns[0].ID)
		assert.Equal(t, orphaned.ID, txns[1].ID)
	})

	t.Run("fresh charging rows are left alone", func(t *testing.T) {
		txns, err := store.ListUnsettledTransactions(ctx, time.Hour, 10)
		require.NoError(t, err)
		require.Len(t, txns, 1)
		assert.Equal(t, parked.ID, txns[0].ID)
	})
}
