package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// Store provides database operations for the service.
// It is the only component that writes ledger state; all status changes go
// through TransitionStatus so concurrent writers are serialized by the
// conditional update.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store with the given database connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// InitSchema applies the embedded schema. Safe to call repeatedly.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateIdempotencyKey is returned when inserting a transaction
	// whose idempotency key is already present in the ledger.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrConflict is returned by TransitionStatus when the stored status no
	// longer matches the expected from-status. The caller should re-read
	// current state rather than overwrite it.
	ErrConflict = errors.New("status conflict")
)

// pgUniqueViolation is the Postgres error code for unique constraint violations.
const pgUniqueViolation = "23505"

// Account represents a registered user identity.
// Accounts are created by the excluded registration layer; the core only
// reads them (AccountDirectory contract).
type Account struct {
	ID        uuid.UUID
	Email     string
	Name      string
	CreatedAt time.Time
}

// CreateAccount inserts a new account. Used by fixtures and the admin CLI;
// the transfer engine itself never creates accounts.
func (s *Store) CreateAccount(ctx context.Context, email, name string) (*Account, error) {
	a := Account{ID: uuid.New(), Email: email, Name: name}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO accounts (id, email, name) VALUES ($1, $2, $3)
		 RETURNING created_at`,
		a.ID, a.Email, a.Name,
	).Scan(&a.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, fmt.Errorf("account %q already exists: %w", email, err)
		}
		return nil, err
	}
	return &a, nil
}

// GetAccount retrieves an account by id.
func (s *Store) GetAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	var a Account
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, name, created_at FROM accounts WHERE id = $1`, id,
	).Scan(&a.ID, &a.Email, &a.Name, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAccountByEmail retrieves an account by its unique email.
// This backs the AccountDirectory.ResolveByEmail contract.
func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	var a Account
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, name, created_at FROM accounts WHERE email = $1`, email,
	).Scan(&a.ID, &a.Email, &a.Name, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// PaymentMethod is a stored card reference. Only the processor-issued opaque
// token and display metadata are persisted; raw card data never reaches the
// database. Rows are immutable after creation.
type PaymentMethod struct {
	ID             uuid.UUID
	AccountID      uuid.UUID
	ProcessorToken string
	Brand          string
	Last4          string
	ExpMonth       int
	ExpYear        int
	CreatedAt      time.Time
}

// CreatePaymentMethodParams contains the parameters for storing a tokenized card.
type CreatePaymentMethodParams struct {
	AccountID      uuid.UUID
	ProcessorToken string
	Brand          string
	Last4          string
	ExpMonth       int
	ExpYear        int
}

// CreatePaymentMethod persists a tokenized card for an account.
func (s *Store) CreatePaymentMethod(ctx context.Context, params CreatePaymentMethodParams) (*PaymentMethod, error) {
	pm := PaymentMethod{
		ID:             uuid.New(),
		AccountID:      params.AccountID,
		ProcessorToken: params.ProcessorToken,
		Brand:          params.Brand,
		Last4:          params.Last4,
		ExpMonth:       params.ExpMonth,
		ExpYear:        params.ExpYear,
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO payment_methods (id, account_id, processor_token, brand, last4, exp_month, exp_year)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at`,
		pm.ID, pm.AccountID, pm.ProcessorToken, pm.Brand, pm.Last4, pm.ExpMonth, pm.ExpYear,
	).Scan(&pm.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &pm, nil
}

// GetPaymentMethod retrieves a payment method by id regardless of owner.
// Ownership checks are the vault's job (resolveOwned).
func (s *Store) GetPaymentMethod(ctx context.Context, id uuid.UUID) (*PaymentMethod, error) {
	var pm PaymentMethod
	err := s.pool.QueryRow(ctx,
		`SELECT id, account_id, processor_token, brand, last4, exp_month, exp_year, created_at
		 FROM payment_methods WHERE id = $1`, id,
	).Scan(&pm.ID, &pm.AccountID, &pm.ProcessorToken, &pm.Brand, &pm.Last4, &pm.ExpMonth, &pm.ExpYear, &pm.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pm, nil
}

// ListPaymentMethodsByAccount retrieves all stored cards for an account.
func (s *Store) ListPaymentMethodsByAccount(ctx context.Context, accountID uuid.UUID) ([]*PaymentMethod, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, processor_token, brand, last4, exp_month, exp_year, created_at
		 FROM payment_methods WHERE account_id = $1 ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var methods []*PaymentMethod
	for rows.Next() {
		var pm PaymentMethod
		if err := rows.Scan(&pm.ID, &pm.AccountID, &pm.ProcessorToken, &pm.Brand, &pm.Last4, &pm.ExpMonth, &pm.ExpYear, &pm.CreatedAt); err != nil {
			return nil, err
		}
		methods = append(methods, &pm)
	}
	return methods, rows.Err()
}

// Transaction is a ledger entry for one transfer intent.
type Transaction struct {
	ID                uuid.UUID
	SenderID          uuid.UUID
	RecipientID       uuid.UUID
	AmountMinor       int64
	Currency          string
	PaymentMethodID   uuid.UUID
	ProcessorChargeID *string
	Status            string
	IdempotencyKey    string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// InsertPendingTransactionParams contains the parameters for creating the
// durable intent record before any external call is made.
type InsertPendingTransactionParams struct {
	ID              uuid.UUID
	SenderID        uuid.UUID
	RecipientID     uuid.UUID
	AmountMinor     int64
	Currency        string
	PaymentMethodID uuid.UUID
	Status          string
	IdempotencyKey  string
}

// InsertPendingTransaction writes a new ledger row. A unique constraint on
// the idempotency key provides defense in depth alongside the idempotency
// reservation store; a duplicate returns ErrDuplicateIdempotencyKey.
func (s *Store) InsertPendingTransaction(ctx context.Context, params InsertPendingTransactionParams) (*Transaction, error) {
	txn := Transaction{
		ID:              params.ID,
		SenderID:        params.SenderID,
		RecipientID:     params.RecipientID,
		AmountMinor:     params.AmountMinor,
		Currency:        params.Currency,
		PaymentMethodID: params.PaymentMethodID,
		Status:          params.Status,
		IdempotencyKey:  params.IdempotencyKey,
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO transactions (id, sender_id, recipient_id, amount_minor, currency, payment_method_id, status, idempotency_key)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING created_at, updated_at`,
		txn.ID, txn.SenderID, txn.RecipientID, txn.AmountMinor, txn.Currency, txn.PaymentMethodID, txn.Status, txn.IdempotencyKey,
	).Scan(&txn.CreatedAt, &txn.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, ErrDuplicateIdempotencyKey
		}
		return nil, err
	}
	return &txn, nil
}

// GetTransaction retrieves a transaction by id.
func (s *Store) GetTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, sender_id, recipient_id, amount_minor, currency, payment_method_id,
		        processor_charge_id, status, idempotency_key, created_at, updated_at
		 FROM transactions WHERE id = $1`, id)
	return scanTransaction(row)
}

// GetTransactionByIdempotencyKey retrieves a transaction by its idempotency key.
func (s *Store) GetTransactionByIdempotencyKey(ctx context.Context, key string) (*Transaction, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, sender_id, recipient_id, amount_minor, currency, payment_method_id,
		        processor_charge_id, status, idempotency_key, created_at, updated_at
		 FROM transactions WHERE idempotency_key = $1`, key)
	return scanTransaction(row)
}

// TransitionStatusParams contains the parameters for a conditional status update.
type TransitionStatusParams struct {
	ID         uuid.UUID
	FromStatus string
	ToStatus   string
	// ProcessorChargeID, when set, is recorded alongside the transition
	// (the charge reference learned from the processor).
	ProcessorChargeID *string
}

// TransitionStatus advances a transaction's status with a compare-and-swap on
// the current status. If the stored status no longer matches FromStatus the
// update touches zero rows and ErrConflict is returned; exactly one of two
// concurrent writers wins.
func (s *Store) TransitionStatus(ctx context.Context, params TransitionStatusParams) (*Transaction, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE transactions
		 SET status = $3,
		     processor_charge_id = COALESCE($4, processor_charge_id),
		     updated_at = now()
		 WHERE id = $1 AND status = $2
		 RETURNING id, sender_id, recipient_id, amount_minor, currency, payment_method_id,
		           processor_charge_id, status, idempotency_key, created_at, updated_at`,
		params.ID, params.FromStatus, params.ToStatus, pgtextFromStringPtr(params.ProcessorChargeID))
	txn, err := scanTransaction(row)
	if errors.Is(err, ErrNotFound) {
		// Distinguish "row missing" from "status moved" for callers that care.
		if _, getErr := s.GetTransaction(ctx, params.ID); getErr == nil {
			return nil, ErrConflict
		}
		return nil, ErrNotFound
	}
	return txn, err
}

// AdminTransaction is the read-only audit projection: a transaction joined
// with sender and recipient display emails.
type AdminTransaction struct {
	Transaction
	SenderEmail    string
	RecipientEmail string
}

// ListTransactions returns the audit projection over the whole ledger,
// newest first. Read-only; no side effects.
func (s *Store) ListTransactions(ctx context.Context, limit, offset int32) ([]*AdminTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT t.id, t.sender_id, t.recipient_id, t.amount_minor, t.currency, t.payment_method_id,
		        t.processor_charge_id, t.status, t.idempotency_key, t.created_at, t.updated_at,
		        s.email, r.email
		 FROM transactions t
		 JOIN accounts s ON t.sender_id = s.id
		 JOIN accounts r ON t.recipient_id = r.id
		 ORDER BY t.created_at DESC, t.id DESC
		 LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []*AdminTransaction
	for rows.Next() {
		var at AdminTransaction
		var chargeID pgtype.Text
		if err := rows.Scan(
			&at.ID, &at.SenderID, &at.RecipientID, &at.AmountMinor, &at.Currency, &at.PaymentMethodID,
			&chargeID, &at.Status, &at.IdempotencyKey, &at.CreatedAt, &at.UpdatedAt,
			&at.SenderEmail, &at.RecipientEmail,
		); err != nil {
			return nil, err
		}
		at.ProcessorChargeID = stringPtrFromPgtext(chargeID)
		txns = append(txns, &at)
	}
	return txns, rows.Err()
}

// ListTransactionsByStatus returns transactions in the given status, oldest
// first. Used by the reconciliation worker to find stuck rows.
func (s *Store) ListTransactionsByStatus(ctx context.Context, status string, limit int32) ([]*Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, sender_id, recipient_id, amount_minor, currency, payment_method_id,
		        processor_charge_id, status, idempotency_key, created_at, updated_at
		 FROM transactions WHERE status = $1
		 ORDER BY created_at ASC
		 LIMIT $2`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []*Transaction
	for rows.Next() {
		var txn Transaction
		var chargeID pgtype.Text
		if err := rows.Scan(
			&txn.ID, &txn.SenderID, &txn.RecipientID, &txn.AmountMinor, &txn.Currency, &txn.PaymentMethodID,
			&chargeID, &txn.Status, &txn.IdempotencyKey, &txn.CreatedAt, &txn.UpdatedAt,
		); err != nil {
			return nil, err
		}
		txn.ProcessorChargeID = stringPtrFromPgtext(chargeID)
		txns = append(txns, &txn)
	}
	return txns, rows.Err()
}

// ListUnsettledTransactions returns transactions whose charge outcome is not
// settled in the ledger: every failed_ambiguous row, plus charging and
// reconciling rows untouched for at least staleAfter. The staleness guard
// keeps the sweep from racing an executor that is still working the row.
func (s *Store) ListUnsettledTransactions(ctx context.Context, staleAfter time.Duration, limit int32) ([]*Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, sender_id, recipient_id, amount_minor, currency, payment_method_id,
		        processor_charge_id, status, idempotency_key, created_at, updated_at
		 FROM transactions
		 WHERE status = 'failed_ambiguous'
		    OR (status IN ('charging', 'reconciling')
		        AND updated_at < now() - make_interval(secs => $1))
		 ORDER BY created_at ASC
		 LIMIT $2`, staleAfter.Seconds(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []*Transaction
	for rows.Next() {
		var txn Transaction
		var chargeID pgtype.Text
		if err := rows.Scan(
			&txn.ID, &txn.SenderID, &txn.RecipientID, &txn.AmountMinor, &txn.Currency, &txn.PaymentMethodID,
			&chargeID, &txn.Status, &txn.IdempotencyKey, &txn.CreatedAt, &txn.UpdatedAt,
		); err != nil {
			return nil, err
		}
		txn.ProcessorChargeID = stringPtrFromPgtext(chargeID)
		txns = append(txns, &txn)
	}
	return txns, rows.Err()
}

// Idempotency claim states.
const (
	ClaimFresh    = "fresh"
	ClaimInFlight = "in_flight"
	ClaimResolved = "resolved"
)

// IdempotencyClaim is the result of attempting to claim an idempotency key.
type IdempotencyClaim struct {
	// State is one of ClaimFresh, ClaimInFlight, ClaimResolved.
	State string
	// TransactionID is the transaction bound to this key. For a fresh claim
	// it is the id the caller supplied; otherwise it is the id recorded by
	// the original attempt.
	TransactionID uuid.UUID
	// Outcome is the recorded terminal status, set only when State is
	// ClaimResolved.
	Outcome *string
}

// ClaimIdempotencyKey atomically claims a key for the given transaction id.
// The insert-if-absent is a single statement, so exactly one of any number of
// concurrent claimants observes a fresh claim; the rest see the original
// attempt's state.
func (s *Store) ClaimIdempotencyKey(ctx context.Context, key string, transactionID uuid.UUID) (*IdempotencyClaim, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (key, transaction_id, state)
		 VALUES ($1, $2, 'in_flight')
		 ON CONFLICT (key) DO NOTHING`,
		key, transactionID)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 1 {
		return &IdempotencyClaim{State: ClaimFresh, TransactionID: transactionID}, nil
	}

	// Key already claimed; report the original attempt's state.
	var claim IdempotencyClaim
	var state string
	var outcome pgtype.Text
	err = s.pool.QueryRow(ctx,
		`SELECT transaction_id, state, outcome FROM idempotency_keys WHERE key = $1`, key,
	).Scan(&claim.TransactionID, &state, &outcome)
	if errors.Is(err, pgx.ErrNoRows) {
		// Claimed and deleted between our two statements; treat as in flight.
		return &IdempotencyClaim{State: ClaimInFlight, TransactionID: transactionID}, nil
	}
	if err != nil {
		return nil, err
	}

	claim.State = ClaimInFlight
	if state == "resolved" {
		claim.State = ClaimResolved
		claim.Outcome = stringPtrFromPgtext(outcome)
	}
	return &claim, nil
}

// ResolveIdempotencyKey records the final outcome for a key. The update is
// conditional on the in_flight state, so re-resolving an already-resolved key
// is a no-op rather than an overwrite.
func (s *Store) ResolveIdempotencyKey(ctx context.Context, key string, transactionID uuid.UUID, outcome string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE idempotency_keys
		 SET state = 'resolved', outcome = $3, resolved_at = now()
		 WHERE key = $1 AND transaction_id = $2 AND state = 'in_flight'`,
		key, transactionID, outcome)
	return err
}

// scanTransaction scans a single transaction row, mapping pgx.ErrNoRows to
// ErrNotFound.
func scanTransaction(row pgx.Row) (*Transaction, error) {
	var txn Transaction
	var chargeID pgtype.Text
	err := row.Scan(
		&txn.ID, &txn.SenderID, &txn.RecipientID, &txn.AmountMinor, &txn.Currency, &txn.PaymentMethodID,
		&chargeID, &txn.Status, &txn.IdempotencyKey, &txn.CreatedAt, &txn.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	txn.ProcessorChargeID = stringPtrFromPgtext(chargeID)
	return &txn, nil
}

// Helper functions to convert between pgtype values and domain types

func pgtextFromStringPtr(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: *s, Valid: true}
}

func stringPtrFromPgtext(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	return &t.String
}
