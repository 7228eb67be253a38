package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/perchpay/perch/service/db"
	"github.com/perchpay/perch/service/processor"
)

var (
	// ErrInvalidCard means the card input is structurally invalid: missing
	// fields, unparseable expiry, expiry in the past, or a number that
	// fails the mod-10 check. Nothing was sent to the processor.
	ErrInvalidCard = errors.New("invalid card details")

	// ErrProcessorRejected means tokenization reached the processor and was
	// refused (invalid card, expired, declined).
	ErrProcessorRejected = errors.New("card rejected by processor")

	// ErrNotFound means no payment method exists with the given id.
	ErrNotFound = errors.New("payment method not found")

	// ErrForbidden means the payment method exists but belongs to a
	// different account.
	ErrForbidden = errors.New("payment method belongs to another account")
)

// Store defines the database operations needed by the vault.
type Store interface {
	CreatePaymentMethod(ctx context.Context, params db.CreatePaymentMethodParams) (*db.PaymentMethod, error)
	GetPaymentMethod(ctx context.Context, id uuid.UUID) (*db.PaymentMethod, error)
	ListPaymentMethodsByAccount(ctx context.Context, accountID uuid.UUID) ([]*db.PaymentMethod, error)
}

// Tokenizer defines the processor operation needed by the vault.
type Tokenizer interface {
	Tokenize(ctx context.Context, card processor.CardDetails) (*processor.Token, error)
}

// Vault maps opaque processor tokens to owning accounts. Raw card details
// pass through Register on their way to the processor; only the returned
// token and display metadata are persisted.
type Vault struct {
	store     Store
	tokenizer Tokenizer
	logger    *slog.Logger

	// now is injectable for expiry tests.
	now func() time.Time
}

// New creates a new Vault.
func New(store Store, tokenizer Tokenizer, logger *slog.Logger) *Vault {
	if logger == nil {
		logger = slog.Default()
	}
	return &Vault{
		store:     store,
		tokenizer: tokenizer,
		logger:    logger,
		now:       time.Now,
	}
}

// Register tokenizes a card with the processor and stores the resulting
// opaque token for the owning account.
func (v *Vault) Register(ctx context.Context, ownerID uuid.UUID, card RawCard) (*db.PaymentMethod, error) {
	if card.Number == "" || card.CVC == "" || card.Expiry == "" {
		return nil, fmt.Errorf("%w: number, cvc, and expiry are required", ErrInvalidCard)
	}

	number := normalizeCardNumber(card.Number)
	if !passesLuhn(number) {
		return nil, fmt.Errorf("%w: card number failed checksum", ErrInvalidCard)
	}

	month, year, err := parseExpiry(card.Expiry)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCard, err)
	}
	if expired(month, year, v.now()) {
		return nil, fmt.Errorf("%w: card expired %02d/%d", ErrInvalidCard, month, year)
	}

	token, err := v.tokenizer.Tokenize(ctx, processor.CardDetails{
		Number:   number,
		CVC:      card.CVC,
		ExpMonth: month,
		ExpYear:  year,
	})
	if err != nil {
		if errors.Is(err, processor.ErrRejected) || errors.Is(err, processor.ErrDeclined) {
			return nil, fmt.Errorf("%w: %v", ErrProcessorRejected, err)
		}
		return nil, fmt.Errorf("tokenization failed: %w", err)
	}

	pm, err := v.store.CreatePaymentMethod(ctx, db.CreatePaymentMethodParams{
		AccountID:      ownerID,
		ProcessorToken: token.ID,
		Brand:          token.Brand,
		Last4:          token.Last4,
		ExpMonth:       token.ExpMonth,
		ExpYear:        token.ExpYear,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store payment method: %w", err)
	}

	v.logger.InfoContext(ctx, "payment method registered",
		"payment_method_id", pm.ID,
		"account_id", ownerID,
		"brand", pm.Brand,
		"last4", pm.Last4,
	)
	return pm, nil
}

// ResolveOwned returns the payment method only if it belongs to the given
// owner. This is what prevents one account from charging another account's
// stored card.
func (v *Vault) ResolveOwned(ctx context.Context, id, ownerID uuid.UUID) (*db.PaymentMethod, error) {
	pm, err := v.store.GetPaymentMethod(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if pm.AccountID != ownerID {
		v.logger.WarnContext(ctx, "cross-account payment method use blocked",
			"payment_method_id", id,
			"owner_id", pm.AccountID,
			"caller_id", ownerID,
		)
		return nil, ErrForbidden
	}
	return pm, nil
}

// ListOwned returns all stored payment methods for an account.
func (v *Vault) ListOwned(ctx context.Context, ownerID uuid.UUID) ([]*db.PaymentMethod, error) {
	return v.store.ListPaymentMethodsByAccount(ctx, ownerID)
}
