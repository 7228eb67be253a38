package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/perchpay/perch/service/db"
	"github.com/perchpay/perch/service/money"
	"github.com/perchpay/perch/service/transfer"
	"github.com/perchpay/perch/service/vault"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB - plenty for any API request
	accountIDHeader    = "X-Account-ID"

	defaultListLimit = 50
	maxListLimit     = 500
)

// Store defines the database operations needed by the handlers.
type Store interface {
	GetAccount(ctx context.Context, id uuid.UUID) (*db.Account, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (*db.Transaction, error)
	ListTransactions(ctx context.Context, limit, offset int32) ([]*db.AdminTransaction, error)
}

// Executor runs transfers to a terminal outcome.
type Executor interface {
	Execute(ctx context.Context, req transfer.Request) (*transfer.Result, error)
}

// VaultService manages stored payment methods.
type VaultService interface {
	Register(ctx context.Context, ownerID uuid.UUID, card vault.RawCard) (*db.PaymentMethod, error)
	ListOwned(ctx context.Context, ownerID uuid.UUID) ([]*db.PaymentMethod, error)
}

type contextKey string

const accountIDKey contextKey = "account_id"

// requireAccount verifies the X-Account-ID header set by the upstream auth
// layer and stores the verified account id in the request context. Requests
// without a valid, known account id are rejected.
func requireAccount(store Store, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(accountIDHeader)
		if raw == "" {
			writeError(w, "missing "+accountIDHeader+" header", http.StatusUnauthorized)
			return
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, "invalid account id", http.StatusUnauthorized)
			return
		}
		if _, err := store.GetAccount(r.Context(), id); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				writeError(w, "unknown account", http.StatusUnauthorized)
				return
			}
			logger.Error("failed to verify account", "account_id", id, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		ctx := context.WithValue(r.Context(), accountIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// accountID returns the verified account id stored by requireAccount.
func accountID(r *http.Request) uuid.UUID {
	id, _ := r.Context().Value(accountIDKey).(uuid.UUID)
	return id
}

// transferRequest is the request body for creating a transfer.
type transferRequest struct {
	RecipientEmail  string `json:"recipient_email"`
	Amount          string `json:"amount"` // decimal string, e.g. "50.00"
	Currency        string `json:"currency"`
	PaymentMethodID string `json:"payment_method_id"`
	IdempotencyKey  string `json:"idempotency_key,omitempty"`
	Nonce           string `json:"nonce,omitempty"`
}

// transactionResponse is the API representation of a ledger transaction.
type transactionResponse struct {
	ID                string    `json:"id"`
	SenderID          string    `json:"sender_id"`
	RecipientID       string    `json:"recipient_id"`
	Amount            string    `json:"amount"`
	AmountMinor       int64     `json:"amount_minor"`
	Currency          string    `json:"currency"`
	PaymentMethodID   string    `json:"payment_method_id"`
	ProcessorChargeID *string   `json:"processor_charge_id,omitempty"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func transactionToResponse(txn *db.Transaction) transactionResponse {
	resp := transactionResponse{
		ID:                txn.ID.String(),
		SenderID:          txn.SenderID.String(),
		RecipientID:       txn.RecipientID.String(),
		AmountMinor:       txn.AmountMinor,
		Currency:          txn.Currency,
		PaymentMethodID:   txn.PaymentMethodID.String(),
		ProcessorChargeID: txn.ProcessorChargeID,
		Status:            txn.Status,
		CreatedAt:         txn.CreatedAt,
		UpdatedAt:         txn.UpdatedAt,
	}
	if amount, err := money.FromMinorUnits(txn.AmountMinor, txn.Currency); err == nil {
		resp.Amount = amount.Decimal()
	}
	return resp
}

// handleCreateTransfer returns a handler that executes a transfer.
// POST /api/v1/transfers
func handleCreateTransfer(executor Executor, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req transferRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}

		// Currency is optional and defaults to USD.
		currency := req.Currency
		if currency == "" {
			currency = "usd"
		}

		amount, err := money.Parse(req.Amount, currency)
		if err != nil {
			logger.Debug("invalid amount", "amount", req.Amount, "currency", currency, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		var methodID uuid.UUID
		if req.PaymentMethodID != "" {
			methodID, err = uuid.Parse(req.PaymentMethodID)
			if err != nil {
				writeError(w, "invalid payment_method_id", http.StatusBadRequest)
				return
			}
		}

		result, err := executor.Execute(r.Context(), transfer.Request{
			SenderID:        accountID(r),
			RecipientEmail:  req.RecipientEmail,
			Amount:          amount,
			PaymentMethodID: methodID,
			IdempotencyKey:  req.IdempotencyKey,
			Nonce:           req.Nonce,
		})
		if err != nil {
			writeTransferError(w, logger, result, err)
			return
		}

		status := http.StatusCreated
		if result.Replayed {
			status = http.StatusOK
		}
		writeJSON(w, map[string]interface{}{
			"transaction": transactionToResponse(result.Transaction),
			"replayed":    result.Replayed,
		}, status)
	})
}

// writeTransferError maps the executor's error taxonomy onto HTTP statuses.
// Outcomes with a ledger row (declined, ambiguous) include the transaction so
// callers can see what was recorded.
func writeTransferError(w http.ResponseWriter, logger *slog.Logger, result *transfer.Result, err error) {
	var txn *db.Transaction
	if result != nil {
		txn = result.Transaction
	}

	switch {
	case errors.Is(err, transfer.ErrValidation):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, transfer.ErrRecipientNotFound):
		writeError(w, "recipient not found", http.StatusNotFound)
	case errors.Is(err, transfer.ErrPaymentMethodNotFound):
		writeError(w, "payment method not found", http.StatusNotFound)
	case errors.Is(err, transfer.ErrForbidden):
		writeError(w, "payment method not owned by sender", http.StatusForbidden)
	case errors.Is(err, transfer.ErrConcurrentDuplicate):
		writeError(w, "a transfer with this idempotency key is already in flight", http.StatusConflict)
	case errors.Is(err, transfer.ErrChargeDeclined):
		writeErrorWithTransaction(w, "charge declined", txn, http.StatusPaymentRequired)
	case errors.Is(err, transfer.ErrReconciliationRequired):
		writeErrorWithTransaction(w, "charge outcome unknown, reconciliation required", txn, http.StatusBadGateway)
	default:
		logger.Error("transfer execution failed", "error", err)
		writeError(w, "internal server error", http.StatusInternalServerError)
	}
}

// handleGetTransfer returns a handler that retrieves one of the caller's
// transactions.
// GET /api/v1/transfers/{id}
func handleGetTransfer(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			writeError(w, "invalid transaction id", http.StatusBadRequest)
			return
		}

		txn, err := store.GetTransaction(r.Context(), id)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				writeError(w, "transaction not found", http.StatusNotFound)
				return
			}
			logger.Error("failed to get transaction", "transaction_id", id, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		// Only the two parties may see the transaction.
		caller := accountID(r)
		if txn.SenderID != caller && txn.RecipientID != caller {
			writeError(w, "transaction not found", http.StatusNotFound)
			return
		}

		writeJSON(w, map[string]interface{}{
			"transaction": transactionToResponse(txn),
		}, http.StatusOK)
	})
}

// paymentMethodRequest is the request body for registering a card.
type paymentMethodRequest struct {
	Number string `json:"number"`
	CVC    string `json:"cvc"`
	Expiry string `json:"expiry"` // MM/YY
}

// paymentMethodResponse is the API representation of a stored payment method.
// Only the opaque token's metadata is ever returned.
type paymentMethodResponse struct {
	ID        string    `json:"id"`
	Brand     string    `json:"brand"`
	Last4     string    `json:"last4"`
	ExpMonth  int       `json:"exp_month"`
	ExpYear   int       `json:"exp_year"`
	CreatedAt time.Time `json:"created_at"`
}

func paymentMethodToResponse(method *db.PaymentMethod) paymentMethodResponse {
	return paymentMethodResponse{
		ID:        method.ID.String(),
		Brand:     method.Brand,
		Last4:     method.Last4,
		ExpMonth:  method.ExpMonth,
		ExpYear:   method.ExpYear,
		CreatedAt: method.CreatedAt,
	}
}

// handleRegisterPaymentMethod returns a handler that registers a new card.
// POST /api/v1/payment-methods
func handleRegisterPaymentMethod(vaultService VaultService, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req paymentMethodRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}

		method, err := vaultService.Register(r.Context(), accountID(r), vault.RawCard{
			Number: req.Number,
			CVC:    req.CVC,
			Expiry: req.Expiry,
		})
		if err != nil {
			switch {
			case errors.Is(err, vault.ErrInvalidCard):
				writeError(w, err.Error(), http.StatusBadRequest)
			case errors.Is(err, vault.ErrProcessorRejected):
				writeError(w, "card rejected by processor", http.StatusUnprocessableEntity)
			default:
				logger.Error("failed to register payment method", "error", err)
				writeError(w, "internal server error", http.StatusInternalServerError)
			}
			return
		}

		writeJSON(w, map[string]interface{}{
			"payment_method": paymentMethodToResponse(method),
		}, http.StatusCreated)
	})
}

// handleListPaymentMethods returns a handler that lists the caller's cards.
// GET /api/v1/payment-methods
func handleListPaymentMethods(vaultService VaultService, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods, err := vaultService.ListOwned(r.Context(), accountID(r))
		if err != nil {
			logger.Error("failed to list payment methods", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := make([]paymentMethodResponse, len(methods))
		for i, method := range methods {
			resp[i] = paymentMethodToResponse(method)
		}
		writeJSON(w, map[string]interface{}{
			"payment_methods": resp,
		}, http.StatusOK)
	})
}

// adminTransactionResponse is a transaction joined with the parties' emails.
type adminTransactionResponse struct {
	transactionResponse
	SenderEmail    string `json:"sender_email"`
	RecipientEmail string `json:"recipient_email"`
}

// handleListTransactions returns a handler that lists the whole ledger for
// auditing, newest first.
// GET /api/v1/admin/transactions?limit={limit}&offset={offset}
func handleListTransactions(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := int32(defaultListLimit)
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 || n > maxListLimit {
				writeError(w, "limit must be between 1 and "+strconv.Itoa(maxListLimit), http.StatusBadRequest)
				return
			}
			limit = int32(n)
		}
		offset := int32(0)
		if raw := r.URL.Query().Get("offset"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeError(w, "offset must be non-negative", http.StatusBadRequest)
				return
			}
			offset = int32(n)
		}

		transactions, err := store.ListTransactions(r.Context(), limit, offset)
		if err != nil {
			logger.Error("failed to list transactions", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := make([]adminTransactionResponse, len(transactions))
		for i, txn := range transactions {
			resp[i] = adminTransactionResponse{
				transactionResponse: transactionToResponse(&txn.Transaction),
				SenderEmail:         txn.SenderEmail,
				RecipientEmail:      txn.RecipientEmail,
			}
		}
		writeJSON(w, map[string]interface{}{
			"transactions": resp,
		}, http.StatusOK)
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// writeErrorWithTransaction writes a JSON error response carrying the ledger
// row recorded for the failed transfer.
func writeErrorWithTransaction(w http.ResponseWriter, message string, txn *db.Transaction, statusCode int) {
	body := map[string]interface{}{
		"error": message,
	}
	if txn != nil {
		body["transaction"] = transactionToResponse(txn)
	}
	writeJSON(w, body, statusCode)
}
