package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Transaction represents a ledger transaction as returned by the API.
type Transaction struct {
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

// AdminTransaction is a transaction joined with the parties' emails.
type AdminTransaction struct {
	Transaction
	SenderEmail    string `json:"sender_email"`
	RecipientEmail string `json:"recipient_email"`
}

// PaymentMethod represents a stored card as returned by the API. The raw card
// details never leave the processor.
type PaymentMethod struct {
	ID        string    `json:"id"`
	Brand     string    `json:"brand"`
	Last4     string    `json:"last4"`
	ExpMonth  int       `json:"exp_month"`
	ExpYear   int       `json:"exp_year"`
	CreatedAt time.Time `json:"created_at"`
}

// TransferResult is the outcome of a transfer request. Replayed indicates the
// server matched a previously finalized transfer with the same idempotency key.
type TransferResult struct {
	Transaction Transaction `json:"transaction"`
	Replayed    bool        `json:"replayed"`
}

// Client is the HTTP client for the perch transfer service. The account id is
// sent on every request as the verified-account header the service expects
// from its auth layer.
type Client struct {
	baseURL    string
	accountID  string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new transfer service client acting as the given account.
func NewClient(baseURL, accountID string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		accountID:  accountID,
		httpClient: httpClient,
		logger:     logger,
	}
}

// CreateTransferParams are the parameters for a transfer.
type CreateTransferParams struct {
	RecipientEmail  string `json:"recipient_email"`
	Amount          string `json:"amount"` // decimal string, e.g. "50.00"
	Currency        string `json:"currency"`
	PaymentMethodID string `json:"payment_method_id"`
	IdempotencyKey  string `json:"idempotency_key,omitempty"`
	Nonce           string `json:"nonce,omitempty"`
}

// CreateTransfer executes a transfer to another account.
func (c *Client) CreateTransfer(ctx context.Context, params CreateTransferParams) (*TransferResult, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := c.newRequest(ctx, "POST", "/api/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var result TransferResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Debug("transfer created",
		"transaction_id", result.Transaction.ID,
		"status", result.Transaction.Status,
		"replayed", result.Replayed,
	)
	return &result, nil
}

// GetTransfer retrieves one of the caller's transactions.
func (c *Client) GetTransfer(ctx context.Context, id string) (*Transaction, error) {
	req, err := c.newRequest(ctx, "GET", "/api/v1/transfers/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var response struct {
		Transaction Transaction `json:"transaction"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &response.Transaction, nil
}

// RegisterCardParams are the raw card details sent for tokenization.
type RegisterCardParams struct {
	Number string `json:"number"`
	CVC    string `json:"cvc"`
	Expiry string `json:"expiry"` // MM/YY
}

// RegisterPaymentMethod registers a card and returns the stored metadata.
func (c *Client) RegisterPaymentMethod(ctx context.Context, params RegisterCardParams) (*PaymentMethod, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := c.newRequest(ctx, "POST", "/api/v1/payment-methods", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, c.parseErrorResponse(resp)
	}

	var response struct {
		PaymentMethod PaymentMethod `json:"payment_method"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Debug("payment method registered",
		"payment_method_id", response.PaymentMethod.ID,
		"brand", response.PaymentMethod.Brand,
	)
	return &response.PaymentMethod, nil
}

// ListPaymentMethods retrieves the caller's stored cards.
func (c *Client) ListPaymentMethods(ctx context.Context) ([]*PaymentMethod, error) {
	req, err := c.newRequest(ctx, "GET", "/api/v1/payment-methods", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var response struct {
		PaymentMethods []*PaymentMethod `json:"payment_methods"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return response.PaymentMethods, nil
}

// ListTransactions retrieves the audit listing of all transactions, newest
// first.
func (c *Client) ListTransactions(ctx context.Context, limit, offset int) ([]*AdminTransaction, error) {
	path := "/api/v1/admin/transactions"
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	req, err := c.newRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var response struct {
		Transactions []*AdminTransaction `json:"transactions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return response.Transactions, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Account-ID", c.accountID)
	return req, nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	return fmt.Errorf("request failed: %s", errResp.Error)
}
