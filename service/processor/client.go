package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/perchpay/perch/service/metrics"
)

// Client talks to the external payment processor's HTTP API.
// All calls carry a bounded timeout via the injected http.Client; a timeout
// is surfaced as ErrUnavailable, never silently treated as failure.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewClient creates a new processor client.
// If httpClient is nil, a default client with a 10s timeout is used.
// If m is nil, no metrics will be recorded.
func NewClient(baseURL, apiKey string, httpClient *http.Client, m *metrics.Metrics, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: httpClient,
		metrics:    m,
		logger:     logger,
	}
}

// Tokenize exchanges raw card details for an opaque token.
// The raw details exist only in this request; nothing is stored locally.
func (c *Client) Tokenize(ctx context.Context, card CardDetails) (*Token, error) {
	body, err := json.Marshal(map[string]interface{}{"card": card})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tokenize request: %w", err)
	}

	var token Token
	if err := c.do(ctx, "Tokenize", http.MethodPost, "/v1/tokens", body, "", &token); err != nil {
		return nil, err
	}

	c.logger.DebugContext(ctx, "card tokenized", "brand", token.Brand, "last4", token.Last4)
	return &token, nil
}

// Charge charges a tokenized card. The idempotency reference is sent as the
// Idempotency-Key header, so the processor deduplicates retries of the same
// logical charge on its side as well.
func (c *Client) Charge(ctx context.Context, params ChargeParams) (*Charge, error) {
	body, err := json.Marshal(map[string]interface{}{
		"amount":   params.AmountMinor,
		"currency": params.Currency,
		"token":    params.Token,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal charge request: %w", err)
	}

	var charge Charge
	if err := c.do(ctx, "Charge", http.MethodPost, "/v1/charges", body, params.IdempotencyReference, &charge); err != nil {
		return nil, err
	}

	if charge.Status == ChargeDeclined {
		return &charge, fmt.Errorf("charge %s: %w", charge.ID, ErrDeclined)
	}

	c.logger.DebugContext(ctx, "charge created",
		"charge_id", charge.ID,
		"status", charge.Status,
		"reference", params.IdempotencyReference,
	)
	return &charge, nil
}

// GetChargeStatus queries the processor for the charge recorded under an
// idempotency reference. Returns ErrChargeNotFound if the processor has no
// record of the reference, which means the charge was never made.
func (c *Client) GetChargeStatus(ctx context.Context, idempotencyReference string) (*Charge, error) {
	path := "/v1/charges/" + url.PathEscape(idempotencyReference)

	var charge Charge
	if err := c.do(ctx, "GetChargeStatus", http.MethodGet, path, nil, "", &charge); err != nil {
		return nil, err
	}
	return &charge, nil
}

// do executes one processor API call and classifies the failure mode:
// transport errors and 5xx responses are ambiguous (ErrUnavailable), 402 is
// a confirmed decline, 404 means no such charge, and other 4xx responses are
// request rejections.
func (c *Client) do(ctx context.Context, method, httpMethod, path string, body []byte, idempotencyKey string, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, httpMethod, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)

	if err != nil {
		// Timeout, connection refused, reset: the outcome is unknown.
		c.record(method, "unavailable", duration)
		c.logger.WarnContext(ctx, "processor call failed",
			"method", method,
			"error", err,
		)
		return fmt.Errorf("%s: %v: %w", method, err, ErrUnavailable)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.record(method, "success", duration)
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("%s: failed to decode response: %w", method, err)
			}
		}
		return nil

	case resp.StatusCode == http.StatusPaymentRequired:
		c.record(method, "declined", duration)
		return fmt.Errorf("%s: %s: %w", method, readAPIError(resp.Body), ErrDeclined)

	case resp.StatusCode == http.StatusNotFound:
		c.record(method, "not_found", duration)
		return fmt.Errorf("%s: %w", method, ErrChargeNotFound)

	case resp.StatusCode >= 500:
		c.record(method, "unavailable", duration)
		return fmt.Errorf("%s: processor returned %d: %w", method, resp.StatusCode, ErrUnavailable)

	default:
		c.record(method, "rejected", duration)
		return fmt.Errorf("%s: %s: %w", method, readAPIError(resp.Body), ErrRejected)
	}
}

func (c *Client) record(method, status string, duration time.Duration) {
	if c.metrics != nil {
		c.metrics.RecordProcessorCall(method, status, duration)
	}
}

// readAPIError extracts the error message from a processor error response.
func readAPIError(body io.Reader) string {
	var apiErr struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(body).Decode(&apiErr); err != nil || apiErr.Error.Message == "" {
		return "unknown processor error"
	}
	if apiErr.Error.Code != "" {
		return apiErr.Error.Code + ": " + apiErr.Error.Message
	}
	return apiErr.Error.Message
}
