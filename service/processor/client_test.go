package processor

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestCharge_Success(t *testing.T) {
	var gotIdempotencyKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "POST", r.Method)
		require.Equal(t, "/v1/charges", r.URL.Path)
		require.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		gotIdempotencyKey = r.Header.Get("Idempotency-Key")

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(5000), body["amount"])
		assert.Equal(t, "usd", body["currency"])
		assert.Equal(t, "tok_visa", body["token"])

		json.NewEncoder(w).Encode(Charge{ID: "ch_1", Status: ChargeSucceeded})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "sk_test", nil, nil, testLogger())

	charge, err := client.Charge(context.Background(), ChargeParams{
		AmountMinor:          5000,
		Currency:             "usd",
		Token:                "tok_visa",
		IdempotencyReference: "txn-abc",
	})
	require.NoError(t, err)
	assert.Equal(t, "ch_1", charge.ID)
	assert.Equal(t, ChargeSucceeded, charge.Status)
	assert.Equal(t, "txn-abc", gotIdempotencyKey)
}

func TestCharge_Declined(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"code": "card_declined", "message": "insufficient funds"},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "sk_test", nil, nil, testLogger())

	_, err := client.Charge(context.Background(), ChargeParams{
		AmountMinor: 5000, Currency: "usd", Token: "tok_visa", IdempotencyReference: "txn-1",
	})
	require.ErrorIs(t, err, ErrDeclined)
	assert.Contains(t, err.Error(), "card_declined")
}

func TestCharge_DeclinedInBody(t *testing.T) {
	// Some processors report declines with a 200 and a declined status.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Charge{ID: "ch_2", Status: ChargeDeclined})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "sk_test", nil, nil, testLogger())

	charge, err := client.Charge(context.Background(), ChargeParams{
		AmountMinor: 5000, Currency: "usd", Token: "tok_visa", IdempotencyReference: "txn-2",
	})
	require.ErrorIs(t, err, ErrDeclined)
	require.NotNil(t, charge)
	assert.Equal(t, "ch_2", charge.ID)
}

func TestCharge_AmbiguousFailures(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		client := NewClient(srv.URL, "sk_test", nil, nil, testLogger())
		_, err := client.Charge(context.Background(), ChargeParams{
			AmountMinor: 100, Currency: "usd", Token: "tok", IdempotencyReference: "txn-3",
		})
		require.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}))
		defer srv.Close()

		httpClient := &http.Client{Timeout: 20 * time.Millisecond}
		client := NewClient(srv.URL, "sk_test", httpClient, nil, testLogger())
		_, err := client.Charge(context.Background(), ChargeParams{
			AmountMinor: 100, Currency: "usd", Token: "tok", IdempotencyReference: "txn-4",
		})
		require.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("connection refused", func(t *testing.T) {
		client := NewClient("http://127.0.0.1:1", "sk_test", nil, nil, testLogger())
		_, err := client.Charge(context.Background(), ChargeParams{
			AmountMinor: 100, Currency: "usd", Token: "tok", IdempotencyReference: "txn-5",
		})
		require.ErrorIs(t, err, ErrUnavailable)
	})
}

func TestGetChargeStatus(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/v1/charges/txn-abc", r.URL.Path)
			json.NewEncoder(w).Encode(Charge{ID: "ch_1", Status: ChargeSucceeded})
		}))
		defer srv.Close()

		client := NewClient(srv.URL, "sk_test", nil, nil, testLogger())
		charge, err := client.GetChargeStatus(context.Background(), "txn-abc")
		require.NoError(t, err)
		assert.Equal(t, ChargeSucceeded, charge.Status)
	})

	t.Run("not found", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		client := NewClient(srv.URL, "sk_test", nil, nil, testLogger())
		_, err := client.GetChargeStatus(context.Background(), "txn-missing")
		require.ErrorIs(t, err, ErrChargeNotFound)
	})
}

func TestTokenize(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/v1/tokens", r.URL.Path)

			var body struct {
				Card CardDetails `json:"card"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "4242424242424242", body.Card.Number)

			json.NewEncoder(w).Encode(Token{
				ID: "tok_abc", Brand: "visa", Last4: "4242",
				ExpMonth: body.Card.ExpMonth, ExpYear: body.Card.ExpYear,
			})
		}))
		defer srv.Close()

		client := NewClient(srv.URL, "sk_test", nil, nil, testLogger())
		token, err := client.Tokenize(context.Background(), CardDetails{
			Number: "4242424242424242", CVC: "123", ExpMonth: 12, ExpYear: 2030,
		})
		require.NoError(t, err)
		assert.Equal(t, "tok_abc", token.ID)
		assert.Equal(t, "visa", token.Brand)
		assert.Equal(t, "4242", token.Last4)
	})

	t.Run("invalid card rejected", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error": map[string]string{"code": "invalid_number", "message": "card number is invalid"},
			})
		}))
		defer srv.Close()

		client := NewClient(srv.URL, "sk_test", nil, nil, testLogger())
		_, err := client.Tokenize(context.Background(), CardDetails{Number: "1234", CVC: "000", ExpMonth: 1, ExpYear: 2030})
		require.ErrorIs(t, err, ErrRejected)
		assert.Contains(t, err.Error(), "invalid_number")
	})
}
