package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAccountID = "11111111-1111-1111-1111-111111111111"

func TestCreateTransfer(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "POST", r.Method)
			assert.Equal(t, "/api/v1/transfers", r.URL.Path)
			assert.Equal(t, testAccountID, r.Header.Get("X-Account-ID"))

			var params CreateTransferParams
			require.NoError(t, json.NewDecoder(r.Body).Decode(&params))
			assert.Equal(t, "bob@example.com", params.RecipientEmail)
			assert.Equal(t, "50.00", params.Amount)

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(TransferResult{
				Transaction: Transaction{
					ID:       "txn-1",
					Amount:   "50.00",
					Currency: "usd",
					Status:   "completed",
				},
			})
		}))
		defer srv.Close()

		c := NewClient(srv.URL, testAccountID, nil, nil)
		result, err := c.CreateTransfer(context.Background(), CreateTransferParams{
			RecipientEmail:  "bob@example.com",
			Amount:          "50.00",
			Currency:        "usd",
			PaymentMethodID: "pm-1",
		})
		require.NoError(t, err)
		assert.Equal(t, "txn-1", result.Transaction.ID)
		assert.Equal(t, "completed", result.Transaction.Status)
		assert.False(t, result.Replayed)
	})

	t.Run("replayed outcome", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(TransferResult{
				Transaction: Transaction{ID: "txn-1", Status: "completed"},
				Replayed:    true,
			})
		}))
		defer srv.Close()

		c := NewClient(srv.URL, testAccountID, nil, nil)
		result, err := c.CreateTransfer(context.Background(), CreateTransferParams{})
		require.NoError(t, err)
		assert.True(t, result.Replayed)
	})

	t.Run("server error is surfaced", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusPaymentRequired)
			json.NewEncoder(w).Encode(map[string]string{"error": "charge declined"})
		}))
		defer srv.Close()

		c := NewClient(srv.URL, testAccountID, nil, nil)
		_, err := c.CreateTransfer(context.Background(), CreateTransferParams{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "charge declined")
	})
}

func TestRegisterPaymentMethod(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/v1/payment-methods", r.URL.Path)

		var params RegisterCardParams
		require.NoError(t, json.NewDecoder(r.Body).Decode(&params))
		assert.Equal(t, "06/30", params.Expiry)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]PaymentMethod{
			"payment_method": {ID: "pm-1", Brand: "visa", Last4: "4242", ExpMonth: 6, ExpYear: 2030},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testAccountID, nil, nil)
	method, err := c.RegisterPaymentMethod(context.Background(), RegisterCardParams{
		Number: "4242 4242 4242 4242",
		CVC:    "123",
		Expiry: "06/30",
	})
	require.NoError(t, err)
	assert.Equal(t, "pm-1", method.ID)
	assert.Equal(t, "4242", method.Last4)
}

func TestListPaymentMethods(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/payment-methods", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string][]*PaymentMethod{
			"payment_methods": {{ID: "pm-1", Brand: "visa"}, {ID: "pm-2", Brand: "mastercard"}},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testAccountID, nil, nil)
	methods, err := c.ListPaymentMethods(context.Background())
	require.NoError(t, err)
	require.Len(t, methods, 2)
	assert.Equal(t, "mastercard", methods[1].Brand)
}

func TestListTransactions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/admin/transactions", r.URL.Path)
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		assert.Equal(t, "20", r.URL.Query().Get("offset"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string][]*AdminTransaction{
			"transactions": {
				{
					Transaction:    Transaction{ID: "txn-1", Amount: "50.00", Currency: "usd", Status: "completed"},
					SenderEmail:    "alice@example.com",
					RecipientEmail: "bob@example.com",
				},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testAccountID, nil, nil)
	transactions, err := c.ListTransactions(context.Background(), 10, 20)
	require.NoError(t, err)
	require.Len(t, transactions, 1)
	assert.Equal(t, "alice@example.com", transactions[0].SenderEmail)
}
