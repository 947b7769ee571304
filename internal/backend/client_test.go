package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CheeseBout/storefront-checkout/internal/resilience"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := &Client{
		BaseURL:      srv.URL,
		ServiceToken: "svc-token",
		HTTP: resilience.HTTPClient{
			Client:      srv.Client(),
			MaxAttempts: 2,
			BaseBackoff: time.Millisecond,
		},
		Logger: zerolog.Nop(),
	}
	return client, srv
}

func TestCreateCheckoutSession(t *testing.T) {
	var gotAuth, gotUser string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotUser = r.Header.Get("X-Storefront-User")
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/checkout/sessions", r.URL.Path)

		var body struct {
			ProductIDs []string `json:"productIds"`
			BankCode   string   `json:"bankCode"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"p1", "p2"}, body.ProductIDs)
		assert.Equal(t, "NCB", body.BankCode)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": map[string]any{
				"paymentUrl": "https://gateway.example/pay?vnp_TxnRef=ORD-100",
				"orderRef":   "ORD-100",
				"amount":     125000.0,
			},
		})
	})

	session, err := client.CreateCheckoutSession(context.Background(), CreateSessionRequest{
		UserID:     "user-1",
		ProductIDs: []string{"p1", "p2"},
		BankCode:   "NCB",
	})
	require.NoError(t, err)
	assert.Equal(t, "ORD-100", session.OrderRef)
	assert.Equal(t, 125000.0, session.Amount)
	assert.Equal(t, "Bearer svc-token", gotAuth)
	assert.Equal(t, "user-1", gotUser)
}

func TestCreateCheckoutSessionRequiresProducts(t *testing.T) {
	client := &Client{BaseURL: "http://unused", HTTP: resilience.HTTPClient{Client: http.DefaultClient}}
	_, err := client.CreateCheckoutSession(context.Background(), CreateSessionRequest{UserID: "u"})
	require.Error(t, err)
}

func TestVerifyReturnForwardsQuery(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/payments/verify-return", r.URL.Path)
		assert.Equal(t, "00", r.URL.Query().Get("vnp_ResponseCode"))
		assert.Equal(t, "ORD-100", r.URL.Query().Get("vnp_TxnRef"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": map[string]any{
				"isSuccess":     true,
				"orderRef":      "ORD-100",
				"transactionId": "14650971",
				"message":       "Giao dich thanh cong",
			},
		})
	})

	result, err := client.VerifyReturn(context.Background(), "user-1",
		"https://app.example/payment-result?vnp_ResponseCode=00&vnp_TxnRef=ORD-100")
	require.NoError(t, err)
	assert.True(t, result.Approved)
	assert.Equal(t, "ORD-100", result.OrderRef)
	assert.Equal(t, "14650971", result.TransactionID)
}

func TestVerifyReturnDeclineIsNotAnError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": map[string]any{
				"isSuccess": false,
				"orderRef":  "ORD-100",
				"message":   "Transaction declined",
			},
		})
	})

	result, err := client.VerifyReturn(context.Background(), "user-1",
		"https://app.example/payment-result?vnp_ResponseCode=51")
	require.NoError(t, err)
	assert.False(t, result.Approved)
	assert.Equal(t, "Transaction declined", result.Message)
}

func TestVerifyReturnServerErrorIsTransientAndNotRetried(t *testing.T) {
	var calls atomic.Int64
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.VerifyReturn(context.Background(), "user-1",
		"https://app.example/payment-result?vnp_ResponseCode=00")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
	// verification is single-shot even though the general client retries
	assert.Equal(t, int64(1), calls.Load())
}

func TestVerifyReturnEnvelopeFailureIsTransient(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"message": "signature service unavailable",
		})
	})

	_, err := client.VerifyReturn(context.Background(), "user-1",
		"https://app.example/payment-result?vnp_ResponseCode=00")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestRemoveSelectedRetriesOnServerError(t *testing.T) {
	var calls atomic.Int64
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		require.Equal(t, "/api/cart/remove-selected", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": map[string]any{
				"items": []map[string]any{{"productId": "p3", "quantity": 1, "price": 50000.0}},
				"total": 50000.0,
			},
		})
	})

	snapshot, err := client.RemoveSelected(context.Background(), "user-1", []string{"p1", "p2"})
	require.NoError(t, err)
	require.Len(t, snapshot.Items, 1)
	assert.Equal(t, "p3", snapshot.Items[0].ProductID)
	assert.Equal(t, int64(2), calls.Load())
}

func TestRemoveSelectedEmptySetIsNoop(t *testing.T) {
	called := false
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})
	snapshot, err := client.RemoveSelected(context.Background(), "user-1", nil)
	require.NoError(t, err)
	assert.Empty(t, snapshot.Items)
	assert.False(t, called)
}

func TestClientErrorIsNotTransient(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"message": "unknown product id",
		})
	})
	_, err := client.RemoveSelected(context.Background(), "user-1", []string{"ghost"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnavailable))
	assert.Contains(t, err.Error(), "unknown product id")
}
