package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stakeops/taxledger/entities"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testApiKey    = "test-key"
	testSecretKey = "test-secret"
)

func verifySignature(t *testing.T, r *http.Request) {
	require.Equal(t, testApiKey, r.Header.Get("X-API-KEY"))

	query := r.URL.Query()
	signature := query.Get("signature")
	require.NotEmpty(t, signature)
	query.Del("signature")

	signed := url.Values{}
	for key, values := range query {
		signed[key] = values
	}
	mac := hmac.New(sha256.New, []byte(testSecretKey))
	mac.Write([]byte(signed.Encode()))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), signature)
}

func TestClient_OrderStatus(t *testing.T) {

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		verifySignature(t, r)
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/v1/order", r.URL.Path)
		require.Equal(t, "ex-1", r.URL.Query().Get("orderId"))
		fmt.Fprint(w, `{"orderId":"ex-1","status":"filled","side":"sell","price":"150.25",
			"quantity":10000000000,"filledQuantity":10000000000,"updatedAt":1717286400000}`)
	}))
	t.Cleanup(server.Close)

	client := NewClient(server.URL, testApiKey, testSecretKey, time.Second)
	status, err := client.OrderStatus(context.Background(), "SOLUSD", "ex-1")
	require.NoError(t, err)

	assert.Equal(t, "ex-1", status.OrderID)
	assert.False(t, status.Open)
	assert.False(t, status.Cancelled)
	assert.Equal(t, entities.OrderSell, status.Side)
	assert.True(t, status.Price.Equal(decimal.RequireFromString("150.25")))
	assert.Equal(t, uint64(10_000_000_000), status.FilledQuantity)
	assert.Equal(t, time.UnixMilli(1717286400000).UTC(), status.LastUpdate)
}

func TestClient_PlaceOrder(t *testing.T) {

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		verifySignature(t, r)
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "client-1", r.URL.Query().Get("clientOrderId"))
		require.Equal(t, "sell", r.URL.Query().Get("side"))
		require.Equal(t, "150.25", r.URL.Query().Get("price"))
		fmt.Fprint(w, `{"orderId":"ex-1","status":"open"}`)
	}))
	t.Cleanup(server.Close)

	client := NewClient(server.URL, testApiKey, testSecretKey, time.Second)
	orderID, err := client.PlaceOrder(context.Background(), "client-1", "SOLUSD",
		entities.OrderSell, decimal.RequireFromString("150.25"), 10_000_000_000)
	require.NoError(t, err)
	assert.Equal(t, "ex-1", orderID)
}

func TestClient_InitiateTransfer(t *testing.T) {

	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		verifySignature(t, r)
		calls++
		require.Equal(t, "/v1/transfer", r.URL.Path)
		require.Equal(t, "corr-1", r.URL.Query().Get("correlationId"))
		// the orchestrator replays the same signature for a known correlation id
		fmt.Fprint(w, `{"signature":"sig-abc"}`)
	}))
	t.Cleanup(server.Close)

	client := NewClient(server.URL, testApiKey, testSecretKey, time.Second)

	first, err := client.InitiateTransfer(context.Background(), "corr-1", "acc-1", "stake-1", 5_000_000_000)
	require.NoError(t, err)
	second, err := client.InitiateTransfer(context.Background(), "corr-1", "acc-1", "stake-1", 5_000_000_000)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 2, calls)
}

func TestClient_ActivateStake(t *testing.T) {

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		verifySignature(t, r)
		require.Equal(t, "/v1/stake", r.URL.Path)
		require.Equal(t, "stake-1", r.URL.Query().Get("account"))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	client := NewClient(server.URL, testApiKey, testSecretKey, time.Second)
	err := client.ActivateStake(context.Background(), "corr-1", "stake-1", 5_000_000_000)
	require.NoError(t, err)
}

func TestClient_ServerErrorIsUnavailable(t *testing.T) {

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	client := NewClient(server.URL, testApiKey, testSecretKey, time.Second)
	_, err := client.OrderStatus(context.Background(), "SOLUSD", "ex-1")
	require.ErrorIs(t, err, entities.ErrUnavailable)
}

func TestClient_RateLimitIsUnavailable(t *testing.T) {

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	t.Cleanup(server.Close)

	client := NewClient(server.URL, testApiKey, testSecretKey, time.Second)
	_, err := client.InitiateTransfer(context.Background(), "corr-1", "acc-1", "stake-1", 1)
	require.ErrorIs(t, err, entities.ErrUnavailable)
}

func TestClient_BadRequestIsPermanent(t *testing.T) {

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown pair", http.StatusBadRequest)
	}))
	t.Cleanup(server.Close)

	client := NewClient(server.URL, testApiKey, testSecretKey, time.Second)
	_, err := client.OrderStatus(context.Background(), "XXXUSD", "ex-1")
	require.Error(t, err)
	require.NotErrorIs(t, err, entities.ErrUnavailable)
}
