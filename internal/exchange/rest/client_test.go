package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/futbot/internal/exchange"
	"github.com/betbot/futbot/internal/exchange/signing"
)

const (
	testKey    = "rest-key-7001"
	testSecret = "rest-secret-7001"
)

// newFakeREST 校验 HMAC 签名后交给 handler；签名不对直接回 401
func newFakeREST(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, testKey, r.Header.Get(apiKeyHeader))

		q := r.URL.Query()
		params := make(map[string]string, len(q))
		for k := range q {
			if k != "signature" {
				params[k] = q.Get(k)
			}
		}
		want, err := signing.SignHMAC(testSecret, params)
		require.NoError(t, err)
		if q.Get("signature") != want {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{"code": -1022, "msg": "Signature for this request is not valid."})
			return
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_QueryOrder(t *testing.T) {
	srv := newFakeREST(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/order", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "1001", r.URL.Query().Get("orderId"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"orderId": 1001, "clientOrderId": "sig-555-1", "symbol": "BTCUSDT",
			"status": "FILLED", "side": "BUY", "type": "LIMIT",
			"price": "45000", "origQty": "0.50", "executedQty": "0.50", "avgPrice": "45000",
		})
	})

	c := NewClient(srv.URL, testKey, testSecret)
	st, err := c.QueryOrder(context.Background(), "BTCUSDT", "1001")
	require.NoError(t, err)
	assert.Equal(t, int64(1001), st.OrderID)
	assert.Equal(t, "FILLED", st.Status)
	assert.Equal(t, "0.50", st.ExecutedQty)
}

func TestClient_ExchangeErrorSurfaced(t *testing.T) {
	srv := newFakeREST(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"code": -2013, "msg": "Order does not exist."})
	})

	c := NewClient(srv.URL, testKey, testSecret)
	_, err := c.QueryOrder(context.Background(), "BTCUSDT", "9999")
	var xe *exchange.ExchangeError
	require.True(t, errors.As(err, &xe))
	assert.Equal(t, -2013, xe.Code)
}

func TestClient_BadCredentialRejected(t *testing.T) {
	// 服务端按另一把密钥校验，签名必然不符
	srv := newFakeREST(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("签名校验不应通过")
	})

	c := NewClient(srv.URL, testKey, "wrong-secret")
	_, err := c.QueryOrder(context.Background(), "BTCUSDT", "1001")
	assert.ErrorIs(t, err, exchange.ErrInvalidCredential)
}

func TestClient_Balance(t *testing.T) {
	srv := newFakeREST(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v2/balance", r.URL.Path)
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"asset": "USDT", "balance": "12500.00", "availableBalance": "9800.00"},
			{"asset": "BNB", "balance": "1.5", "availableBalance": "1.5"},
		})
	})

	c := NewClient(srv.URL, testKey, testSecret)
	balances, err := c.Balance(context.Background())
	require.NoError(t, err)
	require.Len(t, balances, 2)
	assert.Equal(t, "USDT", balances[0].Asset)
}

func TestClient_ContextDeadline(t *testing.T) {
	srv := newFakeREST(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(map[string]any{"orderId": 1})
	})

	c := NewClient(srv.URL, testKey, testSecret)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.QueryOrder(ctx, "BTCUSDT", "1001")
	assert.ErrorIs(t, err, exchange.ErrTimeout)
}
