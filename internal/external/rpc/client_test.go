package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atomic-pek/internal/external"
)

// gateway answers each call with the function registered for its method.
func gateway(t *testing.T, handlers map[string]func(params json.RawMessage) (any, *rpcError)) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     uint64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		h, ok := handlers[req.Method]
		if !ok {
			t.Errorf("unexpected method %s", req.Method)
			w.WriteHeader(http.StatusNotFound)
			return
		}

		result, rpcErr := h(req.Params)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func fastClient(url string) *Client {
	return NewClient(url, WithRetryDelay(time.Millisecond, 5*time.Millisecond))
}

func TestClient_ObserveIncomingTransfer(t *testing.T) {
	var gotQuery external.TransferQuery
	var deposited atomic.Bool
	server := gateway(t, map[string]func(json.RawMessage) (any, *rpcError){
		"chain_observeIncomingTransfer": func(params json.RawMessage) (any, *rpcError) {
			require.NoError(t, json.Unmarshal(params, &gotQuery))
			if !deposited.Load() {
				return nil, nil
			}
			return map[string]any{
				"ref": "tx-1", "from": "alice", "to": "pek-swap", "asset": "SRC",
				"amount": "10.5", "memo": "swap-1", "confirmations": 3,
			}, nil
		},
	})
	defer server.Close()

	client := fastClient(server.URL)
	q := external.TransferQuery{
		Account:   "pek-swap",
		From:      "alice",
		Asset:     "SRC",
		MinAmount: decimal.RequireFromString("10.5"),
		Memo:      "swap-1",
	}

	tr, err := client.ObserveIncomingTransfer(context.Background(), q)
	require.NoError(t, err)
	assert.Nil(t, tr)
	assert.Equal(t, "pek-swap", gotQuery.Account)
	assert.True(t, q.MinAmount.Equal(gotQuery.MinAmount))

	deposited.Store(true)
	tr, err = client.ObserveIncomingTransfer(context.Background(), q)
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, "tx-1", tr.Ref)
	assert.Equal(t, 3, tr.Confirmations)
	assert.True(t, decimal.RequireFromString("10.5").Equal(tr.Amount))
}

func TestClient_OrderLifecycle(t *testing.T) {
	server := gateway(t, map[string]func(json.RawMessage) (any, *rpcError){
		"market_sell": func(params json.RawMessage) (any, *rpcError) {
			var req external.OrderRequest
			require.NoError(t, json.Unmarshal(params, &req))
			assert.Equal(t, "swap-1/converting_source/1", req.IdempotencyKey)
			return map[string]any{"ref": "order-1"}, nil
		},
		"market_orderStatus": func(json.RawMessage) (any, *rpcError) {
			return map[string]any{"status": "filled", "spent": "10", "received": "2.5"}, nil
		},
		"market_cancelOrder": func(json.RawMessage) (any, *rpcError) {
			return map[string]any{}, nil
		},
	})
	defer server.Close()

	client := fastClient(server.URL)
	ctx := context.Background()

	ref, err := client.MarketSell(ctx, external.OrderRequest{
		Asset:          "SRC",
		Quote:          "SWAP.HIVE",
		Amount:         decimal.NewFromInt(10),
		IdempotencyKey: "swap-1/converting_source/1",
	})
	require.NoError(t, err)
	assert.Equal(t, "order-1", ref)

	st, err := client.OrderStatus(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, external.OrderFilled, st.Status)
	assert.True(t, decimal.RequireFromString("2.5").Equal(st.Received))

	assert.NoError(t, client.CancelOrder(ctx, ref))
}

func TestClient_PermanentErrorCodes(t *testing.T) {
	server := gateway(t, map[string]func(json.RawMessage) (any, *rpcError){
		"market_buy": func(json.RawMessage) (any, *rpcError) {
			return nil, &rpcError{Code: CodeInsufficientLiquidity, Message: "book empty"}
		},
		"chain_sendTransfer": func(json.RawMessage) (any, *rpcError) {
			return nil, &rpcError{Code: CodeInvalidAddress, Message: "no such account"}
		},
		"chain_transferStatus": func(json.RawMessage) (any, *rpcError) {
			return nil, &rpcError{Code: -32000, Message: "node busy"}
		},
	})
	defer server.Close()

	client := fastClient(server.URL)
	ctx := context.Background()

	_, err := client.MarketBuy(ctx, external.OrderRequest{Asset: "PEK", Quote: "SWAP.HIVE", Amount: decimal.NewFromInt(1)})
	require.Error(t, err)
	assert.ErrorIs(t, err, external.ErrInsufficientLiquidity)
	assert.True(t, external.IsPermanent(err))

	_, err = client.SendTransfer(ctx, external.TransferRequest{To: "nobody"})
	assert.ErrorIs(t, err, external.ErrInvalidAddress)

	_, err = client.TransferStatus(ctx, "tx-9")
	require.Error(t, err)
	assert.False(t, external.IsPermanent(err))
	assert.Contains(t, err.Error(), "node busy")
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": req.ID, "result": map[string]any{"status": "confirmed"},
		})
	}))
	defer server.Close()

	client := fastClient(server.URL)
	st, err := client.TransferStatus(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.Equal(t, external.TransferConfirmed, st)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewClient(server.URL, WithMaxRetries(1), WithRetryDelay(time.Millisecond, time.Millisecond))
	_, err := client.TransferStatus(context.Background(), "tx-1")
	require.Error(t, err)
	assert.False(t, external.IsPermanent(err))
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	_, err := fastClient(server.URL).OrderStatus(context.Background(), "order-1")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_UnknownStatus(t *testing.T) {
	server := gateway(t, map[string]func(json.RawMessage) (any, *rpcError){
		"market_orderStatus": func(json.RawMessage) (any, *rpcError) {
			return map[string]any{"status": "weird"}, nil
		},
	})
	defer server.Close()

	_, err := fastClient(server.URL).OrderStatus(context.Background(), "order-1")
	assert.Error(t, err)
}
