// Package rpc talks JSON-RPC 2.0 over HTTP to a custody gateway that fronts
// the ledger and the market. One Client serves both external.ChainClient and
// external.MarketClient; chain and market may use different endpoints.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"atomic-pek/internal/external"
)

// Default configuration values.
const (
	DefaultTimeout    = 10 * time.Second
	DefaultMaxRetries = 2
	DefaultRetryDelay = 200 * time.Millisecond
	DefaultMaxDelay   = 2 * time.Second
)

// Gateway error codes mapped onto permanent errors.
const (
	CodeRejected              = -32001
	CodeInsufficientLiquidity = -32002
	CodeInvalidAddress        = -32003
)

// Client implements external.ChainClient and external.MarketClient.
type Client struct {
	endpoint   string
	client     *http.Client
	maxRetries uint64
	retryDelay time.Duration
	maxDelay   time.Duration
	requestID  atomic.Uint64
}

var (
	_ external.ChainClient  = (*Client)(nil)
	_ external.MarketClient = (*Client)(nil)
)

// ClientOption configures Client.
type ClientOption func(*Client)

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.client.Timeout = d
	}
}

// WithMaxRetries sets how many times a transport failure is retried.
func WithMaxRetries(n uint64) ClientOption {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithRetryDelay sets the initial and maximum retry delay.
func WithRetryDelay(initial, max time.Duration) ClientOption {
	return func(c *Client) {
		c.retryDelay = initial
		c.maxDelay = max
	}
}

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.client = client
	}
}

// NewClient creates a gateway client for endpoint.
func NewClient(endpoint string, opts ...ClientOption) *Client {
	c := &Client{
		endpoint:   endpoint,
		client:     &http.Client{Timeout: DefaultTimeout},
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
		maxDelay:   DefaultMaxDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// Unwrap maps gateway codes onto the permanent error sentinels.
func (e *rpcError) Unwrap() error {
	switch e.Code {
	case CodeRejected:
		return external.ErrRejected
	case CodeInsufficientLiquidity:
		return external.ErrInsufficientLiquidity
	case CodeInvalidAddress:
		return external.ErrInvalidAddress
	}
	return nil
}

// call performs one JSON-RPC call. Transport failures, 429 and 5xx are
// retried with exponential backoff; an RPC error response is returned as is.
func (c *Client) call(ctx context.Context, method string, params, result any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.retryDelay
	eb.MaxInterval = c.maxDelay
	eb.MaxElapsedTime = 0

	var raw json.RawMessage
	op := func() error {
		res, err := c.post(ctx, body)
		if err != nil {
			return err
		}
		raw = res
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(eb, c.maxRetries), ctx)); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}

	if result != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, result); err != nil {
			return fmt.Errorf("%s: unmarshal result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) post(ctx context.Context, body []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, fmt.Errorf("http request: %w", err)
	}
	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, errors.New("rate limited (429)")
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	case resp.StatusCode != http.StatusOK:
		return nil, backoff.Permanent(fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody)))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, backoff.Permanent(rpcResp.Error)
	}
	return rpcResp.Result, nil
}

type refResult struct {
	Ref string `json:"ref"`
}

type statusResult struct {
	Status external.TransferState `json:"status"`
}

// ObserveIncomingTransfer calls chain_observeIncomingTransfer. A null result means pending.
func (c *Client) ObserveIncomingTransfer(ctx context.Context, q external.TransferQuery) (*external.Transfer, error) {
	var result *external.Transfer
	if err := c.call(ctx, "chain_observeIncomingTransfer", q, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// SendTransfer calls chain_sendTransfer.
func (c *Client) SendTransfer(ctx context.Context, req external.TransferRequest) (string, error) {
	var result refResult
	if err := c.call(ctx, "chain_sendTransfer", req, &result); err != nil {
		return "", err
	}
	if result.Ref == "" {
		return "", errors.New("chain_sendTransfer: empty ref")
	}
	return result.Ref, nil
}

// TransferStatus calls chain_transferStatus.
func (c *Client) TransferStatus(ctx context.Context, ref string) (external.TransferState, error) {
	var result statusResult
	if err := c.call(ctx, "chain_transferStatus", refResult{Ref: ref}, &result); err != nil {
		return "", err
	}
	switch result.Status {
	case external.TransferPending, external.TransferConfirmed, external.TransferFailed:
		return result.Status, nil
	}
	return "", fmt.Errorf("chain_transferStatus: unknown status %q", result.Status)
}

// MarketSell calls market_sell.
func (c *Client) MarketSell(ctx context.Context, req external.OrderRequest) (string, error) {
	return c.placeOrder(ctx, "market_sell", req)
}

// MarketBuy calls market_buy.
func (c *Client) MarketBuy(ctx context.Context, req external.OrderRequest) (string, error) {
	return c.placeOrder(ctx, "market_buy", req)
}

func (c *Client) placeOrder(ctx context.Context, method string, req external.OrderRequest) (string, error) {
	var result refResult
	if err := c.call(ctx, method, req, &result); err != nil {
		return "", err
	}
	if result.Ref == "" {
		return "", fmt.Errorf("%s: empty ref", method)
	}
	return result.Ref, nil
}

// OrderStatus calls market_orderStatus.
func (c *Client) OrderStatus(ctx context.Context, ref string) (external.OrderState, error) {
	var result external.OrderState
	if err := c.call(ctx, "market_orderStatus", refResult{Ref: ref}, &result); err != nil {
		return external.OrderState{}, err
	}
	switch result.Status {
	case external.OrderOpen, external.OrderFilled, external.OrderRejected, external.OrderCancelled:
		return result, nil
	}
	return external.OrderState{}, fmt.Errorf("market_orderStatus: unknown status %q", result.Status)
}

// CancelOrder calls market_cancelOrder.
func (c *Client) CancelOrder(ctx context.Context, ref string) error {
	return c.call(ctx, "market_cancelOrder", refResult{Ref: ref}, nil)
}
