// Package external defines the chain and market collaborators the
// orchestrator drives, and how their errors are classified.
package external

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ChainClient observes and submits ledger transfers.
type ChainClient interface {
	// ObserveIncomingTransfer returns the first transfer matching q, or nil
	// while none has been seen.
	ObserveIncomingTransfer(ctx context.Context, q TransferQuery) (*Transfer, error)

	// SendTransfer submits a transfer and returns its reference.
	SendTransfer(ctx context.Context, req TransferRequest) (string, error)

	// TransferStatus returns the state of a submitted transfer.
	TransferStatus(ctx context.Context, ref string) (TransferState, error)
}

// MarketClient places and tracks market orders.
type MarketClient interface {
	// MarketSell sells req.Amount of req.Asset for req.Quote.
	MarketSell(ctx context.Context, req OrderRequest) (string, error)

	// MarketBuy spends up to req.Amount of req.Quote buying req.Asset.
	MarketBuy(ctx context.Context, req OrderRequest) (string, error)

	// OrderStatus returns the fill state of an order.
	OrderStatus(ctx context.Context, ref string) (OrderState, error)

	// CancelOrder cancels the unfilled remainder of an order.
	CancelOrder(ctx context.Context, ref string) error
}

// TransferQuery selects an incoming transfer to a custodial account.
type TransferQuery struct {
	Account   string          `json:"account"`
	From      string          `json:"from"`
	Asset     string          `json:"asset"`
	MinAmount decimal.Decimal `json:"min_amount"`
	Memo      string          `json:"memo,omitempty"`
	SinceRef  string          `json:"since_ref,omitempty"` // skip transfers up to and including this ref
}

// Transfer is an observed ledger transfer.
type Transfer struct {
	Ref           string          `json:"ref"`
	From          string          `json:"from"`
	To            string          `json:"to"`
	Asset         string          `json:"asset"`
	Amount        decimal.Decimal `json:"amount"`
	Memo          string          `json:"memo"`
	Confirmations int             `json:"confirmations"`
}

// TransferRequest asks the ledger to move funds out of a custodial account.
type TransferRequest struct {
	From           string          `json:"from"`
	To             string          `json:"to"`
	Asset          string          `json:"asset"`
	Amount         decimal.Decimal `json:"amount"`
	Memo           string          `json:"memo,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// TransferState is the settlement state of a submitted transfer.
type TransferState string

const (
	TransferPending   TransferState = "pending"
	TransferConfirmed TransferState = "confirmed"
	TransferFailed    TransferState = "failed"
)

// OrderRequest describes a market order.
type OrderRequest struct {
	Asset          string          `json:"asset"`
	Quote          string          `json:"quote"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// OrderStatus is the lifecycle state of a market order.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "open"
	OrderFilled    OrderStatus = "filled"
	OrderRejected  OrderStatus = "rejected"
	OrderCancelled OrderStatus = "cancelled"
)

// OrderState reports a market order. Spent is input consumed, Received is
// output realized so far; both are meaningful for a partially filled order.
type OrderState struct {
	Status   OrderStatus     `json:"status"`
	Spent    decimal.Decimal `json:"spent"`
	Received decimal.Decimal `json:"received"`
	Reason   string          `json:"reason,omitempty"`
}

// Permanent errors. Any other error from a collaborator is transient.
var (
	ErrRejected              = errors.New("rejected by counterparty")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrInvalidAddress        = errors.New("invalid address")
)

// IsPermanent reports whether retrying err cannot succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrRejected) ||
		errors.Is(err, ErrInsufficientLiquidity) ||
		errors.Is(err, ErrInvalidAddress)
}
