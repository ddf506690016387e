package stub

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"atomic-pek/internal/external"
)

// Method names accepted by Market.FailNext.
const (
	MethodMarketSell  = "MarketSell"
	MethodMarketBuy   = "MarketBuy"
	MethodOrderStatus = "OrderStatus"
	MethodCancelOrder = "CancelOrder"
)

// Side is the direction of a placed order.
type Side string

const (
	SideSell Side = "sell"
	SideBuy  Side = "buy"
)

// OrderScript controls how the next placed order behaves.
type OrderScript struct {
	// Reject reports the order as rejected on its first status poll.
	Reject bool
	Reason string
	// OpenPolls is how many status polls report open before the order fills.
	// A negative value keeps the order open until it is cancelled.
	OpenPolls int
	// PartialFill is the fraction filled when an open order is cancelled.
	PartialFill decimal.Decimal
	// StuckOpen acknowledges cancels without closing the order.
	StuckOpen bool
}

// PlacedOrder is a submitted order as seen by the market.
type PlacedOrder struct {
	Ref     string
	Side    Side
	Request external.OrderRequest
}

type order struct {
	PlacedOrder
	script    OrderScript
	polls     int
	state     external.OrderState
	fullOut   decimal.Decimal
	fullSpent decimal.Decimal
}

// Market is an in-memory order book implementing external.MarketClient.
// Prices are quote units per asset unit.
type Market struct {
	faults

	mu       sync.Mutex
	prices   map[string]decimal.Decimal
	fallback decimal.Decimal
	orders   map[string]*order
	placed   []string
	byKey    map[string]string
	scripts  []OrderScript
	seq      int
}

// MarketOption configures Market.
type MarketOption func(*Market)

// WithFallbackPrice prices every pair without an explicit price.
func WithFallbackPrice(p decimal.Decimal) MarketOption {
	return func(m *Market) {
		m.fallback = p
	}
}

// NewMarket creates an empty market.
func NewMarket(opts ...MarketOption) *Market {
	m := &Market{
		prices: make(map[string]decimal.Decimal),
		orders: make(map[string]*order),
		byKey:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func pair(asset, quote string) string {
	return asset + "/" + quote
}

// SetPrice sets the price of asset in quote units.
func (m *Market) SetPrice(asset, quote string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[pair(asset, quote)] = price
}

// ScriptOrder queues the behavior of the next placed order.
// Unscripted orders fill on their first status poll.
func (m *Market) ScriptOrder(s OrderScript) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts = append(m.scripts, s)
}

// Placed returns submitted orders in submission order.
func (m *Market) Placed() []PlacedOrder {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PlacedOrder, 0, len(m.placed))
	for _, ref := range m.placed {
		out = append(out, m.orders[ref].PlacedOrder)
	}
	return out
}

// MarketSell sells req.Amount of req.Asset.
func (m *Market) MarketSell(_ context.Context, req external.OrderRequest) (string, error) {
	if err := m.hit(MethodMarketSell); err != nil {
		return "", err
	}
	return m.place(SideSell, req)
}

// MarketBuy spends req.Amount of req.Quote on req.Asset.
func (m *Market) MarketBuy(_ context.Context, req external.OrderRequest) (string, error) {
	if err := m.hit(MethodMarketBuy); err != nil {
		return "", err
	}
	return m.place(SideBuy, req)
}

func (m *Market) place(side Side, req external.OrderRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ref, ok := m.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return ref, nil
	}
	if !req.Amount.IsPositive() {
		return "", fmt.Errorf("amount %s: %w", req.Amount, external.ErrRejected)
	}

	price, ok := m.prices[pair(req.Asset, req.Quote)]
	if !ok {
		price = m.fallback
	}
	if !price.IsPositive() {
		return "", fmt.Errorf("no price for %s: %w", pair(req.Asset, req.Quote), external.ErrInsufficientLiquidity)
	}

	m.seq++
	ref := fmt.Sprintf("order-%d", m.seq)
	o := &order{
		PlacedOrder: PlacedOrder{Ref: ref, Side: side, Request: req},
		state:       external.OrderState{Status: external.OrderOpen},
		fullSpent:   req.Amount,
	}
	if side == SideSell {
		o.fullOut = req.Amount.Mul(price)
	} else {
		o.fullOut = req.Amount.Div(price)
	}
	if len(m.scripts) > 0 {
		o.script = m.scripts[0]
		m.scripts = m.scripts[1:]
	}

	m.orders[ref] = o
	m.placed = append(m.placed, ref)
	if req.IdempotencyKey != "" {
		m.byKey[req.IdempotencyKey] = ref
	}
	return ref, nil
}

// OrderStatus advances the scripted order by one poll and reports it.
func (m *Market) OrderStatus(_ context.Context, ref string) (external.OrderState, error) {
	if err := m.hit(MethodOrderStatus); err != nil {
		return external.OrderState{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[ref]
	if !ok {
		return external.OrderState{}, fmt.Errorf("unknown order %s: %w", ref, external.ErrRejected)
	}
	if o.state.Status != external.OrderOpen {
		return o.state, nil
	}

	o.polls++
	switch {
	case o.script.Reject:
		o.state = external.OrderState{Status: external.OrderRejected, Reason: o.script.Reason}
	case o.script.OpenPolls >= 0 && o.polls > o.script.OpenPolls:
		o.state = external.OrderState{
			Status:   external.OrderFilled,
			Spent:    o.fullSpent,
			Received: o.fullOut,
		}
	}
	return o.state, nil
}

// CancelOrder cancels an open order, keeping its scripted partial fill.
// Cancelling a finished order is a no-op.
func (m *Market) CancelOrder(_ context.Context, ref string) error {
	if err := m.hit(MethodCancelOrder); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[ref]
	if !ok {
		return fmt.Errorf("unknown order %s: %w", ref, external.ErrRejected)
	}
	if o.state.Status != external.OrderOpen || o.script.StuckOpen {
		return nil
	}

	frac := o.script.PartialFill
	o.state = external.OrderState{
		Status:   external.OrderCancelled,
		Spent:    o.fullSpent.Mul(frac),
		Received: o.fullOut.Mul(frac),
	}
	return nil
}

var _ external.MarketClient = (*Market)(nil)
