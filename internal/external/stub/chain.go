package stub

import (
	"context"
	"fmt"
	"sync"

	"atomic-pek/internal/external"
)

// Method names accepted by Chain.FailNext.
const (
	MethodObserve        = "ObserveIncomingTransfer"
	MethodSendTransfer   = "SendTransfer"
	MethodTransferStatus = "TransferStatus"
)

// Chain is an in-memory ledger implementing external.ChainClient.
type Chain struct {
	faults

	mu          sync.Mutex
	incoming    []external.Transfer
	sent        map[string]*sentTransfer
	sentOrder   []string
	byKey       map[string]string
	outcomes    [][]external.TransferState
	autoDeposit bool
	autoSeq     map[string]int
	seq         int
}

type sentTransfer struct {
	req    external.TransferRequest
	states []external.TransferState // remaining scripted states, last one sticks
}

// ChainOption configures Chain.
type ChainOption func(*Chain)

// WithAutoDeposit makes every query observe a matching deposit at once.
// Used by the simulated runtime mode. Without a memo, deposits are numbered
// per sender and a query past one with SinceRef observes the next.
func WithAutoDeposit() ChainOption {
	return func(c *Chain) {
		c.autoDeposit = true
	}
}

// NewChain creates an empty ledger.
func NewChain(opts ...ChainOption) *Chain {
	c := &Chain{
		sent:    make(map[string]*sentTransfer),
		byKey:   make(map[string]string),
		autoSeq: make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddDeposit appends an incoming transfer to the ledger.
func (c *Chain) AddDeposit(t external.Transfer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.incoming = append(c.incoming, t)
}

// ScriptTransfer sets the states reported by the next submitted transfer,
// one per TransferStatus call. The last state repeats. Unscripted transfers
// confirm immediately.
func (c *Chain) ScriptTransfer(states ...external.TransferState) {
	if len(states) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = append(c.outcomes, states)
}

// Sent returns submitted transfers in submission order.
func (c *Chain) Sent() []external.TransferRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]external.TransferRequest, 0, len(c.sentOrder))
	for _, ref := range c.sentOrder {
		out = append(out, c.sent[ref].req)
	}
	return out
}

// ObserveIncomingTransfer returns the first deposit after q.SinceRef matching q.
func (c *Chain) ObserveIncomingTransfer(_ context.Context, q external.TransferQuery) (*external.Transfer, error) {
	if err := c.hit(MethodObserve); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.autoDeposit {
		ref := "sim-deposit-" + q.Memo
		if q.Memo == "" {
			n := c.autoSeq[q.SinceRef] + 1
			ref = fmt.Sprintf("sim-deposit-%s-%d", q.From, n)
			c.autoSeq[ref] = n
		}
		return &external.Transfer{
			Ref:           ref,
			From:          q.From,
			To:            q.Account,
			Asset:         q.Asset,
			Amount:        q.MinAmount,
			Memo:          q.Memo,
			Confirmations: 1,
		}, nil
	}

	start := 0
	if q.SinceRef != "" {
		for i, t := range c.incoming {
			if t.Ref == q.SinceRef {
				start = i + 1
				break
			}
		}
	}

	for _, t := range c.incoming[start:] {
		if t.To != q.Account || t.Asset != q.Asset {
			continue
		}
		if q.From != "" && t.From != q.From {
			continue
		}
		if q.Memo != "" && t.Memo != q.Memo {
			continue
		}
		if t.Amount.LessThan(q.MinAmount) {
			continue
		}
		found := t
		return &found, nil
	}
	return nil, nil
}

// SendTransfer records the transfer. A repeated idempotency key returns the first ref.
func (c *Chain) SendTransfer(_ context.Context, req external.TransferRequest) (string, error) {
	if err := c.hit(MethodSendTransfer); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if ref, ok := c.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return ref, nil
	}

	c.seq++
	ref := fmt.Sprintf("transfer-%d", c.seq)
	st := &sentTransfer{req: req, states: []external.TransferState{external.TransferConfirmed}}
	if len(c.outcomes) > 0 {
		st.states = c.outcomes[0]
		c.outcomes = c.outcomes[1:]
	}
	c.sent[ref] = st
	c.sentOrder = append(c.sentOrder, ref)
	if req.IdempotencyKey != "" {
		c.byKey[req.IdempotencyKey] = ref
	}
	return ref, nil
}

// TransferStatus pops the next scripted state of the transfer.
func (c *Chain) TransferStatus(_ context.Context, ref string) (external.TransferState, error) {
	if err := c.hit(MethodTransferStatus); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.sent[ref]
	if !ok {
		return "", fmt.Errorf("unknown transfer %s: %w", ref, external.ErrRejected)
	}
	state := st.states[0]
	if len(st.states) > 1 {
		st.states = st.states[1:]
	}
	return state, nil
}

var _ external.ChainClient = (*Chain)(nil)
