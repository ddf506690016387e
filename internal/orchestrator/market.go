package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gitlab.com/distributed_lab/logan/v3"

	"atomic-pek/internal/domain"
	"atomic-pek/internal/external"
)

// maxCancels bounds cancel requests for one order past its deadline. An
// order the market keeps open after that expires the stage.
const maxCancels = 3

// orderLeg describes one market stage.
type orderLeg struct {
	stage  domain.Stage
	next   domain.Stage
	policy StagePolicy
	method string
	place  func(ctx context.Context, req external.OrderRequest) (string, error)
	asset  string
	quote  string
	// total is the input budget of the stage: source units for a sell,
	// settlement units for a buy.
	total decimal.Decimal
}

func (o *Orchestrator) sellLeg(rec *domain.SwapRecord) orderLeg {
	return orderLeg{
		stage:  domain.StageConvertingSource,
		next:   domain.StageAcquiringTarget,
		policy: o.cfg.Convert,
		method: "MarketSell",
		place:  o.market.MarketSell,
		asset:  rec.SourceAsset,
		quote:  rec.SettlementAsset,
		total:  rec.SourceAmount,
	}
}

// buyLeg spends the realized proceeds of the sell, carried by the entry
// that entered acquiring_target.
func (o *Orchestrator) buyLeg(rec *domain.SwapRecord) orderLeg {
	return orderLeg{
		stage:  domain.StageAcquiringTarget,
		next:   domain.StageDeliveringTarget,
		policy: o.cfg.Acquire,
		method: "MarketBuy",
		place:  o.market.MarketBuy,
		asset:  rec.TargetAsset,
		quote:  rec.SettlementAsset,
		total:  rec.CurrentEntry().Amount,
	}
}

// runOrders places and tracks the leg's orders. An order still open at its
// deadline is cancelled and the unconsumed remainder is resubmitted, up to
// MaxOrders orders. The i-th order's deadline is i stage deadlines after
// the stage was entered, so a resumed task keeps the same schedule.
func (o *Orchestrator) runOrders(ctx context.Context, rec *domain.SwapRecord, leg orderLeg, log *logan.Entry) (domain.Transition, error) {
	entered := rec.CurrentEntry().At
	refs := rec.ExternalRefs[leg.stage]

	var spent, received decimal.Decimal
	active := ""
	cancels := 0
	if len(refs) > 0 {
		active = refs[len(refs)-1]
		for _, ref := range refs[:len(refs)-1] {
			st, err := o.orderStatus(ctx, log, ref)
			if err != nil {
				return giveUp(ctx, domain.StageFailed, domain.FailureConversionFailed, "read earlier order "+ref, err)
			}
			spent = spent.Add(st.Spent)
			received = received.Add(st.Received)
		}
	}

	if !leg.total.IsPositive() {
		return fail(domain.StageFailed, domain.FailureConversionFailed,
			fmt.Sprintf("nothing to trade: budget %s %s", leg.total, leg.quote)), nil
	}

	for {
		if active == "" {
			remaining := leg.total.Sub(spent)
			if !remaining.IsPositive() {
				return advance(leg, received, len(refs)), nil
			}
			if len(refs) >= o.cfg.MaxOrders {
				return fail(domain.StageExpired, domain.FailureConversionTimeout,
					fmt.Sprintf("%d orders did not fill %s before their deadlines", len(refs), leg.total)), nil
			}

			req := external.OrderRequest{
				Asset:          leg.asset,
				Quote:          leg.quote,
				Amount:         remaining,
				IdempotencyKey: idempotencyKey(rec.ID, leg.stage, len(refs)),
			}
			var ref string
			err := o.call(ctx, log, leg.method, func(ctx context.Context) error {
				var err error
				ref, err = leg.place(ctx, req)
				return err
			})
			if err != nil {
				return giveUp(ctx, domain.StageFailed, domain.FailureConversionFailed, "place order", err)
			}
			if err := o.store.RecordExternalRef(ctx, rec.ID, leg.stage, ref); err != nil {
				return domain.Transition{}, fmt.Errorf("record order ref: %w", err)
			}
			refs = append(refs, ref)
			active = ref
			cancels = 0
			log.WithFields(logan.F{"ref": ref, "amount": remaining.String(), "attempt": len(refs)}).Info("order placed")
		}

		deadline := entered.Add(time.Duration(len(refs)) * leg.policy.Deadline)
		olog := log.WithField("ref", active)

		st, err := o.orderStatus(ctx, olog, active)
		if err != nil {
			return giveUp(ctx, domain.StageFailed, domain.FailureConversionFailed, "order status", err)
		}

		switch st.Status {
		case external.OrderFilled:
			return advance(leg, received.Add(st.Received), len(refs)), nil
		case external.OrderRejected:
			return fail(domain.StageFailed, domain.FailureConversionFailed,
				fmt.Sprintf("order %s rejected: %s", active, st.Reason)), nil
		case external.OrderCancelled:
			spent = spent.Add(st.Spent)
			received = received.Add(st.Received)
			olog.WithFields(logan.F{"spent": st.Spent.String(), "received": st.Received.String()}).Info("order cancelled")
			active = ""
			continue
		case external.OrderOpen:
			if !o.now().Before(deadline) {
				if cancels >= maxCancels {
					return fail(domain.StageExpired, domain.FailureConversionTimeout,
						fmt.Sprintf("order %s still open after %d cancel requests", active, cancels)), nil
				}
				cancels++
				olog.WithField("cancel_attempt", cancels).Info("order open past its deadline, cancelling")
				if err := o.cancelOrder(ctx, olog, active); err != nil {
					return giveUp(ctx, domain.StageFailed, domain.FailureConversionFailed, "cancel order", err)
				}
			} else {
				olog.Debug("order open")
			}
		default:
			return domain.Transition{}, fmt.Errorf("order %s: unknown status %q", active, st.Status)
		}

		if err := o.pause(ctx, rec.ID, o.pollWait(leg.policy.Poll, deadline)); err != nil {
			if errors.Is(err, errAborted) {
				o.cancelOnAbort(ctx, olog, active)
			}
			return domain.Transition{}, err
		}
	}
}

func advance(leg orderLeg, received decimal.Decimal, orders int) domain.Transition {
	return domain.Transition{
		Stage:  leg.next,
		Detail: fmt.Sprintf("%s filled by %d order(s): received %s %s", leg.method, orders, received, resultAsset(leg)),
		Amount: received,
	}
}

// resultAsset is the asset a leg's orders produce.
func resultAsset(leg orderLeg) string {
	if leg.method == "MarketSell" {
		return leg.quote
	}
	return leg.asset
}

func (o *Orchestrator) orderStatus(ctx context.Context, log *logan.Entry, ref string) (external.OrderState, error) {
	var st external.OrderState
	err := o.call(ctx, log, "OrderStatus", func(ctx context.Context) error {
		var err error
		st, err = o.market.OrderStatus(ctx, ref)
		return err
	})
	return st, err
}

func (o *Orchestrator) cancelOrder(ctx context.Context, log *logan.Entry, ref string) error {
	return o.call(ctx, log, "CancelOrder", func(ctx context.Context) error {
		return o.market.CancelOrder(ctx, ref)
	})
}

// cancelOnAbort cancels the open order of an aborted swap. Failure only
// leaves the order to the operator, so it is logged and ignored.
func (o *Orchestrator) cancelOnAbort(ctx context.Context, log *logan.Entry, ref string) {
	if err := o.market.CancelOrder(ctx, ref); err != nil {
		log.WithError(err).Warn("failed to cancel order of aborted swap")
	}
}
