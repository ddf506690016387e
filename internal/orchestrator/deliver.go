package orchestrator

import (
	"context"
	"fmt"

	"gitlab.com/distributed_lab/logan/v3"

	"atomic-pek/internal/domain"
	"atomic-pek/internal/external"
)

// deliver sends the acquired target amount to the requester. A transfer the
// ledger reports as failed is resubmitted up to MaxTransfers transfers.
// The deadline stops new submissions and fails a transfer still pending
// after its last poll; a transfer already submitted is always polled first.
func (o *Orchestrator) deliver(ctx context.Context, rec *domain.SwapRecord, log *logan.Entry) (domain.Transition, error) {
	policy := o.cfg.Deliver
	entry := rec.CurrentEntry()
	deadline := entry.At.Add(policy.Deadline)
	amount := entry.Amount
	refs := rec.ExternalRefs[domain.StageDeliveringTarget]
	active, _ := rec.ActiveRef(domain.StageDeliveringTarget)

	if !amount.IsPositive() {
		return fail(domain.StageFailed, domain.FailureDeliveryFailed,
			fmt.Sprintf("nothing to deliver: acquired %s %s", amount, rec.TargetAsset)), nil
	}

	for {
		if active == "" {
			if !o.now().Before(deadline) {
				return fail(domain.StageFailed, domain.FailureDeliveryFailed,
					fmt.Sprintf("transfer not confirmed within %s", policy.Deadline)), nil
			}
			if len(refs) >= o.cfg.MaxTransfers {
				return fail(domain.StageFailed, domain.FailureDeliveryFailed,
					fmt.Sprintf("%d transfers failed", len(refs))), nil
			}

			req := external.TransferRequest{
				From:           rec.SwapAccount,
				To:             rec.RequesterAddress,
				Asset:          rec.TargetAsset,
				Amount:         amount,
				Memo:           rec.ID,
				IdempotencyKey: idempotencyKey(rec.ID, domain.StageDeliveringTarget, len(refs)),
			}
			var ref string
			err := o.call(ctx, log, "SendTransfer", func(ctx context.Context) error {
				var err error
				ref, err = o.chain.SendTransfer(ctx, req)
				return err
			})
			if err != nil {
				return giveUp(ctx, domain.StageFailed, domain.FailureDeliveryFailed, "send transfer", err)
			}
			if err := o.store.RecordExternalRef(ctx, rec.ID, domain.StageDeliveringTarget, ref); err != nil {
				return domain.Transition{}, fmt.Errorf("record transfer ref: %w", err)
			}
			refs = append(refs, ref)
			active = ref
			log.WithFields(logan.F{"ref": ref, "amount": amount.String(), "attempt": len(refs)}).Info("transfer submitted")
		}

		tlog := log.WithField("ref", active)
		var state external.TransferState
		err := o.call(ctx, tlog, "TransferStatus", func(ctx context.Context) error {
			var err error
			state, err = o.chain.TransferStatus(ctx, active)
			return err
		})
		if err != nil {
			return giveUp(ctx, domain.StageFailed, domain.FailureDeliveryFailed, "transfer status", err)
		}

		switch state {
		case external.TransferConfirmed:
			return domain.Transition{
				Stage:  domain.StageCompleted,
				Detail: fmt.Sprintf("delivered %s %s to %s in %s", amount, rec.TargetAsset, rec.RequesterAddress, active),
				Amount: amount,
			}, nil
		case external.TransferFailed:
			tlog.Warn("transfer failed")
			active = ""
			continue
		case external.TransferPending:
			if !o.now().Before(deadline) {
				return fail(domain.StageFailed, domain.FailureDeliveryFailed,
					fmt.Sprintf("transfer %s not confirmed within %s", active, policy.Deadline)), nil
			}
			tlog.Debug("transfer pending")
		default:
			return domain.Transition{}, fmt.Errorf("transfer %s: unknown state %q", active, state)
		}

		if err := o.pause(ctx, rec.ID, o.pollWait(policy.Poll, deadline)); err != nil {
			return domain.Transition{}, err
		}
	}
}
