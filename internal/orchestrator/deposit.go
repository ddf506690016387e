package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"gitlab.com/distributed_lab/logan/v3"

	"atomic-pek/internal/domain"
	"atomic-pek/internal/external"
	"atomic-pek/internal/storage"
)

// awaitDeposit polls the chain for the requester's deposit and claims the
// first acceptable one by recording its ref. Transfers already claimed by
// other swaps are skipped.
//
// The deadline is checked after each poll, so the last poll lands on it. A
// swap that already claimed its deposit before a restart only looks that
// transfer up again and is not bound by the deadline.
func (o *Orchestrator) awaitDeposit(ctx context.Context, rec *domain.SwapRecord, log *logan.Entry) (domain.Transition, error) {
	policy := o.cfg.Deposit
	deadline := rec.CurrentEntry().At.Add(policy.Deadline)
	claimed, _ := rec.ActiveRef(domain.StageAwaitingDeposit)

	q := external.TransferQuery{
		Account:   rec.SwapAccount,
		From:      rec.RequesterAddress,
		Asset:     rec.SourceAsset,
		MinAmount: rec.SourceAmount,
	}
	if o.cfg.RequireMemo {
		q.Memo = rec.ID
	}

	for {
		var tr *external.Transfer
		err := o.call(ctx, log, "ObserveIncomingTransfer", func(ctx context.Context) error {
			var err error
			tr, err = o.chain.ObserveIncomingTransfer(ctx, q)
			return err
		})
		if err != nil {
			if external.IsPermanent(err) {
				return giveUp(ctx, domain.StageFailed, domain.FailureDepositFailed, "observe deposit", err)
			}
			return giveUp(ctx, domain.StageExpired, domain.FailureDepositTimeout, "observe deposit", err)
		}

		if tr != nil {
			tlog := log.WithFields(logan.F{"ref": tr.Ref, "amount": tr.Amount.String()})
			switch {
			case claimed != "":
				if tr.Ref == claimed {
					tlog.Info("found previously claimed deposit")
					return depositReceived(tr), nil
				}
				q.SinceRef = tr.Ref
			case o.cfg.DepositMatch == DepositMatchExact && !tr.Amount.Equal(rec.SourceAmount):
				tlog.Debug("skipping deposit with non-matching amount")
				q.SinceRef = tr.Ref
			case tr.Confirmations < o.cfg.MinConfirmations:
				tlog.WithField("confirmations", tr.Confirmations).Debug("deposit seen, waiting for confirmations")
			default:
				err := o.store.RecordExternalRef(ctx, rec.ID, domain.StageAwaitingDeposit, tr.Ref)
				if err == nil {
					return depositReceived(tr), nil
				}
				if !errors.Is(err, storage.ErrDuplicateRef) {
					return domain.Transition{}, fmt.Errorf("record deposit ref: %w", err)
				}
				tlog.Debug("deposit already claimed by another swap")
				q.SinceRef = tr.Ref
			}
		} else {
			log.Debug("no deposit yet")
		}

		if !o.now().Before(deadline) {
			switch {
			case claimed == "":
				return fail(domain.StageExpired, domain.FailureDepositTimeout,
					fmt.Sprintf("no matching deposit within %s", policy.Deadline)), nil
			case tr == nil:
				return fail(domain.StageFailed, domain.FailureDepositFailed,
					fmt.Sprintf("claimed deposit %s is no longer visible", claimed)), nil
			}
		}

		if err := o.pause(ctx, rec.ID, o.pollWait(policy.Poll, deadline)); err != nil {
			return domain.Transition{}, err
		}
	}
}

func depositReceived(tr *external.Transfer) domain.Transition {
	return domain.Transition{
		Stage:  domain.StageConvertingSource,
		Detail: "deposit " + tr.Ref,
		Amount: tr.Amount,
	}
}
