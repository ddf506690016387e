package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"gitlab.com/distributed_lab/running"

	"atomic-pek/internal/lease"
)

// RunRecovery periodically launches every non-terminal swap nobody owns,
// until ctx is done. Swaps orphaned by a crashed process are picked up once
// their lease expires.
func (o *Orchestrator) RunRecovery(ctx context.Context) {
	period := o.cfg.RecoveryPeriod
	running.WithBackOff(ctx, o.log, "recovery-sweeper", o.Sweep, period, period, 10*period)
}

// Sweep launches all active swaps not already running.
func (o *Orchestrator) Sweep(ctx context.Context) (err error) {
	defer func() { o.metrics.RecordSweep(err) }()

	ids, err := o.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active swaps: %w", err)
	}

	launched := 0
	for _, id := range ids {
		err := o.Launch(ctx, id)
		switch {
		case err == nil:
			launched++
		case errors.Is(err, lease.ErrAlreadyRunning):
		default:
			return fmt.Errorf("launch swap %s: %w", id, err)
		}
	}
	if launched > 0 {
		o.log.WithField("launched", launched).Info("resumed orphaned swaps")
	}
	return nil
}
