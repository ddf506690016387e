package orchestrator

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gitlab.com/distributed_lab/logan/v3"

	"atomic-pek/internal/external"
)

// call runs fn with bounded exponential backoff. Permanent errors and
// cancellation stop immediately; transient errors are retried until
// AttemptCap attempts were made and the last error is returned.
func (o *Orchestrator) call(ctx context.Context, log *logan.Entry, method string, fn func(ctx context.Context) error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = o.cfg.BackoffInitial
	eb.MaxInterval = o.cfg.BackoffMax
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, o.cfg.AttemptCap-1), ctx)

	op := func() error {
		start := time.Now()
		err := fn(ctx)
		switch {
		case err == nil:
			o.metrics.RecordExternalCall(method, time.Since(start), "")
			return nil
		case external.IsPermanent(err):
			o.metrics.RecordExternalCall(method, time.Since(start), "permanent")
			return backoff.Permanent(err)
		default:
			o.metrics.RecordExternalCall(method, time.Since(start), "transient")
			return err
		}
	}
	notify := func(err error, next time.Duration) {
		o.metrics.RecordRetry(method)
		log.WithError(err).WithFields(logan.F{
			"method":   method,
			"retry_in": next.String(),
		}).Warn("transient external error, retrying")
	}

	return backoff.RetryNotify(op, policy, notify)
}

// pause sleeps for d and then reports whether the swap was asked to abort.
func (o *Orchestrator) pause(ctx context.Context, id string, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	rec, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.AbortRequested {
		return errAborted
	}
	return nil
}

// pollWait returns how long to sleep before the next poll: the poll
// interval, shortened so the deadline is checked as soon as it passes.
func (o *Orchestrator) pollWait(poll time.Duration, deadline time.Time) time.Duration {
	left := deadline.Sub(o.now())
	if left > 0 && left < poll {
		return left
	}
	return poll
}
