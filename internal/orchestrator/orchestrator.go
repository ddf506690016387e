// Package orchestrator drives swaps through their stages. Each swap runs
// as its own task under a lease; every external action is recorded in the
// swap's external refs before its result is awaited, so a resumed task
// polls what was already submitted instead of submitting again.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gitlab.com/distributed_lab/logan/v3"

	"atomic-pek/internal/domain"
	"atomic-pek/internal/events"
	"atomic-pek/internal/external"
	"atomic-pek/internal/lease"
	"atomic-pek/internal/observability"
	"atomic-pek/internal/storage"
)

const releaseTimeout = 5 * time.Second

// ErrStopped is returned by Launch after Stop.
var ErrStopped = errors.New("orchestrator stopped")

// errAborted is returned by waits that observed an abort request.
var errAborted = errors.New("abort requested")

// Options carries the orchestrator's collaborators.
type Options struct {
	Store   storage.SwapStore
	Guard   *lease.Guard
	Chain   external.ChainClient
	Market  external.MarketClient
	Sink    events.Sink            // optional
	Metrics *observability.Metrics // defaults to observability.DefaultMetrics
	Config  Config
	Log     *logan.Entry
}

// Orchestrator runs swap tasks.
type Orchestrator struct {
	store   storage.SwapStore
	guard   *lease.Guard
	chain   external.ChainClient
	market  external.MarketClient
	sink    events.Sink
	metrics *observability.Metrics
	cfg     Config
	log     *logan.Entry
	now     func() time.Time

	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]struct{} // swaps with a task in this process
}

// New validates opts and creates an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("store is required")
	case opts.Guard == nil:
		return nil, errors.New("guard is required")
	case opts.Chain == nil || opts.Market == nil:
		return nil, errors.New("chain and market clients are required")
	case opts.Log == nil:
		return nil, errors.New("log is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid orchestrator config: %w", err)
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.DefaultMetrics
	}

	root, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:   opts.Store,
		guard:   opts.Guard,
		chain:   opts.Chain,
		market:  opts.Market,
		sink:    opts.Sink,
		metrics: opts.Metrics,
		cfg:     opts.Config,
		log:     opts.Log.WithField("service", "orchestrator"),
		now:     time.Now,
		root:    root,
		cancel:  cancel,
		running: make(map[string]struct{}),
	}, nil
}

// Launch takes the swap's lease and runs it in the background.
// Returns lease.ErrAlreadyRunning if another task owns the swap.
// ctx only bounds the lease acquisition; the task lives until Stop.
func (o *Orchestrator) Launch(ctx context.Context, id string) error {
	if o.root.Err() != nil {
		return ErrStopped
	}

	// The lease store lets an owner re-acquire its own lease, so tasks of
	// this process are tracked locally.
	o.mu.Lock()
	if _, ok := o.running[id]; ok {
		o.mu.Unlock()
		return lease.ErrAlreadyRunning
	}
	o.running[id] = struct{}{}
	o.mu.Unlock()

	l, err := o.guard.Acquire(ctx, id)
	if err != nil {
		o.forget(id)
		if errors.Is(err, lease.ErrAlreadyRunning) {
			o.metrics.LeaseConflicts.Inc()
		}
		return err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.forget(id)
		if err := o.Run(o.root, l); err != nil && !errors.Is(err, context.Canceled) {
			o.log.WithError(err).WithField("swap_id", id).Error("swap task stopped before a terminal stage")
		}
	}()
	return nil
}

func (o *Orchestrator) forget(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, id)
}

// Wait blocks until every launched task has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Stop cancels every running task and waits for them to release their leases.
// Interrupted swaps stay in their current stage and are resumed by the next owner.
func (o *Orchestrator) Stop() {
	o.cancel()
	o.wg.Wait()
}

// Run drives the leased swap until it reaches a terminal stage, ctx is
// cancelled, or the lease is lost. The lease is released on return.
func (o *Orchestrator) Run(ctx context.Context, l storage.Lease) error {
	log := o.log.WithField("swap_id", l.SwapID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	keepaliveDone := make(chan struct{})
	go func() {
		defer close(keepaliveDone)
		o.guard.Keepalive(ctx, l, func() {
			o.metrics.LeasesLost.Inc()
			cancel()
		})
	}()
	defer func() {
		cancel()
		<-keepaliveDone
		releaseCtx, done := context.WithTimeout(context.Background(), releaseTimeout)
		defer done()
		if err := o.guard.Release(releaseCtx, l); err != nil {
			log.WithError(err).Warn("failed to release lease, it will expire")
		}
	}()

	o.metrics.SwapsActive.Inc()
	defer o.metrics.SwapsActive.Dec()

	log.Debug("swap task started")
	return o.drive(ctx, l.SwapID, log)
}

// drive executes stages until the swap is terminal.
func (o *Orchestrator) drive(ctx context.Context, id string, log *logan.Entry) error {
	for {
		rec, err := o.store.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("load swap: %w", err)
		}
		if rec.Status.IsTerminal() {
			log.WithField("stage", rec.Status).Debug("swap is terminal")
			return nil
		}

		var t domain.Transition
		if rec.AbortRequested {
			t = abortTransition()
		} else {
			t, err = o.step(ctx, rec, log.WithField("stage", rec.Status))
			if errors.Is(err, errAborted) {
				t, err = abortTransition(), nil
			}
			if err != nil {
				return err
			}
		}

		if err := o.commit(ctx, rec, t, log); err != nil {
			return err
		}
	}
}

func (o *Orchestrator) step(ctx context.Context, rec *domain.SwapRecord, log *logan.Entry) (domain.Transition, error) {
	switch rec.Status {
	case domain.StageInitiated:
		return domain.Transition{
			Stage:  domain.StageAwaitingDeposit,
			Detail: fmt.Sprintf("awaiting %s %s into %s", rec.SourceAmount, rec.SourceAsset, rec.SwapAccount),
		}, nil
	case domain.StageAwaitingDeposit:
		return o.awaitDeposit(ctx, rec, log)
	case domain.StageConvertingSource:
		return o.runOrders(ctx, rec, o.sellLeg(rec), log)
	case domain.StageAcquiringTarget:
		return o.runOrders(ctx, rec, o.buyLeg(rec), log)
	case domain.StageDeliveringTarget:
		return o.deliver(ctx, rec, log)
	default:
		return domain.Transition{}, fmt.Errorf("no handler for stage %q", rec.Status)
	}
}

func abortTransition() domain.Transition {
	return domain.Transition{
		Stage:       domain.StageFailed,
		Detail:      "aborted by operator",
		ErrorDetail: domain.FailureAborted,
	}
}

// commit persists t and notifies observers of the committed transition.
func (o *Orchestrator) commit(ctx context.Context, rec *domain.SwapRecord, t domain.Transition, log *logan.Entry) error {
	updated, err := o.store.AppendTransition(ctx, rec.ID, t)
	if err != nil {
		return fmt.Errorf("append transition %s -> %s: %w", rec.Status, t.Stage, err)
	}

	entry := updated.CurrentEntry()
	fields := logan.F{
		"from":   rec.Status,
		"to":     entry.Stage,
		"detail": entry.Detail,
	}
	if !entry.Amount.IsZero() {
		fields["amount"] = entry.Amount.String()
	}
	if entry.Stage.IsFailure() {
		log.WithFields(fields).WithField("error_detail", updated.ErrorDetail).Error("swap failed")
	} else {
		log.WithFields(fields).Info("stage transition")
	}

	o.metrics.RecordTransition(entry.Stage.String(), updated.ErrorDetail, entry.Stage.IsTerminal(), entry.At.Sub(updated.CreatedAt))

	if o.sink != nil {
		ev := domain.TransitionEvent{
			SwapID:      updated.ID,
			From:        rec.Status,
			To:          entry.Stage,
			Detail:      entry.Detail,
			Amount:      entry.Amount,
			ErrorDetail: updated.ErrorDetail,
			At:          entry.At,
		}
		if err := o.sink.Publish(ctx, ev); err != nil {
			o.metrics.RecordPublishError("transition")
			log.WithError(err).Error("failed to publish transition")
		}
	}
	return nil
}

// fail builds a terminal failure transition.
func fail(stage domain.Stage, kind domain.FailureKind, detail string) domain.Transition {
	return domain.Transition{Stage: stage, ErrorDetail: kind, Detail: detail}
}

// giveUp turns an external call that cannot succeed into a terminal transition.
// Cancellation of ctx is returned as an error instead, leaving the swap untouched.
func giveUp(ctx context.Context, stage domain.Stage, kind domain.FailureKind, what string, err error) (domain.Transition, error) {
	if ctx.Err() != nil {
		return domain.Transition{}, ctx.Err()
	}
	if errors.Is(err, errAborted) {
		return domain.Transition{}, err
	}
	return fail(stage, kind, fmt.Sprintf("%s: %v", what, err)), nil
}

// idempotencyKey identifies one external submission of a swap stage.
func idempotencyKey(id string, stage domain.Stage, attempt int) string {
	return fmt.Sprintf("%s/%s/%d", id, stage, attempt)
}
