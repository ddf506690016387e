// Package lease guarantees at most one live orchestration task per swap id.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gitlab.com/distributed_lab/logan/v3"

	"atomic-pek/internal/storage"
)

// ErrAlreadyRunning is returned when another task holds the swap's lease.
var ErrAlreadyRunning = errors.New("swap already running")

// Guard acquires, renews and releases swap leases on behalf of one process.
type Guard struct {
	store storage.LeaseStore
	owner string
	ttl   time.Duration
	log   *logan.Entry
}

// NewGuard creates a guard with a fresh owner id.
func NewGuard(store storage.LeaseStore, ttl time.Duration, log *logan.Entry) *Guard {
	owner := uuid.NewString()
	return &Guard{
		store: store,
		owner: owner,
		ttl:   ttl,
		log:   log.WithField("lease_owner", owner),
	}
}

// Owner returns the id this guard acquires leases under.
func (g *Guard) Owner() string {
	return g.owner
}

// TTL returns the lease duration.
func (g *Guard) TTL() time.Duration {
	return g.ttl
}

// Acquire takes the lease for swapID. Returns ErrAlreadyRunning if held elsewhere.
func (g *Guard) Acquire(ctx context.Context, swapID string) (storage.Lease, error) {
	l, err := g.store.Acquire(ctx, swapID, g.owner, g.ttl)
	if err != nil {
		if errors.Is(err, storage.ErrLeaseHeld) {
			return storage.Lease{}, ErrAlreadyRunning
		}
		return storage.Lease{}, fmt.Errorf("acquire lease for %s: %w", swapID, err)
	}
	return l, nil
}

// Release gives the lease up. A lease that was already lost is not an error.
func (g *Guard) Release(ctx context.Context, l storage.Lease) error {
	if err := g.store.Release(ctx, l); err != nil && !errors.Is(err, storage.ErrLeaseLost) {
		return fmt.Errorf("release lease for %s: %w", l.SwapID, err)
	}
	return nil
}

// Keepalive renews l every ttl/3 until ctx is done. When the lease is lost,
// or cannot be renewed within ttl of the last successful renewal, lost is
// called and Keepalive returns. Expiry is tracked on the local clock, as
// the store's clock may disagree with ours.
func (g *Guard) Keepalive(ctx context.Context, l storage.Lease, lost func()) {
	interval := g.ttl / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := g.log.WithField("swap_id", l.SwapID)
	validUntil := time.Now().Add(g.ttl)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		sent := time.Now()
		renewed, err := g.store.Renew(ctx, l, g.ttl)
		switch {
		case err == nil:
			l = renewed
			validUntil = sent.Add(g.ttl)
		case ctx.Err() != nil:
			return
		case errors.Is(err, storage.ErrLeaseLost):
			log.Warn("lease lost, stopping swap task")
			lost()
			return
		default:
			if !time.Now().Before(validUntil) {
				log.WithError(err).Warn("lease expired while renewal kept failing")
				lost()
				return
			}
			log.WithError(err).Warn("failed to renew lease, will retry")
		}
	}
}
