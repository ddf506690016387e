package memory

import (
	"context"
	"sync"
	"time"

	"atomic-pek/internal/storage"
)

// LeaseStore is an in-memory implementation of storage.LeaseStore.
// Only meaningful inside a single process.
type LeaseStore struct {
	mu     sync.Mutex
	leases map[string]storage.Lease
	now    func() time.Time
}

// LeaseOption configures LeaseStore.
type LeaseOption func(*LeaseStore)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) LeaseOption {
	return func(s *LeaseStore) {
		s.now = now
	}
}

// NewLeaseStore creates a new in-memory lease store.
func NewLeaseStore(opts ...LeaseOption) *LeaseStore {
	s := &LeaseStore{
		leases: make(map[string]storage.Lease),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Acquire grants the lease when it is free, expired, or already owned by owner.
func (s *LeaseStore) Acquire(_ context.Context, swapID, owner string, ttl time.Duration) (storage.Lease, error) {
	if swapID == "" || owner == "" || ttl <= 0 {
		return storage.Lease{}, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if cur, ok := s.leases[swapID]; ok && cur.Owner != owner && now.Before(cur.ExpiresAt) {
		return storage.Lease{}, storage.ErrLeaseHeld
	}

	l := storage.Lease{SwapID: swapID, Owner: owner, ExpiresAt: now.Add(ttl)}
	s.leases[swapID] = l
	return l, nil
}

// Renew extends a lease still held by its owner.
func (s *LeaseStore) Renew(_ context.Context, l storage.Lease, ttl time.Duration) (storage.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cur, ok := s.leases[l.SwapID]
	if !ok || cur.Owner != l.Owner || !now.Before(cur.ExpiresAt) {
		return storage.Lease{}, storage.ErrLeaseLost
	}

	cur.ExpiresAt = now.Add(ttl)
	s.leases[l.SwapID] = cur
	return cur, nil
}

// Release drops a lease held by its owner.
func (s *LeaseStore) Release(_ context.Context, l storage.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[l.SwapID]
	if !ok || cur.Owner != l.Owner {
		return storage.ErrLeaseLost
	}
	delete(s.leases, l.SwapID)
	return nil
}

var _ storage.LeaseStore = (*LeaseStore)(nil)
