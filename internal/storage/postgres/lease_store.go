package postgres

import (
	"context"
	"fmt"
	"time"

	"atomic-pek/internal/storage"
)

// LeaseStore implements storage.LeaseStore using PostgreSQL.
// Expiry is evaluated against the database clock so that processes on
// different hosts agree on it.
type LeaseStore struct {
	pool *Pool
}

// NewLeaseStore creates a new LeaseStore.
func NewLeaseStore(pool *Pool) *LeaseStore {
	return &LeaseStore{pool: pool}
}

// Compile-time interface check.
var _ storage.LeaseStore = (*LeaseStore)(nil)

// Acquire inserts or takes over the lease row. The conditional upsert only
// replaces an expired lease or one already held by owner.
func (s *LeaseStore) Acquire(ctx context.Context, swapID, owner string, ttl time.Duration) (storage.Lease, error) {
	if swapID == "" || owner == "" || ttl <= 0 {
		return storage.Lease{}, storage.ErrInvalidInput
	}

	query := `
		INSERT INTO swap_leases (swap_id, owner, expires_at)
		VALUES ($1, $2, clock_timestamp() + $3::bigint * interval '1 millisecond')
		ON CONFLICT (swap_id) DO UPDATE
			SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
			WHERE swap_leases.expires_at <= clock_timestamp() OR swap_leases.owner = EXCLUDED.owner
		RETURNING expires_at
	`

	var expiresAt time.Time
	err := s.pool.QueryRow(ctx, query, swapID, owner, ttl.Milliseconds()).Scan(&expiresAt)
	if err != nil {
		if isNotFoundError(err) {
			return storage.Lease{}, storage.ErrLeaseHeld
		}
		return storage.Lease{}, fmt.Errorf("acquire lease: %w", err)
	}

	return storage.Lease{SwapID: swapID, Owner: owner, ExpiresAt: expiresAt.UTC()}, nil
}

// Renew extends an unexpired lease held by l.Owner.
func (s *LeaseStore) Renew(ctx context.Context, l storage.Lease, ttl time.Duration) (storage.Lease, error) {
	query := `
		UPDATE swap_leases
		SET expires_at = clock_timestamp() + $3::bigint * interval '1 millisecond'
		WHERE swap_id = $1 AND owner = $2 AND expires_at > clock_timestamp()
		RETURNING expires_at
	`

	var expiresAt time.Time
	err := s.pool.QueryRow(ctx, query, l.SwapID, l.Owner, ttl.Milliseconds()).Scan(&expiresAt)
	if err != nil {
		if isNotFoundError(err) {
			return storage.Lease{}, storage.ErrLeaseLost
		}
		return storage.Lease{}, fmt.Errorf("renew lease: %w", err)
	}

	l.ExpiresAt = expiresAt.UTC()
	return l, nil
}

// Release deletes the lease row if l.Owner still holds it.
func (s *LeaseStore) Release(ctx context.Context, l storage.Lease) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM swap_leases WHERE swap_id = $1 AND owner = $2`, l.SwapID, l.Owner)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrLeaseLost
	}
	return nil
}
