package storage

import (
	"context"
	"time"

	"atomic-pek/internal/domain"
)

// SwapStore provides durable keyed storage for swap records.
// Operations on different ids are safe for concurrent use. Callers mutating
// the same id must hold its lease.
type SwapStore interface {
	// Create inserts a new record. Returns ErrDuplicateID if the id exists.
	Create(ctx context.Context, r *domain.SwapRecord) error

	// Get returns a snapshot of the record. Returns ErrNotFound if not exists.
	Get(ctx context.Context, id string) (*domain.SwapRecord, error)

	// AppendTransition atomically sets the status and appends a history entry.
	// It is the only path that changes Status, StageHistory and ErrorDetail.
	// Returns the committed record.
	AppendTransition(ctx context.Context, id string, t domain.Transition) (*domain.SwapRecord, error)

	// RecordExternalRef appends ref to the stage's reference list.
	// Recording a ref the swap already holds for that stage is a no-op.
	// Returns ErrDuplicateRef if another swap owns ref.
	RecordExternalRef(ctx context.Context, id string, stage domain.Stage, ref string) error

	// RequestAbort flags the swap for cooperative cancellation.
	RequestAbort(ctx context.Context, id string) error

	// ListActive returns the ids of all swaps in a non-terminal stage, oldest first.
	ListActive(ctx context.Context) ([]string, error)
}

// Lease is a time-bounded exclusivity grant over one swap id.
type Lease struct {
	SwapID    string
	Owner     string
	ExpiresAt time.Time
}

// LeaseStore persists leases for the concurrency guard.
type LeaseStore interface {
	// Acquire grants the lease if none exists, the existing one expired, or
	// owner already holds it. Returns ErrLeaseHeld otherwise.
	Acquire(ctx context.Context, swapID, owner string, ttl time.Duration) (Lease, error)

	// Renew extends a lease still held by its owner. Returns ErrLeaseLost otherwise.
	Renew(ctx context.Context, l Lease, ttl time.Duration) (Lease, error)

	// Release drops a lease held by its owner. Releasing a lost lease returns ErrLeaseLost.
	Release(ctx context.Context, l Lease) error
}

// TransitionLog is an append-only analytics log of committed transitions.
// It is never read on the orchestration path.
type TransitionLog interface {
	// InsertBulk appends events. Duplicates are not detected.
	InsertBulk(ctx context.Context, events []domain.TransitionEvent) error

	// GetBySwapID returns the events of one swap ordered by time.
	GetBySwapID(ctx context.Context, swapID string) ([]domain.TransitionEvent, error)
}
