// Package storagetest holds contract tests shared by every storage backend.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atomic-pek/internal/domain"
	"atomic-pek/internal/storage"
)

// NewRecord builds an initiated record with a random id.
func NewRecord() *domain.SwapRecord {
	return domain.NewSwapRecord(
		uuid.NewString(),
		"alice",
		"pek-swap",
		"SRC",
		decimal.RequireFromString("100.5"),
		"SWAP.HIVE",
		"PEK",
		time.Now().UTC().Truncate(time.Millisecond),
	)
}

// RunSwapStoreTests runs the SwapStore contract against a fresh store per subtest.
func RunSwapStoreTests(t *testing.T, newStore func(t *testing.T) storage.SwapStore) {
	t.Run("CreateAndGet", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		rec := NewRecord()

		require.NoError(t, store.Create(ctx, rec))

		got, err := store.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.ID, got.ID)
		assert.Equal(t, "alice", got.RequesterAddress)
		assert.Equal(t, "pek-swap", got.SwapAccount)
		assert.True(t, rec.SourceAmount.Equal(got.SourceAmount))
		assert.Equal(t, "SWAP.HIVE", got.SettlementAsset)
		assert.Equal(t, "PEK", got.TargetAsset)
		assert.Equal(t, domain.StageInitiated, got.Status)
		require.Len(t, got.StageHistory, 1)
		assert.Equal(t, domain.StageInitiated, got.StageHistory[0].Stage)
		assert.Empty(t, got.ErrorDetail)
	})

	t.Run("DuplicateID", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		rec := NewRecord()

		require.NoError(t, store.Create(ctx, rec))
		assert.ErrorIs(t, store.Create(ctx, rec), storage.ErrDuplicateID)
	})

	t.Run("GetNotFound", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("SnapshotIsolation", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		rec := NewRecord()
		require.NoError(t, store.Create(ctx, rec))

		got, err := store.Get(ctx, rec.ID)
		require.NoError(t, err)
		got.Status = domain.StageCompleted
		got.StageHistory = append(got.StageHistory, domain.StageEntry{Stage: domain.StageCompleted})

		again, err := store.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StageInitiated, again.Status)
		assert.Len(t, again.StageHistory, 1)
	})

	t.Run("AppendTransition", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		rec := NewRecord()
		require.NoError(t, store.Create(ctx, rec))

		got, err := store.AppendTransition(ctx, rec.ID, domain.Transition{Stage: domain.StageAwaitingDeposit, Detail: "waiting"})
		require.NoError(t, err)
		assert.Equal(t, domain.StageAwaitingDeposit, got.Status)

		got, err = store.AppendTransition(ctx, rec.ID, domain.Transition{
			Stage:  domain.StageConvertingSource,
			Detail: "deposit tx-1",
			Amount: decimal.RequireFromString("100.5"),
		})
		require.NoError(t, err)

		stored, err := store.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StageConvertingSource, stored.Status)
		require.Len(t, stored.StageHistory, 3)
		assert.Equal(t, "deposit tx-1", stored.StageHistory[2].Detail)
		assert.True(t, decimal.RequireFromString("100.5").Equal(stored.StageHistory[2].Amount))
		assert.False(t, stored.StageHistory[2].At.Before(stored.StageHistory[1].At))
		assert.Equal(t, got.StageHistory[2].Stage, stored.StageHistory[2].Stage)
	})

	t.Run("AppendTransitionRejectsSkips", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		rec := NewRecord()
		require.NoError(t, store.Create(ctx, rec))

		_, err := store.AppendTransition(ctx, rec.ID, domain.Transition{Stage: domain.StageDeliveringTarget})
		assert.ErrorIs(t, err, storage.ErrInvalidTransition)

		stored, err := store.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StageInitiated, stored.Status)
		assert.Len(t, stored.StageHistory, 1)
	})

	t.Run("AppendTransitionNotFound", func(t *testing.T) {
		store := newStore(t)
		_, err := store.AppendTransition(context.Background(), "missing", domain.Transition{Stage: domain.StageAwaitingDeposit})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("TerminalIsImmutable", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		rec := NewRecord()
		require.NoError(t, store.Create(ctx, rec))

		_, err := store.AppendTransition(ctx, rec.ID, domain.Transition{
			Stage:       domain.StageExpired,
			Detail:      "no deposit",
			ErrorDetail: domain.FailureDepositTimeout,
		})
		require.NoError(t, err)

		_, err = store.AppendTransition(ctx, rec.ID, domain.Transition{
			Stage:       domain.StageFailed,
			ErrorDetail: domain.FailureAborted,
		})
		assert.ErrorIs(t, err, storage.ErrTerminalState)
		assert.ErrorIs(t, store.RecordExternalRef(ctx, rec.ID, domain.StageAwaitingDeposit, "late"), storage.ErrTerminalState)
		assert.ErrorIs(t, store.RequestAbort(ctx, rec.ID), storage.ErrTerminalState)

		stored, err := store.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StageExpired, stored.Status)
		assert.Equal(t, "DepositTimeout", stored.ErrorDetail)
		assert.Len(t, stored.StageHistory, 2)
	})

	t.Run("ExternalRefs", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		rec := NewRecord()
		other := NewRecord()
		require.NoError(t, store.Create(ctx, rec))
		require.NoError(t, store.Create(ctx, other))

		require.NoError(t, store.RecordExternalRef(ctx, rec.ID, domain.StageConvertingSource, "order-1"))
		require.NoError(t, store.RecordExternalRef(ctx, rec.ID, domain.StageConvertingSource, "order-1"))
		require.NoError(t, store.RecordExternalRef(ctx, rec.ID, domain.StageConvertingSource, "order-2"))
		assert.ErrorIs(t, store.RecordExternalRef(ctx, other.ID, domain.StageConvertingSource, "order-1"), storage.ErrDuplicateRef)
		assert.ErrorIs(t, store.RecordExternalRef(ctx, "missing", domain.StageConvertingSource, "x"), storage.ErrNotFound)

		stored, err := store.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"order-1", "order-2"}, stored.ExternalRefs[domain.StageConvertingSource])
		active, ok := stored.ActiveRef(domain.StageConvertingSource)
		assert.True(t, ok)
		assert.Equal(t, "order-2", active)

		untouched, err := store.Get(ctx, other.ID)
		require.NoError(t, err)
		assert.Empty(t, untouched.ExternalRefs[domain.StageConvertingSource])
	})

	t.Run("RequestAbort", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		rec := NewRecord()
		require.NoError(t, store.Create(ctx, rec))

		require.NoError(t, store.RequestAbort(ctx, rec.ID))
		stored, err := store.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.True(t, stored.AbortRequested)
		assert.Equal(t, domain.StageInitiated, stored.Status)

		assert.ErrorIs(t, store.RequestAbort(ctx, "missing"), storage.ErrNotFound)
	})

	t.Run("ListActive", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		done := NewRecord()
		live := NewRecord()
		require.NoError(t, store.Create(ctx, done))
		require.NoError(t, store.Create(ctx, live))
		_, err := store.AppendTransition(ctx, done.ID, domain.Transition{
			Stage:       domain.StageFailed,
			ErrorDetail: domain.FailureAborted,
		})
		require.NoError(t, err)

		ids, err := store.ListActive(ctx)
		require.NoError(t, err)
		assert.Contains(t, ids, live.ID)
		assert.NotContains(t, ids, done.ID)
	})

	t.Run("ConcurrentTransitionsDifferentIDs", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		const n = 16
		records := make([]*domain.SwapRecord, n)
		for i := range records {
			records[i] = NewRecord()
			require.NoError(t, store.Create(ctx, records[i]))
		}

		var wg sync.WaitGroup
		errs := make(chan error, n)
		for _, rec := range records {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				for _, stage := range []domain.Stage{domain.StageAwaitingDeposit, domain.StageConvertingSource} {
					if _, err := store.AppendTransition(ctx, id, domain.Transition{Stage: stage}); err != nil {
						errs <- fmt.Errorf("%s -> %s: %w", id, stage, err)
						return
					}
				}
			}(rec.ID)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Error(err)
		}

		for _, rec := range records {
			stored, err := store.Get(ctx, rec.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.StageConvertingSource, stored.Status)
			assert.Len(t, stored.StageHistory, 3)
		}
	})
}

// RunLeaseStoreTests runs the LeaseStore contract. The store must use the
// wall clock; ttl values are kept short.
func RunLeaseStoreTests(t *testing.T, newStore func(t *testing.T) storage.LeaseStore) {
	t.Run("AcquireExclusive", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		id := uuid.NewString()

		l, err := store.Acquire(ctx, id, "owner-a", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "owner-a", l.Owner)

		_, err = store.Acquire(ctx, id, "owner-b", time.Minute)
		assert.ErrorIs(t, err, storage.ErrLeaseHeld)

		_, err = store.Acquire(ctx, id, "owner-a", time.Minute)
		assert.NoError(t, err, "owner may re-acquire")
	})

	t.Run("ExpiredLeaseIsTakenOver", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		id := uuid.NewString()

		stale, err := store.Acquire(ctx, id, "owner-a", 50*time.Millisecond)
		require.NoError(t, err)
		time.Sleep(120 * time.Millisecond)

		l, err := store.Acquire(ctx, id, "owner-b", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "owner-b", l.Owner)

		_, err = store.Renew(ctx, stale, time.Minute)
		assert.ErrorIs(t, err, storage.ErrLeaseLost)
		assert.ErrorIs(t, store.Release(ctx, stale), storage.ErrLeaseLost)
	})

	t.Run("RenewAndRelease", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		id := uuid.NewString()

		l, err := store.Acquire(ctx, id, "owner-a", time.Second)
		require.NoError(t, err)

		renewed, err := store.Renew(ctx, l, time.Minute)
		require.NoError(t, err)
		assert.True(t, renewed.ExpiresAt.After(l.ExpiresAt))

		require.NoError(t, store.Release(ctx, renewed))

		_, err = store.Acquire(ctx, id, "owner-b", time.Minute)
		assert.NoError(t, err)
	})

	t.Run("ConcurrentAcquireSingleWinner", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		id := uuid.NewString()

		const n = 20
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins, held := 0, 0
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(owner string) {
				defer wg.Done()
				_, err := store.Acquire(ctx, id, owner, time.Minute)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, storage.ErrLeaseHeld):
					held++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(fmt.Sprintf("owner-%d", i))
		}
		wg.Wait()

		assert.Equal(t, 1, wins)
		assert.Equal(t, n-1, held)
	})
}
