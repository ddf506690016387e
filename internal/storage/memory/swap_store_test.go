package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atomic-pek/internal/domain"
	"atomic-pek/internal/storage"
	"atomic-pek/internal/storage/storagetest"
)

func TestSwapStore_Contract(t *testing.T) {
	storagetest.RunSwapStoreTests(t, func(t *testing.T) storage.SwapStore {
		return NewSwapStore()
	})
}

func TestLeaseStore_Contract(t *testing.T) {
	storagetest.RunLeaseStoreTests(t, func(t *testing.T) storage.LeaseStore {
		return NewLeaseStore()
	})
}

func TestSwapStore_CreateRejectsInvalid(t *testing.T) {
	store := NewSwapStore()
	ctx := context.Background()

	assert.ErrorIs(t, store.Create(ctx, nil), storage.ErrInvalidInput)
	assert.ErrorIs(t, store.Create(ctx, &domain.SwapRecord{}), storage.ErrInvalidInput)
	assert.ErrorIs(t, store.Create(ctx, &domain.SwapRecord{ID: "x"}), storage.ErrInvalidInput)
}

func TestSwapStore_CreateCopiesInput(t *testing.T) {
	store := NewSwapStore()
	ctx := context.Background()

	rec := storagetest.NewRecord()
	require.NoError(t, store.Create(ctx, rec))
	rec.Status = domain.StageCompleted

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageInitiated, got.Status)
}

func TestSwapStore_TransitionTimestampsUseClock(t *testing.T) {
	store := NewSwapStore()
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	store.now = func() time.Time { return fixed }
	ctx := context.Background()

	rec := storagetest.NewRecord()
	require.NoError(t, store.Create(ctx, rec))

	got, err := store.AppendTransition(ctx, rec.ID, domain.Transition{Stage: domain.StageAwaitingDeposit})
	require.NoError(t, err)
	assert.Equal(t, fixed, got.CurrentEntry().At)
	assert.Equal(t, fixed, got.UpdatedAt)
}

func TestSwapStore_RecordExternalRefRejectsEmpty(t *testing.T) {
	store := NewSwapStore()
	ctx := context.Background()

	rec := storagetest.NewRecord()
	require.NoError(t, store.Create(ctx, rec))
	assert.ErrorIs(t, store.RecordExternalRef(ctx, rec.ID, domain.StageAwaitingDeposit, ""), storage.ErrInvalidInput)
}

func TestSwapStore_ListActiveOrder(t *testing.T) {
	store := NewSwapStore()
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	late := storagetest.NewRecord()
	late.CreatedAt = base.Add(time.Minute)
	early := storagetest.NewRecord()
	early.CreatedAt = base
	require.NoError(t, store.Create(ctx, late))
	require.NoError(t, store.Create(ctx, early))

	ids, err := store.ListActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{early.ID, late.ID}, ids)
}
