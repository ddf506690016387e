package pebble

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atomic-pek/internal/domain"
	"atomic-pek/internal/storage"
	"atomic-pek/internal/storage/storagetest"
)

func openTestStore(t *testing.T, dir string) *SwapStore {
	t.Helper()

	store, err := Open(dir)
	require.NoError(t, err)
	return store
}

func TestSwapStore_Contract(t *testing.T) {
	storagetest.RunSwapStoreTests(t, func(t *testing.T) storage.SwapStore {
		store := openTestStore(t, t.TempDir())
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestSwapStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store := openTestStore(t, dir)
	rec := storagetest.NewRecord()
	require.NoError(t, store.Create(ctx, rec))
	_, err := store.AppendTransition(ctx, rec.ID, domain.Transition{Stage: domain.StageAwaitingDeposit})
	require.NoError(t, err)
	require.NoError(t, store.RecordExternalRef(ctx, rec.ID, domain.StageAwaitingDeposit, "tx-1"))
	require.NoError(t, store.Close())

	reopened := openTestStore(t, dir)
	defer reopened.Close()

	got, err := reopened.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageAwaitingDeposit, got.Status)
	assert.Len(t, got.StageHistory, 2)
	assert.True(t, rec.SourceAmount.Equal(got.SourceAmount))
	assert.Equal(t, []string{"tx-1"}, got.ExternalRefs[domain.StageAwaitingDeposit])

	ids, err := reopened.ListActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{rec.ID}, ids)

	other := storagetest.NewRecord()
	require.NoError(t, reopened.Create(ctx, other))
	assert.ErrorIs(t, reopened.RecordExternalRef(ctx, other.ID, domain.StageAwaitingDeposit, "tx-1"), storage.ErrDuplicateRef)
}
