package swap

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/distributed_lab/logan/v3"

	"atomic-pek/internal/domain"
	"atomic-pek/internal/observability"
	"atomic-pek/internal/storage"
	"atomic-pek/internal/storage/memory"
)

type fakeLauncher struct {
	mu       sync.Mutex
	launched []string
	err      error
}

func (l *fakeLauncher) Launch(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launched = append(l.launched, id)
	return l.err
}

func newService(t *testing.T, allowed ...string) (*Service, *memory.SwapStore, *fakeLauncher) {
	t.Helper()
	store := memory.NewSwapStore()
	launcher := &fakeLauncher{}
	svc := NewService(Options{
		Store:    store,
		Launcher: launcher,
		Config: Config{
			SwapAccount:     "pek-swap",
			SettlementAsset: "SWAP.HIVE",
			TargetAsset:     "PEK",
			AllowedTokens:   allowed,
		},
		Log:     logan.New().Level(logan.ErrorLevel),
		Metrics: observability.NewMetricsWith(prometheus.NewRegistry(), "test"),
	})
	return svc, store, launcher
}

func TestService_Start(t *testing.T) {
	ctx := context.Background()
	svc, store, launcher := newService(t)

	res, err := svc.Start(ctx, StartRequest{User: " alice ", Token: "SRC", Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)
	assert.NotEmpty(t, res.SwapID)
	assert.Equal(t, "pek-swap", res.SwapAccount)
	assert.Equal(t, []string{res.SwapID}, launcher.launched)

	rec, err := store.Get(ctx, res.SwapID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageInitiated, rec.Status)
	assert.Equal(t, "alice", rec.RequesterAddress)
	assert.Equal(t, "SRC", rec.SourceAsset)
	assert.Equal(t, "PEK", rec.TargetAsset)
	assert.Equal(t, "SWAP.HIVE", rec.SettlementAsset)
	assert.Len(t, rec.StageHistory, 1)

	other, err := svc.Start(ctx, StartRequest{User: "alice", Token: "SRC", Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)
	assert.NotEqual(t, res.SwapID, other.SwapID)
}

func TestService_StartValidation(t *testing.T) {
	svc, store, launcher := newService(t, "SRC", "BEE")

	tests := []struct {
		name string
		req  StartRequest
	}{
		{"missing user", StartRequest{Token: "SRC", Amount: decimal.NewFromInt(1)}},
		{"blank user", StartRequest{User: "  ", Token: "SRC", Amount: decimal.NewFromInt(1)}},
		{"missing token", StartRequest{User: "alice", Amount: decimal.NewFromInt(1)}},
		{"zero amount", StartRequest{User: "alice", Token: "SRC"}},
		{"negative amount", StartRequest{User: "alice", Token: "SRC", Amount: decimal.NewFromInt(-5)}},
		{"token not allowed", StartRequest{User: "alice", Token: "DOGE", Amount: decimal.NewFromInt(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Start(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}

	active, err := store.ListActive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active)
	assert.Empty(t, launcher.launched)

	_, err = svc.Start(context.Background(), StartRequest{User: "alice", Token: "bee", Amount: decimal.NewFromInt(1)})
	assert.NoError(t, err, "allow-list is case-insensitive")
}

func TestService_StartSurvivesLaunchFailure(t *testing.T) {
	svc, store, launcher := newService(t)
	launcher.err = errors.New("orchestrator stopped")

	res, err := svc.Start(context.Background(), StartRequest{User: "alice", Token: "SRC", Amount: decimal.NewFromInt(3)})
	require.NoError(t, err)

	active, err := store.ListActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{res.SwapID}, active)
}

func TestService_Status(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newService(t)

	_, err := svc.Status(ctx, "unknown-id")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	res, err := svc.Start(ctx, StartRequest{User: "alice", Token: "SRC", Amount: decimal.RequireFromString("100.5")})
	require.NoError(t, err)

	_, err = store.AppendTransition(ctx, res.SwapID, domain.Transition{Stage: domain.StageAwaitingDeposit})
	require.NoError(t, err)
	require.NoError(t, store.RecordExternalRef(ctx, res.SwapID, domain.StageAwaitingDeposit, "dep-1"))
	_, err = store.AppendTransition(ctx, res.SwapID, domain.Transition{
		Stage: domain.StageConvertingSource, Detail: "deposit dep-1", Amount: decimal.RequireFromString("100.5"),
	})
	require.NoError(t, err)
	_, err = store.AppendTransition(ctx, res.SwapID, domain.Transition{
		Stage: domain.StageFailed, ErrorDetail: domain.FailureConversionFailed, Detail: "order rejected",
	})
	require.NoError(t, err)

	snap, err := svc.Status(ctx, res.SwapID)
	require.NoError(t, err)
	assert.True(t, snap.Terminal())
	assert.Equal(t, domain.StageFailed, snap.Status)
	assert.Equal(t, "ConversionFailed", snap.ErrorDetail)
	assert.Len(t, snap.StageHistory, 4)
	assert.Nil(t, snap.StageHistory[1].Amount)
	require.NotNil(t, snap.StageHistory[2].Amount)
	assert.Equal(t, map[string][]string{"awaiting_deposit": {"dep-1"}}, snap.ExternalRefs)

	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "failed", decoded["status"])
	assert.Equal(t, "alice", decoded["user"])
	assert.Equal(t, "SRC", decoded["token"])
	assert.Equal(t, "100.5", decoded["amount"])
	assert.Equal(t, "ConversionFailed", decoded["error_detail"])
	history := decoded["stage_history"].([]any)
	assert.Equal(t, "100.5", history[2].(map[string]any)["amount"])
}

func TestService_Abort(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newService(t)

	assert.ErrorIs(t, svc.Abort(ctx, "unknown-id"), storage.ErrNotFound)

	res, err := svc.Start(ctx, StartRequest{User: "alice", Token: "SRC", Amount: decimal.NewFromInt(1)})
	require.NoError(t, err)
	require.NoError(t, svc.Abort(ctx, res.SwapID))

	rec, err := store.Get(ctx, res.SwapID)
	require.NoError(t, err)
	assert.True(t, rec.AbortRequested)
	assert.Equal(t, domain.StageInitiated, rec.Status, "abort is cooperative")

	_, err = store.AppendTransition(ctx, res.SwapID, domain.Transition{
		Stage: domain.StageFailed, ErrorDetail: domain.FailureAborted,
	})
	require.NoError(t, err)
	assert.ErrorIs(t, svc.Abort(ctx, res.SwapID), storage.ErrTerminalState)
}

func TestSnapshot_CopiesRecord(t *testing.T) {
	rec := domain.NewSwapRecord("id", "alice", "pek-swap", "SRC", decimal.NewFromInt(1), "SWAP.HIVE", "PEK", time.Now())
	rec.ExternalRefs[domain.StageAwaitingDeposit] = []string{"dep-1"}

	snap := NewSnapshot(rec)
	rec.ExternalRefs[domain.StageAwaitingDeposit][0] = "mutated"

	assert.Equal(t, []string{"dep-1"}, snap.ExternalRefs["awaiting_deposit"])
	assert.False(t, snap.Terminal())
}
