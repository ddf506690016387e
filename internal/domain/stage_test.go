package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Stage
		want     bool
	}{
		{StageInitiated, StageAwaitingDeposit, true},
		{StageAwaitingDeposit, StageConvertingSource, true},
		{StageConvertingSource, StageAcquiringTarget, true},
		{StageAcquiringTarget, StageDeliveringTarget, true},
		{StageDeliveringTarget, StageCompleted, true},
		{StageInitiated, StageConvertingSource, false},
		{StageAwaitingDeposit, StageDeliveringTarget, false},
		{StageAcquiringTarget, StageConvertingSource, false},
		{StageAwaitingDeposit, StageExpired, true},
		{StageDeliveringTarget, StageFailed, true},
		{StageInitiated, StageFailed, true},
		{StageCompleted, StageFailed, false},
		{StageFailed, StageExpired, false},
		{StageExpired, StageAwaitingDeposit, false},
		{Stage("bogus"), StageFailed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestStage_Rank(t *testing.T) {
	assert.Equal(t, 0, StageInitiated.Rank())
	assert.Equal(t, 5, StageCompleted.Rank())
	assert.Greater(t, StageFailed.Rank(), StageDeliveringTarget.Rank())
	assert.Equal(t, StageFailed.Rank(), StageExpired.Rank())
	assert.Equal(t, -1, Stage("nope").Rank())

	assert.True(t, StageCompleted.IsTerminal())
	assert.True(t, StageExpired.IsTerminal())
	assert.False(t, StageDeliveringTarget.IsTerminal())
}

func TestSwapRecord_Apply(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	r := NewSwapRecord("id-1", "alice", "pek-swap", "SRC", decimal.NewFromInt(100), "SWAP.HIVE", "PEK", now)
	require.Len(t, r.StageHistory, 1)

	require.NoError(t, r.Apply(Transition{Stage: StageAwaitingDeposit}, now.Add(time.Second)))
	assert.Equal(t, StageAwaitingDeposit, r.Status)
	assert.Len(t, r.StageHistory, 2)

	err := r.Apply(Transition{Stage: StageDeliveringTarget}, now)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	err = r.Apply(Transition{Stage: StageExpired}, now)
	assert.ErrorIs(t, err, ErrMissingFailureKind)

	require.NoError(t, r.Apply(Transition{Stage: StageExpired, ErrorDetail: FailureDepositTimeout}, now))
	assert.Equal(t, "DepositTimeout", r.ErrorDetail)

	err = r.Apply(Transition{Stage: StageFailed, ErrorDetail: FailureAborted}, now)
	assert.ErrorIs(t, err, ErrTerminalStage)
	assert.Equal(t, "DepositTimeout", r.ErrorDetail)
	assert.Len(t, r.StageHistory, 3)
}

func TestSwapRecord_CloneIsDeep(t *testing.T) {
	r := NewSwapRecord("id-1", "alice", "pek-swap", "SRC", decimal.NewFromInt(1), "SWAP.HIVE", "PEK", time.Now())
	r.ExternalRefs[StageAwaitingDeposit] = []string{"tx-1"}

	c := r.Clone()
	c.ExternalRefs[StageAwaitingDeposit][0] = "changed"
	c.StageHistory[0].Detail = "changed"

	assert.Equal(t, "tx-1", r.ExternalRefs[StageAwaitingDeposit][0])
	assert.Equal(t, "swap created", r.StageHistory[0].Detail)

	ref, ok := r.ActiveRef(StageAwaitingDeposit)
	assert.True(t, ok)
	assert.Equal(t, "tx-1", ref)
	_, ok = r.ActiveRef(StageDeliveringTarget)
	assert.False(t, ok)
}
