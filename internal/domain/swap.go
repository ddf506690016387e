package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SwapRecord is the durable state of one swap attempt.
// Corresponds to the swaps table in PostgreSQL.
type SwapRecord struct {
	ID               string          // immutable, assigned at creation
	RequesterAddress string          // destination account owning the swap
	SwapAccount      string          // custodial account receiving the deposit
	SourceAsset      string          // token the user deposits
	SourceAmount     decimal.Decimal // amount the user is expected to deposit
	SettlementAsset  string          // intermediary market asset
	TargetAsset      string          // asset delivered to the user
	Status           Stage
	StageHistory     []StageEntry       // append-only
	ErrorDetail      string             // failure kind, set once on failed/expired
	ExternalRefs     map[Stage][]string // per stage, last element is the active ref
	AbortRequested   bool               // cooperative admin cancel
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// StageEntry is one row of the stage history.
type StageEntry struct {
	Stage  Stage
	At     time.Time
	Detail string
	Amount decimal.Decimal // quantity realized on entering the stage, zero when not applicable
}

// Transition is the argument of the only sanctioned status mutation.
type Transition struct {
	Stage       Stage
	Detail      string
	Amount      decimal.Decimal
	ErrorDetail FailureKind // required for failed/expired, ignored otherwise
}

// TransitionEvent is published after a transition has been committed.
type TransitionEvent struct {
	SwapID      string
	From        Stage
	To          Stage
	Detail      string
	Amount      decimal.Decimal
	ErrorDetail string
	At          time.Time
}

// NewSwapRecord builds a record in the initiated stage.
func NewSwapRecord(id, requester, swapAccount, sourceAsset string, sourceAmount decimal.Decimal,
	settlementAsset, targetAsset string, now time.Time) *SwapRecord {
	return &SwapRecord{
		ID:               id,
		RequesterAddress: requester,
		SwapAccount:      swapAccount,
		SourceAsset:      sourceAsset,
		SourceAmount:     sourceAmount,
		SettlementAsset:  settlementAsset,
		TargetAsset:      targetAsset,
		Status:           StageInitiated,
		StageHistory: []StageEntry{
			{Stage: StageInitiated, At: now, Detail: "swap created"},
		},
		ExternalRefs: make(map[Stage][]string),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Clone returns a deep copy safe to hand out as a snapshot.
func (r *SwapRecord) Clone() *SwapRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.StageHistory = append([]StageEntry(nil), r.StageHistory...)
	c.ExternalRefs = make(map[Stage][]string, len(r.ExternalRefs))
	for stage, refs := range r.ExternalRefs {
		c.ExternalRefs[stage] = append([]string(nil), refs...)
	}
	return &c
}

// CurrentEntry returns the history entry that entered the current stage.
func (r *SwapRecord) CurrentEntry() StageEntry {
	return r.StageHistory[len(r.StageHistory)-1]
}

// ActiveRef returns the last external reference recorded for a stage.
func (r *SwapRecord) ActiveRef(stage Stage) (string, bool) {
	refs := r.ExternalRefs[stage]
	if len(refs) == 0 {
		return "", false
	}
	return refs[len(refs)-1], true
}

// HasRef reports whether ref is already recorded for the stage.
func (r *SwapRecord) HasRef(stage Stage, ref string) bool {
	for _, existing := range r.ExternalRefs[stage] {
		if existing == ref {
			return true
		}
	}
	return false
}

// Apply validates and applies a transition in place.
// Stores call it under their own lock or transaction.
func (r *SwapRecord) Apply(t Transition, now time.Time) error {
	if r.Status.IsTerminal() {
		return ErrTerminalStage
	}
	if !CanTransition(r.Status, t.Stage) {
		return ErrIllegalTransition
	}
	if t.Stage.IsFailure() {
		if t.ErrorDetail == "" {
			return ErrMissingFailureKind
		}
		r.ErrorDetail = string(t.ErrorDetail)
	}
	r.Status = t.Stage
	r.StageHistory = append(r.StageHistory, StageEntry{
		Stage:  t.Stage,
		At:     now,
		Detail: t.Detail,
		Amount: t.Amount,
	})
	r.UpdatedAt = now
	return nil
}
