package swap

import (
	"time"

	"github.com/shopspring/decimal"

	"atomic-pek/internal/domain"
)

// Snapshot is the read-only projection of a swap returned to callers.
type Snapshot struct {
	SwapID          string              `json:"swap_id"`
	User            string              `json:"user"`
	Token           string              `json:"token"`
	Amount          decimal.Decimal     `json:"amount"`
	SwapAccount     string              `json:"swap_account"`
	SettlementAsset string              `json:"settlement_asset"`
	TargetAsset     string              `json:"target_asset"`
	Status          domain.Stage        `json:"status"`
	StageHistory    []StageEntry        `json:"stage_history"`
	ErrorDetail     string              `json:"error_detail,omitempty"`
	ExternalRefs    map[string][]string `json:"external_refs"`
	AbortRequested  bool                `json:"abort_requested,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// StageEntry is one history row of a Snapshot.
type StageEntry struct {
	Stage  domain.Stage     `json:"stage"`
	At     time.Time        `json:"at"`
	Detail string           `json:"detail,omitempty"`
	Amount *decimal.Decimal `json:"amount,omitempty"`
}

// NewSnapshot projects rec.
func NewSnapshot(rec *domain.SwapRecord) Snapshot {
	history := make([]StageEntry, 0, len(rec.StageHistory))
	for _, e := range rec.StageHistory {
		entry := StageEntry{Stage: e.Stage, At: e.At, Detail: e.Detail}
		if !e.Amount.IsZero() {
			amount := e.Amount
			entry.Amount = &amount
		}
		history = append(history, entry)
	}

	refs := make(map[string][]string, len(rec.ExternalRefs))
	for stage, list := range rec.ExternalRefs {
		refs[stage.String()] = append([]string(nil), list...)
	}

	return Snapshot{
		SwapID:          rec.ID,
		User:            rec.RequesterAddress,
		Token:           rec.SourceAsset,
		Amount:          rec.SourceAmount,
		SwapAccount:     rec.SwapAccount,
		SettlementAsset: rec.SettlementAsset,
		TargetAsset:     rec.TargetAsset,
		Status:          rec.Status,
		StageHistory:    history,
		ErrorDetail:     rec.ErrorDetail,
		ExternalRefs:    refs,
		AbortRequested:  rec.AbortRequested,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}
}

// Terminal reports whether the snapshot can no longer change.
func (s Snapshot) Terminal() bool {
	return s.Status.IsTerminal()
}
