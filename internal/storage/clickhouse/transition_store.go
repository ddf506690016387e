package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"atomic-pek/internal/domain"
	"atomic-pek/internal/storage"
)

// TransitionStore implements storage.TransitionLog using ClickHouse.
type TransitionStore struct {
	conn *Conn
}

// NewTransitionStore creates a new TransitionStore.
func NewTransitionStore(conn *Conn) *TransitionStore {
	return &TransitionStore{conn: conn}
}

// Compile-time interface check.
var _ storage.TransitionLog = (*TransitionStore)(nil)

// InsertBulk appends events in one batch. Amounts are stored as decimal strings.
func (s *TransitionStore) InsertBulk(ctx context.Context, events []domain.TransitionEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO swap_transitions (
			swap_id, from_stage, to_stage, detail, amount, error_detail, at
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, e := range events {
		err = batch.Append(
			e.SwapID,
			string(e.From),
			string(e.To),
			e.Detail,
			e.Amount.String(),
			e.ErrorDetail,
			e.At.UTC(),
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// GetBySwapID retrieves all transitions of a swap, ordered by time ASC.
func (s *TransitionStore) GetBySwapID(ctx context.Context, swapID string) ([]domain.TransitionEvent, error) {
	query := `
		SELECT swap_id, from_stage, to_stage, detail, amount, error_detail, at
		FROM swap_transitions
		WHERE swap_id = ?
		ORDER BY at ASC
	`

	rows, err := s.conn.Query(ctx, query, swapID)
	if err != nil {
		return nil, fmt.Errorf("query by swap id: %w", err)
	}
	defer rows.Close()

	var events []domain.TransitionEvent
	for rows.Next() {
		var (
			e        domain.TransitionEvent
			from, to string
			amount   string
			at       time.Time
		)
		if err := rows.Scan(&e.SwapID, &from, &to, &e.Detail, &amount, &e.ErrorDetail, &at); err != nil {
			return nil, fmt.Errorf("scan transition row: %w", err)
		}
		e.From = domain.Stage(from)
		e.To = domain.Stage(to)
		e.At = at.UTC()
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse amount: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transition rows: %w", err)
	}
	return events, nil
}
