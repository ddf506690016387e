package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"atomic-pek/internal/domain"
	"atomic-pek/internal/storage"
)

// SwapStore implements storage.SwapStore using PostgreSQL.
// Mutations lock the swaps row with SELECT ... FOR UPDATE.
type SwapStore struct {
	pool *Pool
}

// NewSwapStore creates a new SwapStore.
func NewSwapStore(pool *Pool) *SwapStore {
	return &SwapStore{pool: pool}
}

// Compile-time interface check.
var _ storage.SwapStore = (*SwapStore)(nil)

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const terminalStatuses = `('completed', 'failed', 'expired')`

// now returns the store timestamp truncated to the column precision.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Create inserts a new swap with its history and refs. Returns ErrDuplicateID if id exists.
func (s *SwapStore) Create(ctx context.Context, r *domain.SwapRecord) error {
	if r == nil || r.ID == "" || len(r.StageHistory) == 0 {
		return storage.ErrInvalidInput
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO swaps (
			id, requester_address, swap_account, source_asset, source_amount,
			settlement_asset, target_asset, status, error_detail, abort_requested,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5::text::numeric, $6, $7, $8, $9, $10, $11, $12)
	`,
		r.ID,
		r.RequesterAddress,
		r.SwapAccount,
		r.SourceAsset,
		r.SourceAmount.String(),
		r.SettlementAsset,
		r.TargetAsset,
		string(r.Status),
		r.ErrorDetail,
		r.AbortRequested,
		r.CreatedAt,
		r.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateID
		}
		return fmt.Errorf("insert swap: %w", err)
	}

	for i, e := range r.StageHistory {
		if err := insertHistory(ctx, tx, r.ID, i, e); err != nil {
			return err
		}
	}
	for stage, refs := range r.ExternalRefs {
		for i, ref := range refs {
			if err := insertRef(ctx, tx, r.ID, stage, i, ref); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Get returns the swap with its full history. Returns ErrNotFound if missing.
func (s *SwapStore) Get(ctx context.Context, id string) (*domain.SwapRecord, error) {
	return load(ctx, s.pool, id, false)
}

// AppendTransition validates and commits one stage change atomically.
func (s *SwapStore) AppendTransition(ctx context.Context, id string, t domain.Transition) (*domain.SwapRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	r, err := load(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	if err := r.Apply(t, now()); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE swaps SET status = $2, error_detail = $3, updated_at = $4
		WHERE id = $1
	`, id, string(r.Status), r.ErrorDetail, r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update swap status: %w", err)
	}
	if err := insertHistory(ctx, tx, id, len(r.StageHistory)-1, r.CurrentEntry()); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return r, nil
}

// RecordExternalRef appends ref to the stage's reference list.
// Returns ErrDuplicateRef if another swap already owns the ref.
func (s *SwapStore) RecordExternalRef(ctx context.Context, id string, stage domain.Stage, ref string) error {
	if ref == "" {
		return storage.ErrInvalidInput
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	r, err := load(ctx, tx, id, true)
	if err != nil {
		return err
	}
	if r.Status.IsTerminal() {
		return storage.ErrTerminalState
	}
	if r.HasRef(stage, ref) {
		return nil
	}

	if err := insertRef(ctx, tx, id, stage, len(r.ExternalRefs[stage]), ref); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE swaps SET updated_at = $2 WHERE id = $1`, id, now()); err != nil {
		return fmt.Errorf("touch swap: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// RequestAbort flags a non-terminal swap for cooperative cancellation.
func (s *SwapStore) RequestAbort(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE swaps SET abort_requested = TRUE, updated_at = $2
		WHERE id = $1 AND status NOT IN `+terminalStatuses,
		id, now())
	if err != nil {
		return fmt.Errorf("request abort: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM swaps WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check swap exists: %w", err)
	}
	if !exists {
		return storage.ErrNotFound
	}
	return storage.ErrTerminalState
}

// ListActive returns ids of non-terminal swaps ordered by creation time.
func (s *SwapStore) ListActive(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM swaps
		WHERE status NOT IN `+terminalStatuses+`
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list active swaps: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan swap id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate swap ids: %w", err)
	}
	return ids, nil
}

func insertHistory(ctx context.Context, tx pgx.Tx, id string, seq int, e domain.StageEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO swap_stage_history (swap_id, seq, stage, at, detail, amount)
		VALUES ($1, $2, $3, $4, $5, $6::text::numeric)
	`, id, seq, string(e.Stage), e.At, e.Detail, e.Amount.String())
	if err != nil {
		return fmt.Errorf("insert stage history: %w", err)
	}
	return nil
}

func insertRef(ctx context.Context, tx pgx.Tx, id string, stage domain.Stage, seq int, ref string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO swap_external_refs (swap_id, stage, seq, ref)
		VALUES ($1, $2, $3, $4)
	`, id, string(stage), seq, ref)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateRef
		}
		return fmt.Errorf("insert external ref: %w", err)
	}
	return nil
}

// load reads a swap with history and refs. forUpdate locks the swaps row
// and must only be used inside a transaction.
func load(ctx context.Context, q querier, id string, forUpdate bool) (*domain.SwapRecord, error) {
	query := `
		SELECT id, requester_address, swap_account, source_asset, source_amount::text,
			settlement_asset, target_asset, status, error_detail, abort_requested,
			created_at, updated_at
		FROM swaps
		WHERE id = $1
	`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		r      domain.SwapRecord
		amount string
		status string
	)
	err := q.QueryRow(ctx, query, id).Scan(
		&r.ID,
		&r.RequesterAddress,
		&r.SwapAccount,
		&r.SourceAsset,
		&amount,
		&r.SettlementAsset,
		&r.TargetAsset,
		&status,
		&r.ErrorDetail,
		&r.AbortRequested,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get swap: %w", err)
	}
	r.Status = domain.Stage(status)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	if r.SourceAmount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse source amount: %w", err)
	}

	if r.StageHistory, err = loadHistory(ctx, q, id); err != nil {
		return nil, err
	}
	if r.ExternalRefs, err = loadRefs(ctx, q, id); err != nil {
		return nil, err
	}
	return &r, nil
}

func loadHistory(ctx context.Context, q querier, id string) ([]domain.StageEntry, error) {
	rows, err := q.Query(ctx, `
		SELECT stage, at, detail, amount::text
		FROM swap_stage_history
		WHERE swap_id = $1
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("get stage history: %w", err)
	}
	defer rows.Close()

	var history []domain.StageEntry
	for rows.Next() {
		var (
			e      domain.StageEntry
			stage  string
			amount string
		)
		if err := rows.Scan(&stage, &e.At, &e.Detail, &amount); err != nil {
			return nil, fmt.Errorf("scan stage history row: %w", err)
		}
		e.Stage = domain.Stage(stage)
		e.At = e.At.UTC()
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse history amount: %w", err)
		}
		history = append(history, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stage history rows: %w", err)
	}
	return history, nil
}

func loadRefs(ctx context.Context, q querier, id string) (map[domain.Stage][]string, error) {
	rows, err := q.Query(ctx, `
		SELECT stage, ref
		FROM swap_external_refs
		WHERE swap_id = $1
		ORDER BY stage ASC, seq ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("get external refs: %w", err)
	}
	defer rows.Close()

	refs := make(map[domain.Stage][]string)
	for rows.Next() {
		var stage, ref string
		if err := rows.Scan(&stage, &ref); err != nil {
			return nil, fmt.Errorf("scan external ref row: %w", err)
		}
		refs[domain.Stage(stage)] = append(refs[domain.Stage(stage)], ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate external ref rows: %w", err)
	}
	return refs, nil
}
