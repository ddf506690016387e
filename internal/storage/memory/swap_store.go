package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"atomic-pek/internal/domain"
	"atomic-pek/internal/storage"
)

// SwapStore is an in-memory implementation of storage.SwapStore.
// Records are lost on restart.
type SwapStore struct {
	mu   sync.RWMutex
	data map[string]*domain.SwapRecord
	refs map[string]string // refKey -> swap id
	now  func() time.Time
}

// NewSwapStore creates a new in-memory swap store.
func NewSwapStore() *SwapStore {
	return &SwapStore{
		data: make(map[string]*domain.SwapRecord),
		refs: make(map[string]string),
		now:  time.Now,
	}
}

func refKey(stage domain.Stage, ref string) string {
	return string(stage) + "|" + ref
}

// Create inserts a new record. Returns ErrDuplicateID if exists.
func (s *SwapStore) Create(_ context.Context, r *domain.SwapRecord) error {
	if r == nil || r.ID == "" || len(r.StageHistory) == 0 {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[r.ID]; exists {
		return storage.ErrDuplicateID
	}

	s.data[r.ID] = r.Clone()
	return nil
}

// Get returns a snapshot of the record.
func (s *SwapStore) Get(_ context.Context, id string) (*domain.SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.data[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return r.Clone(), nil
}

// AppendTransition validates the edge and applies it under the write lock.
func (s *SwapStore) AppendTransition(_ context.Context, id string, t domain.Transition) (*domain.SwapRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.data[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	next := r.Clone()
	if err := next.Apply(t, s.now().UTC()); err != nil {
		return nil, err
	}
	s.data[id] = next
	return next.Clone(), nil
}

// RecordExternalRef appends ref to the stage's reference list.
func (s *SwapStore) RecordExternalRef(_ context.Context, id string, stage domain.Stage, ref string) error {
	if ref == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.data[id]
	if !ok {
		return storage.ErrNotFound
	}
	if r.Status.IsTerminal() {
		return storage.ErrTerminalState
	}

	key := refKey(stage, ref)
	if owner, taken := s.refs[key]; taken {
		if owner != id {
			return storage.ErrDuplicateRef
		}
		return nil
	}

	r.ExternalRefs[stage] = append(r.ExternalRefs[stage], ref)
	r.UpdatedAt = s.now().UTC()
	s.refs[key] = id
	return nil
}

// RequestAbort flags the swap for cooperative cancellation.
func (s *SwapStore) RequestAbort(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.data[id]
	if !ok {
		return storage.ErrNotFound
	}
	if r.Status.IsTerminal() {
		return storage.ErrTerminalState
	}
	r.AbortRequested = true
	r.UpdatedAt = s.now().UTC()
	return nil
}

// ListActive returns ids of non-terminal swaps ordered by creation time.
func (s *SwapStore) ListActive(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []*domain.SwapRecord
	for _, r := range s.data {
		if !r.Status.IsTerminal() {
			active = append(active, r)
		}
	}

	sort.Slice(active, func(i, j int) bool {
		if !active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].CreatedAt.Before(active[j].CreatedAt)
		}
		return active[i].ID < active[j].ID
	})

	ids := make([]string, len(active))
	for i, r := range active {
		ids[i] = r.ID
	}
	return ids, nil
}

var _ storage.SwapStore = (*SwapStore)(nil)
