// Package pebble implements a durable single-node SwapStore on an embedded
// pebble LSM. Keys:
//
//	swap/<id>          JSON-encoded domain.SwapRecord
//	ref/<stage>|<ref>  id of the swap owning the external reference
package pebble

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"atomic-pek/internal/domain"
	"atomic-pek/internal/storage"
)

const (
	swapPrefix = "swap/"
	swapUpper  = "swap0" // '0' sorts right after '/'
	refPrefix  = "ref/"
)

// SwapStore implements storage.SwapStore on pebble.
// Writes are committed with pebble.Sync; mu serializes read-modify-write.
type SwapStore struct {
	mu  sync.Mutex
	db  *pebble.DB
	now func() time.Time
}

// Open opens (or creates) the store in dir.
func Open(dir string) (*SwapStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", dir, err)
	}
	return &SwapStore{db: db, now: time.Now}, nil
}

// Close flushes and closes the database.
func (s *SwapStore) Close() error {
	return s.db.Close()
}

// Compile-time interface check.
var _ storage.SwapStore = (*SwapStore)(nil)

func swapKey(id string) []byte {
	return []byte(swapPrefix + id)
}

func refKey(stage domain.Stage, ref string) []byte {
	return []byte(refPrefix + string(stage) + "|" + ref)
}

// Create inserts a new record. Returns ErrDuplicateID if exists.
func (s *SwapStore) Create(_ context.Context, r *domain.SwapRecord) error {
	if r == nil || r.ID == "" || len(r.StageHistory) == 0 {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.read(r.ID); err == nil {
		return storage.ErrDuplicateID
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	b := s.db.NewBatch()
	defer b.Close()

	for stage, refs := range r.ExternalRefs {
		for _, ref := range refs {
			owner, err := s.refOwner(stage, ref)
			if err != nil {
				return err
			}
			if owner != "" {
				return storage.ErrDuplicateRef
			}
			if err := b.Set(refKey(stage, ref), []byte(r.ID), nil); err != nil {
				return fmt.Errorf("stage ref: %w", err)
			}
		}
	}
	if err := s.stage(b, r); err != nil {
		return err
	}
	return s.commit(b)
}

// Get returns the decoded record.
func (s *SwapStore) Get(_ context.Context, id string) (*domain.SwapRecord, error) {
	return s.read(id)
}

// AppendTransition validates the edge and persists the new record.
func (s *SwapStore) AppendTransition(_ context.Context, id string, t domain.Transition) (*domain.SwapRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.read(id)
	if err != nil {
		return nil, err
	}
	if err := r.Apply(t, s.now().UTC()); err != nil {
		return nil, err
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := s.stage(b, r); err != nil {
		return nil, err
	}
	if err := s.commit(b); err != nil {
		return nil, err
	}
	return r, nil
}

// RecordExternalRef appends ref and claims it in the same batch.
func (s *SwapStore) RecordExternalRef(_ context.Context, id string, stage domain.Stage, ref string) error {
	if ref == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.read(id)
	if err != nil {
		return err
	}
	if r.Status.IsTerminal() {
		return storage.ErrTerminalState
	}

	owner, err := s.refOwner(stage, ref)
	if err != nil {
		return err
	}
	switch {
	case owner == id:
		return nil
	case owner != "":
		return storage.ErrDuplicateRef
	}

	r.ExternalRefs[stage] = append(r.ExternalRefs[stage], ref)
	r.UpdatedAt = s.now().UTC()

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(refKey(stage, ref), []byte(id), nil); err != nil {
		return fmt.Errorf("stage ref: %w", err)
	}
	if err := s.stage(b, r); err != nil {
		return err
	}
	return s.commit(b)
}

// RequestAbort flags the swap for cooperative cancellation.
func (s *SwapStore) RequestAbort(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.read(id)
	if err != nil {
		return err
	}
	if r.Status.IsTerminal() {
		return storage.ErrTerminalState
	}
	r.AbortRequested = true
	r.UpdatedAt = s.now().UTC()

	b := s.db.NewBatch()
	defer b.Close()
	if err := s.stage(b, r); err != nil {
		return err
	}
	return s.commit(b)
}

// ListActive scans every record and returns the non-terminal ids by creation time.
func (s *SwapStore) ListActive(_ context.Context) ([]string, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(swapPrefix),
		UpperBound: []byte(swapUpper),
	})
	if err != nil {
		return nil, fmt.Errorf("open iterator: %w", err)
	}
	defer iter.Close()

	var active []*domain.SwapRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var r domain.SwapRecord
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			return nil, fmt.Errorf("decode %s: %w", iter.Key(), err)
		}
		if !r.Status.IsTerminal() {
			active = append(active, &r)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate swaps: %w", err)
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

func (s *SwapStore) read(id string) (*domain.SwapRecord, error) {
	val, closer, err := s.db.Get(swapKey(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get swap: %w", err)
	}
	defer closer.Close()

	var r domain.SwapRecord
	if err := json.Unmarshal(val, &r); err != nil {
		return nil, fmt.Errorf("decode swap %s: %w", id, err)
	}
	if r.ExternalRefs == nil {
		r.ExternalRefs = make(map[domain.Stage][]string)
	}
	return &r, nil
}

func (s *SwapStore) refOwner(stage domain.Stage, ref string) (string, error) {
	val, closer, err := s.db.Get(refKey(stage, ref))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("get ref owner: %w", err)
	}
	defer closer.Close()
	return string(val), nil
}

func (s *SwapStore) stage(b *pebble.Batch, r *domain.SwapRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode swap %s: %w", r.ID, err)
	}
	if err := b.Set(swapKey(r.ID), data, nil); err != nil {
		return fmt.Errorf("stage swap %s: %w", r.ID, err)
	}
	return nil
}

func (s *SwapStore) commit(b *pebble.Batch) error {
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}
