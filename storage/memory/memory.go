// Package memory provides an in-process implementation of storage.Store.
// Contents are lost when the process exits.
package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/sharedoc/storage"
)

// Store implements storage.Store with maps guarded by a single lock.
type Store struct {
	mu     sync.RWMutex
	docs   map[string]*record
	closed bool
}

type record struct {
	snap storage.Snapshot
	ops  []storage.Op
}

// New creates an empty store.
func New() *Store {
	return &Store{docs: make(map[string]*record)}
}

func (s *Store) Create(ctx context.Context, doc string, snap storage.Snapshot) error {
	if err := storage.CheckSnapshot(doc, snap); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	if _, ok := s.docs[doc]; ok {
		return fmt.Errorf("create %q: %w", doc, storage.ErrExists)
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	s.docs[doc] = &record{snap: cloneSnapshot(snap)}
	return nil
}

func (s *Store) GetSnapshot(ctx context.Context, doc string) (storage.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.docs[doc]
	if !ok {
		return storage.Snapshot{}, fmt.Errorf("get snapshot %q: %w", doc, storage.ErrNotFound)
	}
	return cloneSnapshot(rec.snap), nil
}

func (s *Store) WriteSnapshot(ctx context.Context, doc string, snap storage.Snapshot) error {
	if err := storage.CheckSnapshot(doc, snap); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.docs[doc]
	if !ok {
		return fmt.Errorf("write snapshot %q: %w", doc, storage.ErrNotFound)
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = rec.snap.CreatedAt
	}
	rec.snap = cloneSnapshot(snap)
	return nil
}

func (s *Store) GetOps(ctx context.Context, doc string, start, end int64) ([]storage.Op, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.docs[doc]
	if !ok {
		return nil, nil
	}
	n := int64(len(rec.ops))
	if end < 0 || end > n {
		end = n
	}
	if start < 0 {
		start = 0
	}
	if start >= end {
		return nil, nil
	}
	out := make([]storage.Op, 0, end-start)
	for _, op := range rec.ops[start:end] {
		out = append(out, cloneOp(op))
	}
	return out, nil
}

func (s *Store) WriteOp(ctx context.Context, doc string, op storage.Op) error {
	if err := storage.CheckOp(doc, op); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.docs[doc]
	if !ok {
		return fmt.Errorf("write op %q: %w", doc, storage.ErrNotFound)
	}
	if op.V != int64(len(rec.ops)) {
		return fmt.Errorf("write op %q at v%d (current v%d): %w", doc, op.V, len(rec.ops), storage.ErrVersionConflict)
	}
	rec.ops = append(rec.ops, cloneOp(op))
	return nil
}

func (s *Store) Version(ctx context.Context, doc string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.docs[doc]
	if !ok {
		return 0, fmt.Errorf("version %q: %w", doc, storage.ErrNotFound)
	}
	return int64(len(rec.ops)), nil
}

func (s *Store) Delete(ctx context.Context, doc string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[doc]; !ok {
		return fmt.Errorf("delete %q: %w", doc, storage.ErrNotFound)
	}
	delete(s.docs, doc)
	return nil
}

func (s *Store) ListUncommitted(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for name, rec := range s.docs {
		if int64(len(rec.ops)) > rec.snap.V {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Close drops all contents.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.docs = make(map[string]*record)
	return nil
}

var errClosed = errors.New("memory: store closed")

func cloneSnapshot(snap storage.Snapshot) storage.Snapshot {
	snap.Data = bytes.Clone(snap.Data)
	snap.Meta = bytes.Clone(snap.Meta)
	return snap
}

func cloneOp(op storage.Op) storage.Op {
	op.Op = bytes.Clone(op.Op)
	op.Meta = bytes.Clone(op.Meta)
	return op
}

var _ storage.Store = (*Store)(nil)
