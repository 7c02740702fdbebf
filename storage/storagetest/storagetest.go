// Package storagetest holds a conformance suite that every storage.Store
// implementation must pass.
package storagetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/sharedoc/storage"
)

// StoreFactory creates a new, empty store for one test.
type StoreFactory func(t *testing.T) storage.Store

// RunStoreTests runs the complete store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("CreateAndGetSnapshot", func(t *testing.T) {
		testCreateAndGetSnapshot(t, factory)
	})
	t.Run("CreateDuplicate", func(t *testing.T) {
		testCreateDuplicate(t, factory)
	})
	t.Run("GetMissing", func(t *testing.T) {
		testGetMissing(t, factory)
	})
	t.Run("RejectsInvalidPayload", func(t *testing.T) {
		testRejectsInvalidPayload(t, factory)
	})
	t.Run("WriteAndReadOps", func(t *testing.T) {
		testWriteAndReadOps(t, factory)
	})
	t.Run("WriteOpVersionConflict", func(t *testing.T) {
		testWriteOpVersionConflict(t, factory)
	})
	t.Run("ConcurrentWritersOneWins", func(t *testing.T) {
		testConcurrentWritersOneWins(t, factory)
	})
	t.Run("WriteSnapshotAndUncommitted", func(t *testing.T) {
		testWriteSnapshotAndUncommitted(t, factory)
	})
	t.Run("Delete", func(t *testing.T) {
		testDelete(t, factory)
	})
}

func newCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// DocName returns a document name unique to the running test.
func DocName(t *testing.T) string {
	return fmt.Sprintf("%s-%d", t.Name(), time.Now().UnixNano())
}

func initial() storage.Snapshot {
	return storage.Snapshot{
		V:    0,
		Type: "text",
		Data: json.RawMessage(`""`),
		Meta: json.RawMessage(`{"creator":"tester"}`),
	}
}

func textOp(v int64, s string) storage.Op {
	return storage.Op{
		V:    v,
		Op:   json.RawMessage(fmt.Sprintf(`[{"p":0,"i":%q}]`, s)),
		Meta: json.RawMessage(`{"source":"s1"}`),
	}
}

func testCreateAndGetSnapshot(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := newCtx(t)
	doc := DocName(t)

	if err := s.Create(ctx, doc, initial()); err != nil {
		t.Fatalf("create: %v", err)
	}
	snap, err := s.GetSnapshot(ctx, doc)
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if snap.V != 0 || snap.Type != "text" || string(snap.Data) != `""` {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	var meta map[string]any
	if err := json.Unmarshal(snap.Meta, &meta); err != nil || meta["creator"] != "tester" {
		t.Fatalf("unexpected meta %s (%v)", snap.Meta, err)
	}
	v, err := s.Version(ctx, doc)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != 0 {
		t.Fatalf("expected version 0, got %d", v)
	}
}

func testCreateDuplicate(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := newCtx(t)
	doc := DocName(t)

	if err := s.Create(ctx, doc, initial()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, doc, initial()); !errors.Is(err, storage.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func testGetMissing(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := newCtx(t)
	doc := DocName(t)

	if _, err := s.GetSnapshot(ctx, doc); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Version(ctx, doc); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from Version, got %v", err)
	}
	if err := s.WriteOp(ctx, doc, textOp(0, "x")); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from WriteOp, got %v", err)
	}
	ops, err := s.GetOps(ctx, doc, 0, -1)
	if err != nil {
		t.Fatalf("get ops: %v", err)
	}
	if len(ops) != 0 {
		t.Fatalf("expected no ops, got %d", len(ops))
	}
}

func testRejectsInvalidPayload(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := newCtx(t)
	doc := DocName(t)

	bad := initial()
	bad.Data = nil
	if err := s.Create(ctx, doc, bad); !errors.Is(err, storage.ErrInvalid) {
		t.Fatalf("expected ErrInvalid for empty data, got %v", err)
	}
	bad.Data = json.RawMessage(`{not json`)
	if err := s.Create(ctx, doc, bad); !errors.Is(err, storage.ErrInvalid) {
		t.Fatalf("expected ErrInvalid for malformed data, got %v", err)
	}
	if _, err := s.GetSnapshot(ctx, doc); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("rejected create must not store anything, got %v", err)
	}
}

func testWriteAndReadOps(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := newCtx(t)
	doc := DocName(t)

	if err := s.Create(ctx, doc, initial()); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := int64(0); i < 5; i++ {
		if err := s.WriteOp(ctx, doc, textOp(i, fmt.Sprint(i))); err != nil {
			t.Fatalf("write op %d: %v", i, err)
		}
	}

	all, err := s.GetOps(ctx, doc, 0, -1)
	if err != nil {
		t.Fatalf("get ops: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 ops, got %d", len(all))
	}
	for i, op := range all {
		if op.V != int64(i) {
			t.Fatalf("op %d has version %d", i, op.V)
		}
		var meta map[string]any
		if err := json.Unmarshal(op.Meta, &meta); err != nil || meta["source"] != "s1" {
			t.Fatalf("unexpected op meta %s (%v)", op.Meta, err)
		}
	}

	mid, err := s.GetOps(ctx, doc, 1, 3)
	if err != nil {
		t.Fatalf("get ops range: %v", err)
	}
	if len(mid) != 2 || mid[0].V != 1 || mid[1].V != 2 {
		t.Fatalf("unexpected range %+v", mid)
	}

	tail, err := s.GetOps(ctx, doc, 4, 100)
	if err != nil {
		t.Fatalf("get ops tail: %v", err)
	}
	if len(tail) != 1 || tail[0].V != 4 {
		t.Fatalf("unexpected tail %+v", tail)
	}

	v, err := s.Version(ctx, doc)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != 5 {
		t.Fatalf("expected version 5, got %d", v)
	}
}

func testWriteOpVersionConflict(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := newCtx(t)
	doc := DocName(t)

	if err := s.Create(ctx, doc, initial()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.WriteOp(ctx, doc, textOp(1, "gap")); !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict for gap, got %v", err)
	}
	if err := s.WriteOp(ctx, doc, textOp(0, "a")); err != nil {
		t.Fatalf("write op: %v", err)
	}
	if err := s.WriteOp(ctx, doc, textOp(0, "dup")); !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict for duplicate, got %v", err)
	}
	ops, err := s.GetOps(ctx, doc, 0, -1)
	if err != nil {
		t.Fatalf("get ops: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("conflicting writes must not be stored, got %d ops", len(ops))
	}
}

func testConcurrentWritersOneWins(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := newCtx(t)
	doc := DocName(t)

	if err := s.Create(ctx, doc, initial()); err != nil {
		t.Fatalf("create: %v", err)
	}

	const writers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.WriteOp(ctx, doc, textOp(0, fmt.Sprint(i)))
			switch {
			case err == nil:
				mu.Lock()
				wins++
				mu.Unlock()
			case !errors.Is(err, storage.ErrVersionConflict):
				t.Errorf("writer %d: unexpected error %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func testWriteSnapshotAndUncommitted(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := newCtx(t)
	doc := DocName(t)

	if err := s.Create(ctx, doc, initial()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.WriteOp(ctx, doc, textOp(0, "a")); err != nil {
		t.Fatalf("write op: %v", err)
	}

	pending, err := s.ListUncommitted(ctx)
	if err != nil {
		t.Fatalf("list uncommitted: %v", err)
	}
	if !contains(pending, doc) {
		t.Fatalf("expected %q in uncommitted list %v", doc, pending)
	}

	next := initial()
	next.V = 1
	next.Data = json.RawMessage(`"a"`)
	if err := s.WriteSnapshot(ctx, doc, next); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	snap, err := s.GetSnapshot(ctx, doc)
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if snap.V != 1 || string(snap.Data) != `"a"` {
		t.Fatalf("unexpected snapshot after write %+v", snap)
	}

	pending, err = s.ListUncommitted(ctx)
	if err != nil {
		t.Fatalf("list uncommitted: %v", err)
	}
	if contains(pending, doc) {
		t.Fatalf("committed doc %q still listed as uncommitted", doc)
	}

	if err := s.WriteSnapshot(ctx, DocName(t)+"-missing", next); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound writing snapshot of missing doc, got %v", err)
	}
}

func testDelete(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := newCtx(t)
	doc := DocName(t)

	if err := s.Create(ctx, doc, initial()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.WriteOp(ctx, doc, textOp(0, "a")); err != nil {
		t.Fatalf("write op: %v", err)
	}
	if err := s.Delete(ctx, doc); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetSnapshot(ctx, doc); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.Delete(ctx, doc); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound deleting twice, got %v", err)
	}
	if err := s.Create(ctx, doc, initial()); err != nil {
		t.Fatalf("recreate after delete: %v", err)
	}
	ops, err := s.GetOps(ctx, doc, 0, -1)
	if err != nil {
		t.Fatalf("get ops: %v", err)
	}
	if len(ops) != 0 {
		t.Fatalf("recreated doc inherited %d ops", len(ops))
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
