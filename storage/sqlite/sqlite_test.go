package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ggoodman/sharedoc/storage"
	"github.com/ggoodman/sharedoc/storage/storagetest"
)

func TestSQLiteStore(t *testing.T) {
	storagetest.RunStoreTests(t, func(t *testing.T) storage.Store {
		s, err := Open(filepath.Join(t.TempDir(), "docs.db"))
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSQLiteCorruptSnapshot(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (doc, v, type, snapshot, meta, created_at) VALUES ('bad', 0, 'text', '{oops', '{}', 0)`,
	); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := s.GetSnapshot(ctx, "bad"); !errors.Is(err, storage.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
	if _, err := s.GetSnapshot(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docs.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Create(ctx, "doc", storage.Snapshot{Type: "text", Data: []byte(`"hi"`)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.WriteOp(ctx, "doc", storage.Op{V: 0, Op: []byte(`[{"p":2,"i":"!"}]`)}); err != nil {
		t.Fatalf("write op: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	v, err := s.Version(ctx, "doc")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != 1 {
		t.Fatalf("expected version 1 after reopen, got %d", v)
	}
}
