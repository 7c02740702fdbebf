// Package sqlite provides a storage.Store backed by a SQLite database.
// Snapshots and operations live in two tables; the (doc, v) primary key on
// the operations table is the final arbiter of concurrent appends.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/ggoodman/sharedoc/storage"
)

// Store implements storage.Store on SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and migrates its
// schema. Use ":memory:" for a private in-memory database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases
	// from being split across connections.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		doc TEXT PRIMARY KEY,
		v INTEGER NOT NULL,
		type TEXT NOT NULL,
		snapshot TEXT NOT NULL,
		meta TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS operations (
		doc TEXT NOT NULL,
		v INTEGER NOT NULL,
		op TEXT NOT NULL,
		meta TEXT NOT NULL,
		PRIMARY KEY (doc, v)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Create(ctx context.Context, doc string, snap storage.Snapshot) error {
	if err := storage.CheckSnapshot(doc, snap); err != nil {
		return err
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (doc, v, type, snapshot, meta, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		doc, snap.V, snap.Type, string(snap.Data), metaText(snap.Meta), snap.CreatedAt.UnixMilli(),
	)
	if isConstraint(err) {
		return fmt.Errorf("create %q: %w", doc, storage.ErrExists)
	}
	if err != nil {
		return fmt.Errorf("create %q: %w", doc, err)
	}
	return nil
}

func (s *Store) GetSnapshot(ctx context.Context, doc string) (storage.Snapshot, error) {
	var (
		snap      storage.Snapshot
		data      string
		meta      string
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT v, type, snapshot, meta, created_at FROM snapshots WHERE doc = ?`, doc,
	).Scan(&snap.V, &snap.Type, &data, &meta, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Snapshot{}, fmt.Errorf("get snapshot %q: %w", doc, storage.ErrNotFound)
	}
	if err != nil {
		return storage.Snapshot{}, fmt.Errorf("get snapshot %q: %w", doc, err)
	}
	if !json.Valid([]byte(data)) || !json.Valid([]byte(meta)) {
		return storage.Snapshot{}, fmt.Errorf("%w: error parsing document JSON during fetching of document %q", storage.ErrCorrupt, doc)
	}
	snap.Data = json.RawMessage(data)
	snap.Meta = json.RawMessage(meta)
	snap.CreatedAt = time.UnixMilli(createdAt).UTC()
	return snap, nil
}

func (s *Store) WriteSnapshot(ctx context.Context, doc string, snap storage.Snapshot) error {
	if err := storage.CheckSnapshot(doc, snap); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE snapshots SET v = ?, type = ?, snapshot = ?, meta = ? WHERE doc = ?`,
		snap.V, snap.Type, string(snap.Data), metaText(snap.Meta), doc,
	)
	if err != nil {
		return fmt.Errorf("write snapshot %q: %w", doc, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("write snapshot %q: %w", doc, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) GetOps(ctx context.Context, doc string, start, end int64) ([]storage.Op, error) {
	query := `SELECT v, op, meta FROM operations WHERE doc = ? AND v >= ? ORDER BY v ASC`
	args := []any{doc, start}
	if end >= 0 {
		query = `SELECT v, op, meta FROM operations WHERE doc = ? AND v >= ? AND v < ? ORDER BY v ASC`
		args = append(args, end)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get ops %q: %w", doc, err)
	}
	defer func() { _ = rows.Close() }()

	var out []storage.Op
	for rows.Next() {
		var (
			op       storage.Op
			data     string
			metaJSON string
		)
		if err := rows.Scan(&op.V, &data, &metaJSON); err != nil {
			return nil, fmt.Errorf("get ops %q: %w", doc, err)
		}
		if !json.Valid([]byte(data)) || !json.Valid([]byte(metaJSON)) {
			return nil, fmt.Errorf("%w: error parsing ops JSON during ops fetch for document %q", storage.ErrCorrupt, doc)
		}
		op.Op = json.RawMessage(data)
		op.Meta = json.RawMessage(metaJSON)
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get ops %q: %w", doc, err)
	}
	return out, nil
}

func (s *Store) WriteOp(ctx context.Context, doc string, op storage.Op) (err error) {
	if err := storage.CheckOp(doc, op); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write op %q: %w", doc, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	next, err := version(ctx, tx, doc)
	if err != nil {
		return err
	}
	if op.V != next {
		return fmt.Errorf("write op %q at v%d (current v%d): %w", doc, op.V, next, storage.ErrVersionConflict)
	}

	opText := string(op.Op)
	if opText == "" {
		opText = "null"
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO operations (doc, v, op, meta) VALUES (?, ?, ?, ?)`,
		doc, op.V, opText, metaText(op.Meta),
	)
	if isConstraint(err) {
		return fmt.Errorf("write op %q at v%d: %w", doc, op.V, storage.ErrVersionConflict)
	}
	if err != nil {
		return fmt.Errorf("write op %q: %w", doc, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("write op %q: commit: %w", doc, err)
	}
	return nil
}

func (s *Store) Version(ctx context.Context, doc string) (int64, error) {
	return version(ctx, s.db, doc)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func version(ctx context.Context, q querier, doc string) (int64, error) {
	var exists int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM snapshots WHERE doc = ?`, doc).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("version %q: %w", doc, storage.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("version %q: %w", doc, err)
	}
	var next int64
	if err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(v) + 1, 0) FROM operations WHERE doc = ?`, doc).Scan(&next); err != nil {
		return 0, fmt.Errorf("version %q: %w", doc, err)
	}
	return next, nil
}

func (s *Store) Delete(ctx context.Context, doc string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete %q: %w", doc, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM operations WHERE doc = ?`, doc); err != nil {
		return fmt.Errorf("delete %q: %w", doc, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE doc = ?`, doc)
	if err != nil {
		return fmt.Errorf("delete %q: %w", doc, err)
	}
	if n, rerr := res.RowsAffected(); rerr == nil && n == 0 {
		err = fmt.Errorf("delete %q: %w", doc, storage.ErrNotFound)
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("delete %q: commit: %w", doc, err)
	}
	return nil
}

func (s *Store) ListUncommitted(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.doc
		FROM snapshots s
		JOIN (SELECT doc, MAX(v) + 1 AS next FROM operations GROUP BY doc) o ON o.doc = s.doc
		WHERE o.next > s.v
		ORDER BY s.doc`)
	if err != nil {
		return nil, fmt.Errorf("list uncommitted: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("list uncommitted: %w", err)
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func metaText(meta json.RawMessage) string {
	if len(meta) == 0 {
		return "{}"
	}
	return string(meta)
}

func isConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

var _ storage.Store = (*Store)(nil)
