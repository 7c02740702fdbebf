// Package storage defines the persistence contract for documents: one
// snapshot per document plus the append-only log of operations applied to it.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Store persists document snapshots and operation logs.
//
// A document's version is the number of operations in its log. The snapshot
// may lag behind the log; the ops in [snapshot.V, version) are "uncommitted"
// and must be replayed on top of the snapshot to rebuild current state.
type Store interface {
	// Create stores the initial snapshot for a new document. It returns
	// ErrExists if the document already exists.
	Create(ctx context.Context, doc string, snap Snapshot) error

	// GetSnapshot returns the stored snapshot. It returns ErrNotFound when the
	// document does not exist and ErrCorrupt when the stored payload cannot be
	// decoded.
	GetSnapshot(ctx context.Context, doc string) (Snapshot, error)

	// WriteSnapshot replaces the stored snapshot of an existing document.
	WriteSnapshot(ctx context.Context, doc string, snap Snapshot) error

	// GetOps returns the ops with start <= v < end in version order. A
	// negative end reads to the end of the log.
	GetOps(ctx context.Context, doc string, start, end int64) ([]Op, error)

	// WriteOp appends op to the log. op.V must equal the current version;
	// otherwise ErrVersionConflict is returned and nothing is written.
	WriteOp(ctx context.Context, doc string, op Op) error

	// Version returns the number of ops in the document's log.
	Version(ctx context.Context, doc string) (int64, error)

	// Delete removes the document and its log.
	Delete(ctx context.Context, doc string) error

	// ListUncommitted returns the names of documents whose log extends past
	// the stored snapshot.
	ListUncommitted(ctx context.Context) ([]string, error)

	// Close releases backend resources.
	Close() error
}

// Snapshot is the materialized content of a document at version V.
type Snapshot struct {
	V         int64           `json:"v"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"snapshot"`
	Meta      json.RawMessage `json:"meta"`
	CreatedAt time.Time       `json:"created_at"`
}

// Op is an entry of a document's operation log.
type Op struct {
	V    int64           `json:"v"`
	Op   json.RawMessage `json:"op"`
	Meta json.RawMessage `json:"meta"`
}

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("storage: document not found")
	// ErrExists is returned by Create when the document already exists.
	ErrExists = errors.New("storage: document already exists")
	// ErrVersionConflict is returned by WriteOp when op.V is not the next version.
	ErrVersionConflict = errors.New("storage: version conflict")
	// ErrCorrupt is returned when a stored payload is not valid JSON.
	ErrCorrupt = errors.New("storage: corrupt payload")
	// ErrInvalid is returned when a payload handed to the store is empty or
	// not valid JSON.
	ErrInvalid = errors.New("storage: invalid payload")
)

// CheckSnapshot validates a snapshot before it is written.
func CheckSnapshot(doc string, snap Snapshot) error {
	if len(snap.Data) == 0 {
		return fmt.Errorf("%w: document data empty for %q", ErrInvalid, doc)
	}
	if !json.Valid(snap.Data) {
		return fmt.Errorf("%w: snapshot of %q is not JSON", ErrInvalid, doc)
	}
	if len(snap.Meta) > 0 && !json.Valid(snap.Meta) {
		return fmt.Errorf("%w: meta of %q is not JSON", ErrInvalid, doc)
	}
	return nil
}

// CheckOp validates an op before it is written.
func CheckOp(doc string, op Op) error {
	if op.V < 0 {
		return fmt.Errorf("%w: negative version for %q", ErrInvalid, doc)
	}
	if len(op.Op) > 0 && !json.Valid(op.Op) {
		return fmt.Errorf("%w: op for %q is not JSON", ErrInvalid, doc)
	}
	if len(op.Meta) > 0 && !json.Valid(op.Meta) {
		return fmt.Errorf("%w: op meta for %q is not JSON", ErrInvalid, doc)
	}
	return nil
}

// DecodeSnapshot parses a stored snapshot record, reporting ErrCorrupt when the
// payload does not parse.
func DecodeSnapshot(doc string, b []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("%w: error parsing document JSON during fetching of document %q: %v", ErrCorrupt, doc, err)
	}
	return snap, nil
}

// DecodeOp parses a stored op record, reporting ErrCorrupt when the payload
// does not parse.
func DecodeOp(doc string, b []byte) (Op, error) {
	var op Op
	if err := json.Unmarshal(b, &op); err != nil {
		return Op{}, fmt.Errorf("%w: error parsing ops JSON during ops fetch for document %q: %v", ErrCorrupt, doc, err)
	}
	return op, nil
}
