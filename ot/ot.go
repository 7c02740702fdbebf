// Package ot defines the operational-transform type contract used by the
// document model and a registry of the types a server supports.
package ot

import (
	"encoding/json"
	"sort"
	"sync"
)

// Side breaks ties when two operations insert at the same position. The op
// transformed with Left wins and stays before the other op's insertion.
type Side int

const (
	Left Side = iota
	Right
)

func (s Side) String() string {
	if s == Right {
		return "right"
	}
	return "left"
}

// Type is a document type: a snapshot representation plus the operations that
// mutate it.
type Type interface {
	Name() string
	// Create returns the snapshot of a new document.
	Create() json.RawMessage
	// Apply returns the snapshot produced by applying op.
	Apply(snapshot, op json.RawMessage) (json.RawMessage, error)
	// Transform rewrites op so that it applies after other, where both were
	// generated against the same snapshot.
	Transform(op, other json.RawMessage, side Side) (json.RawMessage, error)
}

// Registry maps type names to implementations.
type Registry struct {
	mu    sync.RWMutex
	types map[string]Type
}

// NewRegistry returns a registry holding types.
func NewRegistry(types ...Type) *Registry {
	r := &Registry{types: make(map[string]Type, len(types))}
	for _, t := range types {
		r.Register(t)
	}
	return r
}

// Register adds t, replacing any type with the same name.
func (r *Registry) Register(t Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[t.Name()] = t
}

// Lookup returns the type registered under name.
func (r *Registry) Lookup(name string) (Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

// Names lists the registered type names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
