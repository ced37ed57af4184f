// Package registry holds the set of tools discovered from the backend.
package registry

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/mitchellh/hashstructure/v2"

	"github.com/Bigsy/promptbridge/internal/backend"
)

// Source fetches the full tool list from the backend.
type Source interface {
	ListTools(ctx context.Context) ([]backend.ToolDescriptor, error)
}

// snapshot is an immutable view of the registry. It is never mutated after
// being published, so readers need no lock.
type snapshot struct {
	tools       []backend.ToolDescriptor
	byName      map[string]int
	fingerprint uint64
}

// Registry caches tool descriptors. Refresh replaces the whole set by
// swapping the snapshot pointer; Lookup and List always see a complete set.
type Registry struct {
	source  Source
	logger  *log.Logger
	current atomic.Pointer[snapshot]
}

// New creates an empty registry backed by source.
func New(source Source, logger *log.Logger) *Registry {
	r := &Registry{source: source, logger: logger}
	r.current.Store(newSnapshot(nil))
	return r
}

// Refresh fetches the tool list and swaps it in. On failure the current set
// is left untouched and the error is returned.
func (r *Registry) Refresh(ctx context.Context) error {
	tools, err := r.source.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("refresh tools: %w", err)
	}

	next := newSnapshot(tools)
	prev := r.current.Swap(next)

	if prev.fingerprint != next.fingerprint {
		r.logger.Info("Tool registry updated", "tools", len(next.tools), "previous", len(prev.tools))
	} else {
		r.logger.Debug("Tool registry unchanged", "tools", len(next.tools))
	}
	return nil
}

// Lookup returns the descriptor registered under name.
func (r *Registry) Lookup(name string) (backend.ToolDescriptor, bool) {
	snap := r.current.Load()
	idx, ok := snap.byName[name]
	if !ok {
		return backend.ToolDescriptor{}, false
	}
	return snap.tools[idx], true
}

// List returns the current descriptors in backend order.
func (r *Registry) List() []backend.ToolDescriptor {
	snap := r.current.Load()
	out := make([]backend.ToolDescriptor, len(snap.tools))
	copy(out, snap.tools)
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.current.Load().tools)
}

// Fingerprint returns a content hash of the current set.
func (r *Registry) Fingerprint() uint64 {
	return r.current.Load().fingerprint
}

// newSnapshot builds a snapshot, dropping nameless tools. A repeated name
// replaces the earlier entry in place.
func newSnapshot(tools []backend.ToolDescriptor) *snapshot {
	snap := &snapshot{
		tools:  make([]backend.ToolDescriptor, 0, len(tools)),
		byName: make(map[string]int, len(tools)),
	}
	for _, t := range tools {
		if t.Name == "" {
			continue
		}
		if idx, ok := snap.byName[t.Name]; ok {
			snap.tools[idx] = t
			continue
		}
		snap.byName[t.Name] = len(snap.tools)
		snap.tools = append(snap.tools, t)
	}

	hash, err := hashstructure.Hash(snap.tools, hashstructure.FormatV2, nil)
	if err == nil {
		snap.fingerprint = hash
	}
	return snap
}
