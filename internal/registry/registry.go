// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package registry implements the process-wide mapping from reactor id to
// that reactor's Outbox. It is the atomic-snapshot pattern required in
// place of a wrapped lock: writers (only the Reactor Manager) clone the
// current snapshot, mutate the clone, and publish it; readers load the
// current pointer with acquire semantics and never block.
package registry

import (
	"sync/atomic"

	"mvirt.io/netd/internal/model"
	"mvirt.io/netd/internal/sigchan"
)

type snapshot struct {
	outboxes map[model.ReactorID]sigchan.Outbox
}

// Registry is shared by reference across every reactor; only the Reactor
// Manager ever calls the mutating methods.
type Registry struct {
	ptr atomic.Pointer[snapshot]
}

// New returns an empty registry.
func New() *Registry {
	r := &Registry{}
	r.ptr.Store(&snapshot{outboxes: map[model.ReactorID]sigchan.Outbox{}})
	return r
}

// Lookup returns the Outbox registered for id, and whether it was found.
// Wait-free: a single atomic load plus a map read on an immutable map.
func (r *Registry) Lookup(id model.ReactorID) (sigchan.Outbox, bool) {
	snap := r.ptr.Load()
	ob, ok := snap.outboxes[id]
	return ob, ok
}

// Snapshot returns the current generation's id set, for diagnostics.
func (r *Registry) Snapshot() map[model.ReactorID]sigchan.Outbox {
	return r.ptr.Load().outboxes
}

// Register publishes a new snapshot with id bound to outbox. Must only be
// called by the Reactor Manager, which serializes writers externally.
func (r *Registry) Register(id model.ReactorID, outbox sigchan.Outbox) {
	old := r.ptr.Load()
	next := &snapshot{outboxes: make(map[model.ReactorID]sigchan.Outbox, len(old.outboxes)+1)}
	for k, v := range old.outboxes {
		next.outboxes[k] = v
	}
	next.outboxes[id] = outbox
	r.ptr.Store(next)
}

// Unregister publishes a new snapshot without id. A no-op if id was not
// present.
func (r *Registry) Unregister(id model.ReactorID) {
	old := r.ptr.Load()
	if _, ok := old.outboxes[id]; !ok {
		return
	}
	next := &snapshot{outboxes: make(map[model.ReactorID]sigchan.Outbox, len(old.outboxes))}
	for k, v := range old.outboxes {
		if k == id {
			continue
		}
		next.outboxes[k] = v
	}
	r.ptr.Store(next)
}
