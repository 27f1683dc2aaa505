// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package routetable implements the longest-prefix-match route table as
// an atomically swappable, ordered ruleset. Matching is a linear scan: the
// spec expects at most a few hundred prefixes per node, so a scan is
// adequate, and keeping it a plain slice keeps the snapshot-publish path
// (clone, mutate, swap) trivial to reason about.
package routetable

import (
	"net"
	"sync"
	"sync/atomic"

	"mvirt.io/netd/internal/model"
)

type snapshot struct {
	entries     []model.RouteEntry
	defaultRoute *model.RouteEntry // nil if none configured
}

// Table is shared by reference; only Add/Remove/SetDefault (called solely
// by the Reactor Manager) mutate it. Lookup is wait-free.
type Table struct {
	ptr atomic.Pointer[snapshot]
	// writeMu serializes the Manager's own writer goroutines; readers
	// never take it. The spec requires writers be serialized externally,
	// but holding this internally too costs nothing and prevents a
	// concurrent-Manager-bug from corrupting the snapshot sequence.
	writeMu sync.Mutex
	seq     uint64
}

// New returns an empty route table with no default route (unmatched
// lookups resolve to Drop).
func New() *Table {
	t := &Table{}
	t.ptr.Store(&snapshot{})
	return t
}

// Lookup finds the longest prefix in the current snapshot matching ip. Ties
// among equal-length prefixes are broken by insertion order (earliest
// wins). Returns the configured default route, or Drop, if nothing
// matches.
func (t *Table) Lookup(ip net.IP) model.RouteTarget {
	snap := t.ptr.Load()

	var best *model.RouteEntry
	var bestLen = -1
	for i := range snap.entries {
		e := &snap.entries[i]
		if !e.Prefix.Contains(ip) {
			continue
		}
		ones, _ := e.Prefix.Mask.Size()
		if ones > bestLen || (ones == bestLen && e.Seq < best.Seq) {
			best = e
			bestLen = ones
		}
	}
	if best != nil {
		return best.Target
	}
	if snap.defaultRoute != nil {
		return snap.defaultRoute.Target
	}
	return model.Drop
}

// Add publishes a new snapshot with prefix->target appended. Must only be
// called by the Reactor Manager.
func (t *Table) Add(prefix *net.IPNet, target model.RouteTarget) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	old := t.ptr.Load()
	next := &snapshot{
		entries:      make([]model.RouteEntry, len(old.entries), len(old.entries)+1),
		defaultRoute: old.defaultRoute,
	}
	copy(next.entries, old.entries)
	t.seq++
	next.entries = append(next.entries, model.RouteEntry{Prefix: prefix, Target: target, Seq: t.seq})
	t.ptr.Store(next)
}

// Remove publishes a new snapshot without the entry matching prefix
// exactly (by string form) and an equal target. A no-op if no such entry
// exists.
func (t *Table) Remove(prefix *net.IPNet, target model.RouteTarget) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	old := t.ptr.Load()
	next := &snapshot{defaultRoute: old.defaultRoute}
	for _, e := range old.entries {
		if e.Prefix.String() == prefix.String() && e.Target == target {
			continue
		}
		next.entries = append(next.entries, e)
	}
	t.ptr.Store(next)
}

// SetDefault configures the fallback route used when no prefix matches.
// Passing a nil target clears the default (falling back to Drop).
func (t *Table) SetDefault(target *model.RouteTarget) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	old := t.ptr.Load()
	next := &snapshot{entries: old.entries}
	if target != nil {
		t.seq++
		next.defaultRoute = &model.RouteEntry{Target: *target, Seq: t.seq}
	}
	t.ptr.Store(next)
}

// Entries returns a copy of the current snapshot's entries, for
// diagnostics and tests.
func (t *Table) Entries() []model.RouteEntry {
	snap := t.ptr.Load()
	out := make([]model.RouteEntry, len(snap.entries))
	copy(out, snap.entries)
	return out
}
