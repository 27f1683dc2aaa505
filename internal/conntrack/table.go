// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package conntrack implements the per-NIC connection tracking table used
// to allow reply traffic that no explicit security rule permits. One Table
// is owned exclusively by a single vNIC reactor; it is not shared across
// reactors, so it needs only a mutex, not the atomic-snapshot pattern used
// by the registry and route table.
package conntrack

import (
	"net"
	"sync"
	"time"

	"mvirt.io/netd/internal/clock"
	"mvirt.io/netd/internal/model"
)

// Protocol numbers conntrack cares about (IANA).
const (
	ProtoICMP   = 1
	ProtoTCP    = 6
	ProtoUDP    = 17
	ProtoICMPv6 = 58
)

// Default idle timeouts: TCP-established 300s, UDP 30s, ICMP/other 60s.
const (
	TimeoutTCPEstablished = 300 * time.Second
	TimeoutUDP            = 30 * time.Second
	TimeoutOther          = 60 * time.Second
)

func timeoutFor(protocol uint8, state model.FlowState) time.Duration {
	switch protocol {
	case ProtoTCP:
		if state == model.FlowEstablished {
			return TimeoutTCPEstablished
		}
		return TimeoutOther
	case ProtoUDP:
		return TimeoutUDP
	default:
		return TimeoutOther
	}
}

// Table is a per-NIC map from 5-tuple (as observed) to connection entry. Even
// though a Table is owned by a single reactor, that reactor runs its egress
// and ingress pumps as two separate goroutines (vnic.go's errgroup), plus
// the periodic sweeper goroutine calls Cleanup, so the map itself still
// needs a mutex.
type Table struct {
	clk     clock.Clock
	mu      sync.Mutex
	entries map[model.FiveTuple]*model.ConntrackEntry
}

// New creates an empty table driven by clk (use clock.Real{} in
// production, clock.NewMock in tests).
func New(clk clock.Clock) *Table {
	return &Table{clk: clk, entries: make(map[model.FiveTuple]*model.ConntrackEntry)}
}

// Lookup finds the entry for exactly tuple (no reversal). Use LookupEither
// for the security engine's reply-matching behavior.
func (t *Table) Lookup(tuple model.FiveTuple) (*model.ConntrackEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[tuple]
	return e, ok
}

// LookupEither finds an entry keyed either by tuple or its reverse,
// reporting which orientation matched (reversed=true means the caller's
// tuple is the reply direction of the stored flow).
func (t *Table) LookupEither(tuple model.FiveTuple) (entry *model.ConntrackEntry, reversed bool, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, found := t.entries[tuple]; found {
		return e, false, true
	}
	if e, found := t.entries[tuple.Reverse()]; found {
		return e, true, true
	}
	return nil, false, false
}

// Create inserts a New entry for tuple, as happens when an egress packet
// matches a security rule with no existing conntrack hit.
func (t *Table) Create(tuple model.FiveTuple) *model.ConntrackEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := &model.ConntrackEntry{
		State:      model.FlowNew,
		LastSeenNs: t.clk.MonotonicNanos(),
		Packets:    1,
	}
	t.entries[tuple] = e
	return e
}

// ObserveReply marks the entry found as the reverse of tuple with
// SeenReply and Assured, and promotes New to Established. Returns false if
// no entry exists for either orientation.
func (t *Table) ObserveReply(tuple model.FiveTuple) (*model.ConntrackEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, found := t.entries[tuple]
	reversed := false
	if !found {
		e, found = t.entries[tuple.Reverse()]
		reversed = found
	}
	if !found {
		return nil, false
	}
	if reversed {
		e.SetFlag(model.FlagSeenReply)
		e.SetFlag(model.FlagAssured)
		if e.State == model.FlowNew {
			e.State = model.FlowEstablished
		}
	}
	e.Packets++
	e.LastSeenNs = t.clk.MonotonicNanos()
	return e, true
}

// Touch refreshes LastSeenNs and the packet counter for an existing
// egress-direction packet on tuple.
func (t *Table) Touch(tuple model.FiveTuple) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[tuple]; ok {
		e.Packets++
		e.LastSeenNs = t.clk.MonotonicNanos()
	}
}

// CreateRelated inserts a Related entry for tuple, linking it to an
// already-tracked flow identified by related (e.g. an ICMPv4
// destination-unreachable whose embedded datagram names an existing UDP
// flow). The entry is allowed like an Established one without ever
// matching a security rule itself.
func (t *Table) CreateRelated(tuple, related model.FiveTuple) *model.ConntrackEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := &model.ConntrackEntry{
		State:      model.FlowRelated,
		LastSeenNs: t.clk.MonotonicNanos(),
		Packets:    1,
		RelatedTo:  &related,
	}
	t.entries[tuple] = e
	return e
}

// Len reports the current table size, for metrics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Cleanup evicts entries whose LastSeenNs is older than their
// protocol-specific timeout, relative to the table's clock. Intended to be
// called periodically by the Security Engine's reaper goroutine.
func (t *Table) Cleanup() (evicted int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clk.MonotonicNanos()
	for k, e := range t.entries {
		timeout := timeoutFor(k.Protocol, e.State)
		age := time.Duration(now - e.LastSeenNs)
		if age > timeout {
			delete(t.entries, k)
			evicted++
		}
	}
	return evicted
}

// KeyFromPacket builds the FiveTuple for an observed packet.
func KeyFromPacket(srcIP, dstIP net.IP, srcPort, dstPort uint16, protocol uint8, ver model.IPVersion) model.FiveTuple {
	return model.Key(srcIP, dstIP, srcPort, dstPort, protocol, ver)
}
