// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package fastpath installs and retracts already-Established conntrack
// flows into a pinned eBPF map, so a separately loaded and attached
// TC/XDP program can redirect their packets around per-packet security
// evaluation. It never decides which flows qualify for acceleration -
// callers only call Install once the security engine and conntrack have
// already admitted a flow - and it never loads or attaches the eBPF
// program itself, only the map a privileged setup step pinned in
// advance. This keeps the new-flow path unconditionally subject to the
// security engine: fastpath only ever shortens the path for a decision
// already made.
package fastpath

import (
	"encoding/binary"
	"errors"

	"github.com/cilium/ebpf"

	flerrors "mvirt.io/netd/internal/errors"
	"mvirt.io/netd/internal/kernelops"
	"mvirt.io/netd/internal/model"
)

// flowKey mirrors the fixed C struct layout the attached eBPF program
// reads: 4-byte IPv4 addresses in network byte order, explicit padding so
// Go's struct layout matches the C one byte for byte.
type flowKey struct {
	SrcIP   uint32
	DstIP   uint32
	SrcPort uint16
	DstPort uint16
	Proto   uint8
	_       [3]byte
}

// verdictAllow is the only value fastpath ever writes: a flow is either
// accelerated or absent from the map, never present with a deny verdict.
const verdictAllow uint8 = 1

// Path wraps one pinned eBPF map shared across every NIC's egress
// interface; dev is supplied per call so one Path serves the whole host.
type Path struct {
	m      *ebpf.Map
	kernel kernelops.KernelOps
	table  string
}

// New wraps an already-obtained map. Most callers want Open; New exists
// so tests can supply a nil or in-memory map without a pinned file on
// disk.
func New(m *ebpf.Map, kernel kernelops.KernelOps, tableName string) *Path {
	return &Path{m: m, kernel: kernel, table: tableName}
}

// Open loads the pinned map at pinPath. tableName is passed to
// kernelops.SyncFastPathRuleset after every Install/Remove, which makes
// sure the device's nftables chain exists under that table.
func Open(pinPath string, kernel kernelops.KernelOps, tableName string) (*Path, error) {
	m, err := ebpf.LoadPinnedMap(pinPath, nil)
	if err != nil {
		return nil, flerrors.Wrap(err, flerrors.KindInternal, "load pinned fast-path map "+pinPath)
	}
	return New(m, kernel, tableName), nil
}

// Close releases the map handle. The map and any program attached to it
// outlive this process: both were loaded and pinned by a separate
// privileged step, not by fastpath.
func (p *Path) Close() error {
	if p.m == nil {
		return nil
	}
	return p.m.Close()
}

// Install pushes tuple into the fast-path map with an allow verdict, and
// reconciles dev's nftables counter. Callers must only call this for
// flows already in model.FlowEstablished state; fastpath never makes its
// own admission decision. IPv6 and non-IPv4 tuples are rejected: the
// accelerated map only holds IPv4 keys. With a nil map (fast-path
// disabled, or not yet loaded) the map update is skipped, but dev's
// nftables state is still synced.
func (p *Path) Install(dev string, tuple model.FiveTuple) error {
	key, err := toFlowKey(tuple)
	if err != nil {
		return err
	}
	if p.m != nil {
		if err := p.m.Update(&key, verdictAllow, ebpf.UpdateAny); err != nil {
			return flerrors.Wrap(err, flerrors.KindInternal, "install fast-path flow "+tuple.String())
		}
	}
	return p.kernel.SyncFastPathRuleset(dev, p.table)
}

// Remove retracts tuple from the fast-path map, e.g. once conntrack
// evicts or resets the flow it names. Removing an absent key is not an
// error: the desired end state, "not accelerated", is already reached.
func (p *Path) Remove(dev string, tuple model.FiveTuple) error {
	key, err := toFlowKey(tuple)
	if err != nil {
		return err
	}
	if p.m != nil {
		if err := p.m.Delete(&key); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
			return flerrors.Wrap(err, flerrors.KindInternal, "remove fast-path flow "+tuple.String())
		}
	}
	return p.kernel.SyncFastPathRuleset(dev, p.table)
}

func toFlowKey(tuple model.FiveTuple) (flowKey, error) {
	src := tuple.SrcIP().To4()
	dst := tuple.DstIP().To4()
	if src == nil || dst == nil {
		return flowKey{}, flerrors.New(flerrors.KindValidation, "fast-path only accelerates IPv4 flows")
	}
	return flowKey{
		SrcIP:   binary.NativeEndian.Uint32(src),
		DstIP:   binary.NativeEndian.Uint32(dst),
		SrcPort: tuple.SrcPort,
		DstPort: tuple.DstPort,
		Proto:   tuple.Protocol,
	}, nil
}
