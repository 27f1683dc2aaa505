// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package vhostuser

import (
	"golang.org/x/sys/unix"

	flerrors "mvirt.io/netd/internal/errors"
)

// mappedRegion pairs a MemoryRegion descriptor with this process's local
// mmap of the fd the front-end sent alongside it.
type mappedRegion struct {
	desc  MemoryRegion
	local []byte // mmap'd view, len == desc.MemorySize
}

// MemoryTable translates guest-physical addresses (as they appear in
// vring descriptors) into local byte slices backed by the front-end's
// shared memory, established via SET_MEM_TABLE.
type MemoryTable struct {
	regions []mappedRegion
}

// NewMemoryTable mmaps each region's fd and assembles the translation
// table. fds must be parallel to regions (one fd per region, in order),
// exactly as SET_MEM_TABLE delivers them.
func NewMemoryTable(regions []MemoryRegion, fds []int) (*MemoryTable, error) {
	if len(regions) != len(fds) {
		return nil, flerrors.Errorf(flerrors.KindVhostProtocol, "SET_MEM_TABLE region/fd count mismatch: %d regions, %d fds", len(regions), len(fds))
	}
	mt := &MemoryTable{}
	for i, r := range regions {
		mapLen := int(r.MemorySize + r.MmapOffset)
		mem, err := unix.Mmap(fds[i], 0, mapLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			mt.Close()
			return nil, flerrors.Wrap(err, flerrors.KindVhostProtocol, "mmap memory region")
		}
		mt.regions = append(mt.regions, mappedRegion{desc: r, local: mem[r.MmapOffset:]})
	}
	return mt, nil
}

// Close unmaps every region. Safe to call on a partially constructed table.
func (mt *MemoryTable) Close() error {
	var firstErr error
	for _, r := range mt.regions {
		if r.local == nil {
			continue
		}
		if err := unix.Munmap(r.local); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	mt.regions = nil
	return firstErr
}

// Translate resolves a guest-physical [addr, addr+length) range to the
// local byte slice backing it. Returns an error if the range straddles or
// falls entirely outside every known region: descriptors must never span
// regions, per the vhost-user spec.
func (mt *MemoryTable) Translate(addr uint64, length uint32) ([]byte, error) {
	for _, r := range mt.regions {
		start := r.desc.GuestPhysAddr
		end := start + r.desc.MemorySize
		if addr < start || addr >= end {
			continue
		}
		if addr+uint64(length) > end {
			return nil, flerrors.Errorf(flerrors.KindVhostProtocol, "descriptor [0x%x,+%d) straddles region boundary at 0x%x", addr, length, end)
		}
		off := addr - start
		return r.local[off : off+uint64(length)], nil
	}
	return nil, flerrors.Errorf(flerrors.KindVhostProtocol, "guest address 0x%x not in any mapped region", addr)
}
