// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package vhostuser

import (
	"encoding/binary"

	flerrors "mvirt.io/netd/internal/errors"
)

const (
	descFNext     = 1
	descFWrite    = 2
	descFIndirect = 4

	descSize = 16 // addr(8) + len(4) + flags(2) + next(2)
	availHdr = 4  // flags(2) + idx(2)
	usedHdr  = 4  // flags(2) + idx(2)
	usedElem = 8  // id(4) + len(4)
)

// Vring is one negotiated virtqueue: descriptor table, available ring,
// and used ring, all guest-allocated and translated through a
// MemoryTable. The backend (this process) only ever writes to the used
// ring and reads the other two, per the virtio split-ring contract.
type Vring struct {
	Index int
	Num   uint32 // queue size, a power of two

	desc  []byte // Num * descSize bytes
	avail []byte // availHdr + Num*2 bytes
	used  []byte // usedHdr + Num*usedElem bytes

	lastAvailIdx uint16
	usedIdx      uint16
}

// NewVring builds a Vring from the translated descriptor/avail/used
// regions established by SET_VRING_ADDR.
func NewVring(index int, num uint32, desc, avail, used []byte) *Vring {
	return &Vring{Index: index, Num: num, desc: desc, avail: avail, used: used}
}

// Descriptor is one element of a parsed descriptor chain.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Write bool // true if the device (us) may write into this buffer
}

// PopAvail returns the next available descriptor chain's head index and
// its resolved (addr, len, write) elements, or ok=false if the guest has
// not posted anything new since the last call.
func (v *Vring) PopAvail(mt *MemoryTable) (headIdx uint16, chain []Descriptor, ok bool, err error) {
	availIdx := binary.LittleEndian.Uint16(v.avail[2:4])
	if availIdx == v.lastAvailIdx {
		return 0, nil, false, nil
	}
	slot := v.lastAvailIdx % uint16(v.Num)
	ringOff := availHdr + int(slot)*2
	headIdx = binary.LittleEndian.Uint16(v.avail[ringOff : ringOff+2])
	v.lastAvailIdx++

	chain, err = v.walkChain(headIdx, mt)
	if err != nil {
		return 0, nil, false, err
	}
	return headIdx, chain, true, nil
}

func (v *Vring) walkChain(head uint16, mt *MemoryTable) ([]Descriptor, error) {
	var out []Descriptor
	idx := head
	for i := 0; i < int(v.Num); i++ { // bound the walk; a malicious loop must not hang the reactor
		off := int(idx) * descSize
		if off+descSize > len(v.desc) {
			return nil, flerrors.Errorf(flerrors.KindVhostProtocol, "descriptor index %d out of range", idx)
		}
		addr := binary.LittleEndian.Uint64(v.desc[off : off+8])
		length := binary.LittleEndian.Uint32(v.desc[off+8 : off+12])
		flags := binary.LittleEndian.Uint16(v.desc[off+12 : off+14])
		next := binary.LittleEndian.Uint16(v.desc[off+14 : off+16])

		if flags&descFIndirect != 0 {
			return nil, flerrors.Errorf(flerrors.KindVhostProtocol, "indirect descriptors are not supported")
		}
		out = append(out, Descriptor{Addr: addr, Len: length, Write: flags&descFWrite != 0})

		if flags&descFNext == 0 {
			return out, nil
		}
		idx = next
	}
	return nil, flerrors.Errorf(flerrors.KindVhostProtocol, "descriptor chain exceeds queue size %d, probable loop", v.Num)
}

// PushUsed publishes headIdx as consumed with writtenLen bytes written
// into its writable descriptors, advancing the used ring index. Used-ring
// entries must be published in the same order their descriptors were
// popped (no reordering): this backend never negotiates VIRTIO_F_IN_ORDER-
// breaking batched completions out of order.
func (v *Vring) PushUsed(headIdx uint16, writtenLen uint32) {
	slot := v.usedIdx % uint16(v.Num)
	off := usedHdr + int(slot)*usedElem
	binary.LittleEndian.PutUint32(v.used[off:off+4], uint32(headIdx))
	binary.LittleEndian.PutUint32(v.used[off+4:off+8], writtenLen)
	v.usedIdx++
	binary.LittleEndian.PutUint16(v.used[2:4], v.usedIdx)
}
