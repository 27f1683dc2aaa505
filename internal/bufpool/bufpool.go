// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package bufpool supplies and recycles fixed-size packet buffers backed by
// a single contiguous huge-page region, so buffers can be registered once
// with the kernel (vhost-user memory tables, io_uring fixed buffers on the
// TAP path) and reused for the life of the process.
package bufpool

import (
	"sync"

	"golang.org/x/sys/unix"

	flerrors "mvirt.io/netd/internal/errors"
)

// MinMTU is the smallest guest MTU the pool must support.
const MinMTU = 1500

// VirtioHeaderLen is the size reserved at the front of every buffer for
// the virtio-net header when VIRTIO_NET_F_MRG_RXBUF is negotiated (the
// header carries the trailing num_buffers field). This is the larger of
// the two possible wire-format sizes, so the pool always reserves enough
// room regardless of what a given guest ends up negotiating; handoff
// between reactors never needs to copy or shift the header.
const VirtioHeaderLen = 12

// VirtioHeaderLenNoMrgRxbuf is the wire-format header size when a guest
// declines VIRTIO_NET_F_MRG_RXBUF: the same layout minus num_buffers.
const VirtioHeaderLenNoMrgRxbuf = 10

// Slack is extra alignment/scatter-gather padding appended to every
// buffer beyond MTU + header.
const Slack = 64

// MinBufferSize is the minimum buffer size the pool will accept.
const MinBufferSize = MinMTU + VirtioHeaderLen + Slack

// HeaderLen returns the virtio-net header length actually on the wire for
// a connection that negotiated mrgRxbuf or not: 12 bytes with
// VIRTIO_NET_F_MRG_RXBUF, 10 bytes without. Callers parsing or writing a
// guest-facing frame must use this, not the fixed VirtioHeaderLen
// reservation size, or they misalign the Ethernet frame that follows.
func HeaderLen(mrgRxbuf bool) int {
	if mrgRxbuf {
		return VirtioHeaderLen
	}
	return VirtioHeaderLenNoMrgRxbuf
}

// VirtioHeader returns a fresh, zeroed virtio-net header of the wire
// length matching mrgRxbuf: no GSO, no checksum offload requested. Used
// by reactors that synthesize a frame outside the buffer pool (protocol
// responder replies, TAP ingress).
func VirtioHeader(mrgRxbuf bool) []byte {
	return make([]byte, HeaderLen(mrgRxbuf))
}

// Buffer is a fixed-size, uniquely-owned packet buffer. The first
// VirtioHeaderLen bytes are reserved for the virtio-net header; Payload
// addresses the bytes after it. A Buffer must be returned to its pool
// exactly once, via Release; it must never be referenced after Release.
type Buffer struct {
	pool *Pool
	mem  []byte // the full backing slice: header + payload + slack
	// Len is the number of valid payload bytes (excluding the virtio
	// header), set by whoever filled the buffer.
	Len int
}

// Header returns the reserved virtio-net header area.
func (b *Buffer) Header() []byte { return b.mem[:VirtioHeaderLen] }

// Payload returns the full payload capacity after the header.
func (b *Buffer) Payload() []byte { return b.mem[VirtioHeaderLen:] }

// Data returns Payload()[:Len], the bytes actually written.
func (b *Buffer) Data() []byte { return b.mem[VirtioHeaderLen : VirtioHeaderLen+b.Len] }

// Release returns the buffer to its owning pool. Safe to call from any
// goroutine, including one other than the acquirer's.
func (b *Buffer) Release() {
	if b == nil || b.pool == nil {
		return
	}
	b.Len = 0
	p := b.pool
	b.pool = nil
	p.release(b)
}

// Pool is a process-wide slab of fixed-size packet buffers. Acquire and
// release are lock-free with respect to the slab's memory (no reallocation
// ever happens); the free list itself uses a small mutex, which is
// acceptable because it is held only for a pointer push/pop, never across
// a blocking operation.
type Pool struct {
	bufSize int
	region  []byte // the single mapping every buffer is carved from (huge-page or plain anonymous)
	mu      sync.Mutex
	free    []*Buffer
}

// New carves count buffers of bufSize bytes each from a single
// MAP_PRIVATE|MAP_ANONYMOUS|MAP_HUGETLB region. bufSize must be at least
// MinBufferSize. Returns ResourceExhausted if huge pages are unavailable;
// callers should fall back to a smaller pool or fail startup.
func New(bufSize, count int) (*Pool, error) {
	if bufSize < MinBufferSize {
		return nil, flerrors.Errorf(flerrors.KindValidation,
			"bufpool: buffer size %d below minimum %d", bufSize, MinBufferSize)
	}
	if count <= 0 {
		return nil, flerrors.New(flerrors.KindValidation, "bufpool: count must be positive")
	}

	total := bufSize * count
	region, err := mmapHugePages(total)
	if err != nil {
		// Fall back to a plain anonymous mapping: huge pages are a
		// performance optimization, not a correctness requirement, but
		// the contract promises ResourceExhausted only when neither path
		// works at all.
		region, err = mmapAnon(total)
		if err != nil {
			return nil, flerrors.Wrap(err, flerrors.KindResourceExhausted, "bufpool: no backing memory available")
		}
	}

	p := &Pool{
		bufSize: bufSize,
		region:  region,
		free:    make([]*Buffer, 0, count),
	}
	for i := 0; i < count; i++ {
		start := i * bufSize
		b := &Buffer{pool: p, mem: region[start : start+bufSize : start+bufSize]}
		p.free = append(p.free, b)
	}
	return p, nil
}

// Acquire returns a buffer from the free list, or nil if the pool is
// empty. An empty pool is back-pressure, not an error: callers (reactors)
// must skip this poll iteration and retry later.
func (p *Pool) Acquire() *Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.free)
	if n == 0 {
		return nil
	}
	b := p.free[n-1]
	p.free = p.free[:n-1]
	b.pool = p
	b.Len = 0
	return b
}

func (p *Pool) release(b *Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, b)
}

// Available reports the current free-list depth, for metrics.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// BufferSize returns the fixed size of every buffer in the pool.
func (p *Pool) BufferSize() int { return p.bufSize }

func mmapHugePages(size int) ([]byte, error) {
	// Round up to the 2MiB huge page size; MAP_HUGETLB requires the
	// mapping length be a multiple of the huge page size on most
	// architectures.
	const hugePageSize = 2 << 20
	rounded := ((size + hugePageSize - 1) / hugePageSize) * hugePageSize
	data, err := unix.Mmap(-1, 0, rounded,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_HUGETLB)
	if err != nil {
		return nil, err
	}
	return data[:size], nil
}

func mmapAnon(size int) ([]byte, error) {
	data, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}
	return data, nil
}
