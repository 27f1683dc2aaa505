// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package sigchan implements the many-producer, single-consumer signaling
// channel that joins reactors: an Outbox is freely clonable and wakes its
// Inbox's consumer through an eventfd whose counter coalesces the writes
// of a batch of sends, so the consumer can poll the eventfd alongside its
// other file descriptors instead of busy-spinning a queue.
package sigchan

import (
	"sync"

	"golang.org/x/sys/unix"

	flerrors "mvirt.io/netd/internal/errors"
)

// Msg is the payload type exchanged between reactors. CompletionNotify and
// buffer handoffs are both modeled as Msg; Kind discriminates them so a
// consumer does not need a type switch on every receive.
type Kind int

const (
	KindBuffer Kind = iota
	KindCompletionNotify
	KindShutdown
)

// Msg is always an exclusive-ownership move: once sent, the producer must
// not touch Buffer again.
type Msg struct {
	Kind    Kind
	Buffer  any // *bufpool.Buffer; typed any to avoid an import cycle with bufpool
	HdrLen  int
	From    string // originating reactor id, for completion routing
	Seq     uint64 // descriptor-chain sequence, for used-ring ordering
}

// ringState is the shared queue + eventfd behind one Inbox and all of its
// clones' Outboxes.
type ringState struct {
	mu     sync.Mutex
	q      []Msg
	closed bool
	evfd   int // eventfd(2); -1 if eventfd creation failed (test/non-Linux fallback)
	wake   chan struct{}
}

// Inbox is owned by exactly one consumer reactor.
type Inbox struct {
	state *ringState
}

// Outbox is a cheap, freely clonable handle producers use to send.
type Outbox struct {
	state *ringState
}

// New creates a bound Inbox/Outbox pair with capacity hinting cap (the
// queue still grows past cap under burst; cap only pre-sizes the slice).
func New(capHint int) (*Inbox, Outbox) {
	st := &ringState{
		q:    make([]Msg, 0, capHint),
		wake: make(chan struct{}, 1),
		evfd: -1,
	}
	if fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC); err == nil {
		st.evfd = fd
	}
	return &Inbox{state: st}, Outbox{state: st}
}

// EventFD returns the eventfd the consumer should add to its poll set, or
// -1 if eventfd creation failed at construction (the consumer should then
// rely on the Go channel returned by WakeChan).
func (i *Inbox) EventFD() int { return i.state.evfd }

// WakeChan returns a channel that receives a value whenever new messages
// are enqueued; used by consumers that poll with select instead of a raw
// fd set (or as the portable fallback when EventFD() is -1).
func (i *Inbox) WakeChan() <-chan struct{} { return i.state.wake }

// Drain pops all currently queued messages. The consumer must drain until
// empty before re-polling the event object, or a lost-wakeup can occur:
// a send that lands between "read one message" and "go back to poll"
// would otherwise never be observed.
func (i *Inbox) Drain() []Msg {
	i.state.mu.Lock()
	defer i.state.mu.Unlock()
	if len(i.state.q) == 0 {
		return nil
	}
	out := i.state.q
	i.state.q = make([]Msg, 0, cap(out))
	if i.state.evfd >= 0 {
		// Drain the eventfd counter too, so a stale "readable" doesn't
		// cause a spurious wake with nothing to drain.
		var buf [8]byte
		_, _ = unix.Read(i.state.evfd, buf[:])
	}
	return out
}

// Close marks the inbox closed; subsequent Outbox.Send calls fail with a
// sender-visible error so producers can discard and release their buffer
// instead of leaking it into a dead channel.
func (i *Inbox) Close() {
	i.state.mu.Lock()
	defer i.state.mu.Unlock()
	i.state.closed = true
	if i.state.evfd >= 0 {
		_ = unix.Close(i.state.evfd)
		i.state.evfd = -1
	}
}

// Clone returns an independent Outbox handle to the same Inbox, so the
// Reactor Registry can hand out per-producer Outboxes while FIFO ordering
// is still guaranteed within each individual producer's sends.
func (o Outbox) Clone() Outbox { return o }

// Send enqueues msg and wakes the consumer with one eventfd write and a
// non-blocking send on the one-slot wake channel; both coalesce, so a
// consumer that drains everything wakes once for a batch of sends. The
// queue has no capacity limit. Returns KindUnavailable if the Inbox has
// been closed.
func (o Outbox) Send(msg Msg) error {
	st := o.state
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return flerrors.New(flerrors.KindUnavailable, "sigchan: inbox closed")
	}
	st.q = append(st.q, msg)
	st.mu.Unlock()

	if st.evfd >= 0 {
		var one [8]byte
		one[7] = 1
		_, _ = unix.Write(st.evfd, one[:])
	}
	select {
	case st.wake <- struct{}{}:
	default:
	}
	return nil
}

// Len reports the current queue depth. Send does not consult it; nothing
// is dropped for being full.
func (o Outbox) Len() int {
	o.state.mu.Lock()
	defer o.state.mu.Unlock()
	return len(o.state.q)
}
