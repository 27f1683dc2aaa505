// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package reactor defines the lifecycle contract shared by every packet
// reactor the manager owns: vNIC (vhost-user), TAP, and tunnel. Each is an
// independent goroutine pumping its own virtqueue or file descriptor,
// reachable only through its registered sigchan.Outbox — never directly.
package reactor

import "context"

// State is a reactor's position in its lifecycle. Transitions are
// one-directional: WaitConnect -> Negotiating -> Ready -> Stopping -> Gone.
// A reactor that fails negotiation goes straight to Stopping.
type State int

const (
	StateWaitConnect State = iota
	StateNegotiating
	StateReady
	StateStopping
	StateGone
)

func (s State) String() string {
	switch s {
	case StateWaitConnect:
		return "wait_connect"
	case StateNegotiating:
		return "negotiating"
	case StateReady:
		return "ready"
	case StateStopping:
		return "stopping"
	case StateGone:
		return "gone"
	default:
		return "unknown"
	}
}

// Status is a point-in-time snapshot a reactor reports to the manager.
type Status struct {
	ID      string
	State   State
	Err     string
	RxCount uint64
	TxCount uint64
	Drops   uint64
}

// Reactor is the lifecycle every packet reactor implements. Run blocks
// until ctx is canceled or the reactor hits an unrecoverable error; it is
// the only method the manager calls from its own goroutine, everything
// else is driven through the registry and route table.
type Reactor interface {
	ID() string
	Run(ctx context.Context) error
	Status() Status
}
