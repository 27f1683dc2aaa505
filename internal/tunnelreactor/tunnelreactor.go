// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package tunnelreactor implements the Tunnel Reactor: the local endpoint
// of an IPv6-in-IPv6 tunnel to a peer node. It exists so a remote prefix
// has a reactor id to route through, not because it processes packets
// itself — the kernel's ip6tnl device does the actual encapsulation, set
// up by a privileged command invocation before this reactor is spawned.
// The reactor's own job is narrow: move already-routed buffers onto that
// interface, decapsulate arrivals back into the registry's routing model,
// and notice if the interface disappears out from under it.
package tunnelreactor

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"mvirt.io/netd/internal/bufpool"
	flerrors "mvirt.io/netd/internal/errors"
	"mvirt.io/netd/internal/model"
	"mvirt.io/netd/internal/reactor"
	"mvirt.io/netd/internal/registry"
	"mvirt.io/netd/internal/router"
	"mvirt.io/netd/internal/routetable"
	"mvirt.io/netd/internal/sigchan"
)

const healthCheckInterval = 5 * time.Second

// Resolver supplies the Ethernet addressing needed to hand a decapsulated
// arrival to a local vNIC, exactly as tapreactor.Resolver does for
// internet-facing traffic.
type Resolver interface {
	EthernetFor(dst net.IP) (dstMAC, srcMAC net.HardwareAddr, ok bool)
}

// Logger is the narrow logging surface this package depends on, satisfied
// by internal/logging.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config wires a Reactor to the already-created kernel tunnel interface
// and the shared tables it consults when dispatching a decapsulated
// arrival.
type Config struct {
	ID       model.ReactorID
	Device   string // the ip6tnl interface name the manager already created
	PeerAddr net.IP // the remote tunnel endpoint, for logging only
	Resolve  Resolver
	Pool     *bufpool.Pool
	Registry *registry.Registry
	Routes   *routetable.Table
	Log      Logger
}

// Reactor is the local endpoint of one point-to-point tunnel.
type Reactor struct {
	cfg Config

	inbox  *sigchan.Inbox
	outbox sigchan.Outbox

	state atomic.Int32 // reactor.State

	mu      sync.Mutex
	fd      int
	closeFD sync.Once

	rx, tx, drops uint64
}

// NewReactor constructs a Reactor and registers it immediately so routes
// naming the remote prefix resolve as soon as the manager installs them.
func NewReactor(cfg Config) *Reactor {
	inbox, outbox := sigchan.New(256)
	r := &Reactor{cfg: cfg, inbox: inbox, outbox: outbox, fd: -1}
	r.state.Store(int32(reactor.StateWaitConnect))
	cfg.Registry.Register(cfg.ID, outbox)
	return r
}

func (r *Reactor) ID() string { return string(r.cfg.ID) }

func (r *Reactor) Status() reactor.Status {
	return reactor.Status{
		ID:      string(r.cfg.ID),
		State:   reactor.State(r.state.Load()),
		RxCount: atomic.LoadUint64(&r.rx),
		TxCount: atomic.LoadUint64(&r.tx),
		Drops:   atomic.LoadUint64(&r.drops),
	}
}

func (r *Reactor) setState(s reactor.State) { r.state.Store(int32(s)) }

// Run binds to the tunnel interface and pumps both directions until ctx is
// canceled, the interface disappears, or the socket fails.
func (r *Reactor) Run(ctx context.Context) error {
	r.setState(reactor.StateNegotiating)
	fd, err := bindTunnelDevice(r.cfg.Device)
	if err != nil {
		r.setState(reactor.StateStopping)
		r.setState(reactor.StateGone)
		r.cfg.Registry.Unregister(r.cfg.ID)
		return err
	}
	r.mu.Lock()
	r.fd = fd
	r.mu.Unlock()
	r.setState(reactor.StateReady)

	defer func() {
		r.setState(reactor.StateGone)
		r.cfg.Registry.Unregister(r.cfg.ID)
		r.inbox.Close()
		r.closeDevice()
	}()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return r.pumpDeviceToHost(gctx) })
	group.Go(func() error { return r.pumpHostToDevice(gctx) })
	group.Go(func() error { return r.watchInterface(gctx) })

	go func() {
		<-gctx.Done()
		r.closeDevice()
	}()

	<-gctx.Done()
	r.setState(reactor.StateStopping)
	return group.Wait()
}

func (r *Reactor) closeDevice() {
	r.closeFD.Do(func() {
		r.mu.Lock()
		fd := r.fd
		r.fd = -1
		r.mu.Unlock()
		if fd >= 0 {
			forgetTunnelDevice(fd)
			unix.Close(fd)
		}
	})
}

// watchInterface reports failure the moment the kernel interface
// disappears out from under this reactor, per spec's description of the
// reactor's role: the encapsulation itself is the kernel's job, but
// noticing it stopped is this reactor's.
func (r *Reactor) watchInterface(ctx context.Context) error {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := net.InterfaceByName(r.cfg.Device); err != nil {
				return flerrors.Wrap(err, flerrors.KindUnavailable, "tunnel interface "+r.cfg.Device+" disappeared")
			}
		}
	}
}

// pumpDeviceToHost reads decapsulated IP packets arriving from the peer,
// synthesizes an Ethernet header for whichever local NIC owns the
// destination, and dispatches through the shared router.
func (r *Reactor) pumpDeviceToHost(ctx context.Context) error {
	buf := make([]byte, bufpool.MinMTU+bufpool.Slack)
	for {
		if ctx.Err() != nil {
			return nil
		}
		r.mu.Lock()
		fd := r.fd
		r.mu.Unlock()
		if fd < 0 {
			return nil
		}
		n, _, err := unix.Recvfrom(fd, buf, 0)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return flerrors.Wrap(err, flerrors.KindKernelCommand, "read from tunnel device "+r.cfg.Device)
		}
		if n == 0 {
			continue
		}
		atomic.AddUint64(&r.rx, 1)
		ipPkt := append([]byte(nil), buf[:n]...)
		r.dispatch(ipPkt)
	}
}

func (r *Reactor) dispatch(ipPkt []byte) {
	dstIP, ok := destinationOf(ipPkt)
	if !ok {
		atomic.AddUint64(&r.drops, 1)
		return
	}
	dstMAC, srcMAC, ok := r.cfg.Resolve.EthernetFor(dstIP)
	if !ok {
		atomic.AddUint64(&r.drops, 1)
		return
	}
	target := r.cfg.Routes.Lookup(dstIP)
	eth := synthesizeEthernet(dstMAC, srcMAC, ipPkt)
	if err := router.Deliver(r.cfg.Registry, target, r.cfg.ID, eth); err != nil {
		atomic.AddUint64(&r.drops, 1)
	}
}

// pumpHostToDevice drains buffers routed to this tunnel, strips their
// Ethernet header, and writes the bare IPv6 payload to the kernel
// interface for it to re-encapsulate and transmit.
func (r *Reactor) pumpHostToDevice(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.inbox.WakeChan():
			for _, msg := range r.inbox.Drain() {
				r.writeToDevice(msg.Buffer.([]byte))
			}
		}
	}
}

const ethHeaderLen = 14

func (r *Reactor) writeToDevice(ethFrame []byte) {
	if len(ethFrame) <= ethHeaderLen {
		atomic.AddUint64(&r.drops, 1)
		return
	}
	ipPkt := ethFrame[ethHeaderLen:]

	r.mu.Lock()
	fd := r.fd
	r.mu.Unlock()
	if fd < 0 {
		atomic.AddUint64(&r.drops, 1)
		return
	}
	if err := writeToInterface(fd, ipPkt); err != nil {
		atomic.AddUint64(&r.drops, 1)
		return
	}
	atomic.AddUint64(&r.tx, 1)
}

func destinationOf(ipPkt []byte) (net.IP, bool) {
	if len(ipPkt) < 1 {
		return nil, false
	}
	switch ipPkt[0] >> 4 {
	case 4:
		if len(ipPkt) < 20 {
			return nil, false
		}
		return net.IP(ipPkt[16:20]), true
	case 6:
		if len(ipPkt) < 40 {
			return nil, false
		}
		return net.IP(ipPkt[24:40]), true
	default:
		return nil, false
	}
}

func synthesizeEthernet(dstMAC, srcMAC net.HardwareAddr, ipPkt []byte) []byte {
	const etherTypeIPv6 = 0x86DD
	frame := make([]byte, ethHeaderLen+len(ipPkt))
	copy(frame[0:6], dstMAC)
	copy(frame[6:12], srcMAC)
	frame[12] = byte(etherTypeIPv6 >> 8)
	frame[13] = byte(etherTypeIPv6)
	copy(frame[14:], ipPkt)
	return frame
}

var _ reactor.Reactor = (*Reactor)(nil)
