// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package tapreactor implements the TAP Reactor: one per internet-facing
// device, shared by every NIC on networks that egress to the internet. It
// owns the kernel device directly (no virtqueues, no guest to negotiate
// with) and runs the mirror image of the vNIC reactor's routing: frames
// read from the kernel carry no Ethernet header, so one is synthesized
// before the same router decision applies; frames destined for the
// internet have theirs stripped before the kernel ever sees them. The
// device is either a kernel-created TAP (the default) or, when Config.
// Physical is set, a raw AF_PACKET socket bound directly to an existing
// Linux interface.
package tapreactor

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/mdlayher/packet"
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

const (
	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86DD
	ethHeaderLen  = 14
)

// Resolver supplies the Ethernet addressing the TAP reactor needs to
// synthesize a frame for a packet read off the kernel device: the MAC of
// whichever locally attached NIC owns dst, and the gateway MAC of that
// NIC's network, which becomes the synthesized frame's source address. ok
// is false for any destination not locally attached (the TAP reactor only
// ever reads replies to traffic this host originated).
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

// Config wires a Reactor to the device it owns and the shared tables it
// consults when dispatching a packet read from the kernel.
type Config struct {
	ID model.ReactorID
	// Device is the kernel TAP interface name (e.g. "tap-internet0"), or,
	// when Physical is set, the name of an existing Linux interface to
	// bind directly.
	Device   string
	Physical bool // bind Device as a raw AF_PACKET socket instead of creating a TAP
	MTU      int
	Resolve  Resolver
	Pool     *bufpool.Pool
	Registry *registry.Registry
	Routes   *routetable.Table
	Log      Logger
}

// Reactor is the backend for one internet-facing device, TAP or physical.
type Reactor struct {
	cfg Config

	inbox  *sigchan.Inbox
	outbox sigchan.Outbox

	state atomic.Int32 // reactor.State

	mu       sync.Mutex
	fd       int
	physConn *packet.Conn
	closeFD  sync.Once

	rx, tx, drops uint64
}

// NewReactor constructs a Reactor and registers it immediately, mirroring
// vnic.NewReactor: routes pointing at InternetTap resolve from the moment
// the reactor exists, and frames that arrive before Run opens the device
// simply queue in the inbox, which has no capacity limit, until Run
// starts draining it.
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

// Run opens the device (TAP or physical) and pumps both directions until
// ctx is canceled or the device fails.
func (r *Reactor) Run(ctx context.Context) error {
	r.setState(reactor.StateNegotiating)
	if err := r.openDevice(); err != nil {
		r.setState(reactor.StateStopping)
		r.setState(reactor.StateGone)
		r.cfg.Registry.Unregister(r.cfg.ID)
		return err
	}
	r.setState(reactor.StateReady)

	defer func() {
		r.setState(reactor.StateGone)
		r.cfg.Registry.Unregister(r.cfg.ID)
		r.inbox.Close()
		r.closeDevice()
	}()

	group, gctx := errgroup.WithContext(ctx)
	if r.cfg.Physical {
		group.Go(func() error { return r.pumpPhysicalToHost(gctx) })
		group.Go(func() error { return r.pumpHostToPhysical(gctx) })
	} else {
		group.Go(func() error { return r.pumpDeviceToHost(gctx) })
		group.Go(func() error { return r.pumpHostToDevice(gctx) })
	}

	// Unblock a pending blocking read on shutdown: closing the device is
	// the only portable way to interrupt it.
	go func() {
		<-gctx.Done()
		r.closeDevice()
	}()

	<-gctx.Done()
	r.setState(reactor.StateStopping)
	return group.Wait()
}

func (r *Reactor) openDevice() error {
	if r.cfg.Physical {
		conn, err := openPhysical(r.cfg.Device)
		if err != nil {
			return err
		}
		r.mu.Lock()
		r.physConn = conn
		r.mu.Unlock()
		return nil
	}
	fd, err := openTAP(r.cfg.Device, r.cfg.MTU)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.fd = fd
	r.mu.Unlock()
	return nil
}

func (r *Reactor) closeDevice() {
	r.closeFD.Do(func() {
		r.mu.Lock()
		fd := r.fd
		r.fd = -1
		conn := r.physConn
		r.physConn = nil
		r.mu.Unlock()
		if fd >= 0 {
			unix.Close(fd)
		}
		if conn != nil {
			conn.Close()
		}
	})
}

// pumpDeviceToHost reads IP packets off the TAP device, synthesizes an
// Ethernet header, and dispatches through the shared router.
func (r *Reactor) pumpDeviceToHost(ctx context.Context) error {
	buf := make([]byte, bufpool.VirtioHeaderLen+r.cfg.MTU+bufpool.Slack)
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
		n, err := unix.Read(fd, buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return flerrors.Wrap(err, flerrors.KindKernelCommand, "read from tap device "+r.cfg.Device)
		}
		if n <= bufpool.VirtioHeaderLen {
			continue
		}
		atomic.AddUint64(&r.rx, 1)
		ipPkt := append([]byte(nil), buf[bufpool.VirtioHeaderLen:n]...)
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
	ethType := uint16(etherTypeIPv4)
	if len(ipPkt) > 0 && ipPkt[0]>>4 == 6 {
		ethType = etherTypeIPv6
	}
	frame := make([]byte, ethHeaderLen+len(ipPkt))
	copy(frame[0:6], dstMAC)
	copy(frame[6:12], srcMAC)
	frame[12] = byte(ethType >> 8)
	frame[13] = byte(ethType)
	copy(frame[14:], ipPkt)
	return frame
}

// pumpPhysicalToHost reads IP packets off a physical AF_PACKET socket,
// synthesizes an Ethernet header, and dispatches through the shared
// router. Mirrors pumpDeviceToHost, minus the virtio-net header framing a
// real TAP device carries.
func (r *Reactor) pumpPhysicalToHost(ctx context.Context) error {
	buf := make([]byte, r.cfg.MTU+bufpool.Slack)
	for {
		if ctx.Err() != nil {
			return nil
		}
		r.mu.Lock()
		conn := r.physConn
		r.mu.Unlock()
		if conn == nil {
			return nil
		}
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return flerrors.Wrap(err, flerrors.KindKernelCommand, "read from physical interface "+r.cfg.Device)
		}
		if n == 0 {
			continue
		}
		atomic.AddUint64(&r.rx, 1)
		ipPkt := append([]byte(nil), buf[:n]...)
		r.dispatch(ipPkt)
	}
}

// pumpHostToPhysical drains buffers routed to this interface and writes
// their IP payload straight to the packet socket; the kernel rebuilds the
// Ethernet header from the destination address supplied to WriteTo.
func (r *Reactor) pumpHostToPhysical(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.inbox.WakeChan():
			for _, msg := range r.inbox.Drain() {
				r.writeToPhysical(msg.Buffer.([]byte))
			}
		}
	}
}

func (r *Reactor) writeToPhysical(ethFrame []byte) {
	if len(ethFrame) <= ethHeaderLen {
		atomic.AddUint64(&r.drops, 1)
		return
	}
	dstMAC := net.HardwareAddr(append([]byte(nil), ethFrame[0:6]...))
	ipPkt := ethFrame[ethHeaderLen:]

	r.mu.Lock()
	conn := r.physConn
	r.mu.Unlock()
	if conn == nil {
		atomic.AddUint64(&r.drops, 1)
		return
	}
	if _, err := conn.WriteTo(ipPkt, &packet.Addr{HardwareAddr: dstMAC}); err != nil {
		atomic.AddUint64(&r.drops, 1)
		return
	}
	atomic.AddUint64(&r.tx, 1)
}

// pumpHostToDevice drains buffers routed to this TAP (egress destined for
// the internet), strips their Ethernet header, and writes the IP payload
// to the kernel with a fresh virtio-net header.
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

func (r *Reactor) writeToDevice(ethFrame []byte) {
	if len(ethFrame) <= ethHeaderLen {
		atomic.AddUint64(&r.drops, 1)
		return
	}
	ipPkt := ethFrame[ethHeaderLen:]
	// The TAP device's header size is fixed at open time via
	// TUNSETVNETHDRSZ(bufpool.VirtioHeaderLen), independent of any
	// vhost-user guest's own feature negotiation, so this is always the
	// mrgRxbuf-sized header.
	full := append(append([]byte(nil), bufpool.VirtioHeader(true)...), ipPkt...)

	r.mu.Lock()
	fd := r.fd
	r.mu.Unlock()
	if fd < 0 {
		atomic.AddUint64(&r.drops, 1)
		return
	}
	if _, err := unix.Write(fd, full); err != nil {
		atomic.AddUint64(&r.drops, 1)
		return
	}
	atomic.AddUint64(&r.tx, 1)
}

var _ reactor.Reactor = (*Reactor)(nil)
