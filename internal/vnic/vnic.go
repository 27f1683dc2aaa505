// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package vnic implements the vNIC Reactor: the vhost-user backend for a
// single guest network interface. It negotiates the virtio-net device,
// drives its two virtqueues (receiveq/transmitq), and for every frame the
// guest transmits runs the routing decision tree: protocol responder
// first, then the security engine, then the route table, then delivery
// to whichever reactor owns the destination.
package vnic

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"mvirt.io/netd/internal/bufpool"
	"mvirt.io/netd/internal/conntrack"
	flerrors "mvirt.io/netd/internal/errors"
	"mvirt.io/netd/internal/fastpath"
	"mvirt.io/netd/internal/model"
	"mvirt.io/netd/internal/protoresponder"
	"mvirt.io/netd/internal/reactor"
	"mvirt.io/netd/internal/registry"
	"mvirt.io/netd/internal/router"
	"mvirt.io/netd/internal/routetable"
	"mvirt.io/netd/internal/secengine"
	"mvirt.io/netd/internal/sigchan"
	"mvirt.io/netd/internal/vhostuser"
)

const (
	queueRX = 0 // receiveq: guest receives, we write
	queueTX = 1 // transmitq: guest transmits, we read
)

// Logger is the narrow logging surface this package depends on, satisfied
// by internal/logging.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config wires a Reactor to the shared data-plane tables it consults on
// every packet. None of these are owned by the reactor; the manager owns
// their lifetime.
type Config struct {
	ID          model.ReactorID
	NIC         model.NIC
	Network     model.Network
	SecGroups   []model.SecurityGroup
	Pool        *bufpool.Pool
	Registry    *registry.Registry
	Routes      *routetable.Table
	Conntrack   *conntrack.Table
	Conn        *vhostuser.Conn
	Log         Logger

	// Fastpath is optional; when set, egress flows the security engine
	// promotes to Established are pushed into the accelerated eBPF map
	// so later packets on the same flow bypass per-packet evaluation.
	Fastpath *fastpath.Path
}

// Reactor is the vhost-user backend for one NIC.
type Reactor struct {
	cfg Config

	inbox  *sigchan.Inbox
	outbox sigchan.Outbox

	state atomic.Int32 // reactor.State

	mu       sync.Mutex
	mem      *vhostuser.MemoryTable
	vrings   [2]*vhostuser.Vring
	kickFDs  [2]int
	features uint64

	rx uint64
	tx uint64
	drops uint64

	// accelerated tracks which flow tuples have already been pushed into
	// the fast-path map, so a long-lived connection's packets don't
	// re-issue the same map update on every send.
	accelerated sync.Map // model.FiveTuple -> struct{}
}

// NewReactor constructs a Reactor and registers it in the registry
// immediately so route-table entries pointing at it resolve from the
// moment it exists; frames that arrive before the vhost-user handshake
// reaches Ready simply queue in its inbox, which has no capacity limit.
func NewReactor(cfg Config) *Reactor {
	inbox, outbox := sigchan.New(256)
	r := &Reactor{cfg: cfg, inbox: inbox, outbox: outbox}
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

// Run drives the vhost-user handshake to Ready, then pumps both
// directions until ctx is canceled or a protocol error forces a stop.
func (r *Reactor) Run(ctx context.Context) error {
	defer func() {
		r.setState(reactor.StateGone)
		r.cfg.Registry.Unregister(r.cfg.ID)
		r.inbox.Close()
		if r.mem != nil {
			r.mem.Close()
		}
		r.retractAccelerated()
	}()

	r.setState(reactor.StateNegotiating)
	if err := r.negotiate(ctx); err != nil {
		r.setState(reactor.StateStopping)
		return err
	}
	r.setState(reactor.StateReady)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return r.pumpGuestToHost(gctx) })
	group.Go(func() error { return r.pumpHostToGuest(gctx) })

	<-gctx.Done()
	r.setState(reactor.StateStopping)
	return group.Wait()
}

// negotiate services vhost-user requests until both vrings are
// established and enabled.
func (r *Reactor) negotiate(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := r.cfg.Conn.ReadMessage()
		if err != nil {
			return flerrors.Wrap(err, flerrors.KindVhostProtocol, "negotiation read")
		}
		done, err := r.handleRequest(msg)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// mrgRxbufNegotiated reports whether this connection's SET_FEATURES
// accepted VIRTIO_NET_F_MRG_RXBUF. r.features is only ever written during
// negotiate, before the egress/ingress pumps start, so reading it here
// once pumps are running needs no additional synchronization.
func (r *Reactor) mrgRxbufNegotiated() bool {
	return vhostuser.FeatureMask(r.features, vhostuser.NetFMrgRxbuf)
}

// headerLen returns the virtio-net header length actually on the wire
// for this connection's negotiated features.
func (r *Reactor) headerLen() int {
	return bufpool.HeaderLen(r.mrgRxbufNegotiated())
}

func (r *Reactor) handleRequest(msg vhostuser.Message) (ready bool, err error) {
	switch msg.Header.Request {
	case vhostuser.ReqGetFeatures:
		return false, r.reply(msg, encodeU64(vhostuser.SupportedFeatures()))
	case vhostuser.ReqSetFeatures:
		offered := decodeU64(msg.Payload)
		accepted, err := vhostuser.NegotiateFeatures(offered)
		if err != nil {
			return false, err
		}
		r.features = accepted
		return false, r.ackIfNeeded(msg)
	case vhostuser.ReqGetProtocolFeatures:
		return false, r.reply(msg, encodeU64(vhostuser.WithFeature(vhostuser.WithFeature(0, vhostuser.ProtocolFReplyAck), vhostuser.ProtocolFNetMTU)))
	case vhostuser.ReqSetProtocolFeatures:
		return false, r.ackIfNeeded(msg)
	case vhostuser.ReqSetOwner:
		return false, r.ackIfNeeded(msg)
	case vhostuser.ReqGetQueueNum:
		return false, r.reply(msg, encodeU64(2))
	case vhostuser.ReqSetMemTable:
		if err := r.applyMemTable(msg); err != nil {
			return false, err
		}
		return false, r.ackIfNeeded(msg)
	case vhostuser.ReqSetVringNum:
		return false, r.applyVringNum(msg)
	case vhostuser.ReqSetVringAddr:
		return false, r.applyVringAddr(msg)
	case vhostuser.ReqSetVringBase:
		return false, r.ackIfNeeded(msg)
	case vhostuser.ReqSetVringKick:
		return false, r.applyVringFD(msg, &r.kickFDs)
	case vhostuser.ReqSetVringCall:
		return false, r.ackIfNeeded(msg) // call fd accepted but not separately tracked: used-ring writes are synchronous here
	case vhostuser.ReqSetVringEnable:
		return r.applyVringEnable(msg)
	case vhostuser.ReqNetSetMTU:
		return false, r.ackIfNeeded(msg)
	default:
		return false, r.ackIfNeeded(msg)
	}
}

func (r *Reactor) ackIfNeeded(msg vhostuser.Message) error {
	if msg.Header.Flags&vhostuser.FlagNeedReply == 0 {
		return nil
	}
	return r.reply(msg, encodeU64(0))
}

func (r *Reactor) reply(msg vhostuser.Message, payload []byte) error {
	return r.cfg.Conn.WriteMessage(vhostuser.Message{
		Header:  vhostuser.Header{Request: msg.Header.Request, Flags: vhostuser.FlagReply},
		Payload: payload,
	})
}

func (r *Reactor) applyMemTable(msg vhostuser.Message) error {
	if len(msg.Payload) < 8 {
		return flerrors.Errorf(flerrors.KindVhostProtocol, "SET_MEM_TABLE payload too short")
	}
	nregions := binary.LittleEndian.Uint32(msg.Payload[0:4])
	regions := make([]vhostuser.MemoryRegion, 0, nregions)
	off := 8
	const regionSize = 32
	for i := 0; i < int(nregions); i++ {
		if off+regionSize > len(msg.Payload) {
			return flerrors.Errorf(flerrors.KindVhostProtocol, "SET_MEM_TABLE payload truncated")
		}
		regions = append(regions, vhostuser.MemoryRegion{
			GuestPhysAddr: binary.LittleEndian.Uint64(msg.Payload[off : off+8]),
			MemorySize:    binary.LittleEndian.Uint64(msg.Payload[off+8 : off+16]),
			UserAddr:      binary.LittleEndian.Uint64(msg.Payload[off+16 : off+24]),
			MmapOffset:    binary.LittleEndian.Uint64(msg.Payload[off+24 : off+32]),
		})
		off += regionSize
	}

	mt, err := vhostuser.NewMemoryTable(regions, msg.FDs)
	if err != nil {
		return err
	}
	r.mu.Lock()
	old := r.mem
	r.mem = mt
	r.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

func (r *Reactor) applyVringNum(msg vhostuser.Message) error {
	if len(msg.Payload) < 8 {
		return flerrors.Errorf(flerrors.KindVhostProtocol, "SET_VRING_NUM payload too short")
	}
	idx := binary.LittleEndian.Uint32(msg.Payload[0:4])
	num := binary.LittleEndian.Uint32(msg.Payload[4:8])
	if idx > 1 {
		return flerrors.Errorf(flerrors.KindVhostProtocol, "unsupported vring index %d", idx)
	}
	r.mu.Lock()
	if r.vrings[idx] == nil {
		r.vrings[idx] = &vhostuser.Vring{Index: int(idx), Num: num}
	} else {
		r.vrings[idx].Num = num
	}
	r.mu.Unlock()
	return r.ackIfNeeded(msg)
}

func (r *Reactor) applyVringAddr(msg vhostuser.Message) error {
	if len(msg.Payload) < 40 {
		return flerrors.Errorf(flerrors.KindVhostProtocol, "SET_VRING_ADDR payload too short")
	}
	idx := binary.LittleEndian.Uint32(msg.Payload[0:4])
	descAddr := binary.LittleEndian.Uint64(msg.Payload[8:16])
	usedAddr := binary.LittleEndian.Uint64(msg.Payload[16:24])
	availAddr := binary.LittleEndian.Uint64(msg.Payload[24:32])
	if idx > 1 {
		return flerrors.Errorf(flerrors.KindVhostProtocol, "unsupported vring index %d", idx)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mem == nil || r.vrings[idx] == nil {
		return flerrors.Errorf(flerrors.KindVhostProtocol, "SET_VRING_ADDR before SET_MEM_TABLE/SET_VRING_NUM")
	}
	num := r.vrings[idx].Num
	desc, err := r.mem.Translate(descAddr, num*16)
	if err != nil {
		return err
	}
	avail, err := r.mem.Translate(availAddr, uint32(4+int(num)*2+2))
	if err != nil {
		return err
	}
	used, err := r.mem.Translate(usedAddr, uint32(4+int(num)*8+2))
	if err != nil {
		return err
	}
	r.vrings[idx] = vhostuser.NewVring(int(idx), num, desc, avail, used)
	return r.ackIfNeeded(msg)
}

func (r *Reactor) applyVringFD(msg vhostuser.Message, slot *[2]int) error {
	if len(msg.Payload) < 8 {
		return flerrors.Errorf(flerrors.KindVhostProtocol, "vring fd payload too short")
	}
	idx := binary.LittleEndian.Uint32(msg.Payload[0:4]) & 0xFF
	if idx > 1 {
		return flerrors.Errorf(flerrors.KindVhostProtocol, "unsupported vring index %d", idx)
	}
	if len(msg.FDs) > 0 {
		slot[idx] = msg.FDs[0]
	}
	return nil
}

func (r *Reactor) applyVringEnable(msg vhostuser.Message) (bool, error) {
	if err := r.ackIfNeeded(msg); err != nil {
		return false, err
	}
	r.mu.Lock()
	ready := r.vrings[queueRX] != nil && r.vrings[queueTX] != nil
	r.mu.Unlock()
	return ready, nil
}

// pumpGuestToHost reads frames the guest transmitted, runs them through
// protocol-responder/security/routing, and delivers the result.
func (r *Reactor) pumpGuestToHost(ctx context.Context) error {
	kicked := make(chan struct{}, 1)
	go watchKickFD(ctx, r.kickFDs[queueTX], kicked)

	drain := func() error {
		for {
			r.mu.Lock()
			vr := r.vrings[queueTX]
			mem := r.mem
			r.mu.Unlock()
			if vr == nil || mem == nil {
				return nil
			}
			head, chain, ok, err := vr.PopAvail(mem)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			r.handleGuestFrame(vr, head, chain, mem)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-kicked:
			if err := drain(); err != nil {
				return err
			}
		}
	}
}

// watchKickFD blocks reading the guest's kick eventfd (an 8-byte counter
// increment per virtio spec §2.9) and forwards a non-blocking notification
// for each wakeup. Exits when ctx is done or the fd is closed.
func watchKickFD(ctx context.Context, fd int, notify chan<- struct{}) {
	buf := make([]byte, 8)
	for {
		if ctx.Err() != nil {
			return
		}
		if fd == 0 {
			// kick fd not yet delivered by SET_VRING_KICK; back off briefly.
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}
		n, err := unix.Read(fd, buf)
		if err != nil || n != 8 {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		select {
		case notify <- struct{}{}:
		default:
		}
	}
}

func (r *Reactor) handleGuestFrame(vr *vhostuser.Vring, head uint16, chain []vhostuser.Descriptor, mem *vhostuser.MemoryTable) {
	defer vr.PushUsed(head, 0)
	atomic.AddUint64(&r.rx, 1)

	var frame []byte
	for _, d := range chain {
		if d.Write {
			continue
		}
		buf, err := mem.Translate(d.Addr, d.Len)
		if err != nil {
			atomic.AddUint64(&r.drops, 1)
			return
		}
		frame = append(frame, buf...)
	}
	hlen := r.headerLen()
	if len(frame) <= hlen {
		return
	}
	eth := frame[hlen:]

	pkt := gopacket.NewPacket(eth, layers.LayerTypeEthernet, gopacket.NoCopy)
	ethLayer, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok {
		atomic.AddUint64(&r.drops, 1)
		return
	}

	in := protoresponder.Inbound{
		SrcMAC: ethLayer.SrcMAC, DstMAC: ethLayer.DstMAC,
		EtherType: ethLayer.EthernetType, Payload: eth[14:],
	}
	nv := r.nicView()
	netw := r.networkView()
	if reply, handled := protoresponder.Respond(nv, netw, in); handled {
		r.deliverToGuest(reply.Ethernet)
		return
	}

	r.route(pkt, ethLayer, eth)
}

func (r *Reactor) route(pkt gopacket.Packet, eth *layers.Ethernet, raw []byte) {
	spkt, dstIP, ok := router.FromLayers(pkt, model.DirectionEgress)
	if !ok {
		atomic.AddUint64(&r.drops, 1)
		return
	}
	target := router.Decide(r.cfg.SecGroups, r.cfg.Conntrack, r.cfg.Routes, spkt, dstIP)
	if err := router.Deliver(r.cfg.Registry, target, r.cfg.ID, append([]byte(nil), raw...)); err != nil {
		atomic.AddUint64(&r.drops, 1)
	}
	r.maybeAccelerate(spkt)
}

// maybeAccelerate pushes spkt's flow into the fast-path map the first
// time it's observed Established, so later packets on the same flow
// bypass this evaluation entirely. It never runs for a flow that hasn't
// already cleared the security engine and conntrack above: fastpath only
// shortens a path already decided.
func (r *Reactor) maybeAccelerate(spkt secengine.Packet) {
	if r.cfg.Fastpath == nil {
		return
	}
	key := model.Key(spkt.SrcIP, spkt.DstIP, spkt.SrcPort, spkt.DstPort, spkt.Protocol, spkt.IPVer)
	entry, ok := r.cfg.Conntrack.Lookup(key)
	if !ok || entry.State != model.FlowEstablished {
		return
	}
	if _, already := r.accelerated.LoadOrStore(key, struct{}{}); already {
		return
	}
	if err := r.cfg.Fastpath.Install(string(r.cfg.ID), key); err != nil {
		r.accelerated.Delete(key)
		r.cfg.Log.Warn("fast-path install failed", "nic", r.cfg.ID, "err", err)
	}
}

// retractAccelerated removes every flow this reactor pushed into the
// fast-path map, so a deleted NIC never leaves a stale accelerated entry
// pointing at a reactor ID that no longer exists.
func (r *Reactor) retractAccelerated() {
	if r.cfg.Fastpath == nil {
		return
	}
	r.accelerated.Range(func(k, _ any) bool {
		tuple := k.(model.FiveTuple)
		if err := r.cfg.Fastpath.Remove(string(r.cfg.ID), tuple); err != nil {
			r.cfg.Log.Warn("fast-path remove failed", "nic", r.cfg.ID, "err", err)
		}
		return true
	})
}

// pumpHostToGuest delivers buffers routed to this NIC onto its RX vring.
// Every inbound frame is re-evaluated against this NIC's own security
// groups before delivery: the sender (a peer vNIC, the TAP reactor, or a
// tunnel reactor) only decided where the packet goes, not whether this
// NIC's ingress rules admit it.
func (r *Reactor) pumpHostToGuest(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.inbox.WakeChan():
			for _, msg := range r.inbox.Drain() {
				r.deliverInbound(msg.Buffer.([]byte))
			}
		}
	}
}

func (r *Reactor) deliverInbound(ethFrame []byte) {
	pkt := gopacket.NewPacket(ethFrame, layers.LayerTypeEthernet, gopacket.NoCopy)
	spkt, _, ok := router.FromLayers(pkt, model.DirectionIngress)
	if ok && secengine.Evaluate(r.cfg.SecGroups, r.cfg.Conntrack, spkt) != secengine.VerdictAllow {
		atomic.AddUint64(&r.drops, 1)
		return
	}
	r.deliverToGuest(ethFrame)
}

func (r *Reactor) deliverToGuest(ethFrame []byte) {
	r.mu.Lock()
	vr := r.vrings[queueRX]
	mem := r.mem
	r.mu.Unlock()
	if vr == nil || mem == nil {
		atomic.AddUint64(&r.drops, 1)
		return
	}
	head, chain, ok, err := vr.PopAvail(mem)
	if err != nil || !ok {
		atomic.AddUint64(&r.drops, 1)
		return
	}

	full := append(append([]byte(nil), bufpool.VirtioHeader(r.mrgRxbufNegotiated())...), ethFrame...)
	written := uint32(0)
	remaining := full
	for _, d := range chain {
		if !d.Write || len(remaining) == 0 {
			continue
		}
		buf, err := mem.Translate(d.Addr, d.Len)
		if err != nil {
			break
		}
		n := copy(buf, remaining)
		remaining = remaining[n:]
		written += uint32(n)
	}
	vr.PushUsed(head, written)
	atomic.AddUint64(&r.tx, 1)
}

func (r *Reactor) nicView() protoresponder.NICView {
	n := r.cfg.NIC
	return protoresponder.NICView{ID: string(n.ID), MAC: n.MAC, IPv4: n.IPv4, IPv6: n.IPv6, DelegatedIPv6: n.DelegatedIPv6}
}

func (r *Reactor) networkView() protoresponder.NetworkView {
	nw := r.cfg.Network
	return protoresponder.NetworkView{ID: nw.ID, IPv4CIDR: nw.IPv4CIDR, IPv6CIDR: nw.IPv6CIDR, DNS: nw.DNS, NTP: nw.NTP, LeaseTTL: nw.LeaseTTL}
}

func encodeU64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func decodeU64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

var _ reactor.Reactor = (*Reactor)(nil)
