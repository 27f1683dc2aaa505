// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package manager implements the Reactor Manager: the sole mutator of
// the registry and route table snapshots. It owns network, NIC, and
// security group CRUD, spawns and tears down the vNIC/TAP/tunnel
// reactors those operations require, and persists every change through
// internal/state so a restart can recover.
package manager

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"mvirt.io/netd/internal/agentlink"
	"mvirt.io/netd/internal/bufpool"
	"mvirt.io/netd/internal/clock"
	"mvirt.io/netd/internal/conntrack"
	flerrors "mvirt.io/netd/internal/errors"
	"mvirt.io/netd/internal/eventbus"
	"mvirt.io/netd/internal/fastpath"
	"mvirt.io/netd/internal/kernelops"
	"mvirt.io/netd/internal/metrics"
	"mvirt.io/netd/internal/model"
	"mvirt.io/netd/internal/netutil"
	"mvirt.io/netd/internal/reactor"
	"mvirt.io/netd/internal/registry"
	"mvirt.io/netd/internal/routetable"
	"mvirt.io/netd/internal/state"
	"mvirt.io/netd/internal/tapreactor"
	"mvirt.io/netd/internal/tunnelreactor"
	"mvirt.io/netd/internal/vhostuser"
	"mvirt.io/netd/internal/vnic"
)

// Logger is the narrow logging surface this package depends on,
// satisfied by internal/logging.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config wires a Manager to the shared tables every reactor it spawns
// will consult, plus the host-level dependencies (persistence, kernel
// programming, buffer arena) it needs to bring a NIC or network up.
type Config struct {
	SocketDir        string
	GuestMTU         int
	TapNamePrefix    string
	TunnelNamePrefix string

	Store    *state.Store
	Registry *registry.Registry
	Routes   *routetable.Table
	Pool     *bufpool.Pool
	Kernel   kernelops.KernelOps
	Log      Logger

	// Clock drives every per-NIC conntrack.Table this manager spawns.
	// Defaults to clock.Real{} when left nil.
	Clock clock.Clock

	// Metrics is optional; when set, every reactor the manager spawns
	// registers its rx/tx/drop counters under its reactor id.
	Metrics *prometheus.Registry

	// Events is optional; when set, network/NIC lifecycle transitions
	// are published onto it for the audit forwarder to pick up.
	Events *eventbus.Bus

	// Fastpath is optional; when set, every spawned vNIC reactor pushes
	// its Established flows into the shared accelerated eBPF map.
	Fastpath *fastpath.Path
}

// reactorHandle tracks a spawned reactor alongside the cancel func that
// stops its Run goroutine. ct is non-nil only for vNIC reactors: each one
// owns its own conntrack.Table, never shared across NICs.
type reactorHandle struct {
	r      reactor.Reactor
	ct     *conntrack.Table
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager is the sole writer of the registry, route table, and
// persisted state. Every mutating method takes mu, so the atomic
// clone-mutate-swap tables it writes through are never updated by two
// goroutines at once.
type Manager struct {
	cfg Config

	mu        sync.Mutex
	networks  map[string]*model.Network
	nics      map[string]*model.NIC
	secGroups map[string]*model.SecurityGroup
	reactors  map[model.ReactorID]*reactorHandle

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a Manager with empty in-memory state. Call Recover to
// populate it from persisted state before serving any requests.
func New(cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		networks:  make(map[string]*model.Network),
		nics:      make(map[string]*model.NIC),
		secGroups: make(map[string]*model.SecurityGroup),
		reactors:  make(map[model.ReactorID]*reactorHandle),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetMetrics wires reg as the registry every reactor spawned from now on
// registers its rx/tx/drop counters into. Must be called, if at all,
// before Recover so reactors recovered at startup get metrics too; it is
// not safe to call once reactors are already running.
func (m *Manager) SetMetrics(reg *prometheus.Registry) {
	m.cfg.Metrics = reg
}

// Close stops every running reactor and releases the manager's
// background context. It does not close the Store, Pool, or any other
// dependency the caller constructed Config from.
func (m *Manager) Close() {
	m.mu.Lock()
	handles := make([]*reactorHandle, 0, len(m.reactors))
	for _, h := range m.reactors {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.cancel()
		<-h.done
	}
	m.cancel()
}

// CreateNetwork allocates a new isolated broadcast domain.
func (m *Manager) CreateNetwork(name string, ipv4CIDR, ipv6CIDR *net.IPNet, dns, ntp []net.IP, isPublic bool, leaseTTL time.Duration) (*model.Network, error) {
	now := time.Now()
	n := &model.Network{
		ID: uuid.NewString(), Name: name, IPv4CIDR: ipv4CIDR, IPv6CIDR: ipv6CIDR,
		DNS: dns, NTP: ntp, IsPublic: isPublic, LeaseTTL: leaseTTL,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := n.Validate(); err != nil {
		return nil, flerrors.Wrap(err, flerrors.KindValidation, "create network")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.cfg.Store.SaveNetwork(n); err != nil {
		return nil, err
	}
	m.networks[n.ID] = n
	m.cfg.Log.Info("network created", "id", n.ID, "name", n.Name)
	m.publish(eventbus.KindNetworkCreated, "", n.ID)
	return n, nil
}

// DeleteNetwork removes a network. It refuses to delete a network that
// still has NICs attached: the caller must delete_nic every attachment
// first.
func (m *Manager) DeleteNetwork(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.networks[id]; !ok {
		return flerrors.New(flerrors.KindNotFound, "network "+id+" not found")
	}
	for _, nic := range m.nics {
		if nic.NetworkID == id {
			return flerrors.New(flerrors.KindConflict, "network "+id+" still has NICs attached")
		}
	}
	if err := m.cfg.Store.DeleteNetwork(id); err != nil {
		return err
	}
	delete(m.networks, id)
	m.cfg.Log.Info("network deleted", "id", id)
	m.publish(eventbus.KindNetworkDeleted, "", id)
	return nil
}

// CreateNIC provisions a vNIC reactor: it allocates addresses from the
// network's CIDRs, opens (or re-creates) the vhost-user listening
// socket, and spawns the reactor goroutine once a guest connects.
func (m *Manager) CreateNIC(networkID string, mac net.HardwareAddr, secGroupIDs []string) (*model.NIC, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nw, ok := m.networks[networkID]
	if !ok {
		return nil, flerrors.New(flerrors.KindNotFound, "network "+networkID+" not found")
	}

	for _, gid := range secGroupIDs {
		if _, ok := m.secGroups[gid]; !ok {
			return nil, flerrors.New(flerrors.KindNotFound, "security group "+gid+" not found")
		}
	}

	if mac == nil {
		var err error
		mac, err = m.generateNICMAC()
		if err != nil {
			return nil, err
		}
	}

	id := uuid.NewString()
	now := time.Now()
	nic := &model.NIC{
		ID: id, NetworkID: networkID, MAC: mac, State: model.NICStateCreated,
		SecurityGroup: secGroupIDs, CreatedAt: now, UpdatedAt: now,
		SocketPath: filepath.Join(m.cfg.SocketDir, id+".sock"),
	}

	if nw.IPv4CIDR != nil {
		ip, err := nextFreeIPv4(nw.IPv4CIDR, m.usedIPv4Locked(networkID))
		if err != nil {
			return nil, err
		}
		nic.IPv4 = ip
	}
	if nw.IPv6CIDR != nil {
		ip, err := eui64FromMAC(nw.IPv6CIDR, mac)
		if err != nil {
			return nil, err
		}
		nic.IPv6 = ip
	}

	if err := m.cfg.Store.SaveNIC(nic); err != nil {
		return nil, err
	}
	m.nics[nic.ID] = nic

	if err := m.spawnVNIC(nic, nw); err != nil {
		nic.State = model.NICStateError
		m.cfg.Store.SaveNIC(nic)
		return nic, err
	}

	m.routes().Add(hostRoute(nic.IPv4), model.RouteTarget{Kind: model.TargetLocalNic, ReactorID: model.ReactorID(nic.ID)})
	if nic.IPv6 != nil {
		m.routes().Add(hostRoute(nic.IPv6), model.RouteTarget{Kind: model.TargetLocalNic, ReactorID: model.ReactorID(nic.ID)})
	}
	for _, rp := range append(append([]model.RoutedPrefix{}, nic.RoutedIPv4...), nic.RoutedIPv6...) {
		m.routes().Add(rp.Prefix, model.RouteTarget{Kind: model.TargetLocalNic, ReactorID: model.ReactorID(nic.ID)})
	}

	m.cfg.Log.Info("nic created", "id", nic.ID, "network", networkID, "ipv4", ipOrEmpty(nic.IPv4), "ipv6", ipOrEmpty(nic.IPv6))
	m.publish(eventbus.KindNICCreated, nic.ID, networkID)
	return nic, nil
}

// DeleteNIC stops the NIC's reactor, retracts its routes, and removes
// it from persisted state.
func (m *Manager) DeleteNIC(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	nic, ok := m.nics[id]
	if !ok {
		return flerrors.New(flerrors.KindNotFound, "nic "+id+" not found")
	}

	rid := model.ReactorID(id)
	if h, ok := m.reactors[rid]; ok {
		h.cancel()
		m.mu.Unlock()
		<-h.done
		m.mu.Lock()
		delete(m.reactors, rid)
	}

	if nic.IPv4 != nil {
		m.routes().Remove(hostRoute(nic.IPv4), model.RouteTarget{Kind: model.TargetLocalNic, ReactorID: rid})
	}
	if nic.IPv6 != nil {
		m.routes().Remove(hostRoute(nic.IPv6), model.RouteTarget{Kind: model.TargetLocalNic, ReactorID: rid})
	}
	for _, rp := range append(append([]model.RoutedPrefix{}, nic.RoutedIPv4...), nic.RoutedIPv6...) {
		m.routes().Remove(rp.Prefix, model.RouteTarget{Kind: model.TargetLocalNic, ReactorID: rid})
	}

	os.Remove(nic.SocketPath)
	if err := m.cfg.Store.DeleteNIC(id); err != nil {
		return err
	}
	delete(m.nics, id)
	m.cfg.Log.Info("nic deleted", "id", id)
	m.publish(eventbus.KindNICDeleted, id, "")
	return nil
}

// PingNICAgent reaches the node agent running inside nic's guest over
// AF_VSOCK and returns its status line. Only meaningful for a NIC whose
// guest runs in a sibling microVM with its own vsock-reachable agent
// rather than sharing the host's filesystem; returns a not-found error
// for any other NIC.
func (m *Manager) PingNICAgent(nicID string) (string, error) {
	m.mu.Lock()
	nic, ok := m.nics[nicID]
	m.mu.Unlock()
	if !ok {
		return "", flerrors.New(flerrors.KindNotFound, "nic "+nicID+" not found")
	}
	if nic.AgentCID == nil {
		return "", flerrors.New(flerrors.KindNotFound, "nic "+nicID+" has no vsock agent")
	}
	return agentlink.NewClient(*nic.AgentCID).Ping()
}

// CreateInternetTap brings up the internet-facing device named device (a
// kernel TAP unless physical is set, in which case device must already
// name a real Linux interface) and spawns its tapreactor, returning the
// reactor id callers use as an InternetTap route target. Calling it again
// for a device that's already up is a no-op returning the same id.
func (m *Manager) CreateInternetTap(device string, physical bool) (model.ReactorID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rid := model.ReactorID(device)
	if _, ok := m.reactors[rid]; ok {
		return rid, nil
	}

	if !physical {
		if err := m.cfg.Kernel.EnsureLink(device, kernelops.LinkTAP, m.cfg.GuestMTU); err != nil {
			return "", err
		}
	}

	r := tapreactor.NewReactor(tapreactor.Config{
		ID: rid, Device: device, Physical: physical, MTU: m.cfg.GuestMTU,
		Resolve: m, Pool: m.cfg.Pool, Registry: m.cfg.Registry, Routes: m.cfg.Routes, Log: m.cfg.Log,
	})
	m.runReactorLocked(rid, r)
	m.cfg.Log.Info("internet tap up", "device", device, "physical", physical)
	return rid, nil
}

// CreateTunnel creates (or reuses) an ip6tnl point-to-point tunnel named
// device from local to remote and spawns its tunnelreactor, returning the
// reactor id callers use as a RemoteTunnel route target for the peer's
// advertised prefixes.
func (m *Manager) CreateTunnel(device string, local, remote net.IP) (model.ReactorID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rid := model.ReactorID(device)
	if _, ok := m.reactors[rid]; ok {
		return rid, nil
	}

	if err := m.cfg.Kernel.EnsureTunnel(device, local, remote, m.cfg.GuestMTU); err != nil {
		return "", err
	}

	r := tunnelreactor.NewReactor(tunnelreactor.Config{
		ID: rid, Device: device, PeerAddr: remote,
		Resolve: m, Pool: m.cfg.Pool, Registry: m.cfg.Registry, Routes: m.cfg.Routes, Log: m.cfg.Log,
	})
	m.runReactorLocked(rid, r)
	m.cfg.Log.Info("tunnel up", "device", device, "remote", remote)
	return rid, nil
}

// DeleteReactor stops a previously created tap or tunnel reactor and
// removes its kernel link. It refuses to remove a reactor still named by
// a route; the caller must RemoveRoute every target pointing at it first.
func (m *Manager) DeleteReactor(id model.ReactorID) error {
	m.mu.Lock()
	h, ok := m.reactors[id]
	if !ok {
		m.mu.Unlock()
		return flerrors.New(flerrors.KindNotFound, "reactor "+string(id)+" not found")
	}
	for _, e := range m.cfg.Routes.Entries() {
		if e.Target.ReactorID == id {
			m.mu.Unlock()
			return flerrors.Errorf(flerrors.KindConflict, "reactor %s still named by route %s", id, e.Prefix)
		}
	}
	delete(m.reactors, id)
	m.mu.Unlock()

	h.cancel()
	<-h.done
	return m.cfg.Kernel.DeleteLink(string(id))
}

// runReactorLocked registers r under rid and runs it in the background
// until Close or DeleteReactor cancels it. Callers must hold m.mu.
func (m *Manager) runReactorLocked(rid model.ReactorID, r reactor.Reactor) {
	ctx, cancel := context.WithCancel(m.ctx)
	done := make(chan struct{})
	m.reactors[rid] = &reactorHandle{r: r, cancel: cancel, done: done}

	if m.cfg.Metrics != nil {
		metrics.RegisterReactor(m.cfg.Metrics, string(rid),
			func() float64 { return float64(r.Status().RxCount) },
			func() float64 { return float64(r.Status().TxCount) },
			func() float64 { return float64(r.Status().Drops) },
		)
	}

	go func() {
		defer close(done)
		if err := r.Run(ctx); err != nil && ctx.Err() == nil {
			m.cfg.Log.Error("reactor exited", "id", rid, "err", err)
		}
	}()
}

// AddRoute installs an extra route pointing at an existing reactor,
// e.g. a tap or tunnel reactor id for a RoutedIPv4/RoutedIPv6 prefix.
func (m *Manager) AddRoute(prefix *net.IPNet, target model.RouteTarget) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes().Add(prefix, target)
}

// RemoveRoute retracts a previously installed route.
func (m *Manager) RemoveRoute(prefix *net.IPNet, target model.RouteTarget) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes().Remove(prefix, target)
}

// SetDefaultTable configures the table-wide default route, e.g.
// pointing unmatched egress traffic at the node's TAP reactor for
// internet access.
func (m *Manager) SetDefaultTable(target *model.RouteTarget) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes().SetDefault(target)
}

// CreateSecurityGroup persists a new named rule set.
func (m *Manager) CreateSecurityGroup(name, description string, rules []model.SecurityRule) (*model.SecurityGroup, error) {
	now := time.Now()
	g := &model.SecurityGroup{ID: uuid.NewString(), Name: name, Description: description, Rules: rules, CreatedAt: now, UpdatedAt: now}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.cfg.Store.SaveSecurityGroup(g); err != nil {
		return nil, err
	}
	m.secGroups[g.ID] = g
	return g, nil
}

// DeleteSecurityGroup removes a group, refusing if any NIC still
// references it.
func (m *Manager) DeleteSecurityGroup(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.secGroups[id]; !ok {
		return flerrors.New(flerrors.KindNotFound, "security group "+id+" not found")
	}
	for _, nic := range m.nics {
		for _, gid := range nic.SecurityGroup {
			if gid == id {
				return flerrors.New(flerrors.KindConflict, "security group "+id+" still attached to nic "+nic.ID)
			}
		}
	}
	if err := m.cfg.Store.DeleteSecurityGroup(id); err != nil {
		return err
	}
	delete(m.secGroups, id)
	return nil
}

func (m *Manager) routes() *routetable.Table { return m.cfg.Routes }

// SweepConntrack runs Cleanup on every vNIC reactor's own conntrack table
// and returns the total number of entries evicted, so the daemon
// entrypoint can drive one periodic sweep across all of them without
// reaching into reactor internals.
func (m *Manager) SweepConntrack() (evicted int) {
	for _, ct := range m.conntrackTables() {
		evicted += ct.Cleanup()
	}
	return evicted
}

// ConntrackLen sums the live entry count across every vNIC reactor's own
// conntrack table, for the daemon's aggregate occupancy gauge.
func (m *Manager) ConntrackLen() int {
	total := 0
	for _, ct := range m.conntrackTables() {
		total += ct.Len()
	}
	return total
}

func (m *Manager) conntrackTables() []*conntrack.Table {
	m.mu.Lock()
	defer m.mu.Unlock()
	tables := make([]*conntrack.Table, 0, len(m.reactors))
	for _, h := range m.reactors {
		if h.ct != nil {
			tables = append(tables, h.ct)
		}
	}
	return tables
}

func (m *Manager) publish(kind eventbus.Kind, reactorID, detail string) {
	if m.cfg.Events == nil {
		return
	}
	m.cfg.Events.Publish(eventbus.Event{Kind: kind, ReactorID: reactorID, Detail: detail, At: time.Now()})
}

func (m *Manager) usedIPv4Locked(networkID string) map[string]bool {
	used := make(map[string]bool)
	for _, nic := range m.nics {
		if nic.NetworkID == networkID && nic.IPv4 != nil {
			used[nic.IPv4.String()] = true
		}
	}
	return used
}

func (m *Manager) generateNICMAC() (net.HardwareAddr, error) {
	return netutil.GenerateNICMAC()
}

// spawnVNIC opens the NIC's vhost-user listening socket and, once a
// guest connects, constructs and runs its vnic.Reactor. The accept loop
// and the reactor's Run both live in the background goroutine tracked
// by reactorHandle; DeleteNIC's cancel closes the listener and stops
// the reactor.
func (m *Manager) spawnVNIC(nic *model.NIC, nw *model.Network) error {
	os.Remove(nic.SocketPath)
	if err := os.MkdirAll(filepath.Dir(nic.SocketPath), 0o755); err != nil {
		return flerrors.Wrap(err, flerrors.KindInternal, "create vhost-user socket directory")
	}
	ln, err := net.Listen("unix", nic.SocketPath)
	if err != nil {
		return flerrors.Wrap(err, flerrors.KindInternal, "listen on vhost-user socket "+nic.SocketPath)
	}
	if err := os.Chmod(nic.SocketPath, 0o660); err != nil {
		ln.Close()
		return flerrors.Wrap(err, flerrors.KindInternal, "chmod vhost-user socket "+nic.SocketPath)
	}

	ctx, cancel := context.WithCancel(m.ctx)
	done := make(chan struct{})
	rid := model.ReactorID(nic.ID)

	secGroups := make([]model.SecurityGroup, 0, len(nic.SecurityGroup))
	for _, gid := range nic.SecurityGroup {
		if g, ok := m.secGroups[gid]; ok {
			secGroups = append(secGroups, *g)
		}
	}

	// Each vNIC reactor owns its own conntrack table; sharing one across
	// NICs would let a flow admitted by one NIC's egress traffic let
	// reply traffic through on a different NIC's ingress.
	ct := conntrack.New(m.cfg.Clock)

	// Registered before the guest connects: DeleteNIC must be able to
	// cancel and unblock a listener that is still waiting on Accept.
	m.reactors[rid] = &reactorHandle{ct: ct, cancel: cancel, done: done}

	go func() {
		defer close(done)
		defer ln.Close()

		go func() {
			<-ctx.Done()
			ln.Close()
		}()

		uln, ok := ln.(*net.UnixListener)
		if !ok {
			m.cfg.Log.Error("vhost-user listener is not a unix listener", "nic", nic.ID)
			return
		}
		conn, err := uln.AcceptUnix()
		if err != nil {
			if ctx.Err() == nil {
				m.cfg.Log.Warn("vhost-user accept failed", "nic", nic.ID, "err", err)
			}
			return
		}

		r := vnic.NewReactor(vnic.Config{
			ID: rid, NIC: *nic, Network: *nw, SecGroups: secGroups,
			Pool: m.cfg.Pool, Registry: m.cfg.Registry, Routes: m.cfg.Routes,
			Conntrack: ct, Conn: vhostuser.NewConn(conn), Log: m.cfg.Log,
			Fastpath: m.cfg.Fastpath,
		})

		m.mu.Lock()
		if h, ok := m.reactors[rid]; ok {
			h.r = r
		}
		m.mu.Unlock()

		if m.cfg.Metrics != nil {
			metrics.RegisterReactor(m.cfg.Metrics, string(rid),
				func() float64 { return float64(r.Status().RxCount) },
				func() float64 { return float64(r.Status().TxCount) },
				func() float64 { return float64(r.Status().Drops) },
			)
		}

		if err := r.Run(ctx); err != nil && ctx.Err() == nil {
			m.cfg.Log.Error("vnic reactor exited", "nic", nic.ID, "err", err)
		}
		m.cfg.Registry.Unregister(rid)
	}()

	return nil
}

func hostRoute(ip net.IP) *net.IPNet {
	if ip4 := ip.To4(); ip4 != nil {
		return &net.IPNet{IP: ip4, Mask: net.CIDRMask(32, 32)}
	}
	return &net.IPNet{IP: ip.To16(), Mask: net.CIDRMask(128, 128)}
}

func ipOrEmpty(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}
