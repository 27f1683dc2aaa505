// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package manager

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mvirt.io/netd/internal/bufpool"
	"mvirt.io/netd/internal/clock"
	"mvirt.io/netd/internal/conntrack"
	"mvirt.io/netd/internal/kernelops"
	"mvirt.io/netd/internal/logging"
	"mvirt.io/netd/internal/model"
	"mvirt.io/netd/internal/registry"
	"mvirt.io/netd/internal/routetable"
	"mvirt.io/netd/internal/state"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()

	store, err := state.Open(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	pool, err := bufpool.New(2048, 64)
	require.NoError(t, err)

	m := New(Config{
		SocketDir: filepath.Join(dir, "vhost"),
		GuestMTU:  1500,
		Store:     store,
		Registry:  registry.New(),
		Routes:    routetable.New(),
		Pool:      pool,
		Kernel:    kernelops.NewFake(),
		Log:       logging.WithComponent("manager_test"),
		Clock:     clock.Real{},
	})
	t.Cleanup(m.Close)
	return m
}

func TestCreateInternetTapRegistersReactorAndIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	rid, err := m.CreateInternetTap("tap-internet0", false)
	require.NoError(t, err)
	require.Equal(t, model.ReactorID("tap-internet0"), rid)

	rid2, err := m.CreateInternetTap("tap-internet0", false)
	require.NoError(t, err)
	require.Equal(t, rid, rid2)

	require.NoError(t, m.DeleteReactor(rid))
	require.Error(t, m.DeleteReactor(rid))
}

func TestCreateTunnelRegistersReactor(t *testing.T) {
	m := newTestManager(t)
	local := net.ParseIP("fd00::1")
	remote := net.ParseIP("fd00::2")

	rid, err := m.CreateTunnel("tun-hostb", local, remote)
	require.NoError(t, err)
	require.Equal(t, model.ReactorID("tun-hostb"), rid)

	require.NoError(t, m.DeleteReactor(rid))
}

func TestDeleteReactorRefusesWhileRouteReferencesIt(t *testing.T) {
	m := newTestManager(t)
	rid, err := m.CreateInternetTap("tap-internet0", false)
	require.NoError(t, err)

	_, prefix, _ := net.ParseCIDR("0.0.0.0/0")
	m.AddRoute(prefix, model.RouteTarget{Kind: model.TargetInternetTap, ReactorID: rid})

	require.Error(t, m.DeleteReactor(rid))

	m.RemoveRoute(prefix, model.RouteTarget{Kind: model.TargetInternetTap, ReactorID: rid})
	require.NoError(t, m.DeleteReactor(rid))
}

func TestCreateAndDeleteNetwork(t *testing.T) {
	m := newTestManager(t)
	_, cidr, _ := net.ParseCIDR("10.0.0.0/24")

	n, err := m.CreateNetwork("default", cidr, nil, nil, nil, false, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, n.ID)

	require.NoError(t, m.DeleteNetwork(n.ID))
	require.Error(t, m.DeleteNetwork(n.ID))
}

func TestCreateNICAllocatesAddresses(t *testing.T) {
	m := newTestManager(t)
	_, cidr, _ := net.ParseCIDR("10.0.0.0/29")

	n, err := m.CreateNetwork("default", cidr, nil, nil, nil, false, time.Hour)
	require.NoError(t, err)

	nic, err := m.CreateNIC(n.ID, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.2", nic.IPv4.String())
	require.NotNil(t, nic.MAC)

	nic2, err := m.CreateNIC(n.ID, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.3", nic2.IPv4.String())
	require.NotEqual(t, nic.IPv4.String(), nic2.IPv4.String())
}

// TestEachNICGetsItsOwnConntrackTable guards the per-NIC isolation
// invariant: a flow created on one NIC's table must never be visible from
// another NIC's table, since a shared table would let reply traffic
// admitted by one NIC's egress leak into a different NIC's ingress.
func TestEachNICGetsItsOwnConntrackTable(t *testing.T) {
	m := newTestManager(t)
	_, cidr, _ := net.ParseCIDR("10.0.0.0/28")
	n, err := m.CreateNetwork("default", cidr, nil, nil, nil, false, time.Hour)
	require.NoError(t, err)

	nicA, err := m.CreateNIC(n.ID, nil, nil)
	require.NoError(t, err)
	nicB, err := m.CreateNIC(n.ID, nil, nil)
	require.NoError(t, err)

	m.mu.Lock()
	ctA := m.reactors[model.ReactorID(nicA.ID)].ct
	ctB := m.reactors[model.ReactorID(nicB.ID)].ct
	m.mu.Unlock()

	require.NotSame(t, ctA, ctB)

	key := conntrack.KeyFromPacket(net.ParseIP("10.0.0.1"), net.ParseIP("1.1.1.1"), 1, 2, conntrack.ProtoUDP, model.IPVersion4)
	ctA.Create(key)

	_, ok := ctA.Lookup(key)
	require.True(t, ok)
	_, ok = ctB.Lookup(key)
	require.False(t, ok, "flow created on NIC A's table leaked into NIC B's table")

	require.Equal(t, 1, m.ConntrackLen())
	require.Equal(t, 0, m.SweepConntrack())
}

func TestCreateNICRejectsUnknownNetwork(t *testing.T) {
	m := newTestManager(t)
	_, err := m.CreateNIC("does-not-exist", nil, nil)
	require.Error(t, err)
}

func TestPingNICAgentRequiresKnownNICWithAgentCID(t *testing.T) {
	m := newTestManager(t)

	_, err := m.PingNICAgent("does-not-exist")
	require.Error(t, err)

	_, cidr, _ := net.ParseCIDR("10.0.0.0/29")
	n, err := m.CreateNetwork("default", cidr, nil, nil, nil, false, time.Hour)
	require.NoError(t, err)
	nic, err := m.CreateNIC(n.ID, nil, nil)
	require.NoError(t, err)

	// CreateNIC never sets AgentCID; a NIC without one is rejected
	// before any vsock dial is attempted.
	_, err = m.PingNICAgent(nic.ID)
	require.Error(t, err)
}

func TestDeleteNetworkRefusesWithAttachedNIC(t *testing.T) {
	m := newTestManager(t)
	_, cidr, _ := net.ParseCIDR("10.0.0.0/24")
	n, err := m.CreateNetwork("default", cidr, nil, nil, nil, false, time.Hour)
	require.NoError(t, err)

	_, err = m.CreateNIC(n.ID, nil, nil)
	require.NoError(t, err)

	require.Error(t, m.DeleteNetwork(n.ID))
}

func TestDeleteNICRetractsRoutes(t *testing.T) {
	m := newTestManager(t)
	_, cidr, _ := net.ParseCIDR("10.0.0.0/24")
	n, err := m.CreateNetwork("default", cidr, nil, nil, nil, false, time.Hour)
	require.NoError(t, err)

	nic, err := m.CreateNIC(n.ID, nil, nil)
	require.NoError(t, err)

	target := m.cfg.Routes.Lookup(nic.IPv4)
	require.Equal(t, model.TargetLocalNic, target.Kind)

	require.NoError(t, m.DeleteNIC(nic.ID))
	target = m.cfg.Routes.Lookup(nic.IPv4)
	require.Equal(t, model.TargetDrop, target.Kind)
}

func TestSecurityGroupLifecycle(t *testing.T) {
	m := newTestManager(t)
	g, err := m.CreateSecurityGroup("allow-ssh", "", []model.SecurityRule{
		{ID: "r1", Direction: model.DirectionIngress, Protocol: model.ProtocolTCP, PortStart: 22, PortEnd: 22},
	})
	require.NoError(t, err)

	_, cidr, _ := net.ParseCIDR("10.0.0.0/24")
	n, err := m.CreateNetwork("default", cidr, nil, nil, nil, false, time.Hour)
	require.NoError(t, err)
	nic, err := m.CreateNIC(n.ID, nil, []string{g.ID})
	require.NoError(t, err)
	require.Equal(t, []string{g.ID}, nic.SecurityGroup)

	require.Error(t, m.DeleteSecurityGroup(g.ID))
	require.NoError(t, m.DeleteNIC(nic.ID))
	require.NoError(t, m.DeleteSecurityGroup(g.ID))
}

func TestRecoverRestoresNetworksAndNICs(t *testing.T) {
	dir := t.TempDir()
	store, err := state.Open(filepath.Join(dir, "state.db"))
	require.NoError(t, err)

	pool, err := bufpool.New(2048, 64)
	require.NoError(t, err)

	newMgr := func() *Manager {
		return New(Config{
			SocketDir: filepath.Join(dir, "vhost"),
			GuestMTU:  1500,
			Store:     store,
			Registry:  registry.New(),
			Routes:    routetable.New(),
			Pool:      pool,
			Kernel:    kernelops.NewFake(),
			Log:       logging.WithComponent("manager_test"),
			Clock:     clock.Real{},
		})
	}

	m1 := newMgr()
	_, cidr, _ := net.ParseCIDR("10.0.0.0/24")
	n, err := m1.CreateNetwork("default", cidr, nil, nil, nil, false, time.Hour)
	require.NoError(t, err)
	nic, err := m1.CreateNIC(n.ID, nil, nil)
	require.NoError(t, err)
	m1.Close()

	m2 := newMgr()
	t.Cleanup(m2.Close)
	require.NoError(t, m2.Recover())

	m2.mu.Lock()
	_, hasNetwork := m2.networks[n.ID]
	recoveredNIC, hasNIC := m2.nics[nic.ID]
	m2.mu.Unlock()

	require.True(t, hasNetwork)
	require.True(t, hasNIC)
	require.Equal(t, nic.IPv4.String(), recoveredNIC.IPv4.String())

	target := m2.cfg.Routes.Lookup(nic.IPv4)
	require.Equal(t, model.TargetLocalNic, target.Kind)
}
