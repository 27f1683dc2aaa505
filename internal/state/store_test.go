// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package state

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"mvirt.io/netd/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndListNetwork(t *testing.T) {
	s := openTestStore(t)
	_, ipv4, _ := net.ParseCIDR("10.0.0.0/24")
	now := time.Unix(1700000000, 0)

	n := &model.Network{
		ID: "net-1", Name: "default", IPv4CIDR: ipv4,
		DNS: []net.IP{net.ParseIP("10.0.0.1")}, LeaseTTL: time.Hour,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.SaveNetwork(n))

	got, err := s.ListNetworks()
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "net-1", got[0].ID)
	require.Equal(t, "10.0.0.0/24", got[0].IPv4CIDR.String())
	require.Equal(t, time.Hour, got[0].LeaseTTL)
	require.Len(t, got[0].DNS, 1)
}

func TestSaveNetworkUpserts(t *testing.T) {
	s := openTestStore(t)
	now := time.Unix(1700000000, 0)
	n := &model.Network{ID: "net-1", Name: "first", CreatedAt: now, UpdatedAt: now, IsPublic: false}
	_, n.IPv4CIDR, _ = net.ParseCIDR("10.0.0.0/24")
	require.NoError(t, s.SaveNetwork(n))

	n.Name = "renamed"
	n.UpdatedAt = now.Add(time.Minute)
	require.NoError(t, s.SaveNetwork(n))

	got, err := s.ListNetworks()
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "renamed", got[0].Name)
}

func TestDeleteNetwork(t *testing.T) {
	s := openTestStore(t)
	now := time.Unix(1700000000, 0)
	n := &model.Network{ID: "net-1", Name: "default", CreatedAt: now, UpdatedAt: now}
	_, n.IPv4CIDR, _ = net.ParseCIDR("10.0.0.0/24")
	require.NoError(t, s.SaveNetwork(n))
	require.NoError(t, s.DeleteNetwork("net-1"))

	got, err := s.ListNetworks()
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestSaveAndListNIC(t *testing.T) {
	s := openTestStore(t)
	now := time.Unix(1700000000, 0)
	netw := &model.Network{ID: "net-1", Name: "default", CreatedAt: now, UpdatedAt: now}
	_, netw.IPv4CIDR, _ = net.ParseCIDR("10.0.0.0/24")
	require.NoError(t, s.SaveNetwork(netw))

	mac, err := net.ParseMAC("52:54:00:00:00:01")
	require.NoError(t, err)
	_, routed, _ := net.ParseCIDR("192.168.100.0/24")

	nic := &model.NIC{
		ID: "nic-1", NetworkID: "net-1", MAC: mac,
		IPv4: net.ParseIP("10.0.0.5"), SocketPath: "/run/netd/vhost/nic-1.sock",
		State: model.NICStateActive, SecurityGroup: []string{"sg-1", "sg-2"},
		RoutedIPv4: []model.RoutedPrefix{{Prefix: routed}},
		CreatedAt:  now, UpdatedAt: now,
	}
	require.NoError(t, s.SaveNIC(nic))

	got, err := s.ListNICs()
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "nic-1", got[0].ID)
	require.Equal(t, mac.String(), got[0].MAC.String())
	require.Equal(t, model.NICStateActive, got[0].State)
	require.Equal(t, []string{"sg-1", "sg-2"}, got[0].SecurityGroup)
	require.Len(t, got[0].RoutedIPv4, 1)
	require.Equal(t, "192.168.100.0/24", got[0].RoutedIPv4[0].Prefix.String())
	require.Nil(t, got[0].AgentCID)

	cid := uint32(42)
	nic.AgentCID = &cid
	require.NoError(t, s.SaveNIC(nic))
	got, err = s.ListNICs()
	require.NoError(t, err)
	require.Equal(t, uint32(42), *got[0].AgentCID)
}

func TestSecurityGroupRoundTrip(t *testing.T) {
	s := openTestStore(t)
	now := time.Unix(1700000000, 0)
	_, cidr, _ := net.ParseCIDR("0.0.0.0/0")

	g := &model.SecurityGroup{
		ID: "sg-1", Name: "allow-all-egress",
		Rules: []model.SecurityRule{
			{ID: "rule-1", Direction: model.DirectionEgress, Protocol: model.ProtocolAll, IPVer: model.IPVersionBoth, CIDR: cidr},
			{ID: "rule-2", Direction: model.DirectionIngress, Protocol: model.ProtocolTCP, IPVer: model.IPVersion4, PortStart: 22, PortEnd: 22, CIDR: cidr},
		},
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.SaveSecurityGroup(g))

	got, err := s.ListSecurityGroups()
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Len(t, got[0].Rules, 2)
	require.Equal(t, "rule-1", got[0].Rules[0].ID)
	require.Equal(t, model.ProtocolTCP, got[0].Rules[1].Protocol)
	require.Equal(t, uint16(22), got[0].Rules[1].PortStart)

	g.Rules = g.Rules[:1]
	require.NoError(t, s.SaveSecurityGroup(g))
	got, err = s.ListSecurityGroups()
	require.NoError(t, err)
	require.Len(t, got[0].Rules, 1)

	require.NoError(t, s.DeleteSecurityGroup("sg-1"))
	got, err = s.ListSecurityGroups()
	require.NoError(t, err)
	require.Empty(t, got)
}

// TestSecurityRulesSurviveRoundTripExactly guards the full rule struct, not
// just the handful of fields the other round-trip test spot-checks: a field
// added to model.SecurityRule without a matching column would otherwise
// silently zero out on the way through SQLite.
func TestSecurityRulesSurviveRoundTripExactly(t *testing.T) {
	s := openTestStore(t)
	now := time.Unix(1700000000, 0)
	_, cidrA, _ := net.ParseCIDR("10.0.0.0/8")
	_, cidrB, _ := net.ParseCIDR("fd00::/64")

	want := []model.SecurityRule{
		{ID: "rule-1", Direction: model.DirectionEgress, Protocol: model.ProtocolAll, IPVer: model.IPVersionBoth, CIDR: cidrA},
		{ID: "rule-2", Direction: model.DirectionIngress, Protocol: model.ProtocolUDP, IPVer: model.IPVersion6, PortStart: 546, PortEnd: 547, CIDR: cidrB},
	}
	g := &model.SecurityGroup{ID: "sg-1", Name: "dhcpv6-client", Rules: want, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.SaveSecurityGroup(g))

	got, err := s.ListSecurityGroups()
	require.NoError(t, err)
	require.Len(t, got, 1)

	if diff := cmp.Diff(want, got[0].Rules); diff != "" {
		t.Errorf("security rules changed across round trip (-want +got):\n%s", diff)
	}
}
