// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ctladapter

import (
	"net"
	"net/rpc"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mvirt.io/netd/internal/model"
)

type fakeControlPlane struct {
	lastName string
}

func (f *fakeControlPlane) CreateNetwork(name string, ipv4CIDR, ipv6CIDR *net.IPNet, dns, ntp []net.IP, isPublic bool, leaseTTL time.Duration) (*model.Network, error) {
	f.lastName = name
	return &model.Network{ID: "net-1", Name: name, IPv4CIDR: ipv4CIDR, LeaseTTL: leaseTTL}, nil
}
func (f *fakeControlPlane) DeleteNetwork(id string) error { return nil }
func (f *fakeControlPlane) CreateNIC(networkID string, mac net.HardwareAddr, secGroupIDs []string) (*model.NIC, error) {
	return &model.NIC{ID: "nic-1", NetworkID: networkID}, nil
}
func (f *fakeControlPlane) DeleteNIC(id string) error { return nil }
func (f *fakeControlPlane) PingNICAgent(nicID string) (string, error) { return "ok", nil }
func (f *fakeControlPlane) CreateSecurityGroup(name, description string, rules []model.SecurityRule) (*model.SecurityGroup, error) {
	return &model.SecurityGroup{ID: "sg-1", Name: name, Rules: rules}, nil
}
func (f *fakeControlPlane) DeleteSecurityGroup(id string) error { return nil }
func (f *fakeControlPlane) AddRoute(prefix *net.IPNet, target model.RouteTarget)    {}
func (f *fakeControlPlane) RemoveRoute(prefix *net.IPNet, target model.RouteTarget) {}
func (f *fakeControlPlane) SetDefaultTable(target *model.RouteTarget)               {}
func (f *fakeControlPlane) CreateInternetTap(device string, physical bool) (model.ReactorID, error) {
	return model.ReactorID(device), nil
}
func (f *fakeControlPlane) CreateTunnel(device string, local, remote net.IP) (model.ReactorID, error) {
	return model.ReactorID(device), nil
}
func (f *fakeControlPlane) DeleteReactor(id model.ReactorID) error { return nil }

func TestServeAndCreateNetworkRoundTrip(t *testing.T) {
	fcp := &fakeControlPlane{}
	sockPath := filepath.Join(t.TempDir(), "ctl.sock")

	ln, err := Serve(sockPath, NewServer(fcp))
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	client := rpc.NewClient(conn)
	defer client.Close()

	var reply CreateNetworkReply
	args := CreateNetworkArgs{Name: "default", IPv4CIDR: "10.0.0.0/24", LeaseTTLs: "2h"}
	require.NoError(t, client.Call("Server.CreateNetwork", args, &reply))

	require.Equal(t, "default", fcp.lastName)
	require.Equal(t, "net-1", reply.Network.ID)
	require.Equal(t, "10.0.0.0/24", reply.Network.IPv4CIDR.String())
	require.Equal(t, 2*time.Hour, reply.Network.LeaseTTL)
}

func TestCreateNetworkRejectsBadCIDR(t *testing.T) {
	fcp := &fakeControlPlane{}
	sockPath := filepath.Join(t.TempDir(), "ctl.sock")

	ln, err := Serve(sockPath, NewServer(fcp))
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	client := rpc.NewClient(conn)
	defer client.Close()

	var reply CreateNetworkReply
	args := CreateNetworkArgs{Name: "bad", IPv4CIDR: "not-a-cidr"}
	require.Error(t, client.Call("Server.CreateNetwork", args, &reply))
}

func TestPingNICAgentRoundTrip(t *testing.T) {
	fcp := &fakeControlPlane{}
	sockPath := filepath.Join(t.TempDir(), "ctl.sock")

	ln, err := Serve(sockPath, NewServer(fcp))
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	client := rpc.NewClient(conn)
	defer client.Close()

	var reply PingNICAgentReply
	require.NoError(t, client.Call("Server.PingNICAgent", PingNICAgentArgs{NICID: "nic-1"}, &reply))
	require.Equal(t, "ok", reply.Status)
}

func TestCreateInternetTapAndCreateTunnelRoundTrip(t *testing.T) {
	fcp := &fakeControlPlane{}
	sockPath := filepath.Join(t.TempDir(), "ctl.sock")
	ln, err := Serve(sockPath, NewServer(fcp))
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	client := rpc.NewClient(conn)
	defer client.Close()

	var tapReply CreateInternetTapReply
	require.NoError(t, client.Call("Server.CreateInternetTap", CreateInternetTapArgs{Device: "tap-internet0"}, &tapReply))
	require.Equal(t, "tap-internet0", tapReply.ReactorID)

	var tunReply CreateTunnelReply
	require.NoError(t, client.Call("Server.CreateTunnel", CreateTunnelArgs{Device: "tun0", Local: "fd00::1", Remote: "fd00::2"}, &tunReply))
	require.Equal(t, "tun0", tunReply.ReactorID)

	require.Error(t, client.Call("Server.CreateTunnel", CreateTunnelArgs{Device: "tun0", Remote: "not-an-ip"}, &tunReply))

	var delReply DeleteReactorReply
	require.NoError(t, client.Call("Server.DeleteReactor", DeleteReactorArgs{ReactorID: "tun0"}, &delReply))
}
