// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package manager

import (
	"net"
	"time"

	"mvirt.io/netd/internal/model"
)

// ControlPlane is the request/response surface the control plane calls
// into. It's the Go-idiomatic boundary a wire adapter (gRPC, RPC over
// the vhost-user control socket, whatever transport a given deployment
// picks) translates onto; Manager satisfies it directly, so an adapter
// never reimplements validation or locking, only marshaling.
type ControlPlane interface {
	CreateNetwork(name string, ipv4CIDR, ipv6CIDR *net.IPNet, dns, ntp []net.IP, isPublic bool, leaseTTL time.Duration) (*model.Network, error)
	DeleteNetwork(id string) error

	CreateNIC(networkID string, mac net.HardwareAddr, secGroupIDs []string) (*model.NIC, error)
	DeleteNIC(id string) error
	PingNICAgent(nicID string) (string, error)

	CreateSecurityGroup(name, description string, rules []model.SecurityRule) (*model.SecurityGroup, error)
	DeleteSecurityGroup(id string) error

	CreateInternetTap(device string, physical bool) (model.ReactorID, error)
	CreateTunnel(device string, local, remote net.IP) (model.ReactorID, error)
	DeleteReactor(id model.ReactorID) error

	AddRoute(prefix *net.IPNet, target model.RouteTarget)
	RemoveRoute(prefix *net.IPNet, target model.RouteTarget)
	SetDefaultTable(target *model.RouteTarget)
}

var _ ControlPlane = (*Manager)(nil)
