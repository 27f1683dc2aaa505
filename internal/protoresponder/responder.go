// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package protoresponder implements the link-local protocols a real
// gateway and DHCP/DNS infrastructure would otherwise provide: ARP, NDPv6
// (RS/RA, NS/NA), DHCPv4, DHCPv6 (including prefix delegation), and ICMPv6
// echo to the gateway. Respond is a pure function of (NIC view, network
// view, inbound frame): it returns at most one outbound frame and never
// mutates anything. Any state a protocol needs across calls (DHCP
// renewal timers, NDP neighbor cache, duplicate-address detection) is the
// owning vNIC reactor's responsibility, not this package's.
package protoresponder

import (
	"net"
	"time"

	"github.com/gopacket/gopacket/layers"

	"mvirt.io/netd/internal/model"
)

// GatewayIPv4 is the canonical link-local gateway address every network
// answers ARP and DHCP for. The subnet-based gateway (e.g. 10.0.0.1) is
// deprecated; this package refuses to answer ARP for anything but this
// address (or an explicit extra per-NIC IP).
var GatewayIPv4 = net.IPv4(169, 254, 0, 1).To4()

// GatewayIPv6 is the canonical link-local gateway address for NDP/ICMPv6.
var GatewayIPv6 = net.ParseIP("fe80::1")

// DefaultLeaseDuration is used when a Network does not configure one.
const DefaultLeaseDuration = 1 * time.Hour

// NICView is the read-only view of the receiving NIC the responder
// consults. It deliberately exposes no mutation methods.
type NICView struct {
	ID            string
	MAC           net.HardwareAddr
	IPv4          net.IP
	IPv6          net.IP
	DelegatedIPv6 *net.IPNet
	ExtraIPv4     []net.IP // additional per-NIC IPs the gateway also answers ARP for
}

// NetworkView is the read-only view of the NIC's network.
type NetworkView struct {
	ID         string // raw id bytes, used for GatewayMAC derivation
	IPv4CIDR   *net.IPNet
	IPv6CIDR   *net.IPNet // must be a /64 if set
	DNS        []net.IP
	NTP        []net.IP
	LeaseTTL   time.Duration
	MTU        int
}

func (n NetworkView) leaseTTL() time.Duration {
	if n.LeaseTTL > 0 {
		return n.LeaseTTL
	}
	return DefaultLeaseDuration
}

func (n NetworkView) mtu() int {
	if n.MTU > 0 {
		return n.MTU
	}
	return 1500
}

// Frame is an outbound Ethernet frame ready to enqueue on the NIC's RX
// vring. It holds the Ethernet bytes only; the virtio-net header is not
// part of it and is prefixed by the caller.
type Frame struct {
	Ethernet []byte
}

// VirtioHeaderForReply is the fixed 12-byte zeroed header every protocol
// reply is prefixed with.
var VirtioHeaderForReply = make([]byte, 12)

// Inbound is the fully-parsed request the caller hands to Respond.
type Inbound struct {
	SrcMAC   net.HardwareAddr
	DstMAC   net.HardwareAddr
	EtherType layers.EthernetType
	Payload  []byte // the bytes after the Ethernet header
}

// Respond dispatches an inbound frame to the matching protocol handler. It
// returns (nil, false) when no protocol in this package claims the frame,
// signaling the caller (the vNIC reactor) to fall through to routing.
func Respond(nic NICView, netw NetworkView, in Inbound) (*Frame, bool) {
	switch in.EtherType {
	case layers.EthernetTypeARP:
		return respondARP(nic, netw, in)
	case layers.EthernetTypeIPv4:
		return respondIPv4(nic, netw, in)
	case layers.EthernetTypeIPv6:
		return respondIPv6(nic, netw, in)
	default:
		return nil, false
	}
}

func gatewayMACFor(netw NetworkView) net.HardwareAddr {
	return deterministicGatewayMAC([]byte(netw.ID))
}

// deterministicGatewayMAC is redefined here (rather than importing
// internal/netutil) to keep this package import-cycle free from the
// manager; the two implementations must stay byte-identical. Only
// internal/netutil/mac_test.go covers GatewayMAC's output; no test
// compares the two functions.
func deterministicGatewayMAC(networkID []byte) net.HardwareAddr {
	mac := make(net.HardwareAddr, 6)
	mac[0] = 0x02
	n := copy(mac[1:], networkID)
	for i := 1 + n; i < 6; i++ {
		mac[i] = 0
	}
	return mac
}

func matchesNICv4(nic NICView, ip net.IP) bool {
	if nic.IPv4 != nil && nic.IPv4.Equal(ip) {
		return true
	}
	for _, extra := range nic.ExtraIPv4 {
		if extra.Equal(ip) {
			return true
		}
	}
	return false
}

// ipVersionOf reports the IPVersion model tag for an address.
func ipVersionOf(ip net.IP) model.IPVersion {
	if ip.To4() != nil {
		return model.IPVersion4
	}
	return model.IPVersion6
}
