// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package protoresponder

import (
	"net"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/mdlayher/ndp"
)

const (
	defaultRouterLifetime  = 30 * time.Minute
	defaultReachableTime   = 0
	defaultRetransmitTimer = 0
	prefixValidLifetime    = 24 * time.Hour
	prefixPreferredLifetime = 12 * time.Hour
)

// respondRouterSolicitation answers a Router Solicitation with a Router
// Advertisement carrying an on-link, SLAAC-autonomous Prefix Information
// option for the network's /64 and an MTU option: the gateway is the only
// router the VM ever needs to discover.
func respondRouterSolicitation(nic NICView, netw NetworkView, in Inbound, ip6 *layers.IPv6) (*Frame, bool) {
	if netw.IPv6CIDR == nil {
		return nil, false
	}
	gwMAC := gatewayMACFor(netw)
	ones, _ := netw.IPv6CIDR.Mask.Size()

	ra := &ndp.RouterAdvertisement{
		CurrentHopLimit: 64,
		RouterLifetime:  defaultRouterLifetime,
		ReachableTime:   defaultReachableTime,
		RetransmitTimer: defaultRetransmitTimer,
		Options: []ndp.Option{
			&ndp.LinkLayerAddress{Direction: ndp.Source, Addr: gwMAC},
			&ndp.MTU{MTU: uint32(netw.mtu())},
			&ndp.PrefixInformation{
				PrefixLength:                   uint8(ones),
				OnLink:                         true,
				AutonomousAddressConfiguration: true,
				ValidLifetime:                  prefixValidLifetime,
				PreferredLifetime:              prefixPreferredLifetime,
				Prefix:                         netw.IPv6CIDR.IP,
			},
		},
	}
	return wrapNDP(ra, gwMAC, in.SrcMAC, GatewayIPv6, ip6.SrcIP)
}

// respondNeighborSolicitation answers an NS only when its target is the
// gateway's own address; NS for anything else (including DAD probes for
// guest-owned addresses) is none of the gateway's business and falls
// through silently.
func respondNeighborSolicitation(nic NICView, netw NetworkView, in Inbound, ip6 *layers.IPv6, pkt gopacket.Packet) (*Frame, bool) {
	msg, err := ndp.ParseMessage(icmpv6Bytes(pkt))
	if err != nil {
		return nil, false
	}
	ns, ok := msg.(*ndp.NeighborSolicitation)
	if !ok || !ns.TargetAddress.Equal(GatewayIPv6) {
		return nil, false
	}

	gwMAC := gatewayMACFor(netw)
	na := &ndp.NeighborAdvertisement{
		Router:        true,
		Solicited:     true,
		Override:      true,
		TargetAddress: GatewayIPv6,
		Options: []ndp.Option{
			&ndp.LinkLayerAddress{Direction: ndp.Target, Addr: gwMAC},
		},
	}
	return wrapNDP(na, gwMAC, in.SrcMAC, GatewayIPv6, ip6.SrcIP)
}

// icmpv6Bytes reassembles the raw ICMPv6 message (type, code, checksum,
// body) from a decoded packet, since mdlayher/ndp parses from the wire
// format rather than from gopacket's split layers.
func icmpv6Bytes(pkt gopacket.Packet) []byte {
	layer := pkt.Layer(layers.LayerTypeICMPv6)
	if layer == nil {
		return nil
	}
	// gopacket keeps only type, code and checksum in the ICMPv6 layer's
	// contents; the message body is its payload.
	return append(append([]byte(nil), layer.LayerContents()...), layer.LayerPayload()...)
}

func wrapNDP(msg ndp.Message, gwMAC net.HardwareAddr, dstMAC net.HardwareAddr, srcIP, dstIP net.IP) (*Frame, bool) {
	raw, err := ndp.MarshalMessage(msg)
	if err != nil || len(raw) < 4 {
		return nil, false
	}
	typ, code, body := raw[0], raw[1], raw[4:]

	icmp6 := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(typ, code)}
	ip6 := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolICMPv6,
		HopLimit:   255,
		SrcIP:      srcIP,
		DstIP:      dstIP,
	}
	icmp6.SetNetworkLayerForChecksum(ip6)
	eth := &layers.Ethernet{SrcMAC: gwMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv6}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip6, icmp6, gopacket.Payload(body)); err != nil {
		return nil, false
	}
	return &Frame{Ethernet: buf.Bytes()}, true
}
