// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package protoresponder

import (
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// respondIPv6 dispatches IPv6 traffic to NDP (RS/NS), ICMPv6 echo, and
// DHCPv6 (UDP/547). Only echo is filtered on the destination address (it
// must be the gateway's link-local address); RS and DHCPv6 are answered
// whatever their destination, and NS only when its target is the gateway.
// Everything else falls through to routing.
func respondIPv6(nic NICView, netw NetworkView, in Inbound) (*Frame, bool) {
	pkt := gopacket.NewPacket(in.Payload, layers.LayerTypeIPv6, gopacket.NoCopy)
	ipLayer := pkt.Layer(layers.LayerTypeIPv6)
	ip6, ok := ipLayer.(*layers.IPv6)
	if !ok {
		return nil, false
	}

	switch ip6.NextHeader {
	case layers.IPProtocolICMPv6:
		icmpLayer := pkt.Layer(layers.LayerTypeICMPv6)
		icmp6, ok := icmpLayer.(*layers.ICMPv6)
		if !ok {
			return nil, false
		}
		switch icmp6.TypeCode.Type() {
		case layers.ICMPv6TypeRouterSolicitation:
			return respondRouterSolicitation(nic, netw, in, ip6)
		case layers.ICMPv6TypeNeighborSolicitation:
			return respondNeighborSolicitation(nic, netw, in, ip6, pkt)
		case layers.ICMPv6TypeEchoRequest:
			return respondICMPv6Echo(nic, netw, in, ip6, pkt)
		default:
			return nil, false
		}
	case layers.IPProtocolUDP:
		udpLayer := pkt.Layer(layers.LayerTypeUDP)
		udp, ok := udpLayer.(*layers.UDP)
		if !ok {
			return nil, false
		}
		if udp.DstPort == 547 {
			return respondDHCPv6(nic, netw, in, ip6, udp.Payload)
		}
		return nil, false
	default:
		return nil, false
	}
}

func respondICMPv6Echo(nic NICView, netw NetworkView, in Inbound, ip6 *layers.IPv6, pkt gopacket.Packet) (*Frame, bool) {
	if !ip6.DstIP.Equal(GatewayIPv6) {
		return nil, false
	}
	icmpLayer := pkt.Layer(layers.LayerTypeICMPv6Echo)
	echo, ok := icmpLayer.(*layers.ICMPv6Echo)
	if !ok {
		return nil, false
	}
	icmp6, ok := pkt.Layer(layers.LayerTypeICMPv6).(*layers.ICMPv6)
	if !ok {
		return nil, false
	}

	gwMAC := gatewayMACFor(netw)

	replyEcho := &layers.ICMPv6Echo{Identifier: echo.Identifier, SeqNumber: echo.SeqNumber}
	replyICMP := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeEchoReply, 0)}
	replyIP := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolICMPv6,
		HopLimit:   255,
		SrcIP:      GatewayIPv6,
		DstIP:      ip6.SrcIP,
	}
	replyICMP.SetNetworkLayerForChecksum(replyIP)
	eth := &layers.Ethernet{SrcMAC: gwMAC, DstMAC: in.SrcMAC, EthernetType: layers.EthernetTypeIPv6}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, replyIP, replyICMP, replyEcho, gopacket.Payload(icmp6.Payload)); err != nil {
		return nil, false
	}
	return &Frame{Ethernet: buf.Bytes()}, true
}
