// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package protoresponder

import (
	"net"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// respondIPv4 dispatches IPv4 traffic addressed to the gateway: DHCPv4
// (UDP/67, also accepted at the limited broadcast address a client
// without a lease sends to) and ICMP echo (gateway only). Everything else,
// including traffic not addressed to the gateway at all, falls through to
// routing.
func respondIPv4(nic NICView, netw NetworkView, in Inbound) (*Frame, bool) {
	pkt := gopacket.NewPacket(in.Payload, layers.LayerTypeIPv4, gopacket.NoCopy)
	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return nil, false
	}
	ip4, ok := ipLayer.(*layers.IPv4)
	if !ok {
		return nil, false
	}
	toGateway := ip4.DstIP.Equal(GatewayIPv4)
	if !toGateway && !ip4.DstIP.Equal(net.IPv4bcast) {
		return nil, false
	}

	switch ip4.Protocol {
	case layers.IPProtocolICMPv4:
		if !toGateway {
			return nil, false
		}
		return respondICMPv4Echo(nic, netw, in, ip4, pkt)
	case layers.IPProtocolUDP:
		udpLayer := pkt.Layer(layers.LayerTypeUDP)
		udp, ok := udpLayer.(*layers.UDP)
		if !ok {
			return nil, false
		}
		if udp.DstPort == 67 {
			return respondDHCPv4(nic, netw, in, udp.Payload)
		}
		return nil, false
	default:
		return nil, false
	}
}

func respondICMPv4Echo(nic NICView, netw NetworkView, in Inbound, ip4 *layers.IPv4, pkt gopacket.Packet) (*Frame, bool) {
	icmpLayer := pkt.Layer(layers.LayerTypeICMPv4)
	echo, ok := icmpLayer.(*layers.ICMPv4)
	if !ok {
		return nil, false
	}
	if echo.TypeCode.Type() != layers.ICMPv4TypeEchoRequest {
		return nil, false
	}

	gwMAC := gatewayMACFor(netw)

	reply := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0),
		Id:       echo.Id,
		Seq:      echo.Seq,
	}
	replyIP := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    GatewayIPv4,
		DstIP:    ip4.SrcIP,
	}
	eth := &layers.Ethernet{
		SrcMAC:       gwMAC,
		DstMAC:       in.SrcMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, replyIP, reply, gopacket.Payload(echo.Payload)); err != nil {
		return nil, false
	}
	return &Frame{Ethernet: buf.Bytes()}, true
}
