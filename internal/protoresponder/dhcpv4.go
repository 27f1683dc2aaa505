// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package protoresponder

import (
	"bytes"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// respondDHCPv4 implements a fixed-reservation model: there is no address
// pool to allocate from, every NIC already has its IPv4 fixed at creation
// time, so DISCOVER/REQUEST only ever offer or confirm that one address. A
// REQUEST for any other address is NAKed.
func respondDHCPv4(nic NICView, netw NetworkView, in Inbound, payload []byte) (*Frame, bool) {
	if nic.IPv4 == nil {
		return nil, false
	}

	req, err := dhcpv4.FromBytes(payload)
	if err != nil {
		return nil, false
	}
	if !bytes.Equal(req.ClientHWAddr, nic.MAC) {
		return nil, false
	}

	switch req.MessageType() {
	case dhcpv4.MessageTypeDiscover:
		return buildDHCPv4Reply(nic, netw, in, req, dhcpv4.MessageTypeOffer)
	case dhcpv4.MessageTypeRequest:
		if requested := req.RequestedIPAddress(); requested != nil && !requested.IsUnspecified() {
			if !requested.Equal(nic.IPv4) {
				return buildDHCPv4NAK(nic, netw, in, req)
			}
		}
		return buildDHCPv4Reply(nic, netw, in, req, dhcpv4.MessageTypeAck)
	case dhcpv4.MessageTypeRelease:
		return nil, false // nothing to release from a reservation; acknowledge nothing
	default:
		return nil, false
	}
}

func buildDHCPv4Reply(nic NICView, netw NetworkView, in Inbound, req *dhcpv4.DHCPv4, msgType dhcpv4.MessageType) (*Frame, bool) {
	reply, err := dhcpv4.NewReplyFromRequest(req)
	if err != nil {
		return nil, false
	}
	reply.OpCode = dhcpv4.OpcodeBootReply
	reply.YourIPAddr = nic.IPv4
	reply.ServerIPAddr = GatewayIPv4
	reply.UpdateOption(dhcpv4.OptMessageType(msgType))
	reply.UpdateOption(dhcpv4.OptServerIdentifier(GatewayIPv4))
	reply.UpdateOption(dhcpv4.OptSubnetMask(maskOf(netw)))
	reply.UpdateOption(dhcpv4.OptRouter(GatewayIPv4))
	if len(netw.DNS) > 0 {
		reply.UpdateOption(dhcpv4.OptDNS(netw.DNS...))
	}
	if len(netw.NTP) > 0 {
		reply.UpdateOption(dhcpv4.OptNTPServers(netw.NTP...))
	}
	reply.UpdateOption(dhcpv4.OptIPAddressLeaseTime(netw.leaseTTL()))

	return wrapDHCPv4(nic, netw, in, reply)
}

func buildDHCPv4NAK(nic NICView, netw NetworkView, in Inbound, req *dhcpv4.DHCPv4) (*Frame, bool) {
	reply, err := dhcpv4.NewReplyFromRequest(req)
	if err != nil {
		return nil, false
	}
	reply.OpCode = dhcpv4.OpcodeBootReply
	reply.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeNak))
	reply.UpdateOption(dhcpv4.OptServerIdentifier(GatewayIPv4))
	return wrapDHCPv4(nic, netw, in, reply)
}

func wrapDHCPv4(nic NICView, netw NetworkView, in Inbound, reply *dhcpv4.DHCPv4) (*Frame, bool) {
	gwMAC := gatewayMACFor(netw)

	udp := &layers.UDP{SrcPort: 67, DstPort: 68}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    GatewayIPv4,
		DstIP:    broadcastOrClient(reply),
	}
	eth := &layers.Ethernet{
		SrcMAC:       gwMAC,
		DstMAC:       dstMACFor(in, reply),
		EthernetType: layers.EthernetTypeIPv4,
	}
	udp.SetNetworkLayerForChecksum(ip)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(reply.ToBytes())); err != nil {
		return nil, false
	}
	return &Frame{Ethernet: buf.Bytes()}, true
}

func broadcastOrClient(reply *dhcpv4.DHCPv4) []byte {
	if reply.YourIPAddr != nil && !reply.YourIPAddr.IsUnspecified() {
		return reply.YourIPAddr
	}
	return []byte{255, 255, 255, 255}
}

func dstMACFor(in Inbound, reply *dhcpv4.DHCPv4) []byte {
	if len(reply.ClientHWAddr) == 6 {
		return reply.ClientHWAddr
	}
	return in.SrcMAC
}

func maskOf(netw NetworkView) []byte {
	if netw.IPv4CIDR == nil {
		return net4Mask(24)
	}
	return netw.IPv4CIDR.Mask
}

func net4Mask(ones int) []byte {
	m := make([]byte, 4)
	for i := 0; i < ones; i++ {
		m[i/8] |= 1 << uint(7-i%8)
	}
	return m
}
