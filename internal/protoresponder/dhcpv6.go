// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package protoresponder

import (
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/insomniacslk/dhcp/iana"
)

// respondDHCPv6 mirrors respondDHCPv4's reservation model for IA_NA, and
// additionally grants the NIC's delegated /64 (if any) via IA_PD for
// downstream-routed subnets.
func respondDHCPv6(nic NICView, netw NetworkView, in Inbound, ip6 *layers.IPv6, payload []byte) (*Frame, bool) {
	if nic.IPv6 == nil {
		return nil, false
	}
	req, err := dhcpv6.FromBytes(payload)
	if err != nil {
		return nil, false
	}
	msg, err := req.GetInnerMessage()
	if err != nil {
		return nil, false
	}

	var replyType dhcpv6.MessageType
	switch msg.Type() {
	case dhcpv6.MessageTypeSolicit:
		replyType = dhcpv6.MessageTypeAdvertise
	case dhcpv6.MessageTypeRequest, dhcpv6.MessageTypeRenew, dhcpv6.MessageTypeRebind:
		replyType = dhcpv6.MessageTypeReply
	default:
		return nil, false
	}

	reply, err := dhcpv6.NewMessage()
	if err != nil {
		return nil, false
	}
	reply.MessageType = replyType
	reply.TransactionID = msg.TransactionID

	reply.AddOption(dhcpv6.OptServerID(serverDUID(netw)))
	if cid := msg.GetOneOption(dhcpv6.OptionClientID); cid != nil {
		reply.AddOption(cid)
	}

	if iaNA := msg.Options.OneIANA(); iaNA != nil {
		addr := &dhcpv6.OptIAAddress{
			IPv6Addr:          nic.IPv6,
			PreferredLifetime: netw.leaseTTL(),
			ValidLifetime:     netw.leaseTTL() * 2,
		}
		respIANA := &dhcpv6.OptIANA{IaId: iaNA.IaId}
		respIANA.Options.Add(addr)
		reply.AddOption(respIANA)
	}

	if iaPD := msg.Options.OneIAPD(); iaPD != nil && nic.DelegatedIPv6 != nil {
		ones, _ := nic.DelegatedIPv6.Mask.Size()
		prefix := &dhcpv6.OptIAPrefix{
			Prefix:            nic.DelegatedIPv6,
			PreferredLifetime: netw.leaseTTL(),
			ValidLifetime:     netw.leaseTTL() * 2,
		}
		_ = ones
		respIAPD := &dhcpv6.OptIAPD{IaId: iaPD.IaId}
		respIAPD.Options.Add(prefix)
		reply.AddOption(respIAPD)
	}

	if len(netw.DNS) > 0 {
		reply.AddOption(dhcpv6.OptDNS(netw.DNS...))
	}

	return wrapDHCPv6(nic, netw, in, ip6, reply)
}

func serverDUID(netw NetworkView) *dhcpv6.DUID {
	mac := gatewayMACFor(netw)
	return &dhcpv6.DUID{
		Type:          dhcpv6.DUID_LL,
		HwType:        iana.HWTypeEthernet,
		LinkLayerAddr: mac,
	}
}

func wrapDHCPv6(nic NICView, netw NetworkView, in Inbound, ip6 *layers.IPv6, reply dhcpv6.DHCPv6) (*Frame, bool) {
	gwMAC := gatewayMACFor(netw)

	udp := &layers.UDP{SrcPort: 547, DstPort: 546}
	replyIP := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolUDP,
		HopLimit:   64,
		SrcIP:      GatewayIPv6,
		DstIP:      ip6.SrcIP,
	}
	udp.SetNetworkLayerForChecksum(replyIP)
	eth := &layers.Ethernet{SrcMAC: gwMAC, DstMAC: in.SrcMAC, EthernetType: layers.EthernetTypeIPv6}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, replyIP, udp, gopacket.Payload(reply.ToBytes())); err != nil {
		return nil, false
	}
	return &Frame{Ethernet: buf.Bytes()}, true
}
