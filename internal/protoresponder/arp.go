// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package protoresponder

import (
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// respondARP answers an ARP Request for the gateway (or an extra
// configured per-NIC IP) with the deterministic gateway MAC. Every other
// ARP traffic — requests for anything else, and all replies — is ignored:
// trust nothing from the guest for address resolution.
func respondARP(nic NICView, netw NetworkView, in Inbound) (*Frame, bool) {
	pkt := gopacket.NewPacket(in.Payload, layers.LayerTypeARP, gopacket.NoCopy)
	arpLayer := pkt.Layer(layers.LayerTypeARP)
	if arpLayer == nil {
		return nil, false
	}
	req, ok := arpLayer.(*layers.ARP)
	if !ok || req.Operation != layers.ARPRequest {
		return nil, false
	}
	if req.AddrType != layers.LinkTypeEthernet || req.Protocol != layers.EthernetTypeIPv4 {
		return nil, false
	}

	target := req.DstProtAddress
	answer := targetIsGateway(target)
	for _, extra := range nic.ExtraIPv4 {
		answer = answer || extra.Equal(target)
	}
	if !answer {
		return nil, false
	}

	gwMAC := gatewayMACFor(netw)

	reply := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   []byte(gwMAC),
		SourceProtAddress: target,
		DstHwAddress:      []byte(req.SourceHwAddress),
		DstProtAddress:    req.SourceProtAddress,
	}
	eth := &layers.Ethernet{
		SrcMAC:       gwMAC,
		DstMAC:       in.SrcMAC,
		EthernetType: layers.EthernetTypeARP,
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, reply); err != nil {
		return nil, false
	}
	return &Frame{Ethernet: buf.Bytes()}, true
}

func targetIsGateway(ip []byte) bool {
	return len(ip) == 4 && ip[0] == 169 && ip[1] == 254 && ip[2] == 0 && ip[3] == 1
}
