// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package router implements the free-function router: the routing
// decision a reactor consults after the protocol responder and security
// engine have had their say. It is not a reactor and owns no state of its
// own; every call takes the route snapshot, registry, and conntrack table
// it needs to consult as arguments, so vnic, tapreactor, and tunnelreactor
// all drive the same decision tree without duplicating it three times.
package router

import (
	"net"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"mvirt.io/netd/internal/conntrack"
	flerrors "mvirt.io/netd/internal/errors"
	"mvirt.io/netd/internal/model"
	"mvirt.io/netd/internal/registry"
	"mvirt.io/netd/internal/routetable"
	"mvirt.io/netd/internal/secengine"
	"mvirt.io/netd/internal/sigchan"
)

// FromLayers extracts the 5-tuple secengine.Evaluate needs, plus the
// destination IP the route table is keyed on, from an already-parsed
// gopacket.Packet. ok is false when the packet carries neither an IPv4 nor
// an IPv6 layer (e.g. a bare ARP frame that reached here unhandled).
func FromLayers(pkt gopacket.Packet, dir model.Direction) (spkt secengine.Packet, dstIP net.IP, ok bool) {
	if ip4, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4); ok {
		sp := secengine.Packet{Direction: dir, SrcIP: ip4.SrcIP, DstIP: ip4.DstIP, Protocol: uint8(ip4.Protocol), IPVer: model.IPVersion4}
		fillPorts(pkt, &sp)
		sp.Related = relatedFlow(pkt)
		return sp, ip4.DstIP, true
	}
	if ip6, ok := pkt.Layer(layers.LayerTypeIPv6).(*layers.IPv6); ok {
		sp := secengine.Packet{Direction: dir, SrcIP: ip6.SrcIP, DstIP: ip6.DstIP, Protocol: uint8(ip6.NextHeader), IPVer: model.IPVersion6}
		fillPorts(pkt, &sp)
		sp.Related = relatedFlow(pkt)
		return sp, ip6.DstIP, true
	}
	return secengine.Packet{}, nil, false
}

func fillPorts(pkt gopacket.Packet, sp *secengine.Packet) {
	if tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP); ok {
		sp.SrcPort, sp.DstPort = uint16(tcp.SrcPort), uint16(tcp.DstPort)
	} else if udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP); ok {
		sp.SrcPort, sp.DstPort = uint16(udp.SrcPort), uint16(udp.DstPort)
	}
}

// icmpv4ErrorTypes are the ICMPv4 types that carry a copy of the
// triggering datagram: destination unreachable, time exceeded, and
// parameter problem.
var icmpv4ErrorTypes = map[uint8]bool{3: true, 11: true, 12: true}

// icmpv6ErrorTypes are the ICMPv6 error types with the same shape.
var icmpv6ErrorTypes = map[uint8]bool{1: true, 2: true, 3: true, 4: true}

// relatedFlow parses an ICMP/ICMPv6 error payload's embedded original
// datagram, if present, and returns the 5-tuple of the flow it names so
// the security engine can allow the error without a matching rule.
func relatedFlow(pkt gopacket.Packet) *model.FiveTuple {
	if icmp, ok := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4); ok {
		if icmpv4ErrorTypes[icmp.TypeCode.Type()] {
			return relatedFromEmbeddedIPv4(icmp.LayerPayload())
		}
		return nil
	}
	if icmp, ok := pkt.Layer(layers.LayerTypeICMPv6).(*layers.ICMPv6); ok {
		if icmpv6ErrorTypes[icmp.TypeCode.Type()] {
			return relatedFromEmbeddedIPv6(icmp.LayerPayload())
		}
	}
	return nil
}

func relatedFromEmbeddedIPv4(payload []byte) *model.FiveTuple {
	embedded := gopacket.NewPacket(payload, layers.LayerTypeIPv4, gopacket.NoCopy)
	ip4, ok := embedded.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		return nil
	}
	srcPort, dstPort := embeddedPorts(embedded)
	tuple := model.Key(ip4.SrcIP, ip4.DstIP, srcPort, dstPort, uint8(ip4.Protocol), model.IPVersion4)
	return &tuple
}

func relatedFromEmbeddedIPv6(payload []byte) *model.FiveTuple {
	embedded := gopacket.NewPacket(payload, layers.LayerTypeIPv6, gopacket.NoCopy)
	ip6, ok := embedded.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
	if !ok {
		return nil
	}
	srcPort, dstPort := embeddedPorts(embedded)
	tuple := model.Key(ip6.SrcIP, ip6.DstIP, srcPort, dstPort, uint8(ip6.NextHeader), model.IPVersion6)
	return &tuple
}

func embeddedPorts(pkt gopacket.Packet) (srcPort, dstPort uint16) {
	if tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP); ok {
		return uint16(tcp.SrcPort), uint16(tcp.DstPort)
	}
	if udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP); ok {
		return uint16(udp.SrcPort), uint16(udp.DstPort)
	}
	return 0, 0
}

// Decide evaluates the security engine and, if it allows the packet, looks
// up dstIP in the route snapshot. It returns model.Drop for both a security
// deny and an explicit Drop route entry: callers never need to special-case
// the two.
func Decide(groups []model.SecurityGroup, ct *conntrack.Table, routes *routetable.Table, spkt secengine.Packet, dstIP net.IP) model.RouteTarget {
	if secengine.Evaluate(groups, ct, spkt) != secengine.VerdictAllow {
		return model.Drop
	}
	return routes.Lookup(dstIP)
}

// ErrUnreachable is returned by Deliver when the target reactor is not (or
// no longer) present in the registry, e.g. a route pointing at a NIC whose
// reactor has already gone through delete_nic.
var ErrUnreachable = flerrors.New(flerrors.KindNotFound, "router: target reactor not registered")

// Deliver sends buf to the reactor identified by target, per spec §4.8's
// deliver(buffer, hdr, RouteTarget, registry). It never blocks: sigchan
// Outbox.Send appends to the target's queue, which has no capacity limit,
// and fails only once the target's inbox is closed. Nothing is dropped
// for being full, so a slow or stuck peer's queue keeps growing.
func Deliver(reg *registry.Registry, target model.RouteTarget, from model.ReactorID, buf []byte) error {
	if target.Kind == model.TargetDrop {
		return nil
	}
	out, ok := reg.Lookup(target.ReactorID)
	if !ok {
		return ErrUnreachable
	}
	return out.Send(sigchan.Msg{Kind: sigchan.KindBuffer, Buffer: buf, From: from})
}
