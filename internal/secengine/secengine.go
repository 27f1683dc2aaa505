// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package secengine evaluates a NIC's attached security groups against a
// parsed packet, consulting conntrack first so reply traffic is allowed
// without a matching explicit rule. The matcher is a 5-tuple + CIDR +
// port-range evaluator with a "first match wins, default deny" shape.
package secengine

import (
	"net"

	"mvirt.io/netd/internal/conntrack"
	"mvirt.io/netd/internal/model"
)

// Verdict is the outcome of evaluating one packet.
type Verdict int

const (
	VerdictDrop Verdict = iota
	VerdictAllow
)

// Packet is the subset of a parsed frame the engine needs. SrcIP/DstIP are
// always the "on the wire" addresses; Direction tells the engine which
// side is the VM's so CIDR matching and conntrack key orientation are
// unambiguous.
type Packet struct {
	Direction model.Direction
	SrcIP     net.IP
	DstIP     net.IP
	SrcPort   uint16
	DstPort   uint16
	Protocol  uint8 // IANA protocol number
	IPVer     model.IPVersion

	// Related is set for an ICMP/ICMPv6 error packet whose embedded
	// datagram names another flow (e.g. destination-unreachable for a
	// UDP flow this NIC sent). When it names a flow already tracked,
	// the error is allowed and recorded as FlowRelated rather than
	// evaluated against the ruleset.
	Related *model.FiveTuple
}

func protocolMatches(rule model.Protocol, protocol uint8) bool {
	switch rule {
	case model.ProtocolAll:
		return true
	case model.ProtocolICMP:
		return protocol == conntrack.ProtoICMP
	case model.ProtocolTCP:
		return protocol == conntrack.ProtoTCP
	case model.ProtocolUDP:
		return protocol == conntrack.ProtoUDP
	case model.ProtocolICMPv6:
		return protocol == conntrack.ProtoICMPv6
	default:
		return false
	}
}

func ipVersionMatches(rule model.IPVersion, pkt model.IPVersion) bool {
	return rule == model.IPVersionBoth || rule == pkt
}

func portInRange(rule model.SecurityRule, port uint16) bool {
	if rule.PortStart == 0 && rule.PortEnd == 0 {
		return true // 0-0 = any
	}
	return port >= rule.PortStart && port <= rule.PortEnd
}

// ruleSideIP returns the address the rule's CIDR should be matched
// against: for egress, that's the destination (the VM is always the
// source); for ingress, that's the source (the VM is always the
// destination).
func ruleSideIP(pkt Packet) net.IP {
	if pkt.Direction == model.DirectionEgress {
		return pkt.DstIP
	}
	return pkt.SrcIP
}

// rulePort returns the port on the rule's side, matching ruleSideIP's
// side selection.
func rulePort(pkt Packet) uint16 {
	if pkt.Direction == model.DirectionEgress {
		return pkt.DstPort
	}
	return pkt.SrcPort
}

func ruleMatches(rule model.SecurityRule, pkt Packet) bool {
	if rule.Direction != pkt.Direction {
		return false
	}
	if !ipVersionMatches(rule.IPVer, pkt.IPVer) {
		return false
	}
	if !protocolMatches(rule.Protocol, pkt.Protocol) {
		return false
	}
	if rule.Protocol == model.ProtocolTCP || rule.Protocol == model.ProtocolUDP {
		if !portInRange(rule, rulePort(pkt)) {
			return false
		}
	}
	if rule.CIDR != nil && !rule.CIDR.Contains(ruleSideIP(pkt)) {
		return false
	}
	return true
}

// Evaluate decides a packet's fate for one NIC, given the union of rules
// across all of its attached security groups and its conntrack table.
//
// Order of operations:
//  1. Compute the conntrack key and consult the table; Established or
//     Related flows are allowed unconditionally (the reply-allow path).
//  2. Otherwise evaluate the ruleset; any match allows and, for egress,
//     creates a New conntrack entry.
//  3. Otherwise deny, and no conntrack entry is created (denied traffic
//     is never tracked).
func Evaluate(groups []model.SecurityGroup, ct *conntrack.Table, pkt Packet) Verdict {
	key := model.Key(pkt.SrcIP, pkt.DstIP, pkt.SrcPort, pkt.DstPort, pkt.Protocol, pkt.IPVer)

	if pkt.Direction == model.DirectionIngress {
		if entry, ok := ct.ObserveReply(key); ok {
			if entry.State == model.FlowEstablished || entry.State == model.FlowRelated {
				return VerdictAllow
			}
		}
	} else {
		if entry, ok := ct.Lookup(key); ok && (entry.State == model.FlowEstablished || entry.State == model.FlowRelated) {
			ct.Touch(key)
			return VerdictAllow
		}
	}

	if pkt.Related != nil {
		if _, ok := ct.Lookup(*pkt.Related); ok {
			ct.CreateRelated(key, *pkt.Related)
			return VerdictAllow
		}
		if _, ok := ct.Lookup(pkt.Related.Reverse()); ok {
			ct.CreateRelated(key, pkt.Related.Reverse())
			return VerdictAllow
		}
	}

	for _, g := range groups {
		for _, rule := range g.Rules {
			if ruleMatches(rule, pkt) {
				if pkt.Direction == model.DirectionEgress {
					if _, exists := ct.Lookup(key); !exists {
						ct.Create(key)
					}
				}
				return VerdictAllow
			}
		}
	}
	return VerdictDrop
}
