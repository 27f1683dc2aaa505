// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package model

import (
	"fmt"
	"net"
)

// FlowState is the connection tracking state of a ConntrackEntry.
type FlowState int

const (
	FlowNew FlowState = iota
	FlowEstablished
	FlowRelated
)

func (s FlowState) String() string {
	switch s {
	case FlowEstablished:
		return "established"
	case FlowRelated:
		return "related"
	default:
		return "new"
	}
}

// FlowFlag is a bitmask of conntrack entry flags.
type FlowFlag uint8

const (
	FlagSeenReply FlowFlag = 1 << iota
	FlagAssured
)

// FiveTuple identifies a flow in the direction it was observed: Key keeps
// the endpoints as given and does not reorder them. The opposite
// direction is reached through Reverse, which conntrack.Table's
// ObserveReply and LookupEither try when the tuple itself is not found.
type FiveTuple struct {
	SrcAddr  netipAddr
	DstAddr  netipAddr
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8 // IANA protocol number: 6=TCP, 17=UDP, 1=ICMP, 58=ICMPv6
	IPVer    IPVersion
}

// netipAddr avoids pulling in net/netip just for a comparable 16-byte key;
// IPv4 addresses are stored in the last 4 bytes, matching net.IP's To16.
type netipAddr [16]byte

func addrKey(ip net.IP) netipAddr {
	var a netipAddr
	copy(a[:], ip.To16())
	return a
}

// Key builds the FiveTuple for a packet observed in the given direction.
func Key(srcIP, dstIP net.IP, srcPort, dstPort uint16, protocol uint8, ver IPVersion) FiveTuple {
	return FiveTuple{
		SrcAddr:  addrKey(srcIP),
		DstAddr:  addrKey(dstIP),
		SrcPort:  srcPort,
		DstPort:  dstPort,
		Protocol: protocol,
		IPVer:    ver,
	}
}

// Reverse returns the tuple for the opposite direction of the same flow.
func (t FiveTuple) Reverse() FiveTuple {
	return FiveTuple{
		SrcAddr:  t.DstAddr,
		DstAddr:  t.SrcAddr,
		SrcPort:  t.DstPort,
		DstPort:  t.SrcPort,
		Protocol: t.Protocol,
		IPVer:    t.IPVer,
	}
}

// SrcIP returns the tuple's source address as a net.IP, reversing the
// normalization addrKey applies. Used by callers (the fast-path map
// installer, logging) that need the address back out rather than just
// the comparable key.
func (t FiveTuple) SrcIP() net.IP { return t.SrcAddr.ip(t.IPVer) }

// DstIP returns the tuple's destination address as a net.IP.
func (t FiveTuple) DstIP() net.IP { return t.DstAddr.ip(t.IPVer) }

func (a netipAddr) ip(ver IPVersion) net.IP {
	if ver == IPVersion4 {
		return net.IP(a[12:16])
	}
	return net.IP(a[:])
}

// String is used only for debugging/logging; it is not on the hot path.
func (t FiveTuple) String() string {
	return fmt.Sprintf("%x:%d->%x:%d/%d", t.SrcAddr, t.SrcPort, t.DstAddr, t.DstPort, t.Protocol)
}

// ConntrackEntry is the value associated with a FiveTuple in the
// Conntrack Table.
type ConntrackEntry struct {
	State      FlowState
	Flags      FlowFlag
	LastSeenNs int64
	Packets    uint64
	// RelatedTo, when non-nil, links an ICMP error entry to the flow it
	// references (e.g. destination-unreachable for a UDP flow), extending
	// the three-state model without relaxing the allow-only default.
	RelatedTo *FiveTuple
}

// HasFlag reports whether f is set on the entry.
func (e *ConntrackEntry) HasFlag(f FlowFlag) bool { return e.Flags&f != 0 }

// SetFlag sets f on the entry.
func (e *ConntrackEntry) SetFlag(f FlowFlag) { e.Flags |= f }
