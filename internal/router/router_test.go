// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package router

import (
	"net"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/require"

	"mvirt.io/netd/internal/clock"
	"mvirt.io/netd/internal/conntrack"
	"mvirt.io/netd/internal/model"
	"mvirt.io/netd/internal/registry"
	"mvirt.io/netd/internal/routetable"
	"mvirt.io/netd/internal/secengine"
)

func allowAllGroup() []model.SecurityGroup {
	return []model.SecurityGroup{{
		Rules: []model.SecurityRule{{
			Direction: model.DirectionEgress,
			IPVer:     model.IPVersionBoth,
			Protocol:  model.ProtocolAll,
		}},
	}}
}

func TestDecideDropsOnSecurityDeny(t *testing.T) {
	ct := conntrack.New(clock.NewMock(time.Unix(0, 0)))
	routes := routetable.New()
	_, dst := mustNet(t, "203.0.113.1/32")
	routes.Add(dst, model.RouteTarget{Kind: model.TargetInternetTap, ReactorID: "tap0"})

	dstIP := net.ParseIP("203.0.113.1")
	spkt := secengine.Packet{Direction: model.DirectionEgress, SrcIP: net.ParseIP("10.0.0.5"), DstIP: dstIP, IPVer: model.IPVersion4}
	target := Decide(nil, ct, routes, spkt, dstIP)
	require.Equal(t, model.Drop, target)
}

func TestDecideFallsThroughToRouteLookupWhenAllowed(t *testing.T) {
	ct := conntrack.New(clock.NewMock(time.Unix(0, 0)))
	routes := routetable.New()
	_, dst := mustNet(t, "203.0.113.1/32")
	routes.Add(dst, model.RouteTarget{Kind: model.TargetInternetTap, ReactorID: "tap0"})

	dstIP := net.ParseIP("203.0.113.1")
	spkt := secengine.Packet{Direction: model.DirectionEgress, SrcIP: net.ParseIP("10.0.0.5"), DstIP: dstIP, IPVer: model.IPVersion4}
	target := Decide(allowAllGroup(), ct, routes, spkt, dstIP)
	require.Equal(t, model.TargetInternetTap, target.Kind)
	require.Equal(t, model.ReactorID("tap0"), target.ReactorID)
}

func TestDeliverDropsSilentlyForDropTarget(t *testing.T) {
	reg := registry.New()
	err := Deliver(reg, model.Drop, "nic0", []byte("x"))
	require.NoError(t, err)
}

func TestDeliverReturnsUnreachableForUnknownReactor(t *testing.T) {
	reg := registry.New()
	err := Deliver(reg, model.RouteTarget{Kind: model.TargetLocalNic, ReactorID: "ghost"}, "nic0", []byte("x"))
	require.ErrorIs(t, err, ErrUnreachable)
}

func TestFromLayersExtractsRelatedFlowFromICMPError(t *testing.T) {
	vmIP := net.ParseIP("10.0.0.5").To4()
	remoteIP := net.ParseIP("203.0.113.9").To4()
	gatewayIP := net.ParseIP("198.51.100.1").To4()

	innerIP := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: vmIP, DstIP: remoteIP}
	innerUDP := &layers.UDP{SrcPort: 40000, DstPort: 53}
	innerUDP.SetNetworkLayerForChecksum(innerIP)
	innerBuf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(innerBuf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		innerIP, innerUDP, gopacket.Payload([]byte("q"))))

	outerIP := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolICMPv4, SrcIP: gatewayIP, DstIP: vmIP}
	icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeDestinationUnreachable, 3)}
	outerBuf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(outerBuf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		outerIP, icmp, gopacket.Payload(innerBuf.Bytes())))

	pkt := gopacket.NewPacket(outerBuf.Bytes(), layers.LayerTypeIPv4, gopacket.Default)
	spkt, dstIP, ok := FromLayers(pkt, model.DirectionIngress)
	require.True(t, ok)
	require.True(t, dstIP.Equal(vmIP))
	require.NotNil(t, spkt.Related)
	require.Equal(t, model.Key(vmIP, remoteIP, 40000, 53, conntrack.ProtoUDP, model.IPVersion4), *spkt.Related)
}

func TestDecideAllowsICMPErrorForEstablishedRelatedFlow(t *testing.T) {
	ct := conntrack.New(clock.NewMock(time.Unix(0, 0)))
	routes := routetable.New()
	vmIP := net.ParseIP("10.0.0.5")
	remoteIP := net.ParseIP("203.0.113.9")
	flow := model.Key(vmIP, remoteIP, 40000, 53, conntrack.ProtoUDP, model.IPVersion4)
	ct.Create(flow)

	_, dst := mustNet(t, "10.0.0.5/32")
	routes.Add(dst, model.RouteTarget{Kind: model.TargetLocalNic, ReactorID: "nic0"})

	spkt := secengine.Packet{
		Direction: model.DirectionIngress,
		SrcIP:     net.ParseIP("198.51.100.1"),
		DstIP:     vmIP,
		IPVer:     model.IPVersion4,
		Related:   &flow,
	}
	target := Decide(nil, ct, routes, spkt, vmIP)
	require.Equal(t, model.TargetLocalNic, target.Kind)
}

func mustNet(t *testing.T, cidr string) (net.IP, *net.IPNet) {
	t.Helper()
	ip, n, err := net.ParseCIDR(cidr)
	require.NoError(t, err)
	return ip, n
}
