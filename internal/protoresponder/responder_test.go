// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package protoresponder

import (
	"net"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/require"

	"mvirt.io/netd/internal/model"
)

var (
	testGuestMAC = net.HardwareAddr{0x52, 0x54, 0x00, 0x00, 0x00, 0x01}
	testNICIPv4  = net.IPv4(10, 50, 0, 10).To4()
)

func testNIC() NICView {
	return NICView{ID: "nic-1", MAC: testGuestMAC, IPv4: testNICIPv4}
}

func testNetwork() NetworkView {
	_, cidr, _ := net.ParseCIDR("10.50.0.0/24")
	return NetworkView{ID: "net-1", IPv4CIDR: cidr}
}

func etherType(payload []byte, et layers.EthernetType) Inbound {
	return Inbound{SrcMAC: testGuestMAC, DstMAC: net.HardwareAddr{0x02, 0, 0, 0, 0, 0}, EtherType: et, Payload: payload}
}

// S2: ARP requests for the gateway are answered with the deterministic
// gateway MAC; requests for any other address are ignored.
func TestARPRespondsOnlyForGateway(t *testing.T) {
	nic, netw := testNIC(), testNetwork()

	arpReq := &layers.ARP{
		AddrType: layers.LinkTypeEthernet, Protocol: layers.EthernetTypeIPv4,
		HwAddressSize: 6, ProtAddressSize: 4, Operation: layers.ARPRequest,
		SourceHwAddress: testGuestMAC, SourceProtAddress: testNICIPv4,
		DstHwAddress: make(net.HardwareAddr, 6), DstProtAddress: GatewayIPv4,
	}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, arpReq))

	frame, ok := Respond(nic, netw, etherType(buf.Bytes(), layers.EthernetTypeARP))
	require.True(t, ok)
	require.NotNil(t, frame)

	pkt := gopacket.NewPacket(frame.Ethernet, layers.LayerTypeEthernet, gopacket.NoCopy)
	reply, ok := pkt.Layer(layers.LayerTypeARP).(*layers.ARP)
	require.True(t, ok)
	require.Equal(t, uint16(layers.ARPReply), reply.Operation)
	require.Equal(t, net.HardwareAddr(reply.SourceHwAddress), gatewayMACFor(netw))

	// Request for a non-gateway, non-NIC address: ignored.
	arpReq2 := &layers.ARP{
		AddrType: layers.LinkTypeEthernet, Protocol: layers.EthernetTypeIPv4,
		HwAddressSize: 6, ProtAddressSize: 4, Operation: layers.ARPRequest,
		SourceHwAddress: testGuestMAC, SourceProtAddress: testNICIPv4,
		DstHwAddress: make(net.HardwareAddr, 6), DstProtAddress: net.IPv4(10, 50, 0, 99).To4(),
	}
	buf2 := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf2, gopacket.SerializeOptions{FixLengths: true}, arpReq2))
	_, ok = Respond(nic, netw, etherType(buf2.Bytes(), layers.EthernetTypeARP))
	require.False(t, ok)
}

// S3: ICMP echo to the gateway is answered; echo to any other address
// (e.g. a subnet address the old design would have used) falls through.
func TestICMPv4EchoOnlyToGateway(t *testing.T) {
	nic, netw := testNIC(), testNetwork()

	buildEcho := func(dst net.IP) []byte {
		ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolICMPv4, SrcIP: testNICIPv4, DstIP: dst}
		icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0), Id: 7, Seq: 1}
		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, icmp, gopacket.Payload([]byte("ping"))))
		return buf.Bytes()
	}

	frame, ok := Respond(nic, netw, etherType(buildEcho(GatewayIPv4), layers.EthernetTypeIPv4))
	require.True(t, ok)
	pkt := gopacket.NewPacket(frame.Ethernet, layers.LayerTypeEthernet, gopacket.NoCopy)
	echoReply, ok := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	require.True(t, ok)
	require.Equal(t, uint8(layers.ICMPv4TypeEchoReply), echoReply.TypeCode.Type())
	require.Equal(t, uint16(7), echoReply.Id)

	_, ok = Respond(nic, netw, etherType(buildEcho(net.IPv4(10, 50, 0, 1).To4()), layers.EthernetTypeIPv4))
	require.False(t, ok, "echo to a deprecated subnet-based gateway address must not be answered")
}

// S1: a DHCPv4 DISCOVER for the NIC's reserved address is answered with
// an OFFER carrying that exact address, never a pool allocation.
func TestDHCPv4DiscoverOffersReservedAddress(t *testing.T) {
	nic, netw := testNIC(), testNetwork()

	discover, err := dhcpv4.NewDiscovery(testGuestMAC)
	require.NoError(t, err)

	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: net.IPv4zero, DstIP: net.IPv4bcast}
	udp := &layers.UDP{SrcPort: 68, DstPort: 67}
	udp.SetNetworkLayerForChecksum(ip)
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(discover.ToBytes())))

	frame, ok := Respond(nic, netw, etherType(buf.Bytes(), layers.EthernetTypeIPv4))
	require.True(t, ok)

	pkt := gopacket.NewPacket(frame.Ethernet, layers.LayerTypeEthernet, gopacket.NoCopy)
	udpLayer, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	require.True(t, ok)
	offer, err := dhcpv4.FromBytes(udpLayer.Payload)
	require.NoError(t, err)
	require.Equal(t, dhcpv4.MessageTypeOffer, offer.MessageType())
	require.True(t, offer.YourIPAddr.Equal(testNICIPv4))
}

func TestIPVersionOfDistinguishesFamilies(t *testing.T) {
	require.Equal(t, model.IPVersion4, ipVersionOf(net.IPv4(1, 2, 3, 4)))
	require.Equal(t, model.IPVersion6, ipVersionOf(net.ParseIP("fe80::1")))
}
