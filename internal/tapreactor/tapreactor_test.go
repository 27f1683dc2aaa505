// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package tapreactor

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDestinationOfIPv4(t *testing.T) {
	pkt := make([]byte, 20)
	pkt[0] = 0x45
	copy(pkt[16:20], net.IPv4(203, 0, 113, 9).To4())

	dst, ok := destinationOf(pkt)
	require.True(t, ok)
	require.True(t, dst.Equal(net.IPv4(203, 0, 113, 9)))
}

func TestDestinationOfIPv6(t *testing.T) {
	pkt := make([]byte, 40)
	pkt[0] = 0x60
	want := net.ParseIP("2001:db8::9")
	copy(pkt[24:40], want.To16())

	dst, ok := destinationOf(pkt)
	require.True(t, ok)
	require.True(t, dst.Equal(want))
}

func TestDestinationOfRejectsTruncatedOrUnknownVersion(t *testing.T) {
	_, ok := destinationOf([]byte{0x45, 0x00})
	require.False(t, ok)

	_, ok = destinationOf([]byte{0x00})
	require.False(t, ok)
}

func TestSynthesizeEthernetPicksEtherTypeFromIPVersion(t *testing.T) {
	dstMAC := net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	srcMAC := net.HardwareAddr{0x02, 0, 0, 0, 0, 2}

	v4 := make([]byte, 20)
	v4[0] = 0x45
	frame := synthesizeEthernet(dstMAC, srcMAC, v4)
	require.Equal(t, dstMAC, net.HardwareAddr(frame[0:6]))
	require.Equal(t, srcMAC, net.HardwareAddr(frame[6:12]))
	require.Equal(t, uint16(etherTypeIPv4), uint16(frame[12])<<8|uint16(frame[13]))

	v6 := make([]byte, 40)
	v6[0] = 0x60
	frame = synthesizeEthernet(dstMAC, srcMAC, v6)
	require.Equal(t, uint16(etherTypeIPv6), uint16(frame[12])<<8|uint16(frame[13]))
}

func TestWriteToPhysicalDropsShortFrame(t *testing.T) {
	r := &Reactor{}
	r.writeToPhysical([]byte{1, 2, 3})
	require.Equal(t, uint64(1), r.drops)
}

func TestWriteToPhysicalDropsWithoutConn(t *testing.T) {
	r := &Reactor{}
	frame := make([]byte, ethHeaderLen+4)
	r.writeToPhysical(frame)
	require.Equal(t, uint64(1), r.drops)
}

func TestOpenPhysicalRejectsUnknownInterface(t *testing.T) {
	_, err := openPhysical("netd-test-nonexistent0")
	require.Error(t, err)
}
