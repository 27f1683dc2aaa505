// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package tunnelreactor

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDestinationOfIPv6(t *testing.T) {
	pkt := make([]byte, 40)
	pkt[0] = 0x60
	want := net.ParseIP("2001:db8:1::42")
	copy(pkt[24:40], want.To16())

	dst, ok := destinationOf(pkt)
	require.True(t, ok)
	require.True(t, dst.Equal(want))
}

func TestDestinationOfRejectsShortPacket(t *testing.T) {
	_, ok := destinationOf([]byte{0x60, 0x00})
	require.False(t, ok)
}

func TestSynthesizeEthernetAlwaysIPv6(t *testing.T) {
	dstMAC := net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	srcMAC := net.HardwareAddr{0x02, 0, 0, 0, 0, 2}
	pkt := make([]byte, 40)
	pkt[0] = 0x60

	frame := synthesizeEthernet(dstMAC, srcMAC, pkt)
	require.Len(t, frame, ethHeaderLen+len(pkt))
	require.Equal(t, uint16(0x86DD), uint16(frame[12])<<8|uint16(frame[13]))
}
