// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package netutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGatewayMACIsPureFunctionOfNetworkID(t *testing.T) {
	id := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x01}
	mac1 := GatewayMAC(id)
	mac2 := GatewayMAC(id)
	require.Equal(t, mac1, mac2)
	require.Equal(t, "02:aa:bb:cc:dd:ee", FormatMAC(mac1))
}

func TestGatewayMACLocallyAdministeredBit(t *testing.T) {
	mac := GatewayMAC([]byte{1, 2, 3, 4, 5})
	require.Equal(t, byte(0x02), mac[0])
}

func TestGatewayMACShortIDIsZeroPadded(t *testing.T) {
	mac := GatewayMAC([]byte{0x11})
	require.Equal(t, "02:11:00:00:00:00", FormatMAC(mac))
}

func TestFormatMACRejectsWrongLength(t *testing.T) {
	require.Equal(t, "", FormatMAC([]byte{1, 2, 3}))
}
