// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package netutil

import (
	"crypto/rand"
	"fmt"
	"net"
)

// ParseMAC parses a colon-separated MAC address string.
func ParseMAC(macStr string) (net.HardwareAddr, error) {
	return net.ParseMAC(macStr)
}

// FormatMAC renders a 6-byte MAC as a lowercase colon-separated string.
func FormatMAC(mac net.HardwareAddr) string {
	if len(mac) != 6 {
		return ""
	}
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}

// GenerateNICMAC generates a random locally-administered unicast MAC for a
// NIC that did not have one assigned. Used only when the control plane
// omits a MAC; deterministic derivation is reserved for the gateway MAC
// (see GatewayMAC), which must be reproducible from the network id alone.
func GenerateNICMAC() (net.HardwareAddr, error) {
	mac := make(net.HardwareAddr, 6)
	if _, err := rand.Read(mac); err != nil {
		return nil, err
	}
	mac[0] = (mac[0] | 0x02) & 0xFE // locally administered, unicast
	return mac, nil
}

// GatewayMAC derives the deterministic per-network gateway MAC:
//
//	gateway_mac(N) = 0x02 || id_bytes(N)[0..5]
//
// This is a pure byte-slice, not a hash, so the derivation is stable and
// traceable straight from the network id's bytes. The network id is treated
// as raw bytes (e.g. the first 5 bytes of a UUID); callers must pass the
// same byte representation every time.
func GatewayMAC(networkID []byte) net.HardwareAddr {
	mac := make(net.HardwareAddr, 6)
	mac[0] = 0x02
	n := copy(mac[1:], networkID)
	// Short ids are zero-padded; this keeps the function total rather than
	// panicking on unexpectedly short identifiers.
	for i := 1 + n; i < 6; i++ {
		mac[i] = 0
	}
	return mac
}
