// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package manager

import (
	"net"

	"mvirt.io/netd/internal/netutil"
)

// EthernetFor implements tapreactor.Resolver and tunnelreactor.Resolver:
// given a destination address the router has already decided belongs to
// a locally attached NIC, it returns that NIC's MAC as the frame's
// destination and the owning network's synthesized gateway MAC as its
// source. ok is false when dst isn't a locally attached NIC's address,
// which the caller treats as "nothing to deliver to."
func (m *Manager) EthernetFor(dst net.IP) (dstMAC, srcMAC net.HardwareAddr, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, nic := range m.nics {
		if nic.IPv4 != nil && nic.IPv4.Equal(dst) {
			return nic.MAC, netutil.GatewayMAC([]byte(nic.NetworkID)), true
		}
		if nic.IPv6 != nil && nic.IPv6.Equal(dst) {
			return nic.MAC, netutil.GatewayMAC([]byte(nic.NetworkID)), true
		}
		for _, rp := range nic.RoutedIPv4 {
			if rp.Prefix != nil && rp.Prefix.Contains(dst) {
				return nic.MAC, netutil.GatewayMAC([]byte(nic.NetworkID)), true
			}
		}
		for _, rp := range nic.RoutedIPv6 {
			if rp.Prefix != nil && rp.Prefix.Contains(dst) {
				return nic.MAC, netutil.GatewayMAC([]byte(nic.NetworkID)), true
			}
		}
	}
	return nil, nil, false
}
