// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package manager

import (
	"encoding/binary"
	"net"

	flerrors "mvirt.io/netd/internal/errors"
)

// nextFreeIPv4 returns the lowest host address in cidr not present in
// used, skipping the network address, the broadcast address, and the
// first host (.1, reserved for the gateway). A linear scan is adequate: networks are sized
// for a handful of NICs, not a full /16.
func nextFreeIPv4(cidr *net.IPNet, used map[string]bool) (net.IP, error) {
	ones, bits := cidr.Mask.Size()
	if bits != 32 {
		return nil, flerrors.New(flerrors.KindInternal, "nextFreeIPv4: not an IPv4 prefix")
	}
	base := binary.BigEndian.Uint32(cidr.IP.To4())
	size := uint32(1) << uint(32-ones)
	if size < 4 {
		return nil, flerrors.New(flerrors.KindResourceExhausted, "prefix too small to allocate a host address")
	}

	// .0 is network, .1 is the gateway, last is broadcast.
	for host := uint32(2); host < size-1; host++ {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], base+host)
		ip := net.IP(b[:])
		if !used[ip.String()] {
			return ip, nil
		}
	}
	return nil, flerrors.New(flerrors.KindResourceExhausted, "no free IPv4 addresses in "+cidr.String())
}

// eui64FromMAC derives the interface identifier portion of an IPv6
// address from a MAC address per RFC 4291 appendix A, then combines it
// with the network's /64 prefix.
func eui64FromMAC(cidr *net.IPNet, mac net.HardwareAddr) (net.IP, error) {
	if cidr == nil {
		return nil, nil
	}
	if len(mac) != 6 {
		return nil, flerrors.New(flerrors.KindInternal, "eui64FromMAC: MAC must be 6 bytes")
	}
	ones, bits := cidr.Mask.Size()
	if bits != 128 || ones != 64 {
		return nil, flerrors.New(flerrors.KindInternal, "eui64FromMAC: prefix must be a /64")
	}

	id := make([]byte, 8)
	copy(id[0:3], mac[0:3])
	id[3] = 0xff
	id[4] = 0xfe
	copy(id[5:8], mac[3:6])
	id[0] ^= 0x02 // flip the universal/local bit

	ip := make(net.IP, 16)
	copy(ip[0:8], cidr.IP.To16()[0:8])
	copy(ip[8:16], id)
	return ip, nil
}
