// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package tunnelreactor

import (
	"net"
	"sync"

	"golang.org/x/sys/unix"

	flerrors "mvirt.io/netd/internal/errors"
)

func htons(v uint16) uint16 { return (v<<8)&0xff00 | v>>8 }

// tunnelAddr remembers the sockaddr_ll a bound tunnel socket sends on:
// AF_PACKET's sendto still requires a destination address even though a
// point-to-point, NOARP device like ip6tnl has no link-layer address of
// its own to speak of.
var tunnelAddrs sync.Map // fd -> *unix.SockaddrLinklayer

// bindTunnelDevice opens an AF_PACKET socket bound to the tunnel
// interface's ifindex. ip6tnl is a pure L3 device: SOCK_DGRAM mode means
// the kernel strips/adds no link-layer header on either side, so every
// read or write here is a bare IPv6 payload — the same shape as a TAP
// device opened in IFF_TUN mode, just reached through a different fd type
// because ip6tnl has no /dev/net/tun-style character device.
func bindTunnelDevice(name string) (int, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return -1, flerrors.Wrap(err, flerrors.KindNotFound, "lookup tunnel interface "+name)
	}

	proto := htons(unix.ETH_P_IPV6)
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_DGRAM, int(proto))
	if err != nil {
		return -1, flerrors.Wrap(err, flerrors.KindKernelCommand, "open packet socket for "+name)
	}

	addr := &unix.SockaddrLinklayer{Protocol: proto, Ifindex: iface.Index}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, flerrors.Wrap(err, flerrors.KindKernelCommand, "bind packet socket to "+name)
	}
	tunnelAddrs.Store(fd, addr)
	return fd, nil
}

func writeToInterface(fd int, ipPkt []byte) error {
	v, ok := tunnelAddrs.Load(fd)
	if !ok {
		return flerrors.Errorf(flerrors.KindInternal, "tunnel socket %d not bound", fd)
	}
	return unix.Sendto(fd, ipPkt, 0, v.(*unix.SockaddrLinklayer))
}

func forgetTunnelDevice(fd int) {
	tunnelAddrs.Delete(fd)
}
