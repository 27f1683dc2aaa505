// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package tapreactor

import (
	"net"
	"unsafe"

	"github.com/mdlayher/packet"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"

	"mvirt.io/netd/internal/bufpool"
	flerrors "mvirt.io/netd/internal/errors"
)

// ifreq mirrors the kernel's struct ifreq: a fixed-size name field followed
// by a union big enough for every ifr_* variant this package touches.
type ifreq struct {
	name [unix.IFNAMSIZ]byte
	data [64]byte
}

// openTAP creates (or reopens) the named TAP device in layer-3,
// virtio-net-header mode: IFF_TAP selects Ethernet framing on the wire
// protocol itself, but IFF_VNET_HDR is what actually matters here — every
// read/write is prefixed with a virtio-net header the reactor already
// speaks on the vhost-user side.
func openTAP(name string, mtu int) (int, error) {
	if len(name) >= unix.IFNAMSIZ {
		return -1, flerrors.Errorf(flerrors.KindValidation, "tap device name %q too long", name)
	}

	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return -1, flerrors.Wrap(err, flerrors.KindKernelCommand, "open /dev/net/tun")
	}

	var ifr ifreq
	copy(ifr.name[:], name)
	flags := uint16(unix.IFF_TAP | unix.IFF_NO_PI | unix.IFF_VNET_HDR)
	*(*uint16)(unsafe.Pointer(&ifr.data[0])) = flags
	if err := ioctl(fd, unix.TUNSETIFF, unsafe.Pointer(&ifr)); err != nil {
		unix.Close(fd)
		return -1, flerrors.Wrap(err, flerrors.KindKernelCommand, "TUNSETIFF "+name)
	}

	hdrSize := int32(bufpool.VirtioHeaderLen)
	if err := ioctl(fd, unix.TUNSETVNETHDRSZ, unsafe.Pointer(&hdrSize)); err != nil {
		unix.Close(fd)
		return -1, flerrors.Wrap(err, flerrors.KindKernelCommand, "TUNSETVNETHDRSZ "+name)
	}

	return fd, nil
}

// openPhysical binds a cooked (SOCK_DGRAM) AF_PACKET socket directly to an
// existing Linux interface, for deployments that hand the internet-facing
// leg to a real NIC instead of a kernel-created TAP. Cooked mode strips the
// Ethernet header on receive and has the kernel rebuild it from the address
// given to WriteTo, so it hands the reactor the same bare-IP-payload shape
// the virtio-net TAP path already produces.
func openPhysical(name string) (*packet.Conn, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return nil, flerrors.Wrap(err, flerrors.KindNotFound, "find physical interface "+name)
	}
	conn, err := packet.Listen(ifi, unix.SOCK_DGRAM, unix.ETH_P_ALL, nil)
	if err != nil {
		return nil, flerrors.Wrap(err, flerrors.KindKernelCommand, "bind packet socket on "+name)
	}

	filter, err := ipEtherTypeFilter()
	if err != nil {
		conn.Close()
		return nil, flerrors.Wrap(err, flerrors.KindInternal, "assemble physical interface filter")
	}
	if err := conn.SetBPF(filter); err != nil {
		conn.Close()
		return nil, flerrors.Wrap(err, flerrors.KindKernelCommand, "attach filter on "+name)
	}
	return conn, nil
}

// ipEtherTypeFilter builds a classic BPF program that accepts only IPv4 and
// IPv6 frames, dropping ARP and everything else at the kernel before it ever
// reaches pumpPhysicalToHost — the ARP/NDP responders already run on the
// guest side of the routing decision and have no use for the uplink's own
// link-layer chatter.
func ipEtherTypeFilter() ([]bpf.RawInstruction, error) {
	const (
		etherTypeIPv4 = 0x0800
		etherTypeIPv6 = 0x86dd
	)
	return bpf.Assemble([]bpf.Instruction{
		// A SOCK_DGRAM socket's filter sees the packet from the network
		// header on, so the EtherType comes from the skb protocol field.
		bpf.LoadExtension{Num: bpf.ExtProto},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: etherTypeIPv4, SkipTrue: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: etherTypeIPv6, SkipTrue: 1},
		bpf.RetConstant{Val: 0},
		bpf.RetConstant{Val: 262144},
	})
}

func ioctl(fd int, req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}
