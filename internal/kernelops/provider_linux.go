// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package kernelops

import (
	"errors"
	"net"
	"runtime"
	"strings"
	"sync"
	"syscall"

	"github.com/google/nftables"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"

	flerrors "mvirt.io/netd/internal/errors"
)

// LinuxKernelOps implements KernelOps using vishvananda/netlink for
// link/route programming and google/nftables for the fast-path ruleset.
type LinuxKernelOps struct {
	mu sync.Mutex
	ns string // named network namespace; empty means the default namespace
}

// NewLinuxKernelOps returns a KernelOps backed by real netlink/nftables calls
// in the default (root) network namespace.
func NewLinuxKernelOps() *LinuxKernelOps {
	return &LinuxKernelOps{}
}

// NewLinuxKernelOpsInNamespace returns a KernelOps whose link and route
// operations run inside the named network namespace (as known to `ip netns`,
// under /var/run/netns), isolating a network's devices from the host's
// default namespace and from other networks' devices. Each call switches
// the calling OS thread into the namespace for its duration and restores the
// original namespace before returning.
func NewLinuxKernelOpsInNamespace(name string) *LinuxKernelOps {
	return &LinuxKernelOps{ns: name}
}

// withNamespace runs fn with the calling OS thread switched into k.ns, if
// one was configured. The thread is locked for the duration since a netns
// switch is per-thread, not per-process.
func (k *LinuxKernelOps) withNamespace(fn func() error) error {
	if k.ns == "" {
		return fn()
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	orig, err := netns.Get()
	if err != nil {
		return flerrors.Wrap(err, flerrors.KindKernelCommand, "get current netns")
	}
	defer orig.Close()

	target, err := netns.GetFromName(k.ns)
	if err != nil {
		return flerrors.Wrap(err, flerrors.KindKernelCommand, "open netns "+k.ns)
	}
	defer target.Close()

	if err := netns.Set(target); err != nil {
		return flerrors.Wrap(err, flerrors.KindKernelCommand, "enter netns "+k.ns)
	}
	defer netns.Set(orig)

	return fn()
}

func (k *LinuxKernelOps) EnsureLink(name string, kind LinkKind, mtu int) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.withNamespace(func() error {
		if existing, err := netlink.LinkByName(name); err == nil {
			return netlink.LinkSetUp(existing)
		}

		var link netlink.Link
		switch kind {
		case LinkTAP:
			link = &netlink.Tuntap{
				LinkAttrs: netlink.LinkAttrs{Name: name, MTU: mtu},
				Mode:      netlink.TUNTAP_MODE_TAP,
				Flags:     netlink.TUNTAP_DEFAULTS | netlink.TUNTAP_VNET_HDR,
			}
		default:
			return flerrors.Errorf(flerrors.KindInternal, "unknown link kind %d", kind)
		}

		if err := netlink.LinkAdd(link); err != nil && !isExistsErr(err) {
			return flerrors.Wrap(err, flerrors.KindKernelCommand, "create link "+name)
		}
		added, err := netlink.LinkByName(name)
		if err != nil {
			return flerrors.Wrap(err, flerrors.KindKernelCommand, "lookup link "+name+" after create")
		}
		if err := netlink.LinkSetUp(added); err != nil {
			return flerrors.Wrap(err, flerrors.KindKernelCommand, "set link up "+name)
		}
		return nil
	})
}

func (k *LinuxKernelOps) EnsureTunnel(name string, local, remote net.IP, mtu int) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.withNamespace(func() error {
		if existing, err := netlink.LinkByName(name); err == nil {
			return netlink.LinkSetUp(existing)
		}

		link := &netlink.Ip6tnl{
			LinkAttrs: netlink.LinkAttrs{Name: name, MTU: mtu},
			Proto:     41, // IPv6-in-IPv6
			Local:     local,
			Remote:    remote,
		}
		if err := netlink.LinkAdd(link); err != nil && !isExistsErr(err) {
			return flerrors.Wrap(err, flerrors.KindKernelCommand, "create tunnel "+name)
		}
		added, err := netlink.LinkByName(name)
		if err != nil {
			return flerrors.Wrap(err, flerrors.KindKernelCommand, "lookup tunnel "+name+" after create")
		}
		if err := netlink.LinkSetUp(added); err != nil {
			return flerrors.Wrap(err, flerrors.KindKernelCommand, "set tunnel up "+name)
		}
		return nil
	})
}

func (k *LinuxKernelOps) DeleteLink(name string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.withNamespace(func() error {
		link, err := netlink.LinkByName(name)
		if err != nil {
			if isNotFoundErr(err) {
				return nil
			}
			return flerrors.Wrap(err, flerrors.KindKernelCommand, "lookup link "+name)
		}
		if err := netlink.LinkDel(link); err != nil && !isNotFoundErr(err) {
			return flerrors.Wrap(err, flerrors.KindKernelCommand, "delete link "+name)
		}
		return nil
	})
}

func (k *LinuxKernelOps) AddRoute(dst *net.IPNet, dev string) error {
	return k.withNamespace(func() error {
		link, err := netlink.LinkByName(dev)
		if err != nil {
			return flerrors.Wrap(err, flerrors.KindKernelCommand, "lookup device "+dev)
		}
		route := &netlink.Route{LinkIndex: link.Attrs().Index, Dst: dst}
		if err := netlink.RouteAdd(route); err != nil && !isExistsErr(err) {
			return flerrors.Wrap(err, flerrors.KindKernelCommand, "add route "+dst.String())
		}
		return nil
	})
}

func (k *LinuxKernelOps) RemoveRoute(dst *net.IPNet, dev string) error {
	return k.withNamespace(func() error {
		link, err := netlink.LinkByName(dev)
		if err != nil {
			if isNotFoundErr(err) {
				return nil
			}
			return flerrors.Wrap(err, flerrors.KindKernelCommand, "lookup device "+dev)
		}
		route := &netlink.Route{LinkIndex: link.Attrs().Index, Dst: dst}
		if err := netlink.RouteDel(route); err != nil && !isNotFoundErr(err) {
			return flerrors.Wrap(err, flerrors.KindKernelCommand, "remove route "+dst.String())
		}
		return nil
	})
}

// SyncFastPathRuleset makes sure the inet table tableName and a chain named
// fastpath_<dev> exist in it. The chain is a regular (non-base) chain with
// no rules: no counter or verdict is installed and the eBPF map is not
// read. The flow-selective redirect lives entirely in the separately
// attached eBPF program whose map internal/fastpath updates.
func (k *LinuxKernelOps) SyncFastPathRuleset(dev string, tableName string) error {
	return k.withNamespace(func() error {
		conn, err := nftables.New()
		if err != nil {
			return flerrors.Wrap(err, flerrors.KindKernelCommand, "open nftables connection")
		}

		table := conn.AddTable(&nftables.Table{Name: tableName, Family: nftables.TableFamilyINet})
		chain := conn.AddChain(&nftables.Chain{
			Name:  "fastpath_" + dev,
			Table: table,
		})
		_ = chain

		if err := conn.Flush(); err != nil {
			return flerrors.Wrap(err, flerrors.KindKernelCommand, "flush nftables ruleset for "+dev)
		}
		return nil
	})
}

func isExistsErr(err error) bool {
	return errors.Is(err, netlink.ErrRouteExists) || strings.Contains(err.Error(), "file exists")
}

func isNotFoundErr(err error) bool {
	var linkNotFound netlink.LinkNotFoundError
	// RouteDel reports a missing route as ESRCH ("no such process").
	return errors.As(err, &linkNotFound) || errors.Is(err, syscall.ESRCH)
}
