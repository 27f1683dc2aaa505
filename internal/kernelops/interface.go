// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package kernelops abstracts the host-kernel side effects the manager and
// reactors need to drive: interface creation for TAP/tunnel devices, route
// programming, and the nftables fast-path ruleset. Tests substitute Fake
// for the real Linux implementation so the reactor logic never touches an
// actual netns.
package kernelops

import "net"

// LinkKind tags the device type of a link in Fake's bookkeeping and the
// kind EnsureLink creates. LinkTunnel links are only ever created through
// EnsureTunnel (which needs endpoint addresses EnsureLink has no room for);
// it still appears here so Fake can record and assert on it uniformly.
type LinkKind int

const (
	LinkTAP LinkKind = iota
	LinkTunnel
)

// KernelOps abstracts the kernel-assist side of the data plane: commands
// that mutate host network state outside the vhost-user/vring fast path.
// Every method that shells out or hits netlink distinguishes a benign
// "already exists" / "no such device" outcome (returned as nil error, the
// desired state is already reached) from a genuine failure, which is
// wrapped as errors.KindKernelCommand.
type KernelOps interface {
	// EnsureLink creates name as the given kind if it does not already
	// exist, and brings it up. Idempotent.
	EnsureLink(name string, kind LinkKind, mtu int) error

	// EnsureTunnel creates name as an ip6tnl point-to-point tunnel to
	// remote if it does not already exist, and brings it up. local is the
	// tunnel's own endpoint address, required by the kernel even though
	// routing only ever cares about remote. Idempotent.
	EnsureTunnel(name string, local, remote net.IP, mtu int) error

	// DeleteLink removes name. Idempotent: a missing link is not an error.
	DeleteLink(name string) error

	// AddRoute installs a route for dst via the device named dev.
	AddRoute(dst *net.IPNet, dev string) error

	// RemoveRoute removes a previously installed route. Idempotent.
	RemoveRoute(dst *net.IPNet, dev string) error

	// SyncFastPathRuleset is called by internal/fastpath whenever it
	// changes which 5-tuples are allowed to bypass per-packet security
	// evaluation (i.e. already Established in conntrack). The Linux
	// implementation makes sure tableName holds a chain for dev; it adds
	// no rules and does not mirror the eBPF map's contents.
	SyncFastPathRuleset(dev string, tableName string) error
}
