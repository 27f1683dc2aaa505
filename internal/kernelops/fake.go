// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernelops

import (
	"net"
	"sync"
)

// Fake is an in-memory KernelOps for tests: it records what would have
// been asked of the kernel without touching any real netns, the same
// stateful in-memory-implementation shape used elsewhere in this codebase
// for fakes.
type Fake struct {
	mu     sync.Mutex
	Links  map[string]LinkKind
	Routes map[string]string // dst.String() -> dev
	Synced []string
}

// NewFake returns a ready-to-use Fake.
func NewFake() *Fake {
	return &Fake{Links: make(map[string]LinkKind), Routes: make(map[string]string)}
}

func (f *Fake) EnsureLink(name string, kind LinkKind, mtu int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Links[name] = kind
	return nil
}

func (f *Fake) EnsureTunnel(name string, local, remote net.IP, mtu int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Links[name] = LinkTunnel
	return nil
}

func (f *Fake) DeleteLink(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Links, name)
	return nil
}

func (f *Fake) AddRoute(dst *net.IPNet, dev string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Routes[dst.String()] = dev
	return nil
}

func (f *Fake) RemoveRoute(dst *net.IPNet, dev string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Routes, dst.String())
	return nil
}

func (f *Fake) SyncFastPathRuleset(dev string, tableName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Synced = append(f.Synced, dev+"/"+tableName)
	return nil
}

var _ KernelOps = (*Fake)(nil)
