// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package fastpath

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"mvirt.io/netd/internal/kernelops"
	"mvirt.io/netd/internal/model"
)

func udpTuple(t *testing.T) model.FiveTuple {
	t.Helper()
	return model.Key(net.ParseIP("10.0.0.5"), net.ParseIP("203.0.113.9"), 40000, 53, 17, model.IPVersion4)
}

func TestInstallWithNilMapSyncsKernelRuleset(t *testing.T) {
	kernel := kernelops.NewFake()
	p := New(nil, kernel, "netd")

	require.NoError(t, p.Install("nic0", udpTuple(t)))
	require.Contains(t, kernel.Synced, "nic0/netd")
}

func TestRemoveWithNilMapSyncsKernelRuleset(t *testing.T) {
	kernel := kernelops.NewFake()
	p := New(nil, kernel, "netd")

	require.NoError(t, p.Remove("nic0", udpTuple(t)))
	require.Contains(t, kernel.Synced, "nic0/netd")
}

func TestInstallRejectsIPv6Tuple(t *testing.T) {
	kernel := kernelops.NewFake()
	p := New(nil, kernel, "netd")

	tuple := model.Key(net.ParseIP("fd00::5"), net.ParseIP("2001:db8::9"), 40000, 53, 17, model.IPVersion6)
	err := p.Install("nic0", tuple)
	require.Error(t, err)
}

func TestCloseWithNilMapIsNoOp(t *testing.T) {
	p := New(nil, kernelops.NewFake(), "netd")
	require.NoError(t, p.Close())
}
