// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package vnic

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mvirt.io/netd/internal/bufpool"
	"mvirt.io/netd/internal/clock"
	"mvirt.io/netd/internal/conntrack"
	"mvirt.io/netd/internal/fastpath"
	"mvirt.io/netd/internal/kernelops"
	"mvirt.io/netd/internal/model"
	"mvirt.io/netd/internal/registry"
	"mvirt.io/netd/internal/routetable"
	"mvirt.io/netd/internal/secengine"
	"mvirt.io/netd/internal/vhostuser"
)

func newTestReactor(t *testing.T, ct *conntrack.Table, fp *fastpath.Path) *Reactor {
	t.Helper()
	return NewReactor(Config{
		ID:        "nic-test",
		Registry:  registry.New(),
		Routes:    routetable.New(),
		Conntrack: ct,
		Fastpath:  fp,
		Log:       noopLogger{},
	})
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

func TestMaybeAccelerateInstallsOnceForEstablishedFlow(t *testing.T) {
	ct := conntrack.New(clock.NewMock(time.Unix(0, 0)))
	kernel := kernelops.NewFake()
	fp := fastpath.New(nil, kernel, "netd")
	r := newTestReactor(t, ct, fp)

	tuple := model.Key(net.ParseIP("10.0.0.5"), net.ParseIP("203.0.113.9"), 40000, 53, conntrack.ProtoUDP, model.IPVersion4)
	ct.Create(tuple)
	ct.ObserveReply(tuple.Reverse())

	spkt := secengine.Packet{
		Direction: model.DirectionEgress,
		SrcIP:     net.ParseIP("10.0.0.5"),
		DstIP:     net.ParseIP("203.0.113.9"),
		SrcPort:   40000,
		DstPort:   53,
		Protocol:  conntrack.ProtoUDP,
		IPVer:     model.IPVersion4,
	}

	r.maybeAccelerate(spkt)
	r.maybeAccelerate(spkt)

	count := 0
	for _, s := range kernel.Synced {
		if s == "nic-test/netd" {
			count++
		}
	}
	require.Equal(t, 1, count, "Install should only run once per flow")
}

func TestMaybeAccelerateSkipsNewFlow(t *testing.T) {
	ct := conntrack.New(clock.NewMock(time.Unix(0, 0)))
	kernel := kernelops.NewFake()
	fp := fastpath.New(nil, kernel, "netd")
	r := newTestReactor(t, ct, fp)

	tuple := model.Key(net.ParseIP("10.0.0.5"), net.ParseIP("203.0.113.9"), 40000, 53, conntrack.ProtoUDP, model.IPVersion4)
	ct.Create(tuple)

	spkt := secengine.Packet{
		Direction: model.DirectionEgress,
		SrcIP:     net.ParseIP("10.0.0.5"),
		DstIP:     net.ParseIP("203.0.113.9"),
		SrcPort:   40000,
		DstPort:   53,
		Protocol:  conntrack.ProtoUDP,
		IPVer:     model.IPVersion4,
	}

	r.maybeAccelerate(spkt)
	require.Empty(t, kernel.Synced)
}

func TestRetractAcceleratedRemovesInstalledFlows(t *testing.T) {
	ct := conntrack.New(clock.NewMock(time.Unix(0, 0)))
	kernel := kernelops.NewFake()
	fp := fastpath.New(nil, kernel, "netd")
	r := newTestReactor(t, ct, fp)

	tuple := model.Key(net.ParseIP("10.0.0.5"), net.ParseIP("203.0.113.9"), 40000, 53, conntrack.ProtoUDP, model.IPVersion4)
	ct.Create(tuple)
	ct.ObserveReply(tuple.Reverse())

	spkt := secengine.Packet{
		Direction: model.DirectionEgress,
		SrcIP:     net.ParseIP("10.0.0.5"),
		DstIP:     net.ParseIP("203.0.113.9"),
		SrcPort:   40000,
		DstPort:   53,
		Protocol:  conntrack.ProtoUDP,
		IPVer:     model.IPVersion4,
	}
	r.maybeAccelerate(spkt)
	kernel.Synced = nil

	r.retractAccelerated()
	require.Contains(t, kernel.Synced, "nic-test/netd")
}

// TestHeaderLenFollowsNegotiatedMrgRxbuf guards against hard-coding the
// virtio-net header length: a guest that declines MRG_RXBUF must get a
// 10-byte header, not the 12-byte one reserved internally by bufpool.
func TestHeaderLenFollowsNegotiatedMrgRxbuf(t *testing.T) {
	ct := conntrack.New(clock.NewMock(time.Unix(0, 0)))
	r := newTestReactor(t, ct, nil)

	require.False(t, r.mrgRxbufNegotiated())
	require.Equal(t, bufpool.VirtioHeaderLenNoMrgRxbuf, r.headerLen())

	accepted, err := vhostuser.NegotiateFeatures(vhostuser.WithFeature(vhostuser.WithFeature(vhostuser.WithFeature(0, vhostuser.FVersion1), vhostuser.NetFMAC), vhostuser.NetFMrgRxbuf))
	require.NoError(t, err)
	r.features = accepted

	require.True(t, r.mrgRxbufNegotiated())
	require.Equal(t, bufpool.VirtioHeaderLen, r.headerLen())
}

func TestSupportedFeaturesExcludesUnimplementedBits(t *testing.T) {
	mask := vhostuser.SupportedFeatures()
	require.True(t, vhostuser.FeatureMask(mask, vhostuser.FVersion1))
	require.True(t, vhostuser.FeatureMask(mask, vhostuser.NetFMAC))
	require.False(t, vhostuser.FeatureMask(mask, vhostuser.FRingIndirect))
	require.False(t, vhostuser.FeatureMask(mask, vhostuser.FRingEventIdx))
}
