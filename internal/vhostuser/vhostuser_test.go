// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package vhostuser

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNegotiateFeaturesRequiresMandatory(t *testing.T) {
	_, err := NegotiateFeatures(WithFeature(0, NetFCSUM))
	require.Error(t, err)

	offered := WithFeature(WithFeature(0, FVersion1), NetFMAC)
	offered = WithFeature(offered, NetFCSUM)
	accepted, err := NegotiateFeatures(offered)
	require.NoError(t, err)
	require.True(t, FeatureMask(accepted, FVersion1))
	require.True(t, FeatureMask(accepted, NetFMAC))
	require.True(t, FeatureMask(accepted, NetFCSUM))
	require.False(t, FeatureMask(accepted, NetFGuestTSO4))
}

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Request: ReqSetFeatures, Flags: FlagReply, Size: 8}
	b := encodeHeader(h)
	require.Len(t, b, HeaderSize)
	got := decodeHeader(b)
	require.Equal(t, h, got)
}

func TestMemoryTableTranslateRejectsStraddle(t *testing.T) {
	mt := &MemoryTable{regions: []mappedRegion{{
		desc:  MemoryRegion{GuestPhysAddr: 0x1000, MemorySize: 0x100},
		local: make([]byte, 0x100),
	}}}
	_, err := mt.Translate(0x1000, 0x10)
	require.NoError(t, err)
	_, err = mt.Translate(0x10F0, 0x20)
	require.Error(t, err)
	_, err = mt.Translate(0x2000, 0x10)
	require.Error(t, err)
}

func buildVring(num uint32) (*Vring, []byte, []byte, []byte) {
	desc := make([]byte, int(num)*descSize)
	avail := make([]byte, availHdr+int(num)*2)
	used := make([]byte, usedHdr+int(num)*usedElem)
	return NewVring(0, num, desc, avail, used), desc, avail, used
}

func TestVringPopAvailWalksChainAndPushUsed(t *testing.T) {
	v, desc, avail, used := buildVring(4)

	// descriptor 0: read-only 10 bytes at 0x2000, chained to descriptor 1.
	binary.LittleEndian.PutUint64(desc[0:8], 0x2000)
	binary.LittleEndian.PutUint32(desc[8:12], 10)
	binary.LittleEndian.PutUint16(desc[12:14], descFNext)
	binary.LittleEndian.PutUint16(desc[14:16], 1)
	// descriptor 1: write-only 20 bytes at 0x3000, terminal.
	off := descSize
	binary.LittleEndian.PutUint64(desc[off:off+8], 0x3000)
	binary.LittleEndian.PutUint32(desc[off+8:off+12], 20)
	binary.LittleEndian.PutUint16(desc[off+12:off+14], descFWrite)

	binary.LittleEndian.PutUint16(avail[4:6], 0) // ring[0] = head descriptor 0
	binary.LittleEndian.PutUint16(avail[2:4], 1) // avail.idx = 1 (one new entry)

	head, chain, ok, err := v.PopAvail(nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint16(0), head)
	require.Len(t, chain, 2)
	require.False(t, chain[0].Write)
	require.True(t, chain[1].Write)
	require.Equal(t, uint32(20), chain[1].Len)

	_, _, ok, err = v.PopAvail(nil)
	require.NoError(t, err)
	require.False(t, ok, "no new avail entries posted")

	v.PushUsed(head, 20)
	require.Equal(t, uint16(1), binary.LittleEndian.Uint16(used[2:4]))
	require.Equal(t, uint32(0), binary.LittleEndian.Uint32(used[4:8]))
	require.Equal(t, uint32(20), binary.LittleEndian.Uint32(used[8:12]))
}

func TestVringRejectsChainLoop(t *testing.T) {
	v, desc, avail, _ := buildVring(2)
	// descriptor 0 points to itself.
	binary.LittleEndian.PutUint64(desc[0:8], 0x1000)
	binary.LittleEndian.PutUint32(desc[8:12], 4)
	binary.LittleEndian.PutUint16(desc[12:14], descFNext)
	binary.LittleEndian.PutUint16(desc[14:16], 0)

	binary.LittleEndian.PutUint16(avail[4:6], 0)
	binary.LittleEndian.PutUint16(avail[2:4], 1)

	_, _, _, err := v.PopAvail(nil)
	require.Error(t, err)
}
