// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mvirt.io/netd/internal/model"
	"mvirt.io/netd/internal/sigchan"
)

func TestRegisterLookupUnregister(t *testing.T) {
	r := New()
	_, ob := sigchan.New(4)

	_, ok := r.Lookup("nic-a")
	require.False(t, ok)

	r.Register("nic-a", ob)
	got, ok := r.Lookup("nic-a")
	require.True(t, ok)
	require.Equal(t, ob, got)

	r.Unregister("nic-a")
	_, ok = r.Lookup("nic-a")
	require.False(t, ok)
}

func TestReaderObservesConsistentSnapshotDuringConcurrentWrite(t *testing.T) {
	r := New()
	_, ob := sigchan.New(4)
	r.Register("nic-a", ob)

	// A reader loading the pointer once must see either the old or the new
	// generation in full, never a half-mutated map.
	snap := r.Snapshot()
	r.Register("nic-b", ob)
	_, ok := snap["nic-b"]
	require.False(t, ok, "previously loaded snapshot must not observe later writes")

	newSnap := r.Snapshot()
	_, ok = newSnap["nic-b"]
	require.True(t, ok)
}

func TestUnregisterUnknownIsNoop(t *testing.T) {
	r := New()
	require.NotPanics(t, func() { r.Unregister(model.ReactorID("missing")) })
}
