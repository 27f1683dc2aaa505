// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package kernelops

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mvirt.io/netd/internal/testutil"
)

func TestWithNamespaceRunsDirectlyWhenUnset(t *testing.T) {
	k := NewLinuxKernelOps()
	called := false
	require.NoError(t, k.withNamespace(func() error {
		called = true
		return nil
	}))
	require.True(t, called)
}

// TestWithNamespaceSwitchesIntoNamedNetns actually enters a named network
// namespace, which requires CAP_SYS_ADMIN and an existing `ip netns` entry:
// only meaningful in a VM test environment.
func TestWithNamespaceSwitchesIntoNamedNetns(t *testing.T) {
	testutil.RequireVM(t)

	k := NewLinuxKernelOpsInNamespace("netd-test")
	called := false
	require.NoError(t, k.withNamespace(func() error {
		called = true
		return nil
	}))
	require.True(t, called)
}
