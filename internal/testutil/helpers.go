// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package testutil holds small test helpers shared across packages that
// need real kernel capabilities (TAP/TUN devices, netlink, nftables) not
// available in a sandboxed CI container.
package testutil

import (
	"os"
	"testing"
)

// RequireVM skips the test unless the NETD_VM_TEST environment variable
// is set. Tests that open a real TAP device, program netlink routes, or
// touch nftables only run in an environment where that's possible.
func RequireVM(t *testing.T) {
	t.Helper()
	if os.Getenv("NETD_VM_TEST") == "" {
		t.Skip("skipping test: requires NETD_VM_TEST environment")
	}
}
