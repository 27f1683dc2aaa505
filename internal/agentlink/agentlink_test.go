// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package agentlink

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mvirt.io/netd/internal/testutil"
)

func TestClientDefaults(t *testing.T) {
	c := NewClient(42)
	require.Equal(t, uint32(42), c.CID)
	require.Equal(t, uint32(DefaultPort), c.port())
	require.Equal(t, DefaultTimeout, c.timeout())
}

func TestClientExplicitPortAndTimeout(t *testing.T) {
	c := &Client{CID: 7, Port: 9000, Timeout: time.Second}
	require.Equal(t, uint32(9000), c.port())
	require.Equal(t, time.Second, c.timeout())
}

// TestPingReachesRealAgent dials an actual vsock endpoint, which requires
// a loaded vsock transport (virtio-vsock or vhost-vsock) and is only
// meaningful inside a VM test environment.
func TestPingReachesRealAgent(t *testing.T) {
	testutil.RequireVM(t)

	c := NewClient(2) // VMADDR_CID_HOST
	_, err := c.Ping()
	require.NoError(t, err)
}
