// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValidOnceNodeIDSet(t *testing.T) {
	cfg := Default()
	cfg.NodeID = "host-1"
	require.NoError(t, cfg.Validate())
}

func TestApplyDefaultsFillsOnlyUnsetFields(t *testing.T) {
	cfg := &Config{
		NodeID: "host-1",
		Guest:  &GuestConfig{MTU: 9000},
	}
	cfg.applyDefaults()

	require.Equal(t, 9000, cfg.Guest.MTU)
	require.Equal(t, "1h", cfg.Guest.LeaseTTL)
	require.Equal(t, time.Hour, cfg.Guest.LeaseTTLDuration())
	require.Equal(t, "/run/netd/vhost", cfg.SocketDir)
	require.Equal(t, "/run/netd/netd.sock", cfg.ControlSocket)
	require.Equal(t, 4096, cfg.BufferPool.Count)
	require.NotNil(t, cfg.Syslog)
	require.False(t, cfg.Syslog.Enabled)
}

func TestValidateRejectsUndersizedBuffer(t *testing.T) {
	cfg := Default()
	cfg.NodeID = "host-1"
	cfg.BufferPool.BufferSize = 64
	require.Error(t, cfg.Validate())
}

func TestValidateRequiresAttachInterfaceWhenEBPFEnabled(t *testing.T) {
	cfg := Default()
	cfg.NodeID = "host-1"
	cfg.EBPF.Enabled = true
	require.Error(t, cfg.Validate())
	cfg.EBPF.AttachInterface = "eth0"
	require.NoError(t, cfg.Validate())
}

func TestLoadHCLRoundTrip(t *testing.T) {
	src := `
node_id    = "host-1"
socket_dir = "/tmp/netd/vhost"
log_level  = "debug"

buffer_pool {
  buffer_size = 2048
  count       = 1024
}

guest {
  mtu       = 9000
  lease_ttl = "2h"
}
`
	cfg, err := LoadHCL([]byte(src), "test.hcl")
	require.NoError(t, err)
	cfg.applyDefaults()
	require.NoError(t, cfg.Validate())

	require.Equal(t, "host-1", cfg.NodeID)
	require.Equal(t, "/tmp/netd/vhost", cfg.SocketDir)
	require.Equal(t, 2048, cfg.BufferPool.BufferSize)
	require.Equal(t, 1024, cfg.BufferPool.Count)
	require.Equal(t, 9000, cfg.Guest.MTU)
	require.Equal(t, 2*time.Hour, cfg.Guest.LeaseTTLDuration())
}

func TestLoadHCLInterpolatesEnvironment(t *testing.T) {
	t.Setenv("NETD_TEST_NODE_ID", "host-from-env")
	src := `
node_id    = env.NETD_TEST_NODE_ID
socket_dir = "/tmp/netd/vhost"
`
	cfg, err := LoadHCL([]byte(src), "test.hcl")
	require.NoError(t, err)
	require.Equal(t, "host-from-env", cfg.NodeID)
}

func TestLoadFileRejectsMissingNodeID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "netd.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`socket_dir = "/tmp/netd/vhost"`), 0o644))

	_, err := LoadFile(path)
	require.Error(t, err)
}
