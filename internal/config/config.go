// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config is the daemon's HCL-based configuration surface: the
// buffer pool geometry, vhost-user socket placement, guest defaults,
// state storage, and the ambient logging/eBPF knobs every other package
// takes a finished value from rather than reading files itself.
package config

import (
	"fmt"
	"time"

	"mvirt.io/netd/internal/logging"
)

// CurrentSchemaVersion is the config schema this build understands.
const CurrentSchemaVersion = "1.0"

// Config is the top-level daemon configuration, loaded once at startup
// from an HCL file and handed down to the manager and reactors.
type Config struct {
	// Schema version for forward compatibility.
	// @default: "1.0"
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty"`

	// NodeID identifies this host. Validate requires it; the daemon logs it
	// at startup.
	NodeID string `hcl:"node_id,optional" json:"node_id,omitempty"`

	// Directory holding per-NIC vhost-user UNIX domain sockets.
	// @default: "/run/netd/vhost"
	SocketDir string `hcl:"socket_dir,optional" json:"socket_dir,omitempty"`

	// Unix domain socket the control plane RPC server listens on.
	// @default: "/run/netd/netd.sock"
	ControlSocket string `hcl:"control_socket,optional" json:"control_socket,omitempty"`

	BufferPool *BufferPoolConfig `hcl:"buffer_pool,block" json:"buffer_pool,omitempty"`
	Guest      *GuestConfig      `hcl:"guest,block" json:"guest,omitempty"`
	State      *StateConfig      `hcl:"state,block" json:"state,omitempty"`
	Conntrack  *ConntrackConfig  `hcl:"conntrack,block" json:"conntrack,omitempty"`
	EBPF       *EBPFConfig       `hcl:"ebpf,block" json:"ebpf,omitempty"`
	Metrics    *MetricsConfig    `hcl:"metrics,block" json:"metrics,omitempty"`

	// Log level: debug, info, warn, error.
	// @default: "info"
	LogLevel string `hcl:"log_level,optional" json:"log_level,omitempty"`

	// Syslog remote logging, layered on top of stderr.
	Syslog *logging.SyslogConfig `hcl:"syslog,block" json:"syslog,omitempty"`
}

// BufferPoolConfig sizes the hugepage-backed packet buffer arena shared
// by every reactor in the daemon.
type BufferPoolConfig struct {
	// Size in bytes of a single buffer slot, including the virtio-net
	// header and scatter-gather slack. Must be at least bufpool.MinBufferSize.
	// @default: 1576
	BufferSize int `hcl:"buffer_size,optional" json:"buffer_size,omitempty"`

	// Number of buffer slots in the arena.
	// @default: 4096
	Count int `hcl:"count,optional" json:"count,omitempty"`

	// Attempt to back the arena with hugepages before falling back to
	// an anonymous mmap. The daemon does not pass this setting on:
	// bufpool.New always tries hugepages first, whatever its value.
	// @default: true
	UseHugePages bool `hcl:"use_hugepages,optional" json:"use_hugepages,omitempty"`
}

// GuestConfig holds defaults applied to every NIC unless a network or
// NIC overrides them.
type GuestConfig struct {
	// MTU presented to guests over vhost-user.
	// @default: 1500
	MTU int `hcl:"mtu,optional" json:"mtu,omitempty"`

	// DHCPv4/DHCPv6 lease duration handed out by the protocol responder,
	// as a time.ParseDuration string.
	// @default: "1h"
	LeaseTTL string `hcl:"lease_ttl,optional" json:"lease_ttl,omitempty"`

	// TAP device name prefix; the manager appends the network's short ID.
	// @default: "netd-tap"
	TapNamePrefix string `hcl:"tap_name_prefix,optional" json:"tap_name_prefix,omitempty"`

	// ip6tnl device name prefix for remote tunnel reactors.
	// @default: "netd-tun"
	TunnelNamePrefix string `hcl:"tunnel_name_prefix,optional" json:"tunnel_name_prefix,omitempty"`

	// Namespace, when set, is the name of a network namespace (as known
	// to `ip netns`) that TAP/tunnel link creation and route programming
	// happen inside, isolating guest devices from the host's default
	// namespace. Empty runs in the default namespace.
	Namespace string `hcl:"namespace,optional" json:"namespace,omitempty"`
}

// StateConfig configures the SQLite-backed persistence layer.
type StateConfig struct {
	// Path to the SQLite database file holding networks, NICs, security
	// groups, and rules.
	// @default: "/var/lib/netd/state.db"
	Path string `hcl:"path,optional" json:"path,omitempty"`

	// WAL is parsed but not passed on: state.Open always opens the
	// database in WAL mode, whatever its value.
	// @default: true
	WAL bool `hcl:"wal,optional" json:"wal,omitempty"`
}

// ConntrackConfig tunes the security engine's connection tracking table.
// Every field is a time.ParseDuration string rather than a native
// time.Duration: HCL has no duration literal, so these are spelled out as
// strings and parsed on use. The daemon applies SweepInterval only;
// NewTimeout and EstablishedTimeout are parsed by Parsed but not passed to
// the conntrack tables, which use their own fixed per-protocol timeouts.
type ConntrackConfig struct {
	// How often expired entries are swept from the table.
	// @default: "30s"
	SweepInterval string `hcl:"sweep_interval,optional" json:"sweep_interval,omitempty"`

	// Idle timeout for an unreplied (New) entry.
	// @default: "30s"
	NewTimeout string `hcl:"new_timeout,optional" json:"new_timeout,omitempty"`

	// Idle timeout for an Established TCP/UDP entry.
	// @default: "5m"
	EstablishedTimeout string `hcl:"established_timeout,optional" json:"established_timeout,omitempty"`
}

// Parsed returns the three timeouts as time.Duration, falling back to
// Default's values for anything that fails to parse (applyDefaults
// guarantees these are always set, but a hand-edited file could still
// supply garbage).
func (c *ConntrackConfig) Parsed() (sweep, newT, established time.Duration) {
	d := Default().Conntrack
	sweep = parseDurationOr(c.SweepInterval, d.SweepInterval)
	newT = parseDurationOr(c.NewTimeout, d.NewTimeout)
	established = parseDurationOr(c.EstablishedTimeout, d.EstablishedTimeout)
	return
}

func parseDurationOr(s string, fallback string) time.Duration {
	if v, err := time.ParseDuration(s); err == nil {
		return v
	}
	v, _ := time.ParseDuration(fallback)
	return v
}

// LeaseTTLDuration parses Guest.LeaseTTL, falling back to one hour.
func (g *GuestConfig) LeaseTTLDuration() time.Duration {
	if v, err := time.ParseDuration(g.LeaseTTL); err == nil {
		return v
	}
	return time.Hour
}

// EBPFConfig gates the optional kernel fast path for already-Established
// conntrack flows. New flows always take the userspace path through the
// security engine; this only short-circuits repeat traffic on a flow
// that path has already admitted.
type EBPFConfig struct {
	// @default: false
	Enabled bool `hcl:"enabled,optional" json:"enabled,omitempty"`

	// Network interface the separately attached XDP program runs on; netd
	// attaches nothing itself. Validate rejects an empty value when
	// Enabled is true.
	AttachInterface string `hcl:"attach_interface,optional" json:"attach_interface,omitempty"`

	// MapPinPath is the bpffs path a privileged setup step pinned the
	// flow-redirect map at. netd only loads it; it never creates or
	// attaches the program itself.
	// @default: "/sys/fs/bpf/netd/fastpath_flows"
	MapPinPath string `hcl:"map_pin_path,optional" json:"map_pin_path,omitempty"`

	// TableName is the nftables table SyncFastPathRuleset creates its
	// per-device chains under.
	// @default: "netd"
	TableName string `hcl:"table_name,optional" json:"table_name,omitempty"`
}

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	// @default: true
	Enabled bool `hcl:"enabled,optional" json:"enabled,omitempty"`

	// @default: ":9090"
	Listen string `hcl:"listen,optional" json:"listen,omitempty"`
}

// Default returns a fully-populated Config with every optional block
// set to its documented default, suitable for merging a partially
// specified file over.
func Default() *Config {
	return &Config{
		SchemaVersion: CurrentSchemaVersion,
		SocketDir:     "/run/netd/vhost",
		ControlSocket: "/run/netd/netd.sock",
		LogLevel:      "info",
		BufferPool: &BufferPoolConfig{
			BufferSize:   1576,
			Count:        4096,
			UseHugePages: true,
		},
		Guest: &GuestConfig{
			MTU:              1500,
			LeaseTTL:         "1h",
			TapNamePrefix:    "netd-tap",
			TunnelNamePrefix: "netd-tun",
		},
		State: &StateConfig{
			Path: "/var/lib/netd/state.db",
			WAL:  true,
		},
		Conntrack: &ConntrackConfig{
			SweepInterval:      "30s",
			NewTimeout:         "30s",
			EstablishedTimeout: "5m",
		},
		EBPF: &EBPFConfig{
			Enabled:    false,
			MapPinPath: "/sys/fs/bpf/netd/fastpath_flows",
			TableName:  "netd",
		},
		Metrics: &MetricsConfig{
			Enabled: true,
			Listen:  ":9090",
		},
		Syslog: func() *logging.SyslogConfig { c := logging.DefaultSyslogConfig(); return &c }(),
	}
}

// applyDefaults fills every nil block and zero-valued scalar left unset
// by the loaded file with Default's value. It does not validate; LoadFile
// calls Validate afterwards.
func (c *Config) applyDefaults() {
	d := Default()

	if c.SchemaVersion == "" {
		c.SchemaVersion = d.SchemaVersion
	}
	if c.SocketDir == "" {
		c.SocketDir = d.SocketDir
	}
	if c.ControlSocket == "" {
		c.ControlSocket = d.ControlSocket
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}

	if c.BufferPool == nil {
		c.BufferPool = d.BufferPool
	} else {
		if c.BufferPool.BufferSize == 0 {
			c.BufferPool.BufferSize = d.BufferPool.BufferSize
		}
		if c.BufferPool.Count == 0 {
			c.BufferPool.Count = d.BufferPool.Count
		}
	}

	if c.Guest == nil {
		c.Guest = d.Guest
	} else {
		if c.Guest.MTU == 0 {
			c.Guest.MTU = d.Guest.MTU
		}
		if c.Guest.LeaseTTL == "" {
			c.Guest.LeaseTTL = d.Guest.LeaseTTL
		}
		if c.Guest.TapNamePrefix == "" {
			c.Guest.TapNamePrefix = d.Guest.TapNamePrefix
		}
		if c.Guest.TunnelNamePrefix == "" {
			c.Guest.TunnelNamePrefix = d.Guest.TunnelNamePrefix
		}
	}

	if c.State == nil {
		c.State = d.State
	} else if c.State.Path == "" {
		c.State.Path = d.State.Path
	}

	if c.Conntrack == nil {
		c.Conntrack = d.Conntrack
	} else {
		if c.Conntrack.SweepInterval == "" {
			c.Conntrack.SweepInterval = d.Conntrack.SweepInterval
		}
		if c.Conntrack.NewTimeout == "" {
			c.Conntrack.NewTimeout = d.Conntrack.NewTimeout
		}
		if c.Conntrack.EstablishedTimeout == "" {
			c.Conntrack.EstablishedTimeout = d.Conntrack.EstablishedTimeout
		}
	}

	if c.EBPF == nil {
		c.EBPF = d.EBPF
	} else {
		if c.EBPF.MapPinPath == "" {
			c.EBPF.MapPinPath = d.EBPF.MapPinPath
		}
		if c.EBPF.TableName == "" {
			c.EBPF.TableName = d.EBPF.TableName
		}
	}

	if c.Metrics == nil {
		c.Metrics = d.Metrics
	} else if c.Metrics.Listen == "" {
		c.Metrics.Listen = d.Metrics.Listen
	}

	if c.Syslog == nil {
		c.Syslog = d.Syslog
	}
}

// Validate checks invariants applyDefaults cannot fix by itself.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if c.BufferPool.BufferSize < 1576 {
		return fmt.Errorf("buffer_pool.buffer_size must be at least 1576, got %d", c.BufferPool.BufferSize)
	}
	if c.BufferPool.Count <= 0 {
		return fmt.Errorf("buffer_pool.count must be positive, got %d", c.BufferPool.Count)
	}
	if c.Guest.MTU <= 0 {
		return fmt.Errorf("guest.mtu must be positive, got %d", c.Guest.MTU)
	}
	if c.EBPF.Enabled && c.EBPF.AttachInterface == "" {
		return fmt.Errorf("ebpf.attach_interface is required when ebpf.enabled is true")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug/info/warn/error, got %q", c.LogLevel)
	}
	return nil
}
