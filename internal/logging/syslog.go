// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"fmt"
	"log/syslog"

	flerrors "mvirt.io/netd/internal/errors"
)

// SyslogConfig configures an optional remote syslog sink, layered on top
// of the stderr output every component already writes to.
type SyslogConfig struct {
	Enabled  bool   `hcl:"enabled,optional" json:"enabled,omitempty"`
	Host     string `hcl:"host,optional" json:"host,omitempty"`
	Port     int    `hcl:"port,optional" json:"port,omitempty"`
	Protocol string `hcl:"protocol,optional" json:"protocol,omitempty"` // "udp" or "tcp"
	Tag      string `hcl:"tag,optional" json:"tag,omitempty"`
	Facility int    `hcl:"facility,optional" json:"facility,omitempty"` // standard syslog facility number, e.g. 1 = user
}

// DefaultSyslogConfig is disabled by default: syslog forwarding is an
// opt-in deployment choice, not a default behavior.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Enabled:  false,
		Port:     514,
		Protocol: "udp",
		Tag:      "netd",
		Facility: 1,
	}
}

// NewSyslogWriter dials a remote syslog daemon and returns a writer
// suitable for SetOutput (or io.MultiWriter alongside stderr). Missing
// Port/Protocol/Tag are defaulted; a missing Host is a configuration
// error since there is nothing to dial.
func NewSyslogWriter(cfg SyslogConfig) (*syslog.Writer, error) {
	if cfg.Host == "" {
		return nil, flerrors.New(flerrors.KindValidation, "syslog: host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 514
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Tag == "" {
		cfg.Tag = "netd"
	}

	priority := syslog.Priority(cfg.Facility<<3) | syslog.LOG_INFO
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	w, err := syslog.Dial(cfg.Protocol, addr, priority, cfg.Tag)
	if err != nil {
		return nil, flerrors.Wrap(err, flerrors.KindUnavailable, "dial syslog at "+addr)
	}
	return w, nil
}
