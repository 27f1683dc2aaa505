// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging is the structured logging surface every component in
// this module depends on: reactors, the manager, and the control plane
// all take a logging.Logger rather than reaching for a global. The root
// logger is a single charmbracelet/log instance; WithComponent attaches a
// "component" field instead of constructing a new sink, so every line a
// running daemon emits shares one timestamp format, level filter, and
// output destination (stderr, plus syslog when configured).
package logging

import (
	"io"
	"os"

	charmlog "github.com/charmbracelet/log"
)

// Logger is the narrow surface reactors and the manager depend on.
// Satisfied by the value WithComponent returns.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

var root = charmlog.NewWithOptions(os.Stderr, charmlog.Options{
	ReportTimestamp: true,
	TimeFormat:      "2006-01-02T15:04:05.000Z07:00",
})

// SetLevel parses one of debug/info/warn/error and sets the root logger's
// threshold. Unrecognized levels are treated as info.
func SetLevel(level string) {
	lvl, err := charmlog.ParseLevel(level)
	if err != nil {
		lvl = charmlog.InfoLevel
	}
	root.SetLevel(lvl)
}

// SetOutput replaces the root logger's sink, e.g. to fan out to syslog in
// addition to stderr via io.MultiWriter.
func SetOutput(w io.Writer) {
	root.SetOutput(w)
}

// componentLogger adapts a charmbracelet/log.Logger (keyvals varargs) to
// this package's Logger interface.
type componentLogger struct {
	l *charmlog.Logger
}

// WithComponent returns a Logger tagged with component=name on every
// line, e.g. WithComponent("vnic") for a vNIC reactor's log output.
func WithComponent(name string) Logger {
	return componentLogger{l: root.With("component", name)}
}

func (c componentLogger) Debug(msg string, args ...any) { c.l.Debug(msg, args...) }
func (c componentLogger) Info(msg string, args ...any)  { c.l.Info(msg, args...) }
func (c componentLogger) Warn(msg string, args ...any)  { c.l.Warn(msg, args...) }
func (c componentLogger) Error(msg string, args ...any) { c.l.Error(msg, args...) }
