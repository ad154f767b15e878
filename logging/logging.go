// Package logging builds the coordinator's process-wide structured
// logger. Adopted from lox-pokerforbots, which reaches for
// charmbracelet/log rather than the standard library's bare log
// package for the same reason this server needs it: leveled,
// key-value output that stays readable in a terminal during
// development and still parses cleanly when piped to a collector.
package logging

import (
	"os"
	"strings"

	charmlog "github.com/charmbracelet/log"
)

// New builds a logger at the given level ("debug", "info", "warn",
// "error"; unrecognized values fall back to info) writing to stderr
// with wall-clock HH:MM:SS timestamps, matching charmbracelet/log's
// defaults in lox-pokerforbots' own setup.
func New(level string) *charmlog.Logger {
	l := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05",
	})
	l.SetLevel(parseLevel(level))
	return l
}

func parseLevel(level string) charmlog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return charmlog.DebugLevel
	case "warn", "warning":
		return charmlog.WarnLevel
	case "error":
		return charmlog.ErrorLevel
	default:
		return charmlog.InfoLevel
	}
}
