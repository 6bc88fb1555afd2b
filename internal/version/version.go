// Package version exposes build-time version information.
package version

import (
	"fmt"
	"runtime"
)

// Set via -ldflags at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Short returns the bare version string.
func Short() string {
	return Version
}

// Info returns a human-readable version line.
func Info() string {
	return fmt.Sprintf("signalfleet %s (commit %s, built %s, %s)",
		Version, Commit, BuildDate, runtime.Version())
}

// Map returns version fields for JSON responses.
func Map() map[string]string {
	return map[string]string{
		"version":    Version,
		"commit":     Commit,
		"build_date": BuildDate,
		"go":         runtime.Version(),
	}
}
