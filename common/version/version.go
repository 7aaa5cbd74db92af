// Package version exposes build-time version information for fabricd.
package version

import "fmt"

// Set at build time via -ldflags "-X github.com/calyptra/agentfabric/common/version.Version=...".
var (
	Version   = "v0.0.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Info returns the full human-readable version line.
func Info() string {
	return fmt.Sprintf("%s (%s) built at %s", Version, GitCommit, BuildTime)
}

// Short returns just the semantic version, for log records.
func Short() string {
	return Version
}
