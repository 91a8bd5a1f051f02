// Package version holds build metadata, set at link time with
// -ldflags "-X github.com/ramiqadoumi/genflow/internal/version.Version=...".
package version

import "runtime"

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// GoVersion returns the Go runtime version string.
func GoVersion() string { return runtime.Version() }
