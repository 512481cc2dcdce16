// Package buildinfo reports the version identity of the running binary.
package buildinfo

import (
	"runtime"
	"time"
)

// Stamped by the release script through -ldflags; a plain `go build`
// leaves the dev defaults in place.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Uptime reports how long the process has been running, rounded down
// to whole seconds.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// Info collects the build stamp and runtime facts for the version
// endpoint and the version subcommand.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}
