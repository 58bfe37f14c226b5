package app

import "fmt"

// Version and Commit are set via ldflags at build time, e.g.
// -X github.com/pelusa-v/pelusa-desk/internal/app.Version=1.2.0
var (
	Version = "dev"
	Commit  = "unknown"
)

// BuildVersion returns the version string reported by /api/status.
func BuildVersion() string {
	return fmt.Sprintf("%s (%s)", Version, Commit)
}
