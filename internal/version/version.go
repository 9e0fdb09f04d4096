// Package version carries the build version stamped in by the linker.
package version

import "strings"

// Version is overridden at build time via
// -ldflags "-X github.com/geogram-dev/station/internal/version.Version=v1.2.3".
var Version = "dev"

// String returns the version with a canonical leading "v".
func String() string {
	v := strings.TrimSpace(Version)
	if v != "" && v != "dev" && !strings.HasPrefix(v, "v") {
		return "v" + v
	}
	return v
}
