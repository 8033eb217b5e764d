// Package version holds the build identifier every service logs on
// startup, in the same spirit as the teacher's internal/version package
// (referenced but not present in the retrieved source — this reconstructs
// it as a single build-time-overridable string, the minimal form that
// pattern takes).
package version

// Version is overridable at build time via -ldflags
// "-X github.com/gaby/ndsfabric/internal/version.Version=...".
var Version = "dev"
