// Package version holds the dtk version string, overridable at build time
// via -ldflags "-X dtk/internal/version.Version=...".
package version

// Version is the current dtk version.
var Version = "0.3.0"
