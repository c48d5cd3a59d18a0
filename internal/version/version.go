// Package version holds the build-time version string for streamcached.
package version

// Version is overridden at build time via -ldflags "-X ...version.Version=...".
var Version = "dev"
