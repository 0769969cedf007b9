// Package version provides build version information for the pipeworks
// daemons.
//
// Version, git commit, branch, and build time are set at compile time
// via -ldflags:
//
//	go build -ldflags "-X github.com/pipeworks-io/pipeworks/version.Version=1.0.0"
package version
