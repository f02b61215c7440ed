// Package version carries build-time identifiers injected via -ldflags.
package version

var (
	// Version is the semantic version of the running binary.
	Version = "dev"
	// Commit is the git commit SHA the binary was built from.
	Commit = "unknown"
)
