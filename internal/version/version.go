// Package version provides build information for the narrative engine.
package version

// Version is the current release version. Override at build time with:
//
//	go build -ldflags "-X github.com/AaronLay10/SentientNarrative/internal/version.Version=x.y.z"
var Version = "0.3.0"

// Commit is the source revision, set the same way as Version.
var Commit = "unknown"

// String returns the version and commit for CLI output.
func String() string {
	return Version + " (" + Commit + ")"
}
