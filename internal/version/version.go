// Package version exposes build metadata stamped at link time via
// -ldflags "-X pkt.systems/patchd/internal/version.Version=...".
package version

var (
	// Version is the semantic version or VCS describe output of this build.
	Version = "dev"
	// Commit is the VCS revision of this build.
	Commit = "unknown"
)

// String renders the version for CLI output and health responses.
func String() string {
	if Commit == "unknown" || Commit == "" {
		return Version
	}
	return Version + " (" + Commit + ")"
}
