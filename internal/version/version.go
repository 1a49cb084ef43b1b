// Package version carries the build identity stamped into all three
// binaries (ignitiond, ignitionctl, jobd-mock) via -ldflags.
package version

var (
	// Version is the release tag, "dev" for untagged builds.
	Version = "dev"
	// GitSHA is the commit the binary was built from.
	GitSHA = "unknown"
)

// String renders the human-readable form used by --version output.
func String() string {
	return Version + " (" + GitSHA + ")"
}

// UserAgent identifies ignitionctl to the daemon's HTTP API.
func UserAgent() string {
	return "ignitionctl/" + Version
}
