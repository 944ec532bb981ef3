// Package version carries build metadata set with
// -ldflags "-X github.com/papertutor/papertutor/internal/version.Version=...".
package version

var (
	Version = "v0.1.0"
	Commit  = "unknown"
	BuiltAt = "unknown"
)

// String is the one-line form printed by --version and logged at startup.
func String() string {
	return Version + " (commit " + Commit + ", built " + BuiltAt + ")"
}
