package version

var (
	// Version is the semantic version (injected at build time).
	Version = "dev"
	// Commit is the git commit SHA (injected at build time).
	Commit = "unknown"
	// BuildDate is the build timestamp (injected at build time).
	BuildDate = "unknown"
)

// Info returns a single-line version string for the CLI.
func Info() string {
	return Version + " commit=" + Commit + " built=" + BuildDate
}
