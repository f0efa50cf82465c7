// Package version provides build-time version information.
//
// Variables are set at build time via ldflags:
//
//	go build -ldflags "-X github.com/gamegenie/genie-bridge/internal/version.Version=0.3.0 \
//	                   -X github.com/gamegenie/genie-bridge/internal/version.Commit=$(git rev-parse --short HEAD)" \
//	    ./cmd/genie-bridge
package version

// Build-time variables (set via ldflags)
var (
	// Version is the semantic version advertised to MCP clients.
	Version = "dev"

	// Commit is the git commit hash (short form)
	Commit = "unknown"

	// BuildTime is the UTC build timestamp (ISO 8601)
	BuildTime = "unknown"
)

// String returns a formatted version string.
func String() string {
	return Version + " (" + Commit + ") built " + BuildTime
}

// Info returns the version fields as log attributes.
func Info() []any {
	return []any{"version", Version, "commit", Commit, "build_time", BuildTime}
}
