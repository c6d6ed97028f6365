// Package version holds build information for the mailrag binary, set with:
//
//	go build -ldflags="-X github.com/54b3r/mailrag-go/internal/version.Version=v0.3.0 \
//	                    -X github.com/54b3r/mailrag-go/internal/version.Commit=abc1234 \
//	                    -X github.com/54b3r/mailrag-go/internal/version.BuildDate=2026-01-01"
package version

import "fmt"

// Version is the semantic version of the binary. "dev" for local builds.
var Version = "dev"

// Commit is the short git SHA the binary was built from.
var Commit = "unknown"

// BuildDate is the UTC build date (RFC 3339).
var BuildDate = "unknown"

// String renders the one-line form printed by `mailrag version`.
func String() string {
	return fmt.Sprintf("mailrag %s (commit %s, built %s)", Version, Commit, BuildDate)
}
