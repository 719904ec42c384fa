// Package version reports what build of quorum is running. The commit
// is resolved once at init: an -ldflags override wins, then the VCS
// revision stamped into the binary, then "dev".
package version

import "runtime/debug"

// AppName prefixes version strings in logs and health responses.
const AppName = "quorum"

// commitOverride is injected with -ldflags for builds done outside a
// git checkout (release containers).
var commitOverride string

// Commit is the short (8 char) revision identifying this build, or
// "dev" when nothing stamped it (go test, go run from a tarball).
var Commit = resolveCommit()

func resolveCommit() string {
	if commitOverride != "" {
		return shorten(commitOverride)
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			return shorten(s.Value)
		}
	}
	return "dev"
}

func shorten(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns "quorum/<commit>", the form logged at startup and
// reported by the health endpoint.
func Full() string {
	return AppName + "/" + Commit
}
