package core

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

var Version = "devel"

func init() {
	if info, ok := debug.ReadBuildInfo(); ok {
		Version = resolveVersion(info)
	}
}

// resolveVersion prefers a tagged module version and falls back to VCS info.
// Pseudo-versions from local builds are treated as devel builds.
func resolveVersion(info *debug.BuildInfo) string {
	if v := info.Main.Version; v != "" && v != "(devel)" && !isPseudoVersion(v) {
		return v
	}

	var revision string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if revision == "" {
		return "devel"
	}

	if len(revision) > 7 {
		revision = revision[:7]
	}
	v := "devel-" + revision
	if dirty {
		v += "-dirty"
	}
	return v
}

// FormatVersion strips the "v" prefix of tagged releases for display
func FormatVersion(v string) string {
	return strings.TrimPrefix(v, "v")
}

// UserAgent identifies wharf in outgoing HTTP requests (companion downloads)
func UserAgent() string {
	return fmt.Sprintf("wharf/%s (%s; %s)", FormatVersion(Version), runtime.GOOS, runtime.GOARCH)
}

// isPseudoVersion reports whether v looks like a Go module pseudo-version,
// e.g. v0.0.0-20260217105831-82903d1d8810.
func isPseudoVersion(v string) bool {
	if i := strings.Index(v, "+"); i >= 0 {
		v = v[:i]
	}
	i := strings.LastIndex(v, "-")
	if i < 0 {
		return false
	}
	hash := v[i+1:]
	if len(hash) != 12 {
		return false
	}
	for _, c := range hash {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}
