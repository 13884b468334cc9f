// Package version exposes build metadata for the bounce binary.
package version

import (
	"runtime"
	"runtime/debug"
)

var (
	Version   string // Set via ldflags.
	Branch    string
	BuildUser string
	BuildDate string

	Revision  = revisionFromBuildInfo()
	GoVersion = runtime.Version()
	GoOS      = runtime.GOOS
	GoArch    = runtime.GOARCH
)

// GetVersion returns the release version when one was compiled in, and the
// VCS revision otherwise.
func GetVersion() string {
	if Version != "" {
		return Version
	}

	return Revision
}

func revisionFromBuildInfo() string {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}

	rev := "unknown"
	dirty := false

	for _, s := range buildInfo.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = shortRev(s.Value)

		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}

	if dirty {
		rev += "-dirty"
	}

	return rev
}

func shortRev(rev string) string {
	if len(rev) > 7 {
		return rev[:7]
	}

	return rev
}
