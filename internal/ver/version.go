package ver

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

func Load() Version {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Version{
			Version:   "devel",
			GoVersion: runtime.Version(),
			Revision:  "unknown",
		}
	}

	var (
		revision = "unknown"
		dirty    bool
	)
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.dirty":
			dirty = setting.Value == "true"
		}
	}

	return Version{
		Version:   info.Main.Version,
		GoVersion: info.GoVersion,
		Revision:  revision,
		Dirty:     dirty,
	}
}

type Version struct {
	Version   string
	GoVersion string
	Revision  string
	Dirty     bool
}

func (v Version) Format() string {
	commit := v.Revision
	if len(commit) > 7 {
		commit = commit[:7]
	}
	if v.Dirty {
		commit += "-dirty"
	}

	return fmt.Sprintf("%s (%s, %s, %s/%s)", v.Version, commit, v.GoVersion, runtime.GOOS, runtime.GOARCH)
}
