// Package version reports what build of annexwatch is running.
//
// Release builds stamp the variables below with
//
//	-ldflags "-X github.com/Aman-CERP/annexwatch/pkg/version.Version=v1.2.0
//	          -X github.com/Aman-CERP/annexwatch/pkg/version.Commit=abc1234
//	          -X github.com/Aman-CERP/annexwatch/pkg/version.Date=2026-01-02T03:04:05Z"
//
// Other builds fall back to the VCS stamp the go command embeds.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

// Info is the build description printed by `annexwatch version --json`.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

var (
	once sync.Once
	info Info
)

// Get returns the build description.
func Get() Info {
	once.Do(func() {
		info = Info{
			Version:   Version,
			Commit:    Commit,
			Date:      Date,
			GoVersion: runtime.Version(),
			OS:        runtime.GOOS,
			Arch:      runtime.GOARCH,
		}
		bi, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.Commit == "" {
					info.Commit = s.Value
				}
			case "vcs.time":
				if info.Date == "" {
					info.Date = s.Value
				}
			case "vcs.modified":
				info.Modified = s.Value == "true"
			}
		}
		if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
	})
	return info
}

// Short returns the version alone.
func Short() string { return Get().Version }

// String returns a one-line description.
func String() string {
	i := Get()
	commit := i.Commit
	if commit == "" {
		commit = "unknown"
	} else if len(commit) > 12 {
		commit = commit[:12]
	}
	if i.Modified {
		commit += "+dirty"
	}
	date := i.Date
	if date == "" {
		date = "unknown"
	}
	return fmt.Sprintf("annexwatch %s (commit %s, built %s, %s, %s/%s)",
		i.Version, commit, date, i.GoVersion, i.OS, i.Arch)
}
