// Package version carries build metadata stamped in by the linker.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

// Name is the client name reported to the backend.
const Name = "pipewatch"

// Set with -ldflags "-X github.com/grovetools/pipewatch/version.Version=...".
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// Info is the build metadata printed by `pipewatch version`.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"buildDate"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
}

// GetInfo returns the stamped metadata. Binaries built with `go install`
// carry no ldflags, so the module version and VCS settings recorded by the
// toolchain fill the gaps.
func GetInfo() Info {
	info := Info{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch {
		case s.Key == "vcs.revision" && info.Commit == "none":
			info.Commit = s.Value
		case s.Key == "vcs.time" && info.BuildDate == "unknown":
			info.BuildDate = s.Value
		}
	}
	return info
}

// String lists everything but the version, which callers print first.
func (i Info) String() string {
	return fmt.Sprintf(
		"Commit:\t\t%s\nBuild Date:\t%s\nGo Version:\t%s\nPlatform:\t%s",
		i.Commit, i.BuildDate, i.GoVersion, i.Platform,
	)
}

// UserAgent is sent with every REST request and websocket handshake.
var UserAgent = sync.OnceValue(func() string {
	return fmt.Sprintf("%s/%s (%s/%s)", Name, GetInfo().Version, runtime.GOOS, runtime.GOARCH)
})
