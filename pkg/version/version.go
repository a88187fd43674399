package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Version represents the current version of entrystop.
type Version struct {
	Major    string
	Minor    string
	Patch    string
	Metadata string
	Build    string
}

// EntrystopVersion is the current version of entrystop.
var EntrystopVersion = Version{
	Major: "0", Minor: "3", Patch: "0", Metadata: "",
	Build: "$Id$",
}

func (v Version) String() string {
	fixBuild(&v, debug.ReadBuildInfo)
	ver := fmt.Sprintf("Version: %s.%s.%s", v.Major, v.Minor, v.Patch)
	if v.Metadata != "" {
		ver += "-" + v.Metadata
	}
	return fmt.Sprintf("%s\nBuild: %s", ver, v.Build)
}

// BuildInfo returns the Go version and the modules the binary was built
// from.
func BuildInfo() string {
	return fmt.Sprintf("%s\n%s", runtime.Version(), moduleBuildInfo(debug.ReadBuildInfo))
}

// fixBuild replaces an unexpanded Git ident in v.Build with the VCS
// revision recorded by the go command.
func fixBuild(v *Version, read func() (*debug.BuildInfo, bool)) {
	if !strings.HasPrefix(v.Build, "$Id") {
		return
	}
	info, ok := read()
	if !ok {
		return
	}
	for _, key := range []string{"vcs.revision", "gitrevision"} {
		for _, setting := range info.Settings {
			if setting.Key == key {
				v.Build = setting.Value
				return
			}
		}
	}
}
